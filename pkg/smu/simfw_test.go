// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package smu

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"
)

const simFwVersion = 0x00558500

// simFirmware answers mailbox requests synchronously when the message register is
// written. It implements RegisterAccess.
type simFirmware struct {
	cfg Config

	mu       sync.Mutex
	regs     map[uint32]uint32
	reads    int
	writes   int
	calls    []Message
	handlers map[MessageID]func(param uint32) (uint32, uint32)

	// set when a request was posted while the previous one was still pending
	overlap bool
	// never answer
	stuck bool

	fwVersion uint32
	features  uint64
	gfxMin    uint32
	gfxMax    uint32
	levels    map[uint32][]uint32 // firmware clock id -> level frequencies

	alloc      *simAllocator
	driverAddr uint64
	toolAddr   uint64

	metrics     []byte
	ecc         []byte
	eeprom      []byte
	i2cFailures int
}

func newSimFirmware() *simFirmware {
	f := &simFirmware{
		cfg:       DefaultConfig(),
		regs:      map[uint32]uint32{},
		fwVersion: simFwVersion,
		gfxMin:    500,
		gfxMax:    1800,
		levels:    map[uint32][]uint32{},
		alloc:     newSimAllocator(),
		eeprom:    make([]byte, I2C_ADDRESS_SPACE),
	}
	f.handlers = map[MessageID]func(uint32) (uint32, uint32){
		MSG_GET_SMU_VERSION:               func(uint32) (uint32, uint32) { return RESP_OK, f.fwVersion },
		MSG_GET_DRIVER_IF_VERSION:         func(uint32) (uint32, uint32) { return RESP_OK, 0x9 },
		MSG_GET_ENABLED_SMU_FEATURES_HIGH: func(uint32) (uint32, uint32) { return RESP_OK, uint32(f.features >> 32) },
		MSG_GET_ENABLED_SMU_FEATURES_LOW:  func(uint32) (uint32, uint32) { return RESP_OK, uint32(f.features) },
		MSG_GET_MIN_DPM_FREQ:              func(uint32) (uint32, uint32) { return RESP_OK, f.gfxMin },
		MSG_GET_MAX_DPM_FREQ:              func(uint32) (uint32, uint32) { return RESP_OK, f.gfxMax },
		MSG_GET_DPM_FREQ_BY_INDEX:         f.dpmFreqByIndex,
		MSG_SET_DRIVER_DRAM_ADDR_HIGH:     func(p uint32) (uint32, uint32) { f.driverAddr = setHigh(f.driverAddr, p); return RESP_OK, 0 },
		MSG_SET_DRIVER_DRAM_ADDR_LOW:      func(p uint32) (uint32, uint32) { f.driverAddr = setLow(f.driverAddr, p); return RESP_OK, 0 },
		MSG_SET_TOOLS_DRAM_ADDR_HIGH:      func(p uint32) (uint32, uint32) { f.toolAddr = setHigh(f.toolAddr, p); return RESP_OK, 0 },
		MSG_SET_TOOLS_DRAM_ADDR_LOW:       func(p uint32) (uint32, uint32) { f.toolAddr = setLow(f.toolAddr, p); return RESP_OK, 0 },
		MSG_GET_METRICS_TABLE:             func(uint32) (uint32, uint32) { return f.copyToDriver(f.metrics), 0 },
		MSG_GET_ECC_INFO_TABLE:            func(uint32) (uint32, uint32) { return f.copyToDriver(f.ecc), 0 },
		MSG_REQUEST_I2C_TRANSACTION:       f.i2cTransaction,
		MSG_GFX_DEVICE_DRIVER_RESET:       f.reset,
	}
	return f
}

func setHigh(addr uint64, hi uint32) uint64 { return addr&0xFFFFFFFF | uint64(hi)<<32 }
func setLow(addr uint64, lo uint32) uint64  { return addr&^0xFFFFFFFF | uint64(lo) }

func (f *simFirmware) Read32(offset uint32) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return f.regs[offset]
}

func (f *simFirmware) Write32(offset uint32, value uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	f.regs[offset] = value
	if offset != f.cfg.MessageReg {
		return
	}

	msg := Message{ID: MessageID(value), Param: f.regs[f.cfg.ParamReg]}
	f.calls = append(f.calls, msg)
	if f.regs[f.cfg.ResponseReg] != RESP_NONE {
		f.overlap = true
	}
	if f.stuck {
		return
	}
	resp, arg := RESP_OK, uint32(0)
	if h, ok := f.handlers[msg.ID]; ok {
		resp, arg = h(msg.Param)
	}
	f.regs[f.cfg.ParamReg] = arg
	f.regs[f.cfg.ResponseReg] = resp
}

// handle replaces the handler of one message
func (f *simFirmware) handle(msg MessageID, h func(param uint32) (uint32, uint32)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[msg] = h
}

func (f *simFirmware) setStuck(stuck bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stuck = stuck
}

func (f *simFirmware) setReg(offset, value uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs[offset] = value
}

func (f *simFirmware) accessCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads + f.writes
}

func (f *simFirmware) sent() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.calls...)
}

// count returns how many times msg was posted
func (f *simFirmware) count(msg MessageID) int {
	n := 0
	for _, m := range f.sent() {
		if m.ID == msg {
			n++
		}
	}
	return n
}

func (f *simFirmware) clearCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func (f *simFirmware) dpmFreqByIndex(param uint32) (uint32, uint32) {
	clk, index := DPM_PARAM_CLK.read(param), DPM_PARAM_VALUE.read(param)
	levels := f.levels[clk]
	if index == DPM_MAX_INDEX_QUERY {
		if len(levels) == 0 {
			return RESP_CMD_FAIL, 0
		}
		return RESP_OK, uint32(len(levels) - 1)
	}
	if int(index) >= len(levels) {
		return RESP_CMD_FAIL, 0
	}
	return RESP_OK, levels[index]
}

func (f *simFirmware) driver() *TableBuffer {
	return f.alloc.bufs[f.driverAddr]
}

func (f *simFirmware) copyToDriver(b []byte) uint32 {
	d := f.driver()
	if d == nil || len(b) > len(d.CPU) {
		return RESP_CMD_BAD_PREREQ
	}
	copy(d.CPU, b)
	return RESP_OK
}

func (f *simFirmware) i2cTransaction(uint32) (uint32, uint32) {
	if f.i2cFailures > 0 {
		f.i2cFailures--
		return RESP_CMD_FAIL, 0
	}
	d := f.driver()
	if d == nil {
		return RESP_CMD_BAD_PREREQ, 0
	}
	var req SwI2cRequest
	if err := binary.Read(bytes.NewReader(d.CPU), binary.LittleEndian, &req); err != nil {
		return RESP_CMD_FAIL, 0
	}
	addr := int(req.Cmds[0].Data)<<8 | int(req.Cmds[1].Data)
	for i := I2C_ADDR_BYTES; i < int(req.NumCmds); i++ {
		cfg := uint32(req.Cmds[i].Config)
		if I2C_CMD_WRITE.read(cfg) == 1 {
			f.eeprom[addr] = req.Cmds[i].Data
		} else {
			req.Cmds[i].Data = f.eeprom[addr]
		}
		addr++
	}
	copy(d.CPU, structtoByte(req))
	return RESP_OK, 0
}

// mode1 leaves the mailbox silent and brings the bootloader back; mode3 answers
func (f *simFirmware) reset(param uint32) (uint32, uint32) {
	if RESET_PARAM_MODE.read(param) == RESET_MODE_1 {
		f.regs[f.cfg.BootloaderReg] = f.cfg.BootloaderMask
		return RESP_NONE, 0
	}
	return RESP_OK, 0
}

// simAllocator hands out firmware-visible buffers with distinct device addresses
type simAllocator struct {
	mu     sync.Mutex
	next   uint64
	bufs   map[uint64]*TableBuffer
	freed  []string
	failOn string
}

func newSimAllocator() *simAllocator {
	return &simAllocator{next: 0x1_2345_0000, bufs: map[uint64]*TableBuffer{}}
}

func (a *simAllocator) Alloc(name string, size, align int) (*TableBuffer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if name == a.failOn {
		return nil, fmt.Errorf("%s: %w", name, ErrAllocationFailed)
	}
	buf := &TableBuffer{Name: name, CPU: make([]byte, size), DeviceAddr: a.next, Size: size, Align: align}
	a.bufs[a.next] = buf
	a.next += uint64(roundUp(size, PAGE_SIZE))
	return buf, nil
}

func (a *simAllocator) Free(buf *TableBuffer) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freed = append(a.freed, buf.Name)
	delete(a.bufs, buf.DeviceAddr)
	return nil
}

// recordingHostAllocator is a HostAllocator that remembers frees
type recordingHostAllocator struct {
	HostAllocator
	freed  []string
	failOn string
}

func (a *recordingHostAllocator) Alloc(name string, size, align int) (*TableBuffer, error) {
	if name == a.failOn {
		return nil, fmt.Errorf("%s: %w", name, ErrAllocationFailed)
	}
	return a.HostAllocator.Alloc(name, size, align)
}

func (a *recordingHostAllocator) Free(buf *TableBuffer) error {
	a.freed = append(a.freed, buf.Name)
	return a.HostAllocator.Free(buf)
}

func fakeClock() *testclock.FakeClock {
	return testclock.NewFakeClock(time.Unix(1700000000, 0))
}

func newTestChannel(t *testing.T, f *simFirmware) (*Channel, *testclock.FakeClock) {
	t.Helper()
	clk := fakeClock()
	return NewChannel(f, f.cfg, WithClock(clk)), clk
}

// newTestSmu returns a device that went through HwInit against f
func newTestSmu(t *testing.T, f *simFirmware, opts ...Option) *Smu {
	t.Helper()
	opts = append([]Option{WithChannelOptions(WithClock(fakeClock()))}, opts...)
	s, err := New(f, f.cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, s.HwInit(f.alloc, HostAllocator{}))
	return s
}

func featureMask(bits ...int) uint64 {
	var m uint64
	for _, b := range bits {
		m |= 1 << uint(b)
	}
	return m
}
