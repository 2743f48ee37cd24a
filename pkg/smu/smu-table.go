// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the table memory used as out-of-band payload for firmware
// calls whose result does not fit in the mailbox argument register.
package smu

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"go.uber.org/multierr"
	"k8s.io/klog/v2"
)

const (
	PAGE_SIZE       = 0x1000
	TOOL_TABLE_SIZE = 0x19000

	ECC_CHANNELS_PER_DIE = 32
)

// TableBuffer is one buffer shared between host and firmware. CPU is the host view,
// DeviceAddr the address firmware uses.
type TableBuffer struct {
	Name       string
	CPU        []byte
	DeviceAddr uint64
	Size       int
	Align      int
}

// TableAllocator provides table memory. Firmware-visible buffers come from a
// device mapper; host-only buffers can use HostAllocator.
type TableAllocator interface {
	Alloc(name string, size, align int) (*TableBuffer, error)
	Free(buf *TableBuffer) error
}

// HostAllocator hands out plain host memory with no device address
type HostAllocator struct{}

func (HostAllocator) Alloc(name string, size, align int) (*TableBuffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%s: size %d: %w", name, size, ErrAllocationFailed)
	}
	return &TableBuffer{Name: name, CPU: make([]byte, size), Size: size, Align: align}, nil
}

func (HostAllocator) Free(buf *TableBuffer) error {
	buf.CPU = nil
	return nil
}

// PowerPlayTable is the synthetic power-play table built by the driver. It holds
// the fallback clocks used when a DPM domain is not managed by firmware.
type PowerPlayTable struct {
	MinGfxclkFrequency     uint32
	MaxGfxclkFrequency     uint32
	DefaultGfxclkFrequency uint32
	DefaultFclkFrequency   uint32
	DefaultUclkFrequency   uint32
	DefaultSocclkFrequency uint32
	DefaultVclkFrequency   uint32
	DefaultDclkFrequency   uint32
	DefaultLclkFrequency   uint32
	MaxSocketPowerLimit    uint32
	Reserved               [6]uint32
}

// DefaultPowerPlayTable returns the synthetic table for a firmware version
func DefaultPowerPlayTable(fwVersion uint32) PowerPlayTable {
	pp := PowerPlayTable{
		MinGfxclkFrequency:     500,
		MaxGfxclkFrequency:     2100,
		DefaultGfxclkFrequency: 1700,
		MaxSocketPowerLimit:    750,
	}
	d := dpmDefaultFreqs(fwVersion)
	pp.DefaultFclkFrequency = d[DPM_FCLK]
	pp.DefaultUclkFrequency = d[DPM_UCLK]
	pp.DefaultSocclkFrequency = d[DPM_SOCCLK]
	pp.DefaultVclkFrequency = d[DPM_VCLK]
	pp.DefaultDclkFrequency = d[DPM_DCLK]
	pp.DefaultLclkFrequency = d[DPM_LCLK]
	return pp
}

// EccInfo is one memory channel record of the per-die ECC table
type EccInfo struct {
	McaUmcStatus uint64
	McaUmcAddr   uint64
	CeCount      uint16
	UeCount      uint16
	Reserved     [3]uint32
}

// I2C command config bits, a byte per command in SwI2cCmd.Config
var (
	I2C_CMD_STOP    = u32field{offset: 0, bitwidth: 1}
	I2C_CMD_RESTART = u32field{offset: 1, bitwidth: 1}
	I2C_CMD_WRITE   = u32field{offset: 2, bitwidth: 1}
)

const MAX_SW_I2C_COMMANDS = 24

type SwI2cCmd struct {
	Data   uint8
	Config uint8
}

// SwI2cRequest is the firmware software-I2C request record
type SwI2cRequest struct {
	Port         uint8
	Speed        uint8
	SlaveAddress uint8
	NumCmds      uint8
	Cmds         [MAX_SW_I2C_COMMANDS]SwI2cCmd
}

// decoded view of a command config byte, used for diagnostics
type I2C_CMD_CONFIG struct {
	Stop     bitfield_1b
	Restart  bitfield_1b
	Write    bitfield_1b
	Reserved bitfield_5b
}

// TableContext owns every table buffer of one device
type TableContext struct {
	Metrics *TableBuffer // host only
	Ecc     *TableBuffer // host only
	PPTable *TableBuffer // host only
	Driver  *TableBuffer // firmware visible
	Tool    *TableBuffer // firmware visible

	fwAlloc   TableAllocator
	hostAlloc TableAllocator
}

// MetricsTableSize is the size of the firmware metrics table
func MetricsTableSize() int {
	return StructSize(MetricsTable{})
}

// EccTableSize is the size of the ECC table for numDies dies
func EccTableSize(numDies int) int {
	return numDies * ECC_CHANNELS_PER_DIE * StructSize(EccInfo{})
}

// DriverTableSize is the page-aligned size of the buffer shared by the metrics
// snapshot, the ECC snapshot and I2C requests
func DriverTableSize(numDies int) int {
	size := MetricsTableSize()
	if s := EccTableSize(numDies); s > size {
		size = s
	}
	if s := StructSize(SwI2cRequest{}); s > size {
		size = s
	}
	return roundUp(size, PAGE_SIZE)
}

// InitTables allocates every table and registers the firmware-visible ones.
// On failure everything already allocated is released.
func InitTables(ch *Channel, fwAlloc, hostAlloc TableAllocator, numDies int, pp PowerPlayTable) (*TableContext, error) {
	t := &TableContext{fwAlloc: fwAlloc, hostAlloc: hostAlloc}

	var err error
	if t.Metrics, err = hostAlloc.Alloc("metrics", MetricsTableSize(), PAGE_SIZE); err != nil {
		return nil, t.unwind(err)
	}
	if t.Ecc, err = hostAlloc.Alloc("ecc", EccTableSize(numDies), PAGE_SIZE); err != nil {
		return nil, t.unwind(err)
	}
	if t.PPTable, err = hostAlloc.Alloc("pptable", StructSize(PowerPlayTable{}), PAGE_SIZE); err != nil {
		return nil, t.unwind(err)
	}
	copy(t.PPTable.CPU, structtoByte(pp))

	if t.Driver, err = fwAlloc.Alloc("driver", DriverTableSize(numDies), PAGE_SIZE); err != nil {
		return nil, t.unwind(err)
	}
	if t.Tool, err = fwAlloc.Alloc("tool", TOOL_TABLE_SIZE, PAGE_SIZE); err != nil {
		return nil, t.unwind(err)
	}

	if err = t.Register(ch); err != nil {
		return nil, t.unwind(err)
	}

	klog.V(DBG_LVL_BASIC).InfoS("smu tables initialized", "driver", hex(t.Driver.DeviceAddr), "driverSize", hex(t.Driver.Size), "tool", hex(t.Tool.DeviceAddr), "eccSize", hex(t.Ecc.Size))
	return t, nil
}

// Register hands the firmware-visible buffer addresses to firmware. Firmware
// forgets them across a whole device reset.
func (t *TableContext) Register(ch *Channel) error {
	if err := registerAddr(ch, t.Driver, MSG_SET_DRIVER_DRAM_ADDR_HIGH, MSG_SET_DRIVER_DRAM_ADDR_LOW); err != nil {
		return err
	}
	return registerAddr(ch, t.Tool, MSG_SET_TOOLS_DRAM_ADDR_HIGH, MSG_SET_TOOLS_DRAM_ADDR_LOW)
}

func registerAddr(ch *Channel, buf *TableBuffer, high, low MessageID) error {
	hi, lo := splitAddr(buf.DeviceAddr)
	if _, err := ch.Send(high, hi); err != nil {
		return fmt.Errorf("register %s table address: %w", buf.Name, err)
	}
	if _, err := ch.Send(low, lo); err != nil {
		return fmt.Errorf("register %s table address: %w", buf.Name, err)
	}
	return nil
}

func (t *TableContext) unwind(cause error) error {
	klog.ErrorS(cause, "smu tables: init failed, releasing partial allocation")
	if err := t.Fini(); err != nil {
		return multierr.Append(cause, err)
	}
	return cause
}

// Fini frees firmware-visible buffers first, then host-only ones. It is safe on a
// partially initialized context and frees every buffer at most once.
func (t *TableContext) Fini() error {
	var errs error
	free := func(alloc TableAllocator, buf **TableBuffer) {
		if *buf == nil {
			return
		}
		if err := alloc.Free(*buf); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("free %s table: %w", (*buf).Name, err))
		}
		*buf = nil
	}
	free(t.fwAlloc, &t.Tool)
	free(t.fwAlloc, &t.Driver)
	free(t.hostAlloc, &t.PPTable)
	free(t.hostAlloc, &t.Ecc)
	free(t.hostAlloc, &t.Metrics)
	return errs
}

// PowerPlay decodes the synthetic power-play table
func (t *TableContext) PowerPlay() (PowerPlayTable, error) {
	if t.PPTable == nil {
		return PowerPlayTable{}, fmt.Errorf("pptable: %w", ErrAllocationFailed)
	}
	return parseStruct(t.PPTable.CPU, PowerPlayTable{})
}

// writeDriver copies a request record into the shared driver buffer
func (t *TableContext) writeDriver(s any) error {
	b := structtoByte(s)
	if t.Driver == nil || len(b) > len(t.Driver.CPU) {
		return fmt.Errorf("driver table too small for %d bytes", len(b))
	}
	copy(t.Driver.CPU, b)
	return nil
}

// readDriver decodes the head of the shared driver buffer into out
func (t *TableContext) readDriver(out any) error {
	if t.Driver == nil {
		return fmt.Errorf("driver table not allocated")
	}
	return binary.Read(bytes.NewReader(t.Driver.CPU), binary.LittleEndian, out)
}

// snapshot copies the head of the driver buffer into a host-only table
func (t *TableContext) snapshot(dst *TableBuffer) error {
	if t.Driver == nil || dst == nil {
		return fmt.Errorf("table not allocated")
	}
	if dst.Size > len(t.Driver.CPU) {
		return fmt.Errorf("%s table larger than driver table", dst.Name)
	}
	copy(dst.CPU, t.Driver.CPU[:dst.Size])
	return nil
}
