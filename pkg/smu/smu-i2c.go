// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the I2C bridge: EEPROM/FRU byte access tunneled through the
// firmware software-I2C controller.
package smu

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"k8s.io/klog/v2"
)

const (
	I2C_ADDR_BYTES    = 2
	MAX_I2C_DATA      = MAX_SW_I2C_COMMANDS - I2C_ADDR_BYTES
	I2C_PAGE_SIZE     = 256
	I2C_ADDRESS_SPACE = 0x10000

	I2C_SPEED_STANDARD_100K = 0
	I2C_SPEED_FAST_400K     = 1
)

// I2cBridge carries byte transfers to an EEPROM behind the firmware I2C controller
type I2cBridge struct {
	ch     *Channel
	tables *TableContext

	Slave uint8
	Speed uint8

	newBackOff func() backoff.BackOff
}

type I2cOption func(*I2cBridge)

// WithI2cBackOff replaces the retry policy. The factory is called once per transfer.
func WithI2cBackOff(f func() backoff.BackOff) I2cOption {
	return func(b *I2cBridge) { b.newBackOff = f }
}

// NewI2cBridge creates the bridge. attempts counts the first try.
func NewI2cBridge(ch *Channel, tables *TableContext, slave uint8, delay time.Duration, attempts int, opts ...I2cOption) *I2cBridge {
	if attempts < 1 {
		attempts = 1
	}
	b := &I2cBridge{ch: ch, tables: tables, Slave: slave, Speed: I2C_SPEED_FAST_400K}
	b.newBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(attempts-1))
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func i2cConfig(write, restart, stop bool) uint8 {
	var cfg uint32
	if write {
		I2C_CMD_WRITE.write(&cfg, 1)
	}
	if restart {
		I2C_CMD_RESTART.write(&cfg, 1)
	}
	if stop {
		I2C_CMD_STOP.write(&cfg, 1)
	}
	return uint8(cfg)
}

// buildRequest lays out address bytes, then data (write) or read slots. The
// address is always sent as two write commands.
func (b *I2cBridge) buildRequest(addr uint16, port uint8, data []byte, n int, write bool) SwI2cRequest {
	req := SwI2cRequest{Port: port, Speed: b.Speed, SlaveAddress: b.Slave, NumCmds: uint8(I2C_ADDR_BYTES + n)}
	req.Cmds[0] = SwI2cCmd{Data: uint8(addr >> 8), Config: i2cConfig(true, false, false)}
	req.Cmds[1] = SwI2cCmd{Data: uint8(addr), Config: i2cConfig(true, false, false)}
	for i := 0; i < n; i++ {
		last := i == n-1
		if write {
			req.Cmds[I2C_ADDR_BYTES+i] = SwI2cCmd{Data: data[i], Config: i2cConfig(true, false, last)}
		} else {
			req.Cmds[I2C_ADDR_BYTES+i] = SwI2cCmd{Config: i2cConfig(false, i == 0, last)}
		}
	}
	return req
}

func (r *SwI2cRequest) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "port %d speed %d slave 0x%02X cmds %d:", r.Port, r.Speed, r.SlaveAddress, r.NumCmds)
	for i := 0; i < int(r.NumCmds) && i < MAX_SW_I2C_COMMANDS; i++ {
		cfg, err := parseStruct([]byte{r.Cmds[i].Config}, I2C_CMD_CONFIG{})
		if err != nil {
			fmt.Fprintf(&sb, " ?")
			continue
		}
		dir := "R"
		if cfg.Write == 1 {
			dir = "W"
		}
		fmt.Fprintf(&sb, " %s%02X", dir, r.Cmds[i].Data)
		if cfg.Restart == 1 {
			sb.WriteString("+rs")
		}
		if cfg.Stop == 1 {
			sb.WriteString("+p")
		}
	}
	return sb.String()
}

// transact submits one request, retrying on failure, and returns the firmware
// filled copy of the request
func (b *I2cBridge) transact(req SwI2cRequest) (SwI2cRequest, error) {
	var resp SwI2cRequest
	attempt := 0
	op := func() error {
		attempt++
		_, err := b.ch.SendTable(MSG_REQUEST_I2C_TRANSACTION, 0,
			func() error { return b.tables.writeDriver(req) },
			func() error { return b.tables.readDriver(&resp) })
		if errors.Is(err, ErrBlocked) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, d time.Duration) {
		klog.V(DBG_LVL_INFO).InfoS("smu-i2c: transfer failed, retrying", "attempt", attempt, "delay", d, "err", err)
	}

	klog.V(DBG_LVL_DEEP_DETAIL).InfoS("smu-i2c request", "req", req.String())
	if err := backoff.RetryNotify(op, b.newBackOff(), notify); err != nil {
		return resp, fmt.Errorf("i2c transfer after %d attempts: %w", attempt, err)
	}
	if attempt > 1 {
		klog.Warningf("smu-i2c: transfer succeeded after %d attempts", attempt)
	}
	return resp, nil
}

// Read reads n bytes (at most MAX_I2C_DATA) starting at addr
func (b *I2cBridge) Read(addr uint16, port uint8, n int) ([]byte, error) {
	if n <= 0 || n > MAX_I2C_DATA {
		return nil, fmt.Errorf("i2c read of %d bytes: %w", n, ErrInvalidArgument)
	}
	resp, err := b.transact(b.buildRequest(addr, port, nil, n, false))
	if err != nil {
		return nil, fmt.Errorf("i2c read 0x%04X: %w", addr, err)
	}
	out := make([]byte, n)
	for i := range out {
		out[i] = resp.Cmds[I2C_ADDR_BYTES+i].Data
	}
	return out, nil
}

// Write writes data (at most MAX_I2C_DATA bytes) starting at addr
func (b *I2cBridge) Write(addr uint16, port uint8, data []byte) error {
	if len(data) == 0 || len(data) > MAX_I2C_DATA {
		return fmt.Errorf("i2c write of %d bytes: %w", len(data), ErrInvalidArgument)
	}
	if _, err := b.transact(b.buildRequest(addr, port, data, len(data), true)); err != nil {
		return fmt.Errorf("i2c write 0x%04X: %w", addr, err)
	}
	return nil
}

type i2cChunk struct {
	addr uint16
	off  int
	len  int
}

// i2cChunks splits a transfer of n bytes at addr into pieces of at most
// MAX_I2C_DATA bytes that never cross an I2C_PAGE_SIZE boundary
func i2cChunks(addr uint16, n int) ([]i2cChunk, error) {
	if n <= 0 || int(addr)+n > I2C_ADDRESS_SPACE {
		return nil, fmt.Errorf("i2c transfer 0x%04X+%d: %w", addr, n, ErrInvalidArgument)
	}
	chunks := []i2cChunk{}
	a := int(addr)
	for off := 0; off < n; {
		size := n - off
		if size > MAX_I2C_DATA {
			size = MAX_I2C_DATA
		}
		if room := I2C_PAGE_SIZE - a%I2C_PAGE_SIZE; size > room {
			size = room
		}
		chunks = append(chunks, i2cChunk{addr: uint16(a), off: off, len: size})
		a += size
		off += size
	}
	return chunks, nil
}

// ReadChunked reads n bytes of any length
func (b *I2cBridge) ReadChunked(addr uint16, port uint8, n int) ([]byte, error) {
	chunks, err := i2cChunks(addr, n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, n)
	for _, c := range chunks {
		data, err := b.Read(c.addr, port, c.len)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
	return out, nil
}

// WriteChunked writes data of any length
func (b *I2cBridge) WriteChunked(addr uint16, port uint8, data []byte) error {
	chunks, err := i2cChunks(addr, len(data))
	if err != nil {
		return err
	}
	for _, c := range chunks {
		if err := b.Write(c.addr, port, data[c.off:c.off+c.len]); err != nil {
			return err
		}
	}
	return nil
}
