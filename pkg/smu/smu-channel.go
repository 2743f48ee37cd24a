// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the SMU mailbox channel: one request in flight at a time,
// message + parameter in, response code + argument out.
package smu

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"
)

// RegisterAccess is the atomic 32-bit MMIO primitive the channel is built on
type RegisterAccess interface {
	Read32(offset uint32) uint32
	Write32(offset uint32, value uint32)
}

// MailboxRegs names the three mailbox registers. Firmware returns its argument
// word in the parameter register.
type MailboxRegs struct {
	Message  uint32
	Param    uint32
	Response uint32
}

type Channel struct {
	regs         RegisterAccess
	mailbox      MailboxRegs
	clock        clock.Clock
	pollInterval time.Duration
	timeout      time.Duration
	trace        *TraceRing

	mu          sync.Mutex // one outstanding request slot in hardware
	inSyncFlood atomic.Bool
}

type ChannelOption func(*Channel)

// WithClock replaces the real clock used by the poll loops
func WithClock(c clock.Clock) ChannelOption {
	return func(ch *Channel) { ch.clock = c }
}

// WithTraceRing sets the ring the channel mirrors every step into
func WithTraceRing(t *TraceRing) ChannelOption {
	return func(ch *Channel) { ch.trace = t }
}

// NewChannel creates the mailbox channel. cfg must have been validated.
func NewChannel(regs RegisterAccess, cfg Config, opts ...ChannelOption) *Channel {
	ch := &Channel{
		regs:         regs,
		mailbox:      cfg.Mailbox(),
		clock:        clock.RealClock{},
		pollInterval: cfg.PollInterval,
		timeout:      cfg.Timeout,
	}
	for _, o := range opts {
		o(ch)
	}
	if ch.trace == nil {
		ch.trace = NewTraceRing(cfg.TraceDepth)
	}
	klog.V(DBG_LVL_BASIC).InfoS("smu-channel initialized", "msg", hex(ch.mailbox.Message), "param", hex(ch.mailbox.Param), "resp", hex(ch.mailbox.Response))
	return ch
}

// SetSyncFlood raises the fatal-error flag. Only allow-listed messages go through afterwards.
func (c *Channel) SetSyncFlood() {
	if !c.inSyncFlood.Swap(true) {
		klog.Warning("smu-channel: sync flood set, blocking non RAS/reset messages")
	}
}

// ClearSyncFlood drops the fatal-error flag, normally after a successful mode1 reset
func (c *Channel) ClearSyncFlood() {
	c.inSyncFlood.Store(false)
}

func (c *Channel) InSyncFlood() bool {
	return c.inSyncFlood.Load()
}

// Trace returns the diagnostic ring of this channel
func (c *Channel) Trace() *TraceRing {
	return c.trace
}

// Send issues msg with param and waits for the reply. The returned word is the
// firmware argument register on success.
func (c *Channel) Send(msg MessageID, param uint32) (uint32, error) {
	return c.send(msg, param, nil, nil)
}

// SendTable works like Send but runs fill before the request is posted and drain
// after a successful reply, both while the mailbox lock is held. Shared table
// buffers are only touched from these callbacks.
func (c *Channel) SendTable(msg MessageID, param uint32, fill, drain func() error) (uint32, error) {
	return c.send(msg, param, fill, drain)
}

// General mailbox command flow
func (c *Channel) send(msg MessageID, param uint32, fill, drain func() error) (uint32, error) {
	if c.inSyncFlood.Load() && !msg.AllowedInSyncFlood() {
		klog.V(DBG_LVL_INFO).InfoS("smu-channel.send blocked", "msg", msg, "param", hex(param))
		return 0, fmt.Errorf("%s(param 0x%X): %w", msg, param, ErrBlocked)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	//1. Caller waits for the response register to read idle
	if resp, ok := c.poll(msg, func(r uint32) bool { return r == RESP_NONE }); !ok {
		err := fmt.Errorf("%s(param 0x%X) resp %s: %w", msg, param, RespString(resp), ErrChannelBusy)
		klog.ErrorS(err, "smu-channel: previous request never completed", "msg", msg, "param", hex(param))
		return 0, err
	}

	if fill != nil {
		if err := fill(); err != nil {
			return 0, fmt.Errorf("%s: prepare table: %w", msg, err)
		}
	}

	//2. Caller writes the parameter, then the message id which triggers firmware
	c.writeReg(msg, c.mailbox.Param, param)
	c.writeReg(msg, c.mailbox.Message, uint32(msg))

	//3. Caller polls for a non-zero response
	resp, ok := c.poll(msg, func(r uint32) bool { return r != RESP_NONE })
	if !ok {
		c.trace.record(TraceEntry{Time: c.clock.Now(), Op: TRACE_TIMEOUT, Msg: msg, Offset: c.mailbox.Response, Value: param})
		err := fmt.Errorf("%s(param 0x%X) after %s: %w", msg, param, c.timeout, ErrTimeout)
		klog.ErrorS(err, "smu-channel: no response", "msg", msg, "param", hex(param))
		return 0, err
	}

	//4. Caller reads the argument and hands the mailbox back as idle
	arg := c.readReg(msg, c.mailbox.Param)
	c.writeReg(msg, c.mailbox.Response, RESP_NONE)

	if resp != RESP_OK {
		c.trace.record(TraceEntry{Time: c.clock.Now(), Op: TRACE_REJECT, Msg: msg, Offset: c.mailbox.Response, Value: resp})
		err := &FirmwareError{Msg: msg, Param: param, Code: resp}
		klog.ErrorS(err, "smu-channel: firmware rejected request", "msg", msg, "param", hex(param), "resp", hex(resp))
		return 0, err
	}

	if drain != nil {
		if err := drain(); err != nil {
			return arg, fmt.Errorf("%s: read table: %w", msg, err)
		}
	}
	klog.V(DBG_LVL_DEEP_DETAIL).InfoS("smu-channel.send", "msg", msg, "param", hex(param), "arg", hex(arg))
	return arg, nil
}

// sendNoWait posts a request without waiting on the response register and keeps the
// mailbox locked while wait runs. Used by resets, where registers are unreadable
// until the device comes back.
func (c *Channel) sendNoWait(msg MessageID, param uint32, wait func() error) error {
	if c.inSyncFlood.Load() && !msg.AllowedInSyncFlood() {
		return fmt.Errorf("%s(param 0x%X): %w", msg, param, ErrBlocked)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.writeReg(msg, c.mailbox.Param, param)
	c.writeReg(msg, c.mailbox.Message, uint32(msg))
	if wait == nil {
		return nil
	}
	return wait()
}

// poll reads the response register until done or the channel timeout elapses
func (c *Channel) poll(msg MessageID, done func(uint32) bool) (uint32, bool) {
	return pollUntil(c.clock, c.pollInterval, c.timeout, func() (uint32, bool) {
		r := c.readReg(msg, c.mailbox.Response)
		return r, done(r)
	})
}

// pollUntil calls check until it reports done or timeout elapses on clk.
// check always runs at least once.
func pollUntil(clk clock.Clock, interval, timeout time.Duration, check func() (uint32, bool)) (uint32, bool) {
	start := clk.Now()
	for {
		v, ok := check()
		if ok {
			return v, true
		}
		if clk.Since(start) >= timeout {
			return v, false
		}
		clk.Sleep(interval)
	}
}

func (c *Channel) readReg(msg MessageID, offset uint32) uint32 {
	v := c.regs.Read32(offset)
	c.trace.record(TraceEntry{Time: c.clock.Now(), Op: TRACE_READ, Msg: msg, Offset: offset, Value: v})
	return v
}

func (c *Channel) writeReg(msg MessageID, offset, value uint32) {
	c.trace.record(TraceEntry{Time: c.clock.Now(), Op: TRACE_WRITE, Msg: msg, Offset: offset, Value: value})
	c.regs.Write32(offset, value)
}
