// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package smu

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requireUnlocked fails if the mailbox lock is still held
func requireUnlocked(t *testing.T, ch *Channel) {
	t.Helper()
	require.True(t, ch.mu.TryLock(), "mailbox lock still held")
	ch.mu.Unlock()
}

func TestSendReturnsArgument(t *testing.T) {
	f := newSimFirmware()
	f.handle(MSG_TEST_MESSAGE, func(p uint32) (uint32, uint32) { return RESP_OK, p + 1 })
	ch, _ := newTestChannel(t, f)

	arg, err := ch.Send(MSG_TEST_MESSAGE, 0x41)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x42), arg)
	assert.Equal(t, RESP_NONE, f.regs[f.cfg.ResponseReg], "mailbox handed back idle")
	assert.Equal(t, []Message{{ID: MSG_TEST_MESSAGE, Param: 0x41}}, f.sent())
	requireUnlocked(t, ch)
}

func TestSendWritesParamBeforeMessage(t *testing.T) {
	f := newSimFirmware()
	ch, _ := newTestChannel(t, f)

	_, err := ch.Send(MSG_GET_PPT_LIMIT, 7)
	require.NoError(t, err)

	writes := []uint32{}
	for _, e := range ch.Trace().Dump() {
		if e.Op == TRACE_WRITE {
			writes = append(writes, e.Offset)
		}
	}
	assert.Equal(t, []uint32{f.cfg.ParamReg, f.cfg.MessageReg, f.cfg.ResponseReg}, writes)
}

func TestSendFirmwareRejected(t *testing.T) {
	f := newSimFirmware()
	f.handle(MSG_SET_PPT_LIMIT, func(uint32) (uint32, uint32) { return RESP_CMD_BAD_PREREQ, 0 })
	ch, _ := newTestChannel(t, f)

	_, err := ch.Send(MSG_SET_PPT_LIMIT, 300)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFirmwareRejected))
	var fwErr *FirmwareError
	require.True(t, errors.As(err, &fwErr))
	assert.Equal(t, RESP_CMD_BAD_PREREQ, fwErr.Code)
	assert.Equal(t, MSG_SET_PPT_LIMIT, fwErr.Msg)
	assert.Equal(t, uint32(300), fwErr.Param)
	requireUnlocked(t, ch)

	dump := ch.Trace().Dump()
	assert.Equal(t, TRACE_REJECT, dump[len(dump)-1].Op)

	// the channel stays usable
	_, err = ch.Send(MSG_GET_PPT_LIMIT, 0)
	assert.NoError(t, err)
}

func TestSendTimeout(t *testing.T) {
	f := newSimFirmware()
	ch, clk := newTestChannel(t, f)
	start := clk.Now()
	f.setStuck(true)

	_, err := ch.Send(MSG_GET_PPT_LIMIT, 0)
	require.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, clk.Since(start), f.cfg.Timeout)
	requireUnlocked(t, ch)

	f.setStuck(false)
	_, err = ch.Send(MSG_GET_PPT_LIMIT, 0)
	assert.NoError(t, err)
}

func TestSendChannelBusy(t *testing.T) {
	f := newSimFirmware()
	ch, _ := newTestChannel(t, f)
	f.setReg(f.cfg.ResponseReg, RESP_OK)

	_, err := ch.Send(MSG_GET_PPT_LIMIT, 0)
	require.ErrorIs(t, err, ErrChannelBusy)
	assert.Empty(t, f.sent(), "nothing posted on a busy mailbox")
	requireUnlocked(t, ch)
}

func TestSyncFloodBlocksWithoutTouchingRegisters(t *testing.T) {
	f := newSimFirmware()
	ch, _ := newTestChannel(t, f)
	ch.SetSyncFlood()
	require.True(t, ch.InSyncFlood())

	for msg := range messageNames {
		if msg.AllowedInSyncFlood() {
			continue
		}
		before := f.accessCount()
		_, err := ch.Send(msg, 0)
		assert.ErrorIs(t, err, ErrBlocked, msg.String())
		assert.Equal(t, before, f.accessCount(), "%s touched registers", msg)
	}
	requireUnlocked(t, ch)
}

func TestSyncFloodAllowList(t *testing.T) {
	f := newSimFirmware()
	f.handle(MSG_QUERY_VALID_MCA_COUNT, func(uint32) (uint32, uint32) { return RESP_OK, 3 })
	ch, _ := newTestChannel(t, f)
	ch.SetSyncFlood()

	n, err := ch.Send(MSG_QUERY_VALID_MCA_COUNT, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), n)

	_, err = ch.Send(MSG_SET_DRIVER_DRAM_ADDR_HIGH, 1)
	assert.ErrorIs(t, err, ErrBlocked)
	assert.Equal(t, 1, len(f.sent()))

	ch.ClearSyncFlood()
	_, err = ch.Send(MSG_SET_DRIVER_DRAM_ADDR_HIGH, 1)
	assert.NoError(t, err)
}

func TestSendTableCallbacksRunUnderLock(t *testing.T) {
	f := newSimFirmware()
	ch, _ := newTestChannel(t, f)

	order := []string{}
	_, err := ch.SendTable(MSG_GET_METRICS_VERSION, 0,
		func() error {
			assert.False(t, ch.mu.TryLock())
			order = append(order, "fill")
			return nil
		},
		func() error {
			assert.False(t, ch.mu.TryLock())
			order = append(order, "drain")
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, []string{"fill", "drain"}, order)
	requireUnlocked(t, ch)
}

func TestSendTableFillErrorPostsNothing(t *testing.T) {
	f := newSimFirmware()
	ch, _ := newTestChannel(t, f)

	boom := errors.New("boom")
	_, err := ch.SendTable(MSG_REQUEST_I2C_TRANSACTION, 0, func() error { return boom }, nil)
	require.ErrorIs(t, err, boom)
	assert.Empty(t, f.sent())
	requireUnlocked(t, ch)
}

func TestSendTableDrainSkippedOnReject(t *testing.T) {
	f := newSimFirmware()
	f.handle(MSG_GET_METRICS_TABLE, func(uint32) (uint32, uint32) { return RESP_CMD_FAIL, 0 })
	ch, _ := newTestChannel(t, f)

	drained := false
	_, err := ch.SendTable(MSG_GET_METRICS_TABLE, 0, nil, func() error { drained = true; return nil })
	require.ErrorIs(t, err, ErrFirmwareRejected)
	assert.False(t, drained)
}

func TestConcurrentSendsAreSerialized(t *testing.T) {
	f := newSimFirmware()
	f.handle(MSG_TEST_MESSAGE, func(p uint32) (uint32, uint32) { return RESP_OK, p })
	ch, _ := newTestChannel(t, f)

	const workers, each = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				p := uint32(w<<16 | i)
				arg, err := ch.Send(MSG_TEST_MESSAGE, p)
				assert.NoError(t, err)
				assert.Equal(t, p, arg, "reply belongs to another caller")
			}
		}(w)
	}
	wg.Wait()

	assert.False(t, f.overlap, "request posted while another was in flight")
	assert.Equal(t, workers*each, f.count(MSG_TEST_MESSAGE))
}

func TestIndependentChannels(t *testing.T) {
	f1, f2 := newSimFirmware(), newSimFirmware()
	ch1, _ := newTestChannel(t, f1)
	ch2, _ := newTestChannel(t, f2)

	ch1.SetSyncFlood()
	_, err := ch2.Send(MSG_GET_PPT_LIMIT, 0)
	assert.NoError(t, err)
	_, err = ch1.Send(MSG_GET_PPT_LIMIT, 0)
	assert.ErrorIs(t, err, ErrBlocked)
}

func TestTraceRing(t *testing.T) {
	r := NewTraceRing(4)
	for i := 0; i < 6; i++ {
		r.record(TraceEntry{Op: TRACE_WRITE, Value: uint32(i)})
	}
	values := []uint32{}
	for _, e := range r.Dump() {
		values = append(values, e.Value)
	}
	assert.Equal(t, []uint32{2, 3, 4, 5}, values)

	// a record racing a dump is dropped, never blocked
	r.mu.Lock()
	r.record(TraceEntry{Value: 99})
	r.mu.Unlock()
	assert.Equal(t, uint64(1), r.Dropped())
	assert.Len(t, r.Dump(), 4)

	var nilRing *TraceRing
	assert.NotPanics(t, func() { nilRing.record(TraceEntry{}) })
}

func TestConfigValidate(t *testing.T) {
	c := Config{}
	require.NoError(t, c.Validate())
	assert.Equal(t, uint32(DEFAULT_MSG_REG), c.MessageReg)
	assert.Equal(t, DEFAULT_TIMEOUT, c.Timeout)
	assert.Equal(t, DEFAULT_I2C_ATTEMPTS, c.I2cAttempts)

	c = Config{MessageReg: 0x10, ParamReg: 0x10}
	assert.ErrorIs(t, c.Validate(), ErrInvalidArgument)

	c = Config{Chip: "bogus"}
	assert.ErrorIs(t, c.Validate(), ErrInvalidArgument)
}
