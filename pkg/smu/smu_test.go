// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package smu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(msgs []Message) []MessageID {
	out := make([]MessageID, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestNewRejectsBadConfig(t *testing.T) {
	f := newSimFirmware()
	cfg := f.cfg
	cfg.Chip = "fpga"
	_, err := New(f, cfg)
	assert.Error(t, err)

	cfg = f.cfg
	cfg.ParamReg = cfg.MessageReg
	_, err = New(f, cfg)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Zero(t, f.accessCount(), "nothing touches hardware before HwInit")
}

func TestHwInitSequence(t *testing.T) {
	f := newSimFirmware()
	s := newTestSmu(t, f)

	assert.Equal(t, uint32(simFwVersion), s.FwVersion())
	assert.Equal(t, uint32(0x9), s.DriverIfVersion())
	assert.Equal(t, CHIP_VARIANT_DISCRETE, s.Chip())
	assert.Equal(t, []MessageID{
		MSG_GET_SMU_VERSION,
		MSG_GET_DRIVER_IF_VERSION,
		MSG_GET_METRICS_VERSION,
		MSG_SET_DRIVER_DRAM_ADDR_HIGH,
		MSG_SET_DRIVER_DRAM_ADDR_LOW,
		MSG_SET_TOOLS_DRAM_ADDR_HIGH,
		MSG_SET_TOOLS_DRAM_ADDR_LOW,
		MSG_ENABLE_ALL_SMU_FEATURES,
		MSG_GET_ENABLED_SMU_FEATURES_HIGH,
		MSG_GET_ENABLED_SMU_FEATURES_LOW,
		MSG_SELECT_PSTATE_POLICY,
	}, ids(f.sent()))

	require.NotNil(t, s.Tables)
	require.NotNil(t, s.Dpm)
	require.NotNil(t, s.Metrics)
	require.NotNil(t, s.I2c)
	require.NotNil(t, s.Ras)
	assert.Equal(t, s.Tables.Driver.DeviceAddr, f.driverAddr)
	assert.NotZero(t, s.Dpm.Table()[DPM_GFX].Count)
	assert.False(t, f.overlap)
}

func TestHwInitVersionFailure(t *testing.T) {
	f := newSimFirmware()
	f.handle(MSG_GET_SMU_VERSION, func(uint32) (uint32, uint32) { return RESP_CMD_UNKNOWN, 0 })
	s, err := New(f, f.cfg, WithChannelOptions(WithClock(fakeClock())))
	require.NoError(t, err)

	require.ErrorIs(t, s.HwInit(f.alloc, HostAllocator{}), ErrFirmwareRejected)
	assert.Nil(t, s.Tables)
	assert.Empty(t, f.alloc.bufs)
}

func TestHwInitFeatureFailureFreesTables(t *testing.T) {
	f := newSimFirmware()
	f.handle(MSG_ENABLE_ALL_SMU_FEATURES, func(uint32) (uint32, uint32) { return RESP_CMD_FAIL, 0 })
	s, err := New(f, f.cfg, WithChannelOptions(WithClock(fakeClock())))
	require.NoError(t, err)

	require.ErrorIs(t, s.HwInit(f.alloc, HostAllocator{}), ErrFirmwareRejected)
	assert.Nil(t, s.Tables)
	assert.Equal(t, []string{"tool", "driver"}, f.alloc.freed)
	assert.ErrorIs(t, s.RefreshMetrics(), ErrNotInitialized)
	assert.ErrorIs(t, s.PostResetRestore(), ErrNotInitialized)
}

func TestHwFiniKeepsPolicies(t *testing.T) {
	f := newSimFirmware()
	s := newTestSmu(t, f)
	require.NoError(t, s.Policies.CompareAndSet(POLICY_SOC_PSTATE, SOC_PSTATE_2))

	require.NoError(t, s.HwFini(false))
	assert.Nil(t, s.Tables)
	assert.Equal(t, 1, f.count(MSG_PREPARE_FOR_DRIVER_UNLOAD))
	assert.Equal(t, []string{"tool", "driver"}, f.alloc.freed)
	assert.Equal(t, FeatureSet(0), s.Features.Enabled())

	f.clearCalls()
	require.NoError(t, s.HwInit(f.alloc, HostAllocator{}))
	sent := f.sent()
	assert.Equal(t, Message{ID: MSG_SELECT_PSTATE_POLICY, Param: SOC_PSTATE_2}, sent[len(sent)-1])
}

func TestHwFiniWholeDeviceReset(t *testing.T) {
	f := newSimFirmware()
	s := newTestSmu(t, f)

	require.NoError(t, s.HwFini(true))
	assert.Zero(t, f.count(MSG_PREPARE_FOR_DRIVER_UNLOAD))
	assert.Len(t, f.alloc.freed, 2)
}

type countingBootloader struct{ polls, steadyAfter int }

func (b *countingBootloader) Steady() bool {
	b.polls++
	return b.polls > b.steadyAfter
}

func TestPostResetRestore(t *testing.T) {
	f := newSimFirmware()
	f.features = featureMask(FEATURE_DPM_GFXCLK)
	boot := &countingBootloader{steadyAfter: 3}
	s := newTestSmu(t, f, WithBootloaderStatus(boot))
	require.NoError(t, s.Policies.CompareAndSet(POLICY_SOC_PSTATE, SOC_PSTATE_1))
	s.Channel().SetSyncFlood()

	require.NoError(t, s.Recovery.Mode1Reset(false))
	assert.Equal(t, 4, boot.polls)
	assert.False(t, s.Channel().InSyncFlood())

	// firmware forgot the table addresses
	f.driverAddr, f.toolAddr = 0, 0
	f.clearCalls()

	require.NoError(t, s.PostResetRestore())
	assert.Equal(t, s.Tables.Driver.DeviceAddr, f.driverAddr)
	assert.Equal(t, s.Tables.Tool.DeviceAddr, f.toolAddr)
	assert.True(t, s.Features.IsEnabled(FEATURE_DPM_GFXCLK))
	assert.Equal(t, 1, f.count(MSG_ENABLE_ALL_SMU_FEATURES))
	assert.Equal(t, 1, f.count(MSG_GET_MIN_DPM_FREQ))
	sent := f.sent()
	assert.Equal(t, Message{ID: MSG_SELECT_PSTATE_POLICY, Param: SOC_PSTATE_1}, sent[len(sent)-1])
}

func TestPowerLimit(t *testing.T) {
	f := newSimFirmware()
	f.features = featureMask(FEATURE_PPT)
	f.handle(MSG_GET_PPT_LIMIT, func(uint32) (uint32, uint32) { return RESP_OK, 600 })
	s := newTestSmu(t, f)
	f.clearCalls()

	w, err := s.GetPowerLimit()
	require.NoError(t, err)
	assert.Equal(t, uint32(600), w)

	limit := DefaultPowerPlayTable(f.fwVersion).MaxSocketPowerLimit
	require.NoError(t, s.SetPowerLimit(limit))
	assert.ErrorIs(t, s.SetPowerLimit(limit+1), ErrInvalidArgument)
	assert.ErrorIs(t, s.SetPowerLimit(0), ErrInvalidArgument)
	assert.Equal(t, []Message{
		{ID: MSG_GET_PPT_LIMIT},
		{ID: MSG_SET_PPT_LIMIT, Param: limit},
	}, f.sent())
}

func TestPowerLimitNeedsFeature(t *testing.T) {
	f := newSimFirmware()
	s := newTestSmu(t, f)
	assert.ErrorIs(t, s.SetPowerLimit(100), ErrUnsupported)
}

func TestRefreshMetrics(t *testing.T) {
	f := newSimFirmware()
	s := newTestSmu(t, f)
	f.metrics = structtoByte(MetricsTable{AccumulationCounter: 9, SocketPower: 300 << 10})

	require.NoError(t, s.RefreshMetrics())
	out := s.Metrics.Export()
	i, ok := findMetric(out, METRIC_POWER_SOCKET, 0)
	require.True(t, ok)
	assert.Equal(t, uint64(300), out[i].Value)
}
