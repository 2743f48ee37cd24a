// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Seagate/gpuiov-lib/pkg/smu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitContext(t *testing.T) {
	s := Settings{}
	_, cancel, err := s.InitContext([]string{"smu-util", "--PCIE=c1", "--dpm", "--policy=xgmi_plpd=plpd_optimized", "--powerlimit="}, context.Background())
	require.NoError(t, err)
	defer cancel()

	assert.Equal(t, "c1", s.PCIE)
	assert.True(t, s.Dpm)
	assert.True(t, s.powerLimitSet)
	assert.Empty(t, s.PowerLimit)
	assert.True(t, s.needsDevice())
	assert.False(t, s.Help)

	s = Settings{}
	_, cancel, err = s.InitContext([]string{"smu-util"}, context.Background())
	require.NoError(t, err)
	defer cancel()
	assert.True(t, s.Help)
	assert.False(t, s.needsDevice())

	_, _, err = (&Settings{}).InitContext([]string{"smu-util", "--bogus"}, context.Background())
	assert.Error(t, err)
}

func TestLoadConfigEnv(t *testing.T) {
	t.Setenv("SMU_TIMEOUT", "50ms")
	t.Setenv("SMU_CHIP", "apu")
	t.Setenv("SMU_REGION_SIZE", "1048576")

	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 50*time.Millisecond, cfg.Smu.Timeout)
	assert.Equal(t, "apu", cfg.Smu.Chip)
	assert.Equal(t, uint32(smu.DEFAULT_MSG_REG), cfg.Smu.MessageReg, "validated defaults")
	assert.Equal(t, 5, cfg.Bar)
	assert.Equal(t, "/dev/mem", cfg.RegionPath)
	assert.Equal(t, 1<<20, cfg.RegionSize)
	assert.Equal(t, ":9465", cfg.Exporter.ListenAddr)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "smu.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
smu:
  i2c_attempts: 3
  num_dies: 2
bar: 2
exporter:
  listen_addr: "127.0.0.1:9000"
  poll_interval: 2s
`), 0o644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Smu.I2cAttempts)
	assert.Equal(t, 2, cfg.Smu.NumDies)
	assert.Equal(t, 2, cfg.Bar)
	assert.Equal(t, "127.0.0.1:9000", cfg.Exporter.ListenAddr)
	assert.Equal(t, 2*time.Second, cfg.Exporter.PollInterval)

	require.NoError(t, os.WriteFile(path, []byte("smu:\n  chip: gpu9000\n"), 0o644))
	_, err = loadConfig(path)
	assert.Error(t, err)
}

func TestParseArgs(t *testing.T) {
	dom, lo, hi, err := parseDpmRange("gfxclk:500:0x834")
	require.NoError(t, err)
	assert.Equal(t, smu.DPM_GFX, dom)
	assert.Equal(t, uint32(500), lo)
	assert.Equal(t, uint32(2100), hi)
	_, _, _, err = parseDpmRange("memclk:1:2")
	assert.Error(t, err)
	_, _, _, err = parseDpmRange("gfxclk:1")
	assert.Error(t, err)

	kind, level, set, err := parsePolicy("soc_pstate=soc_pstate_1")
	require.NoError(t, err)
	assert.Equal(t, smu.POLICY_SOC_PSTATE, kind)
	assert.Equal(t, uint32(smu.SOC_PSTATE_1), level)
	assert.True(t, set)
	_, level, _, err = parsePolicy("xgmi_plpd=2")
	require.NoError(t, err)
	assert.Equal(t, uint32(smu.XGMI_PLPD_OPTIMIZED), level)
	_, _, set, err = parsePolicy("xgmi_plpd")
	require.NoError(t, err)
	assert.False(t, set)
	_, _, _, err = parsePolicy("fan")
	assert.ErrorIs(t, err, smu.ErrUnsupported)

	addr, n, err := parseEepromRead("0x40000:32")
	assert.Error(t, err, "address wider than 16 bits")
	addr, n, err = parseEepromRead("0x100:32")
	require.NoError(t, err)
	assert.Equal(t, uint16(0x100), addr)
	assert.Equal(t, 32, n)

	addr, data, err := parseEepromWrite("0x10:0xdeadbeef")
	require.NoError(t, err)
	assert.Equal(t, uint16(0x10), addr)
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, data)
	_, _, err = parseEepromWrite("0x10:")
	assert.Error(t, err)
	_, _, err = parseEepromWrite("0x10:zz")
	assert.Error(t, err)
}
