// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package smu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDriverTableSize(t *testing.T) {
	for _, dies := range []int{1, 4, 8} {
		size := DriverTableSize(dies)
		assert.Zero(t, size%PAGE_SIZE)
		assert.GreaterOrEqual(t, size, MetricsTableSize())
		assert.GreaterOrEqual(t, size, EccTableSize(dies))
		assert.GreaterOrEqual(t, size, StructSize(SwI2cRequest{}))
		assert.Less(t, size-PAGE_SIZE, maxInt(MetricsTableSize(), EccTableSize(dies), StructSize(SwI2cRequest{})))
	}
}

func maxInt(v ...int) int {
	m := v[0]
	for _, x := range v[1:] {
		if x > m {
			m = x
		}
	}
	return m
}

func TestInitTablesRegistersAddresses(t *testing.T) {
	f := newSimFirmware()
	ch, _ := newTestChannel(t, f)

	tables, err := InitTables(ch, f.alloc, HostAllocator{}, 4, DefaultPowerPlayTable(f.fwVersion))
	require.NoError(t, err)
	assert.Equal(t, tables.Driver.DeviceAddr, f.driverAddr)
	assert.Equal(t, tables.Tool.DeviceAddr, f.toolAddr)
	assert.Equal(t, TOOL_TABLE_SIZE, tables.Tool.Size)
	assert.Equal(t, EccTableSize(4), tables.Ecc.Size)
	assert.Zero(t, tables.Metrics.DeviceAddr, "metrics table is host only")

	hi, lo := splitAddr(tables.Driver.DeviceAddr)
	assert.Equal(t, []Message{
		{ID: MSG_SET_DRIVER_DRAM_ADDR_HIGH, Param: hi},
		{ID: MSG_SET_DRIVER_DRAM_ADDR_LOW, Param: lo},
	}, f.sent()[:2])

	pp, err := tables.PowerPlay()
	require.NoError(t, err)
	assert.Equal(t, DefaultPowerPlayTable(f.fwVersion), pp)
}

func TestTablesFiniOrder(t *testing.T) {
	f := newSimFirmware()
	ch, _ := newTestChannel(t, f)
	host := &recordingHostAllocator{}

	tables, err := InitTables(ch, f.alloc, host, 2, PowerPlayTable{})
	require.NoError(t, err)
	require.NoError(t, tables.Fini())
	assert.Equal(t, []string{"tool", "driver"}, f.alloc.freed)
	assert.Equal(t, []string{"pptable", "ecc", "metrics"}, host.freed)

	// a second Fini frees nothing again
	require.NoError(t, tables.Fini())
	assert.Len(t, f.alloc.freed, 2)
	assert.Len(t, host.freed, 3)
}

func TestInitTablesUnwindsOnAllocationFailure(t *testing.T) {
	f := newSimFirmware()
	f.alloc.failOn = "tool"
	ch, _ := newTestChannel(t, f)
	host := &recordingHostAllocator{}

	_, err := InitTables(ch, f.alloc, host, 4, PowerPlayTable{})
	require.ErrorIs(t, err, ErrAllocationFailed)
	assert.Equal(t, []string{"driver"}, f.alloc.freed)
	assert.Equal(t, []string{"pptable", "ecc", "metrics"}, host.freed)
	assert.Empty(t, f.sent(), "no address registered")
}

func TestInitTablesUnwindsOnHostFailure(t *testing.T) {
	f := newSimFirmware()
	ch, _ := newTestChannel(t, f)
	host := &recordingHostAllocator{failOn: "ecc"}

	_, err := InitTables(ch, f.alloc, host, 4, PowerPlayTable{})
	require.ErrorIs(t, err, ErrAllocationFailed)
	assert.Equal(t, []string{"metrics"}, host.freed)
	assert.Empty(t, f.alloc.freed)
}

func TestInitTablesUnwindsOnRegistrationFailure(t *testing.T) {
	f := newSimFirmware()
	f.handle(MSG_SET_TOOLS_DRAM_ADDR_LOW, func(uint32) (uint32, uint32) { return RESP_CMD_FAIL, 0 })
	ch, _ := newTestChannel(t, f)

	_, err := InitTables(ch, f.alloc, HostAllocator{}, 4, PowerPlayTable{})
	require.ErrorIs(t, err, ErrFirmwareRejected)
	assert.Equal(t, []string{"tool", "driver"}, f.alloc.freed)
}

func TestHostAllocatorRejectsEmpty(t *testing.T) {
	_, err := HostAllocator{}.Alloc("x", 0, PAGE_SIZE)
	assert.ErrorIs(t, err, ErrAllocationFailed)
}
