// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the metrics extraction engine: a registry of typed bindings
// into the firmware metrics table, resolved once per device, and the refresh that
// decodes every binding after the table is fetched.
package smu

import (
	"bytes"
	"fmt"
	"sync"

	"k8s.io/klog/v2"
)

const (
	MAX_XCC       = 8
	MAX_AID       = 4
	MAX_XGMI_LINK = 8

	// GFX clock (MHz) below which firmware lets the clock enter deep sleep
	DEEP_SLEEP_THRESHOLD = 140

	// value reported for metrics this firmware or chip does not provide (-1)
	METRIC_VALUE_UNAVAILABLE = ^uint64(0)

	VF_MASK_ALL     = 0xFFFFFFFF
	VF_MASK_PF_ONLY = 0
)

// MetricsTable mirrors the firmware metrics table. Temperatures, clocks, activity
// and energy are Q10 fixed point.
type MetricsTable struct {
	AccumulationCounter uint32
	Timestamp           uint64

	MaxSocketTemperature uint32
	MaxVrTemperature     uint32
	MaxHbmTemperature    uint32

	SocketPowerLimit    uint32
	MaxSocketPowerLimit uint32
	SocketPower         uint32
	SocketEnergyAcc     uint64
	XcdEnergyAcc        uint64
	AidEnergyAcc        uint64
	HbmEnergyAcc        uint64

	GfxclkFrequencyLimit uint32
	GfxclkFrequency      [MAX_XCC]uint32
	MinGfxclkFrequency   uint32
	FclkFrequency        uint32
	UclkFrequency        uint32
	SocclkFrequency      [MAX_AID]uint32
	VclkFrequency        [MAX_AID]uint32
	DclkFrequency        [MAX_AID]uint32
	LclkFrequency        [MAX_AID]uint32
	GfxLockXcdMask       uint32

	SocketGfxBusy            uint32
	DramBandwidthUtilization uint32
	SocketGfxBusyAcc         uint64
	DramBandwidthAcc         uint64
	MaxDramBandwidth         uint32

	XgmiWidth             uint32
	XgmiBitrate           uint32
	XgmiReadDataSizeAcc   [MAX_XGMI_LINK]uint64
	XgmiWriteDataSizeAcc  [MAX_XGMI_LINK]uint64
	PcieBandwidthAcc      uint64
	PcieBandwidthMbps     uint32
	PcieReplayCountAcc    uint32
	PcieNakSentCountAcc   uint32
	PcieNakRcvdCountAcc   uint32
	PcieL0ToRecoveryAcc   uint32
	ProchotResidencyAcc   uint32
	PptResidencyAcc       uint32
	SocketThmResidencyAcc uint32
	VrThmResidencyAcc     uint32
	HbmThmResidencyAcc    uint32
}

// MetricCode packs category(16) | name(16) | unit(16) | flags(16)
type MetricCode uint64

type MetricCategory uint16
type MetricName uint16
type MetricUnit uint16

const (
	METRIC_CAT_ACC_COUNTER MetricCategory = iota
	METRIC_CAT_TEMPERATURE
	METRIC_CAT_POWER
	METRIC_CAT_ENERGY
	METRIC_CAT_FREQUENCY
	METRIC_CAT_ACTIVITY
	METRIC_CAT_XGMI
	METRIC_CAT_PCIE
	METRIC_CAT_THROTTLE
)

var metricCategoryNames = map[MetricCategory]string{
	METRIC_CAT_ACC_COUNTER: "acc_counter",
	METRIC_CAT_TEMPERATURE: "temperature",
	METRIC_CAT_POWER:       "power",
	METRIC_CAT_ENERGY:      "energy",
	METRIC_CAT_FREQUENCY:   "frequency",
	METRIC_CAT_ACTIVITY:    "activity",
	METRIC_CAT_XGMI:        "xgmi",
	METRIC_CAT_PCIE:        "pcie",
	METRIC_CAT_THROTTLE:    "throttle",
}

const (
	METRIC_ACCUMULATION_COUNTER MetricName = iota
	METRIC_TIMESTAMP
	METRIC_TEMP_HOTSPOT
	METRIC_TEMP_VR
	METRIC_TEMP_HBM
	METRIC_POWER_SOCKET
	METRIC_POWER_LIMIT
	METRIC_POWER_LIMIT_MAX
	METRIC_ENERGY_SOCKET
	METRIC_ENERGY_XCD
	METRIC_ENERGY_AID
	METRIC_ENERGY_HBM
	METRIC_FREQ_GFX_LIMIT
	METRIC_FREQ_GFX
	METRIC_FREQ_FCLK
	METRIC_FREQ_UCLK
	METRIC_FREQ_SOCCLK
	METRIC_FREQ_VCLK
	METRIC_FREQ_DCLK
	METRIC_FREQ_LCLK
	METRIC_GFXCLK_DS_DISABLED
	METRIC_GFX_LOCKED
	METRIC_GFX_BUSY
	METRIC_GFX_BUSY_ACC
	METRIC_DRAM_BW_UTIL
	METRIC_DRAM_BW_ACC
	METRIC_DRAM_BW_MAX
	METRIC_XGMI_WIDTH
	METRIC_XGMI_BITRATE
	METRIC_XGMI_READ
	METRIC_XGMI_WRITE
	METRIC_PCIE_BW_ACC
	METRIC_PCIE_BW_MBPS
	METRIC_PCIE_REPLAY
	METRIC_PCIE_NAK_SENT
	METRIC_PCIE_NAK_RCVD
	METRIC_PCIE_L0_TO_RECOVERY
	METRIC_THROTTLE_PROCHOT
	METRIC_THROTTLE_PPT
	METRIC_THROTTLE_THM_SOCKET
	METRIC_THROTTLE_THM_VR
	METRIC_THROTTLE_THM_HBM
)

var metricNames = map[MetricName]string{
	METRIC_ACCUMULATION_COUNTER: "accumulation_counter",
	METRIC_TIMESTAMP:            "timestamp",
	METRIC_TEMP_HOTSPOT:         "temp_hotspot",
	METRIC_TEMP_VR:              "temp_vr",
	METRIC_TEMP_HBM:             "temp_hbm",
	METRIC_POWER_SOCKET:         "power_socket",
	METRIC_POWER_LIMIT:          "power_limit",
	METRIC_POWER_LIMIT_MAX:      "power_limit_max",
	METRIC_ENERGY_SOCKET:        "energy_socket",
	METRIC_ENERGY_XCD:           "energy_xcd",
	METRIC_ENERGY_AID:           "energy_aid",
	METRIC_ENERGY_HBM:           "energy_hbm",
	METRIC_FREQ_GFX_LIMIT:       "freq_gfx_limit",
	METRIC_FREQ_GFX:             "freq_gfx",
	METRIC_FREQ_FCLK:            "freq_fclk",
	METRIC_FREQ_UCLK:            "freq_uclk",
	METRIC_FREQ_SOCCLK:          "freq_socclk",
	METRIC_FREQ_VCLK:            "freq_vclk",
	METRIC_FREQ_DCLK:            "freq_dclk",
	METRIC_FREQ_LCLK:            "freq_lclk",
	METRIC_GFXCLK_DS_DISABLED:   "gfxclk_ds_disabled",
	METRIC_GFX_LOCKED:           "gfx_locked",
	METRIC_GFX_BUSY:             "gfx_busy",
	METRIC_GFX_BUSY_ACC:         "gfx_busy_acc",
	METRIC_DRAM_BW_UTIL:         "dram_bw_util",
	METRIC_DRAM_BW_ACC:          "dram_bw_acc",
	METRIC_DRAM_BW_MAX:          "dram_bw_max",
	METRIC_XGMI_WIDTH:           "xgmi_width",
	METRIC_XGMI_BITRATE:         "xgmi_bitrate",
	METRIC_XGMI_READ:            "xgmi_read",
	METRIC_XGMI_WRITE:           "xgmi_write",
	METRIC_PCIE_BW_ACC:          "pcie_bw_acc",
	METRIC_PCIE_BW_MBPS:         "pcie_bw_mbps",
	METRIC_PCIE_REPLAY:          "pcie_replay",
	METRIC_PCIE_NAK_SENT:        "pcie_nak_sent",
	METRIC_PCIE_NAK_RCVD:        "pcie_nak_rcvd",
	METRIC_PCIE_L0_TO_RECOVERY:  "pcie_l0_to_recovery",
	METRIC_THROTTLE_PROCHOT:     "throttle_prochot",
	METRIC_THROTTLE_PPT:         "throttle_ppt",
	METRIC_THROTTLE_THM_SOCKET:  "throttle_thm_socket",
	METRIC_THROTTLE_THM_VR:      "throttle_thm_vr",
	METRIC_THROTTLE_THM_HBM:     "throttle_thm_hbm",
}

const (
	METRIC_UNIT_NONE MetricUnit = iota
	METRIC_UNIT_COUNT
	METRIC_UNIT_NANOSECOND
	METRIC_UNIT_CELSIUS
	METRIC_UNIT_WATT
	METRIC_UNIT_JOULE
	METRIC_UNIT_MHZ
	METRIC_UNIT_PERCENT
	METRIC_UNIT_BOOL
	METRIC_UNIT_GBPS
	METRIC_UNIT_MBPS
	METRIC_UNIT_KB
)

var metricUnitNames = map[MetricUnit]string{
	METRIC_UNIT_NONE:       "",
	METRIC_UNIT_COUNT:      "count",
	METRIC_UNIT_NANOSECOND: "ns",
	METRIC_UNIT_CELSIUS:    "celsius",
	METRIC_UNIT_WATT:       "watt",
	METRIC_UNIT_JOULE:      "joule",
	METRIC_UNIT_MHZ:        "mhz",
	METRIC_UNIT_PERCENT:    "percent",
	METRIC_UNIT_BOOL:       "bool",
	METRIC_UNIT_GBPS:       "gbps",
	METRIC_UNIT_MBPS:       "mbps",
	METRIC_UNIT_KB:         "kb",
}

// flag word: instance index in the low byte
const (
	METRIC_FLAG_INSTANCE_MASK = 0x00FF
	METRIC_FLAG_ACCUMULATED   = 0x0100
)

func NewMetricCode(cat MetricCategory, name MetricName, unit MetricUnit, flags uint16) MetricCode {
	return MetricCode(uint64(cat)<<48 | uint64(name)<<32 | uint64(unit)<<16 | uint64(flags))
}

func (c MetricCode) Category() MetricCategory { return MetricCategory(c >> 48) }
func (c MetricCode) Name() MetricName         { return MetricName(c >> 32) }
func (c MetricCode) Unit() MetricUnit         { return MetricUnit(c >> 16) }
func (c MetricCode) Flags() uint16            { return uint16(c) }
func (c MetricCode) Instance() int            { return int(c.Flags() & METRIC_FLAG_INSTANCE_MASK) }
func (c MetricCode) Accumulated() bool        { return c.Flags()&METRIC_FLAG_ACCUMULATED != 0 }

func (n MetricName) String() string {
	if s, ok := metricNames[n]; ok {
		return s
	}
	return fmt.Sprintf("metric(%d)", uint16(n))
}

func (c MetricCategory) String() string {
	if s, ok := metricCategoryNames[c]; ok {
		return s
	}
	return fmt.Sprintf("category(%d)", uint16(c))
}

func (u MetricUnit) String() string {
	if s, ok := metricUnitNames[u]; ok {
		return s
	}
	return fmt.Sprintf("unit(%d)", uint16(u))
}

func (c MetricCode) String() string {
	return fmt.Sprintf("%s/%s[%d]", c.Category(), c.Name(), c.Instance())
}

// MetricEntry is one exported metric
type MetricEntry struct {
	Code   MetricCode
	VfMask uint32
	Value  uint64
}

// Encoding is the numeric format of one binding
type Encoding int

const (
	ENC_BIT Encoding = iota
	ENC_U32
	ENC_U64
	ENC_Q10_32
	ENC_Q10_32_DEEP_SLEEP
	ENC_Q10_64
	ENC_UNAVAILABLE
)

func (e Encoding) String() string {
	switch e {
	case ENC_BIT:
		return "bit"
	case ENC_U32:
		return "u32"
	case ENC_U64:
		return "u64"
	case ENC_Q10_32:
		return "q10_32"
	case ENC_Q10_32_DEEP_SLEEP:
		return "q10_32_deep_sleep"
	case ENC_Q10_64:
		return "q10_64"
	case ENC_UNAVAILABLE:
		return "unavailable"
	}
	return fmt.Sprintf("Encoding(%d)", int(e))
}

// Binding decodes one metric from its source field. The set of implementations
// is closed.
type Binding interface {
	Encoding() Encoding
	Decode() uint64
	sealed()
}

type bitField struct {
	src *uint32
	bit uint8
}

type u32Field struct{ src *uint32 }
type u64Field struct{ src *uint64 }
type q10x32Field struct{ src *uint32 }
type q10x32DeepSleepField struct{ src *uint32 }
type q10x64Field struct{ src *uint64 }
type unavailableField struct{}

func (bitField) Encoding() Encoding             { return ENC_BIT }
func (u32Field) Encoding() Encoding             { return ENC_U32 }
func (u64Field) Encoding() Encoding             { return ENC_U64 }
func (q10x32Field) Encoding() Encoding          { return ENC_Q10_32 }
func (q10x32DeepSleepField) Encoding() Encoding { return ENC_Q10_32_DEEP_SLEEP }
func (q10x64Field) Encoding() Encoding          { return ENC_Q10_64 }
func (unavailableField) Encoding() Encoding     { return ENC_UNAVAILABLE }

func (bitField) sealed()             {}
func (u32Field) sealed()             {}
func (u64Field) sealed()             {}
func (q10x32Field) sealed()          {}
func (q10x32DeepSleepField) sealed() {}
func (q10x64Field) sealed()          {}
func (unavailableField) sealed()     {}

func (f bitField) Decode() uint64 {
	return uint64(*f.src>>f.bit) & 1
}

func (f u32Field) Decode() uint64 { return uint64(*f.src) }
func (f u64Field) Decode() uint64 { return *f.src }

func (f q10x32Field) Decode() uint64 { return q10Round(uint64(*f.src)) }
func (f q10x64Field) Decode() uint64 { return q10Round(*f.src) }

// Raw "deep sleep enabled" is clock < threshold. The exported value inverts it a
// second time; consumers already compensate, keep it.
func (f q10x32DeepSleepField) Decode() uint64 {
	deepSleep := q10Round(uint64(*f.src)) < DEEP_SLEEP_THRESHOLD
	if deepSleep {
		return 0
	}
	return 1
}

func (unavailableField) Decode() uint64 { return METRIC_VALUE_UNAVAILABLE }

// q10Round converts Q10 fixed point to the nearest integer, ties toward zero
func q10Round(v uint64) uint64 {
	if v&0x3FF > 0x200 {
		return v>>10 + 1
	}
	return v >> 10
}

// registry builder
type registry struct {
	entries  []MetricEntry
	bindings []Binding
}

func (r *registry) add(cat MetricCategory, name MetricName, unit MetricUnit, flags uint16, vfMask uint32, b Binding) {
	r.entries = append(r.entries, MetricEntry{Code: NewMetricCode(cat, name, unit, flags), VfMask: vfMask})
	r.bindings = append(r.bindings, b)
}

// BuildRegistry enumerates every metric for a firmware version and chip variant,
// bound into tbl. Groups gated off get an unavailable binding so the registry
// length only depends on the code, never on the inputs.
func BuildRegistry(tbl *MetricsTable, fwVersion uint32, chip ChipVariant) ([]MetricEntry, []Binding) {
	r := &registry{}
	acc := uint16(METRIC_FLAG_ACCUMULATED)

	r.add(METRIC_CAT_ACC_COUNTER, METRIC_ACCUMULATION_COUNTER, METRIC_UNIT_COUNT, 0, VF_MASK_ALL, u32Field{&tbl.AccumulationCounter})
	r.add(METRIC_CAT_ACC_COUNTER, METRIC_TIMESTAMP, METRIC_UNIT_NANOSECOND, 0, VF_MASK_ALL, u64Field{&tbl.Timestamp})

	r.add(METRIC_CAT_TEMPERATURE, METRIC_TEMP_HOTSPOT, METRIC_UNIT_CELSIUS, 0, VF_MASK_ALL, q10x32Field{&tbl.MaxSocketTemperature})
	r.add(METRIC_CAT_TEMPERATURE, METRIC_TEMP_VR, METRIC_UNIT_CELSIUS, 0, VF_MASK_PF_ONLY, q10x32Field{&tbl.MaxVrTemperature})
	r.add(METRIC_CAT_TEMPERATURE, METRIC_TEMP_HBM, METRIC_UNIT_CELSIUS, 0, VF_MASK_ALL, q10x32Field{&tbl.MaxHbmTemperature})

	r.add(METRIC_CAT_POWER, METRIC_POWER_SOCKET, METRIC_UNIT_WATT, 0, VF_MASK_ALL, q10x32Field{&tbl.SocketPower})
	r.add(METRIC_CAT_POWER, METRIC_POWER_LIMIT, METRIC_UNIT_WATT, 0, VF_MASK_ALL, q10x32Field{&tbl.SocketPowerLimit})
	r.add(METRIC_CAT_POWER, METRIC_POWER_LIMIT_MAX, METRIC_UNIT_WATT, 0, VF_MASK_PF_ONLY, q10x32Field{&tbl.MaxSocketPowerLimit})

	r.add(METRIC_CAT_ENERGY, METRIC_ENERGY_SOCKET, METRIC_UNIT_JOULE, acc, VF_MASK_ALL, q10x64Field{&tbl.SocketEnergyAcc})
	r.add(METRIC_CAT_ENERGY, METRIC_ENERGY_XCD, METRIC_UNIT_JOULE, acc, VF_MASK_PF_ONLY, q10x64Field{&tbl.XcdEnergyAcc})
	r.add(METRIC_CAT_ENERGY, METRIC_ENERGY_AID, METRIC_UNIT_JOULE, acc, VF_MASK_PF_ONLY, q10x64Field{&tbl.AidEnergyAcc})
	r.add(METRIC_CAT_ENERGY, METRIC_ENERGY_HBM, METRIC_UNIT_JOULE, acc, VF_MASK_PF_ONLY, q10x64Field{&tbl.HbmEnergyAcc})

	r.add(METRIC_CAT_FREQUENCY, METRIC_FREQ_GFX_LIMIT, METRIC_UNIT_MHZ, 0, VF_MASK_ALL, q10x32Field{&tbl.GfxclkFrequencyLimit})
	for i := range tbl.GfxclkFrequency {
		r.add(METRIC_CAT_FREQUENCY, METRIC_FREQ_GFX, METRIC_UNIT_MHZ, uint16(i), VF_MASK_ALL, q10x32Field{&tbl.GfxclkFrequency[i]})
	}
	r.add(METRIC_CAT_FREQUENCY, METRIC_FREQ_FCLK, METRIC_UNIT_MHZ, 0, VF_MASK_ALL, q10x32Field{&tbl.FclkFrequency})
	r.add(METRIC_CAT_FREQUENCY, METRIC_FREQ_UCLK, METRIC_UNIT_MHZ, 0, VF_MASK_ALL, q10x32Field{&tbl.UclkFrequency})
	for i := 0; i < MAX_AID; i++ {
		r.add(METRIC_CAT_FREQUENCY, METRIC_FREQ_SOCCLK, METRIC_UNIT_MHZ, uint16(i), VF_MASK_ALL, q10x32Field{&tbl.SocclkFrequency[i]})
		r.add(METRIC_CAT_FREQUENCY, METRIC_FREQ_VCLK, METRIC_UNIT_MHZ, uint16(i), VF_MASK_ALL, q10x32Field{&tbl.VclkFrequency[i]})
		r.add(METRIC_CAT_FREQUENCY, METRIC_FREQ_DCLK, METRIC_UNIT_MHZ, uint16(i), VF_MASK_ALL, q10x32Field{&tbl.DclkFrequency[i]})
		r.add(METRIC_CAT_FREQUENCY, METRIC_FREQ_LCLK, METRIC_UNIT_MHZ, uint16(i), VF_MASK_PF_ONLY, q10x32Field{&tbl.LclkFrequency[i]})
	}
	r.add(METRIC_CAT_FREQUENCY, METRIC_GFXCLK_DS_DISABLED, METRIC_UNIT_BOOL, 0, VF_MASK_ALL, q10x32DeepSleepField{&tbl.MinGfxclkFrequency})
	for i := 0; i < MAX_XCC; i++ {
		r.add(METRIC_CAT_FREQUENCY, METRIC_GFX_LOCKED, METRIC_UNIT_BOOL, uint16(i), VF_MASK_ALL, bitField{&tbl.GfxLockXcdMask, uint8(i)})
	}

	r.add(METRIC_CAT_ACTIVITY, METRIC_GFX_BUSY, METRIC_UNIT_PERCENT, 0, VF_MASK_ALL, q10x32Field{&tbl.SocketGfxBusy})
	r.add(METRIC_CAT_ACTIVITY, METRIC_GFX_BUSY_ACC, METRIC_UNIT_PERCENT, acc, VF_MASK_ALL, q10x64Field{&tbl.SocketGfxBusyAcc})
	r.add(METRIC_CAT_ACTIVITY, METRIC_DRAM_BW_UTIL, METRIC_UNIT_PERCENT, 0, VF_MASK_ALL, q10x32Field{&tbl.DramBandwidthUtilization})
	r.add(METRIC_CAT_ACTIVITY, METRIC_DRAM_BW_ACC, METRIC_UNIT_GBPS, acc, VF_MASK_ALL, q10x64Field{&tbl.DramBandwidthAcc})
	r.add(METRIC_CAT_ACTIVITY, METRIC_DRAM_BW_MAX, METRIC_UNIT_GBPS, 0, VF_MASK_ALL, q10x32Field{&tbl.MaxDramBandwidth})

	// APUs have no cross-socket links
	xgmi := chip != CHIP_VARIANT_APU
	gate := func(ok bool, b Binding) Binding {
		if !ok {
			return unavailableField{}
		}
		return b
	}
	r.add(METRIC_CAT_XGMI, METRIC_XGMI_WIDTH, METRIC_UNIT_COUNT, 0, VF_MASK_ALL, gate(xgmi, u32Field{&tbl.XgmiWidth}))
	r.add(METRIC_CAT_XGMI, METRIC_XGMI_BITRATE, METRIC_UNIT_GBPS, 0, VF_MASK_ALL, gate(xgmi, u32Field{&tbl.XgmiBitrate}))
	for i := 0; i < MAX_XGMI_LINK; i++ {
		r.add(METRIC_CAT_XGMI, METRIC_XGMI_READ, METRIC_UNIT_KB, acc|uint16(i), VF_MASK_PF_ONLY, gate(xgmi, u64Field{&tbl.XgmiReadDataSizeAcc[i]}))
		r.add(METRIC_CAT_XGMI, METRIC_XGMI_WRITE, METRIC_UNIT_KB, acc|uint16(i), VF_MASK_PF_ONLY, gate(xgmi, u64Field{&tbl.XgmiWriteDataSizeAcc[i]}))
	}

	r.add(METRIC_CAT_PCIE, METRIC_PCIE_BW_ACC, METRIC_UNIT_GBPS, acc, VF_MASK_PF_ONLY, u64Field{&tbl.PcieBandwidthAcc})
	mbps := fwVersion >= PCIE_BW_MBPS_MIN_FW_VERSION
	r.add(METRIC_CAT_PCIE, METRIC_PCIE_BW_MBPS, METRIC_UNIT_MBPS, 0, VF_MASK_PF_ONLY, gate(mbps, u32Field{&tbl.PcieBandwidthMbps}))
	r.add(METRIC_CAT_PCIE, METRIC_PCIE_REPLAY, METRIC_UNIT_COUNT, acc, VF_MASK_PF_ONLY, u32Field{&tbl.PcieReplayCountAcc})
	r.add(METRIC_CAT_PCIE, METRIC_PCIE_NAK_SENT, METRIC_UNIT_COUNT, acc, VF_MASK_PF_ONLY, gate(mbps, u32Field{&tbl.PcieNakSentCountAcc}))
	r.add(METRIC_CAT_PCIE, METRIC_PCIE_NAK_RCVD, METRIC_UNIT_COUNT, acc, VF_MASK_PF_ONLY, gate(mbps, u32Field{&tbl.PcieNakRcvdCountAcc}))
	r.add(METRIC_CAT_PCIE, METRIC_PCIE_L0_TO_RECOVERY, METRIC_UNIT_COUNT, acc, VF_MASK_PF_ONLY, u32Field{&tbl.PcieL0ToRecoveryAcc})

	r.add(METRIC_CAT_THROTTLE, METRIC_THROTTLE_PROCHOT, METRIC_UNIT_COUNT, acc, VF_MASK_ALL, u32Field{&tbl.ProchotResidencyAcc})
	r.add(METRIC_CAT_THROTTLE, METRIC_THROTTLE_PPT, METRIC_UNIT_COUNT, acc, VF_MASK_ALL, u32Field{&tbl.PptResidencyAcc})
	r.add(METRIC_CAT_THROTTLE, METRIC_THROTTLE_THM_SOCKET, METRIC_UNIT_COUNT, acc, VF_MASK_ALL, u32Field{&tbl.SocketThmResidencyAcc})
	r.add(METRIC_CAT_THROTTLE, METRIC_THROTTLE_THM_VR, METRIC_UNIT_COUNT, acc, VF_MASK_ALL, u32Field{&tbl.VrThmResidencyAcc})
	r.add(METRIC_CAT_THROTTLE, METRIC_THROTTLE_THM_HBM, METRIC_UNIT_COUNT, acc, VF_MASK_ALL, u32Field{&tbl.HbmThmResidencyAcc})

	return r.entries, r.bindings
}

// MetricsEngine owns the decoded copy of the firmware metrics table
type MetricsEngine struct {
	fwVersion uint32
	chip      ChipVariant

	mu       sync.RWMutex
	table    MetricsTable
	entries  []MetricEntry
	bindings []Binding
}

// NewMetricsEngine resolves the registry for the device. Until the first Refresh
// every value reflects a zeroed table.
func NewMetricsEngine(fwVersion uint32, chip ChipVariant) *MetricsEngine {
	e := &MetricsEngine{fwVersion: fwVersion, chip: chip}
	e.entries, e.bindings = BuildRegistry(&e.table, fwVersion, chip)
	e.decode()
	klog.V(DBG_LVL_BASIC).InfoS("smu-metrics registry built", "metrics", len(e.entries), "fw", FwVersion(fwVersion), "chip", chip)
	return e
}

func (e *MetricsEngine) decode() {
	for i, b := range e.bindings {
		e.entries[i].Value = b.Decode()
	}
}

// Len returns the number of registered metrics
func (e *MetricsEngine) Len() int {
	return len(e.entries)
}

// Refresh fetches the live table through the driver buffer and decodes every binding
func (e *MetricsEngine) Refresh(ch *Channel, tables *TableContext) error {
	_, err := ch.SendTable(MSG_GET_METRICS_TABLE, 0, nil, func() error {
		if err := tables.snapshot(tables.Metrics); err != nil {
			return err
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		if err := BitFieldRead(bytes.NewReader(tables.Metrics.CPU), &e.table); err != nil {
			return err
		}
		e.decode()
		return nil
	})
	if err != nil {
		return fmt.Errorf("metrics refresh: %w", err)
	}
	return nil
}

// Export returns a copy of the decoded metrics in registry order
func (e *MetricsEngine) Export() []MetricEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]MetricEntry(nil), e.entries...)
}

// Table returns a copy of the last fetched metrics table
func (e *MetricsEngine) Table() MetricsTable {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.table
}
