// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the DPM table cache: per clock domain min/max and the
// discrete frequency levels firmware offers.
package smu

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"k8s.io/klog/v2"
)

// DpmDomain identifies one clock domain
type DpmDomain int

const (
	DPM_GFX DpmDomain = iota
	DPM_FCLK
	DPM_UCLK
	DPM_SOCCLK
	DPM_VCLK
	DPM_DCLK
	DPM_LCLK

	DPM_DOMAIN_COUNT = 7
)

const (
	MAX_DPM_LEVELS = 4

	// level index firmware interprets as "return the highest index"
	DPM_MAX_INDEX_QUERY = 0xFF
)

type dpmDomainInfo struct {
	name    string
	clk     uint32 // firmware clock id, upper half of the DPM parameter word
	feature int
}

var dpmDomains = [DPM_DOMAIN_COUNT]dpmDomainInfo{
	DPM_GFX:    {name: "GFXCLK", clk: 0, feature: FEATURE_DPM_GFXCLK},
	DPM_FCLK:   {name: "FCLK", clk: 3, feature: FEATURE_DPM_FCLK},
	DPM_UCLK:   {name: "UCLK", clk: 4, feature: FEATURE_DPM_UCLK},
	DPM_SOCCLK: {name: "SOCCLK", clk: 1, feature: FEATURE_DPM_SOCCLK},
	DPM_VCLK:   {name: "VCLK", clk: 5, feature: FEATURE_DPM_VCN},
	DPM_DCLK:   {name: "DCLK", clk: 6, feature: FEATURE_DPM_VCN},
	DPM_LCLK:   {name: "LCLK", clk: 7, feature: FEATURE_DPM_LCLK},
}

func (d DpmDomain) String() string {
	if d < 0 || d >= DPM_DOMAIN_COUNT {
		return fmt.Sprintf("DpmDomain(%d)", int(d))
	}
	return dpmDomains[d].name
}

// Feature returns the feature bit that gates firmware management of the domain
func (d DpmDomain) Feature() int {
	return dpmDomains[d].feature
}

// DPM parameter word, clock id in the high half
var (
	DPM_PARAM_CLK   = u32field{offset: 16, bitwidth: 16}
	DPM_PARAM_VALUE = u32field{offset: 0, bitwidth: 16}
)

func dpmParam(d DpmDomain, value uint32) uint32 {
	var p uint32
	DPM_PARAM_CLK.write(&p, dpmDomains[d].clk)
	DPM_PARAM_VALUE.write(&p, value)
	return p
}

// Fallback frequencies (MHz) for domains firmware does not manage. Firmware
// starting with DPM_DEFAULTS_GEN2_FW_VERSION runs the fabric and memory faster.
var (
	dpmDefaultsGen1 = [DPM_DOMAIN_COUNT]uint32{
		DPM_FCLK:   1200,
		DPM_UCLK:   900,
		DPM_SOCCLK: 800,
		DPM_VCLK:   1000,
		DPM_DCLK:   800,
		DPM_LCLK:   600,
	}
	dpmDefaultsGen2 = [DPM_DOMAIN_COUNT]uint32{
		DPM_FCLK:   1400,
		DPM_UCLK:   1300,
		DPM_SOCCLK: 1143,
		DPM_VCLK:   1333,
		DPM_DCLK:   1143,
		DPM_LCLK:   800,
	}
)

func dpmDefaultFreqs(fwVersion uint32) [DPM_DOMAIN_COUNT]uint32 {
	if fwVersion >= DPM_DEFAULTS_GEN2_FW_VERSION {
		return dpmDefaultsGen2
	}
	return dpmDefaultsGen1
}

type DpmLevel struct {
	Enabled bool
	Value   uint32
}

// DpmEntry describes one domain. For Count > 0, Min equals Levels[0].Value and Max
// equals Levels[Count-1].Value.
type DpmEntry struct {
	Count     uint32
	Min       uint32
	Max       uint32
	FineGrain bool
	Levels    [MAX_DPM_LEVELS]DpmLevel
}

func singleLevel(freq uint32) DpmEntry {
	e := DpmEntry{Count: 1, Min: freq, Max: freq}
	e.Levels[0] = DpmLevel{Enabled: true, Value: freq}
	return e
}

func (e DpmEntry) String() string {
	s := fmt.Sprintf("count %d min %d max %d fine %t [", e.Count, e.Min, e.Max, e.FineGrain)
	for i := uint32(0); i < e.Count && i < MAX_DPM_LEVELS; i++ {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprint(e.Levels[i].Value)
	}
	return s + "]"
}

type DpmTable [DPM_DOMAIN_COUNT]DpmEntry

// DpmManager caches the DPM table. The cache is rebuilt after every feature
// enable cycle.
type DpmManager struct {
	ch        *Channel
	features  *Features
	pp        func() (PowerPlayTable, error)
	fwVersion uint32

	mu    sync.Mutex
	table DpmTable
	valid [DPM_DOMAIN_COUNT]bool
}

// NewDpmManager creates the manager. pp supplies the synthetic power-play table
// used for the GFX fallback.
func NewDpmManager(ch *Channel, features *Features, pp func() (PowerPlayTable, error), fwVersion uint32) *DpmManager {
	return &DpmManager{ch: ch, features: features, pp: pp, fwVersion: fwVersion}
}

// RebuildAll queries every domain. A domain whose query fails keeps its previous
// entry (or the default if it never had one); the failures are returned together
// with the resulting table.
func (m *DpmManager) RebuildAll() (DpmTable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs error
	for d := DpmDomain(0); d < DPM_DOMAIN_COUNT; d++ {
		var e DpmEntry
		var err error
		if d == DPM_GFX {
			e, err = m.buildGfx()
		} else {
			e, err = m.buildDiscrete(d)
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("dpm %s: %w", d, err))
			if m.valid[d] {
				klog.ErrorS(err, "smu-dpm: rebuild failed, keeping cached entry", "domain", d)
				continue
			}
			klog.ErrorS(err, "smu-dpm: rebuild failed, using default", "domain", d)
			e = m.defaultEntry(d)
		}
		m.table[d] = e
		m.valid[d] = true
		klog.V(DBG_LVL_DETAIL).InfoS("smu-dpm", "domain", d, "entry", e)
	}
	return m.table, errs
}

func (m *DpmManager) buildGfx() (DpmEntry, error) {
	if !m.features.IsEnabled(DPM_GFX.Feature()) {
		return m.defaultEntry(DPM_GFX), nil
	}
	lo, err := m.ch.Send(MSG_GET_MIN_DPM_FREQ, dpmParam(DPM_GFX, 0))
	if err != nil {
		return DpmEntry{}, err
	}
	hi, err := m.ch.Send(MSG_GET_MAX_DPM_FREQ, dpmParam(DPM_GFX, 0))
	if err != nil {
		return DpmEntry{}, err
	}
	e := DpmEntry{Count: 2, Min: lo, Max: hi, FineGrain: true}
	e.Levels[0] = DpmLevel{Enabled: true, Value: lo}
	e.Levels[1] = DpmLevel{Enabled: true, Value: hi}
	return e, nil
}

func (m *DpmManager) buildDiscrete(d DpmDomain) (DpmEntry, error) {
	if !m.features.IsEnabled(d.Feature()) {
		return m.defaultEntry(d), nil
	}
	maxIndex, err := m.ch.Send(MSG_GET_DPM_FREQ_BY_INDEX, dpmParam(d, DPM_MAX_INDEX_QUERY))
	if err != nil {
		return DpmEntry{}, err
	}
	count := maxIndex + 1
	if count == 0 {
		klog.Warningf("smu-dpm: %s reported no levels, using default", d)
		return m.defaultEntry(d), nil
	}
	if count > MAX_DPM_LEVELS {
		klog.Warningf("smu-dpm: %s reported %d levels, keeping %d", d, count, MAX_DPM_LEVELS)
		count = MAX_DPM_LEVELS
	}

	e := DpmEntry{Count: count}
	for i := uint32(0); i < count; i++ {
		freq, err := m.ch.Send(MSG_GET_DPM_FREQ_BY_INDEX, dpmParam(d, i))
		if err != nil {
			return DpmEntry{}, fmt.Errorf("level %d: %w", i, err)
		}
		e.Levels[i] = DpmLevel{Enabled: true, Value: freq}
	}
	e.Min = e.Levels[0].Value
	e.Max = e.Levels[count-1].Value
	return e, nil
}

func (m *DpmManager) defaultEntry(d DpmDomain) DpmEntry {
	if d == DPM_GFX {
		pp := DefaultPowerPlayTable(m.fwVersion)
		if m.pp != nil {
			t, err := m.pp()
			if err != nil {
				klog.ErrorS(err, "smu-dpm: power-play table unavailable, using built-in gfx default")
			} else {
				pp = t
			}
		}
		return singleLevel(pp.DefaultGfxclkFrequency)
	}
	return singleLevel(dpmDefaultFreqs(m.fwVersion)[d])
}

// Table returns a copy of the cached table
func (m *DpmManager) Table() DpmTable {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table
}

// Entry returns the cached entry of one domain
func (m *DpmManager) Entry(d DpmDomain) (DpmEntry, error) {
	if d < 0 || d >= DPM_DOMAIN_COUNT {
		return DpmEntry{}, fmt.Errorf("domain %d: %w", int(d), ErrInvalidArgument)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table[d], nil
}

// SetSoftFreqRange limits a firmware managed domain to [min, max] MHz. The range
// must lie inside the cached entry.
func (m *DpmManager) SetSoftFreqRange(d DpmDomain, lo, hi uint32) error {
	if d < 0 || d >= DPM_DOMAIN_COUNT {
		return fmt.Errorf("domain %d: %w", int(d), ErrInvalidArgument)
	}
	if !m.features.IsEnabled(d.Feature()) {
		return fmt.Errorf("soft range %s: %w", d, ErrUnsupported)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.table[d]
	if !m.valid[d] || e.Count == 0 {
		return fmt.Errorf("soft range %s: dpm table not built: %w", d, ErrInvalidArgument)
	}
	if lo > hi || lo < e.Min || hi > e.Max || !DPM_PARAM_VALUE.fits(hi) {
		return fmt.Errorf("soft range %s [%d, %d] outside [%d, %d]: %w", d, lo, hi, e.Min, e.Max, ErrInvalidArgument)
	}

	if _, err := m.ch.Send(MSG_SET_SOFT_MIN_BY_FREQ, dpmParam(d, lo)); err != nil {
		return fmt.Errorf("soft min %s: %w", d, err)
	}
	if _, err := m.ch.Send(MSG_SET_SOFT_MAX_BY_FREQ, dpmParam(d, hi)); err != nil {
		return fmt.Errorf("soft max %s: %w", d, err)
	}
	klog.V(DBG_LVL_BASIC).InfoS("smu-dpm: soft range set", "domain", d, "min", lo, "max", hi)
	return nil
}
