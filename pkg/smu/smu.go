// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package smu

import (
	"fmt"

	"go.uber.org/multierr"
	"k8s.io/klog/v2"
)

// Smu is one firmware instance with every manager built on its channel
type Smu struct {
	cfg  Config
	chip ChipVariant
	ch   *Channel

	fwVersion uint32
	ifVersion uint32

	Features *Features
	Recovery *Recovery
	Policies *PolicyManager
	Tables   *TableContext
	Dpm      *DpmManager
	Metrics  *MetricsEngine
	I2c      *I2cBridge
	Ras      *Ras

	chOpts  []ChannelOption
	i2cOpts []I2cOption
	boot    BootloaderStatus
}

type Option func(*Smu)

func WithChannelOptions(opts ...ChannelOption) Option {
	return func(s *Smu) { s.chOpts = append(s.chOpts, opts...) }
}

func WithI2cOptions(opts ...I2cOption) Option {
	return func(s *Smu) { s.i2cOpts = append(s.i2cOpts, opts...) }
}

// WithBootloaderStatus replaces the register based bootloader check used by mode1 reset
func WithBootloaderStatus(b BootloaderStatus) Option {
	return func(s *Smu) { s.boot = b }
}

// New creates the device object. Nothing is sent to firmware until HwInit.
func New(regs RegisterAccess, cfg Config, opts ...Option) (*Smu, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	chip, err := ParseChipVariant(cfg.Chip)
	if err != nil {
		return nil, err
	}

	s := &Smu{cfg: cfg, chip: chip}
	for _, o := range opts {
		o(s)
	}
	if s.boot == nil {
		s.boot = RegisterBootloaderStatus{Regs: regs, Reg: cfg.BootloaderReg, Mask: cfg.BootloaderMask}
	}
	s.ch = NewChannel(regs, cfg, s.chOpts...)
	s.Features = NewFeatures(s.ch)
	s.Recovery = NewRecovery(s.ch, s.boot, cfg.ResetInterval, cfg.ResetTimeout)
	return s, nil
}

func (s *Smu) Channel() *Channel       { return s.ch }
func (s *Smu) Config() Config          { return s.cfg }
func (s *Smu) Chip() ChipVariant       { return s.chip }
func (s *Smu) FwVersion() uint32       { return s.fwVersion }
func (s *Smu) DriverIfVersion() uint32 { return s.ifVersion }

// HwInit brings the firmware side up: versions, table memory, features, DPM
// table, metrics registry and policies. Only version, table and feature failures
// abort; anything allocated before the failure is released.
func (s *Smu) HwInit(fwAlloc, hostAlloc TableAllocator) error {
	var err error

	//1. Firmware version gates DPM defaults, metrics groups and policies
	if s.fwVersion, err = s.ch.Send(MSG_GET_SMU_VERSION, 0); err != nil {
		return fmt.Errorf("hw init: smu version: %w", err)
	}
	if s.ifVersion, err = s.ch.Send(MSG_GET_DRIVER_IF_VERSION, 0); err != nil {
		klog.ErrorS(err, "smu: driver interface version unavailable")
	}
	metricsVersion, err := s.ch.Send(MSG_GET_METRICS_VERSION, 0)
	if err != nil {
		klog.ErrorS(err, "smu: metrics version unavailable")
	}
	klog.V(DBG_LVL_BASIC).InfoS("smu versions", "fw", FwVersion(s.fwVersion), "driverIf", hex(s.ifVersion), "metrics", hex(metricsVersion), "chip", s.chip)

	//2. Table memory
	if s.Tables, err = InitTables(s.ch, fwAlloc, hostAlloc, s.cfg.NumDies, DefaultPowerPlayTable(s.fwVersion)); err != nil {
		return fmt.Errorf("hw init: %w", err)
	}

	//3. Features
	if _, err = s.Features.EnableAll(); err != nil {
		if ferr := s.Tables.Fini(); ferr != nil {
			err = multierr.Append(err, ferr)
		}
		s.Tables = nil
		return fmt.Errorf("hw init: %w", err)
	}

	//4. Everything below is best effort
	s.Dpm = NewDpmManager(s.ch, s.Features, s.Tables.PowerPlay, s.fwVersion)
	if _, err := s.Dpm.RebuildAll(); err != nil {
		klog.ErrorS(err, "smu: dpm table incomplete")
	}
	s.Metrics = NewMetricsEngine(s.fwVersion, s.chip)
	s.I2c = NewI2cBridge(s.ch, s.Tables, s.cfg.I2cSlave, s.cfg.I2cRetryDelay, s.cfg.I2cAttempts, s.i2cOpts...)
	s.Ras = NewRas(s.ch, s.Tables, s.fwVersion, s.cfg.NumDies)

	// cached levels outlive a fini/init cycle
	if s.Policies == nil {
		s.Policies = NewPolicyManager(s.ch, s.Features, s.fwVersion)
	}
	s.Policies.RestoreAll()

	klog.V(DBG_LVL_BASIC).InfoS("smu hw init done", "features", s.Features.Enabled())
	return nil
}

// HwFini disables features (skipped when the whole device is being reset) and
// frees table memory
func (s *Smu) HwFini(wholeDeviceReset bool) error {
	var errs error
	if err := s.Features.DisableAll(wholeDeviceReset); err != nil {
		errs = multierr.Append(errs, err)
	}
	if s.Tables != nil {
		if err := s.Tables.Fini(); err != nil {
			errs = multierr.Append(errs, err)
		}
		s.Tables = nil
	}
	return errs
}

// PostResetRestore re-registers tables, re-enables features, rebuilds the DPM table
// and re-applies cached policies after a whole device reset
func (s *Smu) PostResetRestore() error {
	if s.Tables == nil || s.Dpm == nil {
		return ErrNotInitialized
	}
	if err := s.Tables.Register(s.ch); err != nil {
		return fmt.Errorf("post reset: %w", err)
	}
	if _, err := s.Features.EnableAll(); err != nil {
		return fmt.Errorf("post reset: %w", err)
	}
	if _, err := s.Dpm.RebuildAll(); err != nil {
		klog.ErrorS(err, "smu: dpm table incomplete after reset")
	}
	s.Policies.RestoreAll()
	return nil
}

// RefreshMetrics fetches and decodes the firmware metrics table
func (s *Smu) RefreshMetrics() error {
	if s.Metrics == nil || s.Tables == nil {
		return ErrNotInitialized
	}
	return s.Metrics.Refresh(s.ch, s.Tables)
}

// GetPowerLimit returns the package power limit in watts
func (s *Smu) GetPowerLimit() (uint32, error) {
	w, err := s.ch.Send(MSG_GET_PPT_LIMIT, 0)
	if err != nil {
		return 0, fmt.Errorf("get power limit: %w", err)
	}
	return w, nil
}

// SetPowerLimit sets the package power limit in watts, bounded by the power-play table
func (s *Smu) SetPowerLimit(watts uint32) error {
	if s.Tables == nil {
		return ErrNotInitialized
	}
	if !s.Features.IsEnabled(FEATURE_PPT) {
		return fmt.Errorf("set power limit: %w", ErrUnsupported)
	}
	pp, err := s.Tables.PowerPlay()
	if err != nil {
		return fmt.Errorf("set power limit: %w", err)
	}
	if watts == 0 || watts > pp.MaxSocketPowerLimit {
		return fmt.Errorf("power limit %dW outside (0, %d]: %w", watts, pp.MaxSocketPowerLimit, ErrInvalidArgument)
	}
	if _, err := s.ch.Send(MSG_SET_PPT_LIMIT, watts); err != nil {
		return fmt.Errorf("set power limit %dW: %w", watts, err)
	}
	klog.V(DBG_LVL_BASIC).InfoS("smu: power limit set", "watts", watts)
	return nil
}
