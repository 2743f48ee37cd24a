// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package smu

import (
	"fmt"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// PolicyKind names one persistent power/performance policy
type PolicyKind int

const (
	POLICY_SOC_PSTATE PolicyKind = iota
	POLICY_XGMI_PLPD

	POLICY_COUNT = 2
)

// SOC performance state levels
const (
	SOC_PSTATE_DEFAULT = 0
	SOC_PSTATE_0       = 1
	SOC_PSTATE_1       = 2
	SOC_PSTATE_2       = 3
)

// Cross-link (XGMI) per-link power-down levels
const (
	XGMI_PLPD_DISALLOW  = 0
	XGMI_PLPD_DEFAULT   = 1
	XGMI_PLPD_OPTIMIZED = 2
)

var policyNames = [POLICY_COUNT]string{
	POLICY_SOC_PSTATE: "soc_pstate",
	POLICY_XGMI_PLPD:  "xgmi_plpd",
}

var policyLevelNames = [POLICY_COUNT][]string{
	POLICY_SOC_PSTATE: {"default", "soc_pstate_0", "soc_pstate_1", "soc_pstate_2"},
	POLICY_XGMI_PLPD:  {"plpd_disallow", "plpd_default", "plpd_optimized"},
}

func (k PolicyKind) String() string {
	if k < 0 || k >= POLICY_COUNT {
		return fmt.Sprintf("PolicyKind(%d)", int(k))
	}
	return policyNames[k]
}

// ParsePolicyKind converts a policy name into its kind
func ParsePolicyKind(s string) (PolicyKind, error) {
	for k, name := range policyNames {
		if strings.EqualFold(s, name) {
			return PolicyKind(k), nil
		}
	}
	return 0, fmt.Errorf("policy %q: %w", s, ErrUnsupported)
}

// LevelName returns the readable name of one level of the policy
func (k PolicyKind) LevelName(level uint32) string {
	if k >= 0 && k < POLICY_COUNT && int(level) < len(policyLevelNames[k]) {
		return policyLevelNames[k][level]
	}
	return fmt.Sprintf("level(%d)", level)
}

// Policy is one policy with its allowed level set. CurrentLevel is the last level
// this driver applied successfully; it is what gets re-applied after a reset.
type Policy struct {
	Kind          PolicyKind
	AllowedLevels uint32
	CurrentLevel  uint32

	apply func(level uint32) error
}

// Allows reports whether level is part of the allowed set
func (p *Policy) Allows(level uint32) bool {
	return level < 32 && p.AllowedLevels&(1<<level) != 0
}

type PolicyManager struct {
	ch        *Channel
	features  *Features
	fwVersion uint32

	mu       sync.Mutex
	policies [POLICY_COUNT]*Policy
}

// NewPolicyManager registers the SOC pstate and cross-link power-down policies at
// their firmware defaults
func NewPolicyManager(ch *Channel, features *Features, fwVersion uint32) *PolicyManager {
	m := &PolicyManager{ch: ch, features: features, fwVersion: fwVersion}
	m.policies[POLICY_SOC_PSTATE] = &Policy{
		Kind:          POLICY_SOC_PSTATE,
		AllowedLevels: 0xF,
		CurrentLevel:  SOC_PSTATE_DEFAULT,
		apply:         m.applySocPstate,
	}
	m.policies[POLICY_XGMI_PLPD] = &Policy{
		Kind:          POLICY_XGMI_PLPD,
		AllowedLevels: 0x7,
		CurrentLevel:  XGMI_PLPD_DEFAULT,
		apply:         m.applyXgmiPlpd,
	}
	return m
}

func (m *PolicyManager) applySocPstate(level uint32) error {
	_, err := m.ch.Send(MSG_SELECT_PSTATE_POLICY, level)
	return err
}

// Cross-link power-down silently succeeds when the feature or firmware lacks support
func (m *PolicyManager) applyXgmiPlpd(level uint32) error {
	if !m.features.IsEnabled(FEATURE_XGMI_PER_LINK_PWR_DWN) || m.fwVersion < PLPD_MIN_FW_VERSION {
		klog.V(DBG_LVL_INFO).InfoS("smu-policy: xgmi plpd not supported, skipping", "level", level, "fw", FwVersion(m.fwVersion))
		return nil
	}
	_, err := m.ch.Send(MSG_SELECT_PLPD_MODE, level)
	return err
}

func (m *PolicyManager) lookup(kind PolicyKind) (*Policy, error) {
	if kind < 0 || kind >= POLICY_COUNT || m.policies[kind] == nil {
		return nil, fmt.Errorf("policy %s: %w", kind, ErrUnsupported)
	}
	return m.policies[kind], nil
}

// Get returns a snapshot of one policy
func (m *PolicyManager) Get(kind PolicyKind) (Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.lookup(kind)
	if err != nil {
		return Policy{}, err
	}
	return Policy{Kind: p.Kind, AllowedLevels: p.AllowedLevels, CurrentLevel: p.CurrentLevel}, nil
}

// CompareAndSet applies level unless it is already current. The cached level only
// changes when firmware accepts it.
func (m *PolicyManager) CompareAndSet(kind PolicyKind, level uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.lookup(kind)
	if err != nil {
		return err
	}
	if level == p.CurrentLevel {
		return nil
	}
	if !p.Allows(level) {
		return fmt.Errorf("policy %s level %d: %w", kind, level, ErrInvalidLevel)
	}
	if err := p.apply(level); err != nil {
		klog.ErrorS(err, "smu-policy: set failed", "policy", kind, "level", kind.LevelName(level))
		return fmt.Errorf("policy %s level %d: %w", kind, level, err)
	}
	p.CurrentLevel = level
	klog.V(DBG_LVL_BASIC).InfoS("smu-policy: set", "policy", kind, "level", kind.LevelName(level))
	return nil
}

// Restore re-applies the cached level. Errors are logged only.
func (m *PolicyManager) Restore(kind PolicyKind) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.lookup(kind)
	if err != nil {
		klog.ErrorS(err, "smu-policy: restore")
		return
	}
	if err := p.apply(p.CurrentLevel); err != nil {
		klog.ErrorS(err, "smu-policy: restore failed", "policy", kind, "level", kind.LevelName(p.CurrentLevel))
	}
}

// RestoreAll re-applies every policy, used after a whole device reset
func (m *PolicyManager) RestoreAll() {
	for k := PolicyKind(0); k < POLICY_COUNT; k++ {
		m.Restore(k)
	}
}

// ErrorInjectSet force-applies level without touching the cached level. Fault
// injection only.
func (m *PolicyManager) ErrorInjectSet(kind PolicyKind, level uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.lookup(kind)
	if err != nil {
		return err
	}
	if !p.Allows(level) {
		return fmt.Errorf("policy %s level %d: %w", kind, level, ErrInvalidLevel)
	}
	klog.Warningf("smu-policy: error inject %s level %s", kind, kind.LevelName(level))
	return p.apply(level)
}

// ErrorInjectRestore force-applies the cached level
func (m *PolicyManager) ErrorInjectRestore(kind PolicyKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.lookup(kind)
	if err != nil {
		return err
	}
	return p.apply(p.CurrentLevel)
}
