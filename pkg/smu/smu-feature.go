// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package smu

import (
	"fmt"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// FeatureSet is the 64-bit mask of firmware features
type FeatureSet uint64

// IsSet tests one feature bit
func (f FeatureSet) IsSet(bit int) bool {
	if bit < 0 || bit >= FEATURE_COUNT {
		return false
	}
	return f&(1<<uint(bit)) != 0
}

func (f FeatureSet) String() string {
	bits := []string{}
	for i := 0; i < FEATURE_COUNT; i++ {
		if f.IsSet(i) {
			bits = append(bits, fmt.Sprint(i))
		}
	}
	return fmt.Sprintf("0x%016X [%s]", uint64(f), strings.Join(bits, ","))
}

// Features tracks the mask firmware reported after the last enable cycle.
// The mask is zero until EnableAll succeeds and again after DisableAll.
type Features struct {
	ch *Channel

	mu      sync.RWMutex
	enabled FeatureSet
}

func NewFeatures(ch *Channel) *Features {
	return &Features{ch: ch}
}

// EnableAll asks firmware to enable every feature and reads back the resulting mask
func (f *Features) EnableAll() (FeatureSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = 0

	if _, err := f.ch.Send(MSG_ENABLE_ALL_SMU_FEATURES, 0); err != nil {
		return 0, fmt.Errorf("enable all features: %w", err)
	}
	high, err := f.ch.Send(MSG_GET_ENABLED_SMU_FEATURES_HIGH, 0)
	if err != nil {
		return 0, fmt.Errorf("get enabled features high: %w", err)
	}
	low, err := f.ch.Send(MSG_GET_ENABLED_SMU_FEATURES_LOW, 0)
	if err != nil {
		return 0, fmt.Errorf("get enabled features low: %w", err)
	}

	f.enabled = FeatureSet(uint64(high)<<32 | uint64(low))
	klog.V(DBG_LVL_BASIC).InfoS("smu features enabled", "mask", f.enabled)
	return f.enabled, nil
}

// DisableAll prepares firmware for driver unload unless the whole device is being
// reset. The cached mask is cleared even when firmware refuses.
func (f *Features) DisableAll(wholeDeviceReset bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var err error
	if !wholeDeviceReset {
		if _, err = f.ch.Send(MSG_PREPARE_FOR_DRIVER_UNLOAD, 0); err != nil {
			klog.ErrorS(err, "smu features: prepare for unload failed")
			err = fmt.Errorf("prepare for driver unload: %w", err)
		}
	}
	f.enabled = 0
	return err
}

// Enabled returns the cached mask
func (f *Features) Enabled() FeatureSet {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.enabled
}

func (f *Features) IsEnabled(bit int) bool {
	return f.Enabled().IsSet(bit)
}
