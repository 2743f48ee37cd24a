// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package smu

import (
	"fmt"
	"time"

	"k8s.io/klog/v2"
)

// Reset parameter word of MSG_GFX_DEVICE_DRIVER_RESET
const (
	RESET_MODE_1 = 0x1 // whole device
	RESET_MODE_3 = 0x3 // subset of compute units

	MAX_VF = 32
)

var (
	RESET_PARAM_MODE      = u32field{offset: 0, bitwidth: 8}
	RESET_PARAM_UNIT_MASK = u32field{offset: 8, bitwidth: 24}
	RESET_PARAM_ECC       = u32field{offset: 16, bitwidth: 1}
)

// BootloaderStatus reports whether firmware came back after a whole device reset.
// Mailbox registers are unreadable until it does.
type BootloaderStatus interface {
	Steady() bool
}

// RegisterBootloaderStatus reads the bootloader steady bit from a register
type RegisterBootloaderStatus struct {
	Regs RegisterAccess
	Reg  uint32
	Mask uint32
}

func (b RegisterBootloaderStatus) Steady() bool {
	return b.Regs.Read32(b.Reg)&b.Mask != 0
}

// Recovery issues device, compute-unit and VF resets
type Recovery struct {
	ch       *Channel
	boot     BootloaderStatus
	interval time.Duration
	timeout  time.Duration
}

func NewRecovery(ch *Channel, boot BootloaderStatus, interval, timeout time.Duration) *Recovery {
	return &Recovery{ch: ch, boot: boot, interval: interval, timeout: timeout}
}

func mode1Param(eccRecovery bool) uint32 {
	var p uint32
	RESET_PARAM_MODE.write(&p, RESET_MODE_1)
	if eccRecovery {
		RESET_PARAM_ECC.write(&p, 1)
	}
	return p
}

func mode3Param(unitMask uint32) uint32 {
	var p uint32
	RESET_PARAM_MODE.write(&p, RESET_MODE_3)
	RESET_PARAM_UNIT_MASK.write(&p, unitMask)
	return p
}

// Mode1Reset resets the whole device and waits for the bootloader instead of the
// mailbox response. Success clears the fatal-error flag.
func (r *Recovery) Mode1Reset(eccRecovery bool) error {
	param := mode1Param(eccRecovery)
	klog.Warningf("smu-reset: mode1 reset, ecc recovery %t", eccRecovery)

	err := r.ch.sendNoWait(MSG_GFX_DEVICE_DRIVER_RESET, param, func() error {
		clk := r.ch.clock
		clk.Sleep(r.interval)
		if _, ok := pollUntil(clk, r.interval, r.timeout, func() (uint32, bool) {
			return 0, r.boot.Steady()
		}); !ok {
			return fmt.Errorf("bootloader not steady after %s: %w", r.timeout, ErrTimeout)
		}
		return nil
	})
	if err != nil {
		klog.ErrorS(err, "smu-reset: mode1 reset failed", "param", hex(param))
		return fmt.Errorf("mode1 reset: %w", err)
	}

	r.ch.ClearSyncFlood()
	klog.V(DBG_LVL_BASIC).InfoS("smu-reset: mode1 reset done")
	return nil
}

// Mode3Reset resets the compute units selected by unitMask (24 bits, non-zero)
func (r *Recovery) Mode3Reset(unitMask uint32) error {
	if unitMask == 0 || !RESET_PARAM_UNIT_MASK.fits(unitMask) {
		return fmt.Errorf("mode3 reset mask 0x%X: %w", unitMask, ErrInvalidArgument)
	}
	if _, err := r.ch.Send(MSG_GFX_DEVICE_DRIVER_RESET, mode3Param(unitMask)); err != nil {
		return fmt.Errorf("mode3 reset mask 0x%X: %w", unitMask, err)
	}
	klog.V(DBG_LVL_BASIC).InfoS("smu-reset: mode3 reset done", "mask", hex(unitMask))
	return nil
}

// TriggerVfFlr requests a function level reset of one VF
func (r *Recovery) TriggerVfFlr(vf uint32) error {
	if vf >= MAX_VF {
		return fmt.Errorf("vf %d: %w", vf, ErrInvalidArgument)
	}
	if _, err := r.ch.Send(MSG_TRIGGER_VF_FLR, vf); err != nil {
		return fmt.Errorf("vf %d flr: %w", vf, err)
	}
	return nil
}
