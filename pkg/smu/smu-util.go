// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// Package smu implements the host side of the SMU (PMFW) firmware command channel:
// the mailbox protocol, the feature registry, the DPM table cache, power policy
// state, firmware table memory, the telemetry decoder and the I2C bridge.
package smu

import (
	"fmt"
)

const (
	DBG_LVL_DEFAUILT    = iota //0
	DBG_LVL_BASIC              //1
	DBG_LVL_INFO               //2
	DBG_LVL_DETAIL             //3
	DBG_LVL_DEEP_DETAIL        //4
)

// Wrapper function to shorten int to hex convertion call
func hex(a any) string {
	return fmt.Sprintf("0x%X", a)
}

// upper and lower 32 bits of a device address, in the order firmware expects them
func splitAddr(addr uint64) (uint32, uint32) {
	return uint32(addr >> 32), uint32(addr)
}

func roundUp(size, align int) int {
	if align <= 0 {
		return size
	}
	return (size + align - 1) / align * align
}

// FwVersion formats a firmware version word as program.major.minor.patch
func FwVersion(v uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", v>>24, (v>>16)&0xFF, (v>>8)&0xFF, v&0xFF)
}
