// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package pcidev

import (
	"bytes"
	"fmt"

	"github.com/Seagate/gpuiov-lib/pkg/smu"
)

type PCIE_CLASS_CODE struct {
	Prog_if         uint8
	Sub_Class_Code  uint8
	Base_Class_Code uint8
}

// Type 0 configuration space header
type PCIE_CONFIG_HDR struct {
	Vendor_ID              uint16
	Device_ID              uint16
	Command                uint16
	Status                 uint16
	Rev_ID                 uint8
	Class_Code             PCIE_CLASS_CODE
	Cache_Line_Size        uint8
	Latency_Timer          uint8
	Header_Type            uint8
	BIST                   uint8
	Base_Address_Registers [6]BAR
	Cardbus_CIS            uint32
	Subsystem_Vendor_ID    uint16
	Subsystem_ID           uint16
	Expansion_ROM          uint32
	Capabilities_Pointer   uint8
	Reserved               [7]uint8
	Interrupt_Line         uint8
	Interrupt_Pin          uint8
	Min_Gnt                uint8
	Max_Lat                uint8
}

// BAR is the raw base address register word
type BAR uint32

const (
	BAR_TYPE_32BIT = 0
	BAR_TYPE_64BIT = 2
)

func (b BAR) IsIO() bool         { return b&0x1 != 0 }
func (b BAR) Locatable() uint32  { return uint32(b>>1) & 0x3 }
func (b BAR) Prefetchable() bool { return b&0x8 != 0 }

// ParseConfigHeader decodes the first PCI_CONFIG_HDR_SIZE bytes of config space
func ParseConfigHeader(raw []byte) (PCIE_CONFIG_HDR, error) {
	hdr := PCIE_CONFIG_HDR{}
	if len(raw) < PCI_CONFIG_HDR_SIZE {
		return hdr, fmt.Errorf("config space of %d bytes, need %d", len(raw), PCI_CONFIG_HDR_SIZE)
	}
	err := smu.BitFieldRead(bytes.NewReader(raw[:PCI_CONFIG_HDR_SIZE]), &hdr)
	return hdr, err
}

// BarAddress returns the bus address of memory BAR i, joining the upper half of a
// 64-bit BAR
func (h *PCIE_CONFIG_HDR) BarAddress(i int) (uint64, error) {
	if i < 0 || i >= len(h.Base_Address_Registers) {
		return 0, fmt.Errorf("bar %d: %w", i, ErrInvalidBar)
	}
	bar := h.Base_Address_Registers[i]
	if bar.IsIO() {
		return 0, fmt.Errorf("bar %d is io space: %w", i, ErrInvalidBar)
	}
	addr := uint64(bar) &^ 0xF
	if bar.Locatable() == BAR_TYPE_64BIT {
		if i+1 >= len(h.Base_Address_Registers) {
			return 0, fmt.Errorf("64-bit bar %d has no upper half: %w", i, ErrInvalidBar)
		}
		addr |= uint64(h.Base_Address_Registers[i+1]) << 32
	}
	return addr, nil
}

// IsGpu reports a display-class function
func (h *PCIE_CONFIG_HDR) IsGpu() bool {
	return h.Class_Code.Base_Class_Code == PCI_BASE_CLASS_DISPLAY
}
