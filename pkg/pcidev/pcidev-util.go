// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements PCI addressing helpers and sysfs discovery of GPU functions
package pcidev

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/Seagate/gpuiov-lib/pkg/smu"
	"k8s.io/klog/v2"
)

const (
	SYSFS_PCI_DEVICES   = "/sys/bus/pci/devices"
	PCI_CONFIG_HDR_SIZE = 64

	PCI_VENDOR_ID_AMD = 0x1002

	// class code 0x03: display controller
	PCI_BASE_CLASS_DISPLAY = 0x03
)

var ErrInvalidBDF = errors.New("invalid pci address")

type BDF struct {
	Domain   uint16 `json:"Domain"`
	Bus      uint8  `json:"Bus"`
	Device   uint8  `json:"Device"`
	Function uint8  `json:"Function"`
}

// ParseBDF accepts DOMAIN:BUS:DEV.FUN, BUS:DEV.FUN or a bare BUS (function 00.0)
func ParseBDF(addr string) (BDF, error) {
	b := BDF{}
	parts := strings.Split(strings.ToLower(strings.TrimSpace(addr)), ":")
	switch len(parts) {
	case 1:
		parts = []string{"0", parts[0], "00.0"}
	case 2:
		parts = append([]string{"0"}, parts...)
	case 3:
	default:
		return b, fmt.Errorf("%q: expect $domain:$bus:$dev.$func: %w", addr, ErrInvalidBDF)
	}
	df := strings.Split(parts[2], ".")
	if len(df) != 2 {
		return b, fmt.Errorf("%q: expect $domain:$bus:$dev.$func: %w", addr, ErrInvalidBDF)
	}

	fields := []struct {
		s    string
		bits int
		dst  func(uint64)
	}{
		{parts[0], 16, func(v uint64) { b.Domain = uint16(v) }},
		{parts[1], 8, func(v uint64) { b.Bus = uint8(v) }},
		{df[0], 5, func(v uint64) { b.Device = uint8(v) }},
		{df[1], 3, func(v uint64) { b.Function = uint8(v) }},
	}
	for _, f := range fields {
		v, err := strconv.ParseUint(f.s, 16, f.bits)
		if err != nil {
			return BDF{}, fmt.Errorf("%q: %w", addr, ErrInvalidBDF)
		}
		f.dst(v)
	}
	return b, nil
}

// String returns the sysfs form DDDD:BB:DD.F
func (b BDF) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", b.Domain, b.Bus, b.Device, b.Function)
}

// Short returns BUS:DEV.FUN
func (b BDF) Short() string {
	return fmt.Sprintf("%02X:%02X.%1X", b.Bus, b.Device, b.Function)
}

// Sysfs reads PCI functions under a sysfs root, normally SYSFS_PCI_DEVICES
type Sysfs struct {
	Root string
}

func NewSysfs() *Sysfs {
	return &Sysfs{Root: SYSFS_PCI_DEVICES}
}

func (s *Sysfs) path(b BDF, file string) string {
	return filepath.Join(s.Root, b.String(), file)
}

// Device is one discovered PCI function
type Device struct {
	Bdf    BDF             `json:"BDF"`
	Header PCIE_CONFIG_HDR `json:"-"`
	sysfs  *Sysfs
}

// ReadConfig decodes the config space header of one function
func (s *Sysfs) ReadConfig(b BDF) (PCIE_CONFIG_HDR, error) {
	raw, err := os.ReadFile(s.path(b, "config"))
	if err != nil {
		return PCIE_CONFIG_HDR{}, err
	}
	return ParseConfigHeader(raw)
}

// Open returns the device at b
func (s *Sysfs) Open(b BDF) (*Device, error) {
	hdr, err := s.ReadConfig(b)
	if err != nil {
		return nil, fmt.Errorf("pci %s: %w", b, err)
	}
	return &Device{Bdf: b, Header: hdr, sysfs: s}, nil
}

// ListGpus returns every AMD display-class function, sorted by address
func (s *Sysfs) ListGpus() ([]*Device, error) {
	links, err := os.ReadDir(s.Root)
	if err != nil {
		return nil, err
	}
	devs := []*Device{}
	for _, link := range links {
		b, err := ParseBDF(link.Name())
		if err != nil {
			klog.V(smu.DBG_LVL_DETAIL).InfoS("pcidev: skipping sysfs entry", "name", link.Name())
			continue
		}
		if !s.checkGpuClass(b) {
			continue
		}
		dev, err := s.Open(b)
		if err != nil {
			klog.ErrorS(err, "pcidev: unreadable config space", "bdf", b)
			continue
		}
		if dev.Header.Vendor_ID != PCI_VENDOR_ID_AMD {
			continue
		}
		klog.V(smu.DBG_LVL_INFO).InfoS("pcidev: gpu found", "bdf", b, "device", hex(dev.Header.Device_ID))
		devs = append(devs, dev)
	}
	sort.Slice(devs, func(i, j int) bool { return devs[i].Bdf.String() < devs[j].Bdf.String() })
	return devs, nil
}

func (s *Sysfs) checkGpuClass(b BDF) bool {
	fileBytes, err := os.ReadFile(s.path(b, "class"))
	klog.V(smu.DBG_LVL_DEEP_DETAIL).InfoS("pcidev.checkGpuClass", "bdf", b, "file", strings.TrimSpace(string(fileBytes)))
	if err != nil {
		return false
	}
	class, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(string(fileBytes)), "0x"), 16, 32)
	return err == nil && class>>16 == PCI_BASE_CLASS_DISPLAY
}

// Wrapper function to shorten int to hex convertion call
func hex(a any) string {
	return fmt.Sprintf("0x%X", a)
}
