// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package pcidev

import (
	"fmt"

	"github.com/Seagate/gpuiov-lib/pkg/smu"
	"github.com/jaypipes/pcidb"
	"k8s.io/klog/v2"
)

// Namer resolves vendor and product names from the pci.ids database
type Namer struct {
	db *pcidb.PCIDB
}

// NewNamer loads the host pci.ids. Without a database every lookup falls back
// to the numeric id.
func NewNamer(opts ...*pcidb.WithOption) *Namer {
	db, err := pcidb.New(opts...)
	if err != nil {
		klog.V(smu.DBG_LVL_BASIC).InfoS("pcidev: pci.ids unavailable, using numeric ids", "err", err)
		return &Namer{}
	}
	return &Namer{db: db}
}

func (n *Namer) Vendor(vendor uint16) string {
	if n.db != nil {
		if v, ok := n.db.Vendors[fmt.Sprintf("%04x", vendor)]; ok {
			return v.Name
		}
	}
	return "Unknown Vendor"
}

func (n *Namer) Product(vendor, device uint16) string {
	if n.db != nil {
		if p, ok := n.db.Products[fmt.Sprintf("%04x%04x", vendor, device)]; ok {
			return p.Name
		}
	}
	return fmt.Sprintf("0x%04X", device)
}

// Describe returns "vendor product" for a discovered device
func (n *Namer) Describe(d *Device) string {
	return n.Vendor(d.Header.Vendor_ID) + " " + n.Product(d.Header.Vendor_ID, d.Header.Device_ID)
}
