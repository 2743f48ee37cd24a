// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package smu

import (
	"bytes"
	"fmt"

	"k8s.io/klog/v2"
)

// MCA bank dump parameter: bank index in the high half, byte offset in the low half
var (
	MCA_PARAM_BANK   = u32field{offset: 16, bitwidth: 16}
	MCA_PARAM_OFFSET = u32field{offset: 0, bitwidth: 16}
)

// RMA reasons reported to firmware
const (
	RMA_REASON_BAD_PAGE_THRESHOLD = 0x1
)

// Ras holds the error-reporting queries. MCA and ECC queries are allowed while the
// fatal-error flag is set.
type Ras struct {
	ch        *Channel
	tables    *TableContext
	fwVersion uint32
	numDies   int
}

func NewRas(ch *Channel, tables *TableContext, fwVersion uint32, numDies int) *Ras {
	return &Ras{ch: ch, tables: tables, fwVersion: fwVersion, numDies: numDies}
}

// QueryValidMcaCount returns the number of valid uncorrectable (or correctable) MCA banks
func (r *Ras) QueryValidMcaCount(ce bool) (uint32, error) {
	msg := MSG_QUERY_VALID_MCA_COUNT
	if ce {
		msg = MSG_QUERY_VALID_MCA_CE_COUNT
	}
	n, err := r.ch.Send(msg, 0)
	if err != nil {
		return 0, fmt.Errorf("mca count: %w", err)
	}
	return n, nil
}

// DumpMcaBank reads one dword of a valid MCA bank
func (r *Ras) DumpMcaBank(ce bool, bank, dword uint32) (uint32, error) {
	offset := dword * 4
	if !MCA_PARAM_BANK.fits(bank) || !MCA_PARAM_OFFSET.fits(offset) {
		return 0, fmt.Errorf("mca bank %d dword %d: %w", bank, dword, ErrInvalidArgument)
	}
	var param uint32
	MCA_PARAM_BANK.write(&param, bank)
	MCA_PARAM_OFFSET.write(&param, offset)

	msg := MSG_MCA_BANK_DUMP_DW
	if ce {
		msg = MSG_MCA_BANK_CE_DUMP_DW
	}
	v, err := r.ch.Send(msg, param)
	if err != nil {
		return 0, fmt.Errorf("mca bank %d dword %d: %w", bank, dword, err)
	}
	return v, nil
}

// SetMcaClearOnRead selects whether firmware clears MCA banks once dumped
func (r *Ras) SetMcaClearOnRead(enable bool) error {
	var param uint32
	if enable {
		param = 1
	}
	if _, err := r.ch.Send(MSG_CLEAR_MCA_ON_READ, param); err != nil {
		return fmt.Errorf("mca clear on read: %w", err)
	}
	return nil
}

// FetchEccTable fetches the per-channel ECC table of every die
func (r *Ras) FetchEccTable() ([]EccInfo, error) {
	info := make([]EccInfo, r.numDies*ECC_CHANNELS_PER_DIE)
	_, err := r.ch.SendTable(MSG_GET_ECC_INFO_TABLE, 0, nil, func() error {
		if err := r.tables.snapshot(r.tables.Ecc); err != nil {
			return err
		}
		return BitFieldRead(bytes.NewReader(r.tables.Ecc.CPU), info)
	})
	if err != nil {
		return nil, fmt.Errorf("ecc table: %w", err)
	}
	return info, nil
}

// SendRmaReason reports that the device should be returned. Needs firmware
// RMA_MIN_FW_VERSION or later.
func (r *Ras) SendRmaReason(reason uint32) error {
	if r.fwVersion < RMA_MIN_FW_VERSION {
		return fmt.Errorf("rma reason on fw %s: %w", FwVersion(r.fwVersion), ErrUnsupported)
	}
	if _, err := r.ch.Send(MSG_RMA_DUE_TO_BAD_PAGE_THRESHOLD, reason); err != nil {
		return fmt.Errorf("rma reason %d: %w", reason, err)
	}
	klog.Warningf("smu-ras: rma reason %d reported", reason)
	return nil
}
