// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package smu

import (
	"errors"
	"fmt"
)

var (
	// ErrChannelBusy means the mailbox was not idle when a request started: a previous
	// request never completed. The channel should be considered broken.
	ErrChannelBusy = errors.New("smu mailbox busy")
	// ErrTimeout means firmware did not answer within the configured deadline.
	ErrTimeout = errors.New("smu response timeout")
	// ErrFirmwareRejected is matched by every *FirmwareError.
	ErrFirmwareRejected = errors.New("smu firmware rejected request")
	// ErrBlocked means the fatal-error flag is set and the message is not allow-listed.
	ErrBlocked = errors.New("smu blocked by sync flood")
	// ErrAllocationFailed means table memory could not be obtained.
	ErrAllocationFailed = errors.New("smu table allocation failed")
	// ErrUnsupported means the operation is gated off for this firmware or chip.
	ErrUnsupported = errors.New("smu operation unsupported")
	// ErrInvalidLevel means a policy level is outside the policy's allowed set.
	ErrInvalidLevel = errors.New("smu policy level not allowed")
	// ErrInvalidArgument covers malformed caller input (bad masks, out of range clocks).
	ErrInvalidArgument = errors.New("smu invalid argument")
	// ErrNotInitialized means HwInit has not completed.
	ErrNotInitialized = errors.New("smu not initialized")
)

// FirmwareError carries the non-OK response code returned for one request.
type FirmwareError struct {
	Msg   MessageID
	Param uint32
	Code  uint32
}

func (e *FirmwareError) Error() string {
	return fmt.Sprintf("%s(param 0x%X) failed: %s", e.Msg, e.Param, RespString(e.Code))
}

func (e *FirmwareError) Is(target error) bool {
	return target == ErrFirmwareRejected
}

// IsUnsupported reports whether err represents a gated-off operation.
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupported)
}
