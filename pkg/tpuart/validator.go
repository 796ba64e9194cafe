// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tpuart

import "fmt"

// ValidationResult classifies a frame check
type ValidationResult int

const (
	Valid ValidationResult = iota
	InvalidLength
	InvalidControl
	InvalidAddress
	ChecksumError
	FormatError
)

// String returns the human-readable name of the result
func (r ValidationResult) String() string {
	switch r {
	case Valid:
		return "Valid"
	case InvalidLength:
		return "Invalid length"
	case InvalidControl:
		return "Invalid control field"
	case InvalidAddress:
		return "Invalid address"
	case ChecksumError:
		return "Checksum error"
	case FormatError:
		return "Invalid format"
	default:
		return "Unknown error"
	}
}

// Err returns the sentinel error matching the result, or nil for Valid
func (r ValidationResult) Err() error {
	switch r {
	case Valid:
		return nil
	case InvalidLength:
		return ErrInvalidLength
	case InvalidControl:
		return ErrInvalidControl
	case InvalidAddress:
		return ErrInvalidAddress
	case ChecksumError:
		return ErrChecksumMismatch
	default:
		return ErrProtocolViolation
	}
}

// Validator checks standard frames received from the host.
//
// CheckControl and CheckAddress are optional; when nil every control field
// and address is accepted.
type Validator struct {
	CheckControl func(control byte) bool
	CheckAddress func(source, destination uint16) bool
}

// Validate classifies a complete frame including its check byte
func (v *Validator) Validate(frame []byte) ValidationResult {
	if len(frame) < MinFrameSize-1 || len(frame) > MaxFrameSize {
		return InvalidLength
	}
	if len(frame) != ExpectedLength(frame) {
		return InvalidLength
	}

	if v != nil && v.CheckControl != nil && !v.CheckControl(frame[0]) {
		return InvalidControl
	}
	if v != nil && v.CheckAddress != nil {
		src := uint16(frame[1])<<8 | uint16(frame[2])
		dst := uint16(frame[3])<<8 | uint16(frame[4])
		if !v.CheckAddress(src, dst) {
			return InvalidAddress
		}
	}

	if frame[len(frame)-1] != Checksum(frame[:len(frame)-1]) {
		return ChecksumError
	}
	return Valid
}

// ValidateFrame validates with the permissive default validator and returns
// a wrapped sentinel error on failure
func ValidateFrame(frame []byte) error {
	var v *Validator
	if r := v.Validate(frame); r != Valid {
		return fmt.Errorf("%w: %s (%d bytes)", r.Err(), r, len(frame))
	}
	return nil
}
