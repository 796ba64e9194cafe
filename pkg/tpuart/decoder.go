// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tpuart

import (
	"fmt"
	"time"
)

// IndicationKind identifies a service in the gateway → host stream
type IndicationKind int

const (
	IndFrame IndicationKind = iota
	IndConfirm
	IndReset
	IndState
	IndRaw
)

// String returns the service name
func (k IndicationKind) String() string {
	switch k {
	case IndFrame:
		return "L_DATA.ind"
	case IndConfirm:
		return "L_DATA.con"
	case IndReset:
		return "U_RESET.ind"
	case IndState:
		return "U_STATE.ind"
	case IndRaw:
		return "RAW"
	default:
		return "UNKNOWN"
	}
}

// Indication is one decoded service from the gateway
type Indication struct {
	Kind      IndicationKind
	Frame     Frame
	Value     byte
	Timestamp time.Time
}

// Success reports whether a confirmation is positive
func (i *Indication) Success() bool {
	return i.Kind == IndConfirm && i.Value&DataConSuccess != 0
}

// Decoder states
const (
	decIdle = iota
	decFrame
)

// Decoder splits the gateway → host byte stream into indications. It is
// used on the host side of the link.
type Decoder struct {
	state      int
	buffer     [MaxFrameSize]byte
	count      int
	headerSize int
	lengthAt   int
	expected   int
}

// NewDecoder creates a decoder in the idle state
func NewDecoder() *Decoder {
	return &Decoder{state: decIdle}
}

// Reset discards any partial frame
func (d *Decoder) Reset() {
	d.state = decIdle
	d.count = 0
	d.expected = 0
}

// DecodeByte processes one byte from the gateway.
// Returns a completed indication, or nil if more bytes are needed.
// Returns an error for frames with a bad check byte or impossible length.
func (d *Decoder) DecodeByte(b byte) (*Indication, error) {
	switch d.state {
	case decIdle:
		return d.decodeIdle(b), nil

	case decFrame:
		d.buffer[d.count] = b
		d.count++

		if d.count == d.lengthAt+1 {
			length := int(b)
			if d.headerSize == StandardHeaderSize {
				length = int(b & 0x0F)
			}
			d.expected = d.headerSize + length
			if d.expected > MaxFrameSize {
				d.Reset()
				return nil, fmt.Errorf("%w: announced %d bytes", ErrInvalidLength, d.expected)
			}
		}

		if d.expected == 0 || d.count < d.expected {
			return nil, nil
		}

		frame := d.buffer[:d.count]
		if frame[d.count-1] != Checksum(frame[:d.count-1]) {
			err := fmt.Errorf("%w: expected 0x%02X, got 0x%02X",
				ErrChecksumMismatch, Checksum(frame[:d.count-1]), frame[d.count-1])
			d.Reset()
			return nil, err
		}

		f, _ := NewFrame(frame)
		d.Reset()
		return &Indication{Kind: IndFrame, Frame: f, Timestamp: time.Now()}, nil

	default:
		d.Reset()
		return nil, fmt.Errorf("invalid decoder state: %d", d.state)
	}
}

func (d *Decoder) decodeIdle(b byte) *Indication {
	ind := &Indication{Value: b, Timestamp: time.Now()}

	switch {
	case b&DataIndMask == DataStandardInd:
		d.begin(b, StandardHeaderSize, 5)
		return nil
	case b&DataIndMask == DataExtendedInd:
		d.begin(b, ExtendedHeaderSize, 6)
		return nil
	case b&0x7F == DataCon:
		ind.Kind = IndConfirm
	case b == ResetInd:
		ind.Kind = IndReset
	case b&0x07 == StateInd:
		ind.Kind = IndState
	default:
		ind.Kind = IndRaw
	}
	return ind
}

func (d *Decoder) begin(control byte, header, lengthAt int) {
	d.buffer[0] = control
	d.count = 1
	d.headerSize = header
	d.lengthAt = lengthAt
	d.expected = 0
	d.state = decFrame
}
