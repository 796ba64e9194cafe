// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tpuart

import (
	"bytes"
	"fmt"
)

// Frame is a KNX TP1 frame held by value. Copies never share storage.
type Frame struct {
	data [MaxFrameSize]byte
	n    int
}

// NewFrame copies b into a Frame
func NewFrame(b []byte) (Frame, error) {
	var f Frame
	if len(b) == 0 || len(b) > MaxFrameSize {
		return f, fmt.Errorf("%w: %d bytes", ErrInvalidLength, len(b))
	}
	f.n = copy(f.data[:], b)
	return f, nil
}

// Len returns the number of frame bytes
func (f Frame) Len() int {
	return f.n
}

// Bytes returns a copy of the frame bytes
func (f Frame) Bytes() []byte {
	out := make([]byte, f.n)
	copy(out, f.data[:f.n])
	return out
}

// Equal reports whether both frames have identical length and bytes
func (f Frame) Equal(o Frame) bool {
	return f.n == o.n && bytes.Equal(f.data[:f.n], o.data[:o.n])
}

// Control returns the control field
func (f Frame) Control() byte {
	return f.data[0]
}

// Extended reports whether the control field marks an extended frame
func (f Frame) Extended() bool {
	return f.data[0]&DataIndMask == DataExtendedInd
}

// Source returns the individual address of the sender
func (f Frame) Source() uint16 {
	if f.Extended() {
		return uint16(f.data[2])<<8 | uint16(f.data[3])
	}
	return uint16(f.data[1])<<8 | uint16(f.data[2])
}

// Destination returns the destination address
func (f Frame) Destination() uint16 {
	if f.Extended() {
		return uint16(f.data[4])<<8 | uint16(f.data[5])
	}
	return uint16(f.data[3])<<8 | uint16(f.data[4])
}

// GroupAddressed reports whether the destination is a group address
func (f Frame) GroupAddressed() bool {
	if f.Extended() {
		return f.data[1]&0x80 != 0
	}
	return f.data[5]&0x80 != 0
}

// Payload returns the bytes between the header and the check byte
func (f Frame) Payload() []byte {
	start := headerSize
	if f.Extended() {
		start = headerSize + 1
	}
	if f.n <= start+1 {
		return nil
	}
	out := make([]byte, f.n-1-start)
	copy(out, f.data[start:f.n-1])
	return out
}

// CheckByte returns the trailing check byte
func (f Frame) CheckByte() byte {
	if f.n == 0 {
		return 0
	}
	return f.data[f.n-1]
}

// String renders the frame as space separated hex
func (f Frame) String() string {
	return fmt.Sprintf("% X", f.data[:f.n])
}
