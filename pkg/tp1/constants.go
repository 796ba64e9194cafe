// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package tp1 implements the KNX TP1 bit codec.
//
// A logical "0" is a short pulse at the start of a bit slot, a logical "1"
// leaves the line idle. Each character is a start bit, eight data bits LSB
// first, an even parity bit and a stop bit, followed on transmit by two
// further idle slots.
package tp1

import (
	"errors"
	"time"

	"github.com/Thermoquad/tpbridge/pkg/phy"
)

// Bit timing
const (
	BitPeriod     = phy.BitPeriod
	MinZeroPulse  = 25 * time.Microsecond
	MaxZeroPulse  = 55 * time.Microsecond
	ZeroPulseUS   = 35 // transmit compare value for a "0"
	DefaultIdle   = 4 * time.Millisecond
	SlotsPerByte  = 13
	MaxFrameBytes = 23
)

// Receive bit indices, counted from the first tick after the start edge
const (
	bitStart  = 1
	bitData0  = 2
	bitData7  = 9
	bitParity = 10
	bitStop   = 11
)

// Hardware recovery
const (
	DefaultRecoveryAttempts = 5
)

var (
	ErrFrameLength = errors.New("tp1: frame length out of range")
	ErrOutputBusy  = errors.New("tp1: pulse output busy")
	ErrHardware    = errors.New("tp1: pulse output failure")
	ErrSafeMode    = errors.New("tp1: transmitter in safe mode")
)
