// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package phy describes the physical layer contract of the TP1 bus driver.
//
// Timestamps are durations measured from an arbitrary, monotonic origin
// (driver start). Hardware drivers and the simulated wire in phy/sim both
// implement these interfaces.
package phy

import "time"

// BitPeriod is the nominal TP1 bit time (9600 bit/s).
const BitPeriod = 104 * time.Microsecond

// Edge is a line transition observed by the bus receiver.
type Edge struct {
	At     time.Duration
	Rising bool
}

// PulseTrain holds one compare value per bit slot, in microseconds.
// A zero entry leaves the line idle for the slot.
type PulseTrain []uint16

// Duration returns the time the train occupies on the wire.
func (p PulseTrain) Duration() time.Duration {
	return time.Duration(len(p)) * BitPeriod
}

// PulseOutput emits pulse trains on the bus. Emit must not block until the
// train has been transmitted.
type PulseOutput interface {
	Emit(train PulseTrain) error
	Busy() bool
	Reinit() error
}

// TickSource produces the periodic bit-sampling tick while running.
type TickSource interface {
	Start()
	Stop()
	Running() bool
}

// Clock returns the current bus time.
type Clock interface {
	Now() time.Duration
}

// SystemClock measures bus time from the wall clock.
type SystemClock struct {
	start time.Time
}

// NewSystemClock creates a clock whose origin is the moment of the call
func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

// Now returns the time elapsed since the clock was created
func (c *SystemClock) Now() time.Duration {
	return time.Since(c.start)
}
