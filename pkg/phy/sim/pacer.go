// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sim

import (
	"time"

	"github.com/Thermoquad/tpbridge/pkg/phy"
)

// Pacer advances a wire so that virtual time follows the wall clock.
type Pacer struct {
	wire     *Wire
	step     time.Duration
	start    time.Time
	maxSteps int
}

// NewPacer creates a pacer advancing the wire in increments of step
func NewPacer(w *Wire, step time.Duration) *Pacer {
	if step <= 0 {
		step = 52 * time.Microsecond
	}
	return &Pacer{
		wire:     w,
		step:     step,
		start:    time.Now(),
		maxSteps: int(50 * time.Millisecond / step),
	}
}

// Now returns the wire's virtual time
func (p *Pacer) Now() time.Duration {
	return p.wire.Now()
}

// Wall returns a clock reading the wall time the pacer catches up to. A
// stalled pump shows up as the wire falling behind this clock.
func (p *Pacer) Wall() phy.Clock {
	return wallClock{start: p.start}
}

type wallClock struct {
	start time.Time
}

func (c wallClock) Now() time.Duration {
	return time.Since(c.start)
}

// Pump advances the wire towards wall time, calling poll after every step.
// A single call never covers more than 50ms so a stalled caller catches up
// gradually instead of replaying a long backlog at once.
func (p *Pacer) Pump(poll func(now time.Duration)) {
	target := time.Since(p.start)
	for i := 0; i < p.maxSteps; i++ {
		now := p.wire.Now()
		if now >= target {
			return
		}
		next := now + p.step
		p.wire.Advance(next)
		poll(next)
	}
}
