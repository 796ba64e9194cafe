// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tp1

import (
	"sync"
	"time"

	"github.com/Thermoquad/tpbridge/pkg/phy"
	"go.uber.org/zap"
)

// RxByte is a character decoded from the bus
type RxByte struct {
	Value byte
	At    time.Duration // time of the stop bit sample
}

// RxStats counts receiver outcomes
type RxStats struct {
	Bytes         uint64
	ParityErrors  uint64
	FramingErrors uint64
	Overruns      uint64
}

// ReceiverOption configures a Receiver
type ReceiverOption func(*Receiver)

// WithIdleTimeout sets how long after the last edge the bus counts as busy
func WithIdleTimeout(d time.Duration) ReceiverOption {
	return func(r *Receiver) {
		r.idleTimeout = d
	}
}

// WithFIFOSize sets the capacity of the decoded byte FIFO
func WithFIFOSize(n int) ReceiverOption {
	return func(r *Receiver) {
		if n > 0 {
			r.fifo = make([]RxByte, n)
		}
	}
}

// WithReceiverLogger attaches a logger
func WithReceiverLogger(l *zap.Logger) ReceiverOption {
	return func(r *Receiver) {
		if l != nil {
			r.logger = l
		}
	}
}

// Receiver decodes TP1 characters from edge events and sampling ticks.
//
// Edge and Tick are called from the PHY (interrupt context on hardware);
// Pop and Busy are called from the scheduling task. A single mutex guards
// all state.
type Receiver struct {
	mu sync.Mutex

	ticks       phy.TickSource
	logger      *zap.Logger
	idleTimeout time.Duration

	receiving  bool
	bitIndex   int
	nextBit    byte
	pulseStart time.Duration
	lastEdge   time.Duration
	seenEdge   bool
	current    byte
	ones       int

	fifo  []RxByte
	head  int
	count int

	stats RxStats
}

// NewReceiver creates a receiver driving the given tick source
func NewReceiver(ticks phy.TickSource, opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		ticks:       ticks,
		logger:      zap.NewNop(),
		idleTimeout: DefaultIdle,
		nextBit:     1,
		fifo:        make([]RxByte, 64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Edge records a line transition
func (r *Receiver) Edge(e phy.Edge) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastEdge = e.At
	r.seenEdge = true

	if !r.receiving {
		r.receiving = true
		r.bitIndex = 0
		r.nextBit = 1
		r.current = 0
		r.ones = 0
		r.ticks.Start()
	}

	if e.Rising {
		r.pulseStart = e.At
		return
	}

	width := (e.At - r.pulseStart) % BitPeriod
	if width >= MinZeroPulse && width <= MaxZeroPulse {
		r.nextBit = 0
	}
}

// Tick samples the latched bit and advances the character
func (r *Receiver) Tick(at time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.receiving {
		return
	}

	r.bitIndex++
	bit := r.nextBit
	r.nextBit = 1

	switch {
	case r.bitIndex == bitStart:
		if bit != 0 {
			r.stats.FramingErrors++
			r.logger.Debug("missing start bit", zap.Duration("at", at))
			r.abortLocked()
		}

	case r.bitIndex >= bitData0 && r.bitIndex <= bitData7:
		r.current |= bit << (r.bitIndex - bitData0)
		if bit == 1 {
			r.ones++
		}

	case r.bitIndex == bitParity:
		if (r.ones+int(bit))%2 != 0 {
			r.stats.ParityErrors++
			r.abortLocked()
		}

	case r.bitIndex == bitStop:
		if bit == 1 {
			r.pushLocked(RxByte{Value: r.current, At: at})
		} else {
			r.stats.FramingErrors++
			r.logger.Debug("stop bit low, character dropped",
				zap.Uint8("value", r.current), zap.Duration("at", at))
		}
		r.abortLocked()
	}
}

// Busy reports whether the bus is in use: an edge within the idle timeout,
// a character in progress, or sampling ticks still running.
func (r *Receiver) Busy(now time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.seenEdge && now-r.lastEdge < r.idleTimeout {
		return true
	}
	return r.receiving || r.ticks.Running()
}

// Pop removes the oldest decoded character
func (r *Receiver) Pop() (RxByte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return RxByte{}, false
	}
	b := r.fifo[r.head]
	r.head = (r.head + 1) % len(r.fifo)
	r.count--
	return b, true
}

// Stats returns a copy of the receiver counters
func (r *Receiver) Stats() RxStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Reset abandons any character in progress and empties the FIFO
func (r *Receiver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.abortLocked()
	r.head = 0
	r.count = 0
}

func (r *Receiver) abortLocked() {
	r.receiving = false
	r.bitIndex = 0
	r.nextBit = 1
	r.current = 0
	r.ones = 0
	r.ticks.Stop()
}

func (r *Receiver) pushLocked(b RxByte) {
	if r.count == len(r.fifo) {
		r.stats.Overruns++
		r.logger.Warn("receive FIFO overrun", zap.Uint8("dropped", b.Value))
		return
	}
	r.fifo[(r.head+r.count)%len(r.fifo)] = b
	r.count++
	r.stats.Bytes++
}
