// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package sim provides a virtual-time TP1 wire.
//
// The wire converts pulse trains into edges, drives the receiver's bit tick
// and lets tests (or the simulated gateway) inject traffic from other bus
// participants. Nothing happens until Advance is called.
package sim

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/Thermoquad/tpbridge/pkg/phy"
)

// maxLog bounds the transmission history of a long running wire
const maxLog = 1024

// ErrEmitFailed is returned by Emit while injected output failures remain
var ErrEmitFailed = errors.New("sim: pulse output failure")

// ErrLineBusy is returned by Emit while a previous train is still on the wire
var ErrLineBusy = errors.New("sim: pulse output busy")

// Receiver consumes the line events produced by the wire
type Receiver interface {
	Edge(e phy.Edge)
	Tick(at time.Duration)
}

// Transmission records a pulse train placed on the wire
type Transmission struct {
	At      time.Duration
	Train   phy.PulseTrain
	Foreign bool
}

type eventKind int

const (
	kindTick eventKind = iota
	kindEdge
)

type event struct {
	at     time.Duration
	kind   eventKind
	rising bool
	gen    uint64
	seq    uint64
}

type eventQueue []event

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].at != q[j].at {
		return q[i].at < q[j].at
	}
	// A tick sampling a slot precedes the edge opening the next slot
	if q[i].kind != q[j].kind {
		return q[i].kind < q[j].kind
	}
	return q[i].seq < q[j].seq
}

func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *eventQueue) Push(x any) { *q = append(*q, x.(event)) }

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	ev := old[n-1]
	*q = old[:n-1]
	return ev
}

// Wire is a simulated TP1 line. It implements phy.PulseOutput,
// phy.TickSource and phy.Clock.
type Wire struct {
	mu sync.Mutex

	now     time.Duration
	queue   eventQueue
	seq     uint64
	rx      Receiver
	ticking bool
	tickGen uint64

	txUntil   time.Duration
	failEmits int
	reinits   int
	log       []Transmission
}

// New creates an idle wire at time zero
func New() *Wire {
	return &Wire{}
}

// Attach connects the receiver that observes the line
func (w *Wire) Attach(rx Receiver) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rx = rx
}

// Now returns the current virtual time
func (w *Wire) Now() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.now
}

// Emit places the gateway's own train on the wire starting now. The
// attached receiver hears it like any other traffic.
func (w *Wire) Emit(train phy.PulseTrain) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.failEmits > 0 {
		w.failEmits--
		return ErrEmitFailed
	}
	if w.now < w.txUntil {
		return ErrLineBusy
	}

	w.scheduleLocked(w.now, train)
	w.txUntil = w.now + train.Duration()
	w.recordLocked(Transmission{At: w.now, Train: append(phy.PulseTrain(nil), train...)})
	return nil
}

// Busy reports whether the gateway's last train is still being transmitted
func (w *Wire) Busy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.now < w.txUntil
}

// Reinit clears the output. The call is counted for tests.
func (w *Wire) Reinit() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reinits++
	w.txUntil = w.now
	return nil
}

// Inject schedules a train from another bus participant
func (w *Wire) Inject(at time.Duration, train phy.PulseTrain) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.scheduleLocked(at, train)
	w.recordLocked(Transmission{At: at, Train: append(phy.PulseTrain(nil), train...), Foreign: true})
}

// FailEmits makes the next n Emit calls fail
func (w *Wire) FailEmits(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failEmits = n
}

// Reinits returns the number of Reinit calls
func (w *Wire) Reinits() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reinits
}

// Transmissions returns the trains placed on the wire, oldest first
func (w *Wire) Transmissions() []Transmission {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Transmission(nil), w.log...)
}

// Emitted returns only the trains emitted by the gateway
func (w *Wire) Emitted() []Transmission {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []Transmission
	for _, t := range w.log {
		if !t.Foreign {
			out = append(out, t)
		}
	}
	return out
}

// Start begins ticking one bit period from now
func (w *Wire) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ticking = true
	w.tickGen++
	w.pushLocked(event{at: w.now + phy.BitPeriod, kind: kindTick, gen: w.tickGen})
}

// Stop cancels any scheduled tick
func (w *Wire) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ticking = false
	w.tickGen++
}

// Running reports whether ticks are being generated
func (w *Wire) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ticking
}

// Advance delivers every event up to and including the given time, then
// moves the clock there. The receiver is called without the wire lock held.
func (w *Wire) Advance(to time.Duration) {
	for {
		w.mu.Lock()
		if len(w.queue) == 0 || w.queue[0].at > to {
			if to > w.now {
				w.now = to
			}
			w.mu.Unlock()
			return
		}

		ev := heap.Pop(&w.queue).(event)
		w.now = ev.at
		rx := w.rx

		if ev.kind == kindTick {
			if !w.ticking || ev.gen != w.tickGen {
				w.mu.Unlock()
				continue
			}
			w.pushLocked(event{at: ev.at + phy.BitPeriod, kind: kindTick, gen: ev.gen})
			w.mu.Unlock()
			if rx != nil {
				rx.Tick(ev.at)
			}
			continue
		}

		w.mu.Unlock()
		if rx != nil {
			rx.Edge(phy.Edge{At: ev.at, Rising: ev.rising})
		}
	}
}

// Idle reports whether no line events remain scheduled
func (w *Wire) Idle() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ev := range w.queue {
		if ev.kind == kindEdge {
			return false
		}
	}
	return !w.ticking
}

func (w *Wire) scheduleLocked(start time.Duration, train phy.PulseTrain) {
	for i, width := range train {
		if width == 0 {
			continue
		}
		t := start + time.Duration(i)*phy.BitPeriod
		w.pushLocked(event{at: t, kind: kindEdge, rising: true})
		w.pushLocked(event{at: t + time.Duration(width)*time.Microsecond, kind: kindEdge})
	}
}

// recordLocked keeps the most recent maxLog transmissions
func (w *Wire) recordLocked(t Transmission) {
	if len(w.log) == maxLog {
		copy(w.log, w.log[1:])
		w.log = w.log[:maxLog-1]
	}
	w.log = append(w.log, t)
}

func (w *Wire) pushLocked(ev event) {
	w.seq++
	ev.seq = w.seq
	heap.Push(&w.queue, ev)
}
