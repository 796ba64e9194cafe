// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package gateway

import (
	"errors"
	"io"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/Thermoquad/tpbridge/pkg/config"
	"github.com/Thermoquad/tpbridge/pkg/tp1"
	"github.com/Thermoquad/tpbridge/pkg/tpuart"
	"go.uber.org/zap"
)

// Transmitter is the part of tp1.Transmitter the scheduler drives
type Transmitter interface {
	Send(frame []byte) error
	SendAck(b byte) error
}

// BusyFunc reports whether the bus is occupied at now
type BusyFunc func(now time.Duration) bool

type pendingTx struct {
	frame    tpuart.Frame
	sentAt   time.Duration
	deadline time.Duration
	retries  int
	awaiting bool
}

type inboundTx struct {
	frame tpuart.Frame
	at    time.Duration
	ack   byte
}

// SchedulerConfig wires a Scheduler to the rest of the gateway
type SchedulerConfig struct {
	Timing config.SchedulerConfig
	Queue  *Queue
	Tx     Transmitter
	Busy   BusyFunc
	State  *tpuart.LinkState
	Host   io.Writer
	Sink   EventSink
	Rand   *rand.Rand
	Logger *zap.Logger
}

// Scheduler decides when queued frames go on the bus, retries frames whose
// echo does not arrive, confirms echoed frames to the host and answers
// inbound frames in their acknowledgment slot. It implements
// tpuart.EchoHandler.
//
// Nothing in the scheduler waits: every timer is a deadline compared
// against the time passed to Poll.
type Scheduler struct {
	mu sync.Mutex

	timing config.SchedulerConfig
	queue  *Queue
	tx     Transmitter
	busy   BusyFunc
	link   *tpuart.LinkState
	host   io.Writer
	sink   EventSink
	rng    *rand.Rand
	logger *zap.Logger

	pending      *pendingTx
	backoffArmed bool
	backoffUntil time.Duration
	inbound      *inboundTx
	confirmDue   bool
	confirmAt    time.Duration

	events []Event
}

// NewScheduler creates a scheduler with nothing pending
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	s := &Scheduler{
		timing: cfg.Timing,
		queue:  cfg.Queue,
		tx:     cfg.Tx,
		busy:   cfg.Busy,
		link:   cfg.State,
		host:   cfg.Host,
		sink:   cfg.Sink,
		rng:    cfg.Rand,
		logger: cfg.Logger,
	}
	if s.busy == nil {
		s.busy = func(time.Duration) bool { return false }
	}
	if s.link == nil {
		s.link = &tpuart.LinkState{}
	}
	if s.host == nil {
		s.host = io.Discard
	}
	if s.sink == nil {
		s.sink = EventSinkFunc(func(Event) {})
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// Poll runs one scheduling step at bus time now
func (s *Scheduler) Poll(now time.Duration) {
	s.mu.Lock()
	s.pollConfirm(now)
	s.pollAck(now)
	s.pollRetry(now)
	s.pollTransmit(now)
	events := s.takeEvents()
	s.mu.Unlock()

	s.publish(events)
}

// IsEcho reports whether f is byte-equal to the frame awaiting its echo
func (s *Scheduler) IsEcho(f tpuart.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil && s.pending.awaiting && s.pending.frame.Equal(f)
}

// Echo completes the pending transmission. The positive confirmation is
// written to the host once the confirm delay has elapsed.
func (s *Scheduler) Echo(f tpuart.Frame, at time.Duration) {
	s.mu.Lock()
	if s.pending == nil || !s.pending.frame.Equal(f) {
		s.mu.Unlock()
		s.logger.Debug("echo without pending transmission", zap.String("frame", f.String()))
		return
	}

	if s.confirmDue {
		// previous confirmation still outstanding, flush it first
		s.writeHost(tpuart.DataCon | tpuart.DataConSuccess)
	}
	s.confirmDue = true
	s.confirmAt = at + s.timing.ConfirmDelay

	s.emit(Event{Kind: EventFrameConfirmed, At: at, Frame: f.Bytes(), Attempt: s.pending.retries + 1})
	s.pending = nil
	s.backoffArmed = false
	events := s.takeEvents()
	s.mu.Unlock()

	s.publish(events)
}

// Inbound records a frame from another participant. When the host has
// latched acknowledgment flags the ack character is sent in the slot that
// follows the frame's check byte.
func (s *Scheduler) Inbound(f tpuart.Frame, at time.Duration, ack byte) {
	if tpuart.AckByte(ack) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbound = &inboundTx{frame: f, at: at, ack: ack}
}

// Pending returns the frame currently owned by the scheduler and the number
// of retries spent on it
func (s *Scheduler) Pending() (tpuart.Frame, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return tpuart.Frame{}, 0, false
	}
	return s.pending.frame, s.pending.retries, true
}

// Reset abandons the pending transmission, any scheduled ack and any
// outstanding confirmation
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	s.inbound = nil
	s.backoffArmed = false
	s.confirmDue = false
	s.link.ClearEcho()
}

func (s *Scheduler) pollConfirm(now time.Duration) {
	if !s.confirmDue || now < s.confirmAt {
		return
	}
	s.confirmDue = false
	s.writeHost(tpuart.DataCon | tpuart.DataConSuccess)
}

func (s *Scheduler) pollAck(now time.Duration) {
	if s.inbound == nil {
		return
	}

	elapsed := now - s.inbound.at
	start := time.Duration(s.timing.AckSlotStart) * tp1.BitPeriod
	end := time.Duration(s.timing.AckSlotEnd) * tp1.BitPeriod

	switch {
	case elapsed >= end:
		s.emit(Event{Kind: EventAckSlotMissed, At: now, Frame: s.inbound.frame.Bytes()})
		s.inbound = nil

	case elapsed >= start:
		b := tpuart.AckByte(s.inbound.ack)
		err := s.tx.SendAck(b)
		if errors.Is(err, tp1.ErrOutputBusy) {
			return
		}
		if err != nil {
			s.logger.Warn("ack transmission failed", zap.Uint8("ack", b), zap.Error(err))
			s.link.FlagError(tpuart.StateTransmitError)
		} else {
			s.emit(Event{Kind: EventAckSent, At: now, Frame: s.inbound.frame.Bytes(), Value: b})
		}
		s.inbound = nil
	}
}

func (s *Scheduler) pollRetry(now time.Duration) {
	p := s.pending
	if p == nil || !p.awaiting || now < p.deadline {
		return
	}

	s.link.ClearEcho()
	if p.retries >= s.timing.MaxRetries {
		s.logger.Warn("no echo after final attempt, dropping frame",
			zap.String("frame", p.frame.String()),
			zap.Int("attempts", p.retries+1),
		)
		s.emit(Event{Kind: EventRetriesExhausted, At: now, Frame: p.frame.Bytes(), Attempt: p.retries + 1})
		s.link.FlagError(tpuart.StateTransmitError)
		s.writeHost(tpuart.DataCon)
		s.pending = nil
		return
	}

	p.retries++
	p.awaiting = false
	s.emit(Event{Kind: EventRetry, At: now, Frame: p.frame.Bytes(), Attempt: p.retries + 1})
}

func (s *Scheduler) pollTransmit(now time.Duration) {
	if s.pending != nil && s.pending.awaiting {
		return
	}
	if s.pending == nil && s.queue.Len() == 0 {
		return
	}
	if s.inbound != nil {
		// the ack slot of an inbound frame belongs to us
		return
	}

	if s.busy(now) {
		s.backoffArmed = false
		return
	}
	if !s.backoffArmed {
		s.backoffArmed = true
		s.backoffUntil = now + s.backoff()
		return
	}
	if now < s.backoffUntil {
		return
	}
	s.backoffArmed = false

	if s.pending == nil {
		f, ok := s.queue.Dequeue()
		if !ok {
			return
		}
		s.pending = &pendingTx{frame: f}
	}

	p := s.pending
	s.link.ExpectEcho()
	err := s.tx.Send(p.frame.Bytes())

	switch {
	case err == nil:
		p.sentAt = now
		p.deadline = now + tp1.Airtime(p.frame.Len()) + s.timing.EchoTimeout
		p.awaiting = true
		s.emit(Event{Kind: EventFrameSent, At: now, Frame: p.frame.Bytes(), Attempt: p.retries + 1})

	case errors.Is(err, tp1.ErrOutputBusy):
		// lost the line between the busy check and the emit
		s.link.ClearEcho()

	case errors.Is(err, tp1.ErrHardware):
		// counts as an attempt; the retry path takes over immediately
		s.link.ClearEcho()
		p.sentAt = now
		p.deadline = now
		p.awaiting = true

	default:
		s.link.ClearEcho()
		s.logger.Error("dropping frame", zap.String("frame", p.frame.String()), zap.Error(err))
		s.emit(Event{Kind: EventFrameDropped, At: now, Frame: p.frame.Bytes(), Err: err})
		s.link.FlagError(tpuart.StateTransmitError)
		s.writeHost(tpuart.DataCon)
		s.pending = nil
	}
}

func (s *Scheduler) backoff() time.Duration {
	span := s.timing.BackoffMax - s.timing.BackoffMin
	if span <= 0 {
		return s.timing.BackoffMin
	}
	return s.timing.BackoffMin + time.Duration(s.rng.Int64N(int64(span)+1))
}

func (s *Scheduler) writeHost(b byte) {
	if _, err := s.host.Write([]byte{b}); err != nil {
		s.logger.Error("host write failed", zap.Uint8("byte", b), zap.Error(err))
	}
}

func (s *Scheduler) emit(e Event) {
	s.events = append(s.events, e)
}

func (s *Scheduler) takeEvents() []Event {
	events := s.events
	s.events = nil
	return events
}

func (s *Scheduler) publish(events []Event) {
	for _, e := range events {
		s.sink.HandleEvent(e)
	}
}
