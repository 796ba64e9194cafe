// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package gateway ties the bit codec and the link layer together: the
// transmit queue, the transmit/echo/ack scheduler and the two execution
// shapes that drive them.
package gateway

import (
	"errors"
	"io"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Thermoquad/tpbridge/pkg/config"
	"github.com/Thermoquad/tpbridge/pkg/tp1"
	"github.com/Thermoquad/tpbridge/pkg/tpuart"
	"go.uber.org/zap"
)

// BusReceiver is the part of tp1.Receiver the engine reads from
type BusReceiver interface {
	Pop() (tp1.RxByte, bool)
	Busy(now time.Duration) bool
	Stats() tp1.RxStats
}

// BusTransmitter is the part of tp1.Transmitter the engine drives
type BusTransmitter interface {
	Transmitter
	Busy() bool
	SafeMode() bool
}

// Option configures an Engine
type Option func(*engineOptions)

type engineOptions struct {
	logger    *zap.Logger
	sinks     []EventSink
	rng       *rand.Rand
	validator *tpuart.Validator
}

// WithLogger sets the engine logger
func WithLogger(l *zap.Logger) Option {
	return func(o *engineOptions) { o.logger = l }
}

// WithEventSink adds a diagnostic event consumer
func WithEventSink(s EventSink) Option {
	return func(o *engineOptions) { o.sinks = append(o.sinks, s) }
}

// WithRand sets the source used for arbitration backoff
func WithRand(r *rand.Rand) Option {
	return func(o *engineOptions) { o.rng = r }
}

// WithValidator replaces the host frame validator
func WithValidator(v *tpuart.Validator) Option {
	return func(o *engineOptions) { o.validator = v }
}

// lockedWriter serialises writes to the host from the host and bus sides
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// Engine is one gateway instance. FeedHost belongs to the host side and
// PollBus to the bus side; the two may run on different goroutines.
type Engine struct {
	cfg    *config.Config
	rx     BusReceiver
	tx     BusTransmitter
	host   *lockedWriter
	logger *zap.Logger

	state    *tpuart.LinkState
	queue    *Queue
	sched    *Scheduler
	hostLink *tpuart.HostLink
	busLink  *tpuart.BusLink
	stats    *Statistics
	sink     *MultiSink

	resetBus     atomic.Bool
	lastPoll     atomic.Int64
	safeReported bool
	rxSeen       tp1.RxStats

	// timestamps of the byte being processed on each side
	hostAt   time.Duration
	busAt    time.Duration
	hostSeen bool
	hostChar time.Duration
}

// NewEngine builds an engine around a receiver, a transmitter and the
// host connection
func NewEngine(cfg *config.Config, rx BusReceiver, tx BusTransmitter, host io.Writer, opts ...Option) *Engine {
	o := engineOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if host == nil {
		host = io.Discard
	}

	e := &Engine{
		cfg:      cfg,
		rx:       rx,
		tx:       tx,
		host:     &lockedWriter{w: host},
		logger:   o.logger,
		hostChar: tpuart.CharTime(cfg.Host.Baud),
		state:    &tpuart.LinkState{},
		stats:    NewStatistics(),
		sink:     &MultiSink{},
	}

	e.sink.Add(e.stats)
	e.sink.Add(NewLogSink(o.logger.Named("events")))
	for _, s := range o.sinks {
		e.sink.Add(s)
	}

	e.queue = NewQueue(cfg.Queue.Capacity, cfg.Queue.NearlyFullPercent, o.logger.Named("queue"))

	e.sched = NewScheduler(SchedulerConfig{
		Timing: cfg.Scheduler,
		Queue:  e.queue,
		Tx:     tx,
		Busy:   e.busy,
		State:  e.state,
		Host:   e.host,
		Sink:   e.sink,
		Rand:   o.rng,
		Logger: o.logger.Named("scheduler"),
	})

	e.hostLink = tpuart.NewHostLink(tpuart.HostLinkConfig{
		Queue:       e.queue,
		Host:        e.host,
		State:       e.state,
		Validator:   o.validator,
		Observer:    hostObserver{e: e},
		IdleTimeout: cfg.Host.IdleTimeout,
		Logger:      o.logger.Named("host"),
	})

	e.busLink = tpuart.NewBusLink(tpuart.BusLinkConfig{
		Host:             e.host,
		State:            e.state,
		Handler:          e.sched,
		Observer:         busObserver{e: e},
		InterByteTimeout: cfg.Bus.InterByteTimeout,
		Logger:           o.logger.Named("bus"),
	})

	return e
}

// FeedHost processes bytes returned by a host read that completed at time
// at. The last byte is stamped with at and each earlier byte one host
// character before the next, so a frame split across reads keeps the
// spacing it had on the line.
func (e *Engine) FeedHost(data []byte, at time.Duration) {
	n := len(data)
	for i, b := range data {
		stamp := at - time.Duration(n-1-i)*e.hostChar
		if e.hostSeen && stamp < e.hostAt {
			stamp = e.hostAt
		}
		e.hostAt = stamp
		e.hostSeen = true
		e.hostLink.Feed(b, stamp)
	}
}

// PollBus drains the receiver into the bus link and runs one scheduler
// step at now
func (e *Engine) PollBus(now time.Duration) {
	if e.resetBus.Swap(false) {
		e.busLink.Reset()
	}

	for {
		b, ok := e.rx.Pop()
		if !ok {
			break
		}
		e.busAt = b.At
		e.busLink.Feed(b.Value, b.At)
	}

	rs := e.rx.Stats()
	if rs.ParityErrors != e.rxSeen.ParityErrors ||
		rs.FramingErrors != e.rxSeen.FramingErrors ||
		rs.Overruns != e.rxSeen.Overruns {
		e.state.FlagError(tpuart.StateReceiveError)
	}
	e.rxSeen = rs

	e.sched.Poll(now)

	if !e.safeReported && e.tx.SafeMode() {
		e.safeReported = true
		e.sink.HandleEvent(Event{Kind: EventSafeMode, At: now, Err: tp1.ErrSafeMode})
	}

	e.lastPoll.Store(int64(now))
}

// Step runs one superloop iteration: host bytes first, then the bus
func (e *Engine) Step(now time.Duration, hostBytes []byte) {
	if len(hostBytes) > 0 {
		e.FeedHost(hostBytes, now)
	}
	e.PollBus(now)
}

// Stats returns the event counters merged with receiver and queue state
func (e *Engine) Stats() StatsSnapshot {
	snap := e.stats.Snapshot()
	rs := e.rx.Stats()
	snap.RxBytes = rs.Bytes
	snap.RxParityErrors = rs.ParityErrors
	snap.RxFramingErrors = rs.FramingErrors
	snap.RxOverruns = rs.Overruns
	snap.QueueDepth = e.queue.Len()
	snap.QueueCapacity = e.queue.Cap()
	snap.SafeMode = e.tx.SafeMode()
	snap.CalculateRates()
	return snap
}

// ResetStats clears the event counters
func (e *Engine) ResetStats() {
	e.stats.Reset()
}

// AddSink registers another event consumer
func (e *Engine) AddSink(s EventSink) {
	e.sink.Add(s)
}

// Queue returns the transmit queue
func (e *Engine) Queue() *Queue {
	return e.queue
}

// Scheduler returns the transmit scheduler
func (e *Engine) Scheduler() *Scheduler {
	return e.sched
}

// LinkState returns the state shared by both link machines
func (e *Engine) LinkState() *tpuart.LinkState {
	return e.state
}

// LastPoll returns the bus time of the most recent PollBus
func (e *Engine) LastPoll() time.Duration {
	return time.Duration(e.lastPoll.Load())
}

// SafeMode reports whether the transmitter has given up on the output
func (e *Engine) SafeMode() bool {
	return e.tx.SafeMode()
}

// Config returns the configuration the engine was built with
func (e *Engine) Config() *config.Config {
	return e.cfg
}

func (e *Engine) busy(now time.Duration) bool {
	return e.rx.Busy(now) || e.tx.Busy()
}

// hostObserver turns host link notifications into events
type hostObserver struct {
	tpuart.NopObserver
	e *Engine
}

func (o hostObserver) HostFrame(f tpuart.Frame) {
	o.e.sink.HandleEvent(Event{Kind: EventFrameQueued, At: o.e.hostAt, Frame: f.Bytes()})
}

func (o hostObserver) HostFrameRejected(frame []byte, err error) {
	kind := EventValidationFailure
	switch {
	case errors.Is(err, tpuart.ErrTimeout):
		kind = EventHostTimeout
	case errors.Is(err, tpuart.ErrBufferFull):
		kind = EventQueueFull
	}
	o.e.sink.HandleEvent(Event{Kind: kind, At: o.e.hostAt, Frame: frame, Err: err})
}

func (o hostObserver) ProtocolViolation(b byte, err error) {
	o.e.sink.HandleEvent(Event{Kind: EventProtocolViolation, At: o.e.hostAt, Value: b, Err: err})
}

func (o hostObserver) HostReset() {
	o.e.queue.Reset()
	o.e.sched.Reset()
	o.e.resetBus.Store(true)
	o.e.sink.HandleEvent(Event{Kind: EventHostReset, At: o.e.hostAt})
}

// busObserver turns bus link notifications into events
type busObserver struct {
	tpuart.NopObserver
	e *Engine
}

func (o busObserver) BusFrame(f tpuart.Frame, echo bool) {
	kind := EventBusFrame
	if echo {
		kind = EventBusEcho
	}
	o.e.sink.HandleEvent(Event{Kind: kind, At: o.e.busAt, Frame: f.Bytes()})
}

func (o busObserver) BusFrameRejected(frame []byte, err error) {
	o.e.sink.HandleEvent(Event{Kind: EventBusFrameRejected, At: o.e.busAt, Frame: frame, Err: err})
}
