// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package gateway

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventKind identifies a diagnostic event
type EventKind int

const (
	EventFrameQueued EventKind = iota
	EventValidationFailure
	EventQueueFull
	EventHostTimeout
	EventProtocolViolation
	EventHostReset
	EventFrameSent
	EventRetry
	EventFrameConfirmed
	EventRetriesExhausted
	EventFrameDropped
	EventAckSent
	EventAckSlotMissed
	EventBusFrame
	EventBusEcho
	EventBusFrameRejected
	EventQueueNearlyFull
	EventSafeMode
	EventWatchdog
)

var eventNames = map[EventKind]string{
	EventFrameQueued:       "FRAME_QUEUED",
	EventValidationFailure: "VALIDATION_FAILURE",
	EventQueueFull:         "QUEUE_FULL",
	EventHostTimeout:       "HOST_TIMEOUT",
	EventProtocolViolation: "PROTOCOL_VIOLATION",
	EventHostReset:         "HOST_RESET",
	EventFrameSent:         "FRAME_SENT",
	EventRetry:             "RETRY",
	EventFrameConfirmed:    "FRAME_CONFIRMED",
	EventRetriesExhausted:  "RETRIES_EXHAUSTED",
	EventFrameDropped:      "FRAME_DROPPED",
	EventAckSent:           "ACK_SENT",
	EventAckSlotMissed:     "ACK_SLOT_MISSED",
	EventBusFrame:          "BUS_FRAME",
	EventBusEcho:           "BUS_ECHO",
	EventBusFrameRejected:  "BUS_FRAME_REJECTED",
	EventQueueNearlyFull:   "QUEUE_NEARLY_FULL",
	EventSafeMode:          "SAFE_MODE",
	EventWatchdog:          "WATCHDOG",
}

// String returns the event name
func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return fmt.Sprintf("EVENT_%d", int(k))
}

// Failure reports whether the event describes a fault
func (k EventKind) Failure() bool {
	switch k {
	case EventValidationFailure, EventQueueFull, EventHostTimeout, EventProtocolViolation,
		EventRetriesExhausted, EventFrameDropped, EventAckSlotMissed, EventBusFrameRejected,
		EventSafeMode, EventWatchdog:
		return true
	}
	return false
}

// Event is a diagnostic record emitted by the gateway
type Event struct {
	Kind    EventKind
	At      time.Duration // bus time
	Frame   []byte
	Attempt int
	Value   byte
	Err     error
}

// String formats the event on one line
func (e Event) String() string {
	s := e.Kind.String()
	if e.Attempt > 0 {
		s += fmt.Sprintf(" attempt=%d", e.Attempt)
	}
	if e.Kind == EventAckSent || e.Kind == EventProtocolViolation {
		s += fmt.Sprintf(" value=0x%02X", e.Value)
	}
	if len(e.Frame) > 0 {
		s += fmt.Sprintf(" [% X]", e.Frame)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// EventSink consumes diagnostic events. HandleEvent may be called from
// several goroutines and must not block.
type EventSink interface {
	HandleEvent(e Event)
}

// EventSinkFunc adapts a function to EventSink
type EventSinkFunc func(e Event)

// HandleEvent calls f(e)
func (f EventSinkFunc) HandleEvent(e Event) {
	f(e)
}

// MultiSink fans events out to several sinks
type MultiSink struct {
	mu    sync.RWMutex
	sinks []EventSink
}

// Add registers another sink
func (m *MultiSink) Add(s EventSink) {
	if s == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
}

// HandleEvent forwards e to every sink
func (m *MultiSink) HandleEvent(e Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sinks {
		s.HandleEvent(e)
	}
}

// LogSink writes events to a zap logger
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink logging to l
func NewLogSink(l *zap.Logger) *LogSink {
	if l == nil {
		l = zap.NewNop()
	}
	return &LogSink{logger: l}
}

// HandleEvent logs failures at warn level and everything else at debug
func (s *LogSink) HandleEvent(e Event) {
	fields := []zap.Field{
		zap.String("event", e.Kind.String()),
		zap.Duration("at", e.At),
	}
	if len(e.Frame) > 0 {
		fields = append(fields, zap.String("frame", fmt.Sprintf("% X", e.Frame)))
	}
	if e.Attempt > 0 {
		fields = append(fields, zap.Int("attempt", e.Attempt))
	}
	if e.Err != nil {
		fields = append(fields, zap.Error(e.Err))
	}

	switch {
	case e.Kind == EventSafeMode || e.Kind == EventWatchdog:
		s.logger.Error("gateway event", fields...)
	case e.Kind.Failure():
		s.logger.Warn("gateway event", fields...)
	default:
		s.logger.Debug("gateway event", fields...)
	}
}
