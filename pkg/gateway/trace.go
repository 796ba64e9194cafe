// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package gateway

import (
	"sync/atomic"
	"time"

	"github.com/Thermoquad/tpbridge/pkg/trace"
	"go.uber.org/zap"
)

// TraceSink writes every event to a CBOR trace
type TraceSink struct {
	w      *trace.Writer
	logger *zap.Logger
	failed atomic.Bool
}

// NewTraceSink creates a sink writing to w
func NewTraceSink(w *trace.Writer, logger *zap.Logger) *TraceSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TraceSink{w: w, logger: logger}
}

// HandleEvent appends e to the trace. The first write error is logged and
// later ones are dropped silently.
func (s *TraceSink) HandleEvent(e Event) {
	rec := trace.Record{
		Kind:    uint8(e.Kind),
		At:      e.At,
		Wall:    time.Now(),
		Frame:   e.Frame,
		Attempt: e.Attempt,
		Value:   e.Value,
	}
	if e.Err != nil {
		rec.Err = e.Err.Error()
	}
	if err := s.w.Write(rec); err != nil && !s.failed.Swap(true) {
		s.logger.Error("trace write failed", zap.Error(err))
	}
}

// EventFromRecord converts a trace record back into an event. The error
// text is kept in the record and not restored.
func EventFromRecord(rec trace.Record) Event {
	return Event{
		Kind:    EventKind(rec.Kind),
		At:      rec.At,
		Frame:   rec.Frame,
		Attempt: rec.Attempt,
		Value:   rec.Value,
	}
}
