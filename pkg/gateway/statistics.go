// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package gateway

import (
	"fmt"
	"sync"
	"time"
)

// Statistics counts gateway events. It is an EventSink.
type Statistics struct {
	mu sync.Mutex
	s  StatsSnapshot
}

// StatsSnapshot is a point-in-time copy of the counters
type StatsSnapshot struct {
	StartTime time.Time

	// Host side
	FramesQueued       uint64
	ValidationFailures uint64
	QueueFull          uint64
	HostTimeouts       uint64
	ProtocolViolations uint64
	HostResets         uint64

	// Transmit side
	FramesSent       uint64
	Retries          uint64
	FramesConfirmed  uint64
	RetriesExhausted uint64
	FramesDropped    uint64

	// Bus side
	BusFrames      uint64
	BusEchoes      uint64
	BusRejected    uint64
	AcksSent       uint64
	AckSlotsMissed uint64

	// Filled in by Engine.Stats
	RxBytes         uint64
	RxParityErrors  uint64
	RxFramingErrors uint64
	RxOverruns      uint64
	QueueDepth      int
	QueueCapacity   int
	SafeMode        bool

	// Rates (calculated)
	FrameRate float64 // bus frames/sec
	ErrorRate float64 // failures/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	return &Statistics{s: StatsSnapshot{StartTime: time.Now()}}
}

// HandleEvent updates the counters for one event
func (st *Statistics) HandleEvent(e Event) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s := &st.s
	switch e.Kind {
	case EventFrameQueued:
		s.FramesQueued++
	case EventValidationFailure:
		s.ValidationFailures++
	case EventQueueFull:
		s.QueueFull++
	case EventHostTimeout:
		s.HostTimeouts++
	case EventProtocolViolation:
		s.ProtocolViolations++
	case EventHostReset:
		s.HostResets++
	case EventFrameSent:
		s.FramesSent++
	case EventRetry:
		s.Retries++
	case EventFrameConfirmed:
		s.FramesConfirmed++
	case EventRetriesExhausted:
		s.RetriesExhausted++
	case EventFrameDropped:
		s.FramesDropped++
	case EventBusFrame:
		s.BusFrames++
	case EventBusEcho:
		s.BusEchoes++
	case EventBusFrameRejected:
		s.BusRejected++
	case EventAckSent:
		s.AcksSent++
	case EventAckSlotMissed:
		s.AckSlotsMissed++
	}
}

// Snapshot returns a copy of the counters with rates calculated
func (st *Statistics) Snapshot() StatsSnapshot {
	st.mu.Lock()
	defer st.mu.Unlock()
	snap := st.s
	snap.CalculateRates()
	return snap
}

// Reset clears all counters
func (st *Statistics) Reset() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s = StatsSnapshot{StartTime: time.Now()}
}

// Errors returns the total number of failures
func (s *StatsSnapshot) Errors() uint64 {
	return s.ValidationFailures + s.QueueFull + s.HostTimeouts + s.ProtocolViolations +
		s.RetriesExhausted + s.FramesDropped + s.BusRejected + s.AckSlotsMissed +
		s.RxParityErrors + s.RxFramingErrors
}

// CalculateRates calculates frame and error rates
func (s *StatsSnapshot) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.FrameRate = float64(s.BusFrames+s.BusEchoes) / elapsed
		s.ErrorRate = float64(s.Errors()) / elapsed
	}
}

// String returns a formatted statistics summary
func (s StatsSnapshot) String() string {
	s.CalculateRates()

	var confirmedPercent float64
	if s.FramesQueued > 0 {
		confirmedPercent = float64(s.FramesConfirmed) * 100.0 / float64(s.FramesQueued)
	}

	elapsed := time.Since(s.StartTime)

	result := fmt.Sprintf("=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Frames Queued:   %8d\n", s.FramesQueued)
	result += fmt.Sprintf("Frames Sent:     %8d\n", s.FramesSent)
	result += fmt.Sprintf("Confirmed:       %8d (%.1f%%)\n", s.FramesConfirmed, confirmedPercent)

	if s.Retries > 0 {
		result += fmt.Sprintf("Retries:         %8d\n", s.Retries)
	}
	if s.RetriesExhausted > 0 || s.FramesDropped > 0 {
		result += fmt.Sprintf("Dropped:         %8d\n", s.RetriesExhausted+s.FramesDropped)
		if s.RetriesExhausted > 0 {
			result += fmt.Sprintf("  No Echo:          %5d\n", s.RetriesExhausted)
		}
		if s.FramesDropped > 0 {
			result += fmt.Sprintf("  Safe Mode:        %5d\n", s.FramesDropped)
		}
	}
	if s.ValidationFailures > 0 || s.QueueFull > 0 || s.HostTimeouts > 0 || s.ProtocolViolations > 0 {
		result += "Host Errors:\n"
		if s.ValidationFailures > 0 {
			result += fmt.Sprintf("  Invalid Frame:    %5d\n", s.ValidationFailures)
		}
		if s.QueueFull > 0 {
			result += fmt.Sprintf("  Queue Full:       %5d\n", s.QueueFull)
		}
		if s.HostTimeouts > 0 {
			result += fmt.Sprintf("  Idle Timeout:     %5d\n", s.HostTimeouts)
		}
		if s.ProtocolViolations > 0 {
			result += fmt.Sprintf("  Protocol:         %5d\n", s.ProtocolViolations)
		}
	}

	result += fmt.Sprintf("Bus Frames:      %8d\n", s.BusFrames)
	result += fmt.Sprintf("Acks Sent:       %8d\n", s.AcksSent)
	if s.AckSlotsMissed > 0 {
		result += fmt.Sprintf("Ack Slots Missed:%8d\n", s.AckSlotsMissed)
	}
	if s.BusRejected > 0 || s.RxParityErrors > 0 || s.RxFramingErrors > 0 || s.RxOverruns > 0 {
		result += "Bus Errors:\n"
		if s.BusRejected > 0 {
			result += fmt.Sprintf("  Checksum:         %5d\n", s.BusRejected)
		}
		if s.RxParityErrors > 0 {
			result += fmt.Sprintf("  Parity:           %5d\n", s.RxParityErrors)
		}
		if s.RxFramingErrors > 0 {
			result += fmt.Sprintf("  Framing:          %5d\n", s.RxFramingErrors)
		}
		if s.RxOverruns > 0 {
			result += fmt.Sprintf("  Overrun:          %5d\n", s.RxOverruns)
		}
	}

	result += fmt.Sprintf("Queue Depth:     %4d/%d\n", s.QueueDepth, s.QueueCapacity)
	if s.SafeMode {
		result += "Transmitter:     SAFE MODE\n"
	}
	result += fmt.Sprintf("Frame Rate:      %8.1f frames/sec\n", s.FrameRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "================================\n"

	return result
}
