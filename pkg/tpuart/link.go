// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tpuart

import (
	"sync/atomic"
	"time"
)

// LinkState is the state shared by the host and bus link machines: the
// latched acknowledgment, the echo-expected flag and the error bits
// reported in U_State.ind. All fields are accessed atomically.
type LinkState struct {
	ack          atomic.Uint32
	echoExpected atomic.Bool
	errBits      atomic.Uint32
}

// LatchAck stores the U_AckInformation flags for the next inbound frame
func (s *LinkState) LatchAck(flags byte) {
	s.ack.Store(uint32(flags & 0x0F))
}

// PendingAck returns the latched flags without clearing them
func (s *LinkState) PendingAck() byte {
	return byte(s.ack.Load())
}

// TakeAck returns and clears the latched flags
func (s *LinkState) TakeAck() byte {
	return byte(s.ack.Swap(0))
}

// ExpectEcho marks that a frame of ours is about to appear on the bus
func (s *LinkState) ExpectEcho() {
	s.echoExpected.Store(true)
}

// EchoExpected reports whether an echo is expected
func (s *LinkState) EchoExpected() bool {
	return s.echoExpected.Load()
}

// ClearEcho clears the echo-expected flag
func (s *LinkState) ClearEcho() {
	s.echoExpected.Store(false)
}

// FlagError records U_State.ind error bits
func (s *LinkState) FlagError(bits byte) {
	s.errBits.Or(uint32(bits))
}

// TakeErrors returns and clears the accumulated error bits
func (s *LinkState) TakeErrors() byte {
	return byte(s.errBits.Swap(0))
}

// Reset clears all shared state
func (s *LinkState) Reset() {
	s.ack.Store(0)
	s.echoExpected.Store(false)
	s.errBits.Store(0)
}

// Observer receives link layer notifications. Implementations must not
// block.
type Observer interface {
	HostFrame(f Frame)
	HostFrameRejected(frame []byte, err error)
	ProtocolViolation(b byte, err error)
	HostReset()
	BusFrame(f Frame, echo bool)
	BusFrameRejected(frame []byte, err error)
}

// NopObserver ignores all notifications
type NopObserver struct{}

func (NopObserver) HostFrame(Frame)                 {}
func (NopObserver) HostFrameRejected([]byte, error) {}
func (NopObserver) ProtocolViolation(byte, error)   {}
func (NopObserver) HostReset()                      {}
func (NopObserver) BusFrame(Frame, bool)            {}
func (NopObserver) BusFrameRejected([]byte, error)  {}

// FrameQueue accepts validated frames from the host
type FrameQueue interface {
	Enqueue(frame []byte) error
}

// EchoHandler is told about completed bus frames. It is implemented by the
// transmit scheduler.
type EchoHandler interface {
	// IsEcho reports whether f is the frame currently awaiting confirmation
	IsEcho(f Frame) bool
	// Echo is called when our own frame has been seen on the bus
	Echo(f Frame, at time.Duration)
	// Inbound is called for a valid frame from another participant, with the
	// acknowledgment flags latched by the host
	Inbound(f Frame, at time.Duration, ack byte)
}
