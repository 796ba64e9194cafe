// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tpuart

import (
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

// Bus link parser states
const (
	busIdle = iota
	busData
	busChecksum
	busAck
	busEndEcho
)

// BusLinkConfig wires a BusLink to the rest of the gateway
type BusLinkConfig struct {
	Host             io.Writer
	State            *LinkState
	Handler          EchoHandler
	Observer         Observer
	InterByteTimeout time.Duration
	Logger           *zap.Logger
}

// BusLink follows the characters decoded from the bus. Every character is
// forwarded to the host as it arrives; complete frames are classified as
// the echo of our own transmission or as inbound traffic to acknowledge.
type BusLink struct {
	state      int
	buffer     [MaxFrameSize]byte
	count      int
	headerSize int
	lengthAt   int
	expected   int
	lastByte   time.Duration
	seen       bool

	host             io.Writer
	link             *LinkState
	handler          EchoHandler
	observer         Observer
	interByteTimeout time.Duration
	logger           *zap.Logger
}

// NewBusLink creates a bus link parser in the idle state
func NewBusLink(cfg BusLinkConfig) *BusLink {
	l := &BusLink{
		state:            busIdle,
		host:             cfg.Host,
		link:             cfg.State,
		handler:          cfg.Handler,
		observer:         cfg.Observer,
		interByteTimeout: cfg.InterByteTimeout,
		logger:           cfg.Logger,
	}
	if l.link == nil {
		l.link = &LinkState{}
	}
	if l.observer == nil {
		l.observer = NopObserver{}
	}
	if l.interByteTimeout <= 0 {
		l.interByteTimeout = DefaultInterByteTimeout
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	if l.host == nil {
		l.host = io.Discard
	}
	return l
}

// Reset discards any partial frame and returns to idle
func (l *BusLink) Reset() {
	l.state = busIdle
	l.count = 0
	l.expected = 0
}

// Idle reports whether no frame is being followed
func (l *BusLink) Idle() bool {
	return l.state == busIdle
}

// Feed processes one character decoded from the bus at the given time
func (l *BusLink) Feed(b byte, at time.Duration) {
	if l.seen && l.state != busIdle && at-l.lastByte > l.interByteTimeout {
		l.logger.Debug("bus inter-byte timeout",
			zap.Int("bytes", l.count),
			zap.Duration("gap", at-l.lastByte),
		)
		l.Reset()
	}
	l.lastByte = at
	l.seen = true

	l.forward(b)

	switch l.state {
	case busIdle:
		switch b & DataIndMask {
		case DataStandardInd:
			l.begin(b, StandardHeaderSize, 5)
		case DataExtendedInd:
			l.begin(b, ExtendedHeaderSize, 6)
		}

	case busData:
		l.buffer[l.count] = b
		l.count++

		if l.count == l.lengthAt+1 {
			length := int(b)
			if l.headerSize == StandardHeaderSize {
				length = int(b & 0x0F)
			}
			l.expected = l.headerSize + length
			if l.expected > MaxFrameSize {
				l.logger.Debug("bus frame exceeds buffer",
					zap.Int("expected", l.expected))
				l.observer.BusFrameRejected(l.partial(),
					fmt.Errorf("%w: announced %d bytes", ErrInvalidLength, l.expected))
				l.Reset()
				return
			}
		}

		if l.expected > 0 && l.count >= l.expected-1 {
			l.state = busChecksum
		}

	case busChecksum:
		l.buffer[l.count] = b
		l.count++
		l.complete(at)
		l.Reset()
	}
}

func (l *BusLink) begin(control byte, header, lengthAt int) {
	l.buffer[0] = control
	l.count = 1
	l.headerSize = header
	l.lengthAt = lengthAt
	l.expected = 0
	l.state = busData
}

func (l *BusLink) complete(at time.Duration) {
	frame := l.buffer[:l.count]

	if frame[l.count-1] != Checksum(frame[:l.count-1]) {
		l.link.FlagError(StateReceiveError)
		l.observer.BusFrameRejected(l.partial(), ErrChecksumMismatch)
		return
	}

	f, _ := NewFrame(frame)

	l.state = busAck
	if l.link.EchoExpected() && l.handler != nil && l.handler.IsEcho(f) {
		l.state = busEndEcho
	}

	switch l.state {
	case busEndEcho:
		l.link.ClearEcho()
		l.handler.Echo(f, at)
		l.observer.BusFrame(f, true)

	case busAck:
		ack := l.link.TakeAck()
		if l.handler != nil {
			l.handler.Inbound(f, at, ack)
		}
		l.observer.BusFrame(f, false)
	}
}

func (l *BusLink) partial() []byte {
	return append([]byte(nil), l.buffer[:l.count]...)
}

func (l *BusLink) forward(b byte) {
	if _, err := l.host.Write([]byte{b}); err != nil {
		l.logger.Error("host write failed", zap.Uint8("byte", b), zap.Error(err))
	}
}
