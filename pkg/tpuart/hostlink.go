// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tpuart

import (
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

// Host link parser states
const (
	hostIdle = iota
	hostCtrl
	hostCont
	hostData
	hostChecksum
)

// HostLinkConfig wires a HostLink to the rest of the gateway
type HostLinkConfig struct {
	Queue       FrameQueue
	Host        io.Writer
	State       *LinkState
	Validator   *Validator
	Observer    Observer
	IdleTimeout time.Duration
	Logger      *zap.Logger
}

// HostLink parses the byte stream sent by the host controller: data
// requests carrying frames to transmit, acknowledgment information for the
// next inbound frame, and the reset and state services.
type HostLink struct {
	state    int
	buffer   [MaxFrameSize]byte
	count    int
	lastByte time.Duration
	seen     bool

	queue       FrameQueue
	host        io.Writer
	link        *LinkState
	validator   *Validator
	observer    Observer
	idleTimeout time.Duration
	logger      *zap.Logger
}

// NewHostLink creates a host link parser in the idle state
func NewHostLink(cfg HostLinkConfig) *HostLink {
	h := &HostLink{
		state:       hostIdle,
		queue:       cfg.Queue,
		host:        cfg.Host,
		link:        cfg.State,
		validator:   cfg.Validator,
		observer:    cfg.Observer,
		idleTimeout: cfg.IdleTimeout,
		logger:      cfg.Logger,
	}
	if h.link == nil {
		h.link = &LinkState{}
	}
	if h.observer == nil {
		h.observer = NopObserver{}
	}
	if h.idleTimeout <= 0 {
		h.idleTimeout = DefaultHostIdleTimeout
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	if h.host == nil {
		h.host = io.Discard
	}
	return h
}

// Reset discards any partial frame and returns to idle
func (h *HostLink) Reset() {
	h.state = hostIdle
	h.count = 0
}

// Idle reports whether no frame is being assembled
func (h *HostLink) Idle() bool {
	return h.state == hostIdle
}

// Feed processes one byte received from the host at the given time
func (h *HostLink) Feed(b byte, at time.Duration) {
	if h.seen && h.state != hostIdle && at-h.lastByte > h.idleTimeout {
		h.logger.Debug("host idle timeout, discarding partial frame",
			zap.Int("bytes", h.count),
			zap.Duration("gap", at-h.lastByte),
		)
		h.observer.HostFrameRejected(h.partial(), ErrTimeout)
		h.Reset()
	}
	h.lastByte = at
	h.seen = true

	switch h.state {
	case hostIdle:
		h.feedIdle(b)

	case hostCtrl:
		h.buffer[0] = b
		h.count = 1
		h.state = hostCont

	case hostCont:
		index := int(b & 0x3F)
		switch {
		case b&0xC0 == DataContReq && index == h.count:
			h.state = hostData
		case b&0xC0 == DataEndReq && index == h.count:
			h.state = hostChecksum
		default:
			h.violation(b, fmt.Errorf("%w: unexpected 0x%02X after %d bytes", ErrProtocolViolation, b, h.count))
		}

	case hostData:
		if !h.store(b) {
			return
		}
		h.state = hostCont

	case hostChecksum:
		if !h.store(b) {
			return
		}
		h.complete()
		h.Reset()
	}
}

func (h *HostLink) feedIdle(b byte) {
	switch {
	case b == DataStartReq:
		h.count = 0
		h.state = hostCtrl

	case b&0xF0 == AckInfoReq:
		h.link.LatchAck(b & 0x0F)

	case b == ResetReq:
		h.link.Reset()
		h.observer.HostReset()
		h.write(ResetInd)

	case b == StateReq:
		h.write(StateInd | h.link.TakeErrors())

	default:
		h.logger.Debug("ignoring host byte", zap.Uint8("byte", b))
	}
}

func (h *HostLink) store(b byte) bool {
	if h.count >= MaxFrameSize {
		h.violation(b, fmt.Errorf("%w: frame exceeds %d bytes", ErrProtocolViolation, MaxFrameSize))
		return false
	}
	h.buffer[h.count] = b
	h.count++
	return true
}

func (h *HostLink) complete() {
	frame := h.buffer[:h.count]

	if r := h.validator.Validate(frame); r != Valid {
		h.reject(frame, fmt.Errorf("%w: %s", r.Err(), r))
		return
	}

	if err := h.queue.Enqueue(frame); err != nil {
		h.reject(frame, err)
		return
	}

	h.link.ExpectEcho()
	f, _ := NewFrame(frame)
	h.observer.HostFrame(f)
}

func (h *HostLink) reject(frame []byte, err error) {
	h.logger.Warn("host frame rejected",
		zap.String("frame", fmt.Sprintf("% X", frame)),
		zap.Error(err),
	)
	h.write(DataCon)
	h.observer.HostFrameRejected(append([]byte(nil), frame...), err)
}

func (h *HostLink) violation(b byte, err error) {
	h.logger.Warn("host protocol violation", zap.Uint8("byte", b), zap.Error(err))
	h.link.FlagError(StateProtocolError)
	h.observer.ProtocolViolation(b, err)
	h.Reset()
}

func (h *HostLink) partial() []byte {
	return append([]byte(nil), h.buffer[:h.count]...)
}

func (h *HostLink) write(b byte) {
	if _, err := h.host.Write([]byte{b}); err != nil {
		h.logger.Error("host write failed", zap.Uint8("byte", b), zap.Error(err))
	}
}
