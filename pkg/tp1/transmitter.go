// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tp1

import (
	"fmt"
	"sync"

	"github.com/Thermoquad/tpbridge/pkg/phy"
	"go.uber.org/zap"
)

// Transmitter hands encoded frames to the pulse output and owns the
// hardware recovery policy.
type Transmitter struct {
	mu sync.Mutex

	out         phy.PulseOutput
	logger      *zap.Logger
	maxRecovery int

	failures int
	safe     bool
}

// NewTransmitter creates a transmitter. maxRecovery is the number of output
// re-initialisations attempted before the transmitter latches safe mode.
func NewTransmitter(out phy.PulseOutput, maxRecovery int, logger *zap.Logger) *Transmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxRecovery <= 0 {
		maxRecovery = DefaultRecoveryAttempts
	}
	return &Transmitter{
		out:         out,
		logger:      logger,
		maxRecovery: maxRecovery,
	}
}

// Send encodes and emits a frame. It returns immediately once the pulse
// output has accepted the train.
func (t *Transmitter) Send(frame []byte) error {
	if len(frame) == 0 || len(frame) > MaxFrameBytes {
		return fmt.Errorf("%w: %d bytes", ErrFrameLength, len(frame))
	}
	return t.emit(EncodeFrame(frame))
}

// SendAck emits a single acknowledgment character
func (t *Transmitter) SendAck(b byte) error {
	return t.emit(EncodeByte(make(phy.PulseTrain, 0, SlotsPerByte), b))
}

// Busy reports whether the previous train is still on the wire
func (t *Transmitter) Busy() bool {
	return t.out.Busy()
}

// SafeMode reports whether transmission has been disabled after repeated
// output failures
func (t *Transmitter) SafeMode() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.safe
}

func (t *Transmitter) emit(train phy.PulseTrain) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.safe {
		return ErrSafeMode
	}
	if t.out.Busy() {
		return ErrOutputBusy
	}

	err := t.out.Emit(train)
	if err == nil {
		t.failures = 0
		return nil
	}

	t.failures++
	t.logger.Error("pulse output failure",
		zap.Int("attempt", t.failures),
		zap.Error(err),
	)

	if t.failures > t.maxRecovery {
		t.safe = true
		t.logger.Error("recovery attempts exhausted, entering safe mode",
			zap.Int("attempts", t.maxRecovery))
		return fmt.Errorf("%w: %v", ErrSafeMode, err)
	}

	if rerr := t.out.Reinit(); rerr != nil {
		t.logger.Error("pulse output reinit failed", zap.Error(rerr))
	}
	return fmt.Errorf("%w: %v", ErrHardware, err)
}
