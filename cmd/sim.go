// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"time"

	"github.com/Thermoquad/tpbridge/pkg/config"
	"github.com/Thermoquad/tpbridge/pkg/logging"
	"github.com/Thermoquad/tpbridge/pkg/phy/sim"
	"github.com/Thermoquad/tpbridge/pkg/tp1"
	"github.com/Thermoquad/tpbridge/pkg/tpuart"
	"go.uber.org/zap"
)

// Simulated line participant that generates foreign traffic
const (
	simDeviceAddress = 0x1105 // 1.1.5
	simGroupAddress  = 0x0803 // 1/0/3
)

// simBus is a simulated TP1 line with the gateway's receiver and
// transmitter attached. The pacer advances it with the wall clock and
// serves as both clock and bus driver for the engine.
type simBus struct {
	wire   *sim.Wire
	rx     *tp1.Receiver
	tx     *tp1.Transmitter
	pacer  *sim.Pacer
	logger *zap.Logger
}

func newSimBus(c *config.Config, logger *zap.Logger) *simBus {
	wire := sim.New()
	rx := tp1.NewReceiver(wire,
		tp1.WithIdleTimeout(c.Bus.BusyTimeout),
		tp1.WithFIFOSize(c.Bus.RxFIFOSize),
		tp1.WithReceiverLogger(logger.Named("rx")),
	)
	wire.Attach(rx)

	return &simBus{
		wire:   wire,
		rx:     rx,
		tx:     tp1.NewTransmitter(wire, c.Bus.RecoveryAttempts, logger.Named("tx")),
		pacer:  sim.NewPacer(wire, 0),
		logger: logger,
	}
}

// generateTraffic has a simulated switch toggle a group address every
// interval. A round is skipped while the line is in use.
func (b *simBus) generateTraffic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var on byte
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !b.wire.Idle() || b.wire.Busy() {
			continue
		}

		on ^= 1
		frame, err := tpuart.BuildFrame(0xBC, simDeviceAddress, simGroupAddress, true, 6, []byte{0x00, 0x80 | on})
		if err != nil {
			b.logger.Error("building simulated frame", zap.Error(err))
			return
		}

		b.wire.Inject(b.wire.Now()+time.Millisecond, tp1.EncodeFrame(frame))
		b.logger.Debug("simulated traffic", logging.Frame("frame", frame))
	}
}
