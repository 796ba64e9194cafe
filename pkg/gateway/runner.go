// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Thermoquad/tpbridge/pkg/phy"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// BusDriver moves bus time forward and calls poll with the new time. A
// hardware PHY delivers edges and ticks on its own, so its driver only
// reads the clock; the simulated wire is advanced by the driver itself.
type BusDriver interface {
	Pump(poll func(now time.Duration))
}

// ClockDriver polls once at the clock's current time
type ClockDriver struct {
	Clock phy.Clock
}

// Pump calls poll with the current time
func (d ClockDriver) Pump(poll func(now time.Duration)) {
	poll(d.Clock.Now())
}

// RunConfig describes how an engine is driven
type RunConfig struct {
	// Host is the byte stream from the host controller. In the superloop
	// shape reads must return after a short timeout.
	Host io.Reader
	// Clock supplies bus time for host bytes and supervision
	Clock phy.Clock
	// Driver advances the bus side
	Driver BusDriver
	// Health is optional
	Health *HealthReporter
	// PollInterval paces the bus task; defaults to the bus configuration
	PollInterval time.Duration
}

func (rc *RunConfig) defaults(e *Engine) error {
	if rc.Host == nil {
		return fmt.Errorf("run config: no host stream")
	}
	if rc.Clock == nil {
		return fmt.Errorf("run config: no clock")
	}
	if rc.Driver == nil {
		rc.Driver = ClockDriver{Clock: rc.Clock}
	}
	if rc.PollInterval <= 0 {
		rc.PollInterval = e.cfg.Bus.PollInterval
	}
	return nil
}

// Run drives the engine as three cooperating tasks: the bus task polls the
// receiver and scheduler on a ticker, the host task blocks on host reads
// and the health task supervises both. Run returns when ctx is cancelled or
// a task fails. Closing the host stream unblocks the host task.
func (e *Engine) Run(ctx context.Context, rc RunConfig) error {
	if err := rc.defaults(e); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(rc.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				rc.Driver.Pump(e.PollBus)
			}
		}
	})

	g.Go(func() error {
		return e.hostTask(ctx, rc)
	})

	if rc.Health != nil {
		g.Go(func() error {
			return rc.Health.Run(ctx)
		})
	}

	return g.Wait()
}

func (e *Engine) hostTask(ctx context.Context, rc RunConfig) error {
	buf := make([]byte, 256)
	for {
		n, err := rc.Host.Read(buf)
		if n > 0 {
			e.FeedHost(buf[:n], rc.Clock.Now())
		}
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return ErrHostClosed
			}
			return fmt.Errorf("host read: %w", err)
		}
	}
}

// RunSuperloop drives the engine from a single goroutine: read whatever the
// host has sent within its read timeout, then step the bus side. Supervision
// runs inline every health interval.
func (e *Engine) RunSuperloop(ctx context.Context, rc RunConfig) error {
	if err := rc.defaults(e); err != nil {
		return err
	}

	buf := make([]byte, 256)
	var lastCheck time.Duration
	interval := e.cfg.Health.Interval

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		n, err := rc.Host.Read(buf)
		if err != nil && !isTimeout(err) {
			if errors.Is(err, io.EOF) {
				return ErrHostClosed
			}
			return fmt.Errorf("host read: %w", err)
		}

		pending := buf[:n]
		rc.Driver.Pump(func(now time.Duration) {
			e.Step(now, pending)
			pending = nil
		})
		if len(pending) > 0 {
			// driver had nothing to advance this round
			e.Step(rc.Clock.Now(), pending)
		}

		if rc.Health != nil {
			now := rc.Clock.Now()
			if now-lastCheck >= interval {
				lastCheck = now
				rc.Health.Check(now)
			}
		}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// LogRunError logs the reason a run ended
func LogRunError(logger *zap.Logger, err error) {
	switch {
	case err == nil:
		logger.Info("gateway stopped")
	case errors.Is(err, ErrHostClosed):
		logger.Warn("gateway stopped", zap.Error(err))
	default:
		logger.Error("gateway failed", zap.Error(err))
	}
}
