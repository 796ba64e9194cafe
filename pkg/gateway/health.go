// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Thermoquad/tpbridge/pkg/config"
	"github.com/Thermoquad/tpbridge/pkg/phy"
	"go.uber.org/zap"
)

// Health states published to the broker
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthStopping = "stopping"
)

// HealthPublisher is the interface for publishing health messages.
// This is typically implemented by an MQTT client.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// HealthMessage is the JSON document published on the health topic
type HealthMessage struct {
	Status        string    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	FramesQueued  uint64    `json:"frames_queued"`
	FramesSent    uint64    `json:"frames_sent"`
	Confirmed     uint64    `json:"frames_confirmed"`
	Dropped       uint64    `json:"frames_dropped"`
	BusFrames     uint64    `json:"bus_frames"`
	AcksSent      uint64    `json:"acks_sent"`
	Errors        uint64    `json:"errors"`
	QueueDepth    int       `json:"queue_depth"`
	QueueCapacity int       `json:"queue_capacity"`
	SafeMode      bool      `json:"safe_mode"`
}

// HealthReporterConfig holds configuration for the health reporter
type HealthReporterConfig struct {
	Engine    *Engine
	Clock     phy.Clock
	Health    config.HealthConfig
	Publisher HealthPublisher
	Topic     string
	QoS       byte
	Logger    *zap.Logger
}

// HealthReporter supervises a running engine: it raises the watchdog when
// the bus side stops polling, warns when the transmit queue fills up and
// periodically logs and publishes statistics.
type HealthReporter struct {
	engine    *Engine
	clock     phy.Clock
	cfg       config.HealthConfig
	publisher HealthPublisher
	topic     string
	qos       byte
	logger    *zap.Logger
	startTime time.Time

	watchdogTripped bool
	nearlyFull      bool
	lastStats       time.Duration
	statsStarted    bool
}

// NewHealthReporter creates a new health reporter
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	h := &HealthReporter{
		engine:    cfg.Engine,
		clock:     cfg.Clock,
		cfg:       cfg.Health,
		publisher: cfg.Publisher,
		topic:     cfg.Topic,
		qos:       cfg.QoS,
		logger:    cfg.Logger,
		startTime: time.Now(),
	}
	if h.cfg.Interval <= 0 {
		h.cfg.Interval = 200 * time.Millisecond
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	if h.topic == "" {
		h.topic = "tpbridge/health"
	}
	return h
}

// Run checks the engine every interval until ctx is cancelled, then
// publishes a final stopping status
func (h *HealthReporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := h.publish(HealthStopping, ""); err != nil {
				h.logger.Debug("final health publish failed", zap.Error(err))
			}
			return nil
		case <-ticker.C:
			h.Check(h.clock.Now())
		}
	}
}

// Check runs one supervision pass at bus time now
func (h *HealthReporter) Check(now time.Duration) {
	h.checkWatchdog(now)
	h.checkQueue(now)

	if h.cfg.StatsInterval <= 0 {
		return
	}
	if !h.statsStarted {
		h.statsStarted = true
		h.lastStats = now
		return
	}
	if now-h.lastStats < h.cfg.StatsInterval {
		return
	}
	h.lastStats = now

	snap := h.engine.Stats()
	h.logger.Info("gateway statistics",
		zap.Uint64("queued", snap.FramesQueued),
		zap.Uint64("sent", snap.FramesSent),
		zap.Uint64("confirmed", snap.FramesConfirmed),
		zap.Uint64("bus_frames", snap.BusFrames),
		zap.Uint64("errors", snap.Errors()),
		zap.Int("queue_depth", snap.QueueDepth),
	)

	status, reason := h.status()
	if err := h.publish(status, reason); err != nil {
		h.logger.Warn("health publish failed", zap.Error(err))
	}
}

// WatchdogTripped reports whether the bus side is currently considered
// stalled
func (h *HealthReporter) WatchdogTripped() bool {
	return h.watchdogTripped
}

func (h *HealthReporter) checkWatchdog(now time.Duration) {
	if h.cfg.WatchdogTimeout <= 0 {
		return
	}
	stalled := now-h.engine.LastPoll() > h.cfg.WatchdogTimeout

	switch {
	case stalled && !h.watchdogTripped:
		h.watchdogTripped = true
		h.engine.sink.HandleEvent(Event{
			Kind: EventWatchdog,
			At:   now,
			Err:  fmt.Errorf("%w: last poll at %v", ErrWatchdog, h.engine.LastPoll()),
		})
	case !stalled && h.watchdogTripped:
		h.watchdogTripped = false
		h.logger.Info("bus task resumed", zap.Duration("at", now))
	}
}

func (h *HealthReporter) checkQueue(now time.Duration) {
	q := h.engine.Queue()
	full := q.NearlyFull()
	if full && !h.nearlyFull {
		h.logger.Warn("transmit queue nearly full", zap.Int("queued", q.Len()), zap.Int("capacity", q.Cap()))
		h.engine.sink.HandleEvent(Event{Kind: EventQueueNearlyFull, At: now})
	}
	h.nearlyFull = full
}

func (h *HealthReporter) status() (string, string) {
	switch {
	case h.engine.SafeMode():
		return HealthDegraded, "transmitter in safe mode"
	case h.watchdogTripped:
		return HealthDegraded, "bus task stalled"
	default:
		return HealthHealthy, ""
	}
}

func (h *HealthReporter) publish(status, reason string) error {
	if h.publisher == nil || !h.publisher.IsConnected() {
		return nil
	}

	snap := h.engine.Stats()
	msg := HealthMessage{
		Status:        status,
		Reason:        reason,
		Timestamp:     time.Now().UTC(),
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		FramesQueued:  snap.FramesQueued,
		FramesSent:    snap.FramesSent,
		Confirmed:     snap.FramesConfirmed,
		Dropped:       snap.RetriesExhausted + snap.FramesDropped,
		BusFrames:     snap.BusFrames,
		AcksSent:      snap.AcksSent,
		Errors:        snap.Errors(),
		QueueDepth:    snap.QueueDepth,
		QueueCapacity: snap.QueueCapacity,
		SafeMode:      snap.SafeMode,
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return h.publisher.Publish(h.topic, payload, h.qos, true)
}
