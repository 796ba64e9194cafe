// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Thermoquad/tpbridge/pkg/config"
)

// mockPublisher implements HealthPublisher for testing
type mockPublisher struct {
	mu        sync.Mutex
	connected bool
	messages  []publishedMessage
}

type publishedMessage struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

func (m *mockPublisher) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, publishedMessage{topic: topic, payload: payload, qos: qos, retained: retained})
	return nil
}

func (m *mockPublisher) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockPublisher) getMessages() []publishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]publishedMessage(nil), m.messages...)
}

func newHealthFixture(t *testing.T, pub HealthPublisher) (*engineTestEnv, *HealthReporter) {
	t.Helper()
	env := newEngineTestEnv(t)
	h := NewHealthReporter(HealthReporterConfig{
		Engine: env.engine,
		Clock:  env.wire,
		Health: config.HealthConfig{
			Interval:        100 * time.Millisecond,
			StatsInterval:   time.Second,
			WatchdogTimeout: 2 * time.Second,
		},
		Publisher: pub,
		Topic:     "test/health",
		QoS:       1,
	})
	return env, h
}

func TestHealth_Watchdog(t *testing.T) {
	env, h := newHealthFixture(t, nil)

	env.engine.PollBus(100 * time.Millisecond)
	h.Check(time.Second)
	if h.WatchdogTripped() {
		t.Fatal("Watchdog tripped while the bus task is polling")
	}

	h.Check(3 * time.Second)
	if !h.WatchdogTripped() {
		t.Fatal("Watchdog should trip after 2s without a poll")
	}
	h.Check(4 * time.Second)
	if env.count(EventWatchdog) != 1 {
		t.Errorf("Expected a single watchdog event, got %d", env.count(EventWatchdog))
	}
	for _, e := range env.events {
		if e.Kind == EventWatchdog && !errors.Is(e.Err, ErrWatchdog) {
			t.Errorf("Watchdog event should carry ErrWatchdog, got %v", e.Err)
		}
	}

	env.engine.PollBus(4 * time.Second)
	h.Check(4100 * time.Millisecond)
	if h.WatchdogTripped() {
		t.Error("Watchdog should clear once polling resumes")
	}
}

func TestHealth_QueueNearlyFull(t *testing.T) {
	env, h := newHealthFixture(t, nil)

	for i := 0; i < 40; i++ {
		env.sendFromHost(testFrame(t, byte(i)))
	}
	h.Check(0)
	h.Check(100 * time.Millisecond)
	if env.count(EventQueueNearlyFull) != 1 {
		t.Errorf("Expected one nearly-full event per crossing, got %d", env.count(EventQueueNearlyFull))
	}

	env.engine.Queue().Reset()
	h.Check(200 * time.Millisecond)
	env.sendFromHost(testFrame(t, 1))
	for i := 0; i < 39; i++ {
		env.sendFromHost(testFrame(t, byte(i)))
	}
	h.Check(300 * time.Millisecond)
	if env.count(EventQueueNearlyFull) != 2 {
		t.Errorf("Expected a second event after refilling, got %d", env.count(EventQueueNearlyFull))
	}
}

func TestHealth_PublishesStats(t *testing.T) {
	pub := &mockPublisher{connected: true}
	env, h := newHealthFixture(t, pub)

	env.sendFromHost(testFrame(t, 1))
	env.engine.PollBus(0)

	h.Check(0)
	if len(pub.getMessages()) != 0 {
		t.Fatal("First check only starts the statistics interval")
	}
	h.Check(500 * time.Millisecond)
	h.Check(time.Second)

	msgs := pub.getMessages()
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(msgs))
	}
	if msgs[0].topic != "test/health" || msgs[0].qos != 1 || !msgs[0].retained {
		t.Errorf("Unexpected publish parameters: %+v", msgs[0])
	}

	var msg HealthMessage
	if err := json.Unmarshal(msgs[0].payload, &msg); err != nil {
		t.Fatalf("Payload is not JSON: %v", err)
	}
	if msg.Status != HealthHealthy || msg.FramesQueued != 1 || msg.QueueCapacity != 50 {
		t.Errorf("Unexpected health message: %+v", msg)
	}
}

func TestHealth_SkipsDisconnectedPublisher(t *testing.T) {
	pub := &mockPublisher{connected: false}
	_, h := newHealthFixture(t, pub)

	h.Check(0)
	h.Check(2 * time.Second)
	if len(pub.getMessages()) != 0 {
		t.Error("Nothing should be published while disconnected")
	}
}
