// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bytes"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Thermoquad/tpbridge/pkg/config"
	"github.com/Thermoquad/tpbridge/pkg/gateway"
	"github.com/Thermoquad/tpbridge/pkg/tpuart"
	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"
)

func newTestDashboard(t *testing.T) (dashboardModel, *hostQueue) {
	t.Helper()
	bus := newSimBus(config.Default(), zap.NewNop())
	engine := gateway.NewEngine(config.Default(), bus.rx, bus.tx, io.Discard)
	q := newHostQueue()
	return initialDashboardModel(engine, q, &atomic.Uint64{}), q
}

func typeText(m dashboardModel, s string) dashboardModel {
	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)})
	return next.(dashboardModel)
}

func pressKey(m dashboardModel, k tea.KeyType) dashboardModel {
	next, _ := m.Update(tea.KeyMsg{Type: k})
	return next.(dashboardModel)
}

func TestDashboard_SubmitFrame(t *testing.T) {
	m, q := newTestDashboard(t)

	m = typeText(m, "BC 11 01 09 01 E1 00 81")
	m = pressKey(m, tea.KeyEnter)

	if m.inputErr != "" {
		t.Fatalf("Unexpected input error: %s", m.inputErr)
	}
	if m.input.Value() != "" {
		t.Errorf("Input should be cleared after sending, got %q", m.input.Value())
	}

	buf := make([]byte, 64)
	n, _ := q.Read(buf)
	want, _ := tpuart.EncodeDataRequest([]byte{0xBC, 0x11, 0x01, 0x09, 0x01, 0xE1, 0x00, 0x81, 0x3B})
	if !bytes.Equal(buf[:n], want) {
		t.Errorf("Expected request % X, got % X", want, buf[:n])
	}
}

func TestDashboard_InvalidFrameKeepsInput(t *testing.T) {
	m, _ := newTestDashboard(t)

	m = typeText(m, "XYZ")
	m = pressKey(m, tea.KeyEnter)

	if m.inputErr == "" {
		t.Error("Expected an input error")
	}
	if m.input.Value() != "XYZ" {
		t.Errorf("Input should be kept, got %q", m.input.Value())
	}
	if len(m.eventLog) != 0 {
		t.Errorf("Nothing should be logged, got %d entries", len(m.eventLog))
	}
}

func TestDashboard_ResetRequest(t *testing.T) {
	m, q := newTestDashboard(t)
	m = pressKey(m, tea.KeyCtrlR)

	buf := make([]byte, 4)
	if n, _ := q.Read(buf); n != 1 || buf[0] != tpuart.ResetReq {
		t.Errorf("Expected U_Reset.request, got % X", buf[:n])
	}
}

func TestDashboard_EventLog(t *testing.T) {
	m, _ := newTestDashboard(t)
	m.maxLogEntries = 3

	for i := 0; i < 5; i++ {
		next, _ := m.Update(eventMsg(gateway.Event{Kind: gateway.EventFrameSent, Attempt: i + 1}))
		m = next.(dashboardModel)
	}
	next, _ := m.Update(eventMsg(gateway.Event{Kind: gateway.EventRetriesExhausted}))
	m = next.(dashboardModel)

	if len(m.eventLog) != 3 {
		t.Fatalf("Expected log trimmed to 3 entries, got %d", len(m.eventLog))
	}
	if last := m.eventLog[2]; last.kind != entryError {
		t.Errorf("Failure event should be logged as an error: %+v", last)
	}
	if !strings.Contains(m.View(), "RETRIES_EXHAUSTED") {
		t.Error("View should show the latest event")
	}
}

func TestHostQueue_CloseEndsReads(t *testing.T) {
	q := newHostQueue()
	q.Close()
	q.Close()

	if _, err := q.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("Expected io.EOF after close, got %v", err)
	}
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0 seconds"},
		{time.Second, "1 second"},
		{90 * time.Second, "1 minute and 30 seconds"},
		{26*time.Hour + 2*time.Minute + 5*time.Second, "1 day, 2 hours, 2 minutes, and 5 seconds"},
	}
	for _, tt := range tests {
		if got := formatUptime(tt.d); got != tt.want {
			t.Errorf("%v: expected %q, got %q", tt.d, tt.want, got)
		}
	}
}
