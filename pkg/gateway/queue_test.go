// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package gateway

import (
	"errors"
	"strings"
	"testing"

	"github.com/Thermoquad/tpbridge/pkg/tpuart"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// testFrame builds a valid standard frame whose last TPDU byte is n
func testFrame(t *testing.T, n byte) []byte {
	t.Helper()
	frame, err := tpuart.BuildFrame(0xBC, 0x1101, 0x0901, true, 6, []byte{0x00, 0x80 | n&0x3F})
	if err != nil {
		t.Fatalf("BuildFrame failed: %v", err)
	}
	return frame
}

// ============================================================
// Queue Tests
// ============================================================

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue(50, 80, nil)

	for i := 0; i < 5; i++ {
		if err := q.Enqueue(testFrame(t, byte(i))); err != nil {
			t.Fatalf("Enqueue %d failed: %v", i, err)
		}
	}
	if q.Len() != 5 {
		t.Errorf("Expected 5 queued, got %d", q.Len())
	}

	for i := 0; i < 5; i++ {
		f, ok := q.Dequeue()
		if !ok {
			t.Fatalf("Dequeue %d: queue empty", i)
		}
		want, _ := tpuart.NewFrame(testFrame(t, byte(i)))
		if !f.Equal(want) {
			t.Errorf("Dequeue %d: expected %s, got %s", i, want, f)
		}
	}

	if _, ok := q.Dequeue(); ok {
		t.Error("Dequeue on empty queue should fail")
	}
}

func TestQueue_Bounded(t *testing.T) {
	q := NewQueue(50, 80, nil)

	for i := 0; i < 50; i++ {
		if err := q.Enqueue(testFrame(t, byte(i))); err != nil {
			t.Fatalf("Enqueue %d failed: %v", i, err)
		}
	}

	err := q.Enqueue(testFrame(t, 50))
	if !errors.Is(err, tpuart.ErrBufferFull) {
		t.Fatalf("Expected ErrBufferFull on 51st enqueue, got %v", err)
	}
	if q.Len() != 50 {
		t.Errorf("Failed enqueue changed occupancy: %d", q.Len())
	}

	// the oldest frame is still at the head
	f, _ := q.Dequeue()
	want, _ := tpuart.NewFrame(testFrame(t, 0))
	if !f.Equal(want) {
		t.Errorf("Expected head %s, got %s", want, f)
	}
}

func TestQueue_InvalidFrame(t *testing.T) {
	q := NewQueue(4, 80, nil)

	if err := q.Enqueue(nil); !errors.Is(err, tpuart.ErrInvalidParam) {
		t.Errorf("Expected ErrInvalidParam for empty frame, got %v", err)
	}
	if err := q.Enqueue(make([]byte, tpuart.MaxFrameSize+1)); !errors.Is(err, tpuart.ErrInvalidParam) {
		t.Errorf("Expected ErrInvalidParam for oversized frame, got %v", err)
	}
	if q.Len() != 0 {
		t.Errorf("Expected empty queue, got %d", q.Len())
	}
}

func TestQueue_SlotReuse(t *testing.T) {
	q := NewQueue(2, 80, nil)

	long := make([]byte, tpuart.MaxFrameSize)
	for i := range long {
		long[i] = 0xAA
	}
	short := []byte{0x01, 0x02}

	// wrap around so the short frame lands in the slot the long one used
	q.Enqueue(long)
	q.Dequeue()
	q.Enqueue(short)
	q.Enqueue(short)
	q.Dequeue()
	q.Enqueue(short)

	for q.Len() > 0 {
		f, _ := q.Dequeue()
		if f.Len() != 2 || f.Bytes()[0] != 0x01 {
			t.Errorf("Expected short frame, got %s", f)
		}
	}
}

func TestQueue_NearlyFull(t *testing.T) {
	q := NewQueue(50, 80, nil)

	for i := 0; i < 39; i++ {
		q.Enqueue(testFrame(t, byte(i)))
	}
	if q.NearlyFull() {
		t.Error("39 of 50 should not be nearly full")
	}
	q.Enqueue(testFrame(t, 39))
	if !q.NearlyFull() {
		t.Error("40 of 50 should be nearly full")
	}

	q.Reset()
	if q.Len() != 0 || q.NearlyFull() {
		t.Error("Reset should empty the queue")
	}
	if q.Cap() != 50 {
		t.Errorf("Expected capacity 50, got %d", q.Cap())
	}
}

func TestQueue_NearlyFullWarnsOnRisingEdge(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	q := NewQueue(50, 80, zap.New(core))

	for i := 0; i < 45; i++ {
		q.Enqueue(testFrame(t, byte(i)))
	}
	warnings := logs.FilterLevelExact(zapcore.WarnLevel).FilterMessage("transmit queue nearly full")
	if warnings.Len() != 1 {
		t.Fatalf("Expected one warning while filling, got %d", warnings.Len())
	}
	if got := warnings.All()[0].ContextMap()["queued"]; got != int64(40) {
		t.Errorf("Expected warning at 40 queued, got %v", got)
	}

	// drain below the threshold and climb back
	for i := 0; i < 10; i++ {
		q.Dequeue()
	}
	for i := 0; i < 5; i++ {
		q.Enqueue(testFrame(t, byte(i)))
	}
	if n := logs.FilterLevelExact(zapcore.WarnLevel).Len(); n != 2 {
		t.Errorf("Expected a second warning after crossing again, got %d", n)
	}
}

// ============================================================
// Statistics Tests
// ============================================================

func TestStatistics_Counts(t *testing.T) {
	st := NewStatistics()

	for _, k := range []EventKind{
		EventFrameQueued, EventFrameQueued, EventFrameSent, EventRetry,
		EventFrameSent, EventFrameConfirmed, EventBusFrame, EventAckSent,
		EventValidationFailure, EventBusFrameRejected,
	} {
		st.HandleEvent(Event{Kind: k})
	}

	snap := st.Snapshot()
	if snap.FramesQueued != 2 || snap.FramesSent != 2 || snap.Retries != 1 || snap.FramesConfirmed != 1 {
		t.Errorf("Unexpected transmit counters: %+v", snap)
	}
	if snap.BusFrames != 1 || snap.AcksSent != 1 {
		t.Errorf("Unexpected bus counters: %+v", snap)
	}
	if snap.Errors() != 2 {
		t.Errorf("Expected 2 errors, got %d", snap.Errors())
	}

	out := snap.String()
	for _, want := range []string{"Frames Queued:", "Confirmed:", "Invalid Frame:", "Checksum:"} {
		if !strings.Contains(out, want) {
			t.Errorf("Summary missing %q:\n%s", want, out)
		}
	}

	st.Reset()
	if st.Snapshot().FramesQueued != 0 {
		t.Error("Reset should clear counters")
	}
}
