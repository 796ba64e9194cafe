// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tp1

import (
	"errors"
	"testing"
	"time"

	"github.com/Thermoquad/tpbridge/pkg/phy"
	"github.com/Thermoquad/tpbridge/pkg/phy/sim"
)

func newLine(t *testing.T) (*sim.Wire, *Receiver) {
	t.Helper()
	w := sim.New()
	r := NewReceiver(w)
	w.Attach(r)
	return w, r
}

func drain(r *Receiver) []byte {
	var out []byte
	for {
		b, ok := r.Pop()
		if !ok {
			return out
		}
		out = append(out, b.Value)
	}
}

// ============================================================
// Encoder Tests
// ============================================================

func TestEncodeByte_Layout(t *testing.T) {
	// 0x01: start(0), d0=1, d1..d7=0, parity=1 (one "1" bit), stop + 2 idle
	train := EncodeByte(nil, 0x01)
	expected := phy.PulseTrain{35, 0, 35, 35, 35, 35, 35, 35, 35, 0, 0, 0, 0}

	if len(train) != SlotsPerByte {
		t.Fatalf("Expected %d slots, got %d", SlotsPerByte, len(train))
	}
	for i := range expected {
		if train[i] != expected[i] {
			t.Errorf("Slot %d: expected %d, got %d", i, expected[i], train[i])
		}
	}
}

func TestEncodeByte_EvenParity(t *testing.T) {
	for v := 0; v < 256; v++ {
		train := EncodeByte(nil, byte(v))
		zeros := 0
		for i := 1; i <= 9; i++ {
			if train[i] != 0 {
				zeros++
			}
		}
		// data + parity carry an even number of "1" bits, so an odd count
		// of the nine slots is a pulse
		if (9-zeros)%2 != 0 {
			t.Errorf("0x%02X: odd number of ones across data and parity", v)
		}
	}
}

func TestEncodeFrame_Length(t *testing.T) {
	frame := []byte{0xBC, 0x11, 0x01, 0x09, 0x01, 0xE1, 0x00, 0x81, 0x00}
	train := EncodeFrame(frame)
	if len(train) != len(frame)*SlotsPerByte {
		t.Errorf("Expected %d slots, got %d", len(frame)*SlotsPerByte, len(train))
	}
	if train.Duration() != Airtime(len(frame)) {
		t.Errorf("Train duration %v does not match airtime %v", train.Duration(), Airtime(len(frame)))
	}
}

// ============================================================
// Receiver Tests
// ============================================================

func TestReceiver_RoundTripAllValues(t *testing.T) {
	w, r := newLine(t)

	at := time.Duration(0)
	for v := 0; v < 256; v++ {
		w.Inject(at, EncodeByte(nil, byte(v)))
		at += Airtime(1)
		w.Advance(at)

		got := drain(r)
		if len(got) != 1 || got[0] != byte(v) {
			t.Fatalf("0x%02X: decoded %X", v, got)
		}
	}

	stats := r.Stats()
	if stats.Bytes != 256 || stats.ParityErrors != 0 || stats.FramingErrors != 0 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestReceiver_BackToBackFrame(t *testing.T) {
	w, r := newLine(t)
	frame := []byte{0xBC, 0x11, 0x05, 0x0A, 0x03, 0xE1, 0x00, 0x81, 0x2E}

	w.Inject(0, EncodeFrame(frame))
	w.Advance(Airtime(len(frame)) + time.Millisecond)

	got := drain(r)
	if string(got) != string(frame) {
		t.Errorf("Expected %X, got %X", frame, got)
	}
}

func TestReceiver_ParityErrorDropsSilently(t *testing.T) {
	w, r := newLine(t)

	train := EncodeByte(nil, 0x55)
	// flip the parity slot
	if train[9] == 0 {
		train[9] = ZeroPulseUS
	} else {
		train[9] = 0
	}
	w.Inject(0, train)
	w.Advance(2 * time.Millisecond)

	if got := drain(r); len(got) != 0 {
		t.Errorf("Expected no bytes after parity error, got %X", got)
	}
	if r.Stats().ParityErrors != 1 {
		t.Errorf("Expected 1 parity error, got %d", r.Stats().ParityErrors)
	}

	// The receiver resynchronises on the next character
	w.Inject(3*time.Millisecond, EncodeByte(nil, 0xA7))
	w.Advance(5 * time.Millisecond)
	if got := drain(r); len(got) != 1 || got[0] != 0xA7 {
		t.Errorf("Expected 0xA7 after resync, got %X", got)
	}
}

func TestReceiver_MissingStartBit(t *testing.T) {
	w, r := newLine(t)

	// 80us is outside the "0" pulse window
	w.Inject(0, phy.PulseTrain{80})
	w.Advance(2 * time.Millisecond)

	if got := drain(r); len(got) != 0 {
		t.Errorf("Expected no bytes, got %X", got)
	}
	if r.Stats().FramingErrors != 1 {
		t.Errorf("Expected 1 framing error, got %d", r.Stats().FramingErrors)
	}
	if w.Running() {
		t.Error("Tick source should be stopped after an invalid start bit")
	}
}

func TestReceiver_StopBitLow(t *testing.T) {
	w, r := newLine(t)

	train := EncodeByte(nil, 0x00)
	train[10] = ZeroPulseUS
	w.Inject(0, train)
	w.Advance(2 * time.Millisecond)

	if got := drain(r); len(got) != 0 {
		t.Errorf("Expected character to be dropped, got %X", got)
	}
	if r.Stats().FramingErrors != 1 {
		t.Errorf("Expected 1 framing error, got %d", r.Stats().FramingErrors)
	}
}

func TestReceiver_PulseWidthWindow(t *testing.T) {
	tests := []struct {
		name  string
		width uint16
		zero  bool
	}{
		{"below window", 20, false},
		{"lower bound", 25, true},
		{"nominal", 35, true},
		{"upper bound", 55, true},
		{"above window", 60, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, r := newLine(t)

			// 0xFE: d0 is the bit under test, all others are "1"
			train := EncodeByte(nil, 0xFF)
			train[1] = tt.width
			if tt.zero {
				// 0xFE has seven ones, so its parity bit is "1"
				train[9] = 0
			}
			w.Inject(0, train)
			w.Advance(2 * time.Millisecond)

			got := drain(r)
			if tt.zero {
				if len(got) != 1 || got[0] != 0xFE {
					t.Errorf("Expected 0xFE, got %X", got)
				}
			} else if len(got) != 1 || got[0] != 0xFF {
				t.Errorf("Expected 0xFF, got %X", got)
			}
		})
	}
}

func TestReceiver_Busy(t *testing.T) {
	w, r := newLine(t)

	if r.Busy(0) {
		t.Error("Idle receiver should not report busy")
	}

	w.Inject(0, EncodeByte(nil, 0xFF))
	w.Advance(500 * time.Microsecond)
	if !r.Busy(w.Now()) {
		t.Error("Receiver should be busy mid-character")
	}

	w.Advance(2 * time.Millisecond)
	// last edge of 0xFF is the falling edge of the parity pulse at 971us
	if !r.Busy(4900 * time.Microsecond) {
		t.Error("Receiver should be busy within 4ms of the last edge")
	}
	if r.Busy(5 * time.Millisecond) {
		t.Error("Receiver should be idle 4ms after the last edge")
	}
}

func TestReceiver_Overrun(t *testing.T) {
	w := sim.New()
	r := NewReceiver(w, WithFIFOSize(2))
	w.Attach(r)

	w.Inject(0, EncodeFrame([]byte{0x01, 0x02, 0x03}))
	w.Advance(Airtime(3) + time.Millisecond)

	if got := drain(r); len(got) != 2 {
		t.Errorf("Expected 2 bytes, got %X", got)
	}
	if r.Stats().Overruns != 1 {
		t.Errorf("Expected 1 overrun, got %d", r.Stats().Overruns)
	}
}

// ============================================================
// Transmitter Tests
// ============================================================

func TestTransmitter_LoopbackEcho(t *testing.T) {
	w, r := newLine(t)
	tx := NewTransmitter(w, 0, nil)

	frame := []byte{0xBC, 0x11, 0x01, 0x09, 0x01, 0xE1, 0x00, 0x81, 0x3B}
	if err := tx.Send(frame); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !tx.Busy() {
		t.Error("Transmitter should be busy right after Send")
	}

	w.Advance(Airtime(len(frame)) + time.Millisecond)
	if got := drain(r); string(got) != string(frame) {
		t.Errorf("Expected echo %X, got %X", frame, got)
	}
}

func TestTransmitter_RejectsWhileBusy(t *testing.T) {
	w, _ := newLine(t)
	tx := NewTransmitter(w, 0, nil)

	if err := tx.Send([]byte{0x01}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := tx.Send([]byte{0x02}); !errors.Is(err, ErrOutputBusy) {
		t.Errorf("Expected ErrOutputBusy, got %v", err)
	}
}

func TestTransmitter_InvalidLength(t *testing.T) {
	w, _ := newLine(t)
	tx := NewTransmitter(w, 0, nil)

	if err := tx.Send(nil); !errors.Is(err, ErrFrameLength) {
		t.Errorf("Expected ErrFrameLength for empty frame, got %v", err)
	}
	if err := tx.Send(make([]byte, MaxFrameBytes+1)); !errors.Is(err, ErrFrameLength) {
		t.Errorf("Expected ErrFrameLength for oversized frame, got %v", err)
	}
}

func TestTransmitter_SafeModeAfterRecoveryAttempts(t *testing.T) {
	w, _ := newLine(t)
	w.FailEmits(100)
	tx := NewTransmitter(w, 5, nil)

	for i := 1; i <= 5; i++ {
		if err := tx.Send([]byte{0x01}); !errors.Is(err, ErrHardware) {
			t.Fatalf("Attempt %d: expected ErrHardware, got %v", i, err)
		}
	}
	if w.Reinits() != 5 {
		t.Errorf("Expected 5 reinit attempts, got %d", w.Reinits())
	}

	if err := tx.Send([]byte{0x01}); !errors.Is(err, ErrSafeMode) {
		t.Fatalf("Expected ErrSafeMode, got %v", err)
	}
	if !tx.SafeMode() {
		t.Error("Transmitter should report safe mode")
	}

	w.FailEmits(0)
	if err := tx.SendAck(0xCC); !errors.Is(err, ErrSafeMode) {
		t.Errorf("Safe mode should persist, got %v", err)
	}
}

func TestTransmitter_SuccessResetsFailureCount(t *testing.T) {
	w, _ := newLine(t)
	tx := NewTransmitter(w, 2, nil)

	w.FailEmits(2)
	tx.Send([]byte{0x01})
	tx.Send([]byte{0x01})
	if err := tx.Send([]byte{0x01}); err != nil {
		t.Fatalf("Expected success after recovery, got %v", err)
	}

	w.Advance(Airtime(1) + time.Millisecond)
	w.FailEmits(2)
	tx.Send([]byte{0x01})
	tx.Send([]byte{0x01})
	if tx.SafeMode() {
		t.Error("Failures separated by a success should not trigger safe mode")
	}
}
