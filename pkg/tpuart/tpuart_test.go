// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tpuart

import (
	"errors"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"
)

// sampleFrame is a group write of 0x01 from 1.1.1 to 1/1/1
func sampleFrame(t *testing.T) []byte {
	t.Helper()
	frame, err := BuildFrame(0xBC, 0x1101, 0x0901, true, 6, []byte{0x00, 0x81})
	if err != nil {
		t.Fatalf("BuildFrame failed: %v", err)
	}
	return frame
}

func getFuzzRounds() int {
	if envRounds := os.Getenv("FUZZ_ROUNDS"); envRounds != "" {
		if rounds, err := strconv.Atoi(envRounds); err == nil && rounds > 0 {
			return rounds
		}
	}
	return 1000
}

func newFuzzRng(t *testing.T) *rand.Rand {
	seed := time.Now().UnixNano()
	if envSeed := os.Getenv("FUZZ_SEED"); envSeed != "" {
		if s, err := strconv.ParseInt(envSeed, 10, 64); err == nil {
			seed = s
		}
	}
	t.Logf("Seed: %d (reproduce with FUZZ_SEED=%d)", seed, seed)
	return rand.New(rand.NewSource(seed))
}

// randomFrame builds a valid standard frame with a random payload
func randomFrame(rng *rand.Rand) []byte {
	tpdu := make([]byte, 1+rng.Intn(16))
	rng.Read(tpdu)
	frame, _ := BuildFrame(0xB0|byte(rng.Intn(4))<<2, uint16(rng.Intn(0x10000)), uint16(rng.Intn(0x10000)),
		rng.Intn(2) == 1, byte(rng.Intn(8)), tpdu)
	return frame
}

// ============================================================
// Checksum Tests
// ============================================================

func TestChecksum_KnownValue(t *testing.T) {
	// XOR of the bytes is 0xC1, inverted 0x3E
	data := []byte{0xBC, 0x11, 0x05, 0x0A, 0x03, 0xE1, 0x00, 0x81}
	if got := Checksum(data); got != 0x3E {
		t.Errorf("Expected 0x3E, got 0x%02X", got)
	}
}

func TestChecksum_Empty(t *testing.T) {
	if got := Checksum(nil); got != 0xFF {
		t.Errorf("Checksum of empty data should be 0xFF, got 0x%02X", got)
	}
}

func TestChecksum_RoundTrip(t *testing.T) {
	rng := newFuzzRng(t)
	for i := 0; i < getFuzzRounds(); i++ {
		data := make([]byte, 1+rng.Intn(MaxFrameSize-1))
		rng.Read(data)
		frame := AppendChecksum(data)
		if frame[len(frame)-1] != Checksum(frame[:len(frame)-1]) {
			t.Fatalf("Round %d: check byte does not verify for % X", i, frame)
		}
	}
}

func TestChecksum_DetectsSingleBitFlip(t *testing.T) {
	rng := newFuzzRng(t)
	for i := 0; i < getFuzzRounds(); i++ {
		frame := randomFrame(rng)
		pos := rng.Intn(len(frame) - 1)
		frame[pos] ^= 1 << uint(rng.Intn(8))
		if frame[len(frame)-1] == Checksum(frame[:len(frame)-1]) {
			t.Fatalf("Round %d: bit flip at byte %d not detected", i, pos)
		}
	}
}

// ============================================================
// Validator Tests
// ============================================================

func TestValidator_Results(t *testing.T) {
	good := sampleFrame(t)

	badChecksum := append([]byte(nil), good...)
	badChecksum[len(badChecksum)-1] ^= 0xFF

	wrongNibble := append([]byte(nil), good...)
	wrongNibble[5] = (wrongNibble[5] & 0xF0) | 0x03
	wrongNibble = AppendChecksum(wrongNibble[:len(wrongNibble)-1])

	tests := []struct {
		name     string
		frame    []byte
		expected ValidationResult
	}{
		{"valid", good, Valid},
		{"empty", nil, InvalidLength},
		{"too short", good[:6], InvalidLength},
		{"too long", make([]byte, MaxFrameSize+1), InvalidLength},
		{"length nibble mismatch", wrongNibble, InvalidLength},
		{"bad checksum", badChecksum, ChecksumError},
	}

	var v *Validator
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := v.Validate(tt.frame); got != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestValidator_LengthInvariant(t *testing.T) {
	rng := newFuzzRng(t)
	for i := 0; i < getFuzzRounds(); i++ {
		frame := randomFrame(rng)
		if len(frame) != 6+int(frame[5]&0x0F)+2 {
			t.Fatalf("Round %d: length %d does not match nibble", i, len(frame))
		}
		if len(frame) < MinFrameSize || len(frame) > MaxFrameSize {
			t.Fatalf("Round %d: length %d out of range", i, len(frame))
		}
		if err := ValidateFrame(frame); err != nil {
			t.Fatalf("Round %d: %v", i, err)
		}
	}
}

func TestValidator_Hooks(t *testing.T) {
	frame := sampleFrame(t)

	v := &Validator{CheckControl: func(c byte) bool { return c&0x10 == 0 }}
	if got := v.Validate(frame); got != InvalidControl {
		t.Errorf("Expected InvalidControl, got %s", got)
	}

	v = &Validator{CheckAddress: func(src, dst uint16) bool { return src != 0x1101 }}
	if got := v.Validate(frame); got != InvalidAddress {
		t.Errorf("Expected InvalidAddress, got %s", got)
	}
}

func TestValidateFrame_WrapsSentinel(t *testing.T) {
	frame := sampleFrame(t)
	frame[len(frame)-1]++
	if err := ValidateFrame(frame); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("Expected ErrChecksumMismatch, got %v", err)
	}
	if err := ValidateFrame(frame[:3]); !errors.Is(err, ErrInvalidLength) {
		t.Errorf("Expected ErrInvalidLength, got %v", err)
	}
}

func TestValidationResult_String(t *testing.T) {
	if Valid.String() != "Valid" || ChecksumError.String() != "Checksum error" {
		t.Error("Unexpected result names")
	}
	if ValidationResult(99).String() != "Unknown error" {
		t.Error("Unknown results should be named as such")
	}
}

// ============================================================
// Frame Tests
// ============================================================

func TestFrame_ValueSemantics(t *testing.T) {
	src := sampleFrame(t)
	f, err := NewFrame(src)
	if err != nil {
		t.Fatalf("NewFrame failed: %v", err)
	}

	src[0] = 0x00
	if f.Control() != 0xBC {
		t.Error("Frame must not alias the source slice")
	}

	g := f
	b := g.Bytes()
	b[1] = 0xFF
	if !f.Equal(g) || g.Bytes()[1] == 0xFF {
		t.Error("Bytes must return a copy")
	}
}

func TestFrame_Accessors(t *testing.T) {
	f, _ := NewFrame(sampleFrame(t))

	if f.Source() != 0x1101 || f.Destination() != 0x0901 {
		t.Errorf("Unexpected addresses %04X -> %04X", f.Source(), f.Destination())
	}
	if !f.GroupAddressed() {
		t.Error("Expected group destination")
	}
	if f.Extended() {
		t.Error("Expected standard frame")
	}
	if p := f.Payload(); len(p) != 2 || p[1] != 0x81 {
		t.Errorf("Unexpected payload % X", p)
	}
}

func TestFrame_Equal(t *testing.T) {
	a, _ := NewFrame([]byte{1, 2, 3})
	b, _ := NewFrame([]byte{1, 2, 3})
	c, _ := NewFrame([]byte{1, 2})
	d, _ := NewFrame([]byte{1, 2, 4})

	if !a.Equal(b) {
		t.Error("Identical frames should be equal")
	}
	if a.Equal(c) || a.Equal(d) {
		t.Error("Frames differing in length or content should not be equal")
	}
}

func TestNewFrame_Bounds(t *testing.T) {
	if _, err := NewFrame(nil); !errors.Is(err, ErrInvalidLength) {
		t.Errorf("Expected ErrInvalidLength, got %v", err)
	}
	if _, err := NewFrame(make([]byte, MaxFrameSize+1)); !errors.Is(err, ErrInvalidLength) {
		t.Errorf("Expected ErrInvalidLength, got %v", err)
	}
}

// ============================================================
// Host Request Encoder Tests
// ============================================================

func TestEncodeDataRequest(t *testing.T) {
	frame := AppendChecksum([]byte{0xBC, 0x11, 0x01, 0x09, 0x01, 0xE1, 0x00, 0x81})

	req, err := EncodeDataRequest(frame)
	if err != nil {
		t.Fatalf("EncodeDataRequest failed: %v", err)
	}

	if len(req) != len(frame)*2 {
		t.Fatalf("Expected %d bytes, got %d", len(frame)*2, len(req))
	}
	if req[0] != DataStartReq || req[1] != frame[0] {
		t.Errorf("Unexpected start % X", req[:2])
	}
	for i := 1; i < len(frame)-1; i++ {
		if req[2*i] != DataContReq|byte(i) || req[2*i+1] != frame[i] {
			t.Errorf("Byte %d: unexpected % X", i, req[2*i:2*i+2])
		}
	}
	last := len(frame) - 1
	if req[2*last] != DataEndReq|byte(last) {
		t.Errorf("Expected end request 0x%02X, got 0x%02X", DataEndReq|byte(last), req[2*last])
	}
}

func TestAckByte(t *testing.T) {
	tests := []struct {
		flags    byte
		expected byte
	}{
		{0x00, 0},
		{AckAddressed, BusAck},
		{AckBusy, BusBusy},
		{AckBusy | AckAddressed, BusBusy},
		{AckNack, BusNack},
		{AckNack | AckBusy | AckAddressed, BusNack},
	}
	for _, tt := range tests {
		if got := AckByte(tt.flags); got != tt.expected {
			t.Errorf("AckByte(0x%X): expected 0x%02X, got 0x%02X", tt.flags, tt.expected, got)
		}
	}
}

// ============================================================
// Indication Decoder Tests
// ============================================================

func TestDecoder_Stream(t *testing.T) {
	frame := sampleFrame(t)
	stream := append([]byte{}, frame...)
	stream = append(stream, BusAck, DataCon|DataConSuccess, DataCon, ResetInd, StateInd|StateReceiveError)

	d := NewDecoder()
	var got []*Indication
	for _, b := range stream {
		ind, err := d.DecodeByte(b)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if ind != nil {
			got = append(got, ind)
		}
	}

	kinds := []IndicationKind{IndFrame, IndRaw, IndConfirm, IndConfirm, IndReset, IndState}
	if len(got) != len(kinds) {
		t.Fatalf("Expected %d indications, got %d", len(kinds), len(got))
	}
	for i, k := range kinds {
		if got[i].Kind != k {
			t.Errorf("Indication %d: expected %s, got %s", i, k, got[i].Kind)
		}
	}
	if !got[2].Success() || got[3].Success() {
		t.Error("Confirmation polarity decoded incorrectly")
	}
	if !strings.Contains(FormatIndication(got[0]), "1.1.1 -> 1/1/1") {
		t.Errorf("Unexpected frame format: %s", FormatIndication(got[0]))
	}
	if !strings.Contains(FormatIndication(got[5]), "RECEIVE_ERROR") {
		t.Errorf("Unexpected state format: %s", FormatIndication(got[5]))
	}
}

func TestDecoder_ChecksumError(t *testing.T) {
	frame := sampleFrame(t)
	frame[len(frame)-1] ^= 0x01

	d := NewDecoder()
	var err error
	for _, b := range frame {
		_, err = d.DecodeByte(b)
	}
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("Expected ErrChecksumMismatch, got %v", err)
	}
}

func TestDecoder_ExtendedFrame(t *testing.T) {
	// control, extended control, source, destination, length 2, three TPDU bytes
	frame := AppendChecksum([]byte{0x10, 0xF0, 0x11, 0x01, 0x09, 0x01, 0x02, 0x00, 0x80, 0x01})

	d := NewDecoder()
	var ind *Indication
	for _, b := range frame {
		var err error
		ind, err = d.DecodeByte(b)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}
	if ind == nil || ind.Kind != IndFrame || !ind.Frame.Extended() {
		t.Fatalf("Expected extended frame indication, got %+v", ind)
	}
	if ind.Frame.Source() != 0x1101 {
		t.Errorf("Unexpected source %04X", ind.Frame.Source())
	}
}

func TestCharTime(t *testing.T) {
	tests := []struct {
		baud int
		want time.Duration
	}{
		{19200, 572916 * time.Nanosecond},
		{9600, 1145833 * time.Nanosecond},
		{0, 572916 * time.Nanosecond},
	}

	for _, tt := range tests {
		if got := CharTime(tt.baud); got != tt.want {
			t.Errorf("CharTime(%d) = %v, want %v", tt.baud, got, tt.want)
		}
	}
}

func TestFormatAddresses(t *testing.T) {
	if s := FormatIndividualAddress(0x1105); s != "1.1.5" {
		t.Errorf("Expected 1.1.5, got %s", s)
	}
	if s := FormatGroupAddress(0x0A03); s != "1/2/3" {
		t.Errorf("Expected 1/2/3, got %s", s)
	}
}

func TestParseAddresses(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		group   bool
		want    uint16
		wantErr bool
	}{
		{"individual", "1.1.5", false, 0x1105, false},
		{"individual max", "15.15.255", false, 0xFFFF, false},
		{"individual area too large", "16.1.1", false, 0, true},
		{"individual wrong form", "1/1/5", false, 0, true},
		{"group three level", "1/2/3", true, 0x0A03, false},
		{"group two level", "1/515", true, 0x0A03, false},
		{"group main too large", "32/0/1", true, 0, true},
		{"group not a number", "1/x/3", true, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got uint16
			var err error
			if tt.group {
				got, err = ParseGroupAddress(tt.in)
			} else {
				got, err = ParseIndividualAddress(tt.in)
			}

			if tt.wantErr {
				if !errors.Is(err, ErrInvalidAddress) {
					t.Errorf("Expected ErrInvalidAddress, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected 0x%04X, got 0x%04X", tt.want, got)
			}
		})
	}

	// formatting and parsing agree
	if a, _ := ParseIndividualAddress(FormatIndividualAddress(0x2A17)); a != 0x2A17 {
		t.Errorf("Individual address round trip gave 0x%04X", a)
	}
	if a, _ := ParseGroupAddress(FormatGroupAddress(0x7C21)); a != 0x7C21 {
		t.Errorf("Group address round trip gave 0x%04X", a)
	}
}
