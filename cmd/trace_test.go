// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/Thermoquad/tpbridge/pkg/gateway"
	"github.com/Thermoquad/tpbridge/pkg/trace"
)

func writeTestTrace(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w := trace.NewWriter(&buf)
	records := []trace.Record{
		{Kind: uint8(gateway.EventFrameQueued), At: time.Millisecond, Frame: []byte{0xBC, 0x11}},
		{Kind: uint8(gateway.EventFrameSent), At: 5 * time.Millisecond, Attempt: 1},
		{Kind: uint8(gateway.EventRetriesExhausted), At: 60 * time.Millisecond, Attempt: 4, Err: "no echo"},
	}
	for _, rec := range records {
		rec.Wall = time.Now()
		if err := w.Write(rec); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	return &buf
}

func TestDumpTrace(t *testing.T) {
	var out bytes.Buffer
	if err := dumpTrace(&out, writeTestTrace(t)); err != nil {
		t.Fatalf("dumpTrace failed: %v", err)
	}

	text := out.String()
	for _, want := range []string{"FRAME_QUEUED", "FRAME_SENT attempt=1", "RETRIES_EXHAUSTED attempt=4", ": no echo", "3 records"} {
		if !strings.Contains(text, want) {
			t.Errorf("Output missing %q:\n%s", want, text)
		}
	}
}

func TestDumpTrace_FailuresAndSummary(t *testing.T) {
	traceFailuresOnly, traceSummary = true, true
	defer func() { traceFailuresOnly, traceSummary = false, false }()

	var out bytes.Buffer
	if err := dumpTrace(&out, writeTestTrace(t)); err != nil {
		t.Fatalf("dumpTrace failed: %v", err)
	}

	text := out.String()
	if strings.Contains(text, "FRAME_SENT") {
		t.Errorf("Non-failure event shown with --failures:\n%s", text)
	}
	if !strings.Contains(text, "RETRIES_EXHAUSTED") {
		t.Errorf("Failure event missing:\n%s", text)
	}
	if !strings.Contains(text, "Frames Queued:          1") {
		t.Errorf("Summary missing queued count:\n%s", text)
	}
}

func TestDumpTrace_Malformed(t *testing.T) {
	var out bytes.Buffer
	if err := dumpTrace(&out, bytes.NewReader([]byte{0xFF, 0x00})); err == nil {
		t.Error("Expected error for a malformed trace")
	}
}
