// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package trace records gateway diagnostics as a stream of CBOR messages.
//
// Each message is a two element array [kind, fields] where fields is a map
// keyed by small integers. Unknown keys are ignored by the reader so new
// fields can be added without breaking old traces.
package trace

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Field keys
const (
	KeyAt      = 0 // bus time, nanoseconds
	KeyFrame   = 1
	KeyAttempt = 2
	KeyValue   = 3
	KeyError   = 4
	KeyWall    = 5 // wall clock, unix nanoseconds
)

// Record is one traced event
type Record struct {
	Kind    uint8
	At      time.Duration
	Wall    time.Time
	Frame   []byte
	Attempt int
	Value   byte
	Err     string
}

// Writer appends records to an underlying stream. It is safe for
// concurrent use.
type Writer struct {
	mu  sync.Mutex
	buf *bufio.Writer
	enc *cbor.Encoder
	n   int
}

// NewWriter creates a trace writer
func NewWriter(w io.Writer) *Writer {
	buf := bufio.NewWriter(w)
	return &Writer{buf: buf, enc: cbor.NewEncoder(buf)}
}

// Write encodes one record
func (w *Writer) Write(rec Record) error {
	fields := map[int]interface{}{
		KeyAt: int64(rec.At),
	}
	if !rec.Wall.IsZero() {
		fields[KeyWall] = rec.Wall.UnixNano()
	}
	if len(rec.Frame) > 0 {
		fields[KeyFrame] = rec.Frame
	}
	if rec.Attempt > 0 {
		fields[KeyAttempt] = uint64(rec.Attempt)
	}
	if rec.Value != 0 {
		fields[KeyValue] = uint64(rec.Value)
	}
	if rec.Err != "" {
		fields[KeyError] = rec.Err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode([]interface{}{uint64(rec.Kind), fields}); err != nil {
		return fmt.Errorf("encoding trace record: %w", err)
	}
	w.n++
	return nil
}

// Count returns the number of records written
func (w *Writer) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

// Flush writes buffered records to the underlying stream
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Flush()
}

// Reader decodes records written by Writer
type Reader struct {
	dec *cbor.Decoder
}

// NewReader creates a trace reader
func NewReader(r io.Reader) *Reader {
	return &Reader{dec: cbor.NewDecoder(bufio.NewReader(r))}
}

// Next returns the next record, or io.EOF at the end of the stream
func (r *Reader) Next() (Record, error) {
	var msg []interface{}
	if err := r.dec.Decode(&msg); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("failed to decode CBOR: %w", err)
	}
	return parseMessage(msg)
}

// parseMessage converts a decoded [kind, fields] array into a Record
func parseMessage(msg []interface{}) (Record, error) {
	var rec Record

	if len(msg) != 2 {
		return rec, fmt.Errorf("expected 2-element array, got %d elements", len(msg))
	}

	switch v := msg[0].(type) {
	case uint64:
		if v > 255 {
			return rec, fmt.Errorf("record kind out of range: %d", v)
		}
		rec.Kind = uint8(v)
	default:
		return rec, fmt.Errorf("expected uint for record kind, got %T", msg[0])
	}

	fields := make(map[int]interface{})
	switch v := msg[1].(type) {
	case nil:
	case map[interface{}]interface{}:
		for key, val := range v {
			switch k := key.(type) {
			case uint64:
				fields[int(k)] = val
			case int64:
				fields[int(k)] = val
			default:
				return rec, fmt.Errorf("expected integer map key, got %T", key)
			}
		}
	default:
		return rec, fmt.Errorf("expected map for record fields, got %T", msg[1])
	}

	if at, ok := getInt(fields, KeyAt); ok {
		rec.At = time.Duration(at)
	}
	if wall, ok := getInt(fields, KeyWall); ok {
		rec.Wall = time.Unix(0, wall)
	}
	if frame, ok := fields[KeyFrame].([]byte); ok {
		rec.Frame = frame
	}
	if attempt, ok := getInt(fields, KeyAttempt); ok {
		rec.Attempt = int(attempt)
	}
	if value, ok := getInt(fields, KeyValue); ok {
		rec.Value = byte(value)
	}
	if msg, ok := fields[KeyError].(string); ok {
		rec.Err = msg
	}
	return rec, nil
}

// getInt extracts an integer from a CBOR map by key
func getInt(m map[int]interface{}, key int) (int64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch val := v.(type) {
	case int64:
		return val, true
	case uint64:
		return int64(val), true
	}
	return 0, false
}
