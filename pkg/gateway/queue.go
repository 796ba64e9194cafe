// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package gateway

import (
	"fmt"
	"sync"

	"github.com/Thermoquad/tpbridge/pkg/tpuart"
	"go.uber.org/zap"
)

type queueSlot struct {
	data [tpuart.MaxFrameSize]byte
	n    int
}

// Queue is the bounded FIFO of frames waiting for transmission. Frames are
// copied in and out; unused slot bytes are zeroed.
type Queue struct {
	mu           sync.Mutex
	slots        []queueSlot
	head         int
	tail         int
	count        int
	nearlyFullAt int
	logger       *zap.Logger
}

// NewQueue creates a queue holding up to capacity frames. The nearly-full
// threshold is nearlyFullPercent of capacity, rounded up.
func NewQueue(capacity, nearlyFullPercent int, logger *zap.Logger) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	threshold := (capacity*nearlyFullPercent + 99) / 100
	if threshold < 1 {
		threshold = 1
	}
	return &Queue{
		slots:        make([]queueSlot, capacity),
		nearlyFullAt: threshold,
		logger:       logger,
	}
}

// Enqueue appends a copy of frame
func (q *Queue) Enqueue(frame []byte) error {
	if len(frame) == 0 || len(frame) > tpuart.MaxFrameSize {
		return fmt.Errorf("%w: frame of %d bytes", tpuart.ErrInvalidParam, len(frame))
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == len(q.slots) {
		return fmt.Errorf("%w: %d frames queued", tpuart.ErrBufferFull, q.count)
	}

	slot := &q.slots[q.tail]
	slot.n = copy(slot.data[:], frame)
	clear(slot.data[slot.n:])
	q.tail = (q.tail + 1) % len(q.slots)
	q.count++

	if q.count == q.nearlyFullAt {
		q.logger.Warn("transmit queue nearly full",
			zap.Int("queued", q.count),
			zap.Int("capacity", len(q.slots)),
		)
	}
	return nil
}

// Dequeue removes the oldest frame
func (q *Queue) Dequeue() (tpuart.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return tpuart.Frame{}, false
	}

	slot := &q.slots[q.head]
	f, err := tpuart.NewFrame(slot.data[:slot.n])
	q.head = (q.head + 1) % len(q.slots)
	q.count--
	if err != nil {
		// Enqueue never stores an empty or oversized slot
		q.logger.Error("corrupt queue slot", zap.Error(err))
		return tpuart.Frame{}, false
	}
	return f, true
}

// Len returns the number of queued frames
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the queue capacity
func (q *Queue) Cap() int {
	return len(q.slots)
}

// NearlyFull reports whether occupancy has reached the warning threshold
func (q *Queue) NearlyFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count >= q.nearlyFullAt
}

// Reset drops every queued frame
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.slots {
		q.slots[i] = queueSlot{}
	}
	q.head = 0
	q.tail = 0
	q.count = 0
}
