// Package buffer provides the terminal history buffer used for hot restore.
package buffer

import (
	"sync"
)

// RingBuffer is a thread-safe circular buffer holding the most recent
// terminal output up to a fixed capacity. Older bytes are discarded as new
// bytes arrive.
//
// The buffer also tracks the total number of bytes ever written (the
// stream offset) so a reconnecting client can ask for only the bytes it
// missed via ReadFrom.
type RingBuffer struct {
	data     []byte
	capacity int
	written  uint64
	mu       sync.RWMutex
}

// NewRingBuffer creates a new RingBuffer with the specified capacity.
// The capacity must be greater than 0; if not, it defaults to 1.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{
		data:     make([]byte, 0, capacity),
		capacity: capacity,
	}
}

// Write appends p, discarding the oldest bytes when capacity is exceeded.
// It implements io.Writer and never fails.
func (rb *RingBuffer) Write(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.written += uint64(len(p))

	if len(p) >= rb.capacity {
		rb.data = append(rb.data[:0], p[len(p)-rb.capacity:]...)
		return len(p), nil
	}

	if overflow := len(rb.data) + len(p) - rb.capacity; overflow > 0 {
		// Shift the retained tail to the front and reuse the backing array.
		kept := copy(rb.data, rb.data[overflow:])
		rb.data = rb.data[:kept]
	}
	rb.data = append(rb.data, p...)

	return len(p), nil
}

// ReadFrom returns a copy of the retained bytes written at or after the
// given stream offset, together with the current offset. If offset is
// older than the oldest retained byte, everything retained is returned.
// Returns nil data when offset is at or beyond the current offset.
func (rb *RingBuffer) ReadFrom(offset uint64) ([]byte, uint64) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if offset >= rb.written || len(rb.data) == 0 {
		return nil, rb.written
	}

	oldest := rb.written - uint64(len(rb.data))
	start := 0
	if offset > oldest {
		start = int(offset - oldest)
	}

	result := make([]byte, len(rb.data)-start)
	copy(result, rb.data[start:])
	return result, rb.written
}

// Offset returns the total number of bytes ever written.
func (rb *RingBuffer) Offset() uint64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.written
}

// Len returns the current number of bytes in the buffer.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	return len(rb.data)
}
