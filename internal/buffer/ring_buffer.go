// Package buffer provides the replay buffer used for session output caching.
package buffer

const (
	// DefaultCeiling is the default number of most-recent bytes kept for replay.
	DefaultCeiling = 100_000

	// DefaultSlack is the default growth factor tolerated before trimming.
	DefaultSlack = 1.5
)

// RingBuffer keeps the most recent output of a session, up to a ceiling.
// Appends are cheap: the buffer is allowed to grow to ceiling*slack bytes
// and is then trimmed back to its newest ceiling bytes in one copy.
//
// RingBuffer is not safe for concurrent use. The owning session serializes
// writes (from its output pump) and snapshots (from attach) under one lock.
type RingBuffer struct {
	data    []byte
	ceiling int
	limit   int
}

// NewRingBuffer creates a RingBuffer with the given ceiling and slack factor.
// A ceiling <= 0 defaults to 1; a slack < 1 defaults to 1 (trim on every overflow).
func NewRingBuffer(ceiling int, slack float64) *RingBuffer {
	if ceiling <= 0 {
		ceiling = 1
	}
	if slack < 1 {
		slack = 1
	}
	limit := int(float64(ceiling) * slack)
	if limit < ceiling {
		limit = ceiling
	}
	return &RingBuffer{
		data:    make([]byte, 0, ceiling),
		ceiling: ceiling,
		limit:   limit,
	}
}

// Write appends p. When the buffered length exceeds the slack limit the oldest
// bytes are discarded so that exactly the newest ceiling bytes remain.
// This method implements io.Writer and never fails.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	// A single chunk bigger than the limit would be trimmed anyway.
	if len(p) > rb.limit {
		rb.data = append(rb.data[:0], p[len(p)-rb.ceiling:]...)
		return len(p), nil
	}

	rb.data = append(rb.data, p...)
	if len(rb.data) > rb.limit {
		rb.trim()
	}
	return len(p), nil
}

func (rb *RingBuffer) trim() {
	discard := len(rb.data) - rb.ceiling
	kept := make([]byte, rb.ceiling, rb.limit)
	copy(kept, rb.data[discard:])
	rb.data = kept
}

// Bytes returns a copy of the buffered data, oldest byte first.
func (rb *RingBuffer) Bytes() []byte {
	if len(rb.data) == 0 {
		return nil
	}
	out := make([]byte, len(rb.data))
	copy(out, rb.data)
	return out
}

// Reset discards all buffered data.
func (rb *RingBuffer) Reset() {
	rb.data = rb.data[:0]
}

// Len returns the current number of buffered bytes.
func (rb *RingBuffer) Len() int {
	return len(rb.data)
}

// Cap returns the ceiling of the buffer.
func (rb *RingBuffer) Cap() int {
	return rb.ceiling
}

// Limit returns the length at which the buffer is trimmed back to Cap.
func (rb *RingBuffer) Limit() int {
	return rb.limit
}
