package buffer

import (
	"bytes"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestNewRingBuffer(t *testing.T) {
	rb := NewRingBuffer(100, 1.5)
	if rb.Cap() != 100 {
		t.Errorf("expected capacity 100, got %d", rb.Cap())
	}
	if rb.Limit() != 150 {
		t.Errorf("expected limit 150, got %d", rb.Limit())
	}
	if rb.Len() != 0 {
		t.Errorf("expected length 0, got %d", rb.Len())
	}

	// Zero and negative ceilings default to 1
	rb = NewRingBuffer(0, 2)
	if rb.Cap() != 1 {
		t.Errorf("expected capacity 1 for zero input, got %d", rb.Cap())
	}
	rb = NewRingBuffer(-5, 2)
	if rb.Cap() != 1 {
		t.Errorf("expected capacity 1 for negative input, got %d", rb.Cap())
	}

	// Slack below 1 means trim as soon as the ceiling is exceeded
	rb = NewRingBuffer(10, 0.5)
	if rb.Limit() != 10 {
		t.Errorf("expected limit 10 for slack < 1, got %d", rb.Limit())
	}
}

func TestRingBuffer_Write(t *testing.T) {
	rb := NewRingBuffer(10, 1)

	n, err := rb.Write([]byte("hello"))
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if n != 5 {
		t.Errorf("expected n=5, got %d", n)
	}

	rb.Write([]byte("world"))
	if rb.Len() != 10 {
		t.Errorf("expected length 10, got %d", rb.Len())
	}
	if !bytes.Equal(rb.Bytes(), []byte("helloworld")) {
		t.Errorf("expected 'helloworld', got '%s'", rb.Bytes())
	}
}

func TestRingBuffer_SlackDelaysTrim(t *testing.T) {
	rb := NewRingBuffer(10, 1.5)

	rb.Write([]byte("0123456789"))
	rb.Write([]byte("abcde"))

	// 15 bytes is within the slack limit, nothing is dropped yet
	if !bytes.Equal(rb.Bytes(), []byte("0123456789abcde")) {
		t.Errorf("expected untrimmed data, got '%s'", rb.Bytes())
	}

	rb.Write([]byte("f"))

	// 16 bytes exceeds the limit, trimmed back to the newest 10
	if !bytes.Equal(rb.Bytes(), []byte("6789abcdef")) {
		t.Errorf("expected '6789abcdef', got '%s'", rb.Bytes())
	}
}

func TestRingBuffer_WriteLargerThanLimit(t *testing.T) {
	rb := NewRingBuffer(5, 1.2)
	rb.Write([]byte("xx"))

	n, err := rb.Write([]byte("0123456789"))
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if n != 10 {
		t.Errorf("expected n=10, got %d", n)
	}
	if !bytes.Equal(rb.Bytes(), []byte("56789")) {
		t.Errorf("expected '56789', got '%s'", rb.Bytes())
	}
}

func TestRingBuffer_WriteEmpty(t *testing.T) {
	rb := NewRingBuffer(10, 1)
	rb.Write([]byte("hello"))

	n, err := rb.Write(nil)
	if err != nil || n != 0 {
		t.Errorf("expected (0, nil), got (%d, %v)", n, err)
	}
	if !bytes.Equal(rb.Bytes(), []byte("hello")) {
		t.Errorf("expected 'hello', got '%s'", rb.Bytes())
	}
}

func TestRingBuffer_BytesIsCopy(t *testing.T) {
	rb := NewRingBuffer(10, 1)
	if rb.Bytes() != nil {
		t.Error("expected nil for empty buffer")
	}

	rb.Write([]byte("test"))
	data := rb.Bytes()
	data[0] = 'X'
	if !bytes.Equal(rb.Bytes(), []byte("test")) {
		t.Errorf("Bytes should return a copy, got '%s'", rb.Bytes())
	}
}

func TestRingBuffer_Reset(t *testing.T) {
	rb := NewRingBuffer(10, 1)
	rb.Write([]byte("hello"))
	rb.Reset()

	if rb.Len() != 0 {
		t.Errorf("expected length 0 after reset, got %d", rb.Len())
	}

	rb.Write([]byte("world"))
	if !bytes.Equal(rb.Bytes(), []byte("world")) {
		t.Errorf("expected 'world', got '%s'", rb.Bytes())
	}
}

// The buffer never exceeds ceiling*slack, and what it holds is always a
// suffix of everything written, so evicted bytes are the oldest ones.
func TestRingBufferSuffixProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("contents are a bounded suffix of all writes", prop.ForAll(
		func(ceiling int, chunks []string) bool {
			rb := NewRingBuffer(ceiling, 1.5)
			var all []byte
			for _, c := range chunks {
				rb.Write([]byte(c))
				all = append(all, c...)

				if rb.Len() > rb.Limit() {
					return false
				}
				if !bytes.HasSuffix(all, rb.Bytes()) {
					return false
				}
			}

			// Whatever was trimmed, at least min(ceiling, total) bytes survive
			want := ceiling
			if len(all) < want {
				want = len(all)
			}
			return rb.Len() >= want
		},
		gen.IntRange(1, 64),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
