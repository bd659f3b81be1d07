package audio

import (
	"sync"
)

// RingBuffer keeps the most recent window of mono audio samples. Unlike a
// classic bounded queue it never rejects writes: once full, Push overwrites
// the oldest samples, so the buffer always holds the trailing D seconds of
// capture regardless of when (or whether) a consumer reads it.
//
// Push and Snapshot are safe to call concurrently. The critical section is a
// plain copy, short enough that the audio producer is never stalled for a
// meaningful amount of time.
type RingBuffer struct {
	mu    sync.Mutex
	buf   []float32
	write int
	full  bool
	total uint64
}

// NewRingBuffer creates a ring buffer holding capacity samples.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{
		buf: make([]float32, capacity),
	}
}

// NewRingBufferDuration creates a ring buffer holding seconds of audio at the
// given sample rate.
func NewRingBufferDuration(seconds float64, sampleRate int) *RingBuffer {
	return NewRingBuffer(int(seconds * float64(sampleRate)))
}

// Push appends samples, overwriting the oldest data once the buffer is full.
// It never fails and never blocks beyond the copy itself.
func (rb *RingBuffer) Push(samples []float32) {
	if len(samples) == 0 {
		return
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.total += uint64(len(samples))

	// If the input alone exceeds capacity, only its tail can survive.
	if len(samples) >= len(rb.buf) {
		copy(rb.buf, samples[len(samples)-len(rb.buf):])
		rb.write = 0
		rb.full = true
		return
	}

	n := copy(rb.buf[rb.write:], samples)
	if n < len(samples) {
		copy(rb.buf, samples[n:])
		rb.full = true
	}
	rb.write = (rb.write + len(samples)) % len(rb.buf)
	if rb.write == 0 {
		rb.full = true
	}
}

// Snapshot returns an owned copy of the current contents in chronological
// order. It does not clear the buffer or pause concurrent pushes.
func (rb *RingBuffer) Snapshot() []float32 {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if !rb.full {
		out := make([]float32, rb.write)
		copy(out, rb.buf[:rb.write])
		return out
	}

	out := make([]float32, len(rb.buf))
	n := copy(out, rb.buf[rb.write:])
	copy(out[n:], rb.buf[:rb.write])
	return out
}

// Len returns the number of samples currently stored.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.full {
		return len(rb.buf)
	}
	return rb.write
}

// Cap returns the buffer capacity in samples.
func (rb *RingBuffer) Cap() int {
	return len(rb.buf)
}

// TotalPushed returns the cumulative number of samples ever pushed. The
// trigger controller uses this to decide whether enough new audio has
// accumulated since the previous flush.
func (rb *RingBuffer) TotalPushed() uint64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.total
}

// Clear discards the contents. The total pushed counter is preserved.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.write = 0
	rb.full = false
}
