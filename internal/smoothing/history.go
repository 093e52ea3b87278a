// Package smoothing keeps the per-session measurement history and derives
// stabilized values from it.
package smoothing

import "github.com/fitform/armeasure/internal/measure"

// DefaultCapacity is the history size used when none is configured.
const DefaultCapacity = 10

// History is a fixed-capacity FIFO ring buffer of raw measurements.
// It is not safe for concurrent use; the owning session serializes access.
type History struct {
	buf   []measure.Raw
	start int
	size  int
}

// NewHistory creates an empty history. Capacities below 1 use DefaultCapacity.
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &History{buf: make([]measure.Raw, capacity)}
}

// Push appends r, evicting the oldest entry when full.
func (h *History) Push(r measure.Raw) {
	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = r
		h.size++
		return
	}
	h.buf[h.start] = r
	h.start = (h.start + 1) % len(h.buf)
}

// Len returns the number of stored entries.
func (h *History) Len() int {
	return h.size
}

// Cap returns the capacity.
func (h *History) Cap() int {
	return len(h.buf)
}

// Values returns a copy of the entries, oldest first.
func (h *History) Values() []measure.Raw {
	out := make([]measure.Raw, h.size)
	for i := 0; i < h.size; i++ {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

// Last returns up to n most recent entries, oldest first.
func (h *History) Last(n int) []measure.Raw {
	vals := h.Values()
	if n >= len(vals) {
		return vals
	}
	if n <= 0 {
		return nil
	}
	return vals[len(vals)-n:]
}

// Reset empties the history.
func (h *History) Reset() {
	for i := range h.buf {
		h.buf[i] = measure.Raw{}
	}
	h.start = 0
	h.size = 0
}
