package utils

import (
	"math"
	"slices"
	"sync"
	"time"
)

// LatencyWindow keeps the most recent durations in a ring and answers
// nearest-rank percentiles over them.
type LatencyWindow struct {
	mu    sync.Mutex
	ring  []time.Duration
	next  int
	full  bool
	total int64
}

// NewLatencyWindow creates a window holding up to size samples.
func NewLatencyWindow(size int) *LatencyWindow {
	if size <= 0 {
		size = 512
	}
	return &LatencyWindow{ring: make([]time.Duration, size)}
}

// Observe records d, overwriting the oldest sample once the window is full.
func (w *LatencyWindow) Observe(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.ring[w.next] = d
	w.next = (w.next + 1) % len(w.ring)
	if w.next == 0 {
		w.full = true
	}
	w.total++
}

// Percentile returns the nearest-rank p-th percentile (0-100) of the window,
// or zero when empty.
func (w *LatencyWindow) Percentile(p float64) time.Duration {
	w.mu.Lock()
	samples := slices.Clone(w.samples())
	w.mu.Unlock()

	if len(samples) == 0 {
		return 0
	}
	slices.Sort(samples)
	rank := int(math.Ceil(p / 100 * float64(len(samples))))
	rank = min(max(rank, 1), len(samples))
	return samples[rank-1]
}

// Len returns the number of samples currently held.
func (w *LatencyWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.samples())
}

// Total returns how many samples were ever observed.
func (w *LatencyWindow) Total() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.total
}

func (w *LatencyWindow) samples() []time.Duration {
	if w.full {
		return w.ring
	}
	return w.ring[:w.next]
}
