package monitor

import "sort"

// LatencyStats summarizes a sliding window of settlement durations, in
// seconds.
type LatencyStats struct {
	Count int
	Min   float64
	Max   float64
	Mean  float64
	P95   float64
}

// latencyWindow keeps the most recent samples. Stats are recomputed lazily
// so the hot record path stays cheap.
type latencyWindow struct {
	samples []float64
	maxSize int
	dirty   bool
	cached  LatencyStats
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 1000
	}
	return &latencyWindow{samples: make([]float64, 0, size), maxSize: size, dirty: true}
}

// record appends one sample, evicting the oldest when the window is full.
// Caller holds the monitor mutex.
func (w *latencyWindow) record(seconds float64) {
	if len(w.samples) >= w.maxSize {
		w.samples = w.samples[1:]
	}
	w.samples = append(w.samples, seconds)
	w.dirty = true
}

func (w *latencyWindow) stats() LatencyStats {
	if !w.dirty {
		return w.cached
	}
	n := len(w.samples)
	if n == 0 {
		w.cached = LatencyStats{}
		w.dirty = false
		return w.cached
	}

	sorted := make([]float64, n)
	copy(sorted, w.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	idx := int(float64(n) * 0.95)
	if idx >= n {
		idx = n - 1
	}
	w.cached = LatencyStats{
		Count: n,
		Min:   sorted[0],
		Max:   sorted[n-1],
		Mean:  sum / float64(n),
		P95:   sorted[idx],
	}
	w.dirty = false
	return w.cached
}
