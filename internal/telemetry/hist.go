// Package telemetry tracks build/request latency percentiles and
// per-minute activity counters, and mirrors both into Prometheus.
package telemetry

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Stage labels the pipeline step a latency sample belongs to.
type Stage string

const (
	StageBuild   Stage = "build"
	StageLedger  Stage = "ledger"
	StageIndex   Stage = "index"
	StageRequest Stage = "request"
)

// Histogram is a thread-safe rolling window of latency samples with
// percentile calculation.
type Histogram struct {
	mu      sync.RWMutex
	samples []float64 // milliseconds
	maxSize int
	current int
	full    bool
	stage   Stage
}

// NewHistogram creates a histogram with the given rolling window size.
func NewHistogram(stage Stage, maxSize int) *Histogram {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Histogram{
		samples: make([]float64, maxSize),
		maxSize: maxSize,
		stage:   stage,
	}
}

// Record adds one latency measurement.
func (h *Histogram) Record(d time.Duration) {
	ms := float64(d.Nanoseconds()) / 1e6

	h.mu.Lock()
	defer h.mu.Unlock()

	h.samples[h.current] = ms
	h.current = (h.current + 1) % h.maxSize
	if !h.full && h.current == 0 {
		h.full = true
	}
}

// Percentile computes the p-th percentile (0.0-1.0) with linear
// interpolation over the current window.
func (h *Histogram) Percentile(p float64) float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	size := h.size()
	if size == 0 {
		return 0.0
	}

	values := make([]float64, size)
	if h.full {
		copy(values, h.samples)
	} else {
		copy(values, h.samples[:h.current])
	}
	sort.Float64s(values)

	idx := p * float64(size-1)
	lower := int(math.Floor(idx))
	upper := int(math.Ceil(idx))
	if lower == upper {
		return values[lower]
	}
	weight := idx - float64(lower)
	return values[lower]*(1-weight) + values[upper]*weight
}

// P50 returns the median latency in milliseconds.
func (h *Histogram) P50() float64 { return h.Percentile(0.5) }

// P95 returns the 95th percentile latency in milliseconds.
func (h *Histogram) P95() float64 { return h.Percentile(0.95) }

// P99 returns the 99th percentile latency in milliseconds.
func (h *Histogram) P99() float64 { return h.Percentile(0.99) }

// Count returns the number of samples in the window.
func (h *Histogram) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size()
}

func (h *Histogram) size() int {
	if h.full {
		return h.maxSize
	}
	return h.current
}

// Metrics is the JSON view of one stage's latency.
type Metrics struct {
	Stage Stage   `json:"stage"`
	P50   float64 `json:"p50_ms"`
	P95   float64 `json:"p95_ms"`
	P99   float64 `json:"p99_ms"`
	Count int     `json:"count"`
}

// Metrics snapshots the histogram.
func (h *Histogram) Metrics() Metrics {
	return Metrics{
		Stage: h.stage,
		P50:   h.P50(),
		P95:   h.P95(),
		P99:   h.P99(),
		Count: h.Count(),
	}
}
