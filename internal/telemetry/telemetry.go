package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Counter names for the per-minute ring.
const (
	CounterBuilds      = "builds"
	CounterBuildErrors = "build_errors"
	CounterCacheHits   = "cache_hits"
	CounterStaleServes = "stale_serves"
	CounterNotModified = "not_modified"
	CounterRateLimited = "rate_limited"
	CounterKeeperFires = "keeper_fires"
)

// Aggregator holds the service's rolling latency histograms and
// per-minute counters. One instance per process, passed explicitly.
type Aggregator struct {
	mu         sync.RWMutex
	histograms map[Stage]*Histogram
	minutes    map[string]*minuteCounter
	clock      func() time.Time

	// Prometheus mirrors.
	promCounters map[string]prometheus.Counter
	promLatency  *prometheus.HistogramVec
}

type minuteCounter struct {
	minute  int64 // unix minute the window belongs to
	current int64
	prev    int64
	total   int64
}

// NewAggregator creates an aggregator and registers its Prometheus
// collectors on reg. A nil reg skips Prometheus registration (tests).
func NewAggregator(reg prometheus.Registerer, clock func() time.Time) *Aggregator {
	if clock == nil {
		clock = time.Now
	}
	a := &Aggregator{
		histograms:   make(map[Stage]*Histogram),
		minutes:      make(map[string]*minuteCounter),
		clock:        clock,
		promCounters: make(map[string]prometheus.Counter),
	}
	for _, s := range []Stage{StageBuild, StageLedger, StageIndex, StageRequest} {
		a.histograms[s] = NewHistogram(s, 1000)
	}

	if reg != nil {
		a.promLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "daowyn",
			Name:      "stage_latency_seconds",
			Help:      "Latency per pipeline stage.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"})
		reg.MustRegister(a.promLatency)

		for _, name := range []string{
			CounterBuilds, CounterBuildErrors, CounterCacheHits,
			CounterStaleServes, CounterNotModified, CounterRateLimited,
			CounterKeeperFires,
		} {
			c := prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "daowyn",
				Name:      name + "_total",
				Help:      "Total " + name + " since process start.",
			})
			reg.MustRegister(c)
			a.promCounters[name] = c
		}
	}
	return a
}

// Record adds a latency sample for the stage.
func (a *Aggregator) Record(stage Stage, d time.Duration) {
	a.mu.RLock()
	h, ok := a.histograms[stage]
	a.mu.RUnlock()

	if !ok {
		a.mu.Lock()
		h, ok = a.histograms[stage]
		if !ok {
			h = NewHistogram(stage, 1000)
			a.histograms[stage] = h
		}
		a.mu.Unlock()
	}
	h.Record(d)

	if a.promLatency != nil {
		a.promLatency.WithLabelValues(string(stage)).Observe(d.Seconds())
	}
}

// Incr bumps a named per-minute counter.
func (a *Aggregator) Incr(name string) {
	nowMinute := a.clock().Unix() / 60

	a.mu.Lock()
	mc, ok := a.minutes[name]
	if !ok {
		mc = &minuteCounter{minute: nowMinute}
		a.minutes[name] = mc
	}
	mc.roll(nowMinute)
	mc.current++
	mc.total++
	a.mu.Unlock()

	if c, ok := a.promCounters[name]; ok {
		c.Inc()
	}
}

// roll shifts the window when the minute advances. Caller holds a.mu.
func (mc *minuteCounter) roll(nowMinute int64) {
	switch {
	case nowMinute == mc.minute:
	case nowMinute == mc.minute+1:
		mc.prev = mc.current
		mc.current = 0
		mc.minute = nowMinute
	default:
		mc.prev = 0
		mc.current = 0
		mc.minute = nowMinute
	}
}

// CounterStats is the JSON view of one counter.
type CounterStats struct {
	Name       string `json:"name"`
	LastMinute int64  `json:"last_minute"`
	ThisMinute int64  `json:"this_minute"`
	Total      int64  `json:"total"`
}

// Counter returns the named counter's current window.
func (a *Aggregator) Counter(name string) CounterStats {
	nowMinute := a.clock().Unix() / 60

	a.mu.Lock()
	defer a.mu.Unlock()

	mc, ok := a.minutes[name]
	if !ok {
		return CounterStats{Name: name}
	}
	mc.roll(nowMinute)
	return CounterStats{
		Name:       name,
		LastMinute: mc.prev,
		ThisMinute: mc.current,
		Total:      mc.total,
	}
}

// Latency returns the latency metrics for a stage.
func (a *Aggregator) Latency(stage Stage) Metrics {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if h, ok := a.histograms[stage]; ok {
		return h.Metrics()
	}
	return Metrics{Stage: stage}
}

// Timer measures one stage invocation.
type Timer struct {
	agg   *Aggregator
	stage Stage
	start time.Time
}

// StartTimer begins a latency measurement.
func (a *Aggregator) StartTimer(stage Stage) *Timer {
	return &Timer{agg: a, stage: stage, start: a.clock()}
}

// Stop records the elapsed time and returns it.
func (t *Timer) Stop() time.Duration {
	d := t.agg.clock().Sub(t.start)
	t.agg.Record(t.stage, d)
	return d
}
