// Package cache is the service core: it holds the last good snapshot,
// deduplicates concurrent rebuilds into one in-flight build, applies
// the staleness policy and gates rebuild triggering through the
// admission limiter. It is the only component with process-lifetime
// mutable state.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yusef-r/daowyn-sub000/internal/admission"
	"github.com/yusef-r/daowyn-sub000/internal/snapshot"
	"github.com/yusef-r/daowyn-sub000/internal/telemetry"
)

// ErrNoSnapshot is returned when a build fails and no last-good result
// exists to fall back to (the cold-start case, surfaced as a 5xx).
var ErrNoSnapshot = errors.New("cache: no snapshot available")

// Builder produces one immutable result per invocation.
type Builder interface {
	Build(ctx context.Context) (*snapshot.BuildResult, error)
}

// Config tunes the staleness policy.
type Config struct {
	StaleCeiling time.Duration // max age served without attempting a refresh
	BuildTimeout time.Duration // hard bound on one upstream build
}

func (c *Config) applyDefaults() {
	if c.StaleCeiling <= 0 {
		c.StaleCeiling = 20 * time.Second
	}
	if c.BuildTimeout <= 0 {
		c.BuildTimeout = 15 * time.Second
	}
}

// Outcome describes how a request was served.
type Outcome struct {
	Stale       bool // served a result older than the ceiling after a failed/denied refresh
	RateLimited bool // caller was denied rebuild admission
	Rebuilt     bool // this call's build produced the result
}

// Options modify one Get.
type Options struct {
	Caller   string // admission key, usually the client IP
	ForBlock uint64 // when set, cached results older than this block force a rebuild
}

type flight struct {
	done chan struct{}
	res  *snapshot.BuildResult
	err  error
}

// Cache is constructed once per process.
type Cache struct {
	cfg     Config
	builder Builder
	admit   *admission.Limiter
	tel     *telemetry.Aggregator
	clock   func() time.Time

	mu       sync.Mutex
	lastGood *snapshot.BuildResult
	inflight *flight
}

// New wires a cache. The clock is injectable for tests; nil means
// time.Now. admit and tel may be nil (admission always granted, no
// telemetry), which tests use.
func New(cfg Config, builder Builder, admit *admission.Limiter, tel *telemetry.Aggregator, clock func() time.Time) *Cache {
	cfg.applyDefaults()
	if clock == nil {
		clock = time.Now
	}
	return &Cache{cfg: cfg, builder: builder, admit: admit, tel: tel, clock: clock}
}

// Peek returns the current last-good result without triggering any
// rebuild. The keeper reads through this.
func (c *Cache) Peek() *snapshot.BuildResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastGood
}

// Get serves a snapshot under the staleness policy:
//
//   - fresh last-good (age under the ceiling, block satisfied): served
//     directly;
//   - rebuild due with a build already in flight: await that build;
//   - rebuild due, admission granted: run one build, all concurrent
//     callers share it;
//   - rebuild due, admission denied: serve last-good with the stale
//     marker, never block;
//   - rebuild failed: serve last-good with the stale marker and its
//     original hash preserved, or ErrNoSnapshot when there is none.
func (c *Cache) Get(ctx context.Context, opts Options) (*snapshot.BuildResult, Outcome, error) {
	c.mu.Lock()
	now := c.clock()

	if c.lastGood != nil && c.isFresh(c.lastGood, now, opts.ForBlock) {
		res := c.lastGood
		c.mu.Unlock()
		c.incr(telemetry.CounterCacheHits)
		return res, Outcome{}, nil
	}

	if c.inflight != nil {
		f := c.inflight
		c.mu.Unlock()
		return c.await(ctx, f)
	}

	// A rebuild is due and nobody is building. Admission decides
	// whether this caller may trigger it; a cold cache overrides
	// denial because there is nothing stale to serve instead.
	if c.admit != nil && !c.admit.Allow(opts.Caller) && c.lastGood != nil {
		res := c.lastGood
		c.mu.Unlock()
		c.incr(telemetry.CounterRateLimited)
		c.incr(telemetry.CounterStaleServes)
		return res, Outcome{Stale: true, RateLimited: true}, nil
	}

	f := &flight{done: make(chan struct{})}
	c.inflight = f
	c.mu.Unlock()

	c.runBuild(f)

	res, out, err := c.await(ctx, f)
	out.Rebuilt = err == nil && !out.Stale
	return res, out, err
}

// runBuild executes one upstream build and publishes it to every
// waiter. The build runs under its own timeout, detached from any one
// caller's context, so a canceled poller cannot kill the shared build.
func (c *Cache) runBuild(f *flight) {
	timer := c.startTimer(telemetry.StageBuild)

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.BuildTimeout)
	defer cancel()

	res, err := c.builder.Build(ctx)
	if timer != nil {
		timer.Stop()
	}

	c.mu.Lock()
	f.res, f.err = res, err
	if err == nil {
		c.lastGood = res
	}
	c.inflight = nil
	c.mu.Unlock()
	close(f.done)

	if err != nil {
		c.incr(telemetry.CounterBuildErrors)
		log.Warn().Err(err).Msg("snapshot rebuild failed")
	} else {
		c.incr(telemetry.CounterBuilds)
	}
}

// await blocks on the flight and applies the failure-fallback policy.
func (c *Cache) await(ctx context.Context, f *flight) (*snapshot.BuildResult, Outcome, error) {
	select {
	case <-ctx.Done():
		return nil, Outcome{}, ctx.Err()
	case <-f.done:
	}

	if f.err == nil {
		return f.res, Outcome{}, nil
	}

	// The rebuild failed: fall back to the previous result, keeping
	// its original hash and ETag. A synthesized validator would be
	// unverifiable, so none is ever minted here.
	c.mu.Lock()
	lg := c.lastGood
	c.mu.Unlock()

	if lg == nil {
		return nil, Outcome{}, errors.Join(ErrNoSnapshot, f.err)
	}
	c.incr(telemetry.CounterStaleServes)
	return lg, Outcome{Stale: true}, nil
}

// isFresh applies the staleness ceiling and the optional block floor.
func (c *Cache) isFresh(res *snapshot.BuildResult, now time.Time, forBlock uint64) bool {
	age := now.UnixMilli() - res.BuiltAtMs
	if age >= c.cfg.StaleCeiling.Milliseconds() {
		return false
	}
	if forBlock > 0 && res.ForBlock < forBlock {
		return false
	}
	return true
}

func (c *Cache) incr(name string) {
	if c.tel != nil {
		c.tel.Incr(name)
	}
}

func (c *Cache) startTimer(stage telemetry.Stage) *telemetry.Timer {
	if c.tel == nil {
		return nil
	}
	return c.tel.StartTimer(stage)
}
