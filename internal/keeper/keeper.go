// Package keeper is the background scheduler that submits the
// privileged reveal transaction when a locked round approaches its
// reveal target. It reads only the cached snapshot and never calls the
// ledger read path itself.
package keeper

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yusef-r/daowyn-sub000/internal/chain"
	"github.com/yusef-r/daowyn-sub000/internal/snapshot"
	"github.com/yusef-r/daowyn-sub000/internal/telemetry"
)

// Source is the keeper's read surface, satisfied by the cache.
type Source interface {
	Peek() *snapshot.BuildResult
}

// Config tunes the trigger window.
type Config struct {
	Tick          time.Duration // scheduler tick interval
	PreDeadline   time.Duration // how early before the reveal target to fire
	SubmitTimeout time.Duration // hard bound on one reveal submission
}

func (c *Config) applyDefaults() {
	if c.Tick <= 0 {
		c.Tick = 5 * time.Second
	}
	if c.PreDeadline <= 0 {
		c.PreDeadline = 10 * time.Second
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 10 * time.Second
	}
}

// Keeper owns the per-round trigger bookkeeping.
type Keeper struct {
	cfg       Config
	source    Source
	submitter chain.Submitter
	tel       *telemetry.Aggregator
	clock     func() time.Time

	mu        sync.Mutex
	triggered map[uint64]bool // rounds permanently excluded from triggering
	inAction  bool
}

// New wires a keeper. The clock is injectable for tests; nil means
// time.Now. tel may be nil.
func New(cfg Config, source Source, submitter chain.Submitter, tel *telemetry.Aggregator, clock func() time.Time) *Keeper {
	cfg.applyDefaults()
	if clock == nil {
		clock = time.Now
	}
	return &Keeper{
		cfg:       cfg,
		source:    source,
		submitter: submitter,
		tel:       tel,
		clock:     clock,
		triggered: make(map[uint64]bool),
	}
}

// Run ticks until ctx is canceled.
func (k *Keeper) Run(ctx context.Context) {
	ticker := time.NewTicker(k.cfg.Tick)
	defer ticker.Stop()

	log.Info().Dur("tick", k.cfg.Tick).Msg("keeper started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("keeper stopped")
			return
		case <-ticker.C:
			k.Tick(ctx)
		}
	}
}

// Tick evaluates the trigger conditions once. Exported so tests drive
// the keeper without a real timer.
func (k *Keeper) Tick(ctx context.Context) {
	res := k.source.Peek()
	if res == nil {
		return
	}
	body := res.Body

	round := body.Round
	due, fireAt := k.evaluate(body)
	if !due {
		return
	}

	k.mu.Lock()
	if k.triggered[round] || k.inAction {
		k.mu.Unlock()
		return
	}
	k.inAction = true
	k.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, k.cfg.SubmitTimeout)
	tx, err := k.submitter.SubmitReveal(sctx, round)
	cancel()

	k.mu.Lock()
	k.inAction = false
	if err == nil {
		// Once triggered, the round is excluded for the rest of the
		// process lifetime. Failures are retried on later ticks
		// because the contract-level action is idempotent.
		k.triggered[round] = true
	}
	k.mu.Unlock()

	if err != nil {
		log.Warn().Uint64("round", round).Err(err).Msg("reveal submission failed, will retry")
		return
	}
	if k.tel != nil {
		k.tel.Incr(telemetry.CounterKeeperFires)
	}
	log.Info().Uint64("round", round).Str("tx", tx).Int64("fire_at_ms", fireAt).
		Msg("reveal triggered")
}

// evaluate applies the readiness conditions: round at or past locked,
// no landing plan fired yet for the reveal, and current time within
// the pre-deadline window of the reveal target.
func (k *Keeper) evaluate(body *snapshot.Canonical) (bool, int64) {
	if body.Stage < snapshot.StageLocked || body.Stage >= snapshot.StageRevealed {
		return false, 0
	}
	if body.Winner != "" || body.Spin.Plan != nil {
		// The reveal already happened upstream.
		return false, 0
	}

	target := body.Spin.RevealTargetAt
	if target == 0 {
		return false, 0
	}

	nowMs := k.clock().UnixMilli()
	fireAt := target - k.cfg.PreDeadline.Milliseconds()
	if nowMs < fireAt {
		return false, fireAt
	}
	return true, fireAt
}

// WillTriggerAt reports the scheduled fire time for the given round,
// when one is pending. The HTTP layer attaches this to responses.
func (k *Keeper) WillTriggerAt(body *snapshot.Canonical) (int64, bool) {
	if body == nil {
		return 0, false
	}
	k.mu.Lock()
	done := k.triggered[body.Round]
	k.mu.Unlock()
	if done {
		return 0, false
	}

	_, fireAt := k.evaluate(body)
	if fireAt == 0 {
		return 0, false
	}
	return fireAt, true
}

// Triggered reports whether the round has already fired, for health
// reporting.
func (k *Keeper) Triggered(round uint64) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.triggered[round]
}
