// Package spin holds the per-round wheel timing state machine. Advance
// is pure: given the previous session and current facts it returns the
// next session and the externally observable view, with no side
// effects, so every poller converges on the same animation without
// coordination.
package spin

import (
	"math"
	"strconv"
	"time"

	"github.com/yusef-r/daowyn-sub000/internal/layout"
)

// Phase is the externally observable animation phase.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseNeutral Phase = "neutral"
	PhaseLanding Phase = "landing"
	PhaseDone    Phase = "done"
)

// EasingCubicOut is the only easing the wheel uses for landing.
const EasingCubicOut = "cubicOut"

// LandingPlan describes how the wheel converges on the winner. Computed
// once per round and immutable afterwards; LayoutHash ties the plan to
// the exact geometry the client must already hold.
type LandingPlan struct {
	LayoutHash      string  `json:"layoutHash"`
	TargetSegmentID string  `json:"targetSegmentId"`
	TargetDeg       float64 `json:"targetDeg"`
	StartAt         int64   `json:"startAt"`
	DurationMs      int64   `json:"durationMs"`
	Easing          string  `json:"easing"`
	Rotations       float64 `json:"rotations"`
}

// Session is the per-round machine state. A session is created the
// moment a round first reports locked and is never reused once the
// round identifier changes.
type Session struct {
	Round          uint64       `json:"round"`
	Phase          Phase        `json:"phase"`
	NeutralStartAt int64        `json:"neutralStartAt"`
	RevealTargetAt int64        `json:"revealTargetAt"`
	WinnerAddr     string       `json:"winnerAddr,omitempty"`
	Plan           *LandingPlan `json:"landingPlan,omitempty"`
}

// Facts is what the current build knows about the round.
type Facts struct {
	Round      uint64
	Locked     bool
	LockedAtMs int64 // 0 when the lock timestamp is unknown
	WinnerAddr string
	Wheel      []layout.DegSegment
	LayoutHash string
}

// Config bounds the landing plan timing.
type Config struct {
	RevealWindow time.Duration // neutral spin length before the target reveal
	Grace        time.Duration // how late a landing may finish past the target
	MinDuration  time.Duration // shortest acceptable landing
	StubDuration time.Duration // zero-rotation plan length when far past target
}

// DefaultConfig matches the service defaults.
func DefaultConfig() Config {
	return Config{
		RevealWindow: 60 * time.Second,
		Grace:        5 * time.Second,
		MinDuration:  1200 * time.Millisecond,
		StubDuration: 800 * time.Millisecond,
	}
}

// View is the client-facing slice of the session.
type View struct {
	Phase           Phase        `json:"phase"`
	NeutralVelocity float64      `json:"neutralVelocityDegSec,omitempty"`
	NeutralOffset   float64      `json:"neutralOffsetDeg,omitempty"`
	RevealTargetAt  int64        `json:"revealTargetAt,omitempty"`
	Plan            *LandingPlan `json:"landingPlan,omitempty"`
}

// Advance computes the next session from the previous one. A round
// identifier change always discards the old session, even when the new
// round's own data is not available yet.
func Advance(prev Session, facts Facts, now time.Time, cfg Config) (Session, View) {
	nowMs := now.UnixMilli()

	next := prev
	if prev.Round != facts.Round || prev.Phase == "" {
		next = Session{Round: facts.Round, Phase: PhaseIdle}
	}

	switch next.Phase {
	case PhaseIdle:
		if facts.Locked {
			start := facts.LockedAtMs
			if start == 0 {
				start = nowMs
			}
			next.Phase = PhaseNeutral
			next.NeutralStartAt = start
			next.RevealTargetAt = start + cfg.RevealWindow.Milliseconds()
		}
	}

	if next.Phase == PhaseNeutral && facts.WinnerAddr != "" && facts.LayoutHash != "" {
		next.Phase = PhaseLanding
		next.WinnerAddr = facts.WinnerAddr
		next.Plan = computePlan(next, facts, nowMs, cfg)
	}

	if next.Phase == PhaseLanding && next.Plan != nil &&
		nowMs >= next.Plan.StartAt+next.Plan.DurationMs {
		next.Phase = PhaseDone
	}

	return next, viewOf(next, facts, cfg)
}

// computePlan derives the one immutable landing plan for the round. It
// prefers finishing exactly at the reveal target, tolerates finishing
// up to cfg.Grace late, and emits a short zero-rotation stub when the
// target is already well past.
func computePlan(s Session, facts Facts, nowMs int64, cfg Config) *LandingPlan {
	target, ok := layout.SegmentFor(facts.Wheel, facts.WinnerAddr)
	targetDeg := 0.0
	targetID := ""
	if ok {
		targetDeg = round2((target.StartDeg + target.EndDeg) / 2)
		targetID = target.ID
	}

	plan := &LandingPlan{
		LayoutHash:      facts.LayoutHash,
		TargetSegmentID: targetID,
		TargetDeg:       targetDeg,
		StartAt:         nowMs,
		Easing:          EasingCubicOut,
	}

	remaining := s.RevealTargetAt - nowMs
	switch {
	case remaining >= cfg.MinDuration.Milliseconds():
		plan.DurationMs = remaining
	case remaining+cfg.Grace.Milliseconds() >= cfg.MinDuration.Milliseconds():
		plan.DurationMs = cfg.MinDuration.Milliseconds()
	default:
		plan.DurationMs = cfg.StubDuration.Milliseconds()
		plan.Rotations = 0
		return plan
	}

	// Full rotations scale with how long the landing runs.
	rot := math.Floor(float64(plan.DurationMs) / 1500.0)
	if rot < 2 {
		rot = 2
	}
	if rot > 8 {
		rot = 8
	}
	plan.Rotations = rot
	return plan
}

func viewOf(s Session, facts Facts, cfg Config) View {
	v := View{Phase: s.Phase}
	switch s.Phase {
	case PhaseNeutral:
		v.NeutralVelocity, v.NeutralOffset = NeutralMotion(facts.LayoutHash)
		v.RevealTargetAt = s.RevealTargetAt
	case PhaseLanding, PhaseDone:
		v.RevealTargetAt = s.RevealTargetAt
		v.Plan = s.Plan
	}
	return v
}

// NeutralMotion derives the deterministic neutral rotation from the
// layout hash: every observer of the same layout sees the wheel at the
// same angle at the same instant.
func NeutralMotion(layoutHash string) (velocityDegSec, offsetDeg float64) {
	seed := uint64(0)
	if len(layoutHash) >= 16 {
		if n, err := strconv.ParseUint(layoutHash[:16], 16, 64); err == nil {
			seed = n
		}
	}
	velocityDegSec = 36 + float64(seed%49) // 36..84 deg/s
	offsetDeg = float64(seed % 360)
	return velocityDegSec, offsetDeg
}

// NeutralAngleAt returns the wheel angle in [0,360) at the given time
// for a session in the neutral phase.
func NeutralAngleAt(layoutHash string, neutralStartAtMs, atMs int64) float64 {
	vel, off := NeutralMotion(layoutHash)
	elapsed := float64(atMs-neutralStartAtMs) / 1000.0
	if elapsed < 0 {
		elapsed = 0
	}
	return math.Mod(off+vel*elapsed, 360)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
