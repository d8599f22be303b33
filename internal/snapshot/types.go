// Package snapshot builds the canonical content-addressed snapshot of
// the active wheel round from the ledger and the event-log index.
package snapshot

import (
	"strings"

	"github.com/yusef-r/daowyn-sub000/internal/canonical"
	"github.com/yusef-r/daowyn-sub000/internal/chain"
	"github.com/yusef-r/daowyn-sub000/internal/layout"
	"github.com/yusef-r/daowyn-sub000/internal/spin"
)

// Round stages as stored by the contract.
const (
	StageOpen     uint8 = 0
	StageLocked   uint8 = 1
	StageRevealed uint8 = 2
	StageClosed   uint8 = 3
)

// StageName maps a stage index to its wire name.
func StageName(stage uint8) string {
	switch stage {
	case StageOpen:
		return "open"
	case StageLocked:
		return "locked"
	case StageRevealed:
		return "revealed"
	case StageClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Window tiers for the contribution event search, widest last.
const (
	TierWindow   = "window"
	TierDay      = "24h"
	TierWeek     = "7d"
	TierBroad    = "broad"
	TierDegraded = "degraded"
)

// Raw is the ledger-native state of one build. Produced fresh per
// build, never persisted.
type Raw struct {
	State         *chain.RoundState
	Players       []string
	Contributions []layout.Entry
	WindowFromMs  int64
	WindowToMs    int64
	WindowTier    string
	Degraded      bool
	Block         uint64
}

// Canonical is the JSON-safe projection served to clients. Every
// big.Int serializes as a tagged decimal string and every address is
// lowercase.
type Canonical struct {
	Owner       string           `json:"owner,omitempty"`
	Round       uint64           `json:"round"`
	Stage       uint8            `json:"stage"`
	StageName   string           `json:"stageName"`
	Paused      bool             `json:"paused"`
	KeeperReady bool             `json:"keeperReady"`
	Enterable   bool             `json:"enterable"`
	Winner      string           `json:"winner,omitempty"`
	PlayerCount uint64           `json:"playerCount"`
	PotWei      canonical.BigInt `json:"potWei"`
	EntryMinWei canonical.BigInt `json:"entryMinWei"`

	OpenedAtMs int64 `json:"openedAtMs,omitempty"`
	LockAtMs   int64 `json:"lockAtMs,omitempty"`
	RevealAtMs int64 `json:"revealAtMs,omitempty"`
	ReopenAtMs int64 `json:"reopenAtMs,omitempty"`

	Segments    []layout.Segment    `json:"segments"`
	Wheel       []layout.DegSegment `json:"wheel"`
	SegmentHash string              `json:"segmentHash"`
	LayoutHash  string              `json:"layoutHash"`

	Spin spin.View `json:"spin"`

	// Diagnostics, excluded from the content hash.
	Block      uint64 `json:"block"`
	BuiltAtMs  int64  `json:"builtAtMs"`
	Degraded   bool   `json:"degraded"`
	WindowTier string `json:"windowTier"`

	// Transient serve-time fields, never part of the stored result.
	IsStale       bool  `json:"isStale"`
	WillTriggerAt int64 `json:"willTriggerAt,omitempty"`
}

// BuildResult is the unit the cache stores. Immutable once built.
type BuildResult struct {
	Body      *Canonical
	BuiltAtMs int64
	ForBlock  uint64
	Hash      string
	ETag      string
}

// hashFields is the curated subset ComputeHash covers: core readiness,
// stage, round, balances, layout hashes and spin fields. Non-semantic
// fields (block number, build time, window diagnostics) never perturb
// the hash.
func hashFields(c *Canonical) map[string]any {
	m := map[string]any{
		"owner":       strings.ToLower(c.Owner),
		"round":       c.Round,
		"stage":       c.Stage,
		"paused":      c.Paused,
		"keeperReady": c.KeeperReady,
		"enterable":   c.Enterable,
		"winner":      strings.ToLower(c.Winner),
		"playerCount": c.PlayerCount,
		"potWei":      c.PotWei,
		"entryMinWei": c.EntryMinWei,
		"openedAtMs":  c.OpenedAtMs,
		"lockAtMs":    c.LockAtMs,
		"revealAtMs":  c.RevealAtMs,
		"reopenAtMs":  c.ReopenAtMs,
		"segmentHash": c.SegmentHash,
		"layoutHash":  c.LayoutHash,
		"spinPhase":   string(c.Spin.Phase),
	}
	if c.Spin.Plan != nil {
		m["planStartAt"] = c.Spin.Plan.StartAt
		m["planDurationMs"] = c.Spin.Plan.DurationMs
		m["planTarget"] = c.Spin.Plan.TargetSegmentID
	}
	return m
}

// ComputeHash digests the curated canonical subset.
func ComputeHash(c *Canonical) (string, error) {
	return canonical.DigestValue(hashFields(c))
}
