package snapshot

import (
	"context"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yusef-r/daowyn-sub000/internal/canonical"
	"github.com/yusef-r/daowyn-sub000/internal/chain"
	"github.com/yusef-r/daowyn-sub000/internal/layout"
	"github.com/yusef-r/daowyn-sub000/internal/logindex"
	"github.com/yusef-r/daowyn-sub000/internal/spin"
)

// Event signatures the builder anchors rounds and contributions on.
var (
	TopicContribution = chain.Topic("Contribution(address,uint256)")
	TopicRoundReset   = chain.Topic("RoundReset(uint256,uint256)")
	TopicWinner       = chain.Topic("WinnerAnnounced(uint256,address)")
)

const zeroAddress = "0x0000000000000000000000000000000000000000"

// Config configures one builder.
type Config struct {
	Contract      string
	TopK          int
	RoundLookback time.Duration // tier-one contribution window
	BackOverlap   time.Duration // shift behind the boundary event
	Spin          spin.Config
}

func (c *Config) applyDefaults() {
	if c.TopK <= 0 {
		c.TopK = layout.DefaultTopK
	}
	if c.RoundLookback <= 0 {
		c.RoundLookback = 15 * time.Minute
	}
	if c.BackOverlap <= 0 {
		c.BackOverlap = 30 * time.Second
	}
	if c.Spin == (spin.Config{}) {
		c.Spin = spin.DefaultConfig()
	}
}

// Builder produces one immutable BuildResult per invocation. It owns
// the per-round frozen layouts and spin sessions; both are discarded
// the moment the round identifier advances.
type Builder struct {
	cfg   Config
	chain chain.Reader
	index logindex.Querier
	now   func() time.Time

	mu        sync.Mutex
	prevState *chain.RoundState
	frozen    map[uint64]layout.Layout
	sessions  map[uint64]spin.Session
}

// NewBuilder wires a builder against its upstream collaborators. The
// clock is injectable for tests; nil means time.Now.
func NewBuilder(cfg Config, reader chain.Reader, index logindex.Querier, clock func() time.Time) *Builder {
	cfg.applyDefaults()
	if clock == nil {
		clock = time.Now
	}
	return &Builder{
		cfg:      cfg,
		chain:    reader,
		index:    index,
		now:      clock,
		frozen:   make(map[uint64]layout.Layout),
		sessions: make(map[uint64]spin.Session),
	}
}

// Build runs the full pipeline: ledger read, round-window resolution,
// contribution aggregation, layout, spin advance, canonicalization.
// Ledger read errors propagate; the event-aggregation stages degrade
// to an empty aggregate instead.
func (b *Builder) Build(ctx context.Context) (*BuildResult, error) {
	now := b.now()
	nowMs := now.UnixMilli()

	state, err := b.chain.ReadRound(ctx)
	if err != nil {
		return nil, err
	}

	block := state.Block
	if block == 0 {
		// Fallback-mode reads carry no block; best effort head query.
		if n, berr := b.chain.BlockNumber(ctx); berr == nil {
			block = n
		}
	}

	b.mu.Lock()
	state = mergeRoundState(b.prevState, state)
	b.prevState = state
	b.mu.Unlock()

	raw := &Raw{State: state, Block: block}
	b.resolveContributions(ctx, raw, nowMs)

	round := uint64(0)
	if state.Round != nil {
		round = *state.Round
	}
	stage := uint8(0)
	if state.Stage != nil {
		stage = *state.Stage
	}

	lo := layout.Build(raw.Contributions, b.cfg.TopK)
	lo = b.freezeLayout(round, stage, lo)

	winner := ""
	if state.Winner != nil && *state.Winner != zeroAddress {
		winner = strings.ToLower(*state.Winner)
	}

	facts := spin.Facts{
		Round:      round,
		Locked:     stage >= StageLocked,
		LockedAtMs: lockTimestampMs(state, nowMs),
		WinnerAddr: winner,
		Wheel:      lo.Wheel,
		LayoutHash: lo.LayoutHash,
	}

	b.mu.Lock()
	session, view := spin.Advance(b.sessions[round], facts, now, b.cfg.Spin)
	b.sessions[round] = session
	b.gcRound(round)
	b.mu.Unlock()

	body := b.project(raw, lo, view, winner, nowMs)

	hash, err := ComputeHash(body)
	if err != nil {
		// Hashing must never emit an unverifiable validator; the
		// cache turns this into a stale serve of the previous result.
		return nil, err
	}

	return &BuildResult{
		Body:      body,
		BuiltAtMs: nowMs,
		ForBlock:  block,
		Hash:      hash,
		ETag:      canonical.ETag(hash),
	}, nil
}

// project assembles the client-facing document from the raw build.
func (b *Builder) project(raw *Raw, lo layout.Layout, view spin.View, winner string, nowMs int64) *Canonical {
	s := raw.State
	c := &Canonical{
		Round:       derefU64(s.Round),
		Stage:       derefU8(s.Stage),
		Paused:      derefBool(s.Paused),
		KeeperReady: derefBool(s.KeeperReady),
		Winner:      winner,
		PlayerCount: derefU64(s.PlayerCount),
		PotWei:      canonical.NewBigInt(s.PotWei),
		EntryMinWei: canonical.NewBigInt(s.EntryMinWei),
		OpenedAtMs:  secToMs(s.OpenedAt),
		LockAtMs:    secToMs(s.LockAt),
		RevealAtMs:  secToMs(s.RevealAt),
		ReopenAtMs:  secToMs(s.ReopenAt),
		Segments:    lo.Segments,
		Wheel:       lo.Wheel,
		SegmentHash: lo.SegmentHash,
		LayoutHash:  lo.LayoutHash,
		Spin:        view,
		Block:       raw.Block,
		BuiltAtMs:   nowMs,
		Degraded:    raw.Degraded,
		WindowTier:  raw.WindowTier,
	}
	if s.Owner != nil {
		c.Owner = strings.ToLower(*s.Owner)
	}
	c.StageName = StageName(c.Stage)
	c.Enterable = computeEnterable(c, nowMs)
	if c.Segments == nil {
		c.Segments = []layout.Segment{}
	}
	if c.Wheel == nil {
		c.Wheel = []layout.DegSegment{}
	}
	return c
}

// computeEnterable derives the admission flag from the resolved round
// timestamps: the round is joinable while open and before lock.
func computeEnterable(c *Canonical, nowMs int64) bool {
	if c.Stage != StageOpen || c.Paused {
		return false
	}
	if c.OpenedAtMs > 0 && nowMs < c.OpenedAtMs {
		return false
	}
	if c.LockAtMs > 0 && nowMs >= c.LockAtMs {
		return false
	}
	return true
}

// freezeLayout pins the layout for a locked round: the first layout
// observed at or past lock is returned verbatim for every later build
// of the same round, regardless of upstream drift.
func (b *Builder) freezeLayout(round uint64, stage uint8, lo layout.Layout) layout.Layout {
	b.mu.Lock()
	defer b.mu.Unlock()

	if stage < StageLocked {
		return lo
	}
	if frozen, ok := b.frozen[round]; ok {
		return frozen
	}
	b.frozen[round] = lo
	log.Debug().Uint64("round", round).Str("layout_hash", lo.LayoutHash).Msg("layout frozen")
	return lo
}

// gcRound drops frozen layouts and spin sessions of superseded rounds.
// Caller must hold b.mu.
func (b *Builder) gcRound(current uint64) {
	for r := range b.frozen {
		if r != current {
			delete(b.frozen, r)
		}
	}
	for r := range b.sessions {
		if r != current {
			delete(b.sessions, r)
		}
	}
}

// resolveContributions fills raw with the aggregated per-address
// contribution entries for the active round window. Index failures
// degrade to an empty aggregate; they never abort the build.
func (b *Builder) resolveContributions(ctx context.Context, raw *Raw, nowMs int64) {
	from, tier := b.resolveWindowStart(ctx, nowMs)
	raw.WindowFromMs = from
	raw.WindowToMs = nowMs
	raw.WindowTier = tier

	// Widening ladder: resolved window, then 24h, then 7d, then the
	// broad scan with the topic filter dropped. No tier is skipped.
	tiers := []struct {
		name   string
		fromMs int64
		topic  string
	}{
		{tier, from, TopicContribution},
		{TierDay, nowMs - (24 * time.Hour).Milliseconds(), TopicContribution},
		{TierWeek, nowMs - (7 * 24 * time.Hour).Milliseconds(), TopicContribution},
		{TierBroad, nowMs - (7 * 24 * time.Hour).Milliseconds(), ""},
	}

	for _, t := range tiers {
		events, err := b.index.Query(ctx, logindex.Query{
			Contract: b.cfg.Contract,
			Topic0:   t.topic,
			FromMs:   t.fromMs,
			ToMs:     nowMs,
		})
		if err != nil {
			log.Warn().Err(err).Str("tier", t.name).Msg("contribution query failed, degrading")
			raw.Degraded = true
			raw.WindowTier = TierDegraded
			raw.Contributions = nil
			return
		}

		entries := aggregateContributions(events)
		if len(entries) > 0 {
			raw.WindowTier = t.name
			raw.WindowFromMs = t.fromMs
			raw.Contributions = b.reconcilePlayers(ctx, raw, entries)
			return
		}
	}

	raw.WindowTier = TierBroad
	raw.Contributions = nil
}

// resolveWindowStart anchors the round window on the most recent
// boundary event: an explicit reset when present, else the latest
// winner announcement, each shifted back by the configured overlap.
func (b *Builder) resolveWindowStart(ctx context.Context, nowMs int64) (int64, string) {
	lookbackFrom := nowMs - b.cfg.RoundLookback.Milliseconds()

	for _, topic := range []string{TopicRoundReset, TopicWinner} {
		events, err := b.index.Query(ctx, logindex.Query{
			Contract: b.cfg.Contract,
			Topic0:   topic,
			FromMs:   lookbackFrom,
			ToMs:     nowMs,
		})
		if err != nil {
			log.Debug().Err(err).Str("topic", topic).Msg("boundary event query failed")
			continue
		}
		if boundary, err := logindex.Latest(events); err == nil {
			return boundary.TimeMs - b.cfg.BackOverlap.Milliseconds(), TierWindow
		}
	}
	return lookbackFrom, TierWindow
}

// reconcilePlayers squares the event aggregate against the
// authoritative on-chain enumeration: membership comes from the chain,
// weights from the events. Enumeration failures keep the event result.
func (b *Builder) reconcilePlayers(ctx context.Context, raw *Raw, entries []layout.Entry) []layout.Entry {
	players, err := b.chain.Players(ctx)
	if err != nil || len(players) == 0 {
		return entries
	}
	raw.Players = players

	member := make(map[string]bool, len(players))
	for _, p := range players {
		member[strings.ToLower(p)] = true
	}

	agreed := true
	kept := entries[:0]
	for _, e := range entries {
		if member[e.Address] {
			kept = append(kept, e)
		} else {
			agreed = false
		}
	}
	if !agreed {
		log.Warn().Int("events", len(entries)).Int("onchain", len(players)).
			Msg("contribution aggregate disagrees with on-chain players, reconciled")
	}
	return kept
}

// aggregateContributions sums contribution amounts per player address.
// Non-contribution events (broad scans) are filtered here.
func aggregateContributions(events []logindex.Event) []layout.Entry {
	sums := make(map[string]*big.Int)
	for _, e := range events {
		if e.Topic0() != TopicContribution || len(e.Topics) < 2 {
			continue
		}
		player := topicAddress(e.Topics[1])
		if player == "" {
			continue
		}
		amount, err := eventAmount(e.Data)
		if err != nil {
			log.Debug().Str("tx", e.TxHash).Err(err).Msg("bad contribution payload")
			continue
		}
		if cur, ok := sums[player]; ok {
			cur.Add(cur, amount)
		} else {
			sums[player] = amount
		}
	}

	entries := make([]layout.Entry, 0, len(sums))
	for addr, sum := range sums {
		entries = append(entries, layout.Entry{Address: addr, Weight: sum})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Address < entries[j].Address })
	return entries
}

// topicAddress extracts a lowercase address from a 32-byte indexed
// topic value.
func topicAddress(topic string) string {
	t := strings.ToLower(strings.TrimPrefix(topic, "0x"))
	if len(t) != 64 {
		return ""
	}
	return "0x" + t[24:]
}

func eventAmount(data string) (*big.Int, error) {
	raw, err := chain.HexWords(data)
	if err != nil || len(raw) == 0 {
		if err == nil {
			err = logindex.ErrNotFound
		}
		return nil, err
	}
	return raw[0], nil
}

// mergeRoundState folds the previous state into the current one
// field by field: a freshly read value always wins, a nil (failed
// read) falls back to the previous value. Zero, false and empty are
// valid present values and are never treated as absent. Round-scoped
// fields only carry across builds of the same round: on a round
// advance a failed read stays unknown instead of leaking the previous
// round's winner, stage or timestamps.
func mergeRoundState(prev, cur *chain.RoundState) *chain.RoundState {
	if prev == nil {
		return cur
	}
	merged := *cur

	// Contract-wide fields survive any round transition.
	if merged.Owner == nil {
		merged.Owner = prev.Owner
	}
	if merged.EntryMinWei == nil {
		merged.EntryMinWei = prev.EntryMinWei
	}
	if merged.Paused == nil {
		merged.Paused = prev.Paused
	}
	if merged.KeeperReady == nil {
		merged.KeeperReady = prev.KeeperReady
	}

	if merged.Round != nil && prev.Round != nil && *merged.Round != *prev.Round {
		return &merged
	}
	if merged.Round == nil {
		merged.Round = prev.Round
	}
	if merged.Stage == nil {
		merged.Stage = prev.Stage
	}
	if merged.PotWei == nil {
		merged.PotWei = prev.PotWei
	}
	if merged.PlayerCount == nil {
		merged.PlayerCount = prev.PlayerCount
	}
	if merged.OpenedAt == nil {
		merged.OpenedAt = prev.OpenedAt
	}
	if merged.LockAt == nil {
		merged.LockAt = prev.LockAt
	}
	if merged.RevealAt == nil {
		merged.RevealAt = prev.RevealAt
	}
	if merged.ReopenAt == nil {
		merged.ReopenAt = prev.ReopenAt
	}
	if merged.Winner == nil {
		merged.Winner = prev.Winner
	}
	return &merged
}

// lockTimestampMs prefers the round's lock timestamp once it has
// passed; otherwise the spin machine falls back to build time.
func lockTimestampMs(s *chain.RoundState, nowMs int64) int64 {
	if s.LockAt == nil {
		return 0
	}
	ms := int64(*s.LockAt) * 1000
	if ms > 0 && ms <= nowMs {
		return ms
	}
	return 0
}

func derefU64(v *uint64) uint64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefU8(v *uint8) uint8 {
	if v == nil {
		return 0
	}
	return *v
}

func derefBool(v *bool) bool {
	if v == nil {
		return false
	}
	return *v
}

func secToMs(v *uint64) int64 {
	if v == nil {
		return 0
	}
	return int64(*v) * 1000
}
