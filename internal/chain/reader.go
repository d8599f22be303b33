package chain

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/rs/zerolog/log"
)

// fieldSpec binds one contract getter to its slot in RoundState. The
// decode func tolerates failure by leaving the field nil.
type fieldSpec struct {
	name   string
	sig    string
	decode func(*RoundState, []byte) error
}

// roundFields is the fixed read set. Order is the multicall order.
var roundFields = []fieldSpec{
	{"owner", "owner()", func(s *RoundState, raw []byte) error {
		v, err := decodeAddress(raw)
		if err == nil {
			s.Owner = &v
		}
		return err
	}},
	{"round", "currentRound()", func(s *RoundState, raw []byte) error {
		v, err := decodeUint64(raw)
		if err == nil {
			s.Round = &v
		}
		return err
	}},
	{"stage", "stage()", func(s *RoundState, raw []byte) error {
		v, err := decodeUint64(raw)
		if err == nil {
			u8 := uint8(v)
			s.Stage = &u8
		}
		return err
	}},
	{"pot", "potBalance()", func(s *RoundState, raw []byte) error {
		v, err := decodeUint256(raw)
		if err == nil {
			s.PotWei = v
		}
		return err
	}},
	{"entry_min", "entryMinimum()", func(s *RoundState, raw []byte) error {
		v, err := decodeUint256(raw)
		if err == nil {
			s.EntryMinWei = v
		}
		return err
	}},
	{"player_count", "playerCount()", func(s *RoundState, raw []byte) error {
		v, err := decodeUint64(raw)
		if err == nil {
			s.PlayerCount = &v
		}
		return err
	}},
	{"opened_at", "roundOpenedAt()", func(s *RoundState, raw []byte) error {
		v, err := decodeUint64(raw)
		if err == nil {
			s.OpenedAt = &v
		}
		return err
	}},
	{"lock_at", "roundLockAt()", func(s *RoundState, raw []byte) error {
		v, err := decodeUint64(raw)
		if err == nil {
			s.LockAt = &v
		}
		return err
	}},
	{"reveal_at", "roundRevealAt()", func(s *RoundState, raw []byte) error {
		v, err := decodeUint64(raw)
		if err == nil {
			s.RevealAt = &v
		}
		return err
	}},
	{"reopen_at", "roundReopenAt()", func(s *RoundState, raw []byte) error {
		v, err := decodeUint64(raw)
		if err == nil {
			s.ReopenAt = &v
		}
		return err
	}},
	{"winner", "roundWinner()", func(s *RoundState, raw []byte) error {
		v, err := decodeAddress(raw)
		if err == nil {
			s.Winner = &v
		}
		return err
	}},
	{"paused", "paused()", func(s *RoundState, raw []byte) error {
		v, err := decodeBool(raw)
		if err == nil {
			s.Paused = &v
		}
		return err
	}},
	{"keeper_ready", "keeperReady()", func(s *RoundState, raw []byte) error {
		v, err := decodeBool(raw)
		if err == nil {
			s.KeeperReady = &v
		}
		return err
	}},
}

// ReadRound reads the full round state, batched when the provider
// allows it. A detected batch rejection flips the sticky fallback
// latch; the per-field path is then used for the rest of the process
// lifetime.
func (c *Client) ReadRound(ctx context.Context) (*RoundState, error) {
	if c.cfg.Multicall != "" && !c.fallbackMode.Load() {
		state, err := c.readBatched(ctx)
		if err == nil {
			return state, nil
		}
		if !isBatchRejection(err) {
			return nil, err
		}
		c.fallbackMode.Store(true)
		log.Warn().Err(err).Msg("provider rejected batched reads, switching to per-field fallback permanently")
	}
	return c.readPerField(ctx)
}

func (c *Client) readBatched(ctx context.Context) (*RoundState, error) {
	selectors := make([]string, 0, len(roundFields))
	for _, f := range roundFields {
		selectors = append(selectors, Selector(f.sig))
	}

	calldata, err := encodeAggregate(c.cfg.Contract, selectors)
	if err != nil {
		return nil, err
	}

	raw, err := c.ethCall(ctx, c.cfg.Multicall, calldata)
	if err != nil {
		return nil, err
	}

	block, returns, err := decodeAggregate("0x" + hex.EncodeToString(raw))
	if err != nil {
		return nil, err
	}
	if len(returns) != len(roundFields) {
		return nil, fmt.Errorf("chain: aggregate returned %d results, want %d", len(returns), len(roundFields))
	}

	state := &RoundState{Block: block}
	for i, f := range roundFields {
		if err := f.decode(state, returns[i]); err != nil {
			log.Debug().Str("field", f.name).Err(err).Msg("batched field decode failed")
		}
	}
	return state, nil
}

// readPerField reads each field with its own eth_call. A failed field
// stays nil; only a total wipeout (every field failing) is an error.
func (c *Client) readPerField(ctx context.Context) (*RoundState, error) {
	state := &RoundState{}
	failed := 0
	var lastErr error

	for _, f := range roundFields {
		raw, err := c.ethCall(ctx, c.cfg.Contract, Selector(f.sig))
		if err == nil {
			err = f.decode(state, raw)
		}
		if err != nil {
			failed++
			lastErr = err
			log.Debug().Str("field", f.name).Err(err).Msg("per-field read failed")
		}
	}

	if failed == len(roundFields) {
		return nil, fmt.Errorf("chain: all per-field reads failed: %w", lastErr)
	}
	return state, nil
}

// Players returns the authoritative on-chain participant enumeration
// for the active round.
func (c *Client) Players(ctx context.Context) ([]string, error) {
	raw, err := c.ethCall(ctx, c.cfg.Contract, Selector("getPlayers()"))
	if err != nil {
		return nil, err
	}
	return decodeAddressArray(raw)
}

// decodeAddressArray unpacks a dynamic address[] return value.
func decodeAddressArray(raw []byte) ([]string, error) {
	if len(raw) < 64 {
		return nil, fmt.Errorf("chain: address array too short (%d bytes)", len(raw))
	}
	off := wordUint64(raw[0:32])
	// Subtraction form so hostile offsets cannot overflow the check.
	if off > uint64(len(raw))-32 {
		return nil, fmt.Errorf("chain: address array offset out of range")
	}
	arr := raw[off:]
	count := wordUint64(arr[0:32])
	if count > (uint64(len(arr))-32)/32 {
		return nil, fmt.Errorf("chain: address array truncated")
	}

	out := make([]string, 0, count)
	for i := uint64(0); i < count; i++ {
		addr, err := decodeAddress(arr[32+i*32 : 64+i*32])
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}
