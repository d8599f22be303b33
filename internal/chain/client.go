// Package chain is the upstream ledger read/write client. Reads go
// through a Multicall3-style batched eth_call when the provider
// supports it and fall back permanently to per-field calls when it
// does not. All calls are paced by a token bucket and guarded by a
// circuit breaker.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ErrBatchUnsupported marks the provider-rejected-multicall condition
// that flips the client into per-field fallback for the process
// lifetime.
var ErrBatchUnsupported = errors.New("chain: batched reads unsupported by provider")

// RoundState is the ledger-native view of the active round. Every
// field is independently nullable: a failed per-field read leaves its
// field nil instead of aborting the whole state.
type RoundState struct {
	Owner       *string
	Round       *uint64
	Stage       *uint8
	PotWei      *big.Int
	EntryMinWei *big.Int
	PlayerCount *uint64
	OpenedAt    *uint64
	LockAt      *uint64
	RevealAt    *uint64
	ReopenAt    *uint64
	Winner      *string
	Paused      *bool
	KeeperReady *bool

	Block uint64 // block the state was read at (0 in fallback mode)
}

// Reader is what the snapshot builder consumes.
type Reader interface {
	ReadRound(ctx context.Context) (*RoundState, error)
	Players(ctx context.Context) ([]string, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Submitter is the privileged write surface used only by the keeper.
type Submitter interface {
	SubmitReveal(ctx context.Context, round uint64) (txHash string, err error)
}

// Config configures the RPC client.
type Config struct {
	RPCURL     string
	Contract   string // wheel contract address
	Multicall  string // Multicall3 deployment, empty disables batching
	KeeperFrom string // unlocked account used for reveal submission

	RequestTimeout time.Duration
	RPS            float64
	Burst          int
}

func (c *Config) applyDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 8 * time.Second
	}
	if c.RPS <= 0 {
		c.RPS = 10
	}
	if c.Burst <= 0 {
		c.Burst = 20
	}
}

// Client talks JSON-RPC to one provider.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	// fallbackMode is a one-way latch: once a provider rejects batched
	// reads it is never re-probed.
	fallbackMode atomic.Bool

	mu     sync.Mutex
	nextID int64
}

// NewClient creates a ledger client for the configured provider.
func NewClient(cfg Config) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "ledger-rpc",
			MaxRequests: 2,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).
					Str("from", from.String()).Str("to", to.String()).
					Msg("circuit breaker state change")
			},
		}),
	}
}

// FallbackMode reports whether the sticky per-field fallback latch has
// fired.
func (c *Client) FallbackMode() bool {
	return c.fallbackMode.Load()
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call performs one JSON-RPC request under the rate limiter and
// circuit breaker.
func (c *Client) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("chain: limiter: %w", err)
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.mu.Unlock()

	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("chain: marshal request: %w", err)
	}

	out, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RPCURL, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("chain: %s: %w", method, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("chain: %s: unexpected status %d", method, resp.StatusCode)
		}

		var rr rpcResponse
		if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
			return nil, fmt.Errorf("chain: %s: decode: %w", method, err)
		}
		if rr.Error != nil {
			return nil, fmt.Errorf("chain: %s: %w", method, rr.Error)
		}
		return rr.Result, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(json.RawMessage), nil
}

// ethCall runs eth_call against the given target at latest.
func (c *Client) ethCall(ctx context.Context, to, data string) ([]byte, error) {
	raw, err := c.call(ctx, "eth_call", map[string]string{"to": to, "data": data}, "latest")
	if err != nil {
		return nil, err
	}
	var hexResult string
	if err := json.Unmarshal(raw, &hexResult); err != nil {
		return nil, fmt.Errorf("chain: eth_call result: %w", err)
	}
	return hexBytes(hexResult)
}

// BlockNumber returns the provider's current head block.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	raw, err := c.call(ctx, "eth_blockNumber")
	if err != nil {
		return 0, err
	}
	var hexResult string
	if err := json.Unmarshal(raw, &hexResult); err != nil {
		return 0, fmt.Errorf("chain: eth_blockNumber result: %w", err)
	}
	return HexToUint64(hexResult)
}

// isBatchRejection classifies provider errors that mean "this endpoint
// will never serve the multicall", as opposed to transient failures.
func isBatchRejection(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"execution reverted",
		"method not found",
		"method not supported",
		"not supported",
		"no code at address",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// SubmitReveal asks the provider to advance the round by revealing the
// winner. Requires an unlocked keeper account on the node.
func (c *Client) SubmitReveal(ctx context.Context, round uint64) (string, error) {
	data := Selector("revealWinner(uint256)") + uintWord(round)
	raw, err := c.call(ctx, "eth_sendTransaction", map[string]string{
		"from": c.cfg.KeeperFrom,
		"to":   c.cfg.Contract,
		"data": data,
	})
	if err != nil {
		return "", err
	}
	var txHash string
	if err := json.Unmarshal(raw, &txHash); err != nil {
		return "", fmt.Errorf("chain: eth_sendTransaction result: %w", err)
	}
	log.Info().Uint64("round", round).Str("tx", txHash).Msg("reveal submitted")
	return txHash, nil
}
