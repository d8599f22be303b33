// Package logindex queries the secondary event-log index: topic and
// time-window filtered event lookups with pagination and bounded
// exponential backoff on rate-limit or server errors.
package logindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Event is one indexed contract event.
type Event struct {
	Address  string   `json:"address"`
	Topics   []string `json:"topics"`
	Data     string   `json:"data"`
	Block    uint64   `json:"block"`
	TimeMs   int64    `json:"timeMs"`
	TxHash   string   `json:"txHash"`
	LogIndex uint64   `json:"logIndex"`
}

// Topic0 returns the event signature topic, or "" when absent.
func (e Event) Topic0() string {
	if len(e.Topics) == 0 {
		return ""
	}
	return e.Topics[0]
}

// Query describes one window scan. An empty Topic0 drops the topic
// filter (broad scan).
type Query struct {
	Contract string
	Topic0   string
	FromMs   int64
	ToMs     int64
}

// Querier is what the snapshot builder consumes.
type Querier interface {
	Query(ctx context.Context, q Query) ([]Event, error)
}

// Config configures the index client.
type Config struct {
	BaseURL string

	PageSize       int
	MaxPages       int
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	RequestTimeout time.Duration
	CacheTTL       time.Duration
	RPS            float64
	Burst          int
}

func (c *Config) applyDefaults() {
	if c.PageSize <= 0 {
		c.PageSize = 500
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 20
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 4
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 400 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 8 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 8 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Second
	}
	if c.RPS <= 0 {
		c.RPS = 5
	}
	if c.Burst <= 0 {
		c.Burst = 10
	}
}

// Client talks to one log-index deployment.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	cache   *queryCache
}

// NewClient creates a log-index client.
func NewClient(cfg Config) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		cache:   newQueryCache(64),
	}
}

// Close releases the client's background resources.
func (c *Client) Close() {
	c.cache.stop()
}

type pageResponse struct {
	Items    []Event `json:"items"`
	NextPage *int    `json:"nextPage"`
}

// Query fetches all events matching q, following pagination. Results
// are cached briefly so back-to-back rebuilds reuse the same scan.
func (c *Client) Query(ctx context.Context, q Query) ([]Event, error) {
	key := cacheKey(q)
	if events, ok := c.cache.get(key); ok {
		return events, nil
	}

	var all []Event
	page := 1
	for pages := 0; pages < c.cfg.MaxPages; pages++ {
		resp, err := c.fetchPage(ctx, q, page)
		if err != nil {
			return nil, err
		}
		all = append(all, resp.Items...)
		if resp.NextPage == nil {
			c.cache.set(key, all, c.cfg.CacheTTL)
			return all, nil
		}
		page = *resp.NextPage
	}
	return nil, fmt.Errorf("logindex: query exceeded %d pages", c.cfg.MaxPages)
}

// fetchPage requests one page, retrying rate-limit and server errors
// with jittered exponential backoff.
func (c *Client) fetchPage(ctx context.Context, q Query, page int) (*pageResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(c.cfg.BackoffBase, c.cfg.BackoffCap, attempt)
			log.Debug().Int("attempt", attempt).Dur("delay", delay).Msg("log index backoff")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("logindex: limiter: %w", err)
		}

		resp, retryable, err := c.doRequest(ctx, q, page)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, fmt.Errorf("logindex: retries exhausted: %w", lastErr)
}

func (c *Client) doRequest(ctx context.Context, q Query, page int) (*pageResponse, bool, error) {
	u, err := url.Parse(c.cfg.BaseURL + "/v1/logs")
	if err != nil {
		return nil, false, fmt.Errorf("logindex: bad base url: %w", err)
	}
	params := url.Values{}
	params.Set("address", q.Contract)
	if q.Topic0 != "" {
		params.Set("topic0", q.Topic0)
	}
	params.Set("from", strconv.FormatInt(q.FromMs, 10))
	params.Set("to", strconv.FormatInt(q.ToMs, 10))
	params.Set("page", strconv.Itoa(page))
	params.Set("limit", strconv.Itoa(c.cfg.PageSize))
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, false, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("logindex: request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("logindex: status %d", resp.StatusCode)
	default:
		return nil, false, fmt.Errorf("logindex: status %d", resp.StatusCode)
	}

	var pr pageResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, false, fmt.Errorf("logindex: decode page: %w", err)
	}
	return &pr, false, nil
}

func backoffDelay(base, ceil time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	if d > ceil {
		d = ceil
	}
	// Full jitter keeps concurrent retriers from stampeding.
	return time.Duration(rand.Int63n(int64(d)) + int64(d)/2)
}

func cacheKey(q Query) string {
	return q.Contract + "|" + q.Topic0 + "|" +
		strconv.FormatInt(q.FromMs, 10) + "|" + strconv.FormatInt(q.ToMs, 10)
}

// ErrNotFound is returned by helpers when a required event is absent.
var ErrNotFound = errors.New("logindex: event not found")

// Latest returns the most recent event in the slice by (block,
// logIndex) order, or ErrNotFound.
func Latest(events []Event) (Event, error) {
	if len(events) == 0 {
		return Event{}, ErrNotFound
	}
	best := events[0]
	for _, e := range events[1:] {
		if e.Block > best.Block || (e.Block == best.Block && e.LogIndex > best.LogIndex) {
			best = e
		}
	}
	return best, nil
}
