// Package admission gates which callers may trigger an expensive
// snapshot rebuild. Each caller gets an independent token bucket;
// denial is not an error, the denied caller is served the stale
// last-good result instead.
package admission

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter provides per-caller rebuild admission using token buckets.
type Limiter struct {
	mu          sync.Mutex
	buckets     map[string]*bucket
	refillEvery time.Duration
	burst       int
	maxCallers  int
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates an admission limiter granting one rebuild token
// per refillEvery with the given burst, per caller. maxCallers caps
// the tracked-caller map; the stalest entry is evicted at the cap.
func NewLimiter(refillEvery time.Duration, burst, maxCallers int) *Limiter {
	if refillEvery <= 0 {
		refillEvery = 10 * time.Second
	}
	if burst <= 0 {
		burst = 3
	}
	if maxCallers <= 0 {
		maxCallers = 4096
	}
	return &Limiter{
		buckets:     make(map[string]*bucket),
		refillEvery: refillEvery,
		burst:       burst,
		maxCallers:  maxCallers,
	}
}

// Allow reports whether caller may trigger a rebuild right now and
// consumes a token when it may.
func (l *Limiter) Allow(caller string) bool {
	return l.bucketFor(caller).Allow()
}

// Tokens returns the caller's currently available tokens, for
// telemetry.
func (l *Limiter) Tokens(caller string) float64 {
	return l.bucketFor(caller).Tokens()
}

// Callers returns how many distinct callers are tracked.
func (l *Limiter) Callers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) bucketFor(caller string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[caller]; ok {
		b.lastSeen = time.Now()
		return b.limiter
	}

	if len(l.buckets) >= l.maxCallers {
		l.evictStalest()
	}

	b := &bucket{
		limiter:  rate.NewLimiter(rate.Every(l.refillEvery), l.burst),
		lastSeen: time.Now(),
	}
	l.buckets[caller] = b
	return b.limiter
}

// evictStalest drops the least recently seen caller. Caller must hold
// l.mu.
func (l *Limiter) evictStalest() {
	var stalest string
	oldest := time.Now().Add(time.Hour)
	for caller, b := range l.buckets {
		if b.lastSeen.Before(oldest) {
			oldest = b.lastSeen
			stalest = caller
		}
	}
	if stalest != "" {
		delete(l.buckets, stalest)
	}
}
