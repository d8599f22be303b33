package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yusef-r/daowyn-sub000/internal/admission"
	"github.com/yusef-r/daowyn-sub000/internal/snapshot"
)

type scriptedBuilder struct {
	mu     sync.Mutex
	builds atomic.Int64
	delay  time.Duration
	err    error
	clock  func() time.Time
	block  uint64
}

func (b *scriptedBuilder) Build(ctx context.Context) (*snapshot.BuildResult, error) {
	n := b.builds.Add(1)
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	b.mu.Lock()
	err := b.err
	block := b.block
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	hash := "hash-" + string(rune('a'+n-1))
	return &snapshot.BuildResult{
		Body:      &snapshot.Canonical{Round: uint64(n)},
		BuiltAtMs: b.clock().UnixMilli(),
		ForBlock:  block,
		Hash:      hash,
		ETag:      `"` + hash + `"`,
	}, nil
}

func (b *scriptedBuilder) setErr(err error) {
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, admit *admission.Limiter) (*Cache, *scriptedBuilder, *testClock) {
	t.Helper()
	clock := &testClock{now: time.UnixMilli(1_000_000)}
	builder := &scriptedBuilder{clock: clock.Now, block: 42}
	c := New(Config{StaleCeiling: 20 * time.Second}, builder, admit, nil, clock.Now)
	return c, builder, clock
}

func TestGet_SingleFlight(t *testing.T) {
	c, builder, _ := newTestCache(t, nil)
	builder.delay = 50 * time.Millisecond

	const n = 10
	var wg sync.WaitGroup
	results := make([]*snapshot.BuildResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, _, err := c.Get(context.Background(), Options{Caller: "c"})
			require.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), builder.builds.Load(), "concurrent callers share one build")
	for i := 1; i < n; i++ {
		assert.Same(t, results[0], results[i], "all callers observe the same build")
	}
}

func TestGet_FreshServedWithoutRebuild(t *testing.T) {
	c, builder, clock := newTestCache(t, nil)

	first, out, err := c.Get(context.Background(), Options{})
	require.NoError(t, err)
	assert.True(t, out.Rebuilt)

	clock.Advance(5 * time.Second)
	second, out, err := c.Get(context.Background(), Options{})
	require.NoError(t, err)
	assert.False(t, out.Rebuilt)
	assert.False(t, out.Stale)
	assert.Same(t, first, second)
	assert.Equal(t, int64(1), builder.builds.Load())
}

func TestGet_StaleCeilingForcesRebuild(t *testing.T) {
	c, builder, clock := newTestCache(t, nil)

	_, _, err := c.Get(context.Background(), Options{})
	require.NoError(t, err)

	clock.Advance(25 * time.Second)
	_, out, err := c.Get(context.Background(), Options{})
	require.NoError(t, err)
	assert.True(t, out.Rebuilt)
	assert.Equal(t, int64(2), builder.builds.Load())
}

func TestGet_FailedRebuildServesStaleWithOriginalETag(t *testing.T) {
	c, builder, clock := newTestCache(t, nil)

	first, _, err := c.Get(context.Background(), Options{})
	require.NoError(t, err)

	clock.Advance(25 * time.Second)
	builder.setErr(errors.New("upstream down"))

	res, out, err := c.Get(context.Background(), Options{})
	require.NoError(t, err, "failures resolve to a stale 200, not an error")
	assert.True(t, out.Stale)
	assert.False(t, out.RateLimited)
	assert.Same(t, first, res)
	assert.Equal(t, first.ETag, res.ETag, "the original validator is preserved")
}

func TestGet_FirstBuildFailurePropagates(t *testing.T) {
	c, builder, _ := newTestCache(t, nil)
	builder.setErr(errors.New("upstream down"))

	_, _, err := c.Get(context.Background(), Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestGet_AdmissionDeniedServesStale(t *testing.T) {
	admit := admission.NewLimiter(time.Hour, 1, 0)
	c, builder, clock := newTestCache(t, admit)

	// First build consumes the caller's only token.
	first, _, err := c.Get(context.Background(), Options{Caller: "1.2.3.4"})
	require.NoError(t, err)

	clock.Advance(25 * time.Second)
	res, out, err := c.Get(context.Background(), Options{Caller: "1.2.3.4"})
	require.NoError(t, err)
	assert.True(t, out.RateLimited)
	assert.True(t, out.Stale)
	assert.Same(t, first, res)
	assert.Equal(t, int64(1), builder.builds.Load(), "denied caller never triggers a build")

	// A different caller still may rebuild.
	_, out, err = c.Get(context.Background(), Options{Caller: "5.6.7.8"})
	require.NoError(t, err)
	assert.True(t, out.Rebuilt)
	assert.Equal(t, int64(2), builder.builds.Load())
}

func TestGet_ColdCacheOverridesAdmissionDenial(t *testing.T) {
	admit := admission.NewLimiter(time.Hour, 1, 0)
	admit.Allow("1.2.3.4") // exhaust the caller's token beforehand

	c, builder, _ := newTestCache(t, admit)
	res, _, err := c.Get(context.Background(), Options{Caller: "1.2.3.4"})
	require.NoError(t, err, "cold cache must build even for a denied caller")
	require.NotNil(t, res)
	assert.Equal(t, int64(1), builder.builds.Load())
}

func TestGet_ForBlockForcesRebuild(t *testing.T) {
	c, builder, _ := newTestCache(t, nil)

	_, _, err := c.Get(context.Background(), Options{})
	require.NoError(t, err)

	// Fresh by age but behind the requested block.
	builder.mu.Lock()
	builder.block = 50
	builder.mu.Unlock()

	res, out, err := c.Get(context.Background(), Options{ForBlock: 45})
	require.NoError(t, err)
	assert.True(t, out.Rebuilt)
	assert.Equal(t, uint64(50), res.ForBlock)

	// Satisfied block floor: no further rebuild.
	_, out, err = c.Get(context.Background(), Options{ForBlock: 45})
	require.NoError(t, err)
	assert.False(t, out.Rebuilt)
	assert.Equal(t, int64(2), builder.builds.Load())
}

func TestPeek_NeverTriggersBuild(t *testing.T) {
	c, builder, _ := newTestCache(t, nil)

	assert.Nil(t, c.Peek())
	assert.Equal(t, int64(0), builder.builds.Load())

	_, _, err := c.Get(context.Background(), Options{})
	require.NoError(t, err)
	assert.NotNil(t, c.Peek())
	assert.Equal(t, int64(1), builder.builds.Load())
}
