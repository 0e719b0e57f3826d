package redisx

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/storefront-fulfillment/internal/orders"
	"github.com/ariefcatur/storefront-fulfillment/internal/resilience"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestSlidingWindowLimiter(t *testing.T) {
	_, rdb := newRedis(t)
	clk := &clock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewSlidingWindowLimiter(rdb, clk.Now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := l.Allow(ctx, "checkout-u1", 5, time.Minute)
		require.NoError(t, err)
		require.True(t, d.Allowed, "call %d", i)
		assert.Equal(t, 4-i, d.Remaining)
		clk.Advance(10 * time.Second)
	}

	d, err := l.Allow(ctx, "checkout-u1", 5, time.Minute)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 10*time.Second, d.RetryAfter)

	other, err := l.Allow(ctx, "checkout-u2", 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, other.Allowed)

	clk.Advance(10 * time.Second)
	d, err = l.Allow(ctx, "checkout-u1", 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "oldest admission left the window")
}

func TestSlidingWindowLimiterWithPolicy(t *testing.T) {
	_, rdb := newRedis(t)
	l := NewSlidingWindowLimiter(rdb, nil)
	p := resilience.Policy{Prefix: "admin-write", Limit: 1, Window: time.Minute}

	d, err := p.Check(context.Background(), l, "a1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	d, err = p.Check(context.Background(), l, "a1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestSlidingWindowLimiterReportsRedisErrors(t *testing.T) {
	mr, rdb := newRedis(t)
	mr.Close()

	_, err := NewSlidingWindowLimiter(rdb, nil).Allow(context.Background(), "k", 1, time.Second)
	assert.Error(t, err)
}

func TestStatusCache(t *testing.T) {
	mr, rdb := newRedis(t)
	c := NewStatusCache(rdb, time.Minute)
	ctx := context.Background()

	_, ok, err := c.GetStatus(ctx, "o1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.SetStatus(ctx, "o1", orders.CachedStatus{Status: orders.StatusPaid, OwnerID: "u1"}))
	s, ok, err := c.GetStatus(ctx, "o1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, orders.CachedStatus{Status: orders.StatusPaid, OwnerID: "u1"}, s)

	mr.FastForward(2 * time.Minute)
	_, ok, err = c.GetStatus(ctx, "o1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDedup(t *testing.T) {
	mr, rdb := newRedis(t)
	d := NewDedup(rdb, "settlement", time.Hour)
	ctx := context.Background()

	first, err := d.Claim(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, first)
	assert.True(t, mr.Exists("dedup:settlement:evt_1"))

	again, err := d.Claim(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, again)

	require.NoError(t, d.Release(ctx, "evt_1"))
	retry, err := d.Claim(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, retry)
	assert.True(t, mr.Exists("dedup:settlement:evt_1"))
}
