package resilience

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Decision is the outcome of an admission check. A denial is a normal result,
// not an error.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter admits at most limit calls per key within any trailing window.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

// Policy binds a limit and window to a key prefix.
type Policy struct {
	Prefix string
	Limit  int
	Window time.Duration
}

func (p Policy) Key(id string) string { return p.Prefix + "-" + id }

// Check applies the policy for id. A zero policy admits everything.
func (p Policy) Check(ctx context.Context, l Limiter, id string) (Decision, error) {
	if l == nil || p.Limit <= 0 || p.Window <= 0 {
		return Decision{Allowed: true, Limit: p.Limit, Remaining: p.Limit}, nil
	}
	return l.Allow(ctx, p.Key(id), p.Limit, p.Window)
}

// MemoryLimiter is an in-process sliding-log limiter.
type MemoryLimiter struct {
	clock func() time.Time

	mu   sync.Mutex
	logs map[string][]time.Time
	hits int
}

func NewMemoryLimiter(clock func() time.Time) *MemoryLimiter {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryLimiter{clock: clock, logs: map[string][]time.Time{}}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (Decision, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	now := l.clock()
	if limit <= 0 || window <= 0 {
		return Decision{Allowed: false, Limit: limit}, nil
	}
	cutoff := now.Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()

	log := l.logs[key]
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	log = log[i:]

	if len(log) >= limit {
		l.logs[key] = log
		return Decision{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			RetryAfter: log[0].Add(window).Sub(now),
		}, nil
	}

	log = append(log, now)
	l.logs[key] = log
	l.hits++
	if l.hits%1024 == 0 {
		l.pruneLocked(now, window)
	}
	return Decision{Allowed: true, Limit: limit, Remaining: limit - len(log)}, nil
}

// pruneLocked drops keys whose newest entry has left the window.
func (l *MemoryLimiter) pruneLocked(now time.Time, window time.Duration) {
	for k, log := range l.logs {
		if len(log) == 0 || !log[len(log)-1].After(now.Add(-window)) {
			delete(l.logs, k)
		}
	}
}
