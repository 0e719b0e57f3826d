package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without invoking the guarded call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// OpenError names the breaker that rejected the call.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%s: %v (retry in %s)", e.Name, ErrCircuitOpen, e.RetryAfter.Round(time.Millisecond))
}

func (e *OpenError) Is(target error) bool { return target == ErrCircuitOpen }

type BreakerConfig struct {
	Name             string
	FailureThreshold int
	RecoveryTimeout  time.Duration
	Clock            func() time.Time
	// OnStateChange is called outside the breaker lock.
	OnStateChange func(name string, from, to State)
	// IsFailure decides whether an error counts against the breaker. Context
	// cancellation of the caller never does. Defaults to any non-nil error.
	IsFailure func(error) bool
}

// Breaker is a consecutive-failure circuit breaker. In HALF_OPEN exactly one
// trial call is let through; concurrent callers fail fast until it finishes.
// Every state change starts a new generation, and a call only counts against
// the generation it was admitted in.
type Breaker struct {
	name      string
	threshold int
	recovery  time.Duration
	now       func() time.Time
	onChange  func(string, State, State)
	isFailure func(error) bool

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trial    bool
	gen      uint64
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	b := &Breaker{
		name:      cfg.Name,
		threshold: cfg.FailureThreshold,
		recovery:  cfg.RecoveryTimeout,
		now:       cfg.Clock,
		onChange:  cfg.OnStateChange,
		isFailure: cfg.IsFailure,
		state:     StateClosed,
	}
	if b.name == "" {
		b.name = "breaker"
	}
	if b.threshold <= 0 {
		b.threshold = 3
	}
	if b.recovery <= 0 {
		b.recovery = 60 * time.Second
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.isFailure == nil {
		b.isFailure = func(err error) bool { return err != nil }
	}
	return b
}

func (b *Breaker) Name() string { return b.name }

// State reports the current state, moving OPEN to HALF_OPEN when the recovery
// timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.recovery {
		return StateHalfOpen
	}
	return b.state
}

// Execute runs fn unless the breaker is open.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	gen, trial, err := b.acquire()
	if err != nil {
		return err
	}
	callErr := fn(ctx)
	b.record(gen, trial, callErr)
	return callErr
}

func (b *Breaker) acquire() (gen uint64, trial bool, err error) {
	b.mu.Lock()
	switch b.state {
	case StateOpen:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.recovery {
			b.mu.Unlock()
			return 0, false, &OpenError{Name: b.name, RetryAfter: b.recovery - elapsed}
		}
		from := b.setStateLocked(StateHalfOpen)
		b.trial = true
		gen = b.gen
		b.mu.Unlock()
		b.notify(from, StateHalfOpen)
		return gen, true, nil
	case StateHalfOpen:
		if b.trial {
			b.mu.Unlock()
			return 0, false, &OpenError{Name: b.name}
		}
		b.trial = true
		gen = b.gen
		b.mu.Unlock()
		return gen, true, nil
	}
	gen = b.gen
	b.mu.Unlock()
	return gen, false, nil
}

func (b *Breaker) record(gen uint64, trial bool, callErr error) {
	failed := callErr != nil && !errors.Is(callErr, context.Canceled) && b.isFailure(callErr)

	b.mu.Lock()
	if gen != b.gen {
		// admitted before the last state change
		b.mu.Unlock()
		return
	}
	from := b.state
	if trial {
		b.trial = false
	}
	switch {
	case !failed && callErr != nil:
		// neutral outcome, a trial slot is simply freed
	case !failed:
		b.failures = 0
		if b.state != StateClosed {
			b.setStateLocked(StateClosed)
		}
	case trial || b.state == StateHalfOpen:
		b.setStateLocked(StateOpen)
	default:
		b.failures++
		if b.failures >= b.threshold {
			b.setStateLocked(StateOpen)
		}
	}
	to := b.state
	b.mu.Unlock()

	if from != to {
		b.notify(from, to)
	}
}

// setStateLocked moves to a new state and generation, returning the old state.
func (b *Breaker) setStateLocked(to State) State {
	from := b.state
	b.state = to
	b.gen++
	b.failures = 0
	b.trial = false
	if to == StateOpen {
		b.openedAt = b.now()
	}
	return from
}

func (b *Breaker) notify(from, to State) {
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

// Registry hands out named breakers created once at startup.
type Registry struct {
	mu       sync.Mutex
	defaults BreakerConfig
	breakers map[string]*Breaker
}

func NewRegistry(defaults BreakerConfig) *Registry {
	return &Registry{defaults: defaults, breakers: map[string]*Breaker{}}
}

// Get returns the breaker with the given name, creating it from the registry
// defaults on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	cfg := r.defaults
	cfg.Name = name
	b := NewBreaker(cfg)
	r.breakers[name] = b
	return b
}

// States snapshots every registered breaker.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	bs := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		bs = append(bs, b)
	}
	r.mu.Unlock()
	out := make(map[string]State, len(bs))
	for _, b := range bs {
		out[b.name] = b.State()
	}
	return out
}
