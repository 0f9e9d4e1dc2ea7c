// Package breaker implements a per-target circuit breaker (closed / open /
// half-open) with a bounded LRU registry, generalizing a cooldown-
// eligibility check into a full three-state machine.
package breaker

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ndycode/oc-chatgpt-multi-auth/internal/clock"
	"github.com/ndycode/oc-chatgpt-multi-auth/internal/errs"
)

// State enumerates a breaker's lifecycle state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

const (
	defaultFailureThreshold   = 5
	defaultFailureWindow      = 30 * time.Second
	defaultResetTimeout       = 30 * time.Second
	defaultHalfOpenMaxAttempt = 1
	defaultRegistrySize       = 100
)

// Options configures breaker policy, shared across every target in a
// Registry.
type Options struct {
	FailureThreshold   int
	FailureWindow      time.Duration
	ResetTimeout       time.Duration
	HalfOpenMaxAttempts int
	RegistrySize       int
	Clock              clock.Clock
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.FailureThreshold <= 0 {
		out.FailureThreshold = defaultFailureThreshold
	}
	if out.FailureWindow <= 0 {
		out.FailureWindow = defaultFailureWindow
	}
	if out.ResetTimeout <= 0 {
		out.ResetTimeout = defaultResetTimeout
	}
	if out.HalfOpenMaxAttempts <= 0 {
		out.HalfOpenMaxAttempts = defaultHalfOpenMaxAttempt
	}
	if out.RegistrySize <= 0 {
		out.RegistrySize = defaultRegistrySize
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	return out
}

// breaker is one target's state machine.
type breaker struct {
	mu               sync.Mutex
	state            State
	failures         []time.Time
	openedAt         time.Time
	halfOpenAttempts int
	opts             Options
}

func newBreaker(opts Options) *breaker {
	return &breaker{state: StateClosed, opts: opts}
}

// pruneStale drops failures outside the sliding failureWindow. Caller
// holds the mutex.
func (b *breaker) pruneStale(now time.Time) {
	cutoff := now.Add(-b.opts.FailureWindow)
	i := 0
	for ; i < len(b.failures); i++ {
		if b.failures[i].After(cutoff) {
			break
		}
	}
	b.failures = b.failures[i:]
}

// CanExecute reports whether a call may proceed, transitioning open ->
// half-open if resetTimeout has elapsed. Returns CircuitOpenError if the
// breaker is open, or half-open but already saturated with trial calls.
func (b *breaker) CanExecute(target string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.opts.Clock.Now()
	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if now.Sub(b.openedAt) >= b.opts.ResetTimeout {
			b.state = StateHalfOpen
			b.halfOpenAttempts = 1
			return nil
		}
		return &errs.CircuitOpenError{Target: target, Message: fmt.Sprintf("circuit open for %s: reset in %s", target, b.opts.ResetTimeout-now.Sub(b.openedAt))}
	case StateHalfOpen:
		if b.halfOpenAttempts >= b.opts.HalfOpenMaxAttempts {
			return &errs.CircuitOpenError{Target: target, Message: fmt.Sprintf("circuit half-open for %s: trial attempts exhausted", target)}
		}
		b.halfOpenAttempts++
		return nil
	default:
		return nil
	}
}

// RecordSuccess closes a half-open breaker, or prunes stale failures
// without otherwise changing a closed breaker's state.
func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.opts.Clock.Now()
	switch b.state {
	case StateHalfOpen:
		b.state = StateClosed
		b.failures = nil
		b.halfOpenAttempts = 0
	case StateClosed:
		b.pruneStale(now)
	}
}

// RecordFailure opens a half-open breaker immediately, or appends a
// failure in closed state and opens if the threshold is reached within
// the sliding window.
func (b *breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.opts.Clock.Now()
	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
		b.halfOpenAttempts = 0
	case StateClosed:
		b.pruneStale(now)
		b.failures = append(b.failures, now)
		if len(b.failures) >= b.opts.FailureThreshold {
			b.state = StateOpen
			b.openedAt = now
		}
	}
}

// Reset forces the breaker closed, clearing failures and counters.
func (b *breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = nil
	b.halfOpenAttempts = 0
}

// getState returns the breaker's current lifecycle state.
func (b *breaker) getState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Registry maps target key -> breaker, bounded by an LRU so unbounded
// target cardinality (e.g. per-account keys) can't leak memory.
type Registry struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *breaker]
	opts  Options
}

// NewRegistry creates a Registry sized per Options (default 100 entries).
// Eviction resets the evicted target's breaker to closed rather than just
// dropping it, so a target that later re-enters the LRU never resumes
// mid-way through a stale trip.
func NewRegistry(opts Options) *Registry {
	resolved := opts.withDefaults()
	cache, _ := lru.NewWithEvict[string, *breaker](resolved.RegistrySize, func(_ string, b *breaker) {
		b.Reset()
	})
	return &Registry{cache: cache, opts: resolved}
}

func (r *Registry) get(target string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.cache.Get(target)
	if !ok {
		b = newBreaker(r.opts)
		r.cache.Add(target, b)
	}
	return b
}

// CanExecute reports whether target may be called right now.
func (r *Registry) CanExecute(target string) error {
	return r.get(target).CanExecute(target)
}

// RecordSuccess reports a successful call against target.
func (r *Registry) RecordSuccess(target string) {
	r.get(target).RecordSuccess()
}

// RecordFailure reports a failed call against target.
func (r *Registry) RecordFailure(target string) {
	r.get(target).RecordFailure()
}

// Reset forces target's breaker closed.
func (r *Registry) Reset(target string) {
	r.get(target).Reset()
}

// StateOf returns target's current state, without creating a new entry
// if none yet exists.
func (r *Registry) StateOf(target string) State {
	r.mu.Lock()
	b, ok := r.cache.Peek(target)
	r.mu.Unlock()
	if !ok {
		return StateClosed
	}
	return b.getState()
}
