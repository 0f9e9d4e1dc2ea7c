// Package authlimit implements the sliding-window auth attempt limiter
// keyed by a normalized account identifier.
package authlimit

import (
	"strings"
	"sync"
	"time"

	"github.com/ndycode/oc-chatgpt-multi-auth/internal/clock"
	"github.com/ndycode/oc-chatgpt-multi-auth/internal/errs"
)

const (
	defaultMaxAttempts = 5
	defaultWindow      = 60 * time.Second
)

// Config holds the limiter's tunable policy: max attempts per window.
type Config struct {
	MaxAttempts int
	Window      time.Duration
}

// Limiter is a sliding-window counter over normalized account keys.
type Limiter struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
	cfg      Config
	clock    clock.Clock
}

// New creates a Limiter with spec defaults (5 attempts / 60s).
func New(c clock.Clock) *Limiter {
	if c == nil {
		c = clock.New()
	}
	return &Limiter{
		attempts: make(map[string][]time.Time),
		cfg:      Config{MaxAttempts: defaultMaxAttempts, Window: defaultWindow},
		clock:    c,
	}
}

// Configure updates the limiter's policy.
func (l *Limiter) Configure(cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cfg.MaxAttempts > 0 {
		l.cfg.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.Window > 0 {
		l.cfg.Window = cfg.Window
	}
}

func normalize(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// prune drops attempts outside the sliding window. Caller holds the lock.
func (l *Limiter) prune(key string, now time.Time) []time.Time {
	cutoff := now.Add(-l.cfg.Window)
	attempts := l.attempts[key]
	i := 0
	for ; i < len(attempts); i++ {
		if attempts[i].After(cutoff) {
			break
		}
	}
	attempts = attempts[i:]
	l.attempts[key] = attempts
	return attempts
}

// CanAttempt reports whether another attempt is allowed for key right now.
func (l *Limiter) CanAttempt(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := normalize(key)
	attempts := l.prune(k, l.clock.Now())
	return len(attempts) < l.cfg.MaxAttempts
}

// RecordAttempt records an attempt for key.
func (l *Limiter) RecordAttempt(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := normalize(key)
	now := l.clock.Now()
	attempts := l.prune(k, now)
	l.attempts[k] = append(attempts, now)
}

// AttemptsRemaining returns how many more attempts key may make within
// the current window.
func (l *Limiter) AttemptsRemaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := normalize(key)
	attempts := l.prune(k, l.clock.Now())
	remaining := l.cfg.MaxAttempts - len(attempts)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// TimeUntilReset returns the duration until key's oldest in-window
// attempt exits the window (0 if there are no in-window attempts).
func (l *Limiter) TimeUntilReset(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := normalize(key)
	now := l.clock.Now()
	attempts := l.prune(k, now)
	if len(attempts) == 0 {
		return 0
	}
	oldest := attempts[0]
	resetAt := oldest.Add(l.cfg.Window)
	if resetAt.Before(now) {
		return 0
	}
	return resetAt.Sub(now)
}

// Reset clears key's recorded attempts.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, normalize(key))
}

// ResetAll clears every key's recorded attempts.
func (l *Limiter) ResetAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = make(map[string][]time.Time)
}

// CheckAuthRateLimit returns an AuthRateLimitError if key has no attempts
// remaining, else nil and implicitly records nothing (callers call
// RecordAttempt themselves on the attempt they're about to make).
func (l *Limiter) CheckAuthRateLimit(key string) error {
	if l.CanAttempt(key) {
		return nil
	}
	remaining := l.AttemptsRemaining(key)
	resetAfter := l.TimeUntilReset(key)
	return &errs.AuthRateLimitError{
		Key:               key,
		AttemptsRemaining: remaining,
		ResetAfterMs:      resetAfter.Milliseconds(),
	}
}
