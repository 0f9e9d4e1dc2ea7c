// Package ratelimit implements the rate-limit backoff tracker: per
// (account-index, quota-key) attempt counting with a dedup window, a
// quiet-period reset, and a reason-weighted exponential delay curve. The
// exponential growth curve itself is driven by cenkalti/backoff/v5's
// ExponentialBackOff, generalized here to a reason-weighted formula.
package ratelimit

import (
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ndycode/oc-chatgpt-multi-auth/internal/clock"
)

// Reason classifies why a 429 occurred, driving the backoff multiplier.
type Reason string

const (
	ReasonQuota      Reason = "quota"
	ReasonTokens     Reason = "tokens"
	ReasonConcurrent Reason = "concurrent"
	ReasonUnknown    Reason = "unknown"
)

// ParseRateLimitReason maps a lowercased upstream error code to a Reason.
func ParseRateLimitReason(code string) Reason {
	c := strings.ToLower(code)
	switch {
	case strings.Contains(c, "quota"), strings.Contains(c, "usage_limit"):
		return ReasonQuota
	case strings.Contains(c, "token"), strings.Contains(c, "tpm"), strings.Contains(c, "rpm"):
		return ReasonTokens
	case strings.Contains(c, "concurrent"), strings.Contains(c, "parallel"):
		return ReasonConcurrent
	default:
		return ReasonUnknown
	}
}

func multiplier(r Reason) float64 {
	switch r {
	case ReasonQuota:
		return 3.0
	case ReasonTokens:
		return 1.5
	case ReasonConcurrent:
		return 0.5
	default:
		return 1.0
	}
}

const (
	defaultDedupWindow   = 2 * time.Second
	defaultQuietPeriod   = 120 * time.Second
	defaultFallbackMs    = 1000
	defaultMaxBackoffMs  = 5 * 60 * 1000
)

// Options configures a Tracker's timing policy.
type Options struct {
	DedupWindow  time.Duration
	QuietPeriod  time.Duration
	FallbackMs   int64
	MaxBackoffMs int64
	Clock        clock.Clock
}

type key struct {
	index int
	quota string
}

type record struct {
	attempt int
	lastAt  time.Time
}

// Result is the outcome of recording a 429.
type Result struct {
	Attempt     int
	DelayMs     int64
	IsDuplicate bool
}

// Tracker holds rate-limit backoff state per (account-index, quota-key).
type Tracker struct {
	mu           sync.Mutex
	records      map[key]*record
	dedupWindow  time.Duration
	quietPeriod  time.Duration
	fallbackMs   int64
	maxBackoffMs int64
	clock        clock.Clock
}

// New creates a Tracker with spec-default policy constants, overridable
// via Options.
func New(opts Options) *Tracker {
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = defaultDedupWindow
	}
	if opts.QuietPeriod <= 0 {
		opts.QuietPeriod = defaultQuietPeriod
	}
	if opts.FallbackMs <= 0 {
		opts.FallbackMs = defaultFallbackMs
	}
	if opts.MaxBackoffMs <= 0 {
		opts.MaxBackoffMs = defaultMaxBackoffMs
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Tracker{
		records:      make(map[key]*record),
		dedupWindow:  opts.DedupWindow,
		quietPeriod:  opts.QuietPeriod,
		fallbackMs:   opts.FallbackMs,
		maxBackoffMs: opts.MaxBackoffMs,
		clock:        opts.Clock,
	}
}

// normalizeRetryAfter clamps a server-provided retry-after hint: a
// non-positive, non-finite, or missing value falls back to fallbackMs.
func (t *Tracker) normalizeRetryAfter(serverRetryAfterMs int64, present bool) int64 {
	if !present || serverRetryAfterMs <= 0 {
		return t.fallbackMs
	}
	return serverRetryAfterMs
}

// exponentialFactor returns 2^(attempt-1) as a fraction of InitialInterval,
// walking a fresh cenkalti/backoff/v5 ExponentialBackOff forward
// (attempt-1) steps via NextBackOff so the curve's actual growth, not just
// its Multiplier field, comes from the library.
func exponentialFactor(attempt int) float64 {
	if attempt <= 1 {
		return 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0
	b.MaxInterval = time.Duration(1<<63 - 1)
	b.Reset()
	next := b.InitialInterval
	for i := 0; i < attempt; i++ {
		d := b.NextBackOff()
		if d == backoff.Stop {
			break
		}
		next = d
	}
	return next.Seconds()
}

// RecordRateLimit records a 429 for (index, quotaKey), returning the
// attempt number (post dedup/quiet-period handling) and computed delay.
func (t *Tracker) RecordRateLimit(index int, quotaKey string, reason Reason, serverRetryAfterMs int64, retryAfterPresent bool) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	k := key{index, quotaKey}
	r, ok := t.records[k]
	if !ok {
		r = &record{attempt: 0, lastAt: time.Time{}}
		t.records[k] = r
	}

	if ok && !r.lastAt.IsZero() && now.Sub(r.lastAt) < t.dedupWindow {
		return Result{
			Attempt:     r.attempt,
			DelayMs:     t.computeDelay(r.attempt, reason, serverRetryAfterMs, retryAfterPresent),
			IsDuplicate: true,
		}
	}

	if ok && !r.lastAt.IsZero() && now.Sub(r.lastAt) >= t.quietPeriod {
		r.attempt = 0
	}

	r.attempt++
	r.lastAt = now

	return Result{
		Attempt:     r.attempt,
		DelayMs:     t.computeDelay(r.attempt, reason, serverRetryAfterMs, retryAfterPresent),
		IsDuplicate: false,
	}
}

func (t *Tracker) computeDelay(attempt int, reason Reason, serverRetryAfterMs int64, retryAfterPresent bool) int64 {
	base := t.normalizeRetryAfter(serverRetryAfterMs, retryAfterPresent)
	delay := float64(base) * exponentialFactor(attempt) * multiplier(reason)
	if delay > float64(t.maxBackoffMs) {
		delay = float64(t.maxBackoffMs)
	}
	return int64(delay)
}

// Reset drops a single (account-index, quota-key) record.
func (t *Tracker) Reset(index int, quotaKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, key{index, quotaKey})
}

// Clear drops every record.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = make(map[key]*record)
}
