// Package tokenbucket implements the per (account-index, quota-key) leaky
// bucket used by the selection engine's hybrid score: a true token-count
// bucket with a refund window for canceled requests.
package tokenbucket

import (
	"container/list"
	"sync"
	"time"

	"github.com/ndycode/oc-chatgpt-multi-auth/internal/clock"
)

const defaultRefundWindow = 30 * time.Second

type key struct {
	index int
	quota string
}

type consumption struct {
	at time.Time
}

type bucket struct {
	tokens       float64
	lastRefill   time.Time
	consumptions *list.List // of *consumption, oldest first
}

// Options configures a Tracker's bucket policy.
type Options struct {
	MaxTokens       int
	TokensPerMinute float64
	RefundWindow    time.Duration
	Clock           clock.Clock
}

// Tracker holds leaky-bucket state for every (account-index, quota-key)
// pair. Purely in-memory, single-scheduling-thread.
type Tracker struct {
	mu           sync.Mutex
	buckets      map[key]*bucket
	maxTokens    int
	perMinute    float64
	refundWindow time.Duration
	clock        clock.Clock
}

// New creates a Tracker. maxTokens and tokensPerMinute must be positive;
// sensible proxy defaults are maxTokens=60, tokensPerMinute=60 (roughly
// one request-token per second) when zero is passed.
func New(opts Options) *Tracker {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 60
	}
	if opts.TokensPerMinute <= 0 {
		opts.TokensPerMinute = 60
	}
	if opts.RefundWindow <= 0 {
		opts.RefundWindow = defaultRefundWindow
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Tracker{
		buckets:      make(map[key]*bucket),
		maxTokens:    opts.MaxTokens,
		perMinute:    opts.TokensPerMinute,
		refundWindow: opts.RefundWindow,
		clock:        opts.Clock,
	}
}

func (t *Tracker) getOrInit(k key) *bucket {
	b, ok := t.buckets[k]
	if !ok {
		b = &bucket{tokens: float64(t.maxTokens), lastRefill: t.clock.Now(), consumptions: list.New()}
		t.buckets[k] = b
	}
	return b
}

func (t *Tracker) refill(b *bucket, now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed > 0 {
		b.tokens += elapsed.Minutes() * t.perMinute
		if b.tokens > float64(t.maxTokens) {
			b.tokens = float64(t.maxTokens)
		}
	}
	b.lastRefill = now
}

// GetTokens refills then returns the integer floor of the bucket's token
// count. A fresh record reports maxTokens.
func (t *Tracker) GetTokens(index int, quotaKey string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.getOrInit(key{index, quotaKey})
	t.refill(b, t.clock.Now())
	return int(b.tokens)
}

// TryConsume refills, then consumes one token if at least one is
// available, recording the consumption for a possible later refund.
// Returns false (no-op) if the bucket has less than one token.
func (t *Tracker) TryConsume(index int, quotaKey string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	b := t.getOrInit(key{index, quotaKey})
	t.refill(b, now)
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	b.consumptions.PushBack(&consumption{at: now})
	return true
}

// RefundToken refunds at most one recently-consumed token, if a
// consumption happened within the refund window. Returns true on refund.
func (t *Tracker) RefundToken(index int, quotaKey string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	b, ok := t.buckets[key{index, quotaKey}]
	if !ok || b.consumptions.Len() == 0 {
		return false
	}
	last := b.consumptions.Back()
	c := last.Value.(*consumption)
	if now.Sub(c.at) > t.refundWindow {
		return false
	}
	b.consumptions.Remove(last)
	b.tokens++
	if b.tokens > float64(t.maxTokens) {
		b.tokens = float64(t.maxTokens)
	}
	return true
}

// Drain subtracts n tokens (clamped at zero). A fresh record starts from
// maxTokens before the subtraction is applied.
func (t *Tracker) Drain(index int, quotaKey string, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.getOrInit(key{index, quotaKey})
	t.refill(b, t.clock.Now())
	b.tokens -= float64(n)
	if b.tokens < 0 {
		b.tokens = 0
	}
}

// Reset drops a single (account-index, quota-key) bucket.
func (t *Tracker) Reset(index int, quotaKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.buckets, key{index, quotaKey})
}

// Clear drops every bucket.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buckets = make(map[key]*bucket)
}
