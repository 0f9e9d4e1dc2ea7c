// Package health tracks a per (account-index, quota-key) score in
// [0,100], with passive time-based recovery, backed by a purely
// in-memory map rather than an external cache.
package health

import (
	"sync"
	"time"

	"github.com/ndycode/oc-chatgpt-multi-auth/internal/clock"
)

const (
	minScore = 0
	maxScore = 100

	successDelta   = 5
	rateLimitDelta = -20
	failureDelta   = -10

	passiveRecoveryPerHour = 10.0
)

type key struct {
	index int
	quota string
}

type record struct {
	score               int
	consecutiveFailures int
	lastUpdate          time.Time
}

// Tracker holds health records for every (account-index, quota-key) pair
// seen so far. Not safe for unsynchronized concurrent use across
// goroutines beyond its own internal mutex — callers on multiple
// scheduling threads must serialize externally.
type Tracker struct {
	mu      sync.Mutex
	records map[key]*record
	clock   clock.Clock
}

// New creates an empty Tracker.
func New(c clock.Clock) *Tracker {
	if c == nil {
		c = clock.New()
	}
	return &Tracker{records: make(map[key]*record), clock: c}
}

func (t *Tracker) getOrInit(k key) *record {
	r, ok := t.records[k]
	if !ok {
		r = &record{score: maxScore, lastUpdate: t.clock.Now()}
		t.records[k] = r
	}
	return r
}

// applyPassiveRecovery raises r's score toward maxScore proportional to
// elapsed hours since lastUpdate, then stamps lastUpdate to now. Must be
// called with the mutex held.
func applyPassiveRecovery(r *record, now time.Time) {
	elapsed := now.Sub(r.lastUpdate)
	if elapsed > 0 {
		hours := elapsed.Hours()
		r.score = clampScore(r.score + int(passiveRecoveryPerHour*hours))
	}
	r.lastUpdate = now
}

func clampScore(v int) int {
	if v < minScore {
		return minScore
	}
	if v > maxScore {
		return maxScore
	}
	return v
}

// GetScore applies passive recovery since the record's last update, then
// returns the current score. A fresh (never-seen) pair yields maxScore.
func (t *Tracker) GetScore(index int, quotaKey string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.getOrInit(key{index, quotaKey})
	applyPassiveRecovery(r, t.clock.Now())
	return r.score
}

// RecordSuccess applies passive recovery, adds successDelta clamped to
// maxScore, and resets consecutiveFailures to 0.
func (t *Tracker) RecordSuccess(index int, quotaKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.getOrInit(key{index, quotaKey})
	applyPassiveRecovery(r, t.clock.Now())
	r.score = clampScore(r.score + successDelta)
	r.consecutiveFailures = 0
}

// RecordRateLimit applies passive recovery, adds rateLimitDelta (negative)
// clamped to minScore, and increments consecutiveFailures.
func (t *Tracker) RecordRateLimit(index int, quotaKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.getOrInit(key{index, quotaKey})
	applyPassiveRecovery(r, t.clock.Now())
	r.score = clampScore(r.score + rateLimitDelta)
	r.consecutiveFailures++
}

// RecordFailure applies passive recovery, adds failureDelta (negative)
// clamped, and increments consecutiveFailures.
func (t *Tracker) RecordFailure(index int, quotaKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.getOrInit(key{index, quotaKey})
	applyPassiveRecovery(r, t.clock.Now())
	r.score = clampScore(r.score + failureDelta)
	r.consecutiveFailures++
}

// GetConsecutiveFailures returns the record's current streak without
// applying passive recovery (the streak itself isn't time-decayed).
func (t *Tracker) GetConsecutiveFailures(index int, quotaKey string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[key{index, quotaKey}]
	if !ok {
		return 0
	}
	return r.consecutiveFailures
}

// Reset drops a single (account-index, quota-key) record entirely, so its
// next access starts fresh at maxScore.
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
