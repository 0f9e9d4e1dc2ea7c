// Package selector composes the health, token-bucket, circuit-breaker, and
// pool state into a hybrid-scoring selection engine, generalizing a
// round-robin + health-cooldown filtering scheme into weighted scoring
// with deterministic tie-breaks.
package selector

import (
	"fmt"
	"sort"
	"time"

	"github.com/ndycode/oc-chatgpt-multi-auth/internal/breaker"
	"github.com/ndycode/oc-chatgpt-multi-auth/internal/clock"
	"github.com/ndycode/oc-chatgpt-multi-auth/internal/health"
	"github.com/ndycode/oc-chatgpt-multi-auth/internal/pool"
	"github.com/ndycode/oc-chatgpt-multi-auth/internal/store"
	"github.com/ndycode/oc-chatgpt-multi-auth/internal/tokenbucket"
)

const (
	healthWeight = 2.0
	tokenWeight  = 5.0
	ageWeight    = 2.0
)

// Engine picks the best currently-usable account for a target quota,
// reading (never mutating) the health, token-bucket, and breaker state.
type Engine struct {
	health  *health.Tracker
	tokens  *tokenbucket.Tracker
	breaker *breaker.Registry
	clock   clock.Clock
}

// New creates a selection Engine over the given trackers and breaker
// registry. breakers may be nil, in which case breaker state never
// excludes a candidate (useful for callers that don't wire one up).
func New(h *health.Tracker, t *tokenbucket.Tracker, breakers *breaker.Registry, c clock.Clock) *Engine {
	if c == nil {
		c = clock.New()
	}
	return &Engine{health: h, tokens: t, breaker: breakers, clock: c}
}

// BreakerTarget builds the per (account-index, quota-key) key the breaker
// registry tracks, matching the granularity of the health and token-bucket
// trackers. Exported so callers driving a probe outcome back into the same
// registry the selector reads (RecordSuccess/RecordFailure) address the
// identical target.
func BreakerTarget(index int, family, model string) string {
	k := family
	if model != "" {
		k = quotaKey(family, model)
	}
	return fmt.Sprintf("%d:%s", index, k)
}

// isCircuitOpen reports whether the breaker for (index, family/model) is
// currently open, i.e. not safe to route to.
func (e *Engine) isCircuitOpen(index int, family, model string) bool {
	if e.breaker == nil {
		return false
	}
	return e.breaker.StateOf(BreakerTarget(index, family, model)) == breaker.StateOpen
}

// Candidate is one scored, available account.
type Candidate struct {
	Index   int
	Account store.Account
	Score   float64
}

func quotaKey(family, model string) string {
	return pool.QuotaKey(family, model)
}

func isRateLimited(a store.Account, family, model string, nowMs int64) bool {
	if model != "" {
		if reset, ok := a.RateLimitResetTimes[quotaKey(family, model)]; ok && reset > nowMs {
			return true
		}
	}
	if reset, ok := a.RateLimitResetTimes[family]; ok && reset > nowMs {
		return true
	}
	return false
}

func isCoolingDown(a store.Account, nowMs int64) bool {
	return a.CoolingDownUntil != nil && *a.CoolingDownUntil > nowMs
}

func (e *Engine) isAvailable(index int, a store.Account, family, model string, nowMs int64) bool {
	if isRateLimited(a, family, model, nowMs) || isCoolingDown(a, nowMs) {
		return false
	}
	return !e.isCircuitOpen(index, family, model)
}

// expireStale drops rateLimitResetTimes entries whose reset has already
// passed, as a selection-time step. It mutates a copy, never the pool's
// canonical state.
func expireStale(a store.Account, nowMs int64) store.Account {
	if len(a.RateLimitResetTimes) == 0 {
		return a
	}
	out := a
	out.RateLimitResetTimes = make(map[string]int64, len(a.RateLimitResetTimes))
	for k, v := range a.RateLimitResetTimes {
		if v > nowMs {
			out.RateLimitResetTimes[k] = v
		}
	}
	return out
}

func (e *Engine) score(idx int, a store.Account, family, model string, nowMs int64) float64 {
	k := family
	if model != "" {
		k = quotaKey(family, model)
	}
	h := float64(e.health.GetScore(idx, k))
	t := float64(e.tokens.GetTokens(idx, k))
	hoursSince := float64(nowMs-a.LastUsed) / float64(time.Hour/time.Millisecond)
	if hoursSince < 0 {
		hoursSince = 0
	}
	return healthWeight*h + tokenWeight*t + ageWeight*hoursSince
}

// SelectHybridAccount picks the single best account for (family, model)
// from snapshot. Returns (-1, false) if the pool is empty. If no account
// is currently available, falls back to the least-recently-used account
// as a pure selection signal — the caller decides whether to actually use
// it. Deterministic: identical inputs and tracker state always yield the
// identical winner, ties resolved by lower index.
func (e *Engine) SelectHybridAccount(snapshot store.AccountStorage, family, model string) (int, bool) {
	if len(snapshot.Accounts) == 0 {
		return -1, false
	}
	nowMs := e.clock.NowMs()

	bestAvailable := -1
	bestScore := 0.0
	lru := -1
	lruLastUsed := int64(1<<63 - 1)

	for i, raw := range snapshot.Accounts {
		a := expireStale(raw, nowMs)
		if a.LastUsed < lruLastUsed {
			lruLastUsed = a.LastUsed
			lru = i
		}
		if !e.isAvailable(i, a, family, model, nowMs) {
			continue
		}
		s := e.score(i, a, family, model, nowMs)
		if bestAvailable == -1 || s > bestScore {
			bestAvailable = i
			bestScore = s
		}
	}

	if bestAvailable == -1 {
		return lru, true
	}
	return bestAvailable, true
}

// GetTopCandidates returns the top n available accounts for (family,
// model), sorted by descending score with ties broken by lower index.
// Pure: never mutates trackers (GetScore/GetTokens apply passive
// recovery/refill as a read-time side effect, same as any other read).
func (e *Engine) GetTopCandidates(snapshot store.AccountStorage, family, model string, n int) []Candidate {
	nowMs := e.clock.NowMs()
	var candidates []Candidate
	for i, raw := range snapshot.Accounts {
		a := expireStale(raw, nowMs)
		if !e.isAvailable(i, a, family, model, nowMs) {
			continue
		}
		candidates = append(candidates, Candidate{Index: i, Account: a, Score: e.score(i, a, family, model, nowMs)})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Index < candidates[j].Index
	})
	if n >= 0 && len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}
