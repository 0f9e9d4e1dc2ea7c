package selector_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndycode/oc-chatgpt-multi-auth/internal/breaker"
	"github.com/ndycode/oc-chatgpt-multi-auth/internal/clock"
	"github.com/ndycode/oc-chatgpt-multi-auth/internal/health"
	"github.com/ndycode/oc-chatgpt-multi-auth/internal/selector"
	"github.com/ndycode/oc-chatgpt-multi-auth/internal/store"
	"github.com/ndycode/oc-chatgpt-multi-auth/internal/tokenbucket"
)

func TestEmptyPoolSelectsNothing(t *testing.T) {
	c := clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	e := selector.New(health.New(c), tokenbucket.New(tokenbucket.Options{Clock: c}), nil, c)
	idx, ok := e.SelectHybridAccount(store.AccountStorage{}, "gpt4", "")
	assert.Equal(t, -1, idx)
	assert.False(t, ok)
}

func TestHigherHealthScoreWinsSelection(t *testing.T) {
	c := clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	h := health.New(c)
	tb := tokenbucket.New(tokenbucket.Options{Clock: c})
	e := selector.New(h, tb, nil, c)

	h.RecordFailure(1, "gpt4")
	snap := store.AccountStorage{Accounts: []store.Account{{RefreshToken: "a"}, {RefreshToken: "b"}}}

	idx, ok := e.SelectHybridAccount(snap, "gpt4", "")
	require.True(t, ok)
	assert.Equal(t, 0, idx)
}

func TestRateLimitedAccountIsSkipped(t *testing.T) {
	c := clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	h := health.New(c)
	tb := tokenbucket.New(tokenbucket.Options{Clock: c})
	e := selector.New(h, tb, nil, c)

	future := c.Now().Add(time.Hour).UnixMilli()
	snap := store.AccountStorage{Accounts: []store.Account{
		{RefreshToken: "a", RateLimitResetTimes: map[string]int64{"gpt4": future}},
		{RefreshToken: "b"},
	}}

	idx, ok := e.SelectHybridAccount(snap, "gpt4", "")
	require.True(t, ok)
	assert.Equal(t, 1, idx)
}

func TestExpiredRateLimitEntryIsTreatedAsAvailable(t *testing.T) {
	c := clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	h := health.New(c)
	tb := tokenbucket.New(tokenbucket.Options{Clock: c})
	e := selector.New(h, tb, nil, c)

	past := c.Now().Add(-time.Hour).UnixMilli()
	snap := store.AccountStorage{Accounts: []store.Account{
		{RefreshToken: "a", RateLimitResetTimes: map[string]int64{"gpt4": past}},
	}}

	idx, ok := e.SelectHybridAccount(snap, "gpt4", "")
	require.True(t, ok)
	assert.Equal(t, 0, idx)
}

func TestCoolingDownAccountIsSkipped(t *testing.T) {
	c := clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	h := health.New(c)
	tb := tokenbucket.New(tokenbucket.Options{Clock: c})
	e := selector.New(h, tb, nil, c)

	future := c.Now().Add(time.Hour).UnixMilli()
	snap := store.AccountStorage{Accounts: []store.Account{
		{RefreshToken: "a", CoolingDownUntil: &future},
		{RefreshToken: "b"},
	}}

	idx, ok := e.SelectHybridAccount(snap, "gpt4", "")
	require.True(t, ok)
	assert.Equal(t, 1, idx)
}

func TestNoAvailableAccountFallsBackToLRU(t *testing.T) {
	c := clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	h := health.New(c)
	tb := tokenbucket.New(tokenbucket.Options{Clock: c})
	e := selector.New(h, tb, nil, c)

	future := c.Now().Add(time.Hour).UnixMilli()
	snap := store.AccountStorage{Accounts: []store.Account{
		{RefreshToken: "a", CoolingDownUntil: &future, LastUsed: 200},
		{RefreshToken: "b", CoolingDownUntil: &future, LastUsed: 100},
	}}

	idx, ok := e.SelectHybridAccount(snap, "gpt4", "")
	require.True(t, ok)
	assert.Equal(t, 1, idx)
}

func TestOpenBreakerAccountIsSkipped(t *testing.T) {
	c := clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	h := health.New(c)
	tb := tokenbucket.New(tokenbucket.Options{Clock: c})
	reg := breaker.NewRegistry(breaker.Options{FailureThreshold: 1, Clock: c})
	e := selector.New(h, tb, reg, c)

	reg.RecordFailure("0:gpt4")
	snap := store.AccountStorage{Accounts: []store.Account{{RefreshToken: "a"}, {RefreshToken: "b"}}}

	idx, ok := e.SelectHybridAccount(snap, "gpt4", "")
	require.True(t, ok)
	assert.Equal(t, 1, idx)

	candidates := e.GetTopCandidates(snap, "gpt4", "", 2)
	require.Len(t, candidates, 1)
	assert.Equal(t, 1, candidates[0].Index)
}

func TestTopCandidatesAreSortedAndDoNotMutateTrackers(t *testing.T) {
	c := clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	h := health.New(c)
	tb := tokenbucket.New(tokenbucket.Options{Clock: c})
	e := selector.New(h, tb, nil, c)

	h.RecordFailure(0, "gpt4")
	snap := store.AccountStorage{Accounts: []store.Account{{RefreshToken: "a"}, {RefreshToken: "b"}}}

	before := h.GetScore(0, "gpt4")
	candidates := e.GetTopCandidates(snap, "gpt4", "", 2)
	after := h.GetScore(0, "gpt4")

	require.Len(t, candidates, 2)
	assert.Equal(t, 1, candidates[0].Index)
	assert.Equal(t, 0, candidates[1].Index)
	assert.Equal(t, before, after)
}

func TestTopCandidatesRespectsLimitN(t *testing.T) {
	c := clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	e := selector.New(health.New(c), tokenbucket.New(tokenbucket.Options{Clock: c}), nil, c)
	snap := store.AccountStorage{Accounts: []store.Account{{RefreshToken: "a"}, {RefreshToken: "b"}, {RefreshToken: "c"}}}
	candidates := e.GetTopCandidates(snap, "gpt4", "", 1)
	assert.Len(t, candidates, 1)
}
