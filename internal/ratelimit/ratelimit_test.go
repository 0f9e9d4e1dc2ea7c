package ratelimit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ndycode/oc-chatgpt-multi-auth/internal/clock"
	"github.com/ndycode/oc-chatgpt-multi-auth/internal/ratelimit"
)

func TestParseRateLimitReason(t *testing.T) {
	assert.Equal(t, ratelimit.ReasonQuota, ratelimit.ParseRateLimitReason("USAGE_LIMIT_EXCEEDED"))
	assert.Equal(t, ratelimit.ReasonTokens, ratelimit.ParseRateLimitReason("tpm_exceeded"))
	assert.Equal(t, ratelimit.ReasonConcurrent, ratelimit.ParseRateLimitReason("too_many_concurrent_requests"))
	assert.Equal(t, ratelimit.ReasonUnknown, ratelimit.ParseRateLimitReason("weird_code"))
}

func TestFirstAttemptUsesServerRetryAfter(t *testing.T) {
	c := clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	tr := ratelimit.New(ratelimit.Options{Clock: c})
	res := tr.RecordRateLimit(0, "gpt4", ratelimit.ReasonUnknown, 2000, true)
	assert.Equal(t, 1, res.Attempt)
	assert.Equal(t, int64(2000), res.DelayMs)
	assert.False(t, res.IsDuplicate)
}

func TestMissingRetryAfterFallsBack(t *testing.T) {
	c := clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	tr := ratelimit.New(ratelimit.Options{Clock: c})
	res := tr.RecordRateLimit(0, "gpt4", ratelimit.ReasonUnknown, 0, false)
	assert.Equal(t, int64(1000), res.DelayMs)
}

func TestExponentialEscalationAcrossQuietAttempts(t *testing.T) {
	c := clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	tr := ratelimit.New(ratelimit.Options{Clock: c, DedupWindow: time.Millisecond})
	first := tr.RecordRateLimit(0, "gpt4", ratelimit.ReasonUnknown, 1000, true)
	c.Advance(10 * time.Millisecond)
	second := tr.RecordRateLimit(0, "gpt4", ratelimit.ReasonUnknown, 1000, true)
	c.Advance(10 * time.Millisecond)
	third := tr.RecordRateLimit(0, "gpt4", ratelimit.ReasonUnknown, 1000, true)

	assert.Equal(t, int64(1000), first.DelayMs)
	assert.Equal(t, int64(2000), second.DelayMs)
	assert.Equal(t, int64(4000), third.DelayMs)
}

func TestReasonMultiplierScalesDelay(t *testing.T) {
	c := clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	quota := ratelimit.New(ratelimit.Options{Clock: c})
	concurrent := ratelimit.New(ratelimit.Options{Clock: c})

	quotaRes := quota.RecordRateLimit(0, "gpt4", ratelimit.ReasonQuota, 1000, true)
	concurrentRes := concurrent.RecordRateLimit(0, "gpt4", ratelimit.ReasonConcurrent, 1000, true)

	assert.Equal(t, int64(3000), quotaRes.DelayMs)
	assert.Equal(t, int64(500), concurrentRes.DelayMs)
}

func TestDelayCappedAtMaxBackoff(t *testing.T) {
	c := clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	tr := ratelimit.New(ratelimit.Options{Clock: c, DedupWindow: time.Millisecond, MaxBackoffMs: 5000})
	for i := 0; i < 10; i++ {
		tr.RecordRateLimit(0, "gpt4", ratelimit.ReasonQuota, 60000, true)
		c.Advance(10 * time.Millisecond)
	}
	res := tr.RecordRateLimit(0, "gpt4", ratelimit.ReasonQuota, 60000, true)
	assert.LessOrEqual(t, res.DelayMs, int64(5000))
}

func TestDuplicateWithinDedupWindowDoesNotEscalate(t *testing.T) {
	c := clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	tr := ratelimit.New(ratelimit.Options{Clock: c, DedupWindow: time.Second})
	first := tr.RecordRateLimit(0, "gpt4", ratelimit.ReasonUnknown, 1000, true)
	c.Advance(100 * time.Millisecond)
	dup := tr.RecordRateLimit(0, "gpt4", ratelimit.ReasonUnknown, 1000, true)

	assert.Equal(t, first.Attempt, dup.Attempt)
	assert.True(t, dup.IsDuplicate)
}

func TestQuietPeriodResetsAttemptCounter(t *testing.T) {
	c := clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	tr := ratelimit.New(ratelimit.Options{Clock: c, DedupWindow: time.Millisecond, QuietPeriod: time.Second})
	tr.RecordRateLimit(0, "gpt4", ratelimit.ReasonUnknown, 1000, true)
	c.Advance(2 * time.Second)
	res := tr.RecordRateLimit(0, "gpt4", ratelimit.ReasonUnknown, 1000, true)
	assert.Equal(t, 1, res.Attempt)
}

func TestResetAndClear(t *testing.T) {
	c := clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	tr := ratelimit.New(ratelimit.Options{Clock: c, DedupWindow: time.Millisecond})
	tr.RecordRateLimit(0, "gpt4", ratelimit.ReasonUnknown, 1000, true)
	tr.Reset(0, "gpt4")
	res := tr.RecordRateLimit(0, "gpt4", ratelimit.ReasonUnknown, 1000, true)
	assert.Equal(t, 1, res.Attempt)

	tr.RecordRateLimit(1, "o1", ratelimit.ReasonUnknown, 1000, true)
	tr.Clear()
	res2 := tr.RecordRateLimit(1, "o1", ratelimit.ReasonUnknown, 1000, true)
	assert.Equal(t, 1, res2.Attempt)
}
