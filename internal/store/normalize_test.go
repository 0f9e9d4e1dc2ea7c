package store_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndycode/oc-chatgpt-multi-auth/internal/store"
)

func opts() store.NormalizeOptions {
	return store.NormalizeOptions{KnownFamilies: []string{"gpt4", "o1"}, NowMs: 1_700_000_000_000}
}

func TestNormalizeRejectsNonObjectJSON(t *testing.T) {
	_, _, err := store.Normalize([]byte(`[]`), opts())
	assert.Error(t, err)
}

func TestNormalizeRejectsUnknownVersion(t *testing.T) {
	_, _, err := store.Normalize([]byte(`{"version":99,"accounts":[]}`), opts())
	assert.Error(t, err)
}

func TestNormalizeDropsMalformedEntries(t *testing.T) {
	raw := []byte(`{"version":3,"accounts":[{"refreshToken":""},"not-an-object",{"refreshToken":"rt-1"}],"activeIndex":0}`)
	result, warnings, err := store.Normalize(raw, opts())
	require.NoError(t, err)
	require.Len(t, result.Accounts, 1)
	assert.Equal(t, "rt-1", result.Accounts[0].RefreshToken)
	assert.Len(t, warnings, 2)
}

func TestNormalizeDropsEntryWithInvalidEmailFormat(t *testing.T) {
	raw := []byte(`{"version":3,"accounts":[{"refreshToken":"rt-1","email":"not-an-email"},{"refreshToken":"rt-2","email":"ok@example.com"}],"activeIndex":0}`)
	result, warnings, err := store.Normalize(raw, opts())
	require.NoError(t, err)
	require.Len(t, result.Accounts, 1)
	assert.Equal(t, "rt-2", result.Accounts[0].RefreshToken)
	assert.Len(t, warnings, 1)
}

func TestNormalizeDedupsByAccountKeyKeepingNewest(t *testing.T) {
	raw := []byte(`{"version":3,"accounts":[
		{"accountId":"a1","refreshToken":"rt-old","lastUsed":100},
		{"accountId":"a1","refreshToken":"rt-new","lastUsed":200}
	],"activeIndex":0}`)
	result, _, err := store.Normalize(raw, opts())
	require.NoError(t, err)
	require.Len(t, result.Accounts, 1)
	assert.Equal(t, "rt-new", result.Accounts[0].RefreshToken)
}

func TestNormalizeDedupsByEmailKeepingNewest(t *testing.T) {
	raw := []byte(`{"version":3,"accounts":[
		{"accountId":"a1","email":"x@example.com","refreshToken":"rt-1","addedAt":100},
		{"accountId":"a2","email":"x@example.com","refreshToken":"rt-2","addedAt":200}
	],"activeIndex":0}`)
	result, _, err := store.Normalize(raw, opts())
	require.NoError(t, err)
	require.Len(t, result.Accounts, 1)
	assert.Equal(t, "a2", result.Accounts[0].AccountID)
}

func TestNormalizeNeverCollapsesEmptyEmailsTogether(t *testing.T) {
	raw := []byte(`{"version":3,"accounts":[
		{"accountId":"a1","refreshToken":"rt-1"},
		{"accountId":"a2","refreshToken":"rt-2"}
	],"activeIndex":0}`)
	result, _, err := store.Normalize(raw, opts())
	require.NoError(t, err)
	assert.Len(t, result.Accounts, 2)
}

func TestNormalizePreservesActiveIndexAcrossDedup(t *testing.T) {
	raw := []byte(`{"version":3,"accounts":[
		{"accountId":"a1","refreshToken":"rt-1"},
		{"accountId":"a2","refreshToken":"rt-2"},
		{"accountId":"a3","refreshToken":"rt-3"}
	],"activeIndex":1}`)
	result, _, err := store.Normalize(raw, opts())
	require.NoError(t, err)
	assert.Equal(t, "a2", result.Accounts[result.ActiveIndex].AccountID)
}

func TestNormalizeMigratesV1ScalarRateLimitIntoPerFamilyMap(t *testing.T) {
	future := opts().NowMs + 1_000_000
	raw, err := json.Marshal(map[string]interface{}{
		"version": 1,
		"accounts": []map[string]interface{}{
			{"refreshToken": "rt-1", "rateLimitResetTime": future},
		},
		"activeIndex": 0,
	})
	require.NoError(t, err)

	result, _, err := store.Normalize(raw, opts())
	require.NoError(t, err)
	require.Len(t, result.Accounts, 1)
	assert.Equal(t, future, result.Accounts[0].RateLimitResetTimes["gpt4"])
	assert.Equal(t, future, result.Accounts[0].RateLimitResetTimes["o1"])
	assert.Equal(t, 3, result.Version)
}

func TestNormalizeDropsExpiredV1ScalarRateLimit(t *testing.T) {
	past := opts().NowMs - 1_000_000
	raw, err := json.Marshal(map[string]interface{}{
		"version": 1,
		"accounts": []map[string]interface{}{
			{"refreshToken": "rt-1", "rateLimitResetTime": past},
		},
		"activeIndex": 0,
	})
	require.NoError(t, err)

	result, _, err := store.Normalize(raw, opts())
	require.NoError(t, err)
	assert.Empty(t, result.Accounts[0].RateLimitResetTimes)
}

func TestNormalizeFillsKnownFamilyDefaultsWhenAbsent(t *testing.T) {
	raw := []byte(`{"version":3,"accounts":[{"refreshToken":"rt-1"}],"activeIndex":0}`)
	result, _, err := store.Normalize(raw, opts())
	require.NoError(t, err)
	assert.Equal(t, 0, result.ActiveIndexByFamily["gpt4"])
	assert.Equal(t, 0, result.ActiveIndexByFamily["o1"])
}
