// Package pool is the normalized in-memory mirror of the persisted
// account pool, mutated only through the operations below — every
// mutation is persisted through the store under its write mutex before
// the in-memory copy is considered committed.
package pool

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ndycode/oc-chatgpt-multi-auth/internal/clock"
	"github.com/ndycode/oc-chatgpt-multi-auth/internal/errs"
	"github.com/ndycode/oc-chatgpt-multi-auth/internal/store"
)

// Pool owns the canonical in-memory AccountStorage and serializes every
// mutating operation through the backing Store.
type Pool struct {
	mu     sync.RWMutex
	state  store.AccountStorage
	store  *store.Store
	clock  clock.Clock
}

// Load creates a Pool by loading (and normalizing) the backing store; an
// absent or unreadable file yields an empty pool, per the store's load
// policy.
func Load(ctx context.Context, s *store.Store, c clock.Clock) *Pool {
	if c == nil {
		c = clock.New()
	}
	loaded := s.Load(ctx)
	state := store.Empty()
	if loaded != nil {
		state = *loaded
	}
	return &Pool{state: state, store: s, clock: c}
}

// Snapshot returns a deep copy of the current pool state, safe for the
// caller to read without racing further mutations.
func (p *Pool) Snapshot() store.AccountStorage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state.Clone()
}

func (p *Pool) persistLocked(ctx context.Context) error {
	return p.store.Save(ctx, p.state)
}

// Add appends a new account (OAuth-collaborator-originated), persists,
// and returns its assigned index. Returns a ValidationError if the pool
// is already at MaxAccounts or the refresh token is empty after trim.
func (p *Pool) Add(ctx context.Context, a store.Account) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if strings.TrimSpace(a.RefreshToken) == "" {
		return -1, &errs.ValidationError{Field: "refreshToken", Expected: "non-empty after trim"}
	}
	if len(p.state.Accounts) >= store.MaxAccounts {
		return -1, &errs.ValidationError{Field: "accounts", Expected: fmt.Sprintf("fewer than %d accounts", store.MaxAccounts)}
	}
	for _, existing := range p.state.Accounts {
		if existing.Key() == a.Key() {
			return -1, &errs.ValidationError{Field: "accountId", Expected: "unique account key"}
		}
		if a.Email != "" && strings.TrimSpace(existing.Email) == strings.TrimSpace(a.Email) {
			return -1, &errs.ValidationError{Field: "email", Expected: "unique email"}
		}
	}

	if a.AddedAt == 0 {
		a.AddedAt = p.clock.NowMs()
	}
	p.state.Accounts = append(p.state.Accounts, a)
	idx := len(p.state.Accounts) - 1
	if len(p.state.Accounts) == 1 {
		p.state.ActiveIndex = idx
	}
	if err := p.persistLocked(ctx); err != nil {
		return -1, err
	}
	return idx, nil
}

// Resolve finds an account's index by raw index string, accountId, or
// email, matching the CLI's `<idx|id|email>` selector grammar.
func (p *Pool) Resolve(selector string) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.resolveLocked(selector)
}

func (p *Pool) resolveLocked(selector string) (int, error) {
	if idx, err := strconv.Atoi(selector); err == nil {
		if idx < 0 || idx >= len(p.state.Accounts) {
			return -1, &errs.ValidationError{Field: "index", Expected: fmt.Sprintf("in range [0,%d)", len(p.state.Accounts))}
		}
		return idx, nil
	}
	for i, a := range p.state.Accounts {
		if a.AccountID != "" && a.AccountID == selector {
			return i, nil
		}
	}
	for i, a := range p.state.Accounts {
		if a.Email != "" && strings.EqualFold(a.Email, selector) {
			return i, nil
		}
	}
	return -1, &errs.ValidationError{Field: "selector", Expected: "a known index, accountId, or email", Cause: fmt.Errorf("no account matches %q", selector)}
}

// Remove deletes the account matched by selector, persists, and remaps activeIndex and
// activeIndexByFamily to keep pointing at the same logical accounts.
func (p *Pool) Remove(ctx context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, err := p.resolveLocked(selector)
	if err != nil {
		return err
	}

	removedKey := p.state.Accounts[idx].Key()
	var activeKey string
	if p.state.ActiveIndex >= 0 && p.state.ActiveIndex < len(p.state.Accounts) {
		activeKey = p.state.Accounts[p.state.ActiveIndex].Key()
	}
	byFamilyKeys := make(map[string]string, len(p.state.ActiveIndexByFamily))
	for fam, fi := range p.state.ActiveIndexByFamily {
		if fi >= 0 && fi < len(p.state.Accounts) {
			byFamilyKeys[fam] = p.state.Accounts[fi].Key()
		}
	}

	p.state.Accounts = append(p.state.Accounts[:idx], p.state.Accounts[idx+1:]...)

	p.state.ActiveIndex = remapAfterRemoval(activeKey, removedKey, p.state.ActiveIndex, p.state.Accounts)
	for fam, key := range byFamilyKeys {
		p.state.ActiveIndexByFamily[fam] = remapAfterRemoval(key, removedKey, p.state.ActiveIndexByFamily[fam], p.state.Accounts)
	}

	return p.persistLocked(ctx)
}

func remapAfterRemoval(trackedKey, removedKey string, prevIdx int, survivors []store.Account) int {
	if trackedKey != "" && trackedKey != removedKey {
		for i, a := range survivors {
			if a.Key() == trackedKey {
				return i
			}
		}
	}
	if len(survivors) == 0 {
		return 0
	}
	if prevIdx >= len(survivors) {
		return len(survivors) - 1
	}
	if prevIdx < 0 {
		return 0
	}
	return prevIdx
}

// Rename sets accountLabel for the account matched by selector.
func (p *Pool) Rename(ctx context.Context, selector string, label string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, err := p.resolveLocked(selector)
	if err != nil {
		return err
	}
	p.state.Accounts[idx].AccountLabel = label
	return p.persistLocked(ctx)
}

// Switch sets activeIndex to the account matched by selector, recording
// lastSwitchReason = rotation.
func (p *Pool) Switch(ctx context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, err := p.resolveLocked(selector)
	if err != nil {
		return err
	}
	p.state.ActiveIndex = idx
	p.state.Accounts[idx].LastSwitchReason = store.SwitchReasonRotation
	p.state.Accounts[idx].LastUsed = p.clock.NowMs()
	return p.persistLocked(ctx)
}

// MarkUsed stamps lastUsed = now and lastSwitchReason for the account at
// idx, persisting the change. Called by the selection engine after a
// winning account is chosen.
func (p *Pool) MarkUsed(ctx context.Context, idx int, reason store.SwitchReason) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.state.Accounts) {
		return &errs.ValidationError{Field: "index", Expected: "a valid account index"}
	}
	p.state.Accounts[idx].LastUsed = p.clock.NowMs()
	if reason != "" {
		p.state.Accounts[idx].LastSwitchReason = reason
	}
	return p.persistLocked(ctx)
}

// MarkRateLimited sets the reset instant for quotaKey on the account at
// idx, persisting the change.
func (p *Pool) MarkRateLimited(ctx context.Context, idx int, quotaKey string, resetAtMs int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.state.Accounts) {
		return &errs.ValidationError{Field: "index", Expected: "a valid account index"}
	}
	a := &p.state.Accounts[idx]
	if a.RateLimitResetTimes == nil {
		a.RateLimitResetTimes = map[string]int64{}
	}
	a.RateLimitResetTimes[quotaKey] = resetAtMs
	a.LastSwitchReason = store.SwitchReasonRateLimit
	return p.persistLocked(ctx)
}

// Cooldown puts the account at idx into cooldown until untilMs, with the
// given reason, persisting the change.
func (p *Pool) Cooldown(ctx context.Context, idx int, untilMs int64, reason store.CooldownReason) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.state.Accounts) {
		return &errs.ValidationError{Field: "index", Expected: "a valid account index"}
	}
	until := untilMs
	p.state.Accounts[idx].CoolingDownUntil = &until
	p.state.Accounts[idx].CooldownReason = reason
	return p.persistLocked(ctx)
}

// Clear removes every account and unlinks the backing file.
func (p *Pool) Clear(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = store.Empty()
	return p.store.Clear(ctx)
}

// Export writes the current pool out to path.
func (p *Pool) Export(ctx context.Context, path string, force bool) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.store.Export(ctx, p.state, path, force)
}

// Import merges path's pool into the current one, updating in-memory
// state and persisting atomically.
func (p *Pool) Import(ctx context.Context, path string) (store.ImportResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	merged, result, err := p.store.Import(ctx, p.state, path)
	if err != nil {
		return store.ImportResult{}, err
	}
	p.state = merged
	if err := p.persistLocked(ctx); err != nil {
		return store.ImportResult{}, err
	}
	return result, nil
}

// QuotaKey composes the quota-key grammar: family, or family:model when
// model is non-empty.
func QuotaKey(family, model string) string {
	if model == "" {
		return family
	}
	return family + ":" + model
}
