package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// accountShape is the struct-tag validated subset of a raw account entry,
// used to reject malformed fields (e.g. an email that isn't one) before
// they reach accountFromRaw's lenient field-by-field extraction.
type accountShape struct {
	Email string `json:"email" validate:"omitempty,email"`
}

func validateAccountShape(m rawMap) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	var shape accountShape
	if err := json.Unmarshal(raw, &shape); err != nil {
		return err
	}
	return validate.Struct(shape)
}

// Warning is a non-fatal normalization issue: a malformed entry was
// dropped, or similar. Callers log these at warn level.
type Warning struct {
	Message string
}

// DefaultKnownFamilies is the default configured set of model families the
// pool tracks per-family active-index overrides and v1 migration fan-out
// for. Callers may override via NormalizeOptions.KnownFamilies.
var DefaultKnownFamilies = []string{"gpt4", "gpt4o", "o1", "o3"}

// NormalizeOptions parameterizes Normalize with policy inputs left as
// implementation details: the "known family" set used by per-family
// active-index defaulting and v1 migration fan-out.
type NormalizeOptions struct {
	KnownFamilies []string
	NowMs         int64
}

type rawMap = map[string]interface{}

// indexedAccount pairs a surviving, parsed Account with the index it held
// in the raw (pre-dedup) accounts array, needed for the "later-appearing
// index" dedup tie-break and for activeIndexByFamily remapping.
type indexedAccount struct {
	account     Account
	originalIdx int
}

// Normalize implements a pure, total algorithm: given raw parsed JSON
// bytes, it either returns a valid v3 AccountStorage or an error.
// Malformed individual account entries are dropped with a warning rather
// than failing the whole load.
func Normalize(raw []byte, opts NormalizeOptions) (*AccountStorage, []Warning, error) {
	var top rawMap
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, nil, fmt.Errorf("not a JSON object: %w", err)
	}

	versionNum, ok := asNumber(top["version"])
	if !ok {
		return nil, nil, fmt.Errorf("missing or invalid version")
	}
	version := int(versionNum)
	if version != 1 && version != SchemaVersion {
		return nil, nil, fmt.Errorf("unknown schema version %d", version)
	}

	accountsRaw, ok := top["accounts"].([]interface{})
	if !ok {
		return nil, nil, fmt.Errorf("accounts is not an array")
	}

	// Step 3: clamp raw activeIndex, capture its account key.
	rawActiveIndexNum, _ := asNumber(top["activeIndex"])
	rawActiveIndex := clampInt(int(rawActiveIndexNum), len(accountsRaw))
	var activeKey string
	if rawActiveIndex >= 0 && rawActiveIndex < len(accountsRaw) {
		if m, ok := accountsRaw[rawActiveIndex].(rawMap); ok {
			activeKey = rawAccountKey(m)
		}
	}

	// Step 4: v1 -> v3 migration on a copy.
	if version == 1 {
		for i, entry := range accountsRaw {
			if m, ok := entry.(rawMap); ok {
				accountsRaw[i] = migrateV1Account(m, opts.KnownFamilies, opts.NowMs)
			}
		}
	}

	// Step 5: filter to objects with non-empty trimmed refreshToken,
	// remembering each survivor's original raw index.
	var filtered []indexedAccount
	var warnings []Warning
	for i, entry := range accountsRaw {
		m, ok := entry.(rawMap)
		if !ok {
			warnings = append(warnings, Warning{Message: fmt.Sprintf("dropped non-object account entry at index %d", i)})
			continue
		}
		if err := validateAccountShape(m); err != nil {
			warnings = append(warnings, Warning{Message: fmt.Sprintf("dropped account with invalid shape at index %d: %v", i, err)})
			continue
		}
		token, _ := asString(m["refreshToken"])
		if strings.TrimSpace(token) == "" {
			warnings = append(warnings, Warning{Message: fmt.Sprintf("dropped account with empty refreshToken at index %d", i)})
			continue
		}
		filtered = append(filtered, indexedAccount{account: accountFromRaw(m), originalIdx: i})
	}

	// Step 6: dedup by account key, keep newest.
	filtered = dedupByKey(filtered)

	// Step 7: dedup by trimmed non-empty email, keep newest; entries with
	// empty/missing email are always kept.
	filtered = dedupByEmail(filtered)

	survivors := make([]Account, len(filtered))
	for i, ia := range filtered {
		survivors[i] = ia.account
	}

	// Step 8: remap activeIndex.
	newActiveIndex := remapIndex(activeKey, rawActiveIndex, survivors)

	// Step 9: remap activeIndexByFamily.
	newByFamily := map[string]int{}
	if rawByFamily, ok := top["activeIndexByFamily"].(rawMap); ok {
		for family, v := range rawByFamily {
			fnum, ok := asNumber(v)
			if !ok {
				continue
			}
			origIdx := clampInt(int(fnum), len(accountsRaw))
			var famKey string
			if origIdx >= 0 && origIdx < len(accountsRaw) {
				if m, ok := accountsRaw[origIdx].(rawMap); ok {
					famKey = rawAccountKey(m)
				}
			}
			newByFamily[family] = remapIndex(famKey, origIdx, survivors)
		}
	}
	for _, fam := range opts.KnownFamilies {
		if _, ok := newByFamily[fam]; !ok {
			newByFamily[fam] = newActiveIndex
		}
	}

	result := &AccountStorage{
		Version:             SchemaVersion,
		Accounts:            survivors,
		ActiveIndex:         newActiveIndex,
		ActiveIndexByFamily: newByFamily,
	}
	return result, warnings, nil
}

func clampInt(v, length int) int {
	if length == 0 {
		return 0
	}
	if v < 0 {
		return 0
	}
	if v >= length {
		return length - 1
	}
	return v
}

func rawAccountKey(m rawMap) string {
	if id, ok := asString(m["accountId"]); ok && strings.TrimSpace(id) != "" {
		return id
	}
	token, _ := asString(m["refreshToken"])
	return token
}

func accountFromRaw(m rawMap) Account {
	a := Account{}
	a.AccountID, _ = asString(m["accountId"])
	a.Email, _ = asString(m["email"])
	a.AccountLabel, _ = asString(m["accountLabel"])
	a.AccountIDSource, _ = asString(m["accountIdSource"])
	a.RefreshToken, _ = asString(m["refreshToken"])
	if v, ok := asNumber(m["addedAt"]); ok {
		a.AddedAt = int64(v)
	}
	if v, ok := asNumber(m["lastUsed"]); ok {
		a.LastUsed = int64(v)
	}
	if v, ok := asString(m["lastSwitchReason"]); ok {
		a.LastSwitchReason = SwitchReason(v)
	}
	if rlrt, ok := m["rateLimitResetTimes"].(rawMap); ok {
		a.RateLimitResetTimes = make(map[string]int64, len(rlrt))
		for k, v := range rlrt {
			if n, ok := asNumber(v); ok {
				a.RateLimitResetTimes[k] = int64(n)
			}
		}
	}
	if v, ok := asNumber(m["coolingDownUntil"]); ok {
		iv := int64(v)
		a.CoolingDownUntil = &iv
	}
	if v, ok := asString(m["cooldownReason"]); ok {
		a.CooldownReason = CooldownReason(v)
	}
	return a
}

func asString(v interface{}) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asNumber(v interface{}) (float64, bool) {
	n, ok := v.(float64)
	return n, ok
}

// isNewer reports whether a should win over b under the dedup tie-break:
// greater lastUsed, else greater addedAt, else the later-appearing index.
func isNewer(a, b indexedAccount) bool {
	if a.account.LastUsed != b.account.LastUsed {
		return a.account.LastUsed > b.account.LastUsed
	}
	if a.account.AddedAt != b.account.AddedAt {
		return a.account.AddedAt > b.account.AddedAt
	}
	return a.originalIdx > b.originalIdx
}

// dedupByKey collapses entries sharing the same account key, keeping the
// newest, while preserving the relative display order of survivors.
func dedupByKey(items []indexedAccount) []indexedAccount {
	best := map[string]indexedAccount{}
	for _, it := range items {
		k := it.account.Key()
		if existing, ok := best[k]; !ok || isNewer(it, existing) {
			best[k] = it
		}
	}
	return sortedSurvivors(items, func(it indexedAccount) (string, bool) {
		return it.account.Key(), true
	}, best)
}

// dedupByEmail collapses entries sharing the same trimmed, non-empty
// email, keeping the newest. Entries with empty/missing email are always
// kept (never collapsed against each other).
func dedupByEmail(items []indexedAccount) []indexedAccount {
	best := map[string]indexedAccount{}
	for _, it := range items {
		email := strings.TrimSpace(it.account.Email)
		if email == "" {
			continue
		}
		if existing, ok := best[email]; !ok || isNewer(it, existing) {
			best[email] = it
		}
	}
	return sortedSurvivors(items, func(it indexedAccount) (string, bool) {
		email := strings.TrimSpace(it.account.Email)
		if email == "" {
			return "", false
		}
		return email, true
	}, best)
}

// sortedSurvivors walks items in original order, keeping an item only if
// either it has no dedup key (keyFn's second return is false) or it is the
// winning entry recorded in best for its key.
func sortedSurvivors(items []indexedAccount, keyFn func(indexedAccount) (string, bool), best map[string]indexedAccount) []indexedAccount {
	seen := map[string]bool{}
	out := make([]indexedAccount, 0, len(items))
	for _, it := range items {
		key, has := keyFn(it)
		if !has {
			out = append(out, it)
			continue
		}
		if seen[key] {
			continue
		}
		winner := best[key]
		if winner.originalIdx == it.originalIdx {
			out = append(out, winner)
			seen[key] = true
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].originalIdx < out[j].originalIdx })
	return out
}

func remapIndex(key string, originalIdx int, survivors []Account) int {
	if key != "" {
		for i, a := range survivors {
			if a.Key() == key {
				return i
			}
		}
	}
	return clampInt(originalIdx, len(survivors))
}
