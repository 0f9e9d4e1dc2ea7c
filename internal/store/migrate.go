package store

// migrateV1Account replaces a v1 account's scalar rateLimitResetTime with a
// per-family mapping, populated for every known family iff the scalar is
// still in the future; all other fields pass through unchanged. Operates
// on, and returns, a raw JSON map so the caller can keep treating the
// accounts array uniformly through the rest of Normalize.
func migrateV1Account(m rawMap, knownFamilies []string, nowMs int64) rawMap {
	scalar, ok := asNumber(m["rateLimitResetTime"])
	if !ok {
		return m
	}
	delete(m, "rateLimitResetTime")
	if int64(scalar) <= nowMs {
		// Expired: discard, no per-family entries populated.
		return m
	}
	existing, _ := m["rateLimitResetTimes"].(rawMap)
	merged := rawMap{}
	for k, v := range existing {
		merged[k] = v
	}
	for _, fam := range knownFamilies {
		merged[fam] = scalar
	}
	m["rateLimitResetTimes"] = merged
	return m
}
