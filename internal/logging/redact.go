package logging

import (
	"regexp"
	"strings"
)

var (
	jwtPattern       = regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`)
	hexBlobPattern   = regexp.MustCompile(`\b[0-9a-fA-F]{40,}\b`)
	bearerPattern    = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._-]+`)
	apiKeyPattern    = regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{8,}\b`)
	emailPattern     = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	maxSanitizeDepth = 10
)

// sensitiveKeys holds the lowercased, punctuation-stripped field names that
// are always masked regardless of value shape.
var sensitiveKeys = map[string]struct{}{
	"access":        {},
	"refresh":       {},
	"token":         {},
	"authorization": {},
	"apikey":        {},
	"secret":        {},
	"password":      {},
	"credential":    {},
	"idtoken":       {},
	"email":         {},
	"accountid":     {},
}

const shortMask = "***MASKED***"

// normalizeKey lowercases and strips non-alphanumeric characters so
// "Refresh-Token" and "refresh_token" both match the sensitive set.
func normalizeKey(key string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(key) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isSensitiveKey(key string) bool {
	_, ok := sensitiveKeys[normalizeKey(key)]
	return ok
}

// maskValue replaces a sensitive value with a short or truncated mask
// depending on its length.
func maskValue(v string) string {
	if len(v) <= 10 {
		return shortMask
	}
	return v[:6] + "…" + v[len(v)-4:]
}

// RedactString scrubs a free-form string for JWT-shaped substrings, long hex
// blobs, bearer headers, sk- prefixed API keys, and email addresses.
func RedactString(s string) string {
	s = jwtPattern.ReplaceAllString(s, shortMask)
	s = bearerPattern.ReplaceAllStringFunc(s, func(m string) string {
		return "Bearer " + shortMask
	})
	s = apiKeyPattern.ReplaceAllString(s, shortMask)
	s = hexBlobPattern.ReplaceAllString(s, shortMask)
	s = emailPattern.ReplaceAllString(s, shortMask)
	return s
}

// Sanitize walks an arbitrary value tree (as produced by structured log
// "extra" data) and redacts sensitive keys/values, bounding recursion depth
// to guard against cyclic or runaway structures.
func Sanitize(v interface{}) interface{} {
	return sanitizeDepth(v, 0)
}

func sanitizeDepth(v interface{}, depth int) interface{} {
	if depth >= maxSanitizeDepth {
		return "***DEPTH_LIMIT***"
	}
	switch val := v.(type) {
	case string:
		return RedactString(val)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			if isSensitiveKey(k) {
				if s, ok := inner.(string); ok {
					out[k] = maskValue(s)
					continue
				}
				out[k] = shortMask
				continue
			}
			out[k] = sanitizeDepth(inner, depth+1)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = sanitizeDepth(inner, depth+1)
		}
		return out
	default:
		return v
	}
}
