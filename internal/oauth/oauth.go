// Package oauth defines the OAuth collaborator contract: the PKCE login
// flow and local callback server are explicitly out of scope, so this
// package carries only the interface, the resulting account shape, and a
// singleflight-deduped refresh wrapper.
package oauth

import (
	"context"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/ndycode/oc-chatgpt-multi-auth/internal/logging"
)

// AccountMetadata is what a successful login or refresh yields: the
// durable-identity fields the pool needs, plus the live OAuth token.
type AccountMetadata struct {
	AccountID       string
	Email           string
	AccountIDSource string
	Token           *oauth2.Token
}

// Authenticator is the OAuth collaborator contract. Implementations may
// return typed errs.AuthError values (retryable or not); the PKCE
// transport itself lives outside this module.
type Authenticator interface {
	Login(ctx context.Context) (AccountMetadata, error)
	Refresh(ctx context.Context, refreshToken string) (AccountMetadata, error)
}

// DefaultRefreshThreshold is the default refresh lead time: refresh once
// a token is within this long of expiry.
const DefaultRefreshThreshold = 5 * time.Minute

// Refresher deduplicates concurrent refresh calls for the same account
// key via singleflight.
type Refresher struct {
	auth      Authenticator
	logger    *logging.Logger
	threshold time.Duration

	sf singleflight.Group

	mu          sync.RWMutex
	lastRefresh map[string]time.Time
}

// NewRefresher creates a Refresher over auth.
func NewRefresher(auth Authenticator, logger *logging.Logger, threshold time.Duration) *Refresher {
	if threshold <= 0 {
		threshold = DefaultRefreshThreshold
	}
	return &Refresher{
		auth:        auth,
		logger:      logger,
		threshold:   threshold,
		lastRefresh: make(map[string]time.Time),
	}
}

// NeedsRefresh reports whether token is within the refresh threshold of
// expiry (or has no expiry information at all).
func (r *Refresher) NeedsRefresh(token *oauth2.Token) bool {
	if token == nil || token.Expiry.IsZero() {
		return true
	}
	return time.Until(token.Expiry) <= r.threshold
}

// RefreshSync performs a deduplicated, synchronous refresh for key: if a
// refresh for key is already in flight, this call blocks and shares its
// result rather than issuing a second upstream refresh.
func (r *Refresher) RefreshSync(ctx context.Context, key, refreshToken string) (AccountMetadata, error) {
	v, err, shared := r.sf.Do(key, func() (interface{}, error) {
		r.logger.Debug("starting token refresh", map[string]interface{}{"key": key})
		meta, err := r.auth.Refresh(ctx, refreshToken)
		if err != nil {
			r.logger.Warn("token refresh failed", map[string]interface{}{"key": key, "error": err.Error()})
			return AccountMetadata{}, err
		}
		r.mu.Lock()
		r.lastRefresh[key] = time.Now()
		r.mu.Unlock()
		r.logger.Info("token refresh completed", map[string]interface{}{"key": key})
		return meta, nil
	})
	if shared {
		r.logger.Debug("token refresh deduplicated", map[string]interface{}{"key": key})
	}
	if err != nil {
		return AccountMetadata{}, err
	}
	return v.(AccountMetadata), nil
}

// LastRefresh reports when key was last successfully refreshed.
func (r *Refresher) LastRefresh(key string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.lastRefresh[key]
	return t, ok
}
