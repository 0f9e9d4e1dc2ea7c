// Package promptcache implements the ETag-pattern ambient prompt cache:
// an in-memory snapshot mirrored to disk, a TTL with stale-while-revalidate
// refresh, a fallback chain of source URLs, conditional If-None-Match
// requests, and "any total failure returns last good value" resilience.
// The actual HTTP/SSE conversion this feeds is out of scope; this package
// only owns the cached bytes and their freshness bookkeeping.
package promptcache

import (
	"context"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/ndycode/oc-chatgpt-multi-auth/internal/clock"
	"github.com/ndycode/oc-chatgpt-multi-auth/internal/logging"
)

const defaultTTL = 15 * time.Minute

// Entry is the cached snapshot plus its validation metadata.
type Entry struct {
	Body       []byte
	ETag       string
	FetchedAt  time.Time
}

// Cache is a single cached resource backed by a fallback chain of source
// URLs and an on-disk mirror.
type Cache struct {
	mu         sync.RWMutex
	sourceURLs []string
	diskPath   string
	ttl        time.Duration
	httpClient *http.Client
	logger     *logging.Logger
	clock      clock.Clock

	current *Entry
}

// Options configures a Cache.
type Options struct {
	SourceURLs []string
	DiskPath   string
	TTL        time.Duration
	HTTPClient *http.Client
	Logger     *logging.Logger
	Clock      clock.Clock
}

// New creates a Cache, loading any existing disk mirror as the initial
// value so a cold process start doesn't pay a network round trip before
// its first request.
func New(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	c := &Cache{
		sourceURLs: opts.SourceURLs,
		diskPath:   opts.DiskPath,
		ttl:        opts.TTL,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
		clock:      opts.Clock,
	}
	c.current = c.loadDiskMirror()
	return c
}

func (c *Cache) loadDiskMirror() *Entry {
	if c.diskPath == "" {
		return nil
	}
	body, err := os.ReadFile(c.diskPath)
	if err != nil {
		return nil
	}
	return &Entry{Body: body, FetchedAt: c.clock.Now()}
}

func (c *Cache) saveDiskMirror(body []byte) {
	if c.diskPath == "" {
		return
	}
	if err := renameio.WriteFile(c.diskPath, body, 0600); err != nil && c.logger != nil {
		c.logger.Warn("failed to mirror prompt cache to disk", map[string]interface{}{"error": err.Error()})
	}
}

// Get returns the current value, refreshing synchronously if there is no
// value yet, or triggering a stale-while-revalidate background refresh if
// the TTL has elapsed. Any total failure (all source URLs exhausted)
// returns the last good value, or an error only if there has never been
// a good value.
func (c *Cache) Get(ctx context.Context) ([]byte, error) {
	c.mu.RLock()
	cur := c.current
	c.mu.RUnlock()

	if cur == nil {
		return c.refresh(ctx)
	}
	if c.clock.Now().Sub(cur.FetchedAt) > c.ttl {
		go func() {
			if _, err := c.refresh(context.Background()); err != nil && c.logger != nil {
				c.logger.Warn("background prompt cache refresh failed", map[string]interface{}{"error": err.Error()})
			}
		}()
	}
	return cur.Body, nil
}

// refresh walks the fallback chain of source URLs, issuing a conditional
// GET against each (If-None-Match: the current ETag, if any). The first
// successful response (200 with a new body, or 304 keeping the existing
// body but refreshing FetchedAt) wins; if every URL fails, the last good
// value is returned instead of an error, unless there is no good value
// yet.
func (c *Cache) refresh(ctx context.Context) ([]byte, error) {
	c.mu.RLock()
	prevEntry := c.current
	c.mu.RUnlock()

	var prevETag string
	if prevEntry != nil {
		prevETag = prevEntry.ETag
	}

	for _, url := range c.sourceURLs {
		entry, err := c.fetchOne(ctx, url, prevETag, prevEntry)
		if err != nil {
			if c.logger != nil {
				c.logger.Debug("prompt cache source failed, trying next", map[string]interface{}{"url": url, "error": err.Error()})
			}
			continue
		}
		c.mu.Lock()
		c.current = entry
		c.mu.Unlock()
		c.saveDiskMirror(entry.Body)
		return entry.Body, nil
	}

	if prevEntry != nil {
		return prevEntry.Body, nil
	}
	return nil, &noSourceAvailable{}
}

func (c *Cache) fetchOne(ctx context.Context, url, etag string, prevEntry *Entry) (*Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotModified && prevEntry != nil {
		return &Entry{Body: prevEntry.Body, ETag: prevEntry.ETag, FetchedAt: c.clock.Now()}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &unexpectedStatus{code: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Entry{Body: body, ETag: resp.Header.Get("ETag"), FetchedAt: c.clock.Now()}, nil
}

type noSourceAvailable struct{}

func (e *noSourceAvailable) Error() string { return "prompt cache: no source available and no prior value" }

type unexpectedStatus struct{ code int }

func (e *unexpectedStatus) Error() string {
	return http.StatusText(e.code)
}
