// Package upstream defines the Upstream HTTP collaborator contract: the
// prober hands it an account and a cancellation-bearing context and
// gets back a success payload or a typed error whose code drives
// rate-limit reason parsing. Request/response transformation and
// protocol-specific payload shaping are explicitly out of scope; this
// package keeps only the connection-pooled transport.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ndycode/oc-chatgpt-multi-auth/internal/errs"
	"github.com/ndycode/oc-chatgpt-multi-auth/internal/logging"
)

// Account is the minimal shape the prober passes down: enough to
// authenticate and target a request, nothing about the pool's bookkeeping
// fields.
type Account struct {
	Index        int
	AccessToken  string
	AccountLabel string
}

// Request is an opaque outbound request: target URL, HTTP method, and a
// pre-built body. Payload shaping lives entirely in the out-of-scope
// HTTP/SSE conversion layer; this package only moves bytes.
type Request struct {
	Method string
	URL    string
	Body   []byte
	Header http.Header
}

// Response is a successful upstream reply; Body must be closed by the
// caller.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Prober is the interface the parallel prober drives: given an account
// and a context that will be canceled if another candidate wins, attempt
// the call and return a result or a typed error.
type Prober interface {
	Probe(ctx context.Context, account Account, req Request) (Response, error)
}

// ClientOptions configures Client's pooled transport.
type ClientOptions struct {
	MaxConns            int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	Timeout             time.Duration
	Logger              *logging.Logger

	// RequestLogging mirrors ENABLE_PLUGIN_REQUEST_LOGGING: when set,
	// every probe logs its outcome (status, latency) at info level
	// instead of only the pre-request detail logged at debug.
	RequestLogging bool
}

// Client is the default Prober: a connection-pooled http.Client.
type Client struct {
	httpClient     *http.Client
	logger         *logging.Logger
	requestLogging bool
}

// NewClient creates a pooled Client.
func NewClient(opts ClientOptions) *Client {
	transport := &http.Transport{
		MaxIdleConns:        opts.MaxConns,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxConnsPerHost:     opts.MaxConns,
		IdleConnTimeout:     opts.IdleConnTimeout,
		DisableKeepAlives:   false,
	}
	return &Client{
		httpClient:     &http.Client{Transport: transport, Timeout: opts.Timeout},
		logger:         opts.Logger,
		requestLogging: opts.RequestLogging,
	}
}

// Probe issues req against account's upstream, authenticated with its
// access token. Non-2xx responses and transport failures are surfaced as
// typed errs values so callers can drive rate-limit/circuit-breaker
// bookkeeping without string matching.
func (c *Client) Probe(ctx context.Context, account Account, req Request) (Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, newBodyReader(req.Body))
	if err != nil {
		return Response{}, errs.NewNetworkError("build request", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Authorization", "Bearer "+account.AccessToken)

	if c.logger != nil {
		c.logger.Debug("probing upstream", map[string]interface{}{"url": req.URL, "accountIndex": account.Index})
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logRequestOutcome(req, account, 0, time.Since(start), err)
		if ctx.Err() != nil {
			return Response{}, &errs.TimeoutError{Op: "upstream probe", Cause: err}
		}
		return Response{}, errs.NewNetworkError("upstream request", err)
	}

	if resp.StatusCode >= 400 {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(resp.Body)
		apiErr := errs.NewApiError(resp.StatusCode, string(body), flattenHeader(resp.Header))
		c.logRequestOutcome(req, account, resp.StatusCode, time.Since(start), apiErr)
		if resp.StatusCode == http.StatusTooManyRequests {
			return Response{}, &errs.RateLimitError{
				AccountID:    account.AccountLabel,
				RetryAfterMs: parseRetryAfterMs(resp.Header.Get("Retry-After")),
				Cause:        apiErr,
			}
		}
		return Response{}, apiErr
	}

	c.logRequestOutcome(req, account, resp.StatusCode, time.Since(start), nil)
	return Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
}

// logRequestOutcome emits the request log ENABLE_PLUGIN_REQUEST_LOGGING
// enables: method, URL, account index, status, latency, and error if any,
// at info level so it's visible without DEBUG_CODEX_PLUGIN also being set.
// The line goes to the Client's Logger; no separate log file is written.
func (c *Client) logRequestOutcome(req Request, account Account, status int, elapsed time.Duration, err error) {
	if c.logger == nil || !c.requestLogging {
		return
	}
	fields := map[string]interface{}{
		"method":       req.Method,
		"url":          req.URL,
		"accountIndex": account.Index,
		"status":       status,
		"elapsedMs":    elapsed.Milliseconds(),
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	c.logger.Info("upstream request", fields)
}

// Close releases pooled idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

func newBodyReader(body []byte) io.Reader {
	if body == nil {
		return nil
	}
	return &byteReader{b: body}
}

type byteReader struct {
	b   []byte
	off int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.off >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.off:])
	r.off += n
	return n, nil
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func parseRetryAfterMs(v string) int64 {
	if v == "" {
		return 0
	}
	var secs int64
	if _, err := fmt.Sscanf(v, "%d", &secs); err != nil {
		return 0
	}
	return secs * 1000
}
