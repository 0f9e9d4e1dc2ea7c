// Package app is the composition root: it wires the durable store, the
// in-memory pool, every tracker the selection engine consults (health,
// token-bucket, rate-limit, circuit breaker), the parallel prober, ordered
// shutdown, and telemetry into the single App value a CLI command or an
// embedding process operates against.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ndycode/oc-chatgpt-multi-auth/internal/breaker"
	"github.com/ndycode/oc-chatgpt-multi-auth/internal/clock"
	"github.com/ndycode/oc-chatgpt-multi-auth/internal/config"
	"github.com/ndycode/oc-chatgpt-multi-auth/internal/errs"
	"github.com/ndycode/oc-chatgpt-multi-auth/internal/health"
	"github.com/ndycode/oc-chatgpt-multi-auth/internal/logging"
	"github.com/ndycode/oc-chatgpt-multi-auth/internal/pool"
	"github.com/ndycode/oc-chatgpt-multi-auth/internal/prober"
	"github.com/ndycode/oc-chatgpt-multi-auth/internal/ratelimit"
	"github.com/ndycode/oc-chatgpt-multi-auth/internal/selector"
	"github.com/ndycode/oc-chatgpt-multi-auth/internal/shutdown"
	"github.com/ndycode/oc-chatgpt-multi-auth/internal/store"
	"github.com/ndycode/oc-chatgpt-multi-auth/internal/telemetry"
	"github.com/ndycode/oc-chatgpt-multi-auth/internal/tokenbucket"
	"github.com/ndycode/oc-chatgpt-multi-auth/internal/upstream"
)

// App is the composition root for the coordination core: the account pool
// plus every tracker and collaborator the selection/probe data flow needs
// to pick the best usable account and survive transient upstream failures.
// An embedding process (the HTTP proxy that actually serves requests, out
// of this module's scope) constructs one App per run and drives
// SelectAndProbe for each inbound call.
type App struct {
	Config *config.Config
	Pool   *pool.Pool
	Logger *logging.Logger
	Clock  clock.Clock

	Health    *health.Tracker
	Tokens    *tokenbucket.Tracker
	RateLimit *ratelimit.Tracker
	Breaker   *breaker.Registry
	Selector  *selector.Engine
	Upstream  *upstream.Client
	Shutdown  *shutdown.Coordinator
	Metrics   *telemetry.Metrics
	Registry  *prometheus.Registry

	probeTimeout time.Duration
	probeTopN    int
}

// New loads configuration and the account pool, resolving the storage path
// from the current working directory: project-local if a project marker is
// found above cwd, else the user's global ~/.opencode directory. It also
// constructs the full in-memory coordination core (health, token-bucket,
// rate-limit, breaker, selector, prober transport, telemetry, and ordered
// shutdown) so SelectAndProbe is usable immediately.
func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := logging.New(logging.Options{
		Service: "codex-accounts",
		Level:   cfg.LogLevelParsed(),
		Console: cfg.ConsoleLog,
	})

	cwd, _ := os.Getwd()
	home, _ := os.UserHomeDir()
	path, err := store.ResolvePath(cwd, home)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureGitignored(filepath.Dir(path)); err != nil {
		logger.Warn("failed to update .gitignore", map[string]interface{}{"error": err.Error()})
	}

	c := clock.New()
	s := store.New(path, logger, store.NormalizeOptions{})
	s.SetRecoveryPaths(store.RecoveryPaths(cfg.AppData, cfg.XDGDataHome))
	p := pool.Load(context.Background(), s, c)

	healthTracker := health.New(c)
	tokens := tokenbucket.New(tokenbucket.Options{Clock: c})
	rateLimit := ratelimit.New(ratelimit.Options{Clock: c})
	breakerRegistry := breaker.NewRegistry(breaker.Options{Clock: c})
	sel := selector.New(healthTracker, tokens, breakerRegistry, c)

	up := upstream.NewClient(upstream.ClientOptions{
		MaxConns:            cfg.MaxConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		Timeout:             cfg.RequestTimeout,
		Logger:              logger,
		RequestLogging:      cfg.EnableRequestLogging,
	})

	shutdownCoordinator := shutdown.New(func(err error) {
		logger.Warn("shutdown cleanup failed", map[string]interface{}{"error": err.Error()})
	})
	shutdownCoordinator.Register(func() error {
		up.Close()
		return nil
	})

	reg := prometheus.NewRegistry()
	metrics := telemetry.New(reg)

	a := &App{
		Config:    cfg,
		Pool:      p,
		Logger:    logger,
		Clock:     c,
		Health:    healthTracker,
		Tokens:    tokens,
		RateLimit: rateLimit,
		Breaker:   breakerRegistry,
		Selector:  sel,
		Upstream:  up,
		Shutdown:  shutdownCoordinator,
		Metrics:   metrics,
		Registry:  reg,

		probeTimeout: cfg.ProbeTimeout,
		probeTopN:    cfg.ProbeTopN,
	}
	a.RefreshPoolSizeMetric()
	return a, nil
}

// RefreshPoolSizeMetric re-reads the pool's current account count into the
// pool_size gauge. Callers that mutate the pool outside SelectAndProbe
// (add/remove/import/export) should call this afterward to keep the gauge
// honest.
func (a *App) RefreshPoolSizeMetric() {
	if a.Metrics == nil {
		return
	}
	a.Metrics.PoolSize.Set(float64(len(a.Pool.Snapshot().Accounts)))
}

// TokenSource resolves a usable access token for account, called once per
// probe candidate. The embedding process owns the real OAuth refresh flow
// (see internal/oauth); App takes it as a callback rather than constructing
// an oauth.Refresher itself, since that requires an Authenticator
// implementation (the PKCE exchange) this module deliberately doesn't ship.
type TokenSource func(ctx context.Context, account store.Account) (string, error)

// ErrNoCandidates is returned by SelectAndProbe when no account is both
// present in the pool and admitted by rate-limit/cooldown/breaker state.
var ErrNoCandidates = fmt.Errorf("no candidate accounts available")

// candidate pairs a ranked account with the breaker target key it was
// admitted under, so the outcome can be recorded against the same target
// the admission check consulted.
type candidate struct {
	idx     int
	account store.Account
	target  string
}

// SelectAndProbe implements the full selection data flow: rank candidates
// for (family, model) by hybrid score, skip any whose breaker won't admit a
// call right now, race upstream probes across the survivors (top
// Config.ProbeTopN, or all of them when that is not positive), and record the outcome back into health, breaker, and
// the pool's durable lastUsed state. The first candidate to succeed wins;
// every other in-flight probe is canceled.
func (a *App) SelectAndProbe(ctx context.Context, family, model string, req upstream.Request, tokens TokenSource) (upstream.Response, store.Account, error) {
	snap := a.Pool.Snapshot()
	topN := a.probeTopN
	if topN <= 0 {
		topN = -1
	}
	ranked := a.Selector.GetTopCandidates(snap, family, model, topN)
	quota := pool.QuotaKey(family, model)

	var candidates []candidate
	for _, c := range ranked {
		target := selector.BreakerTarget(c.Index, family, model)
		a.recordTrackerGauges(target, quota, c.Index)
		if err := a.Breaker.CanExecute(target); err != nil {
			continue
		}
		candidates = append(candidates, candidate{idx: c.Index, account: c.Account, target: target})
	}

	if len(candidates) == 0 {
		a.recordSelectionOutcome("no_candidates")
		return upstream.Response{}, store.Account{}, ErrNoCandidates
	}
	probeCandidates := make([]prober.Candidate[candidate], 0, len(candidates))
	var cancels []context.CancelFunc
	for _, c := range candidates {
		cctx := ctx
		if a.probeTimeout > 0 {
			var cancel context.CancelFunc
			cctx, cancel = context.WithTimeout(ctx, a.probeTimeout)
			cancels = append(cancels, cancel)
		}
		cctx, cancel := context.WithCancel(cctx)
		cancels = append(cancels, cancel)
		probeCandidates = append(probeCandidates, prober.Candidate[candidate]{Value: c, Ctx: cctx, Cancel: cancel})
	}
	defer func() {
		for _, cancel := range cancels {
			cancel()
		}
	}()

	probe := func(pctx context.Context, c candidate) (upstream.Response, error) {
		token, err := tokens(pctx, c.account)
		if err != nil {
			return upstream.Response{}, &errs.AuthError{AccountID: c.account.AccountID, Cause: err}
		}
		return a.Upstream.Probe(pctx, upstream.Account{
			Index:        c.idx,
			AccessToken:  token,
			AccountLabel: c.account.AccountLabel,
		}, req)
	}

	result, ok := prober.Race(probeCandidates, probe)
	if !ok {
		for _, c := range candidates {
			a.Health.RecordFailure(c.idx, quota)
			a.Breaker.RecordFailure(c.target)
			a.recordTrackerGauges(c.target, quota, c.idx)
		}
		a.recordSelectionOutcome("all_failed")
		if result.Err != nil {
			return upstream.Response{}, store.Account{}, result.Err
		}
		return upstream.Response{}, store.Account{}, ErrNoCandidates
	}

	winner := result.Candidate
	a.Health.RecordSuccess(winner.idx, quota)
	a.Breaker.RecordSuccess(winner.target)
	a.recordTrackerGauges(winner.target, quota, winner.idx)
	if err := a.Pool.MarkUsed(ctx, winner.idx, store.SwitchReasonRotation); err != nil {
		a.Logger.Warn("failed to persist lastUsed after selection", map[string]interface{}{"error": err.Error()})
	}
	a.recordSelectionOutcome("success")
	return result.Value, winner.account, nil
}

func (a *App) recordSelectionOutcome(outcome string) {
	if a.Metrics == nil {
		return
	}
	a.Metrics.SelectionTotal.WithLabelValues(outcome).Inc()
}

// recordTrackerGauges refreshes the breaker_state and tracker_score
// gauges for one (target, quota key, account index) triple, keeping the
// /metrics surface current with every admission check and post-probe
// outcome instead of only counting selection totals.
func (a *App) recordTrackerGauges(target, quota string, idx int) {
	if a.Metrics == nil {
		return
	}
	a.Metrics.BreakerState.WithLabelValues(target).Set(telemetry.BreakerStateValue(string(a.Breaker.StateOf(target))))
	a.Metrics.TrackerScore.WithLabelValues(quota).Set(float64(a.Health.GetScore(idx, quota)))
}
