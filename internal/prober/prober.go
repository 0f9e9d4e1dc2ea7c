// Package prober implements a parallel first-success-wins race over N
// candidates. It is hand-rolled over goroutines and channels rather than
// golang.org/x/sync/errgroup: errgroup cancels every member on the first
// error, whereas a failure here must never cancel its siblings — only a
// success may end the race early.
package prober

import (
	"context"
	"sync"
)

// Candidate pairs a value to probe with the context the probe function
// should observe; canceling Cancel must interrupt any in-flight work the
// probe function performs.
type Candidate[T any] struct {
	Value  T
	Ctx    context.Context
	Cancel context.CancelFunc
}

// Result is a candidate's resolved outcome.
type Result[T, R any] struct {
	Candidate T
	Value     R
	Err       error
}

// Race runs probe against every candidate concurrently. On the first
// success, every other candidate's Cancel is invoked and the winner is
// returned. Late successes/failures from losers are discarded. If every
// candidate fails, the last-observed failure is returned with ok=false.
// An empty candidate list returns ok=false with a zero Result.
func Race[T, R any](candidates []Candidate[T], probe func(ctx context.Context, c T) (R, error)) (Result[T, R], bool) {
	switch len(candidates) {
	case 0:
		var zero Result[T, R]
		return zero, false
	case 1:
		c := candidates[0]
		v, err := probe(c.Ctx, c.Value)
		return Result[T, R]{Candidate: c.Value, Value: v, Err: err}, err == nil
	}

	type outcome struct {
		idx int
		res Result[T, R]
	}

	results := make(chan outcome, len(candidates))
	var wg sync.WaitGroup
	for i, c := range candidates {
		wg.Add(1)
		go func(i int, c Candidate[T]) {
			defer wg.Done()
			v, err := probe(c.Ctx, c.Value)
			results <- outcome{idx: i, res: Result[T, R]{Candidate: c.Value, Value: v, Err: err}}
		}(i, c)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var lastFailure Result[T, R]
	haveFailure := false

	for o := range results {
		if o.res.Err == nil {
			for i, c := range candidates {
				if i != o.idx && c.Cancel != nil {
					c.Cancel()
				}
			}
			// Drain remaining results without blocking future sends;
			// the producer goroutines are already unblocked via cancellation
			// and will complete and close the channel on their own.
			go func() {
				for range results {
				}
			}()
			return o.res, true
		}
		lastFailure = o.res
		haveFailure = true
	}

	if haveFailure {
		return lastFailure, false
	}
	var zero Result[T, R]
	return zero, false
}
