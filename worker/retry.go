package worker

import (
	"context"
	"math/rand"
	"time"
)

// RetryOpts configures retry-with-backoff for transient external calls
// (embedder, LLM, store I/O) — distinct from bus message redelivery, which
// the bus driver owns exclusively (spec §4.5, §4.8 "retry is not
// redelivery").
type RetryOpts struct {
	MaxAttempts int
	Base        time.Duration
	MaxBackoff  time.Duration
	OnRetry     func(attempt int, err error)
	OnFailure   func(attempt int, err error)
}

// DefaultRetryOpts matches spec §4.5's stated defaults.
var DefaultRetryOpts = RetryOpts{
	MaxAttempts: 3,
	Base:        5 * time.Second,
	MaxBackoff:  60 * time.Second,
}

// RetryWithBackoff retries f until it succeeds, MaxAttempts is exhausted, or
// ctx is cancelled. Backoff doubles each attempt starting at Base, capped at
// MaxBackoff, with ±20% jitter. Cancellation is cooperative: a cancelled ctx
// aborts the current sleep and returns ctx.Err() (spec §4.5).
func RetryWithBackoff(ctx context.Context, opts RetryOpts, f func(context.Context) error) error {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultRetryOpts.MaxAttempts
	}
	wait := opts.Base
	if wait <= 0 {
		wait = DefaultRetryOpts.Base
	}
	cap := opts.MaxBackoff
	if cap <= 0 {
		cap = DefaultRetryOpts.MaxBackoff
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = f(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == maxAttempts {
			break
		}
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, lastErr)
		}

		jitter := 0.8 + rand.Float64()*0.4 // ±20%
		sleepDur := time.Duration(float64(wait) * jitter)
		if sleepDur > cap {
			sleepDur = cap
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleepDur):
		}

		wait *= 2
		if wait > cap {
			wait = cap
		}
	}
	if opts.OnFailure != nil {
		opts.OnFailure(maxAttempts, lastErr)
	}
	return lastErr
}
