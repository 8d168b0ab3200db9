// Package classify maps endpoint call failures onto the engine's closed
// error taxonomy and decides retry eligibility and backoff, mirroring the
// precedence rules an error classifier in this domain is expected to apply
// in a fixed order rather than a best-match search.
package classify

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"regexp"
	"time"

	"github.com/nightcrew/skedge/pkg/engineerr"
)

var (
	timeoutPattern = regexp.MustCompile(`(?i)timeout|ETIMEDOUT|AbortError`)
	networkPattern = regexp.MustCompile(`(?i)ENOTFOUND|ECONNRESET|ECONNREFUSED|EHOSTUNREACH|network`)
)

// Attempt describes one endpoint call's outcome, in the shape the
// classifier needs to assign a category.
type Attempt struct {
	Aborted    bool
	HTTPStatus int // 0 if no response was received
	Err        error
}

// Classify assigns a category to an endpoint call attempt following the
// documented precedence: aborted, then HTTP status, then message pattern
// matching, else unknown.
func Classify(endpointID string, a Attempt) *engineerr.EndpointError {
	switch {
	case a.Aborted:
		return engineerr.NewEndpointError(engineerr.EndpointAborted, endpointID, a.HTTPStatus, a.Err)
	case a.HTTPStatus >= 500:
		return engineerr.NewEndpointError(engineerr.EndpointHTTP5xx, endpointID, a.HTTPStatus, a.Err)
	case a.HTTPStatus >= 400 && a.HTTPStatus < 500:
		return engineerr.NewEndpointError(engineerr.EndpointHTTP4xx, endpointID, a.HTTPStatus, a.Err)
	}

	msg := ""
	if a.Err != nil {
		msg = a.Err.Error()
	}
	switch {
	case timeoutPattern.MatchString(msg):
		return engineerr.NewEndpointError(engineerr.EndpointTimeout, endpointID, a.HTTPStatus, a.Err)
	case networkPattern.MatchString(msg):
		return engineerr.NewEndpointError(engineerr.EndpointNetwork, endpointID, a.HTTPStatus, a.Err)
	default:
		return engineerr.NewEndpointError(engineerr.EndpointUnknown, endpointID, a.HTTPStatus, a.Err)
	}
}

// RetryPolicy decides whether a given attempt number should be retried and
// how long to wait before the next attempt. It is stateless per
// (job, endpoint, attempt) as the specification requires.
type RetryPolicy struct {
	MaxAttempts int
	// BackoffFn computes the delay before the next attempt, given the
	// attempt number (1-indexed) that just failed. Deterministic given a
	// caller-supplied rng, never the global math/rand source.
	BackoffFn func(attempt int, rng *rand.Rand) time.Duration
}

// DefaultRetryPolicy is the linear `250ms × attempt` placeholder the
// specification names, substitutable by ExponentialBackoff.
func DefaultRetryPolicy(maxAttempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		BackoffFn:   LinearBackoff(250 * time.Millisecond),
	}
}

// LinearBackoff returns a BackoffFn computing `unit × attempt`.
func LinearBackoff(unit time.Duration) func(int, *rand.Rand) time.Duration {
	return func(attempt int, _ *rand.Rand) time.Duration {
		return unit * time.Duration(attempt)
	}
}

// ExponentialBackoff returns a BackoffFn computing
// `initial × 2^(attempt-1)` capped at max, with ±jitterFrac jitter applied
// via the caller-supplied rng so the result is deterministic given a seed.
func ExponentialBackoff(initial, max time.Duration, jitterFrac float64) func(int, *rand.Rand) time.Duration {
	return func(attempt int, rng *rand.Rand) time.Duration {
		backoff := float64(initial) * math.Pow(2, float64(attempt-1))
		if backoff > float64(max) {
			backoff = float64(max)
		}
		if rng != nil && jitterFrac > 0 {
			jitter := (rng.Float64() - 0.5) * 2 * jitterFrac * backoff
			backoff += jitter
			if backoff < 0 {
				backoff = 0
			}
		}
		return time.Duration(backoff)
	}
}

// ShouldRetry reports whether attempt (1-indexed, the one that just failed)
// should be retried given the classified error.
func (p RetryPolicy) ShouldRetry(attempt int, classified *engineerr.EndpointError) bool {
	return attempt < p.MaxAttempts && classified.Transient()
}

// Wait blocks for the policy's computed delay, or returns ctx.Err() if
// cancelled first.
func (p RetryPolicy) Wait(ctx context.Context, attempt int, rng *rand.Rand) error {
	if p.BackoffFn == nil {
		return nil
	}
	d := p.BackoffFn(attempt, rng)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// JobBackoff computes the fallback reschedule delay used by the cycle
// processor on step 7 failures, exponential in the job's consecutive
// failure count and capped at maxBackoff, deterministic given rng.
func JobBackoff(consecutiveFailures int, initial, maxBackoff time.Duration, rng *rand.Rand) time.Duration {
	fn := ExponentialBackoff(initial, maxBackoff, 0.2)
	n := consecutiveFailures
	if n < 1 {
		n = 1
	}
	d := fn(n, rng)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// ErrCancelled carries the error message the executor records on a result
// whose call was aborted via context cancellation, so callers can distinguish
// it from a genuine unknown failure.
var ErrCancelled = errors.New("aborted: context cancelled")
