// Package retry implements the retry and timeout policy evaluator. Decide
// is a pure function: given a policy, the attempt that just failed, and the
// failure, it answers whether to retry and after how long. Timeouts are
// evaluated independently: a timed-out attempt is a failure eligible for
// the same retry policy.
package retry

import (
	"time"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// Backoff selects the delay curve between attempts.
type Backoff string

const (
	// BackoffFixed waits the configured delay between every attempt. This
	// is the default.
	BackoffFixed Backoff = "fixed"

	// BackoffExponential doubles the delay on each attempt, capped at
	// MaxDelay. Opt-in via step configuration.
	BackoffExponential Backoff = "exponential"
)

// Policy is the per-step retry configuration.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt. A step
	// with MaxRetries=N executes at most N+1 attempts.
	MaxRetries int

	// Delay is the base delay between attempts.
	Delay time.Duration

	// Backoff selects fixed (default) or exponential delay growth.
	Backoff Backoff

	// MaxDelay caps the exponential delay. Zero means no cap.
	MaxDelay time.Duration
}

// Decision is the outcome of evaluating a failed attempt.
type Decision struct {
	// Retry is true when the step should be re-dispatched.
	Retry bool

	// After is how long to wait before the next attempt.
	After time.Duration
}

// GiveUp is the terminal decision.
var GiveUp = Decision{}

// Decide evaluates whether a failed attempt should be retried. attempt is
// the 1-based number of the attempt that just failed. Unretryable failures
// (authorization denials, definition errors) give up immediately regardless
// of remaining budget.
func Decide(policy Policy, attempt int, err error) Decision {
	if !sdkerrors.IsRetryable(err) {
		return GiveUp
	}
	if attempt > policy.MaxRetries {
		return GiveUp
	}
	return Decision{Retry: true, After: delayFor(policy, attempt)}
}

// delayFor computes the wait before the attempt following the given failed
// attempt.
func delayFor(policy Policy, attempt int) time.Duration {
	delay := policy.Delay
	if policy.Backoff != BackoffExponential {
		return delay
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if policy.MaxDelay > 0 && delay >= policy.MaxDelay {
			return policy.MaxDelay
		}
	}
	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		return policy.MaxDelay
	}
	return delay
}
