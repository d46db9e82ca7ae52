// Package delivery contains the webhook delivery engine: the retry scheduler,
// the executor worker pool, the status aggregation and the retention purge.
package delivery

import (
	"time"

	"github.com/cappuccinotm/hookrelay/app/errs"
	"github.com/cappuccinotm/hookrelay/app/store"
)

// DefaultBackoff is the fixed delay schedule between the consecutive
// attempts: the n-th failed attempt schedules the next one after Backoff[n-1].
// The last entry is reachable only if MaxAttempts is raised above its default.
var DefaultBackoff = []time.Duration{
	10 * time.Second,
	30 * time.Second,
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
}

// DefaultMaxAttempts limits the delivery chain length.
const DefaultMaxAttempts = 5

// Scheduler is the retry state machine: it maps the result of an attempt to
// the logged outcome and the next transition. It holds no mutable state and
// is safe for concurrent use.
type Scheduler struct {
	Backoff     []time.Duration
	MaxAttempts int
}

// NewScheduler makes a scheduler with the default schedule.
func NewScheduler() Scheduler {
	return Scheduler{Backoff: DefaultBackoff, MaxAttempts: DefaultMaxAttempts}
}

// Decision describes the outcome of a single attempt and the transition to
// perform: either a retry after Delay or a stop with a terminal outcome.
type Decision struct {
	Outcome    store.Outcome
	StatusCode int    // 0 when no response was received
	Error      string // empty on success
	Retry      bool
	Delay      time.Duration
}

// Classify is a pure function from the attempt's result to the decision.
// A received 2xx status terminates the chain with success; any other status,
// timeout or connection error retries until the attempts are exhausted.
func (s Scheduler) Classify(attemptNumber, statusCode int, callErr error) Decision {
	if callErr == nil && statusCode >= 200 && statusCode < 300 {
		return Decision{Outcome: store.OutcomeSuccess, StatusCode: statusCode}
	}

	d := Decision{StatusCode: statusCode}
	switch {
	case callErr != nil:
		d.Error = callErr.Error()
	default:
		d.Error = errs.ErrUnexpectedStatus(statusCode).Error()
	}

	if attemptNumber >= s.MaxAttempts {
		d.Outcome = store.OutcomeFailure
		return d
	}

	d.Outcome = store.OutcomeFailedAttempt
	d.Retry = true
	d.Delay = s.RetryDelay(attemptNumber)
	return d
}

// RetryDelay returns the delay before the attempt following the given one.
func (s Scheduler) RetryDelay(attemptNumber int) time.Duration {
	return s.Backoff[min(attemptNumber, len(s.Backoff))-1]
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
