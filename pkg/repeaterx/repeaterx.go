// Package repeaterx wraps go-pkgz/repeater strategies with call semantics
// suited for storage writes: repeat on any error a bounded number of times,
// unless the error is listed as critical.
package repeaterx

import (
	"context"
	"errors"
	"time"

	"github.com/go-pkgz/repeater/strategy"
)

// StopOn repeats the lambda on every failure except the listed critical
// errors, which terminate the repetition immediately.
type StopOn struct {
	strategy.Interface
}

// NewStopOn makes new instance of StopOn.
// If strtg=nil initializes with FixedDelay 100ms, 3 times.
func NewStopOn(strtg strategy.Interface) *StopOn {
	if strtg == nil {
		strtg = &strategy.FixedDelay{Repeats: 3, Delay: 100 * time.Millisecond}
	}
	return &StopOn{Interface: strtg}
}

// Do repeats fun until it succeeds, the strategy is exhausted or the returned
// error is one of the critical errs. Returns the last error of fun.
func (r StopOn) Do(ctx context.Context, fun func() error, errs ...error) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel() // ensure strategy's channel termination

	critical := func(err error) bool {
		for _, e := range errs {
			if errors.Is(err, e) {
				return true
			}
		}
		return false
	}

	ch := r.Start(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-ch:
			if !ok { // closed channel indicates completion or early termination, set by strategy
				return err
			}
			if err = fun(); err == nil {
				return nil
			}
			if critical(err) {
				return err
			}
		}
	}
}
