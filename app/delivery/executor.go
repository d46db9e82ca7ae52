package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cappuccinotm/hookrelay/app/errs"
	"github.com/cappuccinotm/hookrelay/app/queue"
	"github.com/cappuccinotm/hookrelay/app/store"
	"github.com/cappuccinotm/hookrelay/app/store/engine"
	"github.com/cappuccinotm/hookrelay/pkg/logx"
	"github.com/cappuccinotm/hookrelay/pkg/repeaterx"
	"github.com/go-pkgz/syncs"
)

// Executor consumes delivery jobs from the queue, resolves subscriptions,
// performs the HTTP deliveries and applies the scheduler's transitions.
// Each execution writes exactly one attempt row before acting on the
// transition, so the attempt log never lags the queue's state.
type Executor struct {
	Queue         queue.Interface
	Subscriptions engine.Subscriptions // usually the cached decorator
	Attempts      engine.Attempts
	Scheduler     Scheduler
	Signer        Signer
	Client        *http.Client
	Log           logx.Logger

	// Workers bounds the number of concurrently processed jobs.
	Workers int

	now func() time.Time // overridable in tests
}

// Run consumes the queue with a bounded worker pool until the context is
// done. The consumer is blocked when the pool is saturated, which delays
// dequeuing instead of piling up goroutines. Always returns a non-nil error.
func (e *Executor) Run(ctx context.Context) error {
	swg := syncs.NewSizedGroup(e.Workers, syncs.Context(ctx), syncs.Preemptive)

	err := e.Queue.Consume(ctx, queue.HandlerFunc(func(ctx context.Context, msg queue.Message) {
		swg.Go(func(ctx context.Context) {
			if err := e.process(ctx, msg.Job); err != nil {
				e.Log.Printf("[WARN] failed to process attempt %d of webhook %s, leaving for re-delivery: %v",
					msg.Job.AttemptNumber, msg.Job.WebhookID, err)
				return // no ack, the lease expires and the job returns to the queue
			}
			if err := e.Queue.Ack(ctx, msg.ID); err != nil {
				e.Log.Printf("[WARN] failed to ack message %s: %v", msg.ID, err)
			}
		})
	}))

	swg.Wait()
	return fmt.Errorf("executor stopped, reason: %w", err)
}

// process handles a single job: resolve, deliver, classify, log, transition.
func (e *Executor) process(ctx context.Context, job store.DeliveryJob) error {
	logged, err := e.Attempts.ListByWebhook(ctx, job.WebhookID)
	if err != nil {
		return fmt.Errorf("check webhook %s state: %w", job.WebhookID, err)
	}
	// the queue is at-least-once, a duplicated or stale job must not extend
	// the chain once the attempt is logged or the chain is terminated
	for _, att := range logged {
		if att.Outcome.Terminal() || att.AttemptNumber > job.AttemptNumber {
			e.Log.Printf("[DEBUG] attempt %d of webhook %s is already processed, dropping duplicate",
				job.AttemptNumber, job.WebhookID)
			return nil
		}
	}

	// the attempt is logged, but the worker might have crashed before
	// enqueuing the next one; redo the transition without re-delivering
	if last := len(logged) - 1; last >= 0 && logged[last].AttemptNumber == job.AttemptNumber {
		e.Log.Printf("[DEBUG] attempt %d of webhook %s is already logged, redoing its transition",
			job.AttemptNumber, job.WebhookID)
		if err := e.Queue.Put(ctx, job.Next(), e.Scheduler.RetryDelay(job.AttemptNumber)); err != nil {
			return fmt.Errorf("enqueue attempt %d of webhook %s: %w", job.AttemptNumber+1, job.WebhookID, err)
		}
		return nil
	}

	sub, err := e.Subscriptions.Get(ctx, job.SubscriptionID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		// the subscription is gone after the enqueue, terminate without retries
		return e.logAttempt(ctx, store.DeliveryAttempt{
			WebhookID:      job.WebhookID,
			SubscriptionID: job.SubscriptionID,
			Timestamp:      e.timeNow(),
			AttemptNumber:  job.AttemptNumber,
			Outcome:        store.OutcomeFailure,
			Error:          errs.ErrSubscriptionGone(job.SubscriptionID).Error(),
		})
	case err != nil:
		return fmt.Errorf("resolve subscription %s: %w", job.SubscriptionID, err)
	}

	if !sub.Matches(job.EventType) {
		e.Log.Printf("[DEBUG] event type %q is filtered out by subscription %s, dropping webhook %s",
			job.EventType, sub.ID, job.WebhookID)
		return nil
	}

	statusCode, callErr := e.post(ctx, sub, job)
	decision := e.Scheduler.Classify(job.AttemptNumber, statusCode, callErr)

	att := store.DeliveryAttempt{
		WebhookID:      job.WebhookID,
		SubscriptionID: job.SubscriptionID,
		TargetURL:      sub.TargetURL,
		Timestamp:      e.timeNow(),
		AttemptNumber:  job.AttemptNumber,
		Outcome:        decision.Outcome,
		StatusCode:     decision.StatusCode,
		Error:          decision.Error,
	}

	// log-then-transition: the row must be persisted before the re-enqueue
	if err := e.logAttempt(ctx, att); err != nil {
		return fmt.Errorf("log attempt %d of webhook %s: %w", job.AttemptNumber, job.WebhookID, err)
	}

	if decision.Retry {
		if err := e.Queue.Put(ctx, job.Next(), decision.Delay); err != nil {
			return fmt.Errorf("enqueue attempt %d of webhook %s: %w", job.AttemptNumber+1, job.WebhookID, err)
		}
	}

	return nil
}

// post performs the HTTP delivery. The returned error describes a transport
// failure - timeout, connection error or an unresolvable URL - in which case
// the status code is zero.
func (e *Executor) post(ctx context.Context, sub store.Subscription, job store.DeliveryJob) (statusCode int, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.TargetURL, bytes.NewReader(job.Payload))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if job.EventType != "" {
		req.Header.Set("X-Event-Type", job.EventType)
	}

	sig := job.Signature
	if sig == "" && sub.Secret != "" && e.Signer != nil {
		sig = e.Signer.Sign(job.Payload, sub.Secret)
	}
	if sig != "" {
		req.Header.Set("X-Signature", sig)
	}

	resp, err := e.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close() // nolint:errcheck // no need in the error of body closing
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return resp.StatusCode, nil
}

// logAttempt writes the attempt row, repeating the write on storage hiccups,
// as an unlogged attempt breaks the append-only audit of the chain.
func (e *Executor) logAttempt(ctx context.Context, att store.DeliveryAttempt) error {
	err := repeaterx.NewStopOn(nil).Do(ctx, func() error {
		_, err := e.Attempts.Create(ctx, att)
		return err
	}, context.Canceled)
	if err != nil {
		return fmt.Errorf("create attempt entry: %w", err)
	}
	return nil
}

func (e *Executor) timeNow() time.Time {
	if e.now == nil {
		return time.Now().UTC()
	}
	return e.now().UTC()
}
