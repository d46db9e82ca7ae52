package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/cappuccinotm/hookrelay/app/errs"
	"github.com/cappuccinotm/hookrelay/app/store"
	"github.com/cappuccinotm/hookrelay/app/store/engine"
)

// Summary is the derived state of a webhook's delivery chain.
type Summary string

// Possible summaries of the delivery chain.
const (
	// SummaryDelivered - the chain contains a successful attempt.
	SummaryDelivered = Summary("delivered")
	// SummaryExhausted - the chain terminated without a successful attempt.
	SummaryExhausted = Summary("exhausted")
	// SummaryPending - the chain hasn't reached a terminal state yet.
	SummaryPending = Summary("pending")
)

// DefaultAttemptsLimit bounds the listings when the caller didn't ask for
// a specific limit.
const DefaultAttemptsLimit = 20

// Status is the aggregated view of a single webhook's delivery chain.
type Status struct {
	WebhookID      string                  `json:"webhook_id"`
	SubscriptionID string                  `json:"subscription_id"`
	Summary        Summary                 `json:"summary"`
	TotalAttempts  int                     `json:"total_attempts"`
	LastAttemptAt  time.Time               `json:"last_attempt_at"`
	LastStatusCode int                     `json:"last_status_code,omitempty"`
	Error          string                  `json:"error,omitempty"`
	Attempts       []store.DeliveryAttempt `json:"attempts"`
}

// Aggregator reduces the attempt log into the status views. It's a read-only
// path, fully independent of the delivery hot path.
type Aggregator struct {
	Attempts engine.Attempts
}

// Status returns the attempt chain of the webhook, ordered by the attempt
// number ascending, together with the derived summary.
// Returns errs.ErrNotFound if the webhook has no logged attempts.
func (a *Aggregator) Status(ctx context.Context, webhookID string) (Status, error) {
	attempts, err := a.Attempts.ListByWebhook(ctx, webhookID)
	if err != nil {
		return Status{}, fmt.Errorf("list attempts of webhook %s: %w", webhookID, err)
	}
	if len(attempts) == 0 {
		return Status{}, fmt.Errorf("webhook %s: %w", webhookID, errs.ErrNotFound)
	}

	last := attempts[len(attempts)-1]
	res := Status{
		WebhookID:      webhookID,
		SubscriptionID: last.SubscriptionID,
		Summary:        SummaryPending,
		TotalAttempts:  len(attempts),
		LastAttemptAt:  last.Timestamp,
		LastStatusCode: last.StatusCode,
		Error:          last.Error,
		Attempts:       attempts,
	}

	for _, att := range attempts {
		switch att.Outcome {
		case store.OutcomeSuccess:
			res.Summary = SummaryDelivered
		case store.OutcomeFailure:
			res.Summary = SummaryExhausted
		}
	}

	return res, nil
}

// ListAttempts returns up to limit most recent attempts towards the given
// subscription, newest first. Empty result is valid and is not an error.
func (a *Aggregator) ListAttempts(ctx context.Context, subID string, limit int) ([]store.DeliveryAttempt, error) {
	if limit <= 0 {
		limit = DefaultAttemptsLimit
	}

	attempts, err := a.Attempts.ListBySubscription(ctx, subID, limit)
	if err != nil {
		return nil, fmt.Errorf("list attempts of subscription %s: %w", subID, err)
	}
	return attempts, nil
}
