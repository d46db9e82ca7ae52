package store

import "time"

// Outcome classifies the result of a single delivery attempt.
type Outcome string

// Possible outcomes of a delivery attempt.
const (
	// OutcomeSuccess - delivered, the endpoint responded with a 2xx status.
	OutcomeSuccess = Outcome("success")
	// OutcomeFailedAttempt - non-terminal failure, the attempt will be retried.
	OutcomeFailedAttempt = Outcome("failed_attempt")
	// OutcomeFailure - terminal failure, no further attempts will be made.
	OutcomeFailure = Outcome("failure")
)

// Terminal reports whether the outcome ends the delivery chain.
func (o Outcome) Terminal() bool { return o == OutcomeSuccess || o == OutcomeFailure }

// DeliveryAttempt is a single logged execution of a webhook delivery.
// Rows are append-only; the only deletion path is the retention purge.
type DeliveryAttempt struct {
	ID             string `json:"id"`
	WebhookID      string `json:"webhook_id"`
	SubscriptionID string `json:"subscription_id"`

	// TargetURL is a snapshot of the subscription's endpoint at attempt time,
	// kept so history stays accurate after subscription edits.
	TargetURL string `json:"target_url"`

	Timestamp     time.Time `json:"timestamp"`
	AttemptNumber int       `json:"attempt_number"`
	Outcome       Outcome   `json:"outcome"`

	// StatusCode is set when an HTTP response was received, 0 otherwise.
	StatusCode int `json:"status_code,omitempty"`
	// Error holds details for timeout, connection and non-2xx outcomes.
	Error string `json:"error,omitempty"`
}
