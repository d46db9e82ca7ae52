package store

import (
	"encoding/json"
	"fmt"

	"github.com/cappuccinotm/hookrelay/app/errs"
)

// DeliveryJob describes a single enqueued delivery attempt, initial or retry,
// carried through the delivery queue.
type DeliveryJob struct {
	WebhookID      string          `json:"webhook_id"`
	SubscriptionID string          `json:"subscription_id"`
	Payload        json.RawMessage `json:"payload"`
	EventType      string          `json:"event_type,omitempty"`
	Signature      string          `json:"signature,omitempty"`
	AttemptNumber  int             `json:"attempt_number"`
}

// Validate checks the job record at dequeue time; records failing the check
// must be dead-lettered rather than trusted.
func (j DeliveryJob) Validate() error {
	switch {
	case j.WebhookID == "":
		return fmt.Errorf("empty webhook id: %w", errs.ErrMalformedJob)
	case j.SubscriptionID == "":
		return fmt.Errorf("empty subscription id: %w", errs.ErrMalformedJob)
	case j.AttemptNumber < 1:
		return fmt.Errorf("attempt number %d out of range: %w", j.AttemptNumber, errs.ErrMalformedJob)
	case len(j.Payload) == 0:
		return fmt.Errorf("empty payload: %w", errs.ErrMalformedJob)
	}
	return nil
}

// Next returns a copy of the job for the subsequent attempt.
func (j DeliveryJob) Next() DeliveryJob {
	j.AttemptNumber++
	return j
}
