package engine

import (
	"context"
	"time"

	"github.com/cappuccinotm/hookrelay/app/store"
)

// Subscriptions defines methods to store and load information about
// delivery subscriptions.
type Subscriptions interface {
	Create(ctx context.Context, sub store.Subscription) (subID string, err error)
	Get(ctx context.Context, subID string) (store.Subscription, error)
	Update(ctx context.Context, sub store.Subscription) error
	Delete(ctx context.Context, subID string) error
	List(ctx context.Context) ([]store.Subscription, error)
}

// Attempts defines methods over the append-only delivery attempt log.
// Create is the only write path, Purge is the only deletion path.
type Attempts interface {
	Create(ctx context.Context, att store.DeliveryAttempt) (attemptID string, err error)
	// ListByWebhook returns the attempt chain of the webhook,
	// ordered by attempt number ascending.
	ListByWebhook(ctx context.Context, webhookID string) ([]store.DeliveryAttempt, error)
	// ListBySubscription returns up to limit most recent attempts
	// towards the subscription, newest first.
	ListBySubscription(ctx context.Context, subID string, limit int) ([]store.DeliveryAttempt, error)
	// Purge deletes up to batch attempts with timestamps before the cutoff
	// and returns the number of deleted rows.
	Purge(ctx context.Context, olderThan time.Time, batch int) (int, error)
}
