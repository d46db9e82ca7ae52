// Package queue contains the delivery job queue contract and its
// implementations. The queue is at-least-once: a message handed to a consumer
// returns to availability if it wasn't acknowledged within the lease timeout,
// so duplicated executions of the same attempt are possible and must be
// tolerated by the consumer.
package queue

import (
	"context"
	"time"

	"github.com/cappuccinotm/hookrelay/app/store"
)

// Message wraps a delivery job handed to a consumer. ID identifies the
// message for acknowledgment, not the webhook.
type Message struct {
	ID  string
	Job store.DeliveryJob
}

// Interface defines methods of a durable delivery job queue with
// delayed execution.
type Interface interface {
	// Put admits a job for execution no earlier than now+delay.
	Put(ctx context.Context, job store.DeliveryJob, delay time.Duration) error
	// Consume blocks and hands due messages to the handler, one at a time per
	// consumer, until the context is done. Always returns a non-nil error.
	Consume(ctx context.Context, h Handler) error
	// Ack acknowledges the completion of the message processing and removes
	// its lease. An unacknowledged message is re-delivered after the lease
	// timeout elapses.
	Ack(ctx context.Context, msgID string) error
}

// Handler handles a message, received from the queue. Acknowledgment is the
// handler's duty, which allows it to process the message asynchronously.
type Handler interface {
	Handle(ctx context.Context, msg Message)
}

// HandlerFunc is an adapter to use ordinary functions as Handler.
type HandlerFunc func(context.Context, Message)

// Handle calls the wrapped function.
func (f HandlerFunc) Handle(ctx context.Context, msg Message) { f(ctx, msg) }
