// Package cached provides a read-through cache decorator over the
// subscriptions engine, so that delivery workers don't hit the authoritative
// storage on every attempt.
package cached

import (
	"context"
	"fmt"
	"time"

	"github.com/cappuccinotm/hookrelay/app/store"
	"github.com/cappuccinotm/hookrelay/app/store/engine"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Subscriptions wraps engine.Subscriptions with an expirable LRU cache.
// Writes are proxied to the wrapped engine and invalidate the entry, so
// the next Get reloads the authoritative value. Negative results are not
// cached to avoid masking a subsequent create with the same id.
type Subscriptions struct {
	eng   engine.Subscriptions
	cache *lru.LRU[string, store.Subscription]
}

// NewSubscriptions makes new instance of the cached Subscriptions decorator.
// The ttl bounds the staleness of a cache hit relative to the wrapped engine.
func NewSubscriptions(eng engine.Subscriptions, size int, ttl time.Duration) *Subscriptions {
	return &Subscriptions{eng: eng, cache: lru.NewLRU[string, store.Subscription](size, nil, ttl)}
}

// Get returns the cached snapshot of the subscription, loading and caching
// it from the wrapped engine on a miss.
func (s *Subscriptions) Get(ctx context.Context, subID string) (store.Subscription, error) {
	if sub, ok := s.cache.Get(subID); ok {
		return sub, nil
	}

	sub, err := s.eng.Get(ctx, subID)
	if err != nil {
		return store.Subscription{}, fmt.Errorf("load subscription %s: %w", subID, err)
	}

	s.cache.Add(subID, sub)
	return sub, nil
}

// Invalidate drops the cached entry, guaranteeing that the next Get misses
// and reloads from the wrapped engine.
func (s *Subscriptions) Invalidate(subID string) { s.cache.Remove(subID) }

// Create proxies the call to the wrapped engine.
func (s *Subscriptions) Create(ctx context.Context, sub store.Subscription) (string, error) {
	return s.eng.Create(ctx, sub)
}

// Update rewrites the subscription in the wrapped engine and invalidates
// the cached entry.
func (s *Subscriptions) Update(ctx context.Context, sub store.Subscription) error {
	if err := s.eng.Update(ctx, sub); err != nil {
		return err
	}
	s.Invalidate(sub.ID)
	return nil
}

// Delete removes the subscription from the wrapped engine and invalidates
// the cached entry.
func (s *Subscriptions) Delete(ctx context.Context, subID string) error {
	if err := s.eng.Delete(ctx, subID); err != nil {
		return err
	}
	s.Invalidate(subID)
	return nil
}

// List proxies the call to the wrapped engine, the result is not cached.
func (s *Subscriptions) List(ctx context.Context) ([]store.Subscription, error) {
	return s.eng.List(ctx)
}
