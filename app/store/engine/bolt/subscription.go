package bolt

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cappuccinotm/hookrelay/app/errs"
	"github.com/cappuccinotm/hookrelay/app/store"
	"github.com/cappuccinotm/hookrelay/pkg/logx"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const subscriptionsBktName = "subscriptions"

// Subscriptions implements engine.Subscriptions over the BoltDB storage.
// It contains a single top-level bucket:
// subscriptions: key - subscriptionID, val - subscription
type Subscriptions struct {
	fileName string
	l        logx.Logger
	db       *bolt.DB
}

// NewSubscriptions creates buckets and initial data processing
func NewSubscriptions(fileName string, options bolt.Options, log logx.Logger) (*Subscriptions, error) {
	db, err := bolt.Open(fileName, 0600, &options)
	if err != nil {
		return nil, fmt.Errorf("failed to make boltdb for %s: %w", fileName, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(subscriptionsBktName)); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", subscriptionsBktName, err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize boltdb buckets for %s: %w", fileName, err)
	}

	return &Subscriptions{db: db, fileName: fileName, l: log}, nil
}

// Create creates a subscription in the storage.
func (b *Subscriptions) Create(_ context.Context, sub store.Subscription) (string, error) {
	sub.ID = uuid.NewString()

	err := b.db.Update(func(tx *bolt.Tx) error {
		if bts := tx.Bucket([]byte(subscriptionsBktName)).Get([]byte(sub.ID)); bts != nil {
			return fmt.Errorf("subscription %s: %w", sub.ID, errs.ErrExists)
		}
		if err := b.put(tx, sub); err != nil {
			return fmt.Errorf("put subscription %s: %w", sub.ID, err)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("update storage: %w", err)
	}

	return sub.ID, nil
}

// Update totally rewrites the provided subscription entry.
func (b *Subscriptions) Update(_ context.Context, sub store.Subscription) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		if _, err := b.get(tx, sub.ID); err != nil {
			return fmt.Errorf("get subscription: %w", err)
		}
		return b.put(tx, sub)
	})
	if err != nil {
		return fmt.Errorf("update storage: %w", err)
	}
	return nil
}

// Get subscription by id.
func (b *Subscriptions) Get(_ context.Context, subID string) (store.Subscription, error) {
	var sub store.Subscription
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		if sub, err = b.get(tx, subID); err != nil {
			return fmt.Errorf("get from bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		return store.Subscription{}, fmt.Errorf("view storage: %w", err)
	}

	return sub, nil
}

// Delete subscription by id.
func (b *Subscriptions) Delete(_ context.Context, subID string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		if _, err := b.get(tx, subID); err != nil {
			return fmt.Errorf("get subscription: %w", err)
		}
		if err := tx.Bucket([]byte(subscriptionsBktName)).Delete([]byte(subID)); err != nil {
			return fmt.Errorf("delete subscription itself: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("update storage: %w", err)
	}

	return nil
}

// List lists all registered subscriptions.
func (b *Subscriptions) List(_ context.Context) ([]store.Subscription, error) {
	var subscriptions []store.Subscription
	err := b.db.View(func(tx *bolt.Tx) error {
		err := tx.Bucket([]byte(subscriptionsBktName)).ForEach(func(k, v []byte) error {
			var sub store.Subscription
			if err := json.Unmarshal(v, &sub); err != nil {
				return fmt.Errorf("unmarshal subscription %s: %w", k, err)
			}
			subscriptions = append(subscriptions, sub)
			return nil
		})
		if err != nil {
			return fmt.Errorf("iterate over subscriptions bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("view storage: %w", err)
	}
	return subscriptions, nil
}

func (b *Subscriptions) get(tx *bolt.Tx, subID string) (store.Subscription, error) {
	bts := tx.Bucket([]byte(subscriptionsBktName)).Get([]byte(subID))
	if bts == nil {
		return store.Subscription{}, errs.ErrNotFound
	}

	var sub store.Subscription
	if err := json.Unmarshal(bts, &sub); err != nil {
		return store.Subscription{}, fmt.Errorf("unmarshal subscription: %w", err)
	}
	return sub, nil
}

func (b *Subscriptions) put(tx *bolt.Tx, sub store.Subscription) error {
	bts, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal subscription %s: %w", sub.ID, err)
	}

	if err = tx.Bucket([]byte(subscriptionsBktName)).Put([]byte(sub.ID), bts); err != nil {
		return fmt.Errorf("put subscription %s to storage: %w", sub.ID, err)
	}

	return nil
}
