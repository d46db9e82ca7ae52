package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cappuccinotm/hookrelay/app/store"
	"github.com/cappuccinotm/hookrelay/pkg/logx"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	attemptsBktName        = "attempts"
	webhookToAttsBktName   = "webhook_refs"
	subToAttsBktName       = "subscription_refs"
	timestampToAttsBktName = "timestamp_refs"
)

// tsFormat is a fixed-width timestamp layout, so that the lexicographical
// order of the keys matches the chronological order of the attempts.
const tsFormat = "2006-01-02T15:04:05.000000000"

// Attempts implements engine.Attempts over the BoltDB storage.
// It contains four top-level buckets:
// attempts: key - attemptID, val - attempt
// webhook_refs: k - webhookID, v - nested bucket with
//							k: attempt number in %03d form, v: attemptID
// subscription_refs: k - subscriptionID, v - nested bucket with
//							k: "timestamp/attemptID", v: attemptID
// timestamp_refs: k - "timestamp/attemptID", v - attemptID
type Attempts struct {
	fileName string
	l        logx.Logger
	db       *bolt.DB
}

// NewAttempts creates buckets and initial data processing
func NewAttempts(fileName string, options bolt.Options, log logx.Logger) (*Attempts, error) {
	db, err := bolt.Open(fileName, 0600, &options)
	if err != nil {
		return nil, fmt.Errorf("failed to make boltdb for %s: %w", fileName, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bktName := range []string{attemptsBktName, webhookToAttsBktName, subToAttsBktName, timestampToAttsBktName} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bktName)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bktName, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize boltdb buckets for %s: %w", fileName, err)
	}

	return &Attempts{db: db, fileName: fileName, l: log}, nil
}

// Create appends an attempt to the log. A repeated write of the same
// webhookID and attempt number replaces the previous row, which makes
// duplicated deliveries of the same queue job harmless.
func (b *Attempts) Create(_ context.Context, att store.DeliveryAttempt) (string, error) {
	if att.ID == "" {
		att.ID = uuid.NewString()
	}
	if att.Timestamp.IsZero() {
		att.Timestamp = time.Now().UTC()
	}
	att.Timestamp = att.Timestamp.UTC()

	err := b.db.Update(func(tx *bolt.Tx) error {
		whBkt, err := tx.Bucket([]byte(webhookToAttsBktName)).CreateBucketIfNotExists([]byte(att.WebhookID))
		if err != nil {
			return fmt.Errorf("get %s webhook's refs bucket: %w", att.WebhookID, err)
		}

		numKey := []byte(fmt.Sprintf("%03d", att.AttemptNumber))
		if prevID := whBkt.Get(numKey); prevID != nil {
			if err := b.deleteAttempt(tx, string(prevID)); err != nil {
				return fmt.Errorf("replace duplicated attempt %d of webhook %s: %w",
					att.AttemptNumber, att.WebhookID, err)
			}
		}

		bts, err := json.Marshal(att)
		if err != nil {
			return fmt.Errorf("marshal attempt %s: %w", att.ID, err)
		}

		if err = tx.Bucket([]byte(attemptsBktName)).Put([]byte(att.ID), bts); err != nil {
			return fmt.Errorf("put attempt %s to storage: %w", att.ID, err)
		}

		if err = whBkt.Put(numKey, []byte(att.ID)); err != nil {
			return fmt.Errorf("put %s attempt reference into %s webhook's bucket: %w", att.ID, att.WebhookID, err)
		}

		subBkt, err := tx.Bucket([]byte(subToAttsBktName)).CreateBucketIfNotExists([]byte(att.SubscriptionID))
		if err != nil {
			return fmt.Errorf("get %s subscription's refs bucket: %w", att.SubscriptionID, err)
		}

		ref := tsRef(att.Timestamp, att.ID)
		if err = subBkt.Put(ref, []byte(att.ID)); err != nil {
			return fmt.Errorf("put %s attempt reference into %s subscription's bucket: %w", att.ID, att.SubscriptionID, err)
		}

		if err = tx.Bucket([]byte(timestampToAttsBktName)).Put(ref, []byte(att.ID)); err != nil {
			return fmt.Errorf("put %s attempt's timestamp reference: %w", att.ID, err)
		}

		return nil
	})
	if err != nil {
		return "", fmt.Errorf("update storage: %w", err)
	}

	return att.ID, nil
}

// ListByWebhook returns the attempt chain of the given webhook, ordered by
// the attempt number ascending. Empty result is not an error.
func (b *Attempts) ListByWebhook(_ context.Context, webhookID string) ([]store.DeliveryAttempt, error) {
	var attempts []store.DeliveryAttempt
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(webhookToAttsBktName)).Bucket([]byte(webhookID))
		if bkt == nil {
			return nil
		}

		err := bkt.ForEach(func(_, attID []byte) error {
			att, err := b.get(tx, string(attID))
			if err != nil {
				return fmt.Errorf("get attempt %s: %w", attID, err)
			}
			attempts = append(attempts, att)
			return nil
		})
		if err != nil {
			return fmt.Errorf("iterate over each reference: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("view storage: %w", err)
	}
	return attempts, nil
}

// ListBySubscription returns up to limit most recent attempts towards the
// given subscription, newest first. Empty result is not an error.
func (b *Attempts) ListBySubscription(_ context.Context, subID string, limit int) ([]store.DeliveryAttempt, error) {
	var attempts []store.DeliveryAttempt
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(subToAttsBktName)).Bucket([]byte(subID))
		if bkt == nil {
			return nil
		}

		crs := bkt.Cursor()
		for k, attID := crs.Last(); k != nil && len(attempts) < limit; k, attID = crs.Prev() {
			att, err := b.get(tx, string(attID))
			if err != nil {
				return fmt.Errorf("get attempt %s: %w", attID, err)
			}
			attempts = append(attempts, att)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("view storage: %w", err)
	}
	return attempts, nil
}

// Purge deletes up to batch attempts with timestamps before the cutoff,
// together with all of their index references. Returns the amount of the
// deleted attempts, so the caller may repeat the call until it returns zero.
func (b *Attempts) Purge(_ context.Context, olderThan time.Time, batch int) (int, error) {
	cutoff := []byte(olderThan.UTC().Format(tsFormat))

	deleted := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		crs := tx.Bucket([]byte(timestampToAttsBktName)).Cursor()
		for k, attID := crs.First(); k != nil && deleted < batch; k, attID = crs.First() {
			if ts, _ := splitTsRef(k); bytes.Compare(ts, cutoff) >= 0 {
				return nil
			}
			if err := b.deleteAttempt(tx, string(attID)); err != nil {
				return fmt.Errorf("delete attempt %s: %w", attID, err)
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("update storage: %w", err)
	}

	return deleted, nil
}

// deleteAttempt removes the attempt row and every index reference to it.
func (b *Attempts) deleteAttempt(tx *bolt.Tx, attID string) error {
	att, err := b.get(tx, attID)
	if err != nil {
		return fmt.Errorf("get attempt: %w", err)
	}

	if whBkt := tx.Bucket([]byte(webhookToAttsBktName)).Bucket([]byte(att.WebhookID)); whBkt != nil {
		numKey := []byte(fmt.Sprintf("%03d", att.AttemptNumber))
		// the number reference might already point to a replacement row
		if ref := whBkt.Get(numKey); bytes.Equal(ref, []byte(attID)) {
			if err = whBkt.Delete(numKey); err != nil {
				return fmt.Errorf("delete %s reference in %s webhook's bucket: %w", attID, att.WebhookID, err)
			}
		}
	}

	ref := tsRef(att.Timestamp, attID)
	if subBkt := tx.Bucket([]byte(subToAttsBktName)).Bucket([]byte(att.SubscriptionID)); subBkt != nil {
		if err = subBkt.Delete(ref); err != nil {
			return fmt.Errorf("delete %s reference in %s subscription's bucket: %w", attID, att.SubscriptionID, err)
		}
	}

	if err = tx.Bucket([]byte(timestampToAttsBktName)).Delete(ref); err != nil {
		return fmt.Errorf("delete %s timestamp reference: %w", attID, err)
	}

	if err = tx.Bucket([]byte(attemptsBktName)).Delete([]byte(attID)); err != nil {
		return fmt.Errorf("delete attempt itself: %w", err)
	}

	return nil
}

func (b *Attempts) get(tx *bolt.Tx, attID string) (store.DeliveryAttempt, error) {
	bts := tx.Bucket([]byte(attemptsBktName)).Get([]byte(attID))
	if bts == nil {
		return store.DeliveryAttempt{}, fmt.Errorf("attempt %s is not in the storage", attID)
	}

	var att store.DeliveryAttempt
	if err := json.Unmarshal(bts, &att); err != nil {
		return store.DeliveryAttempt{}, fmt.Errorf("unmarshal attempt: %w", err)
	}
	return att, nil
}

func tsRef(ts time.Time, attID string) []byte {
	return []byte(ts.UTC().Format(tsFormat) + "/" + attID)
}

func splitTsRef(key []byte) (ts, attID []byte) {
	if idx := strings.IndexByte(string(key), '/'); idx >= 0 {
		return key[:idx], key[idx+1:]
	}
	return key, nil
}
