package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cappuccinotm/hookrelay/app/store"
	"github.com/cappuccinotm/hookrelay/pkg/logx"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	pendingBktName = "pending"
	leasedBktName  = "leased"
	deadBktName    = "dead"
)

// tsFormat is a fixed-width timestamp layout, so that the lexicographical
// order of the pending keys matches the order of the due times.
const tsFormat = "2006-01-02T15:04:05.000000000"

// defaultPollInterval caps the consumer's wait when no wake-up signal
// arrives, it also defines how soon an expired lease is noticed.
const defaultPollInterval = 250 * time.Millisecond

// Bolt implements Interface over the BoltDB storage.
// It contains three top-level buckets:
// pending: key - "dueTime/messageID", val - job
// leased: key - messageID, val - lease (job + deadline)
// dead: key - messageID, val - the raw record, kept for inspection
type Bolt struct {
	fileName     string
	l            logx.Logger
	db           *bolt.DB
	leaseTimeout time.Duration
	pollInterval time.Duration
	wake         chan struct{}

	now func() time.Time // overridable in tests
}

type lease struct {
	Job      store.DeliveryJob `json:"job"`
	Deadline time.Time         `json:"deadline"`
}

// NewBolt creates buckets and initial data processing
func NewBolt(fileName string, options bolt.Options, leaseTimeout time.Duration, log logx.Logger) (*Bolt, error) {
	db, err := bolt.Open(fileName, 0600, &options)
	if err != nil {
		return nil, fmt.Errorf("failed to make boltdb for %s: %w", fileName, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bktName := range []string{pendingBktName, leasedBktName, deadBktName} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bktName)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bktName, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize boltdb buckets for %s: %w", fileName, err)
	}

	return &Bolt{
		fileName:     fileName,
		l:            log,
		db:           db,
		leaseTimeout: leaseTimeout,
		pollInterval: defaultPollInterval,
		wake:         make(chan struct{}, 1),
		now:          time.Now,
	}, nil
}

// Put admits the job for execution no earlier than now+delay.
func (b *Bolt) Put(_ context.Context, job store.DeliveryJob, delay time.Duration) error {
	bts, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job for webhook %s: %w", job.WebhookID, err)
	}

	due := b.now().Add(delay)
	key := dueKey(due, uuid.NewString())

	err = b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(pendingBktName)).Put(key, bts); err != nil {
			return fmt.Errorf("put job to pending bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("update storage: %w", err)
	}

	// wake a single waiting consumer, drop the signal if nobody waits
	select {
	case b.wake <- struct{}{}:
	default:
	}

	return nil
}

// Consume blocks and hands due messages to the handler until the context is
// done. Multiple consumers may run concurrently over the same queue.
// Always returns a non-nil error.
func (b *Bolt) Consume(ctx context.Context, h Handler) error {
	for {
		if err := b.requeueExpired(); err != nil {
			return fmt.Errorf("requeue expired leases: %w", err)
		}

		msg, ok, err := b.pop()
		if err != nil {
			return fmt.Errorf("pop due message: %w", err)
		}
		if ok {
			h.Handle(ctx, msg)
			continue
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("consume stopped, reason: %w", ctx.Err())
		case <-b.wake:
		case <-time.After(b.pollInterval):
		}
	}
}

// Ack acknowledges the message processing completion and removes its lease.
// Returns errs-wrapped error if the lease has already expired and the message
// was returned to the queue.
func (b *Bolt) Ack(_ context.Context, msgID string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(leasedBktName))
		if bkt.Get([]byte(msgID)) == nil {
			return fmt.Errorf("no lease for message %s, it might have been re-delivered", msgID)
		}
		if err := bkt.Delete([]byte(msgID)); err != nil {
			return fmt.Errorf("delete lease: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("update storage: %w", err)
	}
	return nil
}

// Dead returns the dead-lettered records, kept for operator's inspection.
func (b *Bolt) Dead(_ context.Context) ([]store.DeliveryJob, error) {
	var jobs []store.DeliveryJob
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(deadBktName)).ForEach(func(_, v []byte) error {
			var job store.DeliveryJob
			if err := json.Unmarshal(v, &job); err != nil {
				// the record might be arbitrary garbage, still list it
				job = store.DeliveryJob{}
			}
			jobs = append(jobs, job)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("view storage: %w", err)
	}
	return jobs, nil
}

// pop moves the earliest due pending message into the leased bucket and
// returns it. Malformed records are moved to the dead bucket instead of
// being handed to the consumer.
func (b *Bolt) pop() (msg Message, ok bool, err error) {
	now := b.now()
	err = b.db.Update(func(tx *bolt.Tx) error {
		pending := tx.Bucket([]byte(pendingBktName))
		crs := pending.Cursor()

		for k, v := crs.First(); k != nil; k, v = crs.First() {
			if string(k[:len(tsFormat)]) > now.UTC().Format(tsFormat) {
				return nil // the earliest message is not due yet
			}

			msgID := string(k[len(tsFormat)+1:])
			val := append([]byte(nil), v...)

			if err := pending.Delete(k); err != nil {
				return fmt.Errorf("delete message %s from pending bucket: %w", msgID, err)
			}

			job, err := validateRecord(val)
			if err != nil {
				b.l.Printf("[WARN] dead-lettering malformed record %s: %v", msgID, err)
				if err := tx.Bucket([]byte(deadBktName)).Put([]byte(msgID), val); err != nil {
					return fmt.Errorf("put message %s to dead bucket: %w", msgID, err)
				}
				continue
			}

			lse := lease{Job: job, Deadline: now.Add(b.leaseTimeout)}
			bts, err := json.Marshal(lse)
			if err != nil {
				return fmt.Errorf("marshal lease for message %s: %w", msgID, err)
			}
			if err = tx.Bucket([]byte(leasedBktName)).Put([]byte(msgID), bts); err != nil {
				return fmt.Errorf("put lease for message %s: %w", msgID, err)
			}

			msg, ok = Message{ID: msgID, Job: job}, true
			return nil
		}
		return nil
	})
	if err != nil {
		return Message{}, false, fmt.Errorf("update storage: %w", err)
	}
	return msg, ok, nil
}

// requeueExpired returns the jobs of the expired leases back to the pending
// bucket, making them immediately available again.
func (b *Bolt) requeueExpired() error {
	now := b.now()
	err := b.db.Update(func(tx *bolt.Tx) error {
		leased := tx.Bucket([]byte(leasedBktName))

		type expired struct {
			msgID string
			job   store.DeliveryJob
		}
		var lost []expired

		err := leased.ForEach(func(k, v []byte) error {
			var lse lease
			if err := json.Unmarshal(v, &lse); err != nil {
				return fmt.Errorf("unmarshal lease %s: %w", k, err)
			}
			if lse.Deadline.Before(now) {
				lost = append(lost, expired{msgID: string(k), job: lse.Job})
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("iterate over leases: %w", err)
		}

		for _, e := range lost {
			b.l.Printf("[WARN] lease of message %s expired, returning attempt %d of webhook %s to the queue",
				e.msgID, e.job.AttemptNumber, e.job.WebhookID)

			bts, err := json.Marshal(e.job)
			if err != nil {
				return fmt.Errorf("marshal job of message %s: %w", e.msgID, err)
			}
			if err = tx.Bucket([]byte(pendingBktName)).Put(dueKey(now, e.msgID), bts); err != nil {
				return fmt.Errorf("put job of message %s back to pending bucket: %w", e.msgID, err)
			}
			if err = leased.Delete([]byte(e.msgID)); err != nil {
				return fmt.Errorf("delete lease of message %s: %w", e.msgID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("update storage: %w", err)
	}
	return nil
}

func validateRecord(bts []byte) (store.DeliveryJob, error) {
	var job store.DeliveryJob
	if err := json.Unmarshal(bts, &job); err != nil {
		return store.DeliveryJob{}, fmt.Errorf("unmarshal record: %w", err)
	}
	return job, job.Validate()
}

func dueKey(due time.Time, msgID string) []byte {
	return []byte(due.UTC().Format(tsFormat) + "/" + msgID)
}
