package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/cappuccinotm/hookrelay/app/store/engine"
	"github.com/cappuccinotm/hookrelay/pkg/logx"
)

// Default retention parameters.
const (
	DefaultRetention     = 72 * time.Hour
	DefaultPurgeInterval = time.Hour
	DefaultPurgeBatch    = 256
)

// Purger periodically deletes attempts older than the retention window.
// Deletion happens in bounded batches to keep the storage transactions short.
// The sweep is idempotent: a repeated run with no new data deletes nothing.
type Purger struct {
	Attempts  engine.Attempts
	Retention time.Duration
	Interval  time.Duration
	BatchSize int
	Log       logx.Logger

	now func() time.Time // overridable in tests
}

// Run sweeps the log on every interval tick until the context is done.
// Always returns a non-nil error. Blocking call.
func (p *Purger) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("purger stopped, reason: %w", ctx.Err())
		case <-ticker.C:
			deleted, err := p.Sweep(ctx)
			if err != nil {
				p.Log.Printf("[WARN] failed to purge old attempts: %v", err)
				continue
			}
			if deleted > 0 {
				p.Log.Printf("[INFO] purged %d attempt(s) older than %s", deleted, p.Retention)
			}
		}
	}
}

// Sweep deletes all attempts older than the retention window, batch by batch,
// and returns the total amount of the deleted rows.
func (p *Purger) Sweep(ctx context.Context) (int, error) {
	cutoff := p.timeNow().Add(-p.Retention)

	total := 0
	for {
		deleted, err := p.Attempts.Purge(ctx, cutoff, p.BatchSize)
		if err != nil {
			return total, fmt.Errorf("purge batch: %w", err)
		}
		total += deleted
		if deleted < p.BatchSize {
			return total, nil
		}
	}
}

func (p *Purger) timeNow() time.Time {
	if p.now == nil {
		return time.Now().UTC()
	}
	return p.now().UTC()
}
