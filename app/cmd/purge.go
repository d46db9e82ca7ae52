package cmd

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/cappuccinotm/hookrelay/app/delivery"
	boltEngs "github.com/cappuccinotm/hookrelay/app/store/engine/bolt"
	bolt "go.etcd.io/bbolt"
)

// Purge runs a single retention sweep over the attempt log and exits.
// Might be useful when the retention loop was down for a while and the
// log has to be trimmed without waiting for the next tick.
type Purge struct {
	Store struct {
		Bolt struct {
			Path    string        `long:"path" env:"PATH" default:"./var" description:"parent dir for bolt files"`
			Timeout time.Duration `long:"timeout" env:"TIMEOUT" default:"30s" description:"bolt timeout"`
		} `group:"bolt" namespace:"bolt" env-namespace:"BOLT"`
	} `group:"store" namespace:"store" env-namespace:"STORE"`

	Retention struct {
		Window time.Duration `long:"window" env:"WINDOW" default:"72h" description:"attempt log retention window"`
		Batch  int           `long:"batch" env:"BATCH" default:"256" description:"maximum amount of rows deleted in a single transaction"`
	} `group:"retention" namespace:"retention" env-namespace:"RETENTION"`

	CommonOpts
}

// Execute runs the command
func (p Purge) Execute(_ []string) error {
	attempts, err := boltEngs.NewAttempts(
		path.Join(p.Store.Bolt.Path, "attempts.db"),
		bolt.Options{Timeout: p.Store.Bolt.Timeout},
		p.Logger.Sub("[attempts store] "),
	)
	if err != nil {
		return fmt.Errorf("initialize bolt store: %w", err)
	}

	purger := &delivery.Purger{
		Attempts:  attempts,
		Retention: p.Retention.Window,
		BatchSize: p.Retention.Batch,
		Log:       p.Logger.Sub("[purger] "),
	}

	deleted, err := purger.Sweep(context.Background())
	if err != nil {
		return fmt.Errorf("sweep attempts log: %w", err)
	}

	p.Logger.Printf("[INFO] purged %d attempt(s) older than %s", deleted, p.Retention.Window)
	return nil
}
