package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/cappuccinotm/hookrelay/app/api"
	"github.com/cappuccinotm/hookrelay/app/delivery"
	"github.com/cappuccinotm/hookrelay/app/queue"
	"github.com/cappuccinotm/hookrelay/app/store/engine"
	boltEngs "github.com/cappuccinotm/hookrelay/app/store/engine/bolt"
	"github.com/cappuccinotm/hookrelay/app/store/engine/cached"
	"github.com/cappuccinotm/hookrelay/pkg/httpx"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"
)

// Run starts the delivery engine: the queue consumers, the retention purger
// and the REST server.
type Run struct {
	Store struct {
		Type string `long:"type" env:"TYPE" choice:"bolt" default:"bolt" description:"type of storage"`
		Bolt struct {
			Path    string        `long:"path" env:"PATH" default:"./var" description:"parent dir for bolt files"`
			Timeout time.Duration `long:"timeout" env:"TIMEOUT" default:"30s" description:"bolt timeout"`
		} `group:"bolt" namespace:"bolt" env-namespace:"BOLT"`
	} `group:"store" namespace:"store" env-namespace:"STORE"`

	Queue struct {
		LeaseTimeout time.Duration `long:"lease_timeout" env:"LEASE_TIMEOUT" default:"30s" description:"time before an unacknowledged job returns to the queue"`
	} `group:"queue" namespace:"queue" env-namespace:"QUEUE"`

	Delivery struct {
		ScheduleLocation string        `short:"c" long:"schedule_location" env:"SCHEDULE_LOCATION" description:"location of the retry schedule file"`
		Workers          int           `long:"workers" env:"WORKERS" default:"15" description:"amount of concurrent delivery workers"`
		Timeout          time.Duration `long:"timeout" env:"TIMEOUT" default:"5s" description:"timeout of a single delivery request"`
	} `group:"delivery" namespace:"delivery" env-namespace:"DELIVERY"`

	Cache struct {
		TTL  time.Duration `long:"ttl" env:"TTL" default:"30m" description:"ttl of the cached subscription snapshots"`
		Size int           `long:"size" env:"SIZE" default:"1000" description:"maximum amount of the cached subscriptions"`
	} `group:"cache" namespace:"cache" env-namespace:"CACHE"`

	Retention struct {
		Window   time.Duration `long:"window" env:"WINDOW" default:"72h" description:"attempt log retention window"`
		Interval time.Duration `long:"interval" env:"INTERVAL" default:"1h" description:"interval between the purge sweeps"`
		Batch    int           `long:"batch" env:"BATCH" default:"256" description:"maximum amount of rows deleted in a single transaction"`
	} `group:"retention" namespace:"retention" env-namespace:"RETENTION"`

	API struct {
		Addr string `long:"addr" env:"ADDR" default:":8080" description:"local address to listen"`
	} `group:"api" namespace:"api" env-namespace:"API"`

	CommonOpts
}

// Execute runs the command
func (r Run) Execute(_ []string) error {
	sched, err := loadScheduler(r.Delivery.ScheduleLocation)
	if err != nil {
		return fmt.Errorf("prepare retry scheduler: %w", err)
	}

	// a hung request must not overlap its own retry window
	if r.Delivery.Timeout >= sched.Backoff[0] {
		return fmt.Errorf("delivery timeout %s must be shorter than the smallest backoff delay %s",
			r.Delivery.Timeout, sched.Backoff[0])
	}

	subsStore, err := r.prepareSubscriptionsStore()
	if err != nil {
		return fmt.Errorf("prepare subscriptions store: %w", err)
	}
	subs := cached.NewSubscriptions(subsStore, r.Cache.Size, r.Cache.TTL)

	attempts, err := r.prepareAttemptsStore()
	if err != nil {
		return fmt.Errorf("prepare attempts store: %w", err)
	}

	jobsQueue, err := queue.NewBolt(
		path.Join(r.Store.Bolt.Path, "queue.db"),
		bolt.Options{Timeout: r.Store.Bolt.Timeout},
		r.Queue.LeaseTimeout,
		r.Logger.Sub("[queue] "),
	)
	if err != nil {
		return fmt.Errorf("prepare delivery queue: %w", err)
	}

	executor := &delivery.Executor{
		Queue:         jobsQueue,
		Subscriptions: subs,
		Attempts:      attempts,
		Scheduler:     sched,
		Signer:        delivery.HMACSigner(),
		Client:        httpx.NewClient(r.Delivery.Timeout),
		Log:           r.Logger.Sub("[executor] "),
		Workers:       r.Delivery.Workers,
	}

	purger := &delivery.Purger{
		Attempts:  attempts,
		Retention: r.Retention.Window,
		Interval:  r.Retention.Interval,
		BatchSize: r.Retention.Batch,
		Log:       r.Logger.Sub("[purger] "),
	}

	rest := &api.Rest{
		Addr:          r.API.Addr,
		Version:       r.Version,
		Logger:        r.Logger.Sub("[rest] "),
		Subscriptions: subs,
		Status:        &delivery.Aggregator{Attempts: attempts},
		Queue:         jobsQueue,
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
		select {
		case sig := <-sig:
			r.Logger.Printf("[WARN] caught signal %s, stopping", sig)
			stop()
			return ErrInterrupted
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	eg.Go(func() error {
		if err := executor.Run(ctx); err != nil {
			return fmt.Errorf("executor stopped running, reason: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		if err := purger.Run(ctx); err != nil {
			return fmt.Errorf("purger stopped running, reason: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		if err := rest.Listen(ctx); err != nil {
			return fmt.Errorf("rest server stopped running, reason: %w", err)
		}
		return nil
	})

	if err = eg.Wait(); err != nil {
		return err
	}

	return nil
}

func (r Run) prepareSubscriptionsStore() (engine.Subscriptions, error) {
	switch r.Store.Type {
	case "bolt":
		subscriptions, err := boltEngs.NewSubscriptions(
			path.Join(r.Store.Bolt.Path, "subscriptions.db"),
			bolt.Options{Timeout: r.Store.Bolt.Timeout},
			r.Logger.Sub("[subscriptions store] "),
		)
		if err != nil {
			return nil, fmt.Errorf("initialize bolt store: %w", err)
		}
		return subscriptions, nil
	default:
		return nil, fmt.Errorf("unsupported store type: %s", r.Store.Type)
	}
}

func (r Run) prepareAttemptsStore() (engine.Attempts, error) {
	switch r.Store.Type {
	case "bolt":
		attempts, err := boltEngs.NewAttempts(
			path.Join(r.Store.Bolt.Path, "attempts.db"),
			bolt.Options{Timeout: r.Store.Bolt.Timeout},
			r.Logger.Sub("[attempts store] "),
		)
		if err != nil {
			return nil, fmt.Errorf("initialize bolt store: %w", err)
		}
		return attempts, nil
	default:
		return nil, fmt.Errorf("unsupported store type: %s", r.Store.Type)
	}
}
