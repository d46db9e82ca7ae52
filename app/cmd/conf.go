package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/cappuccinotm/hookrelay/app/delivery"
	"gopkg.in/yaml.v3"
)

// scheduleConfig describes the optional yaml file overriding the retry
// schedule. Delays are duration strings, e.g. "10s" or "5m".
type scheduleConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	Backoff     []string `yaml:"backoff"`
}

// loadScheduler builds the retry scheduler from the yaml file at the given
// path. Empty path results in the default schedule.
func loadScheduler(path string) (delivery.Scheduler, error) {
	sched := delivery.NewScheduler()
	if path == "" {
		return sched, nil
	}

	bts, err := os.ReadFile(path) //nolint:gosec // not a case
	if err != nil {
		return delivery.Scheduler{}, fmt.Errorf("read schedule file: %w", err)
	}

	var cfg scheduleConfig
	if err = yaml.Unmarshal(bts, &cfg); err != nil {
		return delivery.Scheduler{}, fmt.Errorf("unmarshal schedule: %w", err)
	}

	if cfg.MaxAttempts > 0 {
		sched.MaxAttempts = cfg.MaxAttempts
	}

	if len(cfg.Backoff) > 0 {
		backoff := make([]time.Duration, 0, len(cfg.Backoff))
		for _, s := range cfg.Backoff {
			d, err := time.ParseDuration(s)
			if err != nil {
				return delivery.Scheduler{}, fmt.Errorf("parse backoff delay %q: %w", s, err)
			}
			backoff = append(backoff, d)
		}
		sched.Backoff = backoff
	}

	if sched.MaxAttempts > len(sched.Backoff)+1 {
		return delivery.Scheduler{}, fmt.Errorf("%d attempts require at least %d backoff delays, got %d",
			sched.MaxAttempts, sched.MaxAttempts-1, len(sched.Backoff))
	}

	return sched, nil
}
