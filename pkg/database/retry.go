package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mhrivnak/vmorch/pkg/config"
)

// RetryConfig controls the exponential backoff used while the database comes up
type RetryConfig struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffMultiple float64
}

// RetryConfigFromConfig reads database.retry. A local sqlite file is either there
// or not, so sqlite gets a single attempt.
func RetryConfigFromConfig(cfg *config.Config) RetryConfig {
	rc := RetryConfig{
		MaxAttempts:     cfg.Database.Retry.MaxAttempts,
		InitialDelay:    cfg.Database.Retry.InitialDelay,
		MaxDelay:        cfg.Database.Retry.MaxDelay,
		BackoffMultiple: cfg.Database.Retry.BackoffMultiple,
	}
	if cfg.Database.Driver == "sqlite" {
		rc.MaxAttempts = 1
	}
	if rc.MaxAttempts < 1 {
		rc.MaxAttempts = 1
	}
	if rc.BackoffMultiple < 1 {
		rc.BackoffMultiple = 1
	}
	return rc
}

// nextDelay grows the delay by the backoff multiple, capped at MaxDelay
func (rc RetryConfig) nextDelay(delay time.Duration) time.Duration {
	next := time.Duration(float64(delay) * rc.BackoffMultiple)
	if rc.MaxDelay > 0 && next > rc.MaxDelay {
		return rc.MaxDelay
	}
	return next
}

// NewConnectionWithRetry connects and pings the database, backing off between attempts
// until it succeeds, the attempts run out or ctx is cancelled.
func NewConnectionWithRetry(ctx context.Context, cfg *config.Config, rc RetryConfig) (*DB, error) {
	var db *DB
	err := retry(ctx, rc, "database connection", func() error {
		conn, err := NewConnection(cfg)
		if err != nil {
			return err
		}
		if err := conn.Ping(); err != nil {
			_ = conn.Close()
			return fmt.Errorf("database ping failed: %w", err)
		}
		db = conn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return db, nil
}

func retry(ctx context.Context, rc RetryConfig, what string, op func() error) error {
	var lastErr error
	delay := rc.InitialDelay

	for attempt := 1; attempt <= rc.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s cancelled: %w", what, err)
		}

		lastErr = op()
		if lastErr == nil {
			if attempt > 1 {
				log.Printf("%s established on attempt %d", what, attempt)
			}
			return nil
		}

		if attempt == rc.MaxAttempts {
			break
		}

		log.Printf("%s attempt %d/%d failed: %v (retrying in %v)", what, attempt, rc.MaxAttempts, lastErr, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s cancelled during retry delay: %w", what, ctx.Err())
		case <-timer.C:
		}

		delay = rc.nextDelay(delay)
	}

	return fmt.Errorf("%s failed after %d attempts: %w", what, rc.MaxAttempts, lastErr)
}
