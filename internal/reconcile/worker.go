// Package reconcile copies fast-store balances into the durable store.
//
// The fast store is ahead of the durable store while it is reachable, so a
// cycle overwrites every durable balance whose cached value differs. Rows
// marked stale got writes the cache never saw (the fast store was down); for
// those the cached value is dropped instead, and the next operation rebuilds
// it from the row. Accounts that are not cached are left alone.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aceteam-ai/credit-meter/internal/metrics"
	"github.com/aceteam-ai/credit-meter/internal/redis"
	"github.com/aceteam-ai/credit-meter/internal/store"
)

// DurableStore lists accounts and overwrites their balances.
type DurableStore interface {
	Accounts(ctx context.Context) ([]store.Account, error)
	SetBalance(ctx context.Context, accountID, balance int64) (bool, error)
}

// FastStore reads and drops cached balances.
type FastStore interface {
	GetInt(ctx context.Context, key string) (int64, bool, error)
	Del(ctx context.Context, key string) error
}

// Config holds configuration for the reconciliation worker.
type Config struct {
	Durable DurableStore
	Fast    FastStore

	// Interval between cycles (default: 60s)
	Interval time.Duration

	// MaxWritesPerSecond throttles durable writes within a cycle. Zero means
	// unthrottled.
	MaxWritesPerSecond float64

	Logger zerolog.Logger
}

// Worker periodically flushes fast-store balances to the durable store.
type Worker struct {
	durable  DurableStore
	fast     FastStore
	interval time.Duration
	writes   *rate.Limiter
	log      zerolog.Logger
}

// New creates a reconciliation worker.
func New(cfg Config) *Worker {
	interval := cfg.Interval
	if interval == 0 {
		interval = 60 * time.Second
	}
	writes := rate.NewLimiter(rate.Inf, 1)
	if cfg.MaxWritesPerSecond > 0 {
		burst := int(cfg.MaxWritesPerSecond)
		if burst < 1 {
			burst = 1
		}
		writes = rate.NewLimiter(rate.Limit(cfg.MaxWritesPerSecond), burst)
	}
	return &Worker{
		durable:  cfg.Durable,
		fast:     cfg.Fast,
		interval: interval,
		writes:   writes,
		log:      cfg.Logger,
	}
}

// Interval returns the time between cycles.
func (w *Worker) Interval() time.Duration {
	return w.interval
}

// Start runs cycles until the context is cancelled. Cycle errors are logged
// and the schedule continues.
func (w *Worker) Start(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.Info().Dur("interval", w.interval).Msg("reconciliation worker started")
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("reconciliation worker stopped")
			return ctx.Err()
		case <-ticker.C:
			updated, err := w.RunOnce(ctx)
			if err != nil {
				w.log.Warn().Err(err).Int("updated", updated).Msg("reconciliation cycle failed")
				continue
			}
			if updated > 0 {
				w.log.Info().Int("updated", updated).Msg("reconciliation flushed fast-store balances")
			}
		}
	}
}

// RunOnce performs a single cycle and returns how many accounts it changed:
// durable rows overwritten plus stale cached values dropped.
// Rows whose fast value cannot be read or written are skipped and reported
// in the joined error; the rest of the cycle still runs.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { metrics.ReconcileDuration.Observe(time.Since(start).Seconds()) }()

	accounts, err := w.durable.Accounts(ctx)
	if err != nil {
		metrics.ReconcileRuns.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("list accounts: %w", err)
	}

	var (
		updated int
		errs    []error
	)
	for _, acct := range accounts {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		key := redis.CreditsKey(acct.ID)
		cached, found, err := w.fast.GetInt(ctx, key)
		if err != nil {
			errs = append(errs, fmt.Errorf("account %d: %w", acct.ID, err))
			continue
		}
		if !found {
			continue
		}

		if acct.FastStale {
			if err := w.fast.Del(ctx, key); err != nil {
				errs = append(errs, fmt.Errorf("account %d: %w", acct.ID, err))
				continue
			}
			updated++
			metrics.FastResyncs.WithLabelValues("reconcile").Inc()
			w.log.Info().
				Int64("account_id", acct.ID).
				Int64("durable", acct.CreditsRemaining).
				Int64("fast", cached).
				Msg("dropped stale fast balance")
			continue
		}
		if cached == acct.CreditsRemaining {
			continue
		}

		if err := w.writes.Wait(ctx); err != nil {
			errs = append(errs, err)
			break
		}
		ok, err := w.durable.SetBalance(ctx, acct.ID, cached)
		if err != nil {
			errs = append(errs, fmt.Errorf("account %d: %w", acct.ID, err))
			continue
		}
		if ok {
			updated++
			w.log.Debug().
				Int64("account_id", acct.ID).
				Int64("durable", acct.CreditsRemaining).
				Int64("fast", cached).
				Msg("durable balance reconciled")
		}
	}

	metrics.ReconcileUpdated.Add(float64(updated))
	if err := errors.Join(errs...); err != nil {
		metrics.ReconcileRuns.WithLabelValues("error").Inc()
		return updated, err
	}
	metrics.ReconcileRuns.WithLabelValues("ok").Inc()
	return updated, nil
}
