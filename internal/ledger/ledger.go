// Package ledger charges and credits account balances across the fast store
// (enforcement) and the durable store (record).
//
// While the fast store is reachable every deduction runs through its atomic
// script. A cache miss warms the key from the durable row with a
// set-if-absent write and retries the script, so concurrent callers never
// split across two enforcement paths. The row-locked durable transaction is
// used only when the fast store fails.
//
// Writes that reach the durable store alone mark the row stale. The cached
// value is then dropped (here on the next operation, or by the reconcile
// package) so it is rebuilt from the row instead of overwriting it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aceteam-ai/credit-meter/internal/metrics"
	"github.com/aceteam-ai/credit-meter/internal/redis"
	"github.com/aceteam-ai/credit-meter/internal/store"
)

// FastStore is the subset of the fast-store client the ledger uses.
type FastStore interface {
	Deduct(ctx context.Context, key string, amount int64) (redis.DeductStatus, int64, error)
	Credit(ctx context.Context, key string, amount, seed int64) (int64, bool, error)
	GetInt(ctx context.Context, key string) (int64, bool, error)
	SetIntNX(ctx context.Context, key string, value int64) (bool, error)
	Del(ctx context.Context, key string) error
}

// DurableStore is the subset of the durable store the ledger uses.
type DurableStore interface {
	DeductLocked(ctx context.Context, accountID, amount int64) (int64, bool, error)
	Credit(ctx context.Context, accountID, amount int64) (int64, error)
	Balance(ctx context.Context, accountID int64) (int64, error)
	ClearStale(ctx context.Context, accountID int64) (int64, error)
	SetBalance(ctx context.Context, accountID, balance int64) (bool, error)
	UpsertBalance(ctx context.Context, accountID, balance int64) error
}

// Path names the store that decided a deduction.
type Path string

const (
	PathFast    Path = "fast"
	PathDurable Path = "durable"
)

// Result is the outcome of a deduction. Balance is the balance seen by the
// deciding store after the operation.
type Result struct {
	Granted bool
	Balance int64
	Path    Path
}

// Config holds the ledger dependencies.
type Config struct {
	Fast    FastStore
	Durable DurableStore
	Logger  zerolog.Logger

	// MirrorDeductions copies the fast balance into the durable store after
	// every fast-path grant. When false the durable store is only brought up
	// to date by reconciliation.
	MirrorDeductions bool

	// MirrorConcurrency caps in-flight mirrors (default: 16). Grants beyond
	// the cap skip their mirror.
	MirrorConcurrency int
}

// Ledger orchestrates deductions and top-ups. It is safe for concurrent use;
// per-account exclusion comes from the stores.
type Ledger struct {
	fast    FastStore
	durable DurableStore
	log     zerolog.Logger

	mirror  bool
	mirrors *errgroup.Group

	// stale holds accounts written durable-only by this process whose cached
	// value has not been dropped yet.
	stale sync.Map
}

// New creates a ledger.
func New(cfg Config) (*Ledger, error) {
	if cfg.Fast == nil || cfg.Durable == nil {
		return nil, fmt.Errorf("ledger: fast and durable stores are required")
	}
	limit := cfg.MirrorConcurrency
	if limit <= 0 {
		limit = 16
	}

	g := new(errgroup.Group)
	g.SetLimit(limit)

	return &Ledger{
		fast:    cfg.Fast,
		durable: cfg.Durable,
		log:     cfg.Logger,
		mirror:  cfg.MirrorDeductions,
		mirrors: g,
	}, nil
}

// warmAttempts bounds how often a deduction re-seeds a key that keeps
// disappearing between the seed and the script.
const warmAttempts = 3

// Deduct charges amount to the account if and only if its balance covers it.
//
// An error is returned only when the durable store is needed and fails; it
// wraps ErrStoreUnavailable and means the charge was not applied.
func (l *Ledger) Deduct(ctx context.Context, accountID, amount int64) (Result, error) {
	if amount <= 0 {
		return Result{}, ErrInvalidAmount
	}
	l.resync(ctx, accountID)
	key := redis.CreditsKey(accountID)

	for range warmAttempts {
		status, balance, err := l.fast.Deduct(ctx, key, amount)
		if err != nil {
			metrics.FastStoreErrors.WithLabelValues("deduct").Inc()
			l.log.Warn().Err(err).Int64("account_id", accountID).Msg("fast-store deduct failed, using durable store")
			return l.deductDurable(ctx, accountID, amount)
		}

		switch status {
		case redis.DeductGranted:
			metrics.Deductions.WithLabelValues(string(PathFast), "granted").Inc()
			l.mirrorDeduction(ctx, accountID)
			return Result{Granted: true, Balance: balance, Path: PathFast}, nil
		case redis.DeductInsufficient:
			metrics.Deductions.WithLabelValues(string(PathFast), "denied").Inc()
			return Result{Granted: false, Balance: balance, Path: PathFast}, nil
		}

		err = l.warm(ctx, key, accountID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			metrics.Deductions.WithLabelValues(string(PathDurable), "denied").Inc()
			return Result{Granted: false, Path: PathDurable}, nil
		case errors.Is(err, ErrStoreUnavailable):
			metrics.Deductions.WithLabelValues(string(PathDurable), "error").Inc()
			return Result{Path: PathDurable}, err
		case err != nil:
			metrics.FastStoreErrors.WithLabelValues("warm").Inc()
			l.log.Warn().Err(err).Int64("account_id", accountID).Msg("fast-store warm failed, using durable store")
			return l.deductDurable(ctx, accountID, amount)
		}
	}

	metrics.Deductions.WithLabelValues(string(PathFast), "error").Inc()
	return Result{Path: PathFast}, fmt.Errorf("%w: account %d kept dropping out of the fast store", ErrStoreUnavailable, accountID)
}

// warm seeds an absent key with the durable balance. A key created meanwhile
// by another caller is left alone. Unknown accounts return store.ErrNotFound;
// other durable failures wrap ErrStoreUnavailable; a plain error means the
// fast store failed.
func (l *Ledger) warm(ctx context.Context, key string, accountID int64) error {
	balance, err := l.durable.ClearStale(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err != nil {
		l.log.Error().Err(err).Int64("account_id", accountID).Msg("durable balance read for cache warm failed")
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	if _, err := l.fast.SetIntNX(ctx, key, balance); err != nil {
		return err
	}
	return nil
}

// deductDurable charges the account under the durable row lock. It runs only
// when the fast store failed, so a grant leaves the cached value stale.
func (l *Ledger) deductDurable(ctx context.Context, accountID, amount int64) (Result, error) {
	balance, granted, err := l.durable.DeductLocked(ctx, accountID, amount)
	if errors.Is(err, store.ErrNotFound) {
		metrics.Deductions.WithLabelValues(string(PathDurable), "denied").Inc()
		return Result{Granted: false, Path: PathDurable}, nil
	}
	if err != nil {
		metrics.Deductions.WithLabelValues(string(PathDurable), "error").Inc()
		l.log.Error().Err(err).Int64("account_id", accountID).Msg("durable deduct failed")
		return Result{Path: PathDurable}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	if !granted {
		metrics.Deductions.WithLabelValues(string(PathDurable), "denied").Inc()
		return Result{Granted: false, Balance: balance, Path: PathDurable}, nil
	}

	metrics.Deductions.WithLabelValues(string(PathDurable), "granted").Inc()
	l.markStale(accountID)
	return Result{Granted: true, Balance: balance, Path: PathDurable}, nil
}

func (l *Ledger) markStale(accountID int64) {
	l.stale.Store(accountID, struct{}{})
}

// resync drops the cached balance of an account this process wrote
// durable-only, so the next fast operation seeds it from the durable row.
func (l *Ledger) resync(ctx context.Context, accountID int64) {
	if _, ok := l.stale.LoadAndDelete(accountID); !ok {
		return
	}
	if err := l.fast.Del(ctx, redis.CreditsKey(accountID)); err != nil {
		l.markStale(accountID)
		metrics.FastStoreErrors.WithLabelValues("resync").Inc()
		l.log.Debug().Err(err).Int64("account_id", accountID).Msg("stale fast balance not dropped yet")
		return
	}
	metrics.FastResyncs.WithLabelValues("ledger").Inc()
	l.log.Info().Int64("account_id", accountID).Msg("dropped stale fast balance")
}

// mirrorAttempts bounds the write-then-verify loop of one mirror.
const mirrorAttempts = 3

// mirrorDeduction schedules a durable copy of the account's current fast
// balance. The value is read when the mirror runs and re-read after the
// write; if it moved (another grant, or a slower mirror overwrote ours) the
// write is repeated, so overlapping mirrors settle on the latest value.
func (l *Ledger) mirrorDeduction(ctx context.Context, accountID int64) {
	if !l.mirror {
		return
	}
	ctx = context.WithoutCancel(ctx)
	key := redis.CreditsKey(accountID)

	ok := l.mirrors.TryGo(func() error {
		balance, found, err := l.fast.GetInt(ctx, key)
		for range mirrorAttempts {
			if err != nil {
				metrics.FastStoreErrors.WithLabelValues("mirror_read").Inc()
				return nil
			}
			if !found {
				return nil
			}
			if _, err := l.durable.SetBalance(ctx, accountID, balance); err != nil {
				metrics.DurableWriteFailures.WithLabelValues("mirror").Inc()
				l.log.Warn().Err(err).Int64("account_id", accountID).Msg("durable mirror after fast deduct failed")
				return nil
			}

			var current int64
			current, found, err = l.fast.GetInt(ctx, key)
			if err == nil && found && current == balance {
				return nil
			}
			balance = current
		}
		return nil
	})
	if !ok {
		metrics.MirrorsDropped.Inc()
		l.log.Debug().Int64("account_id", accountID).Msg("mirror slots full, leaving account to reconciliation")
	}
}

// TopUp adds amount to the account and returns the new balance.
//
// The fast store is credited first. When the account is not cached, the
// durable balance (zero when the account has no row) seeds it. The durable
// store is then upserted to the same value; a failure there is logged only.
// If the durable row is marked stale the credit is applied to it directly and
// the cached value is dropped. If the fast store is down the credit is applied
// to the durable store alone.
func (l *Ledger) TopUp(ctx context.Context, accountID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	l.resync(ctx, accountID)
	key := redis.CreditsKey(accountID)

	balance, err := l.creditFast(ctx, key, accountID, amount)
	if err != nil {
		if errors.Is(err, ErrStoreUnavailable) {
			return 0, err
		}
		metrics.FastStoreErrors.WithLabelValues("credit").Inc()
		l.log.Warn().Err(err).Int64("account_id", accountID).Msg("fast-store credit failed, crediting durable store only")
		return l.creditDurable(ctx, accountID, amount)
	}

	err = l.durable.UpsertBalance(ctx, accountID, balance)
	switch {
	case errors.Is(err, store.ErrFastStale):
		// The cached value the credit landed on missed durable writes. Credit
		// the row instead and drop the cached value, also when that fails.
		balance, err = l.creditDurable(ctx, accountID, amount)
		l.markStale(accountID)
		l.resync(ctx, accountID)
		return balance, err
	case err != nil:
		metrics.DurableWriteFailures.WithLabelValues("topup").Inc()
		l.log.Warn().Err(err).Int64("account_id", accountID).Int64("balance", balance).Msg("durable upsert after top-up failed")
	}
	l.recordTopUp(amount)
	return balance, nil
}

func (l *Ledger) creditDurable(ctx context.Context, accountID, amount int64) (int64, error) {
	balance, err := l.durable.Credit(ctx, accountID, amount)
	if err != nil {
		l.log.Error().Err(err).Int64("account_id", accountID).Msg("durable credit failed")
		return 0, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	l.markStale(accountID)
	l.recordTopUp(amount)
	return balance, nil
}

// creditFast credits the cached balance, seeding it from the durable store on
// a miss. A plain error means the fast store failed; an error wrapping
// ErrStoreUnavailable means the seed could not be read.
func (l *Ledger) creditFast(ctx context.Context, key string, accountID, amount int64) (int64, error) {
	balance, ok, err := l.fast.Credit(ctx, key, amount, -1)
	if err != nil {
		return 0, err
	}
	if ok {
		return balance, nil
	}

	base, err := l.durable.ClearStale(ctx, accountID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		base = 0
	case err != nil:
		l.log.Error().Err(err).Int64("account_id", accountID).Msg("durable balance read for top-up failed")
		return 0, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	// A concurrent writer may have created the key meanwhile; the script
	// then adds amount to it instead of seeding.
	balance, _, err = l.fast.Credit(ctx, key, amount, base+amount)
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (l *Ledger) recordTopUp(amount int64) {
	metrics.TopUps.Inc()
	metrics.TopUpCredits.Add(float64(amount))
}

// Balance returns the current balance, preferring the fast store.
func (l *Ledger) Balance(ctx context.Context, accountID int64) (int64, error) {
	l.resync(ctx, accountID)
	balance, found, err := l.fast.GetInt(ctx, redis.CreditsKey(accountID))
	if err != nil {
		metrics.FastStoreErrors.WithLabelValues("get").Inc()
		l.log.Warn().Err(err).Int64("account_id", accountID).Msg("fast-store read failed, using durable store")
	} else if found {
		return balance, nil
	}

	balance, err = l.durable.Balance(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return balance, nil
}

// Close waits for in-flight mirrors to finish.
func (l *Ledger) Close() error {
	return l.mirrors.Wait()
}
