// cmd/helpers.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aceteam-ai/credit-meter/internal/ledger"
	"github.com/aceteam-ai/credit-meter/internal/redis"
	"github.com/aceteam-ai/credit-meter/internal/store"
)

// Startup retry schedule for the durable store.
const (
	durableConnectAttempts = 12
	durableConnectDelay    = 2 * time.Second
)

// openDurable opens the configured database, retrying while it comes up.
// attempts <= 1 tries once.
func openDurable(ctx context.Context, attempts int) (*store.SQLStore, error) {
	storeCfg := store.Config{
		Driver:    cfg.DatabaseDriver,
		DSN:       cfg.DatabaseURL,
		MaxConns:  cfg.DBMaxConns,
		OpTimeout: cfg.StoreTimeout(),
	}
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := range attempts {
		s, err := store.Open(ctx, storeCfg)
		if err == nil {
			return s, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		logger.Warn().Err(err).Msgf("%s not ready (attempt %d/%d)", cfg.DatabaseDriver, i+1, attempts)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(durableConnectDelay):
		}
	}
	return nil, fmt.Errorf("%s unavailable after %d attempts: %w", cfg.DatabaseDriver, attempts, lastErr)
}

// connectFast connects to Redis. When only the ping fails the client is
// still returned with the error: commands fail until Redis is reachable and
// the ledger falls back to the durable store meanwhile. A bad URL returns a
// nil client.
func connectFast(ctx context.Context) (*redis.Client, error) {
	client := redis.NewClient(redis.ClientConfig{
		OpTimeout: cfg.StoreTimeout(),
	})
	err := client.Connect(ctx, cfg.RedisURL, cfg.RedisPassword)
	if errors.Is(err, redis.ErrInvalidURL) {
		return nil, err
	}
	return client, err
}

// openLedger opens both stores and builds a ledger for one-shot commands.
// The returned cleanup closes everything.
func openLedger(ctx context.Context) (*ledger.Ledger, *store.SQLStore, *redis.Client, func(), error) {
	durable, err := openDurable(ctx, 1)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	fast, err := connectFast(ctx)
	if err != nil {
		if fast == nil {
			durable.Close()
			return nil, nil, nil, nil, err
		}
		warnColor.Printf("Redis unreachable, using %s only: %v\n", cfg.DatabaseDriver, err)
	}

	l, err := ledger.New(ledger.Config{
		Fast:    fast,
		Durable: durable,
		Logger:  logger,
	})
	if err != nil {
		fast.Close()
		durable.Close()
		return nil, nil, nil, nil, err
	}

	cleanup := func() {
		l.Close()
		fast.Close()
		durable.Close()
	}
	return l, durable, fast, cleanup, nil
}

// parseAccountID parses a positive account id argument.
func parseAccountID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid account id %q", s)
	}
	return id, nil
}
