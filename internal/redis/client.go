// Package redis is the fast-store adapter for credit metering.
//
// Balances live under "credits:{account}" as plain integers so they can be
// read with GET and adjusted atomically by the server-side scripts in
// scripts.go. Rate-limit windows use INCR/EXPIRE on "rate:{identity}:{minute}".
//
// Every command runs under its own timeout (ClientConfig.OpTimeout). A timed
// out command is reported as an error like any other backend failure; callers
// decide whether that means falling back (ledger) or failing open (rate limiter).
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrInvalidURL indicates the Redis URL could not be parsed. No client is
// created in that case.
var ErrInvalidURL = errors.New("invalid Redis URL")

// DeductStatus is the tri-state outcome of an atomic compare-and-decrement.
type DeductStatus int

const (
	// DeductMissing means the key was absent. This is a cache miss, not a failure.
	DeductMissing DeductStatus = -1

	// DeductInsufficient means the key held less than the requested amount.
	DeductInsufficient DeductStatus = 0

	// DeductGranted means the amount was subtracted.
	DeductGranted DeductStatus = 1
)

func (s DeductStatus) String() string {
	switch s {
	case DeductMissing:
		return "missing"
	case DeductInsufficient:
		return "insufficient"
	case DeductGranted:
		return "deducted"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Client wraps the go-redis client with the operations the metering path needs.
type Client struct {
	client    *redis.Client
	opTimeout time.Duration
	poolSize  int

	deductScript *redis.Script
	creditScript *redis.Script
}

// ClientConfig holds configuration for the Redis client.
type ClientConfig struct {
	URL      string
	Password string

	// OpTimeout bounds every command (default: 2s).
	OpTimeout time.Duration

	// PoolSize overrides the go-redis default pool size when > 0.
	PoolSize int
}

// NewClient creates a new fast-store client. Call Connect before use.
func NewClient(cfg ClientConfig) *Client {
	if cfg.OpTimeout == 0 {
		cfg.OpTimeout = 2 * time.Second
	}

	return &Client{
		opTimeout:    cfg.OpTimeout,
		poolSize:     cfg.PoolSize,
		deductScript: redis.NewScript(deductLua),
		creditScript: redis.NewScript(creditLua),
	}
}

// Connect establishes connection to Redis.
func (c *Client) Connect(ctx context.Context, url, password string) error {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}

	if password != "" {
		opts.Password = password
	}
	// Fail fast; a slow fast store is treated like an unavailable one.
	opts.ReadTimeout = c.opTimeout
	opts.WriteTimeout = c.opTimeout
	if c.poolSize > 0 {
		opts.PoolSize = c.poolSize
	}

	c.client = redis.NewClient(opts)

	if err := c.Ping(ctx); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return nil
}

// CreditsKey returns the fast-store key mirroring an account balance.
func CreditsKey(accountID int64) string {
	return "credits:" + strconv.FormatInt(accountID, 10)
}

// RateKey returns the fixed-window counter key for an identity and minute.
func RateKey(identity string, minute int64) string {
	return fmt.Sprintf("rate:%s:%d", identity, minute)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opTimeout)
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.client.Ping(ctx).Err()
}

// GetInt reads an integer key. The bool result is false when the key is absent.
func (c *Client) GetInt(ctx context.Context, key string) (int64, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	v, err := c.client.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("get %s: %w", key, err)
	}
	return v, true, nil
}

// SetInt overwrites an integer key without expiry.
func (c *Client) SetInt(ctx context.Context, key string, value int64) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// SetIntNX writes an integer key only if it does not exist yet. It reports
// whether the value was written.
func (c *Client) SetIntNX(ctx context.Context, key string, value int64) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	ok, err := c.client.SetNX(ctx, key, value, 0).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

// Del removes a key. Removing a missing key is not an error.
func (c *Client) Del(ctx context.Context, key string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}

// Incr increments a counter and returns the new value.
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	n, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return n, nil
}

// Expire sets a TTL on a key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("expire %s: %w", key, err)
	}
	return nil
}

// Deduct atomically subtracts amount from key when the stored value covers it.
// The returned balance is the value after the script ran (0 when missing).
func (c *Client) Deduct(ctx context.Context, key string, amount int64) (DeductStatus, int64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	res, err := c.deductScript.Run(ctx, c.client, []string{key}, amount).Int64Slice()
	if err != nil {
		return DeductMissing, 0, fmt.Errorf("deduct script: %w", err)
	}
	if len(res) != 2 {
		return DeductMissing, 0, fmt.Errorf("deduct script: unexpected reply %v", res)
	}

	status := DeductStatus(res[0])
	switch status {
	case DeductMissing, DeductInsufficient, DeductGranted:
		return status, res[1], nil
	default:
		return DeductMissing, 0, fmt.Errorf("deduct script: unexpected status %d", res[0])
	}
}

// Credit atomically adds amount to an existing key. When the key is absent
// and seed >= 0 the key is created holding seed; when seed < 0 nothing is
// written and ok is false.
func (c *Client) Credit(ctx context.Context, key string, amount, seed int64) (balance int64, ok bool, err error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	res, err := c.creditScript.Run(ctx, c.client, []string{key}, amount, seed).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("credit script: %w", err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("credit script: unexpected reply %v", res)
	}
	return res[1], res[0] == 1, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// OpTimeout returns the per-command timeout.
func (c *Client) OpTimeout() time.Duration {
	return c.opTimeout
}
