// internal/ratelimit/ratelimit.go
package ratelimit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aceteam-ai/credit-meter/internal/metrics"
	"github.com/aceteam-ai/credit-meter/internal/redis"
)

// Counter is the fast-store surface the limiter counts with.
type Counter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// windowTTL outlives the one-minute window so a counter created near the end
// of a minute survives clock skew between instances.
const windowTTL = 120 * time.Second

// Config holds the limiter settings.
type Config struct {
	// RequestsPerMinute is the per-identity ceiling. Zero or less disables limiting.
	RequestsPerMinute int

	// Now overrides the clock (tests).
	Now func() time.Time

	Logger zerolog.Logger
}

// Decision is the result of one check.
type Decision struct {
	Allowed bool

	// Count is the number of requests seen in the current window, including
	// this one. Zero when limiting is disabled or the backend failed.
	Count int64

	Limit int

	// ResetAt is the start of the next window.
	ResetAt time.Time
}

// Limiter is a fixed-window limiter keyed by identity and UTC minute. Windows
// are shared by every process using the same fast store.
type Limiter struct {
	counter Counter
	limit   int
	now     func() time.Time
	log     zerolog.Logger
}

// New creates a limiter on top of counter.
func New(counter Counter, cfg Config) *Limiter {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		counter: counter,
		limit:   cfg.RequestsPerMinute,
		now:     now,
		log:     cfg.Logger,
	}
}

// Allow reports whether identity may make another request this minute.
func (l *Limiter) Allow(ctx context.Context, identity string) bool {
	return l.Check(ctx, identity).Allowed
}

// Check counts a request for identity. Backend errors allow the request.
func (l *Limiter) Check(ctx context.Context, identity string) Decision {
	now := l.now().UTC()
	minute := now.Unix() / 60
	d := Decision{
		Allowed: true,
		Limit:   l.limit,
		ResetAt: time.Unix((minute+1)*60, 0).UTC(),
	}
	if l.limit <= 0 {
		return d
	}

	key := redis.RateKey(identity, minute)
	count, err := l.counter.Incr(ctx, key)
	if err != nil {
		metrics.RateLimitDecisions.WithLabelValues("error").Inc()
		l.log.Warn().Err(err).Str("identity", identity).Msg("rate limit backend error, allowing request")
		return d
	}
	if count == 1 {
		if err := l.counter.Expire(ctx, key, windowTTL); err != nil {
			l.log.Warn().Err(err).Str("key", key).Msg("rate limit window expiry not set")
		}
	}

	d.Count = count
	if count > int64(l.limit) {
		d.Allowed = false
		metrics.RateLimitDecisions.WithLabelValues("denied").Inc()
		return d
	}
	metrics.RateLimitDecisions.WithLabelValues("allowed").Inc()
	return d
}

// Remaining returns how many requests are left in the window after d.
func (d Decision) Remaining() int {
	if d.Limit <= 0 {
		return 0
	}
	left := d.Limit - int(d.Count)
	if left < 0 {
		return 0
	}
	return left
}
