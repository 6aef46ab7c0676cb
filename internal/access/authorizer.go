// Package access is the per-request gate in front of metered work: identity
// lookup, rate limiting, then a one-credit deduction.
package access

import (
	"context"
	"errors"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/aceteam-ai/credit-meter/internal/ledger"
	"github.com/aceteam-ai/credit-meter/internal/metrics"
	"github.com/aceteam-ai/credit-meter/internal/ratelimit"
	"github.com/aceteam-ai/credit-meter/internal/store"
)

// CostPerCall is the credit price of one metered request.
const CostPerCall = 1

// IdentityStore resolves credentials.
type IdentityStore interface {
	LookupIdentity(ctx context.Context, credential string) (*store.Identity, error)
}

// CallRecorder appends call records.
type CallRecorder interface {
	RecordCall(ctx context.Context, rec store.CallRecord) error
}

// Limiter counts requests per identity.
type Limiter interface {
	Check(ctx context.Context, identity string) ratelimit.Decision
}

// Ledger charges accounts.
type Ledger interface {
	Deduct(ctx context.Context, accountID, amount int64) (ledger.Result, error)
}

// Config holds the authorizer dependencies.
type Config struct {
	Identities IdentityStore
	Limiter    Limiter
	Ledger     Ledger
	Recorder   CallRecorder
	Logger     zerolog.Logger
}

// Grant describes an admitted request.
type Grant struct {
	AccountID  int64
	IdentityID int64

	// Balance is the account balance after the charge.
	Balance int64

	RateLimit ratelimit.Decision
}

// Authorizer holds no per-request state and is safe for concurrent use.
type Authorizer struct {
	identities IdentityStore
	limiter    Limiter
	ledger     Ledger
	recorder   CallRecorder
	log        zerolog.Logger
}

// New creates an authorizer.
func New(cfg Config) *Authorizer {
	return &Authorizer{
		identities: cfg.Identities,
		limiter:    cfg.Limiter,
		ledger:     cfg.Ledger,
		recorder:   cfg.Recorder,
		log:        cfg.Logger,
	}
}

// Authorize admits one request and returns the account it is billed to.
func (a *Authorizer) Authorize(ctx context.Context, credential, ip string) (int64, error) {
	g, err := a.Admit(ctx, credential, ip)
	if err != nil {
		return 0, err
	}
	return g.AccountID, nil
}

// Admit is Authorize with the full decision. On ErrRateLimited the returned
// Grant carries the rate-limit decision.
func (a *Authorizer) Admit(ctx context.Context, credential, ip string) (Grant, error) {
	if credential == "" {
		return Grant{}, a.deny("unauthenticated", ErrUnauthenticated)
	}

	identity, err := a.identities.LookupIdentity(ctx, credential)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return Grant{}, a.deny("invalid_credential", ErrInvalidCredential)
	case err != nil:
		a.log.Error().Err(err).Str("ip", ip).Msg("identity lookup failed")
		return Grant{}, a.deny("unavailable", ErrServiceUnavailable)
	case !identity.Active:
		return Grant{}, a.deny("invalid_credential", ErrInvalidCredential)
	}

	g := Grant{AccountID: identity.AccountID, IdentityID: identity.ID}

	g.RateLimit = a.limiter.Check(ctx, strconv.FormatInt(identity.ID, 10))
	if !g.RateLimit.Allowed {
		a.log.Debug().Int64("identity_id", identity.ID).Str("ip", ip).Msg("rate limited")
		return g, a.deny("rate_limited", ErrRateLimited)
	}

	res, err := a.ledger.Deduct(ctx, identity.AccountID, CostPerCall)
	if err != nil {
		if errors.Is(err, ledger.ErrStoreUnavailable) {
			return g, a.deny("unavailable", ErrServiceUnavailable)
		}
		a.log.Error().Err(err).Int64("account_id", identity.AccountID).Msg("deduct failed")
		return g, a.deny("internal", ErrInternal)
	}
	if !res.Granted {
		return g, a.deny("insufficient_credits", ErrInsufficientCredits)
	}

	g.Balance = res.Balance
	metrics.Authorizations.WithLabelValues("ok").Inc()
	return g, nil
}

func (a *Authorizer) deny(result string, err error) error {
	metrics.Authorizations.WithLabelValues(result).Inc()
	return err
}

// RecordCall writes a call record for completed metered work. Failures are
// logged; the call has already been charged and served.
func (a *Authorizer) RecordCall(ctx context.Context, rec store.CallRecord) {
	if a.recorder == nil {
		return
	}
	if err := a.recorder.RecordCall(ctx, rec); err != nil {
		a.log.Warn().Err(err).
			Int64("account_id", rec.AccountID).
			Str("endpoint", rec.Endpoint).
			Msg("call record not written")
	}
}
