package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/aceteam-ai/credit-meter/internal/access"
	"github.com/aceteam-ai/credit-meter/internal/store"
)

// Metered wraps next with the access gate. A request reaches next only after
// one credit was charged; the call is then recorded with its latency and
// query parameters. Denied requests are neither charged nor recorded.
func (s *Server) Metered(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)

		grant, err := s.cfg.Gate.Admit(r.Context(), r.Header.Get("X-API-Key"), ip)
		setRateLimitHeaders(w, grant)
		if err != nil {
			status, msg := denialStatus(err)
			if status == http.StatusTooManyRequests {
				w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(grant.RateLimit.ResetAt).Seconds())+1))
			}
			writeError(w, status, msg)
			return
		}
		w.Header().Set("X-Credits-Remaining", strconv.FormatInt(grant.Balance, 10))

		start := time.Now()
		next.ServeHTTP(w, r)
		execMs := time.Since(start).Milliseconds()

		s.cfg.Gate.RecordCall(context.WithoutCancel(r.Context()), store.CallRecord{
			ID:          uuid.New(),
			AccountID:   grant.AccountID,
			Endpoint:    r.URL.Path,
			CreditsUsed: access.CostPerCall,
			Params:      queryParams(r),
			ExecMs:      execMs,
			ClientIP:    ip,
			CreatedAt:   start.UTC(),
		})
	})
}

// denialStatus maps gate errors to a status and a stable public message.
func denialStatus(err error) (int, string) {
	switch {
	case errors.Is(err, access.ErrUnauthenticated):
		return http.StatusUnauthorized, "Missing API key"
	case errors.Is(err, access.ErrInvalidCredential):
		return http.StatusUnauthorized, "Invalid API key"
	case errors.Is(err, access.ErrRateLimited):
		return http.StatusTooManyRequests, "Too many requests"
	case errors.Is(err, access.ErrInsufficientCredits):
		return http.StatusPaymentRequired, "Insufficient credits"
	case errors.Is(err, access.ErrServiceUnavailable):
		return http.StatusServiceUnavailable, "Service unavailable"
	default:
		return http.StatusInternalServerError, "Internal error"
	}
}

func setRateLimitHeaders(w http.ResponseWriter, g access.Grant) {
	d := g.RateLimit
	if d.Limit <= 0 || d.Count == 0 {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining()))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// clientIP returns the caller address. RealIP has already applied
// X-Forwarded-For / X-Real-IP to RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// queryParams flattens the query string; repeated keys keep every value.
func queryParams(r *http.Request) map[string]any {
	q := r.URL.Query()
	if len(q) == 0 {
		return nil
	}
	params := make(map[string]any, len(q))
	for k, v := range q {
		if len(v) == 1 {
			params[k] = v[0]
			continue
		}
		params[k] = v
	}
	return params
}
