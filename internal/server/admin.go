package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/aceteam-ai/credit-meter/internal/ledger"
)

// requireAdmin rejects requests whose X-Admin-Secret does not match.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-Admin-Secret")
		if s.cfg.AdminSecret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AdminSecret)) != 1 {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type topUpRequest struct {
	AccountID int64 `json:"account_id"`
	// UserID is accepted for older clients.
	UserID int64 `json:"user_id"`
	Amount int64 `json:"amount"`
}

type topUpResponse struct {
	OK        bool  `json:"ok"`
	AccountID int64 `json:"account_id"`
	Added     int64 `json:"added"`
	Balance   int64 `json:"balance"`
}

// handleTopUp adds credits to an account.
// POST /admin/topup
func (s *Server) handleTopUp(w http.ResponseWriter, r *http.Request) {
	var req topUpRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AccountID == 0 {
		req.AccountID = req.UserID
	}
	if req.AccountID <= 0 {
		writeError(w, http.StatusBadRequest, "account_id must be a positive integer")
		return
	}

	balance, err := s.cfg.Ledger.TopUp(r.Context(), req.AccountID, req.Amount)
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "amount must be > 0")
		return
	case errors.Is(err, ledger.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	case err != nil:
		s.log.Error().Err(err).Int64("account_id", req.AccountID).Msg("top-up failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.log.Info().Int64("account_id", req.AccountID).Int64("amount", req.Amount).Int64("balance", balance).Msg("credits topped up")
	writeJSON(w, http.StatusOK, topUpResponse{
		OK:        true,
		AccountID: req.AccountID,
		Added:     req.Amount,
		Balance:   balance,
	})
}

// handleSyncCredits runs one reconciliation cycle synchronously.
// POST /admin/sync-credits
func (s *Server) handleSyncCredits(w http.ResponseWriter, r *http.Request) {
	updated, err := s.cfg.Reconciler.RunOnce(r.Context())
	if err != nil {
		s.log.Error().Err(err).Int("updated", updated).Msg("manual reconciliation failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"ok":      false,
			"error":   "reconciliation failed",
			"updated": updated,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "updated": updated})
}

// handleBalance returns the current balance of an account.
// GET /admin/balance/{accountID}
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.ParseInt(chi.URLParam(r, "accountID"), 10, 64)
	if err != nil || accountID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}

	balance, err := s.cfg.Ledger.Balance(r.Context(), accountID)
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "account not found")
		return
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "account_id": accountID, "balance": balance})
}
