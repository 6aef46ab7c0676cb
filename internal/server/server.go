// Package server exposes the metering service over HTTP: admin endpoints,
// health, Prometheus metrics and the metered routes behind the access gate.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/aceteam-ai/credit-meter/internal/access"
	"github.com/aceteam-ai/credit-meter/internal/metrics"
	"github.com/aceteam-ai/credit-meter/internal/store"
)

// Ledger is the balance surface used by the admin endpoints.
type Ledger interface {
	TopUp(ctx context.Context, accountID, amount int64) (int64, error)
	Balance(ctx context.Context, accountID int64) (int64, error)
}

// Reconciler runs one reconciliation cycle.
type Reconciler interface {
	RunOnce(ctx context.Context) (int, error)
}

// Gate admits metered requests and records completed calls.
type Gate interface {
	Admit(ctx context.Context, credential, ip string) (access.Grant, error)
	RecordCall(ctx context.Context, rec store.CallRecord)
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthCheck names a store for /health.
type HealthCheck struct {
	Name   string
	Pinger Pinger
}

// Config holds configuration for the HTTP server.
type Config struct {
	// Addr is the listen address (default: ":8000")
	Addr string

	// AdminSecret is compared against the X-Admin-Secret header
	AdminSecret string

	// MeteredPrefix is the path prefix behind the access gate (default: "/api/")
	MeteredPrefix string

	// UpstreamURL is proxied under MeteredPrefix when Metered is nil
	UpstreamURL string

	// Metered serves admitted requests; overrides UpstreamURL
	Metered http.Handler

	Ledger       Ledger
	Reconciler   Reconciler
	Gate         Gate
	HealthChecks []HealthCheck

	Logger zerolog.Logger
}

// Server is the metering HTTP server.
type Server struct {
	cfg        Config
	log        zerolog.Logger
	handler    http.Handler
	httpServer *http.Server
}

// New builds the server and its routes.
func New(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		cfg.Addr = ":8000"
	}
	if cfg.MeteredPrefix == "" {
		cfg.MeteredPrefix = "/api/"
	}
	if !strings.HasSuffix(cfg.MeteredPrefix, "/") {
		cfg.MeteredPrefix += "/"
	}

	metered := cfg.Metered
	if metered == nil && cfg.UpstreamURL != "" {
		target, err := url.Parse(cfg.UpstreamURL)
		if err != nil {
			return nil, err
		}
		if target.Scheme == "" || target.Host == "" {
			return nil, errors.New("upstream URL must include scheme and host")
		}
		metered = newProxy(target, strings.TrimSuffix(cfg.MeteredPrefix, "/"), cfg.Logger)
	}
	cfg.Metered = metered

	s := &Server{cfg: cfg, log: cfg.Logger}
	s.handler = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", metrics.Handler().ServeHTTP)

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Post("/topup", s.handleTopUp)
		r.Post("/sync-credits", s.handleSyncCredits)
		r.Get("/balance/{accountID}", s.handleBalance)
	})

	if s.cfg.Metered != nil && s.cfg.Gate != nil {
		r.Mount(strings.TrimSuffix(s.cfg.MeteredPrefix, "/"), s.Metered(s.cfg.Metered))
	}
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening for HTTP requests.
// This method blocks until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      5 * time.Minute,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()
	s.log.Info().Str("addr", s.cfg.Addr).Msg("http server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.cfg.Addr
}

type errorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{OK: false, Error: msg})
}

func newProxy(target *url.URL, prefix string, log zerolog.Logger) http.Handler {
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Header.Del("X-API-Key")
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Warn().Err(err).Str("path", r.URL.Path).Msg("upstream request failed")
			writeError(w, http.StatusBadGateway, "upstream unavailable")
		},
	}
	return http.StripPrefix(prefix, proxy)
}
