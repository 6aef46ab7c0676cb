// cmd/serve.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aceteam-ai/credit-meter/internal/access"
	"github.com/aceteam-ai/credit-meter/internal/ledger"
	"github.com/aceteam-ai/credit-meter/internal/ratelimit"
	"github.com/aceteam-ai/credit-meter/internal/reconcile"
	"github.com/aceteam-ai/credit-meter/internal/server"
)

var (
	serveAddr        string
	serveSkipMigrate bool
	serveSyncWorker  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the metering gateway",
	Long: `Starts the HTTP gateway: admin endpoints, /health, /metrics and the
metered routes. Requests under the metered prefix must carry an X-API-Key;
each admitted request costs one credit and is proxied to UPSTREAM_URL.

The database is retried for about 24 seconds on startup. Redis may be down
at startup; deductions fall back to the database until it is reachable.`,
	Example: `  credit-meter serve
  credit-meter serve --addr :9000 --sync-worker
  credit-meter serve --config meter.yaml --debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides LISTEN_ADDR)")
	serveCmd.Flags().BoolVar(&serveSkipMigrate, "skip-migrate", false, "Do not create missing tables on startup")
	serveCmd.Flags().BoolVar(&serveSyncWorker, "sync-worker", false, "Run the reconciliation worker (overrides ENABLE_SYNC_WORKER)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveAddr != "" {
		cfg.ListenAddr = serveAddr
	}
	if cmd.Flags().Changed("sync-worker") {
		cfg.SyncWorkerEnabled = serveSyncWorker
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.UsesDefaultAdminSecret() {
		logger.Warn().Msg("ADMIN_SECRET is the local default, set it before exposing the admin endpoints")
	}

	logger.Info().Str("version", buildVersion()).Msg("starting credit-meter")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	durable, err := openDurable(ctx, durableConnectAttempts)
	if err != nil {
		return err
	}
	defer durable.Close()
	logger.Info().Str("driver", cfg.DatabaseDriver).Msg("connected to database")

	if !serveSkipMigrate {
		if err := durable.Migrate(ctx); err != nil {
			return err
		}
	}

	fast, err := connectFast(ctx)
	if fast == nil {
		return err
	}
	defer fast.Close()
	if err != nil {
		logger.Warn().Err(err).Msg("redis unreachable at startup, deductions will use the database")
	} else {
		logger.Info().Msg("connected to redis")
	}

	l, err := ledger.New(ledger.Config{
		Fast:              fast,
		Durable:           durable,
		Logger:            logger.With().Str("component", "ledger").Logger(),
		MirrorDeductions:  cfg.MirrorDeductions,
		MirrorConcurrency: cfg.MirrorConcurrency,
	})
	if err != nil {
		return err
	}
	defer l.Close()

	limiter := ratelimit.New(fast, ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitRPM,
		Logger:            logger.With().Str("component", "ratelimit").Logger(),
	})

	gate := access.New(access.Config{
		Identities: durable,
		Limiter:    limiter,
		Ledger:     l,
		Recorder:   durable,
		Logger:     logger.With().Str("component", "access").Logger(),
	})

	worker := reconcile.New(reconcile.Config{
		Durable:            durable,
		Fast:               fast,
		Interval:           cfg.SyncInterval(),
		MaxWritesPerSecond: cfg.SyncMaxWritesPerSecond,
		Logger:             logger.With().Str("component", "reconcile").Logger(),
	})

	srv, err := server.New(server.Config{
		Addr:          cfg.ListenAddr,
		AdminSecret:   cfg.AdminSecret,
		MeteredPrefix: cfg.MeteredPrefix,
		UpstreamURL:   cfg.UpstreamURL,
		Ledger:        l,
		Reconciler:    worker,
		Gate:          gate,
		HealthChecks: []server.HealthCheck{
			{Name: cfg.DatabaseDriver, Pinger: durable},
			{Name: "redis", Pinger: fast},
		},
		Logger: logger.With().Str("component", "http").Logger(),
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	if cfg.UpstreamURL == "" {
		logger.Warn().Msg("UPSTREAM_URL not set, metered routes are disabled")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	if cfg.SyncWorkerEnabled {
		g.Go(func() error {
			err := worker.Start(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	goodColor.Printf("credit-meter listening on %s\n", srv.Addr())
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("shutdown complete")
	return nil
}
