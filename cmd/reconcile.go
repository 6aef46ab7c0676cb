// cmd/reconcile.go
package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/aceteam-ai/credit-meter/internal/reconcile"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Copy Redis balances into the database once",
	Long: `Runs a single reconciliation cycle: every account whose Redis balance
differs from the database is overwritten with the Redis value.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		_, durable, fast, cleanup, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		w := reconcile.New(reconcile.Config{
			Durable:            durable,
			Fast:               fast,
			MaxWritesPerSecond: cfg.SyncMaxWritesPerSecond,
			Logger:             logger,
		})
		updated, err := w.RunOnce(ctx)
		if err != nil {
			badColor.Printf("Reconciliation finished with errors (%d updated)\n", updated)
			return err
		}
		goodColor.Printf("Reconciled %d accounts\n", updated)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}
