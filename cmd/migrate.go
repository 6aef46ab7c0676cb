// cmd/migrate.go
package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the accounts, identities and call_records tables",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		durable, err := openDurable(ctx, durableConnectAttempts)
		if err != nil {
			return err
		}
		defer durable.Close()

		if err := durable.Migrate(ctx); err != nil {
			return err
		}
		goodColor.Printf("Schema up to date (%s)\n", durable.Dialect())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
