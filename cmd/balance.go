// cmd/balance.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aceteam-ai/credit-meter/internal/ledger"
	"github.com/aceteam-ai/credit-meter/internal/redis"
	"github.com/aceteam-ai/credit-meter/internal/store"
)

var balanceCmd = &cobra.Command{
	Use:   "balance <account-id>",
	Short: "Show an account balance in both stores",
	Long: `Prints the enforced balance (Redis when cached, else the database) and
the raw value held by each store. A difference between the two is normal
until the next reconciliation.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		accountID, err := parseAccountID(args[0])
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		l, durable, fast, cleanup, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		balance, err := l.Balance(ctx, accountID)
		if errors.Is(err, ledger.ErrAccountNotFound) {
			warnColor.Printf("Account %d not found\n", accountID)
			return nil
		}
		if err != nil {
			return err
		}

		headerColor.Printf("Account %d\n", accountID)
		labelColor.Print("  Balance:  ")
		fmt.Println(balance)

		labelColor.Print("  Redis:    ")
		switch v, ok, err := fast.GetInt(ctx, redis.CreditsKey(accountID)); {
		case err != nil:
			badColor.Println("unreachable")
		case !ok:
			fmt.Println("not cached")
		default:
			fmt.Println(v)
		}

		labelColor.Printf("  %-9s ", cfg.DatabaseDriver+":")
		switch v, err := durable.Balance(ctx, accountID); {
		case errors.Is(err, store.ErrNotFound):
			fmt.Println("no row")
		case err != nil:
			badColor.Println("unreachable")
		default:
			fmt.Println(v)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(balanceCmd)
}
