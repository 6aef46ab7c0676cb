// cmd/topup.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/aceteam-ai/credit-meter/internal/ledger"
)

var topupCmd = &cobra.Command{
	Use:   "topup <account-id> <amount>",
	Short: "Add credits to an account",
	Long: `Adds credits directly through the stores, the same way POST /admin/topup
does: Redis first, then the database. Use it when the HTTP admin API is not
reachable.`,
	Example: `  credit-meter topup 42 1000`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		accountID, err := parseAccountID(args[0])
		if err != nil {
			return err
		}
		amount, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid amount %q", args[1])
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		l, _, _, cleanup, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		balance, err := l.TopUp(ctx, accountID, amount)
		if errors.Is(err, ledger.ErrInvalidAmount) {
			return fmt.Errorf("amount must be > 0")
		}
		if err != nil {
			return err
		}

		goodColor.Printf("Added %d credits to account %d\n", amount, accountID)
		labelColor.Print("Balance: ")
		fmt.Println(balance)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(topupCmd)
}
