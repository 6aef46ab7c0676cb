// cmd/identity.go
package cmd

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var identityInactive bool

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Manage API keys",
}

var identityAddCmd = &cobra.Command{
	Use:   "add <account-id> [api-key]",
	Short: "Provision an API key for an account",
	Long: `Creates an identity mapping an API key to an account. A random key is
generated when none is given.`,
	Example: `  credit-meter identity add 42
  credit-meter identity add 42 my-test-key --inactive`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		accountID, err := parseAccountID(args[0])
		if err != nil {
			return err
		}

		key := ""
		if len(args) == 2 {
			key = args[1]
		} else {
			buf := make([]byte, 24)
			if _, err := rand.Read(buf); err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			key = "cm_" + hex.EncodeToString(buf)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		durable, err := openDurable(ctx, 1)
		if err != nil {
			return err
		}
		defer durable.Close()

		id, err := durable.CreateIdentity(ctx, key, accountID, !identityInactive)
		if err != nil {
			return err
		}

		goodColor.Printf("Identity %d created for account %d\n", id, accountID)
		labelColor.Print("API key: ")
		fmt.Println(key)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(identityCmd)
	identityCmd.AddCommand(identityAddCmd)
	identityAddCmd.Flags().BoolVar(&identityInactive, "inactive", false, "Create the key disabled")
}
