package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/kyokole/photo-tool-pro-sub000/pkg/ledger"
)

func newAccountCmd(load func() (*Config, error)) *cobra.Command {
	accountCmd := &cobra.Command{
		Use:   "account",
		Short: "Manage ledger accounts",
	}

	var (
		id        string
		shortCode string
		role      string
	)
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an account with a zero balance",
		Long: `Create an account. Accounts are normally created at signup; this
command seeds them for operators and local testing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			storage, closeStorage, err := openStorage(ctx, cfg.Storage)
			if err != nil {
				return err
			}
			defer closeStorage()

			engine, err := ledger.NewEngine(storage, ledger.Config{})
			if err != nil {
				return err
			}
			acct, err := engine.CreateAccount(ctx, &ledger.Account{
				ID:        id,
				ShortCode: shortCode,
				Role:      ledger.Role(role),
			})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]interface{}{
				"id":        acct.ID,
				"shortCode": acct.ShortCode,
				"role":      acct.Role,
				"balance":   acct.Balance,
			})
		},
	}
	createCmd.Flags().StringVar(&id, "id", "", "account id (required)")
	createCmd.Flags().StringVar(&shortCode, "short-code", "", "alphanumeric code customers put in transfer memos (required)")
	createCmd.Flags().StringVar(&role, "role", string(ledger.RoleStandard), "standard or entitled")
	_ = createCmd.MarkFlagRequired("id")
	_ = createCmd.MarkFlagRequired("short-code")

	accountCmd.AddCommand(createCmd)
	return accountCmd
}
