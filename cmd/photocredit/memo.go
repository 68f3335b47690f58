package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kyokole/photo-tool-pro-sub000/pkg/gateway/manual"
)

func newMemoCmd(load func() (*Config, error)) *cobra.Command {
	memoCmd := &cobra.Command{
		Use:   "memo",
		Short: "Inspect bank transfer memos",
	}

	parseCmd := &cobra.Command{
		Use:   "parse MEMO...",
		Short: "Decode a transfer memo without touching the ledger",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			catalog, err := cfg.BuildCatalog()
			if err != nil {
				return err
			}

			memo := strings.Join(args, " ")
			n, err := manual.NewParser(catalog).Decode(memo)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "short code: %s\n", n.ShortCode)
			fmt.Fprintf(out, "package:    %s\n", n.PackageCode)
			if n.Amount != nil {
				fmt.Fprintf(out, "amount:     %d %s\n", n.Amount.Minor, n.Amount.Currency)
			}
			fmt.Fprintf(out, "reference:  %s\n", n.ExternalReference)
			return nil
		},
	}

	memoCmd.AddCommand(parseCmd)
	return memoCmd
}
