// Command photocredit runs the photo credit ledger: payment webhooks, the
// account read API and operator tooling.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:          "photocredit",
		Short:        "Credit and entitlement ledger for the photo service",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")

	load := func() (*Config, error) { return loadConfig(cfgFile) }

	root.AddCommand(newServeCmd(load))
	root.AddCommand(newMigrateCmd(load))
	root.AddCommand(newAccountCmd(load))
	root.AddCommand(newMemoCmd(load))
	return root
}
