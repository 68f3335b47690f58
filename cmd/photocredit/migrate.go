package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kyokole/photo-tool-pro-sub000/storage/postgres"
	"github.com/kyokole/photo-tool-pro-sub000/storage/sqlite"
)

func newMigrateCmd(load func() (*Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the schema for the postgres or sqlite driver",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			switch cfg.Storage.Driver {
			case "postgres":
				pgCfg := postgres.DefaultConfig()
				pgCfg.ConnectionString = cfg.Storage.Postgres.DSN
				s, err := postgres.New(ctx, pgCfg)
				if err != nil {
					return err
				}
				defer s.Close()
				if err := s.Migrate(ctx); err != nil {
					return err
				}
			case "sqlite":
				// Open applies pending migrations.
				s, err := sqlite.Open(ctx, cfg.Storage.SQLite.Path)
				if err != nil {
					return err
				}
				if err := s.Close(); err != nil {
					return err
				}
			default:
				fmt.Fprintf(out, "storage driver %q has no schema to migrate\n", cfg.Storage.Driver)
				return nil
			}
			fmt.Fprintf(out, "%s schema is up to date\n", cfg.Storage.Driver)
			return nil
		},
	}
}
