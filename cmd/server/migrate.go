package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"trustcore/internal/platform/config"
	"trustcore/internal/platform/logger"
	"trustcore/internal/platform/postgres"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		Long:  "Apply the idempotent Postgres schema for identities, credentials and audit events. Requires DATABASE_URL.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return fmt.Errorf("DATABASE_URL is required for migrate")
			}
			log := logger.New(cfg.Log.Level, cfg.Log.Format)

			ctx := cmd.Context()
			db, err := postgres.Open(ctx, postgres.Config{URL: cfg.Database.URL})
			if err != nil {
				return err
			}
			defer db.Close()

			if err := postgres.Migrate(ctx, db); err != nil {
				return err
			}
			log.InfoContext(ctx, "schema applied")
			return nil
		},
	}
}
