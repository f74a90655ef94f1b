package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-lifecycle/internal/config"
	"github.com/spec-kit/ticket-lifecycle/internal/observability"
	"github.com/spec-kit/ticket-lifecycle/internal/persistence"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the relational schema for the configured backend",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger, err := observability.NewLogger(config.LoggerConfig{Level: logLevel})
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		ctx := cmd.Context()
		switch cfg.Storage.Backend {
		case config.BackendPostgres:
			pool, err := persistence.ConnectPostgres(ctx, cfg.Postgres, logger)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := persistence.RunMigrations(ctx, pool, logger); err != nil {
				return err
			}
		case config.BackendSQLite:
			lite, err := persistence.NewSQLite(ctx, cfg.SQLite, logger)
			if err != nil {
				return err
			}
			defer lite.Close()
			if err := persistence.RunSQLiteMigrations(ctx, lite.DB, logger); err != nil {
				return err
			}
		default:
			logger.Info("backend has no schema", zap.String("backend", cfg.Storage.Backend))
		}
		fmt.Printf("schema up to date (%s)\n", cfg.Storage.Backend)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
