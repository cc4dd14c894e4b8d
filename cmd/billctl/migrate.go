package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/carepoint/billing-engine/internal/exitcode"
	"github.com/carepoint/billing-engine/internal/infrastructure/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	log := newLogger()
	ctx := cmd.Context()

	if cfg.DatabaseURL == "" {
		return exitcode.Wrap(exitcode.UsageError, errors.New("--dsn or DATABASE_URL is required"))
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return exitcode.Wrap(exitcode.DBConnError, fmt.Errorf("database connection failed: %w", err))
	}
	defer pool.Close()

	if err := postgres.ApplyMigrations(ctx, pool, log); err != nil {
		return err
	}

	log.Info("all migrations applied successfully")
	return nil
}
