package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/carepoint/billing-engine/internal/domain/billing"
	"github.com/carepoint/billing-engine/internal/exitcode"
	"github.com/carepoint/billing-engine/internal/infrastructure/postgres"
	"github.com/carepoint/billing-engine/internal/infrastructure/redpanda"
)

var revenueCmd = &cobra.Command{
	Use:   "revenue",
	Short: "Print paid totals and bill counts by status",
	RunE:  runRevenue,
}

func init() {
	rootCmd.AddCommand(revenueCmd)
}

func runRevenue(cmd *cobra.Command, args []string) error {
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

	report, err := billing.NewRepository(pool, redpanda.TopicBillingEvents, log).Revenue(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
