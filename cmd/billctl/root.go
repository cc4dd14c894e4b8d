// Command billctl runs offline quotes and operational tasks against the
// billing database and broker.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/carepoint/billing-engine/internal/config"
	"github.com/carepoint/billing-engine/internal/exitcode"
	"github.com/carepoint/billing-engine/internal/logging"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:           "billctl",
	Short:         "Hospital billing engine control tool",
	Long:          "Quotes bills offline, applies migrations, manages broker topics and reports revenue.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		pf := cmd.Flags()
		if pf.Changed("dsn") {
			loaded.DatabaseURL, _ = pf.GetString("dsn")
		}
		if pf.Changed("brokers") {
			loaded.KafkaBrokers, _ = pf.GetString("brokers")
		}
		if pf.Changed("log-format") {
			loaded.LogFormat, _ = pf.GetString("log-format")
		}
		cfg = loaded
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("dsn", "", "Postgres connection string (or set DATABASE_URL)")
	pf.String("brokers", "", "Comma separated Kafka brokers (or set KAFKA_BROKERS)")
	pf.String("log-format", "text", "Log format: text or json")
}

func newLogger() *zap.Logger {
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitcode.From(err))
	}
}
