package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/carepoint/billing-engine/internal/exitcode"
	"github.com/carepoint/billing-engine/internal/infrastructure/redpanda"
)

var lagGroup string

var topicsCmd = &cobra.Command{
	Use:   "topics",
	Short: "Create the billing topics and list what the cluster has",
	RunE:  runTopics,
}

var lagCmd = &cobra.Command{
	Use:   "lag",
	Short: "Show per-partition lag of a consumer group",
	RunE:  runLag,
}

func init() {
	lagCmd.Flags().StringVar(&lagGroup, "group", "claims-worker", "consumer group")
	topicsCmd.AddCommand(lagCmd)
	rootCmd.AddCommand(topicsCmd)
}

func newAdmin(cmd *cobra.Command) (*redpanda.Admin, error) {
	brokers := cfg.Brokers()
	if err := redpanda.HealthCheck(cmd.Context(), brokers); err != nil {
		return nil, exitcode.Wrap(exitcode.BrokerError, fmt.Errorf("broker unreachable %v: %w", brokers, err))
	}
	admin, err := redpanda.NewAdmin(brokers, newLogger())
	if err != nil {
		return nil, exitcode.Wrap(exitcode.BrokerError, fmt.Errorf("admin client: %w", err))
	}
	return admin, nil
}

func runTopics(cmd *cobra.Command, args []string) error {
	admin, err := newAdmin(cmd)
	if err != nil {
		return err
	}
	defer admin.Close()

	if err := admin.EnsureTopics(cmd.Context()); err != nil {
		return err
	}
	names, err := admin.ListTopics(cmd.Context())
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintln(cmd.OutOrStdout(), n)
	}
	return nil
}

func runLag(cmd *cobra.Command, args []string) error {
	admin, err := newAdmin(cmd)
	if err != nil {
		return err
	}
	defer admin.Close()

	lag, err := admin.ConsumerGroupLag(cmd.Context(), lagGroup)
	if err != nil {
		return err
	}
	topics := make([]string, 0, len(lag))
	for t := range lag {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	for _, t := range topics {
		for p, n := range lag[t] {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%d\n", t, p, n)
		}
	}
	return nil
}
