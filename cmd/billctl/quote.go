package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/carepoint/billing-engine/internal/engine"
	"github.com/carepoint/billing-engine/internal/exitcode"
)

var quoteFile string

var quoteCmd = &cobra.Command{
	Use:   "quote",
	Short: "Compose, modify and adjudicate a bill described in a YAML or JSON file",
	Example: `  billctl quote --file visit.yaml
  cat visit.json | billctl quote --file -`,
	RunE: runQuote,
}

func init() {
	quoteCmd.Flags().StringVarP(&quoteFile, "file", "f", "", "bill file, - for stdin")
	quoteCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(quoteCmd)
}

func runQuote(cmd *cobra.Command, args []string) error {
	var r io.Reader = os.Stdin
	if quoteFile != "-" {
		f, err := os.Open(quoteFile)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	in, err := readQuote(r)
	if err != nil {
		return exitcode.Wrap(exitcode.ValidationError, fmt.Errorf("invalid bill file: %w", err))
	}

	ecfg := engine.DefaultConfig()
	ecfg.Thresholds = cfg.Thresholds()
	svc := engine.NewService(engine.NewMemoryStore(), nil, ecfg, nil, newLogger())

	out, err := svc.Quote(cmd.Context(), in)
	if err != nil {
		if errors.Is(err, engine.ErrInvalidInput) {
			return exitcode.Wrap(exitcode.ValidationError, err)
		}
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	if !out.Result.Approved {
		return exitcode.Wrap(exitcode.Rejected, fmt.Errorf("claim rejected at %s: %s", out.Result.Stage, out.Result.Message))
	}
	return nil
}

// readQuote accepts YAML (and so JSON). The document is re-encoded as JSON so
// the json tags and decimal parsing of QuoteInput apply unchanged.
func readQuote(r io.Reader) (engine.QuoteInput, error) {
	var in engine.QuoteInput
	var doc map[string]any
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return in, fmt.Errorf("parse: %w", err)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return in, fmt.Errorf("convert: %w", err)
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return in, fmt.Errorf("decode: %w", err)
	}
	return in, nil
}
