// Package main provides a CLI tool that repairs an EPG source catalog offline.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/savid/iptv-gateway/internal/sources"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var errNeedsRepair = errors.New("catalog needs repair")

var (
	catalogPath string
	write       bool
	check       bool
	asJSON      bool
	logLevel    string
	log         = logrus.New()
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "epgfix",
		Short: "Repair malformed EPG source URLs in a catalog",
		Long: `Runs the EPG source corrector over a JSON or SQLite catalog and prints
what it would change:
- URLs rewritten and the rule that matched
- Malformed URLs no rule could repair
- Country codes re-derived from source names

Examples:
  # Dry run
  epgfix --catalog epg_sources.json

  # Apply the corrections
  epgfix --catalog sources.db --write

  # Fail in CI when the catalog has repairable entries
  epgfix --catalog epg_sources.json --check`,
		SilenceUsage: true,
		RunE:         run,
	}

	rootCmd.Flags().StringVar(&catalogPath, "catalog", "", "Path to the source catalog, .json or .db/.sqlite (required)")
	rootCmd.Flags().BoolVar(&write, "write", false, "Save the corrected catalog")
	rootCmd.Flags().BoolVar(&check, "check", false, "Exit non-zero when corrections are pending")
	rootCmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	if err := rootCmd.MarkFlagRequired("catalog"); err != nil {
		log.WithError(err).Fatal("Failed to mark catalog flag as required")
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	// Configure logger
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	log.SetLevel(level)
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	// Load catalog
	persister, err := sources.Open(catalogPath)
	if err != nil {
		return err
	}

	if closer, ok := persister.(io.Closer); ok {
		defer closer.Close()
	}

	srcs, err := persister.Load(ctx)
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"catalog": catalogPath,
		"sources": len(srcs),
	}).Info("Loaded source catalog")

	corrected, report := sources.Correct(srcs)

	// Print report
	if asJSON {
		if err := printJSON(cmd.OutOrStdout(), report); err != nil {
			return err
		}
	} else {
		printReport(cmd.OutOrStdout(), srcs, report)
	}

	pending := report.Count() > 0 || report.CountryCodes > 0

	if write && pending {
		if err := persister.Save(ctx, corrected); err != nil {
			return err
		}

		log.WithField("catalog", catalogPath).Info("Saved corrected catalog")
	}

	if check && pending && !write {
		return errNeedsRepair
	}

	return nil
}

// jsonReport adds the finding errors, which Report does not serialize.
type jsonReport struct {
	sources.Report

	Errors []string `json:"errors"`
}

func printJSON(w io.Writer, report sources.Report) error {
	out := jsonReport{Report: report, Errors: make([]string, 0, len(report.Unmatched))}

	for _, f := range report.Unmatched {
		out.Errors = append(out.Errors, f.Err.Error())
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	return nil
}

// printReport prints the audit in a human readable layout.
func printReport(w io.Writer, srcs []sources.Source, report sources.Report) {
	rule := strings.Repeat("=", 80)

	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "CORRECTIONS (%d/%d)\n", report.Count(), len(srcs))
	fmt.Fprintln(w, rule)

	if report.Count() == 0 {
		fmt.Fprintln(w, "  Nothing to correct.")
	}

	for _, c := range report.Corrections {
		fmt.Fprintf(w, "\n  %s [%s]\n", label(srcs, c.Index), c.Rule)
		fmt.Fprintf(w, "    - %s\n", c.Old)
		fmt.Fprintf(w, "    + %s\n", c.New)
	}

	if len(report.Unmatched) > 0 {
		fmt.Fprintln(w, "\n"+strings.Repeat("-", 80))
		fmt.Fprintf(w, "LEFT UNCHANGED (%d)\n", len(report.Unmatched))
		fmt.Fprintln(w, strings.Repeat("-", 80))

		for _, f := range report.Unmatched {
			fmt.Fprintf(w, "\n  %s\n", label(srcs, f.Index))
			fmt.Fprintf(w, "    url:    %s\n", f.URL)
			fmt.Fprintf(w, "    reason: %v\n", f.Err)
		}
	}

	fmt.Fprintln(w, "\n"+rule)
	fmt.Fprintln(w, "SUMMARY")
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "  Sources:               %d\n", len(srcs))
	fmt.Fprintf(w, "  URLs corrected:        %d\n", report.Count())
	fmt.Fprintf(w, "  Left unchanged:        %d\n", len(report.Unmatched))
	fmt.Fprintf(w, "  Country codes changed: %d\n", report.CountryCodes)
	fmt.Fprintln(w, rule)
}

func label(srcs []sources.Source, index int) string {
	if index < 0 || index >= len(srcs) {
		return fmt.Sprintf("#%d", index)
	}

	src := srcs[index]
	if src.Name == "" {
		return src.ID
	}

	return fmt.Sprintf("%s (%s)", src.Name, src.ID)
}
