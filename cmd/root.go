// Package cmd defines the statementcrawler CLI.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/statement-crawler/internal/orchestrator"
)

// exitError carries a non-zero exit code out of a command without printing.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

type rootOptions struct {
	configPath string
	envFiles   []string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "statementcrawler",
		Short: "Scrapes financial-statement tables for ticker symbols.",
		Long: `statementcrawler fetches income statement, balance sheet and cash flow
pages for a list of ticker symbols through a bounded worker pool, rotating
validated proxies and retrying transient failures, and emits one
(symbol, page type, year, field, value) record per table cell.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "dotenv files loaded before reading the environment")

	cmd.AddCommand(newScrapeCmd(opts))
	return cmd
}

// Execute runs the CLI with os.Args and returns the process exit code.
func Execute() int {
	return execute(context.Background(), os.Args[1:], os.Stderr)
}

func execute(ctx context.Context, args []string, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return orchestrator.ExitOK
	}
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	fmt.Fprintf(stderr, "statementcrawler: %v\n", err)
	return orchestrator.ExitStartup
}
