package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/vdbtest/internal/harness"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	// MetricsAddr, when set, serves Prometheus metrics for the run.
	MetricsAddr string

	// HarnessOptions are appended when commands open a harness. Not a flag.
	HarnessOptions []harness.Option
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the vdbtest CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "vdbtest",
		Short: "vdbtest - connections and bindings for VDB integration tests",
		Long: `Hands out test connections to a data-virtualization platform and
provisions the connector bindings of the virtual database behind them.`,
		SilenceErrors: true, // main reports the returned error
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics at this address while the command runs")

	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewPingCommand(opts))
	cmd.AddCommand(NewProvisionCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
