package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/vdbtest/internal/config"
	"github.com/roach88/vdbtest/internal/env"
)

// DataSourceSummary describes one catalog entry.
type DataSourceSummary struct {
	Name          string `json:"name"`
	Strategy      string `json:"strategy"`
	ConnectorType string `json:"connector_type,omitempty"`
	UseProxy      bool   `json:"use_proxy"`
	Admin         bool   `json:"admin"`
	Source        string `json:"source,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid          bool                `json:"valid"`
	Provisioning   bool                `json:"provisioning"`
	SettleInterval string              `json:"settle_interval"`
	DataSources    []DataSourceSummary `json:"data_sources"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config>",
		Short: "Validate a configuration and list its data sources",
		Long: `Validate a harness configuration without connecting to anything.

Expands environment references, checks the document against the schema,
loads every catalog source and reports the resulting data sources.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	cfg, err := config.Load(path)
	if err != nil {
		return outputValidateError(formatter, err)
	}
	catalog, err := cfg.BuildCatalog(cmd.Context())
	if err != nil {
		return outputValidateError(formatter, err)
	}

	result := ValidationResult{
		Valid:          true,
		Provisioning:   !cfg.Provisioning.Disabled,
		SettleInterval: cfg.Provisioning.Settle().String(),
	}
	for _, name := range catalog.Names() {
		d, _ := catalog.Lookup(name)
		formatter.VerboseLog("Data source %s from %s", name, d.Source)
		result.DataSources = append(result.DataSources, DataSourceSummary{
			Name:          d.Name,
			Strategy:      d.StrategyKind(),
			ConnectorType: d.ConnectorType,
			UseProxy:      d.UseProxy,
			Admin:         strings.TrimSpace(d.Env().Value(env.KeyAdminURL)) != "",
			Source:        d.Source,
		})
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	formatter.Pass("%s valid: %d data source(s)", path, len(result.DataSources))
	for _, ds := range result.DataSources {
		fmt.Fprintf(formatter.Writer, "  %s\n", describeDataSource(ds))
	}
	return nil
}

func describeDataSource(ds DataSourceSummary) string {
	parts := []string{ds.Name, ds.Strategy}
	if ds.ConnectorType != "" {
		parts = append(parts, "connector="+ds.ConnectorType)
	}
	if ds.UseProxy {
		parts = append(parts, "proxy")
	}
	if ds.Admin {
		parts = append(parts, "admin")
	}
	return strings.Join(parts, " ")
}

// outputValidateError reports an invalid configuration (exit code 2).
func outputValidateError(formatter *OutputFormatter, err error) error {
	if formatter.Format != "json" {
		formatter.Fail("Validation failed")
	}
	_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
	return WrapExitError(ExitCommandError, ErrCodeConfig, err)
}
