package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/vdbtest/internal/binding"
	"github.com/roach88/vdbtest/internal/errs"
	"github.com/roach88/vdbtest/internal/harness"
)

// ProvisionResult is the outcome of the provision command.
type ProvisionResult struct {
	Identifier string                   `json:"identifier"`
	Outcome    harness.ProvisionOutcome `json:"outcome"`
	Report     *binding.Report          `json:"report,omitempty"`
}

// NewProvisionCommand creates the provision command.
func NewProvisionCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provision <config> <identifier>",
		Short: "Provision the virtual database behind a data source",
		Long: `Connect to a data source and install, assign and start a connector
binding for every physical model of its virtual database.

Bindings installed before a failure are left in place.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProvision(rootOpts, args[0], args[1], cmd)
		},
	}

	return cmd
}

func runProvision(opts *RootOptions, path, id string, cmd *cobra.Command) (err error) {
	formatter := newFormatter(opts, cmd)
	h, err := openHarness(cmd.Context(), opts, formatter, path)
	if err != nil {
		return err
	}
	defer closeHarness(h, formatter, &err)

	report, err := h.Provision(cmd.Context(), id)
	if err != nil {
		_ = formatter.Error(codeOf(err), err.Error(), nil)
		code := ExitFailure
		if errs.IsUnknownIdentifier(err) {
			code = ExitCommandError
		}
		return WrapExitError(code, "provision "+id, err)
	}

	st, err := h.Status(id)
	if err != nil {
		return WrapExitError(ExitCommandError, "status "+id, err)
	}
	result := ProvisionResult{Identifier: id, Outcome: st.Provisioning, Report: report}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	if report == nil {
		formatter.Skip("%s: provisioning skipped (%s)", id, result.Outcome)
		return nil
	}
	formatter.Pass("%s: provisioned %s.%d (run %s)", id, report.VDB, report.Version, report.RunID)
	for _, b := range report.Bindings {
		fmt.Fprintf(formatter.Writer, "  %s -> %s (%s)\n", b.Model, b.Binding, b.ConnectorType)
	}
	return nil
}
