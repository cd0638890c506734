package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/vdbtest/internal/conn"
	"github.com/roach88/vdbtest/internal/harness"
)

var errNoXA = errors.New("data source does not support xa connections")

// PingStatus is the outcome for one identifier.
type PingStatus struct {
	Identifier string `json:"identifier"`
	OK         bool   `json:"ok"`
	Elapsed    string `json:"elapsed"`
	Code       string `json:"code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// PingResult holds the outcome for every requested identifier.
type PingResult struct {
	Results []PingStatus `json:"results"`
}

// PingOptions holds ping-specific flags.
type PingOptions struct {
	XA      bool
	Timeout time.Duration
}

// NewPingCommand creates the ping command.
func NewPingCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PingOptions{}

	cmd := &cobra.Command{
		Use:   "ping <config> <identifier>...",
		Short: "Acquire and ping connections",
		Long: `Acquire a connection for each identifier and ping it.

Acquiring a connection to a platform data source provisions its virtual
database first, exactly as a test would.`,
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPing(rootOpts, opts, args[0], args[1:], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.XA, "xa", false, "acquire XA connections instead of plain ones")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "per-identifier timeout, including provisioning (0 = none)")

	return cmd
}

func runPing(rootOpts *RootOptions, opts *PingOptions, path string, ids []string, cmd *cobra.Command) (err error) {
	formatter := newFormatter(rootOpts, cmd)
	h, err := openHarness(cmd.Context(), rootOpts, formatter, path)
	if err != nil {
		return err
	}
	defer closeHarness(h, formatter, &err)

	var result PingResult
	failed := 0
	for _, id := range ids {
		st := pingOne(cmd.Context(), h.Harness, opts, id)
		if !st.OK {
			failed++
		}
		result.Results = append(result.Results, st)
	}

	if formatter.Format == "json" {
		if failed == 0 {
			return formatter.Success(result)
		}
		first := firstFailure(result.Results)
		if err := json.NewEncoder(formatter.Writer).Encode(CLIResponse{
			Status: "error",
			Data:   result,
			Error:  &CLIError{Code: first.Code, Message: first.Error},
		}); err != nil {
			return err
		}
	} else {
		for _, st := range result.Results {
			if st.OK {
				formatter.Pass("%s (%s)", st.Identifier, st.Elapsed)
			} else {
				formatter.Fail("%s: %s", st.Identifier, st.Error)
			}
		}
	}

	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d connection(s) failed", failed, len(ids)))
	}
	return nil
}

func pingOne(ctx context.Context, h *harness.Harness, opts *PingOptions, id string) PingStatus {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := ping(ctx, h, opts.XA, id)
	st := PingStatus{Identifier: id, OK: err == nil, Elapsed: time.Since(start).Round(time.Millisecond).String()}
	if err != nil {
		st.Code = codeOf(err)
		st.Error = err.Error()
	}
	return st
}

func ping(ctx context.Context, h *harness.Harness, xa bool, id string) error {
	var c conn.Conn
	if xa {
		x, ok, err := h.XAConnection(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return errNoXA
		}
		c = x
	} else {
		var err error
		if c, err = h.Connection(ctx, id); err != nil {
			return err
		}
	}
	return c.PingContext(ctx)
}

func firstFailure(results []PingStatus) PingStatus {
	for _, st := range results {
		if !st.OK {
			return st
		}
	}
	return PingStatus{}
}
