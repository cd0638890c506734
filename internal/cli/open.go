package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/vdbtest/internal/harness"
)

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}
}

// commandLogger sends debug logs to the diagnostic writer in verbose mode,
// as JSON lines when the output format is json.
func commandLogger(formatter *OutputFormatter) *slog.Logger {
	if !formatter.Verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	hopts := &slog.HandlerOptions{Level: slog.LevelDebug}
	if formatter.Format == "json" {
		return slog.New(slog.NewJSONHandler(formatter.GetErrWriter(), hopts))
	}
	return slog.New(slog.NewTextHandler(formatter.GetErrWriter(), hopts))
}

// session is a harness opened for one command, plus the metrics endpoint
// serving it when --metrics-addr is set.
type session struct {
	*harness.Harness
	metrics *metricsServer
}

// openHarness loads the configuration at path. Configuration errors are
// reported through formatter and returned as command errors.
func openHarness(ctx context.Context, opts *RootOptions, formatter *OutputFormatter, path string) (*session, error) {
	logger := commandLogger(formatter)
	hopts := []harness.Option{harness.WithLogger(logger)}

	s := &session{}
	if opts.MetricsAddr != "" {
		ms, err := startMetricsServer(opts.MetricsAddr, logger)
		if err != nil {
			_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
			return nil, WrapExitError(ExitCommandError, "metrics", err)
		}
		s.metrics = ms
		hopts = append(hopts, harness.WithMetrics(ms.collector))
		formatter.VerboseLog("Serving metrics at %s", ms.URL())
	}

	h, err := harness.Open(ctx, path, append(hopts, opts.HarnessOptions...)...)
	if err != nil {
		if s.metrics != nil {
			_ = s.metrics.Close()
		}
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "load configuration", err)
	}
	s.Harness = h
	formatter.VerboseLog("Loaded %d data source(s) from %s", h.Catalog().Len(), path)
	return s, nil
}

// closeHarness shuts the session down. A release failure is reported
// through formatter and joined into *cmdErr; it fails a command that
// otherwise succeeded.
func closeHarness(s *session, formatter *OutputFormatter, cmdErr *error) {
	if s.metrics != nil {
		if err := s.metrics.Close(); err != nil {
			formatter.VerboseLog("metrics server: %v", err)
		}
	}
	err := s.Shutdown()
	if err == nil {
		return
	}
	if formatter.Format == "json" {
		_ = formatter.Error(codeOf(err), err.Error(), nil)
	} else {
		formatter.Fail("shutdown: %v", err)
	}
	if *cmdErr == nil {
		*cmdErr = WrapExitError(ExitFailure, "shutdown", err)
		return
	}
	*cmdErr = errors.Join(*cmdErr, err)
}
