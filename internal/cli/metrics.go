package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/vdbtest/internal/metrics"
)

const metricsPath = "/metrics"

// metricsServer serves the harness metrics of one command run.
type metricsServer struct {
	collector *metrics.PrometheusCollector
	server    *http.Server
	listener  net.Listener
}

func startMetricsServer(addr string, logger *slog.Logger) (*metricsServer, error) {
	reg := prometheus.NewRegistry()
	collector, err := metrics.NewPrometheusCollector(reg)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: time.Second,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	logger.Debug("serving metrics", "addr", ln.Addr().String(), "path", metricsPath)

	return &metricsServer{collector: collector, server: server, listener: ln}, nil
}

// URL returns the address scrapers use.
func (m *metricsServer) URL() string {
	return "http://" + m.listener.Addr().String() + metricsPath
}

func (m *metricsServer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.server.Shutdown(ctx)
}
