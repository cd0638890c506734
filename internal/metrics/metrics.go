// Package metrics records harness activity.
//
// Collector implementations are called inline on connection acquisition
// and during provisioning, so they must not block.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Connection kinds used as label values.
const (
	KindPlain = "plain"
	KindXA    = "xa"
)

// Provisioning outcomes used as label values.
const (
	OutcomeReady   = "ready"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// Collector captures harness events.
type Collector interface {
	IncConnectionBuilt(identifier, kind string)
	IncCacheHit(identifier, kind string)
	IncConnectionFailure(identifier, kind string)
	ObserveProvisioning(outcome string, elapsed time.Duration)
	IncBindingInstalled(vdb string)
}

type noopCollector struct{}

// Noop returns a collector that discards all events.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncConnectionBuilt(string, string)         {}
func (noopCollector) IncCacheHit(string, string)                {}
func (noopCollector) IncConnectionFailure(string, string)       {}
func (noopCollector) ObserveProvisioning(string, time.Duration) {}
func (noopCollector) IncBindingInstalled(string)                {}

// PrometheusCollector exposes harness events as Prometheus metrics.
type PrometheusCollector struct {
	built        *prometheus.CounterVec
	hits         *prometheus.CounterVec
	failures     *prometheus.CounterVec
	provisioning *prometheus.HistogramVec
	bindings     *prometheus.CounterVec
}

// NewPrometheusCollector registers the harness metrics with reg. Metrics
// already registered by an earlier collector on the same registerer are reused.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	built, err := registerCounterVec(reg, prometheus.CounterOpts{
		Name: "vdbtest_connections_built_total",
		Help: "Connections constructed per identifier and connection kind.",
	}, "identifier", "kind")
	if err != nil {
		return nil, err
	}
	hits, err := registerCounterVec(reg, prometheus.CounterOpts{
		Name: "vdbtest_connection_cache_hits_total",
		Help: "Connection requests served from the cache.",
	}, "identifier", "kind")
	if err != nil {
		return nil, err
	}
	failures, err := registerCounterVec(reg, prometheus.CounterOpts{
		Name: "vdbtest_connection_failures_total",
		Help: "Connection constructions that failed.",
	}, "identifier", "kind")
	if err != nil {
		return nil, err
	}
	bindings, err := registerCounterVec(reg, prometheus.CounterOpts{
		Name: "vdbtest_bindings_installed_total",
		Help: "Connector bindings installed, assigned and started per VDB.",
	}, "vdb")
	if err != nil {
		return nil, err
	}

	hist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vdbtest_provisioning_duration_seconds",
		Help:    "Duration of binding provisioning runs, including the settle interval.",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"outcome"})
	if err := reg.Register(hist); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, err
		}
		existing, ok := already.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			return nil, err
		}
		hist = existing
	}

	return &PrometheusCollector{
		built:        built,
		hits:         hits,
		failures:     failures,
		provisioning: hist,
		bindings:     bindings,
	}, nil
}

func registerCounterVec(reg prometheus.Registerer, opts prometheus.CounterOpts, labels ...string) (*prometheus.CounterVec, error) {
	counter := prometheus.NewCounterVec(opts, labels)
	if err := reg.Register(counter); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, err
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, err
		}
		return existing, nil
	}
	return counter, nil
}

// IncConnectionBuilt implements Collector.
func (p *PrometheusCollector) IncConnectionBuilt(identifier, kind string) {
	p.built.WithLabelValues(identifier, kind).Inc()
}

// IncCacheHit implements Collector.
func (p *PrometheusCollector) IncCacheHit(identifier, kind string) {
	p.hits.WithLabelValues(identifier, kind).Inc()
}

// IncConnectionFailure implements Collector.
func (p *PrometheusCollector) IncConnectionFailure(identifier, kind string) {
	p.failures.WithLabelValues(identifier, kind).Inc()
}

// ObserveProvisioning implements Collector.
func (p *PrometheusCollector) ObserveProvisioning(outcome string, elapsed time.Duration) {
	p.provisioning.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// IncBindingInstalled implements Collector.
func (p *PrometheusCollector) IncBindingInstalled(vdb string) {
	p.bindings.WithLabelValues(vdb).Inc()
}
