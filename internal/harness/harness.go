package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/roach88/vdbtest/internal/binding"
	"github.com/roach88/vdbtest/internal/cache"
	"github.com/roach88/vdbtest/internal/config"
	"github.com/roach88/vdbtest/internal/conn"
	"github.com/roach88/vdbtest/internal/datasource"
	"github.com/roach88/vdbtest/internal/errs"
	"github.com/roach88/vdbtest/internal/metrics"
	"github.com/roach88/vdbtest/internal/strategy"
)

// errXAUnsupported marks an XA build whose strategy cannot do two-phase
// commit, such as a descriptor pinned to the driver strategy. XAConnection
// turns it into ok == false.
var errXAUnsupported = errors.New("xa not supported")

// Option configures a Harness.
type Option func(*Harness)

// WithLogger sets the logger shared by the cache, strategies and
// provisioning runs.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Collector) Option {
	return func(h *Harness) { h.metrics = m }
}

// WithSleeper replaces the timer behind the settle wait.
func WithSleeper(s binding.Sleeper) Option {
	return func(h *Harness) { h.sleeper = s }
}

// WithRunIDGenerator replaces the UUIDv7 provisioning run IDs.
func WithRunIDGenerator(g binding.RunIDGenerator) Option {
	return func(h *Harness) { h.ids = g }
}

// WithMatchPolicy replaces binding.LastMatchWins.
func WithMatchPolicy(p binding.MatchPolicy) Option {
	return func(h *Harness) { h.policy = p }
}

// WithResolver replaces the catalog as the source of connector bindings.
func WithResolver(r datasource.Resolver) Option {
	return func(h *Harness) { h.resolver = r }
}

// WithStrategyOptions appends options to every strategy the harness builds.
func WithStrategyOptions(opts ...strategy.Option) Option {
	return func(h *Harness) { h.strategyOpts = append(h.strategyOpts, opts...) }
}

type provisionState struct {
	outcome ProvisionOutcome
	report  *binding.Report
}

// Harness hands out cached connections and provisions the platform behind
// them. All methods are safe for concurrent use.
type Harness struct {
	cfg      *config.Config
	catalog  *datasource.Catalog
	cache    *cache.Cache
	resolver datasource.Resolver

	logger       *slog.Logger
	metrics      metrics.Collector
	sleeper      binding.Sleeper
	ids          binding.RunIDGenerator
	policy       binding.MatchPolicy
	strategyOpts []strategy.Option

	mu          sync.Mutex
	provisioned map[string]provisionState
}

// New builds the catalog described by cfg and a harness over it. A nil
// cfg is an empty configuration.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Harness, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	catalog, err := cfg.BuildCatalog(ctx)
	if err != nil {
		return nil, fmt.Errorf("build catalog: %w", err)
	}

	h := &Harness{
		cfg:         cfg,
		catalog:     catalog,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics:     metrics.Noop(),
		provisioned: make(map[string]provisionState),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.resolver == nil {
		h.resolver = catalog
	}
	h.cache = cache.New(catalog, cache.WithLogger(h.logger), cache.WithMetrics(h.metrics))
	return h, nil
}

// Open loads the configuration at path and builds a harness over it.
func Open(ctx context.Context, path string, opts ...Option) (*Harness, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg, opts...)
}

// Catalog returns the data sources the harness knows.
func (h *Harness) Catalog() *datasource.Catalog {
	return h.catalog
}

// Connection returns the cached connection for id, building and
// provisioning it on first use.
func (h *Harness) Connection(ctx context.Context, id string) (conn.Conn, error) {
	return h.cache.GetOrCreate(ctx, id, h.buildPlain)
}

// XAConnection returns the cached XA connection for id. ok is false when
// the data source cannot hand out XA connections.
func (h *Harness) XAConnection(ctx context.Context, id string) (c conn.XAConn, ok bool, err error) {
	c, err = h.cache.GetOrCreateXA(ctx, id, h.buildXA)
	if errors.Is(err, errXAUnsupported) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// Provision makes sure id is connected and provisioned and returns the
// provisioning report. The report is nil when provisioning was skipped.
func (h *Harness) Provision(ctx context.Context, id string) (*binding.Report, error) {
	if _, err := h.Connection(ctx, id); err != nil {
		return nil, err
	}
	report, _ := h.Report(id)
	return report, nil
}

// Report returns the report of the successful provisioning run for id.
func (h *Harness) Report(id string) (*binding.Report, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.provisioned[id]
	if !ok || st.report == nil {
		return nil, false
	}
	return st.report, true
}

// Status describes id.
func (h *Harness) Status(id string) (Status, error) {
	d, ok := h.catalog.Lookup(id)
	if !ok {
		return Status{}, errs.UnknownIdentifier(id)
	}
	s := Status{
		Identifier:   id,
		Strategy:     d.StrategyKind(),
		UseProxy:     d.UseProxy,
		Provisioning: ProvisionPending,
	}
	if rec, ok := h.cache.Record(id); ok {
		_, s.Connected = rec.Plain()
		_, s.XAConnected = rec.XA()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.provisioned[id]; ok {
		s.Provisioning = st.outcome
		s.Report = st.report
	}
	return s, nil
}

// Shutdown releases every cached connection. Later calls return nil and
// later acquisitions fail.
func (h *Harness) Shutdown() error {
	return h.cache.Shutdown()
}

func (h *Harness) buildPlain(ctx context.Context, d datasource.Descriptor) (cache.Entry, error) {
	s, err := h.newStrategy(d, d.StrategyKind())
	if err != nil {
		return cache.Entry{}, err
	}
	c, err := s.Connection(ctx)
	if err != nil {
		return cache.Entry{}, h.abandon(d.Name, s, err)
	}
	if err := h.ensureProvisioned(ctx, d.Name, s); err != nil {
		return cache.Entry{}, h.abandon(d.Name, s, err)
	}
	return cache.Entry{Strategy: s, Conn: c}, nil
}

func (h *Harness) buildXA(ctx context.Context, d datasource.Descriptor) (cache.XAEntry, error) {
	s, err := h.newStrategy(d, d.XAStrategyKind())
	if err != nil {
		return cache.XAEntry{}, err
	}
	c, ok, err := s.XAConnection(ctx)
	if err != nil {
		return cache.XAEntry{}, h.abandon(d.Name, s, err)
	}
	if !ok {
		return cache.XAEntry{}, h.abandon(d.Name, s, errXAUnsupported)
	}
	if err := h.ensureProvisioned(ctx, d.Name, s); err != nil {
		return cache.XAEntry{}, h.abandon(d.Name, s, err)
	}
	return cache.XAEntry{Strategy: s, Conn: c}, nil
}

func (h *Harness) newStrategy(d datasource.Descriptor, kind string) (strategy.Strategy, error) {
	opts := append([]strategy.Option{
		strategy.WithIdentifier(d.Name),
		strategy.WithLogger(h.logger),
	}, h.strategyOpts...)
	s, err := strategy.New(kind, d.Env(), opts...)
	if err != nil {
		return nil, err
	}
	s.SetUseProxy(d.UseProxy)
	return s, nil
}

// abandon shuts down a strategy whose build failed and returns err.
func (h *Harness) abandon(id string, s strategy.Strategy, err error) error {
	if serr := s.Shutdown(); serr != nil {
		h.logger.Warn("release after failed build", "identifier", id, "error", serr)
	}
	return err
}

// ensureProvisioned provisions id once. Builds of the same identifier are
// serialized by the cache, so the check and the run do not race.
func (h *Harness) ensureProvisioned(ctx context.Context, id string, s strategy.Strategy) error {
	h.mu.Lock()
	_, done := h.provisioned[id]
	h.mu.Unlock()
	if done {
		return nil
	}

	st, err := h.provision(ctx, id, s)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.provisioned[id] = st
	h.mu.Unlock()
	return nil
}

func (h *Harness) provision(ctx context.Context, id string, s strategy.Strategy) (provisionState, error) {
	log := h.logger.With("identifier", id)
	if h.cfg.Provisioning.Disabled {
		log.Debug("provisioning disabled, no vdb setup will be performed")
		h.metrics.ObserveProvisioning(metrics.OutcomeSkipped, 0)
		return provisionState{outcome: ProvisionDisabled}, nil
	}

	api, ok, err := s.AdminConnection(ctx)
	if err != nil {
		return provisionState{}, err
	}
	if !ok {
		log.Info("connection has no admin support, no vdb setup will be performed")
		h.metrics.ObserveProvisioning(metrics.OutcomeSkipped, 0)
		return provisionState{outcome: ProvisionNoAdmin}, nil
	}

	report, err := binding.New(api, s.Environment(), h.resolver, h.bindingOptions(id)...).Provision(ctx)
	if err != nil {
		return provisionState{}, err
	}
	return provisionState{outcome: ProvisionReady, report: report}, nil
}

func (h *Harness) bindingOptions(id string) []binding.Option {
	opts := []binding.Option{
		binding.WithIdentifier(id),
		binding.WithLogger(h.logger),
		binding.WithMetrics(h.metrics),
		binding.WithSettleInterval(h.cfg.Provisioning.Settle()),
	}
	if h.sleeper != nil {
		opts = append(opts, binding.WithSleeper(h.sleeper))
	}
	if h.ids != nil {
		opts = append(opts, binding.WithRunIDGenerator(h.ids))
	}
	if h.policy != nil {
		opts = append(opts, binding.WithMatchPolicy(h.policy))
	}
	return opts
}
