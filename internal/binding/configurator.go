// Package binding provisions a deployed virtual database for testing.
//
// A Configurator finds the VDB named by a connection URL, installs a
// connector binding for each of its physical models, assigns and starts
// those bindings, then waits a fixed settle interval for the platform's
// connector runtime to come up. It performs no retries and no rollback:
// bindings installed before a failure stay installed.
package binding

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/vdbtest/internal/admin"
	"github.com/roach88/vdbtest/internal/datasource"
	"github.com/roach88/vdbtest/internal/env"
	"github.com/roach88/vdbtest/internal/errs"
	"github.com/roach88/vdbtest/internal/metrics"
	"github.com/roach88/vdbtest/internal/vdburl"
)

// DefaultSettleInterval is the wait after the last binding starts.
const DefaultSettleInterval = 5 * time.Second

// Sleeper blocks for a duration.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type timerSleeper struct{}

func (timerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RunIDGenerator names provisioning runs in logs and reports.
type RunIDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable run IDs.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// BindingDescriptor describes one installed connector binding.
type BindingDescriptor struct {
	Model         string            `json:"model"`
	LookupKey     string            `json:"lookup_key"`
	Binding       string            `json:"binding"`
	ConnectorType string            `json:"connector_type"`
	Properties    map[string]string `json:"properties,omitempty"`
}

// Report summarizes a provisioning run.
type Report struct {
	RunID    string              `json:"run_id"`
	State    State               `json:"-"`
	VDB      string              `json:"vdb,omitempty"`
	Version  int                 `json:"version,omitempty"`
	Bindings []BindingDescriptor `json:"bindings"`
	Settle   time.Duration       `json:"-"`
}

// Option configures a Configurator.
type Option func(*Configurator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Configurator) { c.logger = l }
}

// WithSettleInterval overrides DefaultSettleInterval. Zero disables the wait.
func WithSettleInterval(d time.Duration) Option {
	return func(c *Configurator) { c.settle = d }
}

// WithSleeper replaces the timer used for the settle wait.
func WithSleeper(s Sleeper) Option {
	return func(c *Configurator) { c.sleeper = s }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Collector) Option {
	return func(c *Configurator) { c.metrics = m }
}

// WithRunIDGenerator replaces the UUIDv7 run IDs.
func WithRunIDGenerator(g RunIDGenerator) Option {
	return func(c *Configurator) { c.ids = g }
}

// WithMatchPolicy replaces LastMatchWins.
func WithMatchPolicy(p MatchPolicy) Option {
	return func(c *Configurator) { c.policy = p }
}

// WithIdentifier names the data source being provisioned in errors and logs.
func WithIdentifier(id string) Option {
	return func(c *Configurator) { c.identifier = id }
}

// Configurator runs the provisioning state machine against one admin API.
// Provision must not be called concurrently on the same Configurator.
type Configurator struct {
	api        admin.API
	env        env.Properties
	resolver   datasource.Resolver
	identifier string

	logger  *slog.Logger
	settle  time.Duration
	sleeper Sleeper
	metrics metrics.Collector
	ids     RunIDGenerator
	policy  MatchPolicy

	mu    sync.Mutex
	state State
}

// New creates a configurator. props supplies the target URL and the
// per-model lookup overrides; resolver answers the lookups.
func New(api admin.API, props env.Properties, resolver datasource.Resolver, opts ...Option) *Configurator {
	c := &Configurator{
		api:      api,
		env:      props,
		resolver: resolver,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		settle:   DefaultSettleInterval,
		sleeper:  timerSleeper{},
		metrics:  metrics.Noop(),
		ids:      UUIDv7Generator{},
		policy:   LastMatchWins,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current state.
func (c *Configurator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Configurator) transition(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// Provision runs one provisioning pass. On failure the returned error is
// errs.ErrProvisioningFailure wrapping the cause, and the report lists the
// bindings installed before the failure.
func (c *Configurator) Provision(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{RunID: c.ids.Generate(), Settle: c.settle}
	log := c.logger.With("run_id", report.RunID)
	if c.identifier != "" {
		log = log.With("identifier", c.identifier)
	}
	c.transition(StateIdle)

	if err := c.run(ctx, log, report); err != nil {
		c.transition(StateFailed)
		report.State = StateFailed
		c.metrics.ObserveProvisioning(metrics.OutcomeFailed, time.Since(start))
		log.Error("provisioning failed", "error", err, "bindings_installed", len(report.Bindings))
		return report, errs.ProvisioningFailure(c.identifier, err)
	}

	c.transition(StateReady)
	report.State = StateReady
	c.metrics.ObserveProvisioning(metrics.OutcomeReady, time.Since(start))
	log.Info("provisioning complete", "vdb", report.VDB, "version", report.Version, "bindings", len(report.Bindings))
	return report, nil
}

func (c *Configurator) run(ctx context.Context, log *slog.Logger, report *Report) error {
	c.transition(StateDiscovering)
	vdbs, err := c.api.ListVDBs(ctx, "*")
	if err != nil {
		return fmt.Errorf("list vdbs: %w", err)
	}
	if len(vdbs) == 0 {
		return errs.NoVDBsDeployed()
	}

	c.transition(StateMatching)
	vdb, err := c.match(log, vdbs)
	if err != nil {
		return err
	}
	report.VDB = vdb.Name
	report.Version = vdb.Version

	c.transition(StateBinding)
	for _, model := range vdb.PhysicalModels() {
		bd, err := c.bind(ctx, log, vdb, model)
		if err != nil {
			return err
		}
		report.Bindings = append(report.Bindings, bd)
		c.metrics.IncBindingInstalled(vdb.Name)
	}

	c.transition(StateStabilizing)
	if c.settle > 0 {
		log.Info("waiting for bindings to settle", "interval", c.settle)
		if err := c.sleeper.Sleep(ctx, c.settle); err != nil {
			return fmt.Errorf("settle: %w", err)
		}
	}
	return nil
}

func (c *Configurator) match(log *slog.Logger, vdbs []admin.VDB) (admin.VDB, error) {
	raw := c.env.Value(env.KeyURL)
	target, err := vdburl.Parse(raw)
	if err != nil {
		return admin.VDB{}, fmt.Errorf("target url: %w", err)
	}
	log.Debug("matching vdb", "target", target.VDBName, "version", target.Version, "deployed", len(vdbs))

	found := candidates(vdbs, target)
	if len(found) == 0 {
		return admin.VDB{}, errs.VDBNotFound(target.VDBName)
	}
	vdb := c.policy(found)
	if len(found) > 1 {
		versions := make([]string, len(found))
		for i, v := range found {
			versions[i] = v.String()
		}
		log.Warn("several deployed vdbs match target, using policy choice",
			"target", target.VDBName, "candidates", strings.Join(versions, ","), "selected", vdb.String())
	}
	return vdb, nil
}

func (c *Configurator) bind(ctx context.Context, log *slog.Logger, vdb admin.VDB, model admin.Model) (BindingDescriptor, error) {
	lookupKey := model.Name
	if mapped := strings.TrimSpace(c.env.Value(model.Name)); mapped != "" {
		lookupKey = mapped
	}

	ds, ok, err := c.resolver.Resolve(ctx, lookupKey, model.Name)
	if err != nil {
		return BindingDescriptor{}, fmt.Errorf("resolve %s for model %s: %w", lookupKey, model.Name, err)
	}
	if !ok {
		return BindingDescriptor{}, errs.UnresolvedModelBinding(model.Name, lookupKey)
	}

	bd := BindingDescriptor{
		Model:         model.Name,
		LookupKey:     lookupKey,
		Binding:       ds.Name,
		ConnectorType: ds.ConnectorType,
		Properties:    ds.BindingProperties(),
	}
	log.Info("set up connector binding", "model", bd.Model, "mapping", bd.LookupKey, "type", bd.ConnectorType)

	opts := admin.Options{OnConflict: admin.OnConflictOverwrite, IgnoreDecryptErrors: true}
	if err := c.api.AddConnectorBinding(ctx, bd.Binding, bd.ConnectorType, bd.Properties, opts); err != nil {
		return BindingDescriptor{}, fmt.Errorf("add connector binding %s: %w", bd.Binding, err)
	}
	if err := c.api.AssignBindingToModel(ctx, bd.Binding, vdb.Name, vdb.Version, model.Name); err != nil {
		return BindingDescriptor{}, fmt.Errorf("assign %s to %s/%s: %w", bd.Binding, vdb, model.Name, err)
	}
	if err := c.api.StartConnectorBinding(ctx, bd.Binding); err != nil {
		return BindingDescriptor{}, fmt.Errorf("start connector binding %s: %w", bd.Binding, err)
	}
	return bd, nil
}
