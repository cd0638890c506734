// Package datasource holds the catalog of configured data sources.
//
// The catalog plays two roles. As a Registry it maps a test identifier to
// the data source used to build that identifier's connections. As a
// Resolver it answers the binding configurator's question "which external
// source backs this model?" by name. The catalog is an explicit object
// owned by the harness; there is no process-wide registry.
package datasource

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/vdbtest/internal/env"
)

// Strategy kinds a descriptor can request.
const (
	StrategyDriver = "driver"
	StrategyPooled = "pooled"
)

// Descriptor describes one data source.
type Descriptor struct {
	// Name is the unique data-source name. It doubles as the test
	// identifier and as the connector binding name.
	Name string `yaml:"name" json:"name"`

	// ConnectorType is the platform connector used when the source is bound to a model.
	ConnectorType string `yaml:"connector_type,omitempty" json:"connector_type,omitempty"`

	// Strategy selects how connections are built: "driver" (default) or "pooled".
	Strategy string `yaml:"strategy,omitempty" json:"strategy,omitempty"`

	// UseProxy keeps the connection open across Close calls issued by tests.
	UseProxy bool `yaml:"use_proxy,omitempty" json:"use_proxy,omitempty"`

	// Properties is the flat configuration bag (url, driver, admin.*, model overrides).
	Properties map[string]string `yaml:"properties,omitempty" json:"properties,omitempty"`

	// Source records where the descriptor was loaded from, for diagnostics.
	Source string `yaml:"-" json:"-"`
}

// Env returns the descriptor's properties as an immutable bag.
func (d Descriptor) Env() env.Properties {
	return env.New(d.Properties)
}

// StrategyKind returns the requested strategy, defaulting to driver.
func (d Descriptor) StrategyKind() string {
	if d.Strategy == "" {
		return StrategyDriver
	}
	return strings.ToLower(d.Strategy)
}

// XAStrategyKind returns the strategy for XA connections. XA connections
// come from a pool unless the descriptor explicitly asks for the driver,
// which has no two-phase commit.
func (d Descriptor) XAStrategyKind() string {
	if d.Strategy == "" {
		return StrategyPooled
	}
	return d.StrategyKind()
}

// BindingProperties returns the properties sent to the platform when the
// source is installed as a connector binding. Harness-only admin.* keys
// are excluded.
func (d Descriptor) BindingProperties() map[string]string {
	out := make(map[string]string, len(d.Properties))
	for k, v := range d.Properties {
		if strings.HasPrefix(k, "admin.") {
			continue
		}
		out[k] = v
	}
	return out
}

// Validate checks required fields.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("data source name is required")
	}
	switch d.StrategyKind() {
	case StrategyDriver, StrategyPooled:
	default:
		return fmt.Errorf("data source %q: unknown strategy %q", d.Name, d.Strategy)
	}
	return nil
}

// Registry maps identifiers to configured data sources.
type Registry interface {
	Lookup(identifier string) (Descriptor, bool)
}

// Resolver finds the data source to bind to a model.
//
// lookupKey is the name to resolve (the model's override mapping or the
// model name itself); modelName is passed for diagnostics.
type Resolver interface {
	Resolve(ctx context.Context, lookupKey, modelName string) (Descriptor, bool, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, lookupKey, modelName string) (Descriptor, bool, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(ctx context.Context, lookupKey, modelName string) (Descriptor, bool, error) {
	return f(ctx, lookupKey, modelName)
}

// Catalog is a thread-safe set of descriptors keyed by name.
type Catalog struct {
	mu     sync.RWMutex
	byName map[string]Descriptor
}

// NewCatalog creates a catalog holding ds. Duplicate names are rejected.
func NewCatalog(ds ...Descriptor) (*Catalog, error) {
	c := &Catalog{byName: make(map[string]Descriptor, len(ds))}
	for _, d := range ds {
		if err := c.Add(d); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Add validates and inserts d.
func (c *Catalog) Add(d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.byName[d.Name]; ok {
		return fmt.Errorf("data source %q defined twice (%s, %s)", d.Name, sourceOf(prev), sourceOf(d))
	}
	d.Properties = maps.Clone(d.Properties)
	c.byName[d.Name] = d
	return nil
}

// Lookup implements Registry.
func (c *Catalog) Lookup(identifier string) (Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.byName[identifier]
	if !ok {
		return Descriptor{}, false
	}
	d.Properties = maps.Clone(d.Properties)
	return d, true
}

// Resolve implements Resolver by name lookup.
func (c *Catalog) Resolve(_ context.Context, lookupKey, _ string) (Descriptor, bool, error) {
	d, ok := c.Lookup(lookupKey)
	return d, ok, nil
}

// Names returns the catalog's names in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.byName))
}

// Len returns the number of descriptors.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byName)
}

func sourceOf(d Descriptor) string {
	if d.Source == "" {
		return "inline"
	}
	return d.Source
}

var (
	_ Registry = (*Catalog)(nil)
	_ Resolver = (*Catalog)(nil)
)
