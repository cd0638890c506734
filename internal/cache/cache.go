// Package cache keeps one connection per test identifier for the lifetime
// of a harness.
//
// A proxied entry hands out its single connection on every hit. An entry
// without the proxy keeps its strategy and draws a fresh connection from it
// on each hit, so a test that closes its connection gets a live one next
// time.
//
// Construction is serialized per identifier: concurrent callers asking for
// the same identifier wait for a single construction, while callers for
// different identifiers never contend. Reads of an already-built entry take
// no lock. Entries are never evicted; Shutdown releases everything at once.
package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/roach88/vdbtest/internal/conn"
	"github.com/roach88/vdbtest/internal/datasource"
	"github.com/roach88/vdbtest/internal/errs"
	"github.com/roach88/vdbtest/internal/metrics"
	"github.com/roach88/vdbtest/internal/strategy"
)

// ErrClosed is the cause reported for creations attempted after Shutdown.
var ErrClosed = errors.New("connection cache is shut down")

// Entry is a built plain connection and the strategy that owns it.
type Entry struct {
	Strategy strategy.Strategy
	Conn     conn.Conn
}

// XAEntry is a built XA connection and the strategy that owns it.
type XAEntry struct {
	Strategy strategy.Strategy
	Conn     conn.XAConn
}

// Factory builds the plain entry for a data source.
type Factory func(ctx context.Context, d datasource.Descriptor) (Entry, error)

// XAFactory builds the XA entry for a data source.
type XAFactory func(ctx context.Context, d datasource.Descriptor) (XAEntry, error)

// Record holds everything cached for one identifier.
type Record struct {
	Identifier string
	Descriptor datasource.Descriptor

	// mu serializes construction for this identifier only.
	mu    sync.Mutex
	plain atomic.Pointer[Entry]
	xa    atomic.Pointer[XAEntry]
}

// Plain returns the plain entry, if built.
func (r *Record) Plain() (Entry, bool) {
	if e := r.plain.Load(); e != nil {
		return *e, true
	}
	return Entry{}, false
}

// XA returns the XA entry, if built.
func (r *Record) XA() (XAEntry, bool) {
	if e := r.xa.Load(); e != nil {
		return *e, true
	}
	return XAEntry{}, false
}

// Cache maps identifiers to connection records.
type Cache struct {
	registry datasource.Registry
	logger   *slog.Logger
	metrics  metrics.Collector

	records sync.Map // string -> *Record
	closed  atomic.Bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Collector) Option {
	return func(c *Cache) { c.metrics = m }
}

// New creates a cache whose identifiers are resolved through registry.
func New(registry datasource.Registry, opts ...Option) *Cache {
	c := &Cache{
		registry: registry,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics:  metrics.Noop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the plain connection stored when id was built.
func (c *Cache) Get(id string) (conn.Conn, bool) {
	rec, ok := c.Record(id)
	if !ok {
		return nil, false
	}
	e, ok := rec.Plain()
	if !ok {
		return nil, false
	}
	c.metrics.IncCacheHit(id, metrics.KindPlain)
	return e.Conn, true
}

// GetXA returns the XA connection stored when id was built.
func (c *Cache) GetXA(id string) (conn.XAConn, bool) {
	rec, ok := c.Record(id)
	if !ok {
		return nil, false
	}
	e, ok := rec.XA()
	if !ok {
		return nil, false
	}
	c.metrics.IncCacheHit(id, metrics.KindXA)
	return e.Conn, true
}

// Record returns the record for id, if one exists.
func (c *Cache) Record(id string) (*Record, bool) {
	v, ok := c.records.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Record), true
}

// Identifiers returns the identifiers with a record, sorted.
func (c *Cache) Identifiers() []string {
	var ids []string
	c.records.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	slices.Sort(ids)
	return ids
}

// GetOrCreate returns the cached plain connection for id, building it with
// factory if absent. A failed build is not cached.
func (c *Cache) GetOrCreate(ctx context.Context, id string, factory Factory) (conn.Conn, error) {
	if rec, ok := c.Record(id); ok {
		if e, ok := rec.Plain(); ok {
			c.metrics.IncCacheHit(id, metrics.KindPlain)
			return c.plainConn(ctx, id, e)
		}
	}
	rec, err := c.recordFor(id)
	if err != nil {
		return nil, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if e, ok := rec.Plain(); ok {
		c.metrics.IncCacheHit(id, metrics.KindPlain)
		return c.plainConn(ctx, id, e)
	}
	if c.closed.Load() {
		return nil, errs.ConnectionUnavailable(id, ErrClosed)
	}

	e, err := factory(ctx, rec.Descriptor)
	if err != nil {
		c.metrics.IncConnectionFailure(id, metrics.KindPlain)
		return nil, categorize(id, err)
	}
	rec.plain.Store(&e)
	c.metrics.IncConnectionBuilt(id, metrics.KindPlain)
	c.logger.Debug("connection built", "identifier", id, "proxied", e.Strategy.UseProxy())
	return e.Conn, nil
}

// GetOrCreateXA is GetOrCreate for the XA path. The plain and XA entries
// of an identifier are built independently.
func (c *Cache) GetOrCreateXA(ctx context.Context, id string, factory XAFactory) (conn.XAConn, error) {
	if rec, ok := c.Record(id); ok {
		if e, ok := rec.XA(); ok {
			c.metrics.IncCacheHit(id, metrics.KindXA)
			return c.xaConn(ctx, id, e)
		}
	}
	rec, err := c.recordFor(id)
	if err != nil {
		return nil, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if e, ok := rec.XA(); ok {
		c.metrics.IncCacheHit(id, metrics.KindXA)
		return c.xaConn(ctx, id, e)
	}
	if c.closed.Load() {
		return nil, errs.ConnectionUnavailable(id, ErrClosed)
	}

	e, err := factory(ctx, rec.Descriptor)
	if err != nil {
		c.metrics.IncConnectionFailure(id, metrics.KindXA)
		return nil, categorize(id, err)
	}
	rec.xa.Store(&e)
	c.metrics.IncConnectionBuilt(id, metrics.KindXA)
	c.logger.Debug("xa connection built", "identifier", id, "proxied", e.Strategy.UseProxy())
	return e.Conn, nil
}

// plainConn returns the connection a hit on e hands out.
func (c *Cache) plainConn(ctx context.Context, id string, e Entry) (conn.Conn, error) {
	if e.Strategy == nil || e.Strategy.UseProxy() {
		return e.Conn, nil
	}
	cn, err := e.Strategy.Connection(ctx)
	if err != nil {
		return nil, categorize(id, err)
	}
	return cn, nil
}

func (c *Cache) xaConn(ctx context.Context, id string, e XAEntry) (conn.XAConn, error) {
	if e.Strategy == nil || e.Strategy.UseProxy() {
		return e.Conn, nil
	}
	cn, ok, err := e.Strategy.XAConnection(ctx)
	if err != nil {
		return nil, categorize(id, err)
	}
	if !ok {
		return e.Conn, nil
	}
	return cn, nil
}

// recordFor returns the record for id, creating an empty one if the
// registry knows the identifier.
func (c *Cache) recordFor(id string) (*Record, error) {
	if rec, ok := c.Record(id); ok {
		return rec, nil
	}
	if c.closed.Load() {
		return nil, errs.ConnectionUnavailable(id, ErrClosed)
	}
	d, ok := c.registry.Lookup(id)
	if !ok {
		return nil, errs.UnknownIdentifier(id)
	}
	v, _ := c.records.LoadOrStore(id, &Record{Identifier: id, Descriptor: d})
	return v.(*Record), nil
}

// Shutdown shuts down every cached strategy and clears the cache. Each
// identifier's failures are reported as errs.ErrShutdownFailure, joined.
// Calls after the first return nil.
func (c *Cache) Shutdown() error {
	if c.closed.Swap(true) {
		return nil
	}

	var errList []error
	for _, id := range c.Identifiers() {
		rec, _ := c.Record(id)
		if err := c.shutdownRecord(rec); err != nil {
			c.logger.Error("shutdown failed", "identifier", id, "error", err)
			errList = append(errList, errs.ShutdownFailure(id, err))
		}
		c.records.Delete(id)
	}
	return errors.Join(errList...)
}

func (c *Cache) shutdownRecord(rec *Record) error {
	// Wait for an in-flight construction so its strategy is not leaked.
	rec.mu.Lock()
	defer rec.mu.Unlock()

	var errList []error
	var plain strategy.Strategy
	if e := rec.plain.Swap(nil); e != nil && e.Strategy != nil {
		plain = e.Strategy
		if err := plain.Shutdown(); err != nil {
			errList = append(errList, err)
		}
	}
	if e := rec.xa.Swap(nil); e != nil && e.Strategy != nil && e.Strategy != plain {
		if err := e.Strategy.Shutdown(); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// categorize keeps categorized failures as they are and reports anything
// else as an unavailable connection.
func categorize(id string, err error) error {
	if errs.CodeOf(err) != "" {
		return err
	}
	return errs.ConnectionUnavailable(id, err)
}
