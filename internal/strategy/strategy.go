// Package strategy builds the connections a test identifier hands out.
//
// A Strategy owns everything it creates: connections, pools and the admin
// handle. Tests may close the connections they receive, but only Shutdown
// releases the underlying resources. Two variants exist:
//
//   - Driver opens connections through a database/sql driver (sqlite3, pgx).
//   - Pooled draws connections from a pgx pool and supports two-phase commit.
package strategy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/roach88/vdbtest/internal/admin"
	"github.com/roach88/vdbtest/internal/conn"
	"github.com/roach88/vdbtest/internal/datasource"
	"github.com/roach88/vdbtest/internal/env"
	"github.com/roach88/vdbtest/internal/errs"
)

// ErrClosed is the cause reported for calls made after Shutdown.
var ErrClosed = errors.New("strategy is shut down")

// Strategy produces connections for one data source.
type Strategy interface {
	// Connection returns a live connection. Failures are
	// errs.ErrConnectionUnavailable.
	Connection(ctx context.Context) (conn.Conn, error)

	// AdminConnection returns the admin control plane handle. ok is false
	// when the source has no admin support.
	AdminConnection(ctx context.Context) (api admin.API, ok bool, err error)

	// XAConnection returns a two-phase-commit capable connection. ok is
	// false when the variant does not support it.
	XAConnection(ctx context.Context) (c conn.XAConn, ok bool, err error)

	UseProxy() bool
	SetUseProxy(useProxy bool)

	// AutoCommit reports the autocommit mode requested by the environment.
	AutoCommit() bool

	// Environment returns a snapshot of the strategy's properties.
	Environment() env.Properties
	SetEnvironmentProperty(key, value string)

	// Shutdown releases every resource the strategy created. It is
	// idempotent and reports all release failures joined.
	Shutdown() error
}

// AdminFactory builds an admin handle from a strategy's properties.
type AdminFactory func(props env.Properties) (admin.API, error)

// DBOpener opens a database/sql handle. sql.Open is the default.
type DBOpener func(driverName, dsn string) (*sql.DB, error)

// PoolOpener opens a pooled database/sql handle. release frees the pool
// after the handle is closed.
type PoolOpener func(ctx context.Context, props env.Properties) (db *sql.DB, release func(), err error)

type options struct {
	identifier   string
	logger       *slog.Logger
	adminFactory AdminFactory
	openDB       DBOpener
	openPool     PoolOpener
}

// Option configures a strategy.
type Option func(*options)

// WithIdentifier names the data source in errors and logs.
func WithIdentifier(id string) Option {
	return func(o *options) { o.identifier = id }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithAdminFactory replaces the HTTP admin client.
func WithAdminFactory(f AdminFactory) Option {
	return func(o *options) { o.adminFactory = f }
}

// WithDBOpener replaces sql.Open for the driver variant.
func WithDBOpener(f DBOpener) Option {
	return func(o *options) { o.openDB = f }
}

// WithPoolOpener replaces the pgx pool for the pooled variant.
func WithPoolOpener(f PoolOpener) Option {
	return func(o *options) { o.openPool = f }
}

func buildOptions(opts []Option) options {
	o := options{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		adminFactory: func(props env.Properties) (admin.API, error) {
			return admin.NewClientFromProperties(props)
		},
		openDB:   sql.Open,
		openPool: openPgxPool,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New creates the strategy variant named by kind ("driver" or "pooled").
func New(kind string, props env.Properties, opts ...Option) (Strategy, error) {
	switch strings.ToLower(kind) {
	case "", datasource.StrategyDriver:
		return NewDriver(props, opts...), nil
	case datasource.StrategyPooled:
		return NewPooled(props, opts...), nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", kind)
	}
}

// base holds the state shared by both variants. Callers hold mu for
// every access.
type base struct {
	mu           sync.Mutex
	id           string
	logger       *slog.Logger
	env          env.Properties
	useProxy     bool
	adminFactory AdminFactory
	admin        admin.API
	closed       bool

	// conns are the real connections handed out, closed on shutdown.
	conns []*sql.Conn
}

func (b *base) init(props env.Properties, o options) {
	b.id = o.identifier
	b.logger = o.logger.With("identifier", o.identifier)
	b.env = env.New(props.Map())
	b.adminFactory = o.adminFactory
}

func (b *base) UseProxy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.useProxy
}

func (b *base) SetUseProxy(useProxy bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.useProxy = useProxy
}

func (b *base) AutoCommit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.env.Bool(env.KeyAutoCommit, true)
}

func (b *base) Environment() env.Properties {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.env
}

func (b *base) SetEnvironmentProperty(key, value string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.env = b.env.With(key, value)
}

func (b *base) AdminConnection(_ context.Context) (admin.API, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, false, errs.ConnectionUnavailable(b.id, ErrClosed)
	}
	if strings.TrimSpace(b.env.Value(env.KeyAdminURL)) == "" {
		return nil, false, nil
	}
	if b.admin == nil {
		api, err := b.adminFactory(b.env)
		if err != nil {
			return nil, false, errs.ConnectionUnavailable(b.id, fmt.Errorf("admin: %w", err))
		}
		b.admin = api
	}
	return b.admin, true, nil
}

// track records c for shutdown. Callers hold mu.
func (b *base) track(c *sql.Conn) {
	b.conns = append(b.conns, c)
}

// closeConns closes every tracked connection. Connections the test
// already closed report sql.ErrConnDone, which is not a failure.
func (b *base) closeConns() error {
	var errList []error
	for _, c := range b.conns {
		if err := c.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
			errList = append(errList, fmt.Errorf("close connection: %w", err))
		}
	}
	b.conns = nil
	return errors.Join(errList...)
}

// initConn runs the init.sql statements on a new connection.
func initConn(ctx context.Context, c *sql.Conn, props env.Properties) error {
	for _, stmt := range strings.Split(props.Value(env.KeyInitSQL), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := c.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init statement %q: %w", stmt, err)
		}
	}
	return nil
}

// withCredentials merges user/password into a postgres URL that carries
// none of its own. Other DSN forms are returned unchanged.
func withCredentials(dsn string, props env.Properties) string {
	user := props.Value(env.KeyUser)
	if user == "" || !isPostgresURL(dsn) {
		return dsn
	}
	u, err := url.Parse(dsn)
	if err != nil || u.User != nil {
		return dsn
	}
	if pw, ok := props.Get(env.KeyPassword); ok {
		u.User = url.UserPassword(user, pw)
	} else {
		u.User = url.User(user)
	}
	return u.String()
}

func isPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}
