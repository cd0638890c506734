package strategy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/roach88/vdbtest/internal/conn"
	"github.com/roach88/vdbtest/internal/env"
	"github.com/roach88/vdbtest/internal/errs"
)

// Pooled draws connections from a pgx pool exposed through database/sql.
//
// Plain and XA connections come from the same pool. XA connections run
// PostgreSQL two-phase commit on a dedicated pooled connection.
type Pooled struct {
	base
	openPool PoolOpener
	db       *sql.DB
	release  func()
	shared   *sql.Conn
	sharedXA *xaConn
}

// NewPooled creates a pooled strategy over a private copy of props.
func NewPooled(props env.Properties, opts ...Option) *Pooled {
	o := buildOptions(opts)
	p := &Pooled{openPool: o.openPool}
	p.base.init(props, o)
	return p
}

// Connection implements Strategy.
func (p *Pooled) Connection(ctx context.Context) (conn.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errs.ConnectionUnavailable(p.id, ErrClosed)
	}

	if p.useProxy && p.shared != nil {
		return conn.Intercept(p.shared), nil
	}

	c, err := p.acquire(ctx)
	if err != nil {
		return nil, errs.ConnectionUnavailable(p.id, err)
	}
	if p.useProxy {
		p.shared = c
		return conn.Intercept(c), nil
	}
	return c, nil
}

// XAConnection implements Strategy.
func (p *Pooled) XAConnection(ctx context.Context) (conn.XAConn, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false, errs.ConnectionUnavailable(p.id, ErrClosed)
	}

	if p.useProxy && p.sharedXA != nil {
		return conn.InterceptXA(p.sharedXA), true, nil
	}

	c, err := p.acquire(ctx)
	if err != nil {
		return nil, false, errs.ConnectionUnavailable(p.id, err)
	}
	x := &xaConn{Conn: c}
	if p.useProxy {
		p.sharedXA = x
		return conn.InterceptXA(x), true, nil
	}
	return x, true, nil
}

// acquire opens the pool on first use and takes a connection from it.
// Callers hold mu.
func (p *Pooled) acquire(ctx context.Context) (*sql.Conn, error) {
	if p.db == nil {
		db, release, err := p.openPool(ctx, p.env)
		if err != nil {
			return nil, err
		}
		p.db = db
		p.release = release
		p.logger.Debug("opened pool", "max_conns", p.env.Int(env.KeyPoolMaxConns, 0))
	}

	c, err := p.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	if err := initConn(ctx, c, p.env); err != nil {
		_ = c.Close()
		return nil, err
	}
	p.track(c)
	return c, nil
}

// Shutdown implements Strategy.
func (p *Pooled) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.shared = nil
	p.sharedXA = nil

	var errList []error
	if err := p.closeConns(); err != nil {
		errList = append(errList, err)
	}
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			errList = append(errList, fmt.Errorf("close pool handle: %w", err))
		}
		p.db = nil
	}
	if p.release != nil {
		p.release()
		p.release = nil
	}
	p.admin = nil
	return errors.Join(errList...)
}

func openPgxPool(ctx context.Context, props env.Properties) (*sql.DB, func(), error) {
	dsn := withCredentials(props.Value(env.KeyURL), props)
	if !isPostgresURL(dsn) {
		return nil, nil, fmt.Errorf("pooled strategy needs a postgres url, got %q", props.Value(env.KeyURL))
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("parse pool config: %w", err)
	}
	if n := props.Int(env.KeyPoolMaxConns, 0); n > 0 {
		cfg.MaxConns = int32(n)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping pool: %w", err)
	}
	return stdlib.OpenDBFromPool(pool), pool.Close, nil
}

// xaConn implements conn.XAConn with PostgreSQL prepared transactions.
type xaConn struct {
	conn.Conn
}

func (x *xaConn) Start(ctx context.Context) error {
	if _, err := x.ExecContext(ctx, "BEGIN"); err != nil {
		return fmt.Errorf("xa start: %w", err)
	}
	return nil
}

func (x *xaConn) Prepare(ctx context.Context, xid string) error {
	if _, err := x.ExecContext(ctx, "PREPARE TRANSACTION "+quoteLiteral(xid)); err != nil {
		return fmt.Errorf("xa prepare %s: %w", xid, err)
	}
	return nil
}

func (x *xaConn) CommitPrepared(ctx context.Context, xid string) error {
	if _, err := x.ExecContext(ctx, "COMMIT PREPARED "+quoteLiteral(xid)); err != nil {
		return fmt.Errorf("xa commit %s: %w", xid, err)
	}
	return nil
}

func (x *xaConn) RollbackPrepared(ctx context.Context, xid string) error {
	if _, err := x.ExecContext(ctx, "ROLLBACK PREPARED "+quoteLiteral(xid)); err != nil {
		return fmt.Errorf("xa rollback %s: %w", xid, err)
	}
	return nil
}

func (x *xaConn) Recover(ctx context.Context) ([]string, error) {
	rows, err := x.QueryContext(ctx,
		"SELECT gid FROM pg_prepared_xacts WHERE database = current_database() ORDER BY prepared")
	if err != nil {
		return nil, fmt.Errorf("xa recover: %w", err)
	}
	defer rows.Close()

	var xids []string
	for rows.Next() {
		var gid string
		if err := rows.Scan(&gid); err != nil {
			return nil, fmt.Errorf("xa recover: %w", err)
		}
		xids = append(xids, gid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("xa recover: %w", err)
	}
	return xids, nil
}

// quoteLiteral quotes s as a SQL string literal. PREPARE TRANSACTION and
// its siblings do not accept bind parameters.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

var (
	_ Strategy    = (*Pooled)(nil)
	_ conn.XAConn = (*xaConn)(nil)
)
