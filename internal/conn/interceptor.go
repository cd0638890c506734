package conn

import (
	"context"
	"database/sql"
)

// CloseInterceptor wraps a Conn and absorbs Close.
//
// Every other call is forwarded unchanged, failures included. The wrapper
// never releases the target itself; the owning strategy does that on
// shutdown through Unwrap.
type CloseInterceptor struct {
	target Conn
}

// Intercept wraps c. Wrapping an interceptor again returns it unchanged.
func Intercept(c Conn) *CloseInterceptor {
	if ci, ok := c.(*CloseInterceptor); ok {
		return ci
	}
	return &CloseInterceptor{target: c}
}

// Unwrap returns the wrapped connection.
func (c *CloseInterceptor) Unwrap() Conn {
	return c.target
}

// Close is a no-op.
func (c *CloseInterceptor) Close() error {
	return nil
}

func (c *CloseInterceptor) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.target.ExecContext(ctx, query, args...)
}

func (c *CloseInterceptor) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.target.QueryContext(ctx, query, args...)
}

func (c *CloseInterceptor) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.target.QueryRowContext(ctx, query, args...)
}

func (c *CloseInterceptor) PrepareContext(ctx context.Context, query string) (*sql.Stmt, error) {
	return c.target.PrepareContext(ctx, query)
}

func (c *CloseInterceptor) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return c.target.BeginTx(ctx, opts)
}

func (c *CloseInterceptor) PingContext(ctx context.Context) error {
	return c.target.PingContext(ctx)
}

func (c *CloseInterceptor) Raw(f func(driverConn any) error) error {
	return c.target.Raw(f)
}

// XACloseInterceptor is the XAConn counterpart of CloseInterceptor.
type XACloseInterceptor struct {
	CloseInterceptor
	xa XAConn
}

// InterceptXA wraps x. Wrapping an interceptor again returns it unchanged.
func InterceptXA(x XAConn) *XACloseInterceptor {
	if xi, ok := x.(*XACloseInterceptor); ok {
		return xi
	}
	return &XACloseInterceptor{CloseInterceptor: CloseInterceptor{target: x}, xa: x}
}

// UnwrapXA returns the wrapped XA connection.
func (x *XACloseInterceptor) UnwrapXA() XAConn {
	return x.xa
}

func (x *XACloseInterceptor) Start(ctx context.Context) error {
	return x.xa.Start(ctx)
}

func (x *XACloseInterceptor) Prepare(ctx context.Context, xid string) error {
	return x.xa.Prepare(ctx, xid)
}

func (x *XACloseInterceptor) CommitPrepared(ctx context.Context, xid string) error {
	return x.xa.CommitPrepared(ctx, xid)
}

func (x *XACloseInterceptor) RollbackPrepared(ctx context.Context, xid string) error {
	return x.xa.RollbackPrepared(ctx, xid)
}

func (x *XACloseInterceptor) Recover(ctx context.Context) ([]string, error) {
	return x.xa.Recover(ctx)
}

// Real returns the connection behind any number of interceptors.
func Real(c Conn) Conn {
	for {
		switch w := c.(type) {
		case *XACloseInterceptor:
			c = w.xa
		case *CloseInterceptor:
			c = w.target
		default:
			return c
		}
	}
}
