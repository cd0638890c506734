// Package conn defines the connection contracts handed to test code and the
// close-interception wrappers that keep a shared connection alive across
// test phases.
package conn

import (
	"context"
	"database/sql"
)

// Conn is the capability set of a live query connection.
// *sql.Conn satisfies it directly.
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	PingContext(ctx context.Context) error
	Raw(f func(driverConn any) error) error
	Close() error
}

// XAConn is a connection capable of two-phase commit.
//
// A global transaction is opened with Start, its work issued through the
// Conn methods, then Prepare moves it to the prepared state under xid. The
// outcome is decided later, possibly from another connection, with
// CommitPrepared or RollbackPrepared.
type XAConn interface {
	Conn

	// Start opens a transaction on the connection.
	Start(ctx context.Context) error

	// Prepare prepares the open transaction under the global id xid.
	Prepare(ctx context.Context, xid string) error

	// CommitPrepared commits the prepared transaction xid.
	CommitPrepared(ctx context.Context, xid string) error

	// RollbackPrepared rolls back the prepared transaction xid.
	RollbackPrepared(ctx context.Context, xid string) error

	// Recover lists the ids of transactions left in the prepared state.
	Recover(ctx context.Context) ([]string, error)
}

var _ Conn = (*sql.Conn)(nil)
