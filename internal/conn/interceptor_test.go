package conn

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ Conn   = (*CloseInterceptor)(nil)
	_ XAConn = (*XACloseInterceptor)(nil)
)

// countingConn records real teardown calls on a sqlmock-backed connection.
type countingConn struct {
	*sql.Conn
	closes int
}

func (c *countingConn) Close() error {
	c.closes++
	return c.Conn.Close()
}

func newMockConn(t *testing.T) (*countingConn, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c, err := db.Conn(context.Background())
	require.NoError(t, err)
	return &countingConn{Conn: c}, mock
}

func TestCloseInterceptor_CloseNeverReachesTarget(t *testing.T) {
	target, _ := newMockConn(t)
	proxy := Intercept(target)

	for i := 0; i < 5; i++ {
		assert.NoError(t, proxy.Close())
	}
	assert.Equal(t, 0, target.closes)
	assert.NoError(t, proxy.PingContext(context.Background()))
}

func TestCloseInterceptor_ForwardsExec(t *testing.T) {
	target, mock := newMockConn(t)
	proxy := Intercept(target)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO parts").
		WithArgs(1, "bolt").
		WillReturnResult(sqlmock.NewResult(7, 1))

	res, err := proxy.ExecContext(ctx, "INSERT INTO parts (id, name) VALUES (?, ?)", 1, "bolt")
	require.NoError(t, err)

	id, err := res.LastInsertId()
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCloseInterceptor_ForwardsQueries(t *testing.T) {
	target, mock := newMockConn(t)
	proxy := Intercept(target)
	ctx := context.Background()

	mock.ExpectQuery("SELECT name FROM parts").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("bolt").AddRow("nut"))
	mock.ExpectQuery("SELECT count").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	rows, err := proxy.QueryContext(ctx, "SELECT name FROM parts")
	require.NoError(t, err)
	var names []string
	for rows.Next() {
		var n string
		require.NoError(t, rows.Scan(&n))
		names = append(names, n)
	}
	require.NoError(t, rows.Close())
	assert.Equal(t, []string{"bolt", "nut"}, names)

	var count int
	require.NoError(t, proxy.QueryRowContext(ctx, "SELECT count(*) FROM parts").Scan(&count))
	assert.Equal(t, 2, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCloseInterceptor_PropagatesTargetFailures(t *testing.T) {
	target, mock := newMockConn(t)
	proxy := Intercept(target)
	ctx := context.Background()
	errBoom := errors.New("constraint violation")

	mock.ExpectExec("DELETE FROM parts").WillReturnError(errBoom)
	mock.ExpectBegin().WillReturnError(errBoom)

	_, err := proxy.ExecContext(ctx, "DELETE FROM parts")
	assert.ErrorIs(t, err, errBoom)

	_, err = proxy.BeginTx(ctx, nil)
	assert.ErrorIs(t, err, errBoom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCloseInterceptor_TransactionsAndStatements(t *testing.T) {
	target, mock := newMockConn(t)
	proxy := Intercept(target)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectCommit()
	mock.ExpectPrepare("UPDATE parts").
		ExpectExec().
		WithArgs("washer").
		WillReturnResult(sqlmock.NewResult(0, 1))

	tx, err := proxy.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	stmt, err := proxy.PrepareContext(ctx, "UPDATE parts SET name = ?")
	require.NoError(t, err)
	_, err = stmt.ExecContext(ctx, "washer")
	require.NoError(t, err)
	require.NoError(t, stmt.Close())

	called := false
	require.NoError(t, proxy.Raw(func(any) error {
		called = true
		return nil
	}))
	assert.True(t, called)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIntercept_Idempotent(t *testing.T) {
	target, _ := newMockConn(t)
	p1 := Intercept(target)
	p2 := Intercept(p1)

	assert.Same(t, p1, p2)
	assert.Same(t, target, p1.Unwrap())
	assert.Same(t, target, Real(p2))
}

// recordingXA is an XAConn that records two-phase commit calls.
type recordingXA struct {
	*countingConn
	calls []string
}

func (r *recordingXA) Start(context.Context) error {
	r.calls = append(r.calls, "start")
	return nil
}

func (r *recordingXA) Prepare(_ context.Context, xid string) error {
	r.calls = append(r.calls, "prepare:"+xid)
	return nil
}

func (r *recordingXA) CommitPrepared(_ context.Context, xid string) error {
	r.calls = append(r.calls, "commit:"+xid)
	return nil
}

func (r *recordingXA) RollbackPrepared(_ context.Context, xid string) error {
	r.calls = append(r.calls, "rollback:"+xid)
	return errors.New("unknown xid")
}

func (r *recordingXA) Recover(context.Context) ([]string, error) {
	return []string{"tx-1"}, nil
}

func TestXACloseInterceptor(t *testing.T) {
	target, _ := newMockConn(t)
	xa := &recordingXA{countingConn: target}
	proxy := InterceptXA(xa)
	ctx := context.Background()

	require.NoError(t, proxy.Start(ctx))
	require.NoError(t, proxy.Prepare(ctx, "tx-1"))
	require.NoError(t, proxy.CommitPrepared(ctx, "tx-1"))
	assert.Error(t, proxy.RollbackPrepared(ctx, "tx-2"))
	ids, err := proxy.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"tx-1"}, ids)

	assert.NoError(t, proxy.Close())
	assert.NoError(t, proxy.Close())

	assert.Equal(t, []string{"start", "prepare:tx-1", "commit:tx-1", "rollback:tx-2"}, xa.calls)
	assert.Equal(t, 0, target.closes)
	assert.Same(t, proxy, InterceptXA(proxy))
	assert.Same(t, xa, proxy.UnwrapXA())
	assert.Same(t, xa, Real(proxy))
}
