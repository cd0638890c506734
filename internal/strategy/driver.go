package strategy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/vdbtest/internal/conn"
	"github.com/roach88/vdbtest/internal/env"
	"github.com/roach88/vdbtest/internal/errs"
)

// Driver opens connections through a database/sql driver.
//
// Without the proxy every Connection call returns a new dedicated
// connection. With the proxy the first real connection is kept and every
// call returns it wrapped so that Close is absorbed.
type Driver struct {
	base
	openDB DBOpener
	db     *sql.DB
	shared *sql.Conn
}

// NewDriver creates a driver strategy over a private copy of props.
func NewDriver(props env.Properties, opts ...Option) *Driver {
	o := buildOptions(opts)
	d := &Driver{openDB: o.openDB}
	d.base.init(props, o)
	return d
}

// Connection implements Strategy.
func (d *Driver) Connection(ctx context.Context) (conn.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errs.ConnectionUnavailable(d.id, ErrClosed)
	}

	if d.useProxy && d.shared != nil {
		return conn.Intercept(d.shared), nil
	}

	c, err := d.open(ctx)
	if err != nil {
		return nil, errs.ConnectionUnavailable(d.id, err)
	}
	d.track(c)

	if d.useProxy {
		d.shared = c
		return conn.Intercept(c), nil
	}
	return c, nil
}

// open returns a new initialized connection. Callers hold mu.
func (d *Driver) open(ctx context.Context) (*sql.Conn, error) {
	if d.db == nil {
		driverName, err := driverFor(d.env)
		if err != nil {
			return nil, err
		}
		dsn := withCredentials(d.env.Value(env.KeyURL), d.env)
		db, err := d.openDB(driverName, dsn)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", driverName, err)
		}
		d.db = db
		d.logger.Debug("opened driver", "driver", driverName)
	}

	c, err := d.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	if err := c.PingContext(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if err := initConn(ctx, c, d.env); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// XAConnection implements Strategy. Driver connections never support
// two-phase commit.
func (d *Driver) XAConnection(context.Context) (conn.XAConn, bool, error) {
	return nil, false, nil
}

// Shutdown implements Strategy.
func (d *Driver) Shutdown() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.shared = nil

	var errList []error
	if err := d.closeConns(); err != nil {
		errList = append(errList, err)
	}
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			errList = append(errList, fmt.Errorf("close driver: %w", err))
		}
		d.db = nil
	}
	d.admin = nil
	return errors.Join(errList...)
}

// driverFor picks the database/sql driver: the driver property when set,
// otherwise inferred from the URL.
func driverFor(props env.Properties) (string, error) {
	if name := props.Default(env.KeyDriver, ""); name != "" {
		return name, nil
	}
	u := strings.TrimSpace(props.Value(env.KeyURL))
	switch {
	case u == "":
		return "", fmt.Errorf("%s is not set", env.KeyURL)
	case isPostgresURL(u):
		return "pgx", nil
	case u == ":memory:", strings.HasPrefix(u, "file:"), strings.HasSuffix(u, ".db"), strings.HasSuffix(u, ".sqlite"):
		return "sqlite3", nil
	default:
		return "", fmt.Errorf("no driver known for url %q, set %s", u, env.KeyDriver)
	}
}

var _ Strategy = (*Driver)(nil)
