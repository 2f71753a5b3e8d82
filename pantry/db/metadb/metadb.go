// Package metadb opens the BI host's metadata database from its
// SQLAlchemy-style URI, so the gateway can report on it in /healthz.
package metadb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/dalemusser/dashgate/config"
	"github.com/dalemusser/dashgate/pantry/db/mysql"
	"github.com/dalemusser/dashgate/pantry/db/postgres"
	"github.com/dalemusser/dashgate/pantry/db/sqlite"
	"github.com/dalemusser/dashgate/pantry/health"
	"go.uber.org/zap"
)

// Dialects the gateway can reach.
const (
	DialectMySQL    = "mysql"
	DialectPostgres = "postgresql"
	DialectSQLite   = "sqlite"
)

// ErrUnsupportedDialect is returned for URIs naming any other database.
var ErrUnsupportedDialect = errors.New("metadb: unsupported database dialect")

// Target is a parsed metadata database URI.
type Target struct {
	Dialect string
	Driver  string
	DSN     string
}

// Parse maps a SQLAlchemy URI (dialect[+driver]://...) onto a database/sql
// driver and DSN. The Python driver suffix (+pymysql, +psycopg2) is ignored.
func Parse(uri string, prePing bool) (Target, error) {
	u, err := url.Parse(strings.TrimSpace(uri))
	if err != nil {
		return Target{}, fmt.Errorf("metadb: parse uri: %w", err)
	}
	dialect, _, _ := strings.Cut(strings.ToLower(u.Scheme), "+")

	switch dialect {
	case "mysql", "mariadb":
		dsn, err := mysql.DSN(u, prePing)
		if err != nil {
			return Target{}, err
		}
		return Target{Dialect: DialectMySQL, Driver: mysql.DriverName, DSN: dsn}, nil
	case "postgresql", "postgres":
		dsn, err := postgres.DSN(u)
		if err != nil {
			return Target{}, err
		}
		return Target{Dialect: DialectPostgres, Driver: postgres.DriverName, DSN: dsn}, nil
	case "sqlite":
		dsn := sqlite.DSN(sqlite.Path(u), sqlite.DefaultOptions())
		return Target{Dialect: DialectSQLite, Driver: sqlite.DriverName, DSN: dsn}, nil
	default:
		return Target{}, fmt.Errorf("%w: %q", ErrUnsupportedDialect, u.Scheme)
	}
}

// Pool is the database/sql pool shape derived from the host's engine options.
type Pool struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PoolFromSettings translates SQLAlchemy pool options: pool_size idle
// connections, pool_size+max_overflow open ones (max_overflow -1 means
// unbounded), and pool_recycle seconds of lifetime (-1 means forever).
func PoolFromSettings(s config.DatabaseSettings, dialect string) Pool {
	p := Pool{MaxIdleConns: s.PoolSize}
	if s.MaxOverflow >= 0 {
		p.MaxOpenConns = s.PoolSize + s.MaxOverflow
	}
	if s.PoolRecycle > 0 {
		p.ConnMaxLifetime = time.Duration(s.PoolRecycle) * time.Second
	}
	if dialect == DialectSQLite {
		// one writer; more connections only add lock contention
		p.MaxOpenConns, p.MaxIdleConns = 1, 1
	}
	return p
}

// Configure applies p to db.
func Configure(db *sql.DB, p Pool) {
	db.SetMaxOpenConns(p.MaxOpenConns)
	db.SetMaxIdleConns(p.MaxIdleConns)
	db.SetConnMaxLifetime(p.ConnMaxLifetime)
}

// New opens a pool for the metadata database described by s without
// touching the network. The caller closes the returned pool.
func New(s config.DatabaseSettings) (*sql.DB, Target, error) {
	t, err := Parse(s.URI, s.PoolPrePing)
	if err != nil {
		return nil, Target{}, err
	}
	db, err := sql.Open(t.Driver, t.DSN)
	if err != nil {
		return nil, Target{}, fmt.Errorf("metadb: open %s: %w", t.Dialect, err)
	}
	Configure(db, PoolFromSettings(s, t.Dialect))
	return db, t, nil
}

// Open is New followed by a ping within s.PoolTimeout (the time the host
// itself waits for a pooled connection).
func Open(ctx context.Context, s config.DatabaseSettings, logger *zap.Logger) (*sql.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, t, err := New(s)
	if err != nil {
		return nil, err
	}
	if err := Ping(ctx, db, t.Dialect, s.PoolTimeout); err != nil {
		db.Close()
		return nil, err
	}

	pool := PoolFromSettings(s, t.Dialect)
	logger.Info("metadata database connected",
		zap.String("dialect", t.Dialect),
		zap.String("uri", config.RedactURI(s.URI)),
		zap.Int("max_open_conns", pool.MaxOpenConns),
		zap.Int("max_idle_conns", pool.MaxIdleConns))
	return db, nil
}

// Ping checks db within timeout. SQLite pools also get their pragmas.
func Ping(ctx context.Context, db *sql.DB, dialect string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("metadb: ping %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		if err := sqlite.ApplyPragmas(ctx, db, sqlite.DefaultOptions()); err != nil {
			return fmt.Errorf("metadb: %w", err)
		}
	}
	return nil
}

// HealthCheck pings db.
func HealthCheck(db *sql.DB) health.Check {
	return func(ctx context.Context) error {
		return db.PingContext(ctx)
	}
}
