// db/postgres/postgres.go
package postgres

import (
	"errors"
	"net/url"

	// registers the "pgx" database/sql driver
	_ "github.com/jackc/pgx/v5/stdlib"
)

// DriverName is the database/sql driver name pgx registers.
const DriverName = "pgx"

// DSN converts a SQLAlchemy-style PostgreSQL URL (postgresql://,
// postgresql+psycopg2://, postgres://) into a connection string pgx accepts.
func DSN(u *url.URL) (string, error) {
	if u.Host == "" && u.Query().Get("host") == "" {
		return "", errors.New("postgres: URL has no host")
	}
	c := *u
	c.Scheme = "postgres"
	return c.String(), nil
}
