// db/sqlite/sqlite.go
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	// registers the "sqlite3" database/sql driver
	_ "github.com/mattn/go-sqlite3"
)

// DriverName is the database/sql driver name go-sqlite3 registers.
const DriverName = "sqlite3"

// Memory is the DSN path of a private in-memory database.
const Memory = ":memory:"

// Options configures SQLite behavior for the metadata database.
type Options struct {
	// WALMode lets the health check read while the host writes.
	WALMode bool
	// ForeignKeys enables foreign key constraint enforcement.
	ForeignKeys bool
	// BusyTimeout is how long to wait on a locked database, in milliseconds.
	BusyTimeout int
}

// DefaultOptions returns WAL mode, foreign keys and a 5 second busy timeout.
func DefaultOptions() Options {
	return Options{
		WALMode:     true,
		ForeignKeys: true,
		BusyTimeout: 5000,
	}
}

// Path extracts the file path from a SQLAlchemy SQLite URL:
// sqlite:///relative.db, sqlite:////absolute/path.db, or sqlite:// for memory.
func Path(u *url.URL) string {
	p := strings.TrimPrefix(u.Path, "/")
	if p == "" || p == Memory {
		return Memory
	}
	return p
}

// DSN constructs the go-sqlite3 connection string for path.
func DSN(path string, opts Options) string {
	var params []string
	if opts.BusyTimeout > 0 {
		params = append(params, fmt.Sprintf("_busy_timeout=%d", opts.BusyTimeout))
	}
	if opts.ForeignKeys {
		params = append(params, "_foreign_keys=on")
	}
	if len(params) == 0 {
		return path
	}
	return path + "?" + strings.Join(params, "&")
}

// ApplyPragmas sets the pragmas that cannot go in the DSN.
func ApplyPragmas(ctx context.Context, db *sql.DB, opts Options) error {
	if !opts.WALMode {
		return nil
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set journal_mode: %w", err)
	}
	return nil
}
