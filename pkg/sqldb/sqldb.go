// Package sqldb opens the SQL database shared by the usage ledger and the
// feature configuration store.
package sqldb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver
)

// Supported driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options tunes the connection pool. Zero values take defaults.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// Open connects to the database and configures the pool.
//
// SQLite is limited to a single connection so writers never race for the
// file lock; callers must not issue a query while iterating another.
func Open(driver, dsn string, opts Options) (*sqlx.DB, error) {
	switch driver {
	case DriverSQLite:
		timeout := opts.BusyTimeout
		if timeout == 0 {
			timeout = 5 * time.Second
		}
		dsn = sqliteDSN(dsn, timeout)
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}

	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	} else {
		maxOpen := opts.MaxOpenConns
		if maxOpen == 0 {
			maxOpen = 25
		}
		maxIdle := opts.MaxIdleConns
		if maxIdle == 0 {
			maxIdle = 5
		}
		lifetime := opts.ConnMaxLifetime
		if lifetime == 0 {
			lifetime = 5 * time.Minute
		}
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(maxIdle)
		db.SetConnMaxLifetime(lifetime)
	}
	return db, nil
}

// Migrate executes each schema statement in order.
func Migrate(ctx context.Context, db *sqlx.DB, statements ...string) error {
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func sqliteDSN(dsn string, busy time.Duration) string {
	if dsn == "" || dsn == ":memory:" || strings.Contains(dsn, "_pragma=busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout(%d)", dsn, sep, busy.Milliseconds())
}
