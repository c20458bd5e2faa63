package store

import (
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect isolates the per-database differences: DDL, placeholder style and
// how a duplicate-key insert surfaces.
type Dialect interface {
	Name() string
	// Schema returns the DDL statements creating the executions table, run
	// one at a time.
	Schema() []string
	// Rebind converts '?' placeholders to the dialect's native form.
	Rebind(query string) string
	// IsUniqueViolation reports whether err is a duplicate-key insert.
	IsUniqueViolation(err error) bool
}

// Timestamps are stored as unix milliseconds so due-time comparisons behave
// identically on every dialect, picked as 0/1 for the same reason.

// SQLite returns the dialect for modernc.org/sqlite.
func SQLite() Dialect { return sqliteDialect{} }

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite" }

func (sqliteDialect) Schema() []string {
	return []string{`
CREATE TABLE IF NOT EXISTS scheduled_executions (
  task_name TEXT NOT NULL,
  task_instance TEXT NOT NULL,
  task_data BLOB,
  execution_time INTEGER NOT NULL,
  picked INTEGER NOT NULL DEFAULT 0,
  picked_by TEXT,
  last_heartbeat INTEGER,
  last_success INTEGER,
  last_failure INTEGER,
  consecutive_failures INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (task_name, task_instance)
)`, `
CREATE INDEX IF NOT EXISTS idx_executions_due
  ON scheduled_executions(picked, execution_time)`,
	}
}

func (sqliteDialect) Rebind(query string) string { return query }

func (sqliteDialect) IsUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY ||
		se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

// Postgres returns the dialect for the pgx stdlib driver.
func Postgres() Dialect { return postgresDialect{} }

type postgresDialect struct{}

func (postgresDialect) Name() string { return "postgres" }

func (postgresDialect) Schema() []string {
	return []string{`
CREATE TABLE IF NOT EXISTS scheduled_executions (
  task_name TEXT NOT NULL,
  task_instance TEXT NOT NULL,
  task_data BYTEA,
  execution_time BIGINT NOT NULL,
  picked SMALLINT NOT NULL DEFAULT 0,
  picked_by TEXT,
  last_heartbeat BIGINT,
  last_success BIGINT,
  last_failure BIGINT,
  consecutive_failures INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (task_name, task_instance)
)`, `
CREATE INDEX IF NOT EXISTS idx_executions_due
  ON scheduled_executions(picked, execution_time)`,
	}
}

func (postgresDialect) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (postgresDialect) IsUniqueViolation(err error) bool {
	var pe *pgconn.PgError
	return errors.As(err, &pe) && pe.Code == "23505"
}
