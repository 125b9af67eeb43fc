// Package capability implements the host side of the objects handed to
// sandboxed code: storage, http and logger.
package capability

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strconv"

	"github.com/cryguy/runnable/internal/core"
	"github.com/cryguy/runnable/internal/retry"
)

// Dialect selects the bind-parameter syntax of the backing database.
type Dialect int

const (
	// DialectSQLite binds with "?".
	DialectSQLite Dialect = iota
	// DialectPostgres binds with "$n".
	DialectPostgres
)

// Placeholder returns the bind marker for the n-th (1-based) parameter.
func (d Dialect) Placeholder(n int) string {
	if d == DialectPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

func (d Dialect) String() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// Storage is the read-only data capability. The *sql.DB is never exposed.
type Storage struct {
	db      *sql.DB
	dialect Dialect
	retry   retry.Policy
}

// NewStorage wraps db. A nil db yields a Storage whose lookups fail.
func NewStorage(db *sql.DB, dialect Dialect, policy retry.Policy) *Storage {
	return &Storage{db: db, dialect: dialect, retry: policy}
}

// FindUser returns the users row with the given id, or nil when no row
// matches. The id is always bound, never interpolated.
func (s *Storage) FindUser(ctx context.Context, id string) (core.Record, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage: no database configured")
	}
	query := "SELECT * FROM users WHERE id = " + s.dialect.Placeholder(1)
	return retry.Value(ctx, s.retry, "storage.find_user", func(ctx context.Context) (core.Record, error) {
		rec, err := queryOne(ctx, s.db, query, id)
		if err != nil && !errors.Is(err, driver.ErrBadConn) {
			return nil, retry.Permanent(err)
		}
		return rec, err
	})
}

// DBConnection always fails: the backing connection is not a capability.
func (s *Storage) DBConnection() (*sql.DB, error) {
	return nil, fmt.Errorf("%w: direct database connection access is not permitted", core.ErrAccessDenied)
}

func queryOne(ctx context.Context, db *sql.DB, query string, args ...any) (core.Record, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query error: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("storage: columns error: %w", err)
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("storage: rows iteration error: %w", err)
		}
		return nil, nil
	}

	values := make([]any, len(columns))
	valuePtrs := make([]any, len(columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}
	if err := rows.Scan(valuePtrs...); err != nil {
		return nil, fmt.Errorf("storage: scan error: %w", err)
	}
	rec := make(core.Record, len(columns))
	for i, col := range columns {
		if b, ok := values[i].([]byte); ok {
			rec[col] = string(b)
		} else {
			rec[col] = values[i]
		}
	}
	return rec, nil
}
