// Package store persists templates and the users table behind the storage
// capability. Postgres DSNs go through pgx; anything else is a SQLite path.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/cryguy/runnable/internal/capability"
	"github.com/cryguy/runnable/internal/core"
	"github.com/cryguy/runnable/internal/retry"
)

// Store is a database/sql backed core.TemplateStore.
type Store struct {
	db      *sql.DB
	dialect capability.Dialect
	retry   retry.Policy
}

var _ core.TemplateStore = (*Store)(nil)

// Open connects to dsn and creates the tables if missing. ":memory:" opens
// a private in-memory SQLite database.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("store: dsn is empty")
	}

	driver, dialect := "sqlite", capability.DialectSQLite
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver, dialect = "pgx", capability.DialectPostgres
	} else if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("store: create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	if dialect == capability.DialectSQLite {
		// One connection keeps a :memory: database alive and avoids
		// SQLITE_BUSY between writers.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, dialect: dialect, retry: retry.DefaultPolicy()}
	if err := s.bootstrap(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing handle, for callers that manage the pool themselves.
func New(db *sql.DB, dialect capability.Dialect) *Store {
	return &Store{db: db, dialect: dialect, retry: retry.DefaultPolicy()}
}

// WithRetry returns the store with a different retry policy.
func (s *Store) WithRetry(p retry.Policy) *Store {
	s.retry = p
	return s
}

func (s *Store) bootstrap(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(pctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS templates (
  template_id      TEXT PRIMARY KEY,
  template_content TEXT NOT NULL,
  updated_at       TEXT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS users (
  id    TEXT PRIMARY KEY,
  name  TEXT,
  email TEXT
)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(pctx, stmt); err != nil {
			return fmt.Errorf("store: bootstrap: %w", err)
		}
	}
	return nil
}

// UserDB is the handle the storage capability queries.
func (s *Store) UserDB() *sql.DB { return s.db }

func (s *Store) Dialect() capability.Dialect { return s.dialect }

func (s *Store) Close() error { return s.db.Close() }

// FetchTemplate returns core.ErrTemplateNotFound when id has no row.
func (s *Store) FetchTemplate(ctx context.Context, id string) (*core.Template, error) {
	query := "SELECT template_content FROM templates WHERE template_id = " + s.dialect.Placeholder(1)
	return retry.Value(ctx, s.retry, "store.fetch_template", func(ctx context.Context) (*core.Template, error) {
		var content string
		err := s.db.QueryRowContext(ctx, query, id).Scan(&content)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %q", core.ErrTemplateNotFound, id)
		}
		if err != nil {
			return nil, fmt.Errorf("store: fetch template %q: %w", id, err)
		}
		return &core.Template{ID: id, Content: content}, nil
	})
}

// PutTemplate inserts or replaces a template.
func (s *Store) PutTemplate(ctx context.Context, t core.Template) error {
	if t.ID == "" {
		return errors.New("store: template id is empty")
	}
	p := s.dialect.Placeholder
	query := fmt.Sprintf(`INSERT INTO templates (template_id, template_content, updated_at) VALUES (%s, %s, %s)
ON CONFLICT (template_id) DO UPDATE SET template_content = excluded.template_content, updated_at = excluded.updated_at`,
		p(1), p(2), p(3))
	if _, err := s.db.ExecContext(ctx, query, t.ID, t.Content, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("store: put template %q: %w", t.ID, err)
	}
	return nil
}

// PutUser inserts or replaces a users row.
func (s *Store) PutUser(ctx context.Context, id, name, email string) error {
	p := s.dialect.Placeholder
	query := fmt.Sprintf(`INSERT INTO users (id, name, email) VALUES (%s, %s, %s)
ON CONFLICT (id) DO UPDATE SET name = excluded.name, email = excluded.email`,
		p(1), p(2), p(3))
	if _, err := s.db.ExecContext(ctx, query, id, name, email); err != nil {
		return fmt.Errorf("store: put user %q: %w", id, err)
	}
	return nil
}
