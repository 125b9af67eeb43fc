package store

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryguy/runnable/internal/capability"
	"github.com/cryguy/runnable/internal/core"
	"github.com/cryguy/runnable/internal/retry"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTemplateRoundTrip(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	require.NoError(t, s.PutTemplate(ctx, core.Template{ID: "t1", Content: "class Runnable {}"}))
	require.NoError(t, s.PutTemplate(ctx, core.Template{ID: "t1", Content: "class Runnable extends BaseSecureRunnable {}"}))

	tmpl, err := s.FetchTemplate(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", tmpl.ID)
	assert.Equal(t, "class Runnable extends BaseSecureRunnable {}", tmpl.Content)
	assert.Equal(t, capability.DialectSQLite, s.Dialect())
}

func TestFetchTemplateNotFound(t *testing.T) {
	s := openMemory(t)
	_, err := s.FetchTemplate(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrTemplateNotFound)
}

func TestPutTemplateRequiresID(t *testing.T) {
	s := openMemory(t)
	assert.Error(t, s.PutTemplate(context.Background(), core.Template{Content: "x"}))
}

func TestUsersFeedStorageCapability(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	require.NoError(t, s.PutUser(ctx, "42", "Ada", "ada@example.com"))

	storage := capability.NewStorage(s.UserDB(), s.Dialect(), retry.DefaultPolicy())
	user, err := storage.FindUser(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "Ada", user["name"])
}

func TestFetchTemplatePostgresPlaceholder(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT template_content FROM templates WHERE template_id = \$1`).
		WithArgs("t9").
		WillReturnRows(sqlmock.NewRows([]string{"template_content"}).AddRow("src"))

	tmpl, err := New(db, capability.DialectPostgres).FetchTemplate(context.Background(), "t9")
	require.NoError(t, err)
	assert.Equal(t, "src", tmpl.Content)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchTemplateRetriesBadConn(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT template_content FROM templates`).WillReturnError(driver.ErrBadConn)
	mock.ExpectQuery(`SELECT template_content FROM templates`).
		WillReturnRows(sqlmock.NewRows([]string{"template_content"}).AddRow("src"))

	s := New(db, capability.DialectSQLite).WithRetry(retry.Policy{
		MaxAttempts:         3,
		InitialInterval:     time.Millisecond,
		MaxInterval:         5 * time.Millisecond,
		Multiplier:          2,
		RandomizationFactor: 0.1,
	})
	tmpl, err := s.FetchTemplate(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "src", tmpl.Content)
	assert.NoError(t, mock.ExpectationsWereMet())
}
