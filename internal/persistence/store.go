package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aristath/docanalyst/internal/task"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements task.Store using SQLite.
type SQLiteStore struct {
	db       *sql.DB
	validate task.JobValidator
	now      func() time.Time
}

var _ task.Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string, validate task.JobValidator) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// modernc.org/sqlite applies _pragma parameters on every new connection
	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)", dbPath)
	return open(ctx, connStr, validate)
}

// NewMemoryStore creates an in-memory SQLite store, mainly for tests.
// Each call gets its own named database.
func NewMemoryStore(ctx context.Context, validate task.JobValidator) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:docanalyst-%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	return open(ctx, connStr, validate)
}

func open(ctx context.Context, connStr string, validate task.JobValidator) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite has a single writer; one connection keeps every mutation linearized
	// and avoids SQLITE_BUSY between concurrent job completions.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		db:       db,
		validate: validate,
		now:      func() time.Time { return time.Now().UTC() },
	}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
