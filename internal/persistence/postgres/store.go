// Package postgres stores analysis tasks in PostgreSQL through the pgx
// database/sql driver. The schema is managed with goose migrations embedded
// in the binary.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/aristath/docanalyst/internal/task"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	migrationTableName      = "docanalyst_schema_migrations"
	foreignKeyViolationCode = "23503"
)

// Store implements task.Store using PostgreSQL.
type Store struct {
	db       *sql.DB
	validate task.JobValidator
	logger   *slog.Logger
}

var _ task.Store = (*Store)(nil)

// Open connects to databaseURL, applies pending migrations and returns a ready store.
func Open(ctx context.Context, databaseURL string, validate task.JobValidator, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrate(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("postgres task store ready")
	return &Store{db: db, validate: validate, logger: logger}, nil
}

func migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	goose.SetBaseFS(migrations)
	goose.SetTableName(migrationTableName)
	goose.SetLogger(&gooseLogger{logger: logger})
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// gooseLogger forwards goose output to slog. Fatalf does not exit.
type gooseLogger struct {
	logger *slog.Logger
}

func (l *gooseLogger) Printf(format string, v ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, v...))
}

func (l *gooseLogger) Fatalf(format string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, v...))
}

// Close closes the database connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// inTx runs fn in a transaction and commits if it returns nil.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// mapError translates driver errors into task errors for the given task id.
func mapError(err error, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolationCode {
		return fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	return err
}
