package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
// Timestamps are stored as Unix nanoseconds so creation order survives round trips.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		requested_jobs TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		document_name TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);

	CREATE TABLE IF NOT EXISTS task_results (
		task_id TEXT NOT NULL,
		job_id TEXT NOT NULL,
		outcome TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (task_id, job_id),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
