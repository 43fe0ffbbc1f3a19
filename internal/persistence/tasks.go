package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/docanalyst/internal/task"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Create inserts a new pending task.
func (s *SQLiteStore) Create(ctx context.Context, requestedJobs []string, documentName string) (task.Task, error) {
	jobs, err := task.NormalizeJobs(requestedJobs, s.validate)
	if err != nil {
		return task.Task{}, err
	}

	jobsJSON, err := json.Marshal(jobs)
	if err != nil {
		return task.Task{}, fmt.Errorf("failed to encode requested jobs: %w", err)
	}

	now := s.now()
	t := task.Task{
		ID:            task.NewID(),
		Status:        task.StatusPending,
		RequestedJobs: jobs,
		Results:       make(map[string]task.Outcome),
		DocumentName:  documentName,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, status, progress, requested_jobs, error, document_name, created_at, updated_at)
		VALUES (?, ?, 0, ?, '', ?, ?, ?)
	`, t.ID, string(t.Status), string(jobsJSON), documentName, now.UnixNano(), now.UnixNano())
	if err != nil {
		return task.Task{}, fmt.Errorf("failed to insert task: %w", err)
	}

	return t, nil
}

// Get retrieves a task with all of its results.
func (s *SQLiteStore) Get(ctx context.Context, id string) (task.Task, error) {
	return loadTask(ctx, s.db, id)
}

// SetStatus validates and applies a status transition.
func (s *SQLiteStore) SetStatus(ctx context.Context, id string, status task.Status, errMsg string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := currentStatus(ctx, tx, id)
		if err != nil {
			return err
		}
		if !current.CanTransition(status) {
			return fmt.Errorf("%w: %s -> %s", task.ErrInvalidTransition, current, status)
		}

		query := `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`
		args := []any{string(status), s.now().UnixNano(), id}
		switch status {
		case task.StatusCompleted:
			query = `UPDATE tasks SET status = ?, progress = 100, updated_at = ? WHERE id = ?`
		case task.StatusFailed:
			query = `UPDATE tasks SET status = ?, error = ?, updated_at = ? WHERE id = ?`
			args = []any{string(status), errMsg, s.now().UnixNano(), id}
		}

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to update task status: %w", err)
		}
		return nil
	})
}

// SetProgress raises progress on a non-terminal task. Lower values are ignored.
func (s *SQLiteStore) SetProgress(ctx context.Context, id string, progress int) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := currentStatus(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.Terminal() {
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET progress = ?, updated_at = ?
			WHERE id = ? AND progress < ?
		`, task.ClampProgress(progress), s.now().UnixNano(), id, task.ClampProgress(progress))
		if err != nil {
			return fmt.Errorf("failed to update progress: %w", err)
		}
		return nil
	})
}

// PutResult upserts one job's outcome.
func (s *SQLiteStore) PutResult(ctx context.Context, id string, jobID string, outcome task.Outcome) error {
	encoded, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to encode outcome: %w", err)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		var status string
		var jobsJSON string
		err := tx.QueryRowContext(ctx, `SELECT status, requested_jobs FROM tasks WHERE id = ?`, id).Scan(&status, &jobsJSON)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", task.ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to query task: %w", err)
		}

		if task.Status(status).Terminal() {
			return fmt.Errorf("%w: task %s is %s", task.ErrInvalidTransition, id, status)
		}
		var jobs []string
		if err := json.Unmarshal([]byte(jobsJSON), &jobs); err != nil {
			return fmt.Errorf("failed to decode requested jobs: %w", err)
		}
		if !(task.Task{RequestedJobs: jobs}).Requested(jobID) {
			return fmt.Errorf("%w: job %q was not requested", task.ErrInvalidRequest, jobID)
		}

		now := s.now().UnixNano()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_results (task_id, job_id, outcome, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(task_id, job_id) DO UPDATE SET
				outcome = excluded.outcome,
				updated_at = excluded.updated_at
		`, id, jobID, string(encoded), now)
		if err != nil {
			return fmt.Errorf("failed to upsert result: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET updated_at = ? WHERE id = ?`, now, id); err != nil {
			return fmt.Errorf("failed to touch task: %w", err)
		}
		return nil
	})
}

// Delete removes a task. Results go with it through ON DELETE CASCADE.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	return nil
}

// List returns summaries of all tasks ordered by creation time.
func (s *SQLiteStore) List(ctx context.Context) ([]task.Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, progress, created_at
		FROM tasks
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	summaries := []task.Summary{}
	for rows.Next() {
		var sum task.Summary
		var status string
		var created int64
		if err := rows.Scan(&sum.ID, &status, &sum.Progress, &created); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		sum.Status = task.Status(status)
		sum.CreatedAt = time.Unix(0, created).UTC()
		summaries = append(summaries, sum)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return summaries, nil
}

// inTx runs fn in a serializable transaction and commits if it returns nil.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
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

func currentStatus(ctx context.Context, q querier, id string) (task.Status, error) {
	var status string
	err := q.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to query task status: %w", err)
	}
	return task.Status(status), nil
}

func loadTask(ctx context.Context, q querier, id string) (task.Task, error) {
	var t task.Task
	var status, jobsJSON string
	var created, updated int64

	err := q.QueryRowContext(ctx, `
		SELECT id, status, progress, requested_jobs, error, document_name, created_at, updated_at
		FROM tasks
		WHERE id = ?
	`, id).Scan(&t.ID, &status, &t.Progress, &jobsJSON, &t.Error, &t.DocumentName, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	if err != nil {
		return task.Task{}, fmt.Errorf("failed to query task: %w", err)
	}

	t.Status = task.Status(status)
	t.CreatedAt = time.Unix(0, created).UTC()
	t.UpdatedAt = time.Unix(0, updated).UTC()
	if err := json.Unmarshal([]byte(jobsJSON), &t.RequestedJobs); err != nil {
		return task.Task{}, fmt.Errorf("failed to decode requested jobs: %w", err)
	}

	rows, err := q.QueryContext(ctx, `SELECT job_id, outcome FROM task_results WHERE task_id = ?`, id)
	if err != nil {
		return task.Task{}, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	t.Results = make(map[string]task.Outcome)
	for rows.Next() {
		var jobID, encoded string
		if err := rows.Scan(&jobID, &encoded); err != nil {
			return task.Task{}, fmt.Errorf("failed to scan result: %w", err)
		}
		var outcome task.Outcome
		if err := json.Unmarshal([]byte(encoded), &outcome); err != nil {
			return task.Task{}, fmt.Errorf("failed to decode result for job %s: %w", jobID, err)
		}
		t.Results[jobID] = outcome
	}
	if err := rows.Err(); err != nil {
		return task.Task{}, fmt.Errorf("error iterating results: %w", err)
	}

	return t, nil
}
