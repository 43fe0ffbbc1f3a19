package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/docanalyst/internal/task"
)

func now() time.Time {
	// TIMESTAMPTZ keeps microseconds
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Create inserts a new pending task.
func (s *Store) Create(ctx context.Context, requestedJobs []string, documentName string) (task.Task, error) {
	jobs, err := task.NormalizeJobs(requestedJobs, s.validate)
	if err != nil {
		return task.Task{}, err
	}

	jobsJSON, err := json.Marshal(jobs)
	if err != nil {
		return task.Task{}, fmt.Errorf("failed to encode requested jobs: %w", err)
	}

	ts := now()
	t := task.Task{
		ID:            task.NewID(),
		Status:        task.StatusPending,
		RequestedJobs: jobs,
		Results:       make(map[string]task.Outcome),
		DocumentName:  documentName,
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analysis_tasks (id, status, progress, requested_jobs, error, document_name, created_at, updated_at)
		VALUES ($1, $2, 0, $3, '', $4, $5, $6)
	`, t.ID, string(t.Status), string(jobsJSON), documentName, ts, ts)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to save task", "task_id", t.ID, "error", err)
		return task.Task{}, fmt.Errorf("failed to insert task: %w", err)
	}

	return t, nil
}

// Get retrieves a task with all of its results.
func (s *Store) Get(ctx context.Context, id string) (task.Task, error) {
	var t task.Task
	var status, jobsJSON string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, status, progress, requested_jobs, error, document_name, created_at, updated_at
		FROM analysis_tasks
		WHERE id = $1
	`, id).Scan(&t.ID, &status, &t.Progress, &jobsJSON, &t.Error, &t.DocumentName, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return task.Task{}, mapError(err, id)
	}

	t.Status = task.Status(status)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	if err := json.Unmarshal([]byte(jobsJSON), &t.RequestedJobs); err != nil {
		return task.Task{}, fmt.Errorf("failed to decode requested jobs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT job_id, outcome FROM analysis_results WHERE task_id = $1`, id)
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

// SetStatus validates and applies a status transition under a row lock.
func (s *Store) SetStatus(ctx context.Context, id string, status task.Status, errMsg string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		current, _, err := lockTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if !current.CanTransition(status) {
			return fmt.Errorf("%w: %s -> %s", task.ErrInvalidTransition, current, status)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE analysis_tasks
			SET status = $1,
				progress = CASE WHEN $1 = 'completed' THEN 100 ELSE progress END,
				error = CASE WHEN $1 = 'failed' THEN $2 ELSE error END,
				updated_at = $3
			WHERE id = $4
		`, string(status), errMsg, now(), id)
		if err != nil {
			return fmt.Errorf("failed to update task status: %w", err)
		}
		return nil
	})
}

// SetProgress raises progress on a non-terminal task. Lower values are ignored.
func (s *Store) SetProgress(ctx context.Context, id string, progress int) error {
	progress = task.ClampProgress(progress)

	return s.inTx(ctx, func(tx *sql.Tx) error {
		current, _, err := lockTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.Terminal() {
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE analysis_tasks SET progress = $1, updated_at = $2
			WHERE id = $3 AND progress < $1
		`, progress, now(), id)
		if err != nil {
			return fmt.Errorf("failed to update progress: %w", err)
		}
		return nil
	})
}

// PutResult upserts one job's outcome.
func (s *Store) PutResult(ctx context.Context, id string, jobID string, outcome task.Outcome) error {
	encoded, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to encode outcome: %w", err)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		current, jobs, err := lockTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.Terminal() {
			return fmt.Errorf("%w: task %s is %s", task.ErrInvalidTransition, id, current)
		}
		if !(task.Task{RequestedJobs: jobs}).Requested(jobID) {
			return fmt.Errorf("%w: job %q was not requested", task.ErrInvalidRequest, jobID)
		}

		ts := now()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO analysis_results (task_id, job_id, outcome, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (task_id, job_id) DO UPDATE SET
				outcome = EXCLUDED.outcome,
				updated_at = EXCLUDED.updated_at
		`, id, jobID, string(encoded), ts)
		if err != nil {
			return mapError(err, id)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE analysis_tasks SET updated_at = $1 WHERE id = $2`, ts, id); err != nil {
			return fmt.Errorf("failed to touch task: %w", err)
		}
		return nil
	})
}

// Delete removes a task and, through ON DELETE CASCADE, its results.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM analysis_tasks WHERE id = $1`, id)
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
func (s *Store) List(ctx context.Context) ([]task.Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, progress, created_at
		FROM analysis_tasks
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	summaries := []task.Summary{}
	for rows.Next() {
		var sum task.Summary
		var status string
		if err := rows.Scan(&sum.ID, &status, &sum.Progress, &sum.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		sum.Status = task.Status(status)
		sum.CreatedAt = sum.CreatedAt.UTC()
		summaries = append(summaries, sum)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return summaries, nil
}

// lockTask reads the status and requested jobs with SELECT ... FOR UPDATE so
// concurrent writers to the same task are serialized.
func lockTask(ctx context.Context, tx *sql.Tx, id string) (task.Status, []string, error) {
	var status, jobsJSON string
	err := tx.QueryRowContext(ctx, `
		SELECT status, requested_jobs FROM analysis_tasks WHERE id = $1 FOR UPDATE
	`, id).Scan(&status, &jobsJSON)
	if err != nil {
		return "", nil, mapError(err, id)
	}

	var jobs []string
	if err := json.Unmarshal([]byte(jobsJSON), &jobs); err != nil {
		return "", nil, fmt.Errorf("failed to decode requested jobs: %w", err)
	}
	return task.Status(status), jobs, nil
}
