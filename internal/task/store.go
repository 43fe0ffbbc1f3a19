package task

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrInvalidRequest is returned for malformed task creation or result writes.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNotFound is returned for operations on a task id that does not exist.
	ErrNotFound = errors.New("task not found")
	// ErrInvalidTransition is returned when a write would move a task backwards
	// or mutate a terminal task.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// JobValidator rejects job ids that are not registered.
type JobValidator func(jobIDs []string) error

// Store is the authoritative, concurrency-safe storage for tasks.
// Every mutation is atomic with respect to other calls on the same task.
type Store interface {
	Create(ctx context.Context, requestedJobs []string, documentName string) (Task, error)
	Get(ctx context.Context, id string) (Task, error)
	SetStatus(ctx context.Context, id string, status Status, errMsg string) error
	SetProgress(ctx context.Context, id string, progress int) error
	PutResult(ctx context.Context, id string, jobID string, outcome Outcome) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Summary, error)
}

// NormalizeJobs trims and de-duplicates job ids, keeping first occurrences in order,
// and runs the validator. Every Store implementation calls it from Create.
func NormalizeJobs(jobIDs []string, validate JobValidator) ([]string, error) {
	seen := make(map[string]bool, len(jobIDs))
	out := make([]string, 0, len(jobIDs))
	for _, id := range jobIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no jobs requested", ErrInvalidRequest)
	}
	if validate != nil {
		if err := validate(out); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
	}
	return out, nil
}

// NewID returns a fresh opaque task identifier.
func NewID() string {
	return uuid.NewString()
}

// ClampProgress bounds a progress write. 100 is reserved for completed tasks.
func ClampProgress(progress int) int {
	if progress < 0 {
		return 0
	}
	if progress > 99 {
		return 99
	}
	return progress
}
