package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps tasks in process memory. State is lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	tasks    map[string]*Task
	validate JobValidator
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store. validate may be nil.
func NewMemoryStore(validate JobValidator) *MemoryStore {
	return &MemoryStore{
		tasks:    make(map[string]*Task),
		validate: validate,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create registers a new pending task.
func (s *MemoryStore) Create(ctx context.Context, requestedJobs []string, documentName string) (Task, error) {
	jobs, err := NormalizeJobs(requestedJobs, s.validate)
	if err != nil {
		return Task{}, err
	}

	now := s.now()
	t := &Task{
		ID:            NewID(),
		Status:        StatusPending,
		RequestedJobs: jobs,
		Results:       make(map[string]Outcome),
		DocumentName:  documentName,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	s.mu.Lock()
	s.tasks[t.ID] = t
	s.mu.Unlock()

	return t.Clone(), nil
}

// Get returns a snapshot of the task.
func (s *MemoryStore) Get(ctx context.Context, id string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t.Clone(), nil
}

// SetStatus moves the task forward. Completing a task pins progress at 100.
func (s *MemoryStore) SetStatus(ctx context.Context, id string, status Status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !t.Status.CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, status)
	}

	t.Status = status
	if status == StatusCompleted {
		t.Progress = 100
	}
	if status == StatusFailed {
		t.Error = errMsg
	}
	t.UpdatedAt = s.now()
	return nil
}

// SetProgress raises progress. Lower values and writes to terminal tasks are ignored.
func (s *MemoryStore) SetProgress(ctx context.Context, id string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if t.Status.Terminal() {
		return nil
	}

	progress = ClampProgress(progress)
	if progress > t.Progress {
		t.Progress = progress
		t.UpdatedAt = s.now()
	}
	return nil
}

// PutResult records one job's outcome.
func (s *MemoryStore) PutResult(ctx context.Context, id string, jobID string, outcome Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if t.Status.Terminal() {
		return fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, id, t.Status)
	}
	if !t.Requested(jobID) {
		return fmt.Errorf("%w: job %q was not requested", ErrInvalidRequest, jobID)
	}

	t.Results[jobID] = outcome
	t.UpdatedAt = s.now()
	return nil
}

// Delete removes the task.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.tasks, id)
	return nil
}

// List returns a snapshot of all tasks ordered by creation time.
func (s *MemoryStore) List(ctx context.Context) ([]Summary, error) {
	s.mu.RLock()
	out := make([]Summary, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, Summary{
			ID:        t.ID,
			Status:    t.Status,
			Progress:  t.Progress,
			CreatedAt: t.CreatedAt,
		})
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
