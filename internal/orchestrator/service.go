package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aristath/docanalyst/internal/catalog"
	"github.com/aristath/docanalyst/internal/document"
	"github.com/aristath/docanalyst/internal/task"
)

var (
	// ErrNotCompleted is returned when a job result is requested before the task completed.
	ErrNotCompleted = errors.New("task not completed")
	// ErrShutdown is the cancellation cause of runs interrupted by Shutdown.
	ErrShutdown = errors.New("shutdown")
)

// Result is the client view of a task's outcome.
type Result struct {
	ID       string
	Status   task.Status
	Progress int
	Error    string
	Entries  []task.Entry // Request order, consolidator last
}

// Service is the inbound surface: it creates tasks and supervises their runs.
type Service struct {
	orch   *Orchestrator
	store  task.Store
	cat    *catalog.Catalog
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]struct{}
	closed  bool
}

// NewService creates a service around an orchestrator.
func NewService(orch *Orchestrator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Service{
		orch:    orch,
		store:   orch.Store(),
		cat:     orch.Catalog(),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[string]struct{}),
	}
}

// Submit creates a task for doc and starts processing it in the background.
// The service takes ownership of doc and releases it on every path.
func (s *Service) Submit(ctx context.Context, doc document.Document, jobIDs []string) (string, error) {
	// Reserve a slot so Shutdown waits for this submission
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		doc.Release(s.logger)
		return "", fmt.Errorf("cannot submit: %w", ErrShutdown)
	}
	s.wg.Add(1)
	s.mu.Unlock()

	t, err := s.store.Create(ctx, jobIDs, doc.Name)
	if err != nil {
		s.wg.Done()
		doc.Release(s.logger)
		return "", err
	}

	s.mu.Lock()
	s.running[t.ID] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, t.ID)
			s.mu.Unlock()
		}()

		if err := s.orch.Run(s.ctx, t.ID, doc, t.RequestedJobs); err != nil {
			s.logger.Warn("task run ended with error", "task_id", t.ID, "error", err)
		}
	}()

	s.logger.Info("task submitted", "task_id", t.ID, "jobs", t.RequestedJobs, "document", doc.Name)
	return t.ID, nil
}

// Status returns the task's status and progress.
func (s *Service) Status(ctx context.Context, id string) (task.Summary, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return task.Summary{}, err
	}
	return task.Summary{ID: t.ID, Status: t.Status, Progress: t.Progress, CreatedAt: t.CreatedAt}, nil
}

// Result returns the task's status with its ordered results, or its error if failed.
func (s *Service) Result(ctx context.Context, id string) (Result, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}

	return Result{
		ID:       t.ID,
		Status:   t.Status,
		Progress: t.Progress,
		Error:    t.Error,
		Entries:  t.OrderedResults(s.cat.IsConsolidator),
	}, nil
}

// JobResult returns one job's outcome from a completed task.
func (s *Service) JobResult(ctx context.Context, id, jobID string) (task.Outcome, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return task.Outcome{}, err
	}
	if t.Status != task.StatusCompleted {
		return task.Outcome{}, fmt.Errorf("%w: task %s is %s", ErrNotCompleted, id, t.Status)
	}

	outcome, ok := t.Results[jobID]
	if !ok {
		return task.Outcome{}, fmt.Errorf("%w: no result for job %q in task %s", task.ErrNotFound, jobID, id)
	}
	return outcome, nil
}

// Delete removes a task. A run in progress keeps going and its writes are dropped.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("task deleted", "task_id", id)
	return nil
}

// List returns a snapshot of all tasks.
func (s *Service) List(ctx context.Context) ([]task.Summary, error) {
	return s.store.List(ctx)
}

// Jobs returns the catalog listing.
func (s *Service) Jobs() []catalog.JobSpec {
	return s.cat.ListJobs()
}

// Running returns how many runs are in flight.
func (s *Service) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Shutdown stops accepting tasks, cancels in-flight runs and waits for them
// until ctx ends. Tasks left non-terminal are marked failed.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel(ErrShutdown)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("timed out waiting for %d runs: %w", s.Running(), ctx.Err())
	}

	return errors.Join(waitErr, s.finalize(context.WithoutCancel(ctx)))
}

// finalize marks every non-terminal task failed.
func (s *Service) finalize(ctx context.Context) error {
	summaries, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}

	var errs []error
	for _, sum := range summaries {
		if sum.Status.Terminal() {
			continue
		}
		err := s.store.SetStatus(ctx, sum.ID, task.StatusFailed, ErrShutdown.Error())
		if err != nil && !errors.Is(err, task.ErrNotFound) && !errors.Is(err, task.ErrInvalidTransition) {
			errs = append(errs, fmt.Errorf("failed to finalize task %s: %w", sum.ID, err))
			continue
		}
		s.logger.Info("task finalized on shutdown", "task_id", sum.ID)
	}
	return errors.Join(errs...)
}
