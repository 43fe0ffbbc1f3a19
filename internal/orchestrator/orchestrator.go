package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/docanalyst/internal/backend"
	"github.com/aristath/docanalyst/internal/catalog"
	"github.com/aristath/docanalyst/internal/document"
	"github.com/aristath/docanalyst/internal/events"
	"github.com/aristath/docanalyst/internal/task"
)

// Progress checkpoints
const (
	progressStarted      = 10
	progressPrepared     = 30
	progressJobsDone     = 70
	progressConsolidator = 90
)

// Config configures the orchestrator.
type Config struct {
	Store    task.Store              // Required
	Catalog  *catalog.Catalog        // Required
	Preparer document.Preparer       // Required
	Invoker  backend.Invoker         // Required
	Breakers *CircuitBreakerRegistry // Optional; nil creates a private registry
	Events   events.Publisher        // Optional; nil disables events
	Logger   *slog.Logger            // Optional

	Workers    int           // Max concurrent independent jobs (default 5)
	JobTimeout time.Duration // Deadline for one job including retries (default 5m)
	Retry      RetryConfig   // Zero value uses DefaultRetryConfig
}

// Orchestrator drives a task from pending to a terminal status.
// One Orchestrator can run many tasks concurrently.
type Orchestrator struct {
	config  Config
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil || cfg.Catalog == nil || cfg.Preparer == nil || cfg.Invoker == nil {
		return nil, errors.New("orchestrator requires a store, catalog, preparer and invoker")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Breakers == nil {
		cfg.Breakers = NewCircuitBreakerRegistry(BreakerConfig{MaxRequests: uint32(cfg.Workers)}, cfg.Logger)
	}

	return &Orchestrator{
		config:  cfg,
		breaker: cfg.Breakers.Get(cfg.Invoker.Name()),
		logger:  cfg.Logger,
	}, nil
}

// Store returns the task store the orchestrator writes to.
func (o *Orchestrator) Store() task.Store { return o.config.Store }

// Catalog returns the job catalog.
func (o *Orchestrator) Catalog() *catalog.Catalog { return o.config.Catalog }

// Run executes the requested jobs for a task that was created in the store.
// Job failures are recorded as failure outcomes and never returned. The
// returned error is the orchestration-level failure, already recorded on the
// task. The document is released before Run returns.
func (o *Orchestrator) Run(ctx context.Context, taskID string, doc document.Document, jobIDs []string) error {
	start := time.Now()
	logger := o.logger.With("task_id", taskID)
	defer doc.Release(logger)

	// Store writes outlive cancellation so an interrupted task still reaches a terminal state
	wctx := context.WithoutCancel(ctx)

	if err := ctx.Err(); err != nil {
		return o.fail(wctx, logger, taskID, start, fmt.Errorf("interrupted before start: %w", context.Cause(ctx)))
	}

	if err := o.config.Store.SetStatus(wctx, taskID, task.StatusProcessing, ""); err != nil {
		if errors.Is(err, task.ErrNotFound) {
			logger.Info("task deleted before start")
			return nil
		}
		return fmt.Errorf("failed to start task %s: %w", taskID, err)
	}
	o.publish(events.TopicTask, events.TaskStartedEvent{ID: taskID, Jobs: jobIDs, Timestamp: time.Now()})
	logger.Info("task started", "jobs", jobIDs)

	progress := &progressTracker{orch: o, taskID: taskID, logger: logger}
	progress.set(wctx, progressStarted)

	plan, err := o.config.Catalog.Plan(jobIDs)
	if err != nil {
		return o.fail(wctx, logger, taskID, start, fmt.Errorf("failed to plan jobs: %w", err))
	}

	docCtx, err := o.config.Preparer.Prepare(ctx, doc)
	if err != nil {
		return o.fail(wctx, logger, taskID, start, err)
	}
	if docCtx.Truncated {
		logger.Warn("document truncated for analysis", "document", docCtx.Name)
	}
	progress.set(wctx, progressPrepared)

	outcomes := o.runIndependent(ctx, wctx, logger, taskID, plan.Independent, docCtx, progress)
	progress.set(wctx, progressJobsDone)

	if err := ctx.Err(); err != nil {
		return o.fail(wctx, logger, taskID, start, fmt.Errorf("interrupted: %w", context.Cause(ctx)))
	}

	if plan.WantsConsolidator {
		if anySucceeded(outcomes) {
			progress.set(wctx, progressConsolidator)
			spec := *plan.Consolidator
			outcome := o.runJob(ctx, logger, spec, docCtx, o.priors(plan, outcomes))
			o.record(wctx, logger, taskID, spec.ID, outcome, 0)
			outcomes[spec.ID] = outcome
		} else {
			logger.Info("skipping consolidator, no independent job succeeded", "job_id", plan.Consolidator.ID)
		}
	}

	if err := o.config.Store.SetStatus(wctx, taskID, task.StatusCompleted, ""); err != nil {
		if errors.Is(err, task.ErrNotFound) {
			logger.Info("task deleted during processing")
			return nil
		}
		return fmt.Errorf("failed to complete task %s: %w", taskID, err)
	}

	succeeded, failed := count(outcomes)
	duration := time.Since(start)
	o.publish(events.TopicTask, events.TaskCompletedEvent{
		ID:        taskID,
		Succeeded: succeeded,
		Failed:    failed,
		Duration:  duration,
		Timestamp: time.Now(),
	})
	logger.Info("task completed", "succeeded", succeeded, "failed", failed, "duration", duration)
	return nil
}

// runIndependent fans out the independent jobs and waits for all of them.
func (o *Orchestrator) runIndependent(ctx, wctx context.Context, logger *slog.Logger, taskID string, specs []catalog.JobSpec, docCtx document.Context, progress *progressTracker) map[string]task.Outcome {
	var mu sync.Mutex
	outcomes := make(map[string]task.Outcome, len(specs)+1)
	if len(specs) == 0 {
		return outcomes
	}

	workers := o.config.Workers
	if workers > len(specs) {
		workers = len(specs)
	}

	// Workers never return errors, so the group never cancels siblings
	var g errgroup.Group
	g.SetLimit(workers)

	for _, spec := range specs {
		g.Go(func() error {
			jobStart := time.Now()
			outcome := o.runJob(ctx, logger, spec, docCtx, nil)
			o.record(wctx, logger, taskID, spec.ID, outcome, time.Since(jobStart))

			mu.Lock()
			outcomes[spec.ID] = outcome
			done := len(outcomes)
			mu.Unlock()

			progress.set(wctx, progressPrepared+(progressJobsDone-progressPrepared)*done/len(specs))
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

// runJob builds the query, invokes the analyzer and converts the answer into an outcome.
// It never panics and never returns an error: every failure becomes a failure outcome.
func (o *Orchestrator) runJob(ctx context.Context, logger *slog.Logger, spec catalog.JobSpec, docCtx document.Context, priors []catalog.Prior) (outcome task.Outcome) {
	logger = logger.With("job_id", spec.ID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("job panicked", "panic", r)
			outcome = task.Failure(fmt.Sprintf("job panicked: %v", r))
		}
	}()

	query, err := spec.BuildQuery(docCtx.Text, priors)
	if err != nil {
		return task.Failure(fmt.Sprintf("failed to build query: %v", err))
	}

	req := backend.Request{
		JobID:        spec.ID,
		Instructions: spec.Instructions,
		Query:        query,
	}
	if spec.UsesDocument {
		req.Context = docCtx.Text
	}

	jobCtx, cancel := context.WithTimeout(ctx, o.config.JobTimeout)
	defer cancel()

	resp, err := invokeWithRetry(jobCtx, o.config.Invoker, req, o.breaker, o.config.Retry)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			logger.Warn("job timed out", "timeout", o.config.JobTimeout)
			return task.Failure(fmt.Sprintf("timed out after %s", o.config.JobTimeout))
		}
		logger.Warn("job failed", "error", err)
		return task.Failure(err.Error())
	}

	return task.Success(json.RawMessage(stripCodeFence(resp.Content)))
}

// record stores one outcome and publishes the matching job event.
// Writes to a task deleted mid-run are dropped.
func (o *Orchestrator) record(ctx context.Context, logger *slog.Logger, taskID, jobID string, outcome task.Outcome, took time.Duration) {
	if err := o.config.Store.PutResult(ctx, taskID, jobID, outcome); err != nil {
		if errors.Is(err, task.ErrNotFound) {
			logger.Debug("dropping result for deleted task", "job_id", jobID)
			return
		}
		logger.Error("failed to store job result", "job_id", jobID, "error", err)
		return
	}

	if outcome.Succeeded() {
		o.publish(events.TopicJob, events.JobCompletedEvent{ID: taskID, JobID: jobID, Duration: took, Timestamp: time.Now()})
		return
	}
	o.publish(events.TopicJob, events.JobFailedEvent{ID: taskID, JobID: jobID, Reason: outcome.Reason(), Duration: took, Timestamp: time.Now()})
}

// priors lists every independent job in the catalog with what happened to it in this task.
func (o *Orchestrator) priors(plan catalog.Plan, outcomes map[string]task.Outcome) []catalog.Prior {
	requested := make(map[string]bool, len(plan.Independent))
	for _, spec := range plan.Independent {
		requested[spec.ID] = true
	}

	var priors []catalog.Prior
	for _, spec := range o.config.Catalog.ListJobs() {
		if spec.Kind != catalog.Independent {
			continue
		}
		p := catalog.Prior{JobID: spec.ID, Title: spec.Title, Requested: requested[spec.ID]}
		if outcome, ok := outcomes[spec.ID]; ok {
			p.Succeeded = outcome.Succeeded()
			if p.Succeeded {
				p.Text = outcome.String()
			} else {
				p.Text = outcome.Reason()
			}
		}
		priors = append(priors, p)
	}
	return priors
}

// fail records an orchestration-level failure on the task and returns it.
func (o *Orchestrator) fail(ctx context.Context, logger *slog.Logger, taskID string, start time.Time, cause error) error {
	logger.Error("task failed", "error", cause)

	if err := o.config.Store.SetStatus(ctx, taskID, task.StatusFailed, cause.Error()); err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return nil
		}
		logger.Error("failed to record task failure", "error", err)
	}

	o.publish(events.TopicTask, events.TaskFailedEvent{
		ID:        taskID,
		Err:       cause,
		Duration:  time.Since(start),
		Timestamp: time.Now(),
	})
	return cause
}

func (o *Orchestrator) publish(topic string, event events.Event) {
	if o.config.Events != nil {
		o.config.Events.Publish(topic, event)
	}
}

// progressTracker serializes progress writes so they only move forward.
type progressTracker struct {
	mu      sync.Mutex
	current int
	orch    *Orchestrator
	taskID  string
	logger  *slog.Logger
}

func (p *progressTracker) set(ctx context.Context, value int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if value <= p.current {
		return
	}
	if err := p.orch.config.Store.SetProgress(ctx, p.taskID, value); err != nil {
		if !errors.Is(err, task.ErrNotFound) {
			p.logger.Warn("failed to update progress", "progress", value, "error", err)
		}
		return
	}
	p.current = value
	p.orch.publish(events.TopicTask, events.TaskProgressEvent{ID: p.taskID, Progress: value, Timestamp: time.Now()})
}

func anySucceeded(outcomes map[string]task.Outcome) bool {
	for _, outcome := range outcomes {
		if outcome.Succeeded() {
			return true
		}
	}
	return false
}

func count(outcomes map[string]task.Outcome) (succeeded, failed int) {
	for _, outcome := range outcomes {
		if outcome.Succeeded() {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}

// stripCodeFence removes a markdown code fence wrapped around a model answer.
func stripCodeFence(content string) string {
	s := strings.TrimSpace(content)
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "```"), "```")
	// Drop the language tag on the opening line
	if i := strings.IndexByte(s, '\n'); i >= 0 && !strings.ContainsAny(s[:i], "{[\"") {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}
