// Package tasktest holds behavioural tests shared by every task.Store implementation.
package tasktest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/aristath/docanalyst/internal/task"
)

// KnownJobs are the job ids accepted by Validator.
var KnownJobs = []string{"a", "b", "c", "d", "e", "relator"}

// Validator accepts only KnownJobs.
func Validator(jobIDs []string) error {
	for _, id := range jobIDs {
		known := false
		for _, k := range KnownJobs {
			if id == k {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("unknown job %q", id)
		}
	}
	return nil
}

// Factory builds an empty store wired with the given validator.
type Factory func(t *testing.T, validate task.JobValidator) task.Store

// Run executes the full store suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t, Validator)) })
	t.Run("CreateInvalid", func(t *testing.T) { testCreateInvalid(t, newStore(t, Validator)) })
	t.Run("StatusTransitions", func(t *testing.T) { testStatusTransitions(t, newStore(t, Validator)) })
	t.Run("ProgressMonotonic", func(t *testing.T) { testProgressMonotonic(t, newStore(t, Validator)) })
	t.Run("PutResult", func(t *testing.T) { testPutResult(t, newStore(t, Validator)) })
	t.Run("ConcurrentPutResult", func(t *testing.T) { testConcurrentPutResult(t, newStore(t, Validator)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t, Validator)) })
	t.Run("List", func(t *testing.T) { testList(t, newStore(t, Validator)) })
	t.Run("FailedKeepsError", func(t *testing.T) { testFailedKeepsError(t, newStore(t, Validator)) })
}

func testCreateAndGet(t *testing.T, store task.Store) {
	ctx := context.Background()

	created, err := store.Create(ctx, []string{"b", "a", "b", " relator "}, "case.txt")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected non-empty task ID")
	}
	if created.Status != task.StatusPending {
		t.Errorf("status = %s, want pending", created.Status)
	}
	if created.Progress != 0 {
		t.Errorf("progress = %d, want 0", created.Progress)
	}

	got, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	want := []string{"b", "a", "relator"}
	if len(got.RequestedJobs) != len(want) {
		t.Fatalf("requested jobs = %v, want %v", got.RequestedJobs, want)
	}
	for i := range want {
		if got.RequestedJobs[i] != want[i] {
			t.Errorf("requested[%d] = %q, want %q", i, got.RequestedJobs[i], want[i])
		}
	}
	if len(got.Results) != 0 {
		t.Errorf("expected empty results, got %d", len(got.Results))
	}
	if got.DocumentName != "case.txt" {
		t.Errorf("document name = %q, want case.txt", got.DocumentName)
	}
}

func testCreateInvalid(t *testing.T, store task.Store) {
	ctx := context.Background()

	tests := []struct {
		name string
		jobs []string
	}{
		{name: "nil jobs", jobs: nil},
		{name: "blank jobs", jobs: []string{"", "  "}},
		{name: "unknown job", jobs: []string{"a", "nope"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Create(ctx, tt.jobs, "")
			if !errors.Is(err, task.ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}

	summaries, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(summaries) != 0 {
		t.Errorf("expected no tasks after invalid creates, got %d", len(summaries))
	}
}

func testStatusTransitions(t *testing.T, store task.Store) {
	ctx := context.Background()
	created := mustCreate(t, store, "a")

	if err := store.SetStatus(ctx, created.ID, task.StatusCompleted, ""); !errors.Is(err, task.ErrInvalidTransition) {
		t.Errorf("pending -> completed: expected ErrInvalidTransition, got %v", err)
	}
	if err := store.SetStatus(ctx, created.ID, task.StatusProcessing, ""); err != nil {
		t.Fatalf("pending -> processing failed: %v", err)
	}
	if err := store.SetStatus(ctx, created.ID, task.StatusPending, ""); !errors.Is(err, task.ErrInvalidTransition) {
		t.Errorf("processing -> pending: expected ErrInvalidTransition, got %v", err)
	}
	if err := store.SetStatus(ctx, created.ID, task.StatusCompleted, ""); err != nil {
		t.Fatalf("processing -> completed failed: %v", err)
	}

	got, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != task.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.Progress != 100 {
		t.Errorf("progress = %d, want 100 after completion", got.Progress)
	}

	if err := store.SetStatus(ctx, created.ID, task.StatusFailed, "late"); !errors.Is(err, task.ErrInvalidTransition) {
		t.Errorf("completed -> failed: expected ErrInvalidTransition, got %v", err)
	}
	if err := store.SetStatus(ctx, "missing", task.StatusProcessing, ""); !errors.Is(err, task.ErrNotFound) {
		t.Errorf("missing task: expected ErrNotFound, got %v", err)
	}
}

func testProgressMonotonic(t *testing.T, store task.Store) {
	ctx := context.Background()
	created := mustCreate(t, store, "a")

	if err := store.SetStatus(ctx, created.ID, task.StatusProcessing, ""); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	steps := []struct {
		write int
		want  int
	}{
		{write: 10, want: 10},
		{write: 50, want: 50},
		{write: 30, want: 50},
		{write: 100, want: 99},
		{write: -5, want: 99},
	}
	for _, step := range steps {
		if err := store.SetProgress(ctx, created.ID, step.write); err != nil {
			t.Fatalf("SetProgress(%d) failed: %v", step.write, err)
		}
		got, err := store.Get(ctx, created.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Progress != step.want {
			t.Errorf("after SetProgress(%d): progress = %d, want %d", step.write, got.Progress, step.want)
		}
	}

	if err := store.SetStatus(ctx, created.ID, task.StatusFailed, "boom"); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	if err := store.SetProgress(ctx, created.ID, 10); err != nil {
		t.Fatalf("SetProgress on failed task returned error: %v", err)
	}
	got, _ := store.Get(ctx, created.ID)
	if got.Progress != 99 {
		t.Errorf("failed task progress = %d, want frozen at 99", got.Progress)
	}
	if err := store.SetProgress(ctx, "missing", 10); !errors.Is(err, task.ErrNotFound) {
		t.Errorf("missing task: expected ErrNotFound, got %v", err)
	}
}

func testPutResult(t *testing.T, store task.Store) {
	ctx := context.Background()
	created := mustCreate(t, store, "a", "b")

	if err := store.SetStatus(ctx, created.ID, task.StatusProcessing, ""); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	if err := store.PutResult(ctx, created.ID, "a", task.Success([]byte(`{"summary":"ok"}`))); err != nil {
		t.Fatalf("PutResult(a) failed: %v", err)
	}
	if err := store.PutResult(ctx, created.ID, "b", task.Failure("model unavailable")); err != nil {
		t.Fatalf("PutResult(b) failed: %v", err)
	}
	if err := store.PutResult(ctx, created.ID, "c", task.SuccessText("x")); !errors.Is(err, task.ErrInvalidRequest) {
		t.Errorf("unrequested job: expected ErrInvalidRequest, got %v", err)
	}

	got, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(got.Results) != 2 {
		t.Fatalf("results = %d entries, want 2", len(got.Results))
	}
	if !got.Results["a"].Succeeded() || string(got.Results["a"].Payload()) != `{"summary":"ok"}` {
		t.Errorf("result a = %v, want success payload", got.Results["a"])
	}
	if got.Results["b"].Succeeded() || got.Results["b"].Reason() != "model unavailable" {
		t.Errorf("result b = %v, want failure marker", got.Results["b"])
	}

	if err := store.SetStatus(ctx, created.ID, task.StatusCompleted, ""); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	if err := store.PutResult(ctx, created.ID, "a", task.SuccessText("overwrite")); !errors.Is(err, task.ErrInvalidTransition) {
		t.Errorf("write after completion: expected ErrInvalidTransition, got %v", err)
	}
	if err := store.PutResult(ctx, "missing", "a", task.SuccessText("x")); !errors.Is(err, task.ErrNotFound) {
		t.Errorf("missing task: expected ErrNotFound, got %v", err)
	}
}

func testConcurrentPutResult(t *testing.T, store task.Store) {
	ctx := context.Background()
	jobs := []string{"a", "b", "c", "d", "e"}
	created := mustCreate(t, store, jobs...)

	if err := store.SetStatus(ctx, created.ID, task.StatusProcessing, ""); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(jobs))
	for i := len(jobs) - 1; i >= 0; i-- {
		wg.Add(1)
		go func(jobID string) {
			defer wg.Done()
			errs <- store.PutResult(ctx, created.ID, jobID, task.SuccessText("done "+jobID))
		}(jobs[i])
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent PutResult failed: %v", err)
		}
	}

	got, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(got.Results) != len(jobs) {
		t.Fatalf("results = %d entries, want %d", len(got.Results), len(jobs))
	}
	for _, id := range jobs {
		if got.Results[id].String() != "done "+id {
			t.Errorf("result %s = %q, want %q", id, got.Results[id].String(), "done "+id)
		}
	}
}

func testDelete(t *testing.T, store task.Store) {
	ctx := context.Background()

	if err := store.Delete(ctx, "missing"); !errors.Is(err, task.ErrNotFound) {
		t.Errorf("delete missing: expected ErrNotFound, got %v", err)
	}

	created := mustCreate(t, store, "a")
	if err := store.Delete(ctx, created.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, created.ID); !errors.Is(err, task.ErrNotFound) {
		t.Errorf("get after delete: expected ErrNotFound, got %v", err)
	}
	if err := store.PutResult(ctx, created.ID, "a", task.SuccessText("x")); !errors.Is(err, task.ErrNotFound) {
		t.Errorf("write after delete: expected ErrNotFound, got %v", err)
	}
}

func testList(t *testing.T, store task.Store) {
	ctx := context.Background()

	first := mustCreate(t, store, "a")
	second := mustCreate(t, store, "b")
	if err := store.SetStatus(ctx, second.ID, task.StatusProcessing, ""); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	if err := store.SetProgress(ctx, second.ID, 40); err != nil {
		t.Fatalf("SetProgress failed: %v", err)
	}

	summaries, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("List returned %d tasks, want 2", len(summaries))
	}

	byID := make(map[string]task.Summary)
	for _, s := range summaries {
		byID[s.ID] = s
	}
	if byID[first.ID].Status != task.StatusPending {
		t.Errorf("first status = %s, want pending", byID[first.ID].Status)
	}
	if byID[second.ID].Status != task.StatusProcessing || byID[second.ID].Progress != 40 {
		t.Errorf("second = %+v, want processing at 40", byID[second.ID])
	}
}

func testFailedKeepsError(t *testing.T, store task.Store) {
	ctx := context.Background()
	created := mustCreate(t, store, "a")

	if err := store.SetStatus(ctx, created.ID, task.StatusProcessing, ""); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	if err := store.SetStatus(ctx, created.ID, task.StatusFailed, "document unreadable"); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	got, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != task.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.Error != "document unreadable" {
		t.Errorf("error = %q, want %q", got.Error, "document unreadable")
	}
	if got.Progress == 100 {
		t.Error("failed task must not report progress 100")
	}
}

func mustCreate(t *testing.T, store task.Store, jobs ...string) task.Task {
	t.Helper()
	created, err := store.Create(context.Background(), jobs, "")
	if err != nil {
		t.Fatalf("Create(%v) failed: %v", jobs, err)
	}
	return created
}
