package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aristath/docanalyst/internal/backend"
	"github.com/aristath/docanalyst/internal/catalog"
	"github.com/aristath/docanalyst/internal/document"
	"github.com/aristath/docanalyst/internal/events"
	"github.com/aristath/docanalyst/internal/task"
)

// mockInvoker is a test implementation of backend.Invoker.
type mockInvoker struct {
	mu     sync.Mutex
	calls  []backend.Request
	handle func(ctx context.Context, req backend.Request) (backend.Response, error)
}

func (m *mockInvoker) Invoke(ctx context.Context, req backend.Request) (backend.Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	if m.handle != nil {
		return m.handle(ctx, req)
	}
	return backend.Response{Content: fmt.Sprintf(`{"job":%q}`, req.JobID)}, nil
}

func (m *mockInvoker) Name() string { return "mock" }

func (m *mockInvoker) requests(jobID string) []backend.Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []backend.Request
	for _, req := range m.calls {
		if req.JobID == jobID {
			out = append(out, req)
		}
	}
	return out
}

// failingPreparer always fails.
type failingPreparer struct{}

func (failingPreparer) Prepare(ctx context.Context, doc document.Document) (document.Context, error) {
	return document.Context{}, fmt.Errorf("%w: scanned image without text", document.ErrPreparationFailed)
}

// progressRecorder records every progress write that reaches the store.
type progressRecorder struct {
	task.Store
	mu     sync.Mutex
	values []int
}

func (r *progressRecorder) SetProgress(ctx context.Context, id string, progress int) error {
	r.mu.Lock()
	r.values = append(r.values, progress)
	r.mu.Unlock()
	return r.Store.SetProgress(ctx, id, progress)
}

func (r *progressRecorder) recorded() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.values...)
}

// testCatalog registers five independent jobs and a consolidator that lists its priors.
func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()

	independent := func(id string) catalog.JobSpec {
		return catalog.JobSpec{
			ID:           id,
			Title:        "Job " + strings.ToUpper(id),
			Kind:         catalog.Independent,
			Instructions: "instructions for " + id,
			UsesDocument: id != "e",
			BuildQuery: func(doc string, _ []catalog.Prior) (string, error) {
				return "analyze " + id, nil
			},
		}
	}

	relator := catalog.JobSpec{
		ID:    "relator",
		Title: "Relator",
		Kind:  catalog.Consolidator,
		BuildQuery: func(_ string, priors []catalog.Prior) (string, error) {
			var b strings.Builder
			for _, p := range priors {
				fmt.Fprintf(&b, "%s requested=%t ok=%t text=%s\n", p.JobID, p.Requested, p.Succeeded, p.Text)
			}
			return b.String(), nil
		},
	}

	cat, err := catalog.New(independent("a"), independent("b"), independent("c"), independent("d"), independent("e"), relator)
	if err != nil {
		t.Fatalf("failed to build catalog: %v", err)
	}
	return cat
}

type fixture struct {
	store   task.Store
	cat     *catalog.Catalog
	invoker *mockInvoker
	bus     *events.EventBus
	orch    *Orchestrator
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()

	cat := testCatalog(t)
	f := &fixture{
		store:   task.NewMemoryStore(cat.Validate),
		cat:     cat,
		invoker: &mockInvoker{},
		bus:     events.NewEventBus(),
	}
	t.Cleanup(f.bus.Close)

	cfg := Config{
		Store:      f.store,
		Catalog:    cat,
		Preparer:   document.NewFilePreparer(0),
		Invoker:    f.invoker,
		Breakers:   NewCircuitBreakerRegistry(BreakerConfig{ConsecutiveFailures: 1000}, nil),
		Events:     f.bus,
		Workers:    5,
		JobTimeout: 2 * time.Second,
		Retry: RetryConfig{
			InitialInterval: time.Millisecond,
			MaxInterval:     time.Millisecond,
			MaxElapsedTime:  100 * time.Millisecond,
			Multiplier:      1,
			MaxRetries:      1,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.store = cfg.Store

	orch, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create orchestrator: %v", err)
	}
	f.orch = orch
	return f
}

func (f *fixture) create(t *testing.T, jobs ...string) task.Task {
	t.Helper()
	tk, err := f.store.Create(context.Background(), jobs, "processo.txt")
	if err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	return tk
}

func (f *fixture) get(t *testing.T, id string) task.Task {
	t.Helper()
	tk, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	return tk
}

func textDoc() document.Document {
	return document.Document{Name: "processo.txt", Text: "O réu foi denunciado por homicídio."}
}

func failJobs(ids ...string) func(ctx context.Context, req backend.Request) (backend.Response, error) {
	failing := make(map[string]bool, len(ids))
	for _, id := range ids {
		failing[id] = true
	}
	return func(ctx context.Context, req backend.Request) (backend.Response, error) {
		if failing[req.JobID] {
			return backend.Response{}, errors.New("analyzer unavailable")
		}
		return backend.Response{Content: fmt.Sprintf(`{"job":%q}`, req.JobID)}, nil
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty config")
	}
}

// TestRunConsolidatorSeesSuccessAndFailure covers {A, B, relator} with A succeeding and B failing.
func TestRunConsolidatorSeesSuccessAndFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.invoker.handle = failJobs("b")
	tk := f.create(t, "a", "b", "relator")

	if err := f.orch.Run(context.Background(), tk.ID, textDoc(), tk.RequestedJobs); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := f.get(t, tk.ID)
	if got.Status != task.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.Progress != 100 {
		t.Errorf("expected progress 100, got %d", got.Progress)
	}
	if len(got.Results) != 3 {
		t.Fatalf("expected 3 results, got %d: %v", len(got.Results), got.Results)
	}
	if !got.Results["a"].Succeeded() {
		t.Errorf("expected a to succeed, got %s", got.Results["a"])
	}
	if got.Results["b"].Succeeded() {
		t.Error("expected b to fail")
	}
	if !strings.Contains(got.Results["b"].Reason(), "analyzer unavailable") {
		t.Errorf("expected failure reason to carry the cause, got %q", got.Results["b"].Reason())
	}
	if !got.Results["relator"].Succeeded() {
		t.Errorf("expected relator to succeed, got %s", got.Results["relator"])
	}

	calls := f.invoker.requests("relator")
	if len(calls) != 1 {
		t.Fatalf("expected 1 relator call, got %d", len(calls))
	}
	query := calls[0].Query
	for _, want := range []string{
		`a requested=true ok=true text={"job":"a"}`,
		"b requested=true ok=false text=analyzer unavailable",
		"c requested=false ok=false",
	} {
		if !strings.Contains(query, want) {
			t.Errorf("relator query missing %q:\n%s", want, query)
		}
	}
	if strings.Contains(query, "relator requested") {
		t.Error("relator query should only list independent jobs")
	}
}

// TestRunAllIndependentFail covers {A, B} with both failing: the task still completes.
func TestRunAllIndependentFail(t *testing.T) {
	f := newFixture(t, nil)
	f.invoker.handle = failJobs("a", "b")
	tk := f.create(t, "a", "b")

	if err := f.orch.Run(context.Background(), tk.ID, textDoc(), tk.RequestedJobs); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := f.get(t, tk.ID)
	if got.Status != task.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.Error != "" {
		t.Errorf("expected no task error, got %q", got.Error)
	}
	for _, id := range []string{"a", "b"} {
		outcome, ok := got.Results[id]
		if !ok || outcome.Succeeded() {
			t.Errorf("expected failure marker for %s, got %v (present=%v)", id, outcome, ok)
		}
	}
}

func TestRunSkipsConsolidatorWithoutSuccesses(t *testing.T) {
	f := newFixture(t, nil)
	f.invoker.handle = failJobs("a", "b")
	tk := f.create(t, "a", "b", "relator")

	if err := f.orch.Run(context.Background(), tk.ID, textDoc(), tk.RequestedJobs); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := f.get(t, tk.ID)
	if got.Status != task.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if _, ok := got.Results["relator"]; ok {
		t.Error("relator must be absent when no independent job succeeded")
	}
	if len(f.invoker.requests("relator")) != 0 {
		t.Error("relator must not be invoked")
	}
	if len(got.Results) != 2 {
		t.Errorf("expected 2 results, got %d", len(got.Results))
	}
}

func TestRunConsolidatorOnly(t *testing.T) {
	f := newFixture(t, nil)
	tk := f.create(t, "relator")

	if err := f.orch.Run(context.Background(), tk.ID, textDoc(), tk.RequestedJobs); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := f.get(t, tk.ID)
	if got.Status != task.StatusCompleted || len(got.Results) != 0 {
		t.Errorf("expected completed with no results, got %s with %v", got.Status, got.Results)
	}
	if len(f.invoker.calls) != 0 {
		t.Errorf("expected no analyzer calls, got %d", len(f.invoker.calls))
	}
}

func TestRunConsolidatorFailureIsRecorded(t *testing.T) {
	f := newFixture(t, nil)
	f.invoker.handle = failJobs("relator")
	tk := f.create(t, "a", "relator")

	if err := f.orch.Run(context.Background(), tk.ID, textDoc(), tk.RequestedJobs); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := f.get(t, tk.ID)
	outcome, ok := got.Results["relator"]
	if !ok {
		t.Fatal("expected relator entry")
	}
	if outcome.Succeeded() {
		t.Error("expected relator failure marker")
	}
	if got.Status != task.StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
}

// TestRunPreparationFailure verifies the task fails without results and the artifact is released.
func TestRunPreparationFailure(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.Preparer = failingPreparer{} })
	tk := f.create(t, "a", "b", "relator")

	doc, err := document.Stage(strings.NewReader("conteúdo"), "processo.txt", t.TempDir())
	if err != nil {
		t.Fatalf("failed to stage document: %v", err)
	}

	err = f.orch.Run(context.Background(), tk.ID, doc, tk.RequestedJobs)
	if !errors.Is(err, document.ErrPreparationFailed) {
		t.Fatalf("expected ErrPreparationFailed, got %v", err)
	}

	got := f.get(t, tk.ID)
	if got.Status != task.StatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
	if !strings.Contains(got.Error, "scanned image") {
		t.Errorf("expected error to carry the cause, got %q", got.Error)
	}
	if len(got.Results) != 0 {
		t.Errorf("expected no results, got %v", got.Results)
	}
	if got.Progress == 100 {
		t.Error("failed task must not report progress 100")
	}
	if len(f.invoker.calls) != 0 {
		t.Errorf("expected no analyzer calls, got %d", len(f.invoker.calls))
	}
	if _, err := os.Stat(doc.Path); !os.IsNotExist(err) {
		t.Errorf("expected document artifact to be removed, stat err = %v", err)
	}
}

func TestRunReleasesDocumentOnSuccess(t *testing.T) {
	f := newFixture(t, nil)
	tk := f.create(t, "a")

	doc, err := document.Stage(strings.NewReader("conteúdo do processo"), "processo.txt", t.TempDir())
	if err != nil {
		t.Fatalf("failed to stage document: %v", err)
	}

	if err := f.orch.Run(context.Background(), tk.ID, doc, tk.RequestedJobs); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if _, err := os.Stat(doc.Path); !os.IsNotExist(err) {
		t.Errorf("expected document artifact to be removed, stat err = %v", err)
	}

	calls := f.invoker.requests("a")
	if len(calls) != 1 || calls[0].Context != "conteúdo do processo" {
		t.Errorf("expected prepared text as context, got %+v", calls)
	}
}

// TestRunReverseCompletionKeepsEveryResult finishes five jobs in reverse order of invocation.
func TestRunReverseCompletionKeepsEveryResult(t *testing.T) {
	rec := &progressRecorder{}
	f := newFixture(t, func(cfg *Config) {
		rec.Store = cfg.Store
		cfg.Store = rec
	})

	delays := map[string]time.Duration{
		"a": 100 * time.Millisecond,
		"b": 80 * time.Millisecond,
		"c": 60 * time.Millisecond,
		"d": 40 * time.Millisecond,
		"e": 20 * time.Millisecond,
	}
	f.invoker.handle = func(ctx context.Context, req backend.Request) (backend.Response, error) {
		time.Sleep(delays[req.JobID])
		return backend.Response{Content: fmt.Sprintf(`{"job":%q}`, req.JobID)}, nil
	}

	tk := f.create(t, "a", "b", "c", "d", "e", "relator")
	if err := f.orch.Run(context.Background(), tk.ID, textDoc(), tk.RequestedJobs); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := f.get(t, tk.ID)
	if len(got.Results) != 6 {
		t.Fatalf("expected 6 results, got %d", len(got.Results))
	}
	for id := range delays {
		var payload struct{ Job string }
		if err := json.Unmarshal(got.Results[id].Payload(), &payload); err != nil || payload.Job != id {
			t.Errorf("result for %s was overwritten or lost: %s", id, got.Results[id])
		}
	}

	ordered := got.OrderedResults(f.cat.IsConsolidator)
	var order []string
	for _, e := range ordered {
		order = append(order, e.JobID)
	}
	if strings.Join(order, ",") != "a,b,c,d,e,relator" {
		t.Errorf("unexpected presentation order %v", order)
	}

	values := rec.recorded()
	for i := 1; i < len(values); i++ {
		if values[i] <= values[i-1] {
			t.Errorf("progress decreased or repeated: %v", values)
			break
		}
	}
	if len(values) == 0 || values[0] != 10 {
		t.Errorf("expected progress to start at 10, got %v", values)
	}
	if values[len(values)-1] != 90 {
		t.Errorf("expected last progress write before completion to be 90, got %v", values)
	}
	if got.Progress != 100 {
		t.Errorf("expected progress 100, got %d", got.Progress)
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.Workers = 2 })

	var mu sync.Mutex
	active, peak := 0, 0
	f.invoker.handle = func(ctx context.Context, req backend.Request) (backend.Response, error) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		return backend.Response{Content: "ok"}, nil
	}

	tk := f.create(t, "a", "b", "c", "d", "e")
	if err := f.orch.Run(context.Background(), tk.ID, textDoc(), tk.RequestedJobs); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if peak > 2 {
		t.Errorf("expected at most 2 concurrent jobs, saw %d", peak)
	}
	if got := f.get(t, tk.ID); len(got.Results) != 5 {
		t.Errorf("expected 5 results, got %d", len(got.Results))
	}
}

// TestRunJobTimeout verifies a hung job becomes a failure marker without blocking siblings.
func TestRunJobTimeout(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.JobTimeout = 50 * time.Millisecond })
	f.invoker.handle = func(ctx context.Context, req backend.Request) (backend.Response, error) {
		if req.JobID == "a" {
			<-ctx.Done()
			return backend.Response{}, ctx.Err()
		}
		return backend.Response{Content: "ok"}, nil
	}

	tk := f.create(t, "a", "b", "relator")

	start := time.Now()
	if err := f.orch.Run(context.Background(), tk.ID, textDoc(), tk.RequestedJobs); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Run took %v, expected the timeout to bound it", elapsed)
	}

	got := f.get(t, tk.ID)
	if got.Results["a"].Succeeded() || !strings.Contains(got.Results["a"].Reason(), "timed out") {
		t.Errorf("expected timeout failure for a, got %s", got.Results["a"])
	}
	if !got.Results["b"].Succeeded() {
		t.Errorf("expected b to succeed, got %s", got.Results["b"])
	}
	if _, ok := got.Results["relator"]; !ok {
		t.Error("expected relator to run after a sibling succeeded")
	}
}

func TestRunRecoversJobPanic(t *testing.T) {
	f := newFixture(t, nil)
	f.invoker.handle = func(ctx context.Context, req backend.Request) (backend.Response, error) {
		if req.JobID == "b" {
			panic("nil pointer in adapter")
		}
		return backend.Response{Content: "ok"}, nil
	}

	tk := f.create(t, "a", "b")
	if err := f.orch.Run(context.Background(), tk.ID, textDoc(), tk.RequestedJobs); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := f.get(t, tk.ID)
	if got.Status != task.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if !strings.Contains(got.Results["b"].Reason(), "panicked") {
		t.Errorf("expected panic failure for b, got %s", got.Results["b"])
	}
	if !got.Results["a"].Succeeded() {
		t.Errorf("expected a to succeed, got %s", got.Results["a"])
	}
}

func TestRunPassesDocumentOnlyToDocumentJobs(t *testing.T) {
	f := newFixture(t, nil)
	tk := f.create(t, "a", "e")

	if err := f.orch.Run(context.Background(), tk.ID, textDoc(), tk.RequestedJobs); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	a := f.invoker.requests("a")
	e := f.invoker.requests("e")
	if len(a) != 1 || len(e) != 1 {
		t.Fatalf("expected one call per job, got a=%d e=%d", len(a), len(e))
	}
	if a[0].Context == "" {
		t.Error("expected document context for a")
	}
	if e[0].Context != "" {
		t.Errorf("expected no document context for e, got %q", e[0].Context)
	}
	if a[0].Instructions != "instructions for a" || a[0].Query != "analyze a" {
		t.Errorf("unexpected request %+v", a[0])
	}
}

func TestRunStoresPlainTextAsString(t *testing.T) {
	f := newFixture(t, nil)
	f.invoker.handle = func(ctx context.Context, req backend.Request) (backend.Response, error) {
		return backend.Response{Content: "A tese defensiva é legítima defesa."}, nil
	}

	tk := f.create(t, "a")
	if err := f.orch.Run(context.Background(), tk.ID, textDoc(), tk.RequestedJobs); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	outcome := f.get(t, tk.ID).Results["a"]
	if string(outcome.Payload()) != `"A tese defensiva é legítima defesa."` {
		t.Errorf("expected JSON string payload, got %s", outcome.Payload())
	}
}

// TestRunDropsWritesAfterDelete deletes the task while a job is in flight.
func TestRunDropsWritesAfterDelete(t *testing.T) {
	f := newFixture(t, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	f.invoker.handle = func(ctx context.Context, req backend.Request) (backend.Response, error) {
		close(started)
		<-release
		return backend.Response{Content: "ok"}, nil
	}

	tk := f.create(t, "a")
	errc := make(chan error, 1)
	go func() {
		errc <- f.orch.Run(context.Background(), tk.ID, textDoc(), tk.RequestedJobs)
	}()

	<-started
	if err := f.store.Delete(context.Background(), tk.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	close(release)

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("expected writes after delete to be dropped, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not finish")
	}

	if _, err := f.store.Get(context.Background(), tk.ID); !errors.Is(err, task.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	f := newFixture(t, nil)
	tk := f.create(t, "a")

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(ErrShutdown)

	if err := f.orch.Run(ctx, tk.ID, textDoc(), tk.RequestedJobs); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown, got %v", err)
	}

	got := f.get(t, tk.ID)
	if got.Status != task.StatusFailed || !strings.Contains(got.Error, "shutdown") {
		t.Errorf("expected failed with shutdown cause, got %s %q", got.Status, got.Error)
	}
	if len(f.invoker.calls) != 0 {
		t.Error("expected no analyzer calls")
	}
}

func TestRunPublishesLifecycleEvents(t *testing.T) {
	f := newFixture(t, nil)
	f.invoker.handle = failJobs("b")
	sub := f.bus.SubscribeAll(64)

	tk := f.create(t, "a", "b", "relator")
	if err := f.orch.Run(context.Background(), tk.ID, textDoc(), tk.RequestedJobs); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	seen := make(map[string]int)
	var last events.Event
	timeout := time.After(time.Second)
	for last == nil || !events.Terminal(last) {
		select {
		case ev := <-sub:
			if ev.TaskID() != tk.ID {
				t.Errorf("event for unexpected task %s", ev.TaskID())
			}
			seen[ev.EventType()]++
			last = ev
		case <-timeout:
			t.Fatalf("timed out waiting for terminal event, saw %v", seen)
		}
	}

	if seen[events.EventTypeTaskStarted] != 1 {
		t.Errorf("expected one task.started, got %d", seen[events.EventTypeTaskStarted])
	}
	if seen[events.EventTypeJobCompleted] != 2 {
		t.Errorf("expected two job.completed (a, relator), got %d", seen[events.EventTypeJobCompleted])
	}
	if seen[events.EventTypeJobFailed] != 1 {
		t.Errorf("expected one job.failed, got %d", seen[events.EventTypeJobFailed])
	}
	if seen[events.EventTypeTaskProgress] == 0 {
		t.Error("expected progress events")
	}
	completed, ok := last.(events.TaskCompletedEvent)
	if !ok {
		t.Fatalf("expected task.completed, got %s", last.EventType())
	}
	if completed.Succeeded != 2 || completed.Failed != 1 {
		t.Errorf("expected 2 succeeded and 1 failed, got %d and %d", completed.Succeeded, completed.Failed)
	}
}

func TestRunWithLegalCatalog(t *testing.T) {
	cat := catalog.Legal()
	f := newFixture(t, func(cfg *Config) {
		cfg.Catalog = cat
		cfg.Store = task.NewMemoryStore(cat.Validate)
	})

	tk, err := f.store.Create(context.Background(), []string{catalog.JobDefesa, catalog.JobWeb, catalog.JobRelator}, "processo.txt")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := f.orch.Run(context.Background(), tk.ID, textDoc(), tk.RequestedJobs); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := f.get(t, tk.ID)
	if len(got.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(got.Results))
	}
	relator := f.invoker.requests(catalog.JobRelator)
	if len(relator) != 1 || !strings.Contains(relator[0].Query, "Não disponível.") {
		t.Errorf("expected relator query to mark unrequested jobs unavailable, got %+v", relator)
	}
	if web := f.invoker.requests(catalog.JobWeb); len(web) != 1 || web[0].Context != "" {
		t.Errorf("expected web job without document context, got %+v", web)
	}
}

func TestStripCodeFence(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n[1,2]\n```", `[1,2]`},
		{"inline fence", "```{\"a\":1}```", `{"a":1}`},
		{"whitespace", "  texto  \n", "texto"},
		{"lone backticks", "```", "```"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripCodeFence(tt.in); got != tt.want {
				t.Errorf("stripCodeFence(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
