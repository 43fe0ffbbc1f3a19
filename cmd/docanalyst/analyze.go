package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/aristath/docanalyst/internal/catalog"
	"github.com/aristath/docanalyst/internal/config"
	"github.com/aristath/docanalyst/internal/document"
	"github.com/aristath/docanalyst/internal/events"
	"github.com/aristath/docanalyst/internal/task"
)

// statusPollInterval backs up the event stream in case a terminal event was dropped.
const statusPollInterval = time.Second

type analyzeEntry struct {
	JobID  string          `json:"job_id"`
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type analyzeOutput struct {
	TaskID  string         `json:"task_id"`
	Status  string         `json:"status"`
	Error   string         `json:"error,omitempty"`
	Results []analyzeEntry `json:"results"`
}

func runAnalyze(ctx context.Context, args []string, cfg *config.Config, logger *slog.Logger, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("analyze", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jobsFlag := fs.String("jobs", strings.Join(catalog.DefaultJobs(), ","), "comma-separated job ids")
	asJSON := fs.Bool("json", false, "print the result as JSON")
	quiet := fs.Bool("quiet", false, "do not print progress")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "analyze requires exactly one FILE")
		return 2
	}
	path := fs.Arg(0)

	app, err := newApplication(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := app.shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown incomplete", "error", err)
		}
	}()

	// Subscribe before submitting so no event of this task is missed.
	sub := app.bus.SubscribeAll(64)
	defer app.bus.Unsubscribe(sub)

	doc := document.Document{Name: filepath.Base(path), Path: path}
	id, err := app.service.Submit(ctx, doc, strings.Split(*jobsFlag, ","))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	progress := stderr
	if *quiet {
		progress = io.Discard
	}
	fmt.Fprintf(progress, "task %s submitted\n", id)

	if err := waitForTask(ctx, app, id, sub, progress); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	result, err := app.service.Result(context.WithoutCancel(ctx), id)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	out := analyzeOutput{
		TaskID:  result.ID,
		Status:  string(result.Status),
		Error:   result.Error,
		Results: make([]analyzeEntry, 0, len(result.Entries)),
	}
	for _, e := range result.Entries {
		out.Results = append(out.Results, toAnalyzeEntry(e))
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	} else {
		printResult(stdout, out, result.Entries)
	}

	if result.Status != task.StatusCompleted {
		return 1
	}
	return 0
}

// waitForTask prints the task's events until it reaches a terminal status.
// On interruption it returns once the service has recorded the failure.
func waitForTask(ctx context.Context, app *application, id string, sub <-chan events.Event, progress io.Writer) error {
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := app.service.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("interrupted: %w", err)
			}
			return nil

		case e, ok := <-sub:
			if !ok {
				return nil
			}
			if e.TaskID() != id {
				continue
			}
			printEvent(progress, e)
			if events.Terminal(e) {
				return nil
			}

		case <-ticker.C:
			summary, err := app.service.Status(context.WithoutCancel(ctx), id)
			if err != nil {
				return err
			}
			if summary.Status.Terminal() {
				return nil
			}
		}
	}
}

func printEvent(w io.Writer, e events.Event) {
	switch ev := e.(type) {
	case events.TaskStartedEvent:
		fmt.Fprintf(w, "started: %s\n", strings.Join(ev.Jobs, ", "))
	case events.TaskProgressEvent:
		fmt.Fprintf(w, "progress: %d%%\n", ev.Progress)
	case events.JobCompletedEvent:
		fmt.Fprintf(w, "  %s done (%s)\n", ev.JobID, ev.Duration.Round(time.Millisecond))
	case events.JobFailedEvent:
		fmt.Fprintf(w, "  %s failed: %s\n", ev.JobID, ev.Reason)
	case events.TaskCompletedEvent:
		fmt.Fprintf(w, "completed in %s: %d succeeded, %d failed\n",
			ev.Duration.Round(time.Millisecond), ev.Succeeded, ev.Failed)
	case events.TaskFailedEvent:
		fmt.Fprintf(w, "failed: %s\n", ev.Err)
	}
}

func printResult(w io.Writer, out analyzeOutput, entries []task.Entry) {
	if out.Error != "" {
		fmt.Fprintf(w, "task %s %s: %s\n", out.TaskID, out.Status, out.Error)
	}
	for _, e := range entries {
		fmt.Fprintf(w, "\n== %s ==\n%s\n", e.JobID, e.Outcome)
	}
}

func toAnalyzeEntry(e task.Entry) analyzeEntry {
	if !e.Outcome.Succeeded() {
		return analyzeEntry{JobID: e.JobID, Status: "failure", Error: e.Outcome.Reason()}
	}
	return analyzeEntry{JobID: e.JobID, Status: "success", Data: e.Outcome.Payload()}
}
