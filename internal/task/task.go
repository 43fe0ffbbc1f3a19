package task

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status represents the lifecycle state of an analysis task.
type Status string

const (
	StatusPending    Status = "pending"    // Created, not yet picked up
	StatusProcessing Status = "processing" // Orchestrator is running jobs
	StatusCompleted  Status = "completed"  // Every eligible job has an entry in Results
	StatusFailed     Status = "failed"     // Orchestration could not produce any result
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving from s to next is allowed.
// Transitions only move forward: pending -> processing -> {completed, failed}.
// pending -> failed is allowed so tasks dispatched during shutdown can be finalized.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusFailed
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Outcome is the result of one job: either a success payload or a failure marker.
type Outcome struct {
	ok      bool
	payload json.RawMessage
	reason  string
}

// Success wraps a structured JSON payload. Invalid JSON is stored as a JSON string.
func Success(payload json.RawMessage) Outcome {
	if !json.Valid(payload) {
		return SuccessText(string(payload))
	}
	return Outcome{ok: true, payload: append(json.RawMessage(nil), payload...)}
}

// SuccessText wraps a plain-text answer as a JSON string payload.
func SuccessText(text string) Outcome {
	data, _ := json.Marshal(text)
	return Outcome{ok: true, payload: data}
}

// Failure records that a job was attempted and did not succeed.
func Failure(reason string) Outcome {
	if reason == "" {
		reason = "unknown failure"
	}
	return Outcome{reason: reason}
}

// Succeeded reports whether the outcome carries a payload.
func (o Outcome) Succeeded() bool { return o.ok }

// Payload returns the success payload, or nil for failures.
func (o Outcome) Payload() json.RawMessage { return o.payload }

// Reason returns the failure description, or "" for successes.
func (o Outcome) Reason() string { return o.reason }

// String renders the outcome for prompts and logs.
func (o Outcome) String() string {
	if !o.ok {
		return "failed: " + o.reason
	}
	var text string
	if err := json.Unmarshal(o.payload, &text); err == nil {
		return text
	}
	return string(o.payload)
}

type outcomeJSON struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// MarshalJSON encodes the variant with an explicit status tag.
func (o Outcome) MarshalJSON() ([]byte, error) {
	if o.ok {
		return json.Marshal(outcomeJSON{Status: "success", Data: o.payload})
	}
	return json.Marshal(outcomeJSON{Status: "failure", Error: o.reason})
}

// UnmarshalJSON decodes the form produced by MarshalJSON.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	var raw outcomeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Status {
	case "success":
		*o = Success(raw.Data)
	case "failure":
		*o = Failure(raw.Error)
	default:
		return fmt.Errorf("unknown outcome status %q", raw.Status)
	}
	return nil
}

// Task is one analysis request and its evolving state.
type Task struct {
	ID            string
	Status        Status
	Progress      int
	RequestedJobs []string
	Results       map[string]Outcome
	Error         string
	DocumentName  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Summary is the listing view of a task.
type Summary struct {
	ID        string
	Status    Status
	Progress  int
	CreatedAt time.Time
}

// Entry pairs a job id with its outcome for ordered presentation.
type Entry struct {
	JobID   string
	Outcome Outcome
}

// Requested reports whether jobID is part of the task's request.
func (t Task) Requested(jobID string) bool {
	for _, id := range t.RequestedJobs {
		if id == jobID {
			return true
		}
	}
	return false
}

// OrderedResults returns the results in request order with consolidator jobs last.
// Jobs without an entry are omitted.
func (t Task) OrderedResults(isConsolidator func(jobID string) bool) []Entry {
	entries := make([]Entry, 0, len(t.Results))
	var tail []Entry
	for _, id := range t.RequestedJobs {
		outcome, ok := t.Results[id]
		if !ok {
			continue
		}
		if isConsolidator != nil && isConsolidator(id) {
			tail = append(tail, Entry{JobID: id, Outcome: outcome})
			continue
		}
		entries = append(entries, Entry{JobID: id, Outcome: outcome})
	}
	return append(entries, tail...)
}

// Clone returns a deep copy so callers never share maps or slices with a store.
func (t Task) Clone() Task {
	cp := t
	cp.RequestedJobs = append([]string(nil), t.RequestedJobs...)
	cp.Results = make(map[string]Outcome, len(t.Results))
	for k, v := range t.Results {
		cp.Results[k] = v
	}
	return cp
}
