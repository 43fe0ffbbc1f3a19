package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Publisher is the producer side of the bus.
type Publisher interface {
	Publish(topic string, event Event)
}

// Topic constants
const (
	TopicTask = "task"
	TopicJob  = "job"
)

// Event type constants
const (
	EventTypeTaskStarted   = "task.started"
	EventTypeTaskProgress  = "task.progress"
	EventTypeTaskCompleted = "task.completed"
	EventTypeTaskFailed    = "task.failed"
	EventTypeJobCompleted  = "job.completed"
	EventTypeJobFailed     = "job.failed"
)

// TaskStartedEvent is published when the orchestrator picks up a task.
type TaskStartedEvent struct {
	ID        string
	Jobs      []string
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskProgressEvent is published whenever the stored progress advances.
type TaskProgressEvent struct {
	ID        string
	Progress  int
	Timestamp time.Time
}

func (e TaskProgressEvent) EventType() string { return EventTypeTaskProgress }
func (e TaskProgressEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when every eligible job has an outcome.
type TaskCompletedEvent struct {
	ID        string
	Succeeded int
	Failed    int
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when orchestration fails before any job ran.
type TaskFailedEvent struct {
	ID        string
	Err       error
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// JobCompletedEvent is published when a job's success payload is stored.
type JobCompletedEvent struct {
	ID        string
	JobID     string
	Duration  time.Duration
	Timestamp time.Time
}

func (e JobCompletedEvent) EventType() string { return EventTypeJobCompleted }
func (e JobCompletedEvent) TaskID() string    { return e.ID }

// JobFailedEvent is published when a job's failure marker is stored.
type JobFailedEvent struct {
	ID        string
	JobID     string
	Reason    string
	Duration  time.Duration
	Timestamp time.Time
}

func (e JobFailedEvent) EventType() string { return EventTypeJobFailed }
func (e JobFailedEvent) TaskID() string    { return e.ID }

// Terminal reports whether e ends a task's event stream.
func Terminal(e Event) bool {
	switch e.EventType() {
	case EventTypeTaskCompleted, EventTypeTaskFailed:
		return true
	}
	return false
}
