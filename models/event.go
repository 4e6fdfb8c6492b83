package models

import "time"

// Outcome is the terminal result a backend reports for a task.
type Outcome string

const (
	OutcomeFinished  Outcome = "finished"
	OutcomeErrored   Outcome = "errored"
	OutcomeCancelled Outcome = "cancelled"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeFinished, OutcomeErrored, OutcomeCancelled:
		return true
	}
	return false
}

// State maps a backend outcome to the task state it settles in.
func (o Outcome) State() TaskState {
	switch o {
	case OutcomeFinished:
		return StateFinished
	case OutcomeErrored:
		return StateErroring
	case OutcomeCancelled:
		return StateCancelled
	}
	return ""
}

// Event is anything the execution backend delivers to the coordinator.
// The set is closed: only ProgressEvent and LifecycleEvent implement it.
type Event interface {
	EventTaskID() string
	EventTime() time.Time
	isEvent()
}

type ProgressEvent struct {
	TaskID           string `json:"task_id"`
	BytesTransferred int64  `json:"bytes_transferred"`
	// TotalSize is zero when the backend does not know it yet.
	TotalSize int64     `json:"total_size,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (e ProgressEvent) EventTaskID() string  { return e.TaskID }
func (e ProgressEvent) EventTime() time.Time { return e.Timestamp }
func (ProgressEvent) isEvent()               {}

type LifecycleEvent struct {
	TaskID    string    `json:"task_id"`
	Outcome   Outcome   `json:"outcome"`
	Err       string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (e LifecycleEvent) EventTaskID() string  { return e.TaskID }
func (e LifecycleEvent) EventTime() time.Time { return e.Timestamp }
func (LifecycleEvent) isEvent()               {}
