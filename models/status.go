package models

import "time"

type StatusKind string

const (
	StatusIdle      StatusKind = "idle"
	StatusQueued    StatusKind = "queued"
	StatusActive    StatusKind = "active"
	StatusPaused    StatusKind = "paused"
	StatusErrored   StatusKind = "errored"
	StatusFinished  StatusKind = "finished"
	StatusCancelled StatusKind = "cancelled"
)

// StatusKindOf maps a task state to the status shown for its game.
func StatusKindOf(s TaskState) StatusKind {
	switch s {
	case StateQueued:
		return StatusQueued
	case StateActive:
		return StatusActive
	case StatePaused:
		return StatusPaused
	case StateErroring:
		return StatusErrored
	case StateFinished:
		return StatusFinished
	case StateCancelled:
		return StatusCancelled
	}
	return StatusIdle
}

type OperationType string

const (
	OperationDownload OperationType = "download"
	OperationTask     OperationType = "task"
)

// Operation is the in-progress view of an in-flight task.
type Operation struct {
	Type     OperationType `json:"type"`
	Name     TaskKind      `json:"name"`
	TaskID   string        `json:"task_id"`
	Reason   Reason        `json:"reason"`
	Paused   bool          `json:"paused"`
	Queued   bool          `json:"queued"`
	Progress Progress      `json:"progress"`
	// BPS and ETA are zero when unknown.
	BPS float64       `json:"bps,omitempty"`
	ETA time.Duration `json:"eta,omitempty"`
}

// TaskOutcome describes the most recent terminal task of a game.
type TaskOutcome struct {
	TaskID     string     `json:"task_id"`
	Kind       TaskKind   `json:"kind"`
	Reason     Reason     `json:"reason"`
	State      TaskState  `json:"state"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

type GameStatus struct {
	GameID    int64        `json:"game_id"`
	Kind      StatusKind   `json:"kind"`
	Task      *Task        `json:"task,omitempty"`
	Operation *Operation   `json:"operation,omitempty"`
	Outcome   *TaskOutcome `json:"outcome,omitempty"`
}

// Describe renders a one-line human summary, used by the console and notifications.
func (gs GameStatus) Describe() string {
	switch gs.Kind {
	case StatusIdle:
		return "idle"
	case StatusQueued, StatusActive, StatusPaused:
		if gs.Operation == nil {
			return string(gs.Kind)
		}
		return describeOperation(gs.Kind, *gs.Operation)
	case StatusFinished:
		if gs.Outcome != nil {
			return gs.Outcome.Reason.Outcome()
		}
		return "finished"
	case StatusErrored:
		if gs.Outcome != nil && gs.Outcome.Error != "" {
			return "failed: " + gs.Outcome.Error
		}
		return "failed"
	case StatusCancelled:
		return "cancelled"
	}
	return string(gs.Kind)
}
