package models

import (
	"time"
)

type TaskKind string

const (
	KindDownload  TaskKind = "download"
	KindInstall   TaskKind = "install"
	KindUninstall TaskKind = "uninstall"
	KindLaunch    TaskKind = "launch"
)

func (k TaskKind) Valid() bool {
	switch k {
	case KindDownload, KindInstall, KindUninstall, KindLaunch:
		return true
	}
	return false
}

// Verb is the present participle shown while the task runs.
func (k TaskKind) Verb() string {
	switch k {
	case KindDownload:
		return "downloading"
	case KindInstall:
		return "installing"
	case KindUninstall:
		return "uninstalling"
	case KindLaunch:
		return "launching"
	}
	return string(k)
}

// Reason records why a task was created. It never changes after creation.
type Reason string

const (
	ReasonInstall   Reason = "install"
	ReasonUpdate    Reason = "update"
	ReasonReinstall Reason = "reinstall"
	ReasonRevert    Reason = "revert"
	ReasonHeal      Reason = "heal"
)

func (r Reason) Valid() bool {
	switch r {
	case ReasonInstall, ReasonUpdate, ReasonReinstall, ReasonRevert, ReasonHeal:
		return true
	}
	return false
}

func (r Reason) Verb() string {
	switch r {
	case ReasonInstall:
		return "install"
	case ReasonUpdate:
		return "update"
	case ReasonReinstall:
		return "reinstall"
	case ReasonRevert:
		return "revert"
	case ReasonHeal:
		return "heal"
	}
	return string(r)
}

// Outcome is the past-tense form used once a task finished successfully.
func (r Reason) Outcome() string {
	switch r {
	case ReasonInstall:
		return "installed"
	case ReasonUpdate:
		return "updated"
	case ReasonReinstall:
		return "reinstalled"
	case ReasonRevert:
		return "reverted"
	case ReasonHeal:
		return "healed"
	}
	return string(r)
}

type TaskState string

const (
	StateQueued    TaskState = "queued"
	StateActive    TaskState = "active"
	StatePaused    TaskState = "paused"
	StateErroring  TaskState = "erroring"
	StateFinished  TaskState = "finished"
	StateCancelled TaskState = "cancelled"
)

func (s TaskState) Valid() bool {
	switch s {
	case StateQueued, StateActive, StatePaused, StateErroring, StateFinished, StateCancelled:
		return true
	}
	return false
}

// InFlight reports whether the state occupies the game's single in-flight slot.
func (s TaskState) InFlight() bool {
	switch s {
	case StateQueued, StateActive, StatePaused:
		return true
	case StateErroring, StateFinished, StateCancelled:
		return false
	}
	return false
}

func (s TaskState) Terminal() bool {
	return s.Valid() && !s.InFlight()
}

// Progress is either a fraction in [0,1] or indeterminate when the total is unknown.
type Progress struct {
	Fraction float64 `json:"fraction"`
	Known    bool    `json:"known"`
}

func Indeterminate() Progress {
	return Progress{}
}

func FractionOf(f float64) Progress {
	switch {
	case f < 0:
		f = 0
	case f > 1:
		f = 1
	}
	return Progress{Fraction: f, Known: true}
}

// ProgressOf derives progress from byte counts, indeterminate when total is unknown.
func ProgressOf(transferred, total int64) Progress {
	if total <= 0 {
		return Indeterminate()
	}
	return FractionOf(float64(transferred) / float64(total))
}

type Task struct {
	ID               string     `db:"id" json:"id"`
	GameID           int64      `db:"game_id" json:"game_id"`
	Kind             TaskKind   `db:"kind" json:"kind"`
	Reason           Reason     `db:"reason" json:"reason"`
	State            TaskState  `db:"state" json:"state"`
	Progress         Progress   `json:"progress"`
	TotalSize        int64      `db:"total_size" json:"total_size,omitempty"`
	BytesTransferred int64      `db:"bytes_transferred" json:"bytes_transferred,omitempty"`
	Error            string     `db:"error_message" json:"error,omitempty"`
	ErrorCategory    string     `db:"error_category" json:"error_category,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
	StartedAt        *time.Time `db:"started_at" json:"started_at,omitempty"`
	FinishedAt       *time.Time `db:"finished_at" json:"finished_at,omitempty"`
}

func (t *Task) IsCompleted() bool {
	return t.State.Terminal()
}

// Clone returns a copy that shares no pointers with t.
func (t Task) Clone() Task {
	if t.StartedAt != nil {
		v := *t.StartedAt
		t.StartedAt = &v
	}
	if t.FinishedAt != nil {
		v := *t.FinishedAt
		t.FinishedAt = &v
	}
	return t
}
