package models

import (
	"testing"
	"time"
)

func TestTaskStateClassification(t *testing.T) {
	tests := []struct {
		state    TaskState
		inFlight bool
		terminal bool
	}{
		{StateQueued, true, false},
		{StateActive, true, false},
		{StatePaused, true, false},
		{StateErroring, false, true},
		{StateFinished, false, true},
		{StateCancelled, false, true},
		{TaskState("bogus"), false, false},
	}
	for _, tt := range tests {
		if got := tt.state.InFlight(); got != tt.inFlight {
			t.Errorf("%s.InFlight() = %v, want %v", tt.state, got, tt.inFlight)
		}
		if got := tt.state.Terminal(); got != tt.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", tt.state, got, tt.terminal)
		}
	}
}

func TestReasonOutcome(t *testing.T) {
	tests := map[Reason]string{
		ReasonInstall:   "installed",
		ReasonUpdate:    "updated",
		ReasonReinstall: "reinstalled",
		ReasonRevert:    "reverted",
		ReasonHeal:      "healed",
	}
	for r, want := range tests {
		if !r.Valid() {
			t.Errorf("%s should be valid", r)
		}
		if got := r.Outcome(); got != want {
			t.Errorf("%s.Outcome() = %q, want %q", r, got, want)
		}
	}
	if Reason("upgrade").Valid() {
		t.Errorf("unknown reason reported valid")
	}
}

func TestProgressOf(t *testing.T) {
	if p := ProgressOf(10, 0); p.Known {
		t.Errorf("unknown total should be indeterminate, got %+v", p)
	}
	if p := ProgressOf(50, 200); !p.Known || p.Fraction != 0.25 {
		t.Errorf("ProgressOf(50,200) = %+v", p)
	}
	if p := ProgressOf(300, 200); p.Fraction != 1 {
		t.Errorf("progress should clamp to 1, got %v", p.Fraction)
	}
}

func TestCloneDetachesTimestamps(t *testing.T) {
	now := time.Now()
	orig := Task{ID: "a", StartedAt: &now}
	c := orig.Clone()
	*c.StartedAt = now.Add(time.Hour)
	if !orig.StartedAt.Equal(now) {
		t.Fatalf("clone shares StartedAt with original")
	}
}

func TestFormatETA(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "-"},
		{-time.Second, "-"},
		{75 * time.Second, "01:15"},
		{time.Hour + 2*time.Minute + 3*time.Second, "01:02:03"},
	}
	for _, tt := range tests {
		if got := FormatETA(tt.in); got != tt.want {
			t.Errorf("FormatETA(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	tests := map[int64]string{
		512:             "512 B",
		2048:            "2.0 KiB",
		5 * 1024 * 1024: "5.0 MiB",
	}
	for in, want := range tests {
		if got := FormatBytes(in); got != want {
			t.Errorf("FormatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestDescribe(t *testing.T) {
	st := GameStatus{Kind: StatusFinished, Outcome: &TaskOutcome{Reason: ReasonUpdate, State: StateFinished}}
	if got := st.Describe(); got != "updated" {
		t.Errorf("Describe() = %q", got)
	}
	st = GameStatus{Kind: StatusPaused, Operation: &Operation{
		Type: OperationDownload, Name: KindDownload, Reason: ReasonInstall,
		Paused: true, Progress: FractionOf(0.5),
	}}
	if got := st.Describe(); got != "downloading (install), paused 50%" {
		t.Errorf("Describe() = %q", got)
	}
	if got := (GameStatus{Kind: StatusIdle}).Describe(); got != "idle" {
		t.Errorf("Describe() = %q", got)
	}
}
