package pipeline

import (
	"fmt"
	"testing"
	"time"

	"game-download-coordinator/models"
)

type fakeClock struct{ now time.Time }

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fakeBackend struct {
	calls []string
}

func (b *fakeBackend) Start(t models.Task) { b.calls = append(b.calls, "start:"+t.ID) }
func (b *fakeBackend) Pause(id string)     { b.calls = append(b.calls, "pause:"+id) }
func (b *fakeBackend) Resume(id string)    { b.calls = append(b.calls, "resume:"+id) }
func (b *fakeBackend) Abort(id string)     { b.calls = append(b.calls, "abort:"+id) }

func (b *fakeBackend) has(call string) bool {
	for _, c := range b.calls {
		if c == call {
			return true
		}
	}
	return false
}

type transition struct {
	id       string
	previous models.TaskState
	state    models.TaskState
}

type recordingObserver struct {
	changes []transition
	removed []string
}

func (o *recordingObserver) TaskChanged(t models.Task, previous models.TaskState) {
	o.changes = append(o.changes, transition{t.ID, previous, t.State})
}

func (o *recordingObserver) TaskRemoved(t models.Task) {
	o.removed = append(o.removed, t.ID)
}

type harness struct {
	engine   *Engine
	clock    *fakeClock
	backend  *fakeBackend
	observer *recordingObserver
}

func newHarness(t *testing.T, lanes int) *harness {
	t.Helper()
	h := &harness{
		clock:    newFakeClock(),
		backend:  &fakeBackend{},
		observer: &recordingObserver{},
	}
	n := 0
	h.engine = NewEngine(Options{
		Concurrency: lanes,
		Backend:     h.backend,
		Observers:   []Observer{h.observer},
		Now:         h.clock.Now,
		NewID: func() string {
			n++
			return fmt.Sprintf("task-%d", n)
		},
	})
	t.Cleanup(h.engine.Close)
	return h
}

func (h *harness) progress(id string, bytes, total int64) bool {
	return h.engine.Apply(models.ProgressEvent{
		TaskID:           id,
		BytesTransferred: bytes,
		TotalSize:        total,
		Timestamp:        h.clock.Now(),
	})
}

func (h *harness) settle(id string, outcome models.Outcome, msg string) bool {
	return h.engine.Apply(models.LifecycleEvent{
		TaskID:    id,
		Outcome:   outcome,
		Err:       msg,
		Timestamp: h.clock.Now(),
	})
}

func (h *harness) state(t *testing.T, id string) models.TaskState {
	t.Helper()
	task, ok := h.engine.Task(id)
	if !ok {
		t.Fatalf("task %s not found", id)
	}
	return task.State
}

// checkInvariants asserts that every game has at most one in-flight task,
// active tasks fit in the lanes and form the front of the queue.
func checkInvariants(t *testing.T, e *Engine) {
	t.Helper()
	seen := map[int64]string{}
	active := 0
	prefix := true
	for _, task := range e.ListActive() {
		if !task.State.InFlight() {
			t.Fatalf("ListActive returned %s in state %s", task.ID, task.State)
		}
		if other, dup := seen[task.GameID]; dup {
			t.Fatalf("game %d has two in-flight tasks: %s and %s", task.GameID, other, task.ID)
		}
		seen[task.GameID] = task.ID
		if task.State == models.StateActive {
			if !prefix {
				t.Fatalf("active task %s is behind a waiting task", task.ID)
			}
			active++
		} else {
			prefix = false
		}
	}
	if limit := e.Concurrency(); active > limit {
		t.Fatalf("%d active tasks exceed the limit of %d", active, limit)
	}
}
