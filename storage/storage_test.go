package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"game-download-coordinator/models"
	"game-download-coordinator/utils"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := NewDatabase(DriverSQLite, filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("NewDatabase: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleTask(id string, game int64, state models.TaskState, created time.Time) models.Task {
	return models.Task{
		ID:        id,
		GameID:    game,
		Kind:      models.KindDownload,
		Reason:    models.ReasonInstall,
		State:     state,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")
	db, err := NewDatabase(DriverSQLite, path)
	if err != nil {
		t.Fatalf("NewDatabase: %v", err)
	}
	first, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	db.Close()

	db, err = NewDatabase(DriverSQLite, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	second, _ := db.SchemaVersion()
	if first == 0 || first != second {
		t.Fatalf("schema version %d then %d", first, second)
	}
}

func TestUnsupportedDriver(t *testing.T) {
	if _, err := NewDatabase("postgres", "x"); err == nil {
		t.Fatalf("expected an error for an unknown driver")
	}
}

func TestTaskStoreSaveAndLoad(t *testing.T) {
	store := NewTaskStore(openTestDB(t))
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	task := sampleTask("a", 1, models.StateActive, base)
	task.TotalSize = 4096
	task.BytesTransferred = 1024
	task.Progress = models.ProgressOf(1024, 4096)
	started := base.Add(time.Second)
	task.StartedAt = &started
	if err := store.Save(task); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.GetByID("a")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.GameID != 1 || got.State != models.StateActive || got.BytesTransferred != 1024 {
		t.Fatalf("loaded task = %+v", got)
	}
	if !got.Progress.Known || got.Progress.Fraction != 0.25 {
		t.Fatalf("progress = %+v", got.Progress)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) || got.FinishedAt != nil {
		t.Fatalf("timestamps = %v / %v", got.StartedAt, got.FinishedAt)
	}

	// upsert overwrites the mutable columns
	finished := base.Add(time.Minute)
	task.State = models.StateErroring
	task.Error = "connection reset by peer"
	task.ErrorCategory = string(utils.ErrorCategoryNetwork)
	task.FinishedAt = &finished
	if err := store.Save(task); err != nil {
		t.Fatalf("second Save: %v", err)
	}
	got, _ = store.GetByID("a")
	if got.State != models.StateErroring || got.Error != task.Error || got.FinishedAt == nil {
		t.Fatalf("after update = %+v", got)
	}

	if _, err := store.GetByID("missing"); !errors.Is(err, utils.ErrNotFound) {
		t.Fatalf("missing task err = %v", err)
	}
}

func TestTaskStoreQueries(t *testing.T) {
	store := NewTaskStore(openTestDB(t))
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	old := base.Add(-40 * 24 * time.Hour)

	tasks := []models.Task{
		sampleTask("q", 1, models.StateQueued, base.Add(2*time.Second)),
		sampleTask("p", 2, models.StatePaused, base.Add(1*time.Second)),
		sampleTask("f", 3, models.StateFinished, base),
		sampleTask("ancient", 4, models.StateCancelled, old),
	}
	tasks[2].FinishedAt = &base
	tasks[3].FinishedAt = &old
	for _, task := range tasks {
		if err := store.Save(task); err != nil {
			t.Fatalf("Save %s: %v", task.ID, err)
		}
	}

	all, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	want := []string{"ancient", "f", "p", "q"}
	for i, task := range all {
		if task.ID != want[i] {
			t.Fatalf("LoadAll order = %v", all)
		}
	}

	paused, _ := store.ListByState(models.StatePaused, 10)
	if len(paused) != 1 || paused[0].ID != "p" {
		t.Fatalf("ListByState = %v", paused)
	}

	stats, err := store.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats["queued"] != 1 || stats["finished"] != 1 || stats["cancelled"] != 1 {
		t.Fatalf("Stats = %v", stats)
	}

	pruned, err := store.PruneBefore(base.Add(-30 * 24 * time.Hour))
	if err != nil || pruned != 1 {
		t.Fatalf("PruneBefore = %d, %v", pruned, err)
	}
	cleared, err := store.DeleteTerminal()
	if err != nil || cleared != 1 {
		t.Fatalf("DeleteTerminal = %d, %v", cleared, err)
	}
	rest, _ := store.LoadAll()
	if len(rest) != 2 {
		t.Fatalf("in-flight tasks should survive, got %v", rest)
	}
}

func TestJournalPersistsLatestValueAndTrail(t *testing.T) {
	db := openTestDB(t)
	store := NewTaskStore(db)
	audit := NewAuditLogger(db, utils.NewDiscardLogger())
	j := NewJournal(store, audit, utils.NewDiscardLogger())
	j.Start()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	task := sampleTask("a", 1, models.StateQueued, base)
	j.TaskChanged(task, "")

	task.State = models.StateActive
	j.TaskChanged(task, models.StateQueued)
	task.BytesTransferred = 512
	j.TaskChanged(task, models.StateActive) // progress only

	task.State = models.StateFinished
	task.FinishedAt = &base
	j.TaskChanged(task, models.StateActive)

	gone := sampleTask("b", 2, models.StateCancelled, base)
	j.TaskChanged(gone, models.StateQueued)
	j.TaskRemoved(gone)

	j.Close()
	j.TaskChanged(task, models.StateFinished) // dropped after close

	got, err := store.GetByID("a")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.State != models.StateFinished || got.BytesTransferred != 512 {
		t.Fatalf("persisted task = %+v", got)
	}
	if _, err := store.GetByID("b"); !errors.Is(err, utils.ErrNotFound) {
		t.Fatalf("removed task still stored: %v", err)
	}

	trail, err := audit.History("a")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	actions := []string{ActionTaskCreated, ActionStateChanged, ActionStateChanged}
	if len(trail) != len(actions) {
		t.Fatalf("trail has %d rows, want %d", len(trail), len(actions))
	}
	for i, ev := range trail {
		if ev.Action != actions[i] {
			t.Fatalf("trail[%d] = %s, want %s", i, ev.Action, actions[i])
		}
	}
	if trail[2].OldState != "active" || trail[2].NewState != "finished" {
		t.Fatalf("last transition = %s -> %s", trail[2].OldState, trail[2].NewState)
	}
}

func TestJournalFlushWithoutStart(t *testing.T) {
	db := openTestDB(t)
	store := NewTaskStore(db)
	j := NewJournal(store, NewAuditLogger(db, utils.NewDiscardLogger()), utils.NewDiscardLogger())

	j.TaskChanged(sampleTask("a", 1, models.StateQueued, time.Now()), "")
	j.Flush(context.Background())
	if _, err := store.GetByID("a"); err != nil {
		t.Fatalf("GetByID after flush: %v", err)
	}
	j.Close()
}

type restoreRecorder struct {
	tasks []models.Task
}

func (r *restoreRecorder) Restore(tasks []models.Task) error {
	r.tasks = tasks
	return nil
}

func TestRecoveryRestoresAndCleansUp(t *testing.T) {
	db := openTestDB(t)
	store := NewTaskStore(db)
	downloads := t.TempDir()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	expired := now.Add(-48 * time.Hour)

	active := sampleTask("active", 1, models.StateActive, now.Add(-time.Hour))
	done := sampleTask("done", 2, models.StateFinished, now.Add(-2*time.Hour))
	done.FinishedAt = &now
	stale := sampleTask("stale", 3, models.StateCancelled, expired)
	stale.FinishedAt = &expired
	for _, task := range []models.Task{active, done, stale} {
		if err := store.Save(task); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	for _, name := range []string{
		models.ArchiveFileName(1) + models.PartialSuffix, // owned by the active task
		models.ArchiveFileName(2) + models.PartialSuffix, // interrupted, task no longer in flight
		models.ArchiveFileName(3),                        // completed download
		"notes.txt",
	} {
		if err := os.WriteFile(filepath.Join(downloads, name), []byte("x"), 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}

	rs := NewRecoveryService(store, NewAuditLogger(db, utils.NewDiscardLogger()), utils.NewDiscardLogger(), 24*time.Hour, downloads)
	rs.now = func() time.Time { return now }

	rec := &restoreRecorder{}
	stats, err := rs.Recover(context.Background(), rec)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if stats.Pruned != 1 || stats.Loaded != 2 || stats.Interrupted != 1 || stats.History != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if len(rec.tasks) != 2 {
		t.Fatalf("restored %d tasks, want 2", len(rec.tasks))
	}
	if stats.OrphansRemoved != 1 {
		t.Fatalf("orphans removed = %d", stats.OrphansRemoved)
	}
	if _, err := os.Stat(filepath.Join(downloads, models.ArchiveFileName(1)+models.PartialSuffix)); err != nil {
		t.Fatalf("partial download of an in-flight task was removed")
	}
	for _, kept := range []string{models.ArchiveFileName(3), "notes.txt"} {
		if _, err := os.Stat(filepath.Join(downloads, kept)); err != nil {
			t.Fatalf("%s was removed", kept)
		}
	}
}

func TestTransitionEventDetails(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	task := sampleTask("a", 1, models.StateErroring, at)
	task.Error = "no space left on device"
	task.ErrorCategory = "disk_space"

	ev := TransitionEvent(task, models.StateActive, at)
	if ev.Action != ActionStateChanged || ev.Details != "[disk_space] no space left on device" {
		t.Fatalf("event = %+v", ev)
	}

	task.State = models.StateQueued
	created := TransitionEvent(task, "", at)
	if created.Action != ActionTaskCreated || created.Details != "download (install)" {
		t.Fatalf("created event = %+v", created)
	}
}
