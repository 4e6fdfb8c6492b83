package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"game-download-coordinator/models"
	"game-download-coordinator/utils"
)

func TestBackupRoundTripAcrossDatabases(t *testing.T) {
	src := openTestDB(t)
	store := NewTaskStore(src)
	audit := NewAuditLogger(src, utils.NewDiscardLogger())

	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	queued := sampleTask("q", 1, models.StateQueued, base)
	failed := sampleTask("f", 2, models.StateErroring, base.Add(time.Minute))
	failed.Error = "http status 503"
	failed.ErrorCategory = "network"
	for _, task := range []models.Task{queued, failed} {
		if err := store.Save(task); err != nil {
			t.Fatalf("Save: %v", err)
		}
		if err := audit.LogEvent(TransitionEvent(task, "", task.CreatedAt)); err != nil {
			t.Fatalf("LogEvent: %v", err)
		}
	}

	bs, err := NewBackupService(store, audit, t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewBackupService: %v", err)
	}
	created, err := bs.CreateBackup()
	if err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}
	if created.Tasks != 2 || created.Events != 2 {
		t.Fatalf("backup = %+v", created)
	}

	dst := openTestDB(t)
	dstStore := NewTaskStore(dst)
	dstAudit := NewAuditLogger(dst, utils.NewDiscardLogger())
	restorer, _ := NewBackupService(dstStore, dstAudit, t.TempDir(), 0)
	restored, err := restorer.RestoreFromBackup(created.Path)
	if err != nil {
		t.Fatalf("RestoreFromBackup: %v", err)
	}
	if restored.Tasks != 2 || restored.Events != 2 {
		t.Fatalf("restore = %+v", restored)
	}

	got, err := dstStore.GetByID("f")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.State != models.StateErroring || got.Error != failed.Error || !got.CreatedAt.Equal(failed.CreatedAt) {
		t.Fatalf("restored task = %+v", got)
	}
	if trail, _ := dstAudit.History("q"); len(trail) != 1 || trail[0].Action != ActionTaskCreated {
		t.Fatalf("restored trail = %+v", trail)
	}
}

func TestRestoreRejectsGarbage(t *testing.T) {
	db := openTestDB(t)
	bs, _ := NewBackupService(NewTaskStore(db), NewAuditLogger(db, utils.NewDiscardLogger()), t.TempDir(), 0)

	path := filepath.Join(t.TempDir(), "junk.gz")
	os.WriteFile(path, []byte("not gzip"), 0644)
	if _, err := bs.RestoreFromBackup(path); err == nil {
		t.Fatal("restored a file that is not a backup")
	}
}

func TestCleanupOldBackupsKeepsNewest(t *testing.T) {
	db := openTestDB(t)
	dir := t.TempDir()
	bs, _ := NewBackupService(NewTaskStore(db), NewAuditLogger(db, utils.NewDiscardLogger()), dir, 24*time.Hour)

	now := time.Now()
	ages := map[string]time.Duration{
		backupPrefix + "a.jsonl.gz": 72 * time.Hour,
		backupPrefix + "b.jsonl.gz": 48 * time.Hour,
		backupPrefix + "c.jsonl.gz": time.Hour,
		"unrelated.txt":             72 * time.Hour,
	}
	for name, age := range ages {
		path := filepath.Join(dir, name)
		os.WriteFile(path, []byte("x"), 0644)
		os.Chtimes(path, now.Add(-age), now.Add(-age))
	}

	removed, err := bs.CleanupOldBackups()
	if err != nil {
		t.Fatalf("CleanupOldBackups: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed %d, want 2", removed)
	}
	left, _ := bs.ListBackups()
	if len(left) != 1 || left[0].Name != backupPrefix+"c.jsonl.gz" {
		t.Fatalf("left = %+v", left)
	}
	if _, err := os.Stat(filepath.Join(dir, "unrelated.txt")); err != nil {
		t.Fatal("cleanup removed a file it does not own")
	}
}
