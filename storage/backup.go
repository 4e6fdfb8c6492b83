package storage

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"game-download-coordinator/models"
)

const backupPrefix = "tasks_backup_"

// BackupService exports the task table and audit trail to gzipped JSON
// lines. The format does not depend on the driver, so a sqlite backup can
// seed a mysql deployment and the other way round.
type BackupService struct {
	taskStore *TaskStore
	audit     *AuditLogger
	backupDir string
	retention time.Duration
	now       func() time.Time
}

type BackupInfo struct {
	Name    string
	Path    string
	Size    int64
	Created time.Time
}

type BackupResult struct {
	Path   string
	Tasks  int
	Events int
}

// backupRecord is one line of a backup file. Exactly one field is set.
type backupRecord struct {
	Task  *models.Task `json:"task,omitempty"`
	Audit *AuditEvent  `json:"audit,omitempty"`
}

func NewBackupService(taskStore *TaskStore, audit *AuditLogger, backupDir string, retention time.Duration) (*BackupService, error) {
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	return &BackupService{
		taskStore: taskStore,
		audit:     audit,
		backupDir: backupDir,
		retention: retention,
		now:       time.Now,
	}, nil
}

func (bs *BackupService) CreateBackup() (BackupResult, error) {
	var result BackupResult

	tasks, err := bs.taskStore.LoadAll()
	if err != nil {
		return result, err
	}
	events, err := bs.audit.all()
	if err != nil {
		return result, err
	}

	name := fmt.Sprintf("%s%s.jsonl.gz", backupPrefix, bs.now().UTC().Format("20060102_150405"))
	path := filepath.Join(bs.backupDir, name)
	f, err := os.Create(path)
	if err != nil {
		return result, fmt.Errorf("failed to create backup file: %w", err)
	}

	zw := gzip.NewWriter(f)
	enc := json.NewEncoder(zw)
	for i := range tasks {
		if err = enc.Encode(backupRecord{Task: &tasks[i]}); err != nil {
			break
		}
	}
	if err == nil {
		for _, ev := range events {
			if err = enc.Encode(backupRecord{Audit: ev}); err != nil {
				break
			}
		}
	}
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return result, fmt.Errorf("failed to write backup: %w", err)
	}

	return BackupResult{Path: path, Tasks: len(tasks), Events: len(events)}, nil
}

// RestoreFromBackup upserts every task in the backup and appends its audit
// rows. Tasks already stored under the same id are overwritten.
func (bs *BackupService) RestoreFromBackup(path string) (BackupResult, error) {
	result := BackupResult{Path: path}

	f, err := os.Open(path)
	if err != nil {
		return result, err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return result, fmt.Errorf("not a backup file: %w", err)
	}
	defer zr.Close()

	scanner := bufio.NewScanner(zr)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		var rec backupRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return result, fmt.Errorf("line %d: %w", line, err)
		}
		switch {
		case rec.Task != nil:
			if !rec.Task.Kind.Valid() || !rec.Task.State.Valid() {
				return result, fmt.Errorf("line %d: malformed task %q", line, rec.Task.ID)
			}
			if err := bs.taskStore.Save(*rec.Task); err != nil {
				return result, err
			}
			result.Tasks++
		case rec.Audit != nil:
			if err := bs.audit.LogEvent(rec.Audit); err != nil {
				return result, err
			}
			result.Events++
		default:
			return result, fmt.Errorf("line %d: empty record", line)
		}
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("failed to read backup: %w", err)
	}
	return result, nil
}

// ListBackups returns the backups in the backup directory, newest first.
func (bs *BackupService) ListBackups() ([]BackupInfo, error) {
	entries, err := os.ReadDir(bs.backupDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var backups []BackupInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), backupPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, BackupInfo{
			Name:    entry.Name(),
			Path:    filepath.Join(bs.backupDir, entry.Name()),
			Size:    info.Size(),
			Created: info.ModTime(),
		})
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].Created.After(backups[j].Created) })
	return backups, nil
}

// CleanupOldBackups removes backups older than the retention period. The
// newest backup is always kept.
func (bs *BackupService) CleanupOldBackups() (int, error) {
	if bs.retention <= 0 {
		return 0, nil
	}
	backups, err := bs.ListBackups()
	if err != nil {
		return 0, err
	}

	cutoff := bs.now().Add(-bs.retention)
	removed := 0
	for i, b := range backups {
		if i == 0 || !b.Created.Before(cutoff) {
			continue
		}
		if err := os.Remove(b.Path); err != nil {
			return removed, fmt.Errorf("failed to remove %s: %w", b.Name, err)
		}
		removed++
	}
	return removed, nil
}
