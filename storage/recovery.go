package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"game-download-coordinator/models"
	"game-download-coordinator/utils"
)

// Restorer rebuilds the in-memory queue from persisted tasks.
type Restorer interface {
	Restore(tasks []models.Task) error
}

type RecoveryService struct {
	taskStore   *TaskStore
	audit       *AuditLogger
	logger      *utils.Logger
	retention   time.Duration
	downloadDir string
	now         func() time.Time
}

type RecoveryStats struct {
	Loaded         int
	InFlight       int
	Interrupted    int // tasks that were active when the process stopped
	History        int
	Pruned         int64
	OrphansRemoved int
}

func NewRecoveryService(taskStore *TaskStore, audit *AuditLogger, logger *utils.Logger, retention time.Duration, downloadDir string) *RecoveryService {
	return &RecoveryService{
		taskStore:   taskStore,
		audit:       audit,
		logger:      logger,
		retention:   retention,
		downloadDir: downloadDir,
		now:         time.Now,
	}
}

// Recover prunes expired history, hands the remaining tasks to the engine and
// removes download files no in-flight task owns.
func (rs *RecoveryService) Recover(ctx context.Context, engine Restorer) (RecoveryStats, error) {
	rs.logger.Info("Starting crash recovery - loading persisted tasks")
	var stats RecoveryStats

	if rs.retention > 0 {
		cutoff := rs.now().Add(-rs.retention)
		pruned, err := rs.taskStore.PruneBefore(cutoff)
		if err != nil {
			return stats, err
		}
		stats.Pruned = pruned
		if rs.audit != nil {
			if _, err := rs.audit.PruneBefore(cutoff); err != nil {
				rs.logger.WithError(err).Warn("Failed to prune audit log")
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return stats, err
	}

	tasks, err := rs.taskStore.LoadAll()
	if err != nil {
		return stats, fmt.Errorf("failed to load tasks: %w", err)
	}
	stats.Loaded = len(tasks)

	inFlight := make(map[int64]bool)
	for _, t := range tasks {
		switch {
		case t.State.InFlight():
			stats.InFlight++
			inFlight[t.GameID] = true
			if t.State == models.StateActive {
				stats.Interrupted++
			}
		case t.State.Terminal():
			stats.History++
		}
	}

	if err := engine.Restore(tasks); err != nil {
		return stats, fmt.Errorf("failed to restore queue: %w", err)
	}

	if rs.downloadDir != "" {
		removed, err := rs.CleanupOrphanedFiles(inFlight)
		if err != nil {
			rs.logger.WithError(err).Warn("Failed to clean up orphaned downloads")
		}
		stats.OrphansRemoved = removed
	}

	rs.logger.WithField("loaded", stats.Loaded).
		WithField("in_flight", stats.InFlight).
		WithField("interrupted", stats.Interrupted).
		WithField("history", stats.History).
		WithField("pruned", stats.Pruned).
		WithField("orphans_removed", stats.OrphansRemoved).
		Info("Crash recovery completed")
	return stats, nil
}

// CleanupOrphanedFiles removes partial downloads of games that have no
// in-flight task. Completed archives are kept for a later install.
func (rs *RecoveryService) CleanupOrphanedFiles(inFlight map[int64]bool) (int, error) {
	files, err := filepath.Glob(filepath.Join(rs.downloadDir, "game-*"+models.PartialSuffix))
	if err != nil {
		return 0, err
	}

	cleaned := 0
	for _, file := range files {
		gameID, ok := models.GameIDFromArchive(filepath.Base(file))
		if !ok || inFlight[gameID] {
			continue
		}
		if info, err := os.Stat(file); err != nil || info.IsDir() {
			continue
		}
		if err := os.Remove(file); err != nil {
			rs.logger.WithError(err).
				WithField("file", file).
				Warn("Failed to remove orphaned download")
			continue
		}
		cleaned++
	}

	if cleaned > 0 {
		rs.logger.WithField("directory", rs.downloadDir).
			WithField("cleaned_files", cleaned).
			Info("Cleaned up orphaned downloads")
	}
	return cleaned, nil
}
