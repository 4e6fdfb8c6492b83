package orchestrator

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"game-download-coordinator/models"
	"game-download-coordinator/utils"
)

// HistoryStore is the engine surface used to expire finished tasks.
type HistoryStore interface {
	History() []models.Task
	Discard(id string) error
}

// AuditPruner drops audit rows older than a cutoff.
type AuditPruner interface {
	PruneBefore(cutoff time.Time) (int64, error)
}

// MaintenanceOrchestrator expires task history and audit rows past the
// retention period while the coordinator runs. Discarded tasks reach the
// database through the journal like any other removal.
type MaintenanceOrchestrator struct {
	logger       *utils.Logger
	history      HistoryStore
	audit        AuditPruner
	retention    time.Duration
	pollInterval time.Duration
	now          func() time.Time
}

func NewMaintenanceOrchestrator(logger *utils.Logger, history HistoryStore, audit AuditPruner, retention time.Duration) *MaintenanceOrchestrator {
	return &MaintenanceOrchestrator{
		logger:       logger,
		history:      history,
		audit:        audit,
		retention:    retention,
		pollInterval: time.Hour,
		now:          time.Now,
	}
}

// Start runs a cycle every poll interval until ctx is done. It returns
// immediately when retention is disabled.
func (mo *MaintenanceOrchestrator) Start(ctx context.Context) error {
	if mo.retention <= 0 {
		mo.logger.Debug("History retention disabled, maintenance not started")
		return nil
	}
	mo.logger.WithField("retention", mo.retention).Info("Maintenance orchestrator started")

	ticker := time.NewTicker(mo.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			mo.logger.Info("Maintenance orchestrator stopped (context cancelled)")
			return ctx.Err()
		case <-ticker.C:
			mo.RunCycle()
		}
	}
}

// CycleStats reports what one maintenance cycle removed.
type CycleStats struct {
	Discarded   int
	AuditPruned int64
}

// RunCycle discards history that finished before the retention cutoff.
func (mo *MaintenanceOrchestrator) RunCycle() CycleStats {
	var stats CycleStats
	cutoff := mo.now().Add(-mo.retention)
	start := time.Now()

	for _, task := range mo.history.History() {
		if task.FinishedAt == nil || !task.FinishedAt.Before(cutoff) {
			continue
		}
		if err := mo.history.Discard(task.ID); err != nil {
			mo.logger.WithTaskID(task.ID).WithError(err).Warn("Failed to discard expired task")
			continue
		}
		stats.Discarded++
	}

	if mo.audit != nil {
		pruned, err := mo.audit.PruneBefore(cutoff)
		if err != nil {
			mo.logger.WithError(err).Error("Failed to prune audit log")
		}
		stats.AuditPruned = pruned
	}

	if stats.Discarded > 0 || stats.AuditPruned > 0 {
		mo.logger.WithFields(logrus.Fields{
			"discarded":        stats.Discarded,
			"audit_pruned":     stats.AuditPruned,
			"duration_seconds": time.Since(start).Seconds(),
		}).Info("Maintenance cycle completed")
	}
	return stats
}
