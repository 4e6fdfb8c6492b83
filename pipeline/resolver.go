package pipeline

import (
	"game-download-coordinator/models"
)

// Resolve maps a game to the single status the client displays for it.
// It reads but never mutates reg and agg, so two calls without an intervening
// mutation return equal values.
func Resolve(reg *Registry, agg *Aggregator, gameID int64) models.GameStatus {
	status := models.GameStatus{GameID: gameID, Kind: models.StatusIdle}

	if task, ok := reg.Current(gameID); ok {
		status.Kind = models.StatusKindOf(task.State)
		status.Task = &task
		op := operationOf(task, agg)
		status.Operation = &op
		return status
	}

	if task, ok := reg.Latest(gameID); ok {
		status.Kind = models.StatusKindOf(task.State)
		status.Outcome = &models.TaskOutcome{
			TaskID:     task.ID,
			Kind:       task.Kind,
			Reason:     task.Reason,
			State:      task.State,
			FinishedAt: task.FinishedAt,
			Error:      task.Error,
		}
	}
	return status
}

func operationOf(task models.Task, agg *Aggregator) models.Operation {
	op := models.Operation{
		Name:     task.Kind,
		TaskID:   task.ID,
		Reason:   task.Reason,
		Paused:   task.State == models.StatePaused,
		Queued:   task.State == models.StateQueued,
		Progress: task.Progress,
	}
	switch task.Kind {
	case models.KindDownload:
		op.Type = models.OperationDownload
	case models.KindInstall, models.KindUninstall, models.KindLaunch:
		op.Type = models.OperationTask
	}

	if bps, ok := agg.CurrentRate(task.ID); ok {
		op.BPS = bps
	}
	if task.State == models.StateActive {
		if eta, ok := agg.EstimatedTimeRemaining(task.ID); ok {
			op.ETA = eta
		}
	}
	return op
}
