package storage

import (
	"fmt"
	"time"

	"game-download-coordinator/models"
	"game-download-coordinator/utils"
)

const (
	ActionTaskCreated  = "TASK_CREATED"
	ActionStateChanged = "STATE_CHANGED"
	ActionTaskRemoved  = "TASK_REMOVED"
)

type AuditLogger struct {
	db     *Database
	logger *utils.Logger
}

type AuditEvent struct {
	ID        int64     `db:"id" json:"id"`
	TaskID    string    `db:"task_id" json:"task_id"`
	GameID    int64     `db:"game_id" json:"game_id"`
	Action    string    `db:"action" json:"action"`
	Details   string    `db:"details" json:"details"`
	OldState  string    `db:"old_state" json:"old_state"`
	NewState  string    `db:"new_state" json:"new_state"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
}

func NewAuditLogger(db *Database, logger *utils.Logger) *AuditLogger {
	return &AuditLogger{
		db:     db,
		logger: logger,
	}
}

// TransitionEvent builds the audit row for a task state change. previous is
// empty for a newly created task.
func TransitionEvent(task models.Task, previous models.TaskState, at time.Time) *AuditEvent {
	ev := &AuditEvent{
		TaskID:    task.ID,
		GameID:    task.GameID,
		Action:    ActionStateChanged,
		OldState:  string(previous),
		NewState:  string(task.State),
		Timestamp: at,
	}
	switch {
	case previous == "":
		ev.Action = ActionTaskCreated
		ev.Details = fmt.Sprintf("%s (%s)", task.Kind, task.Reason)
	case task.State == models.StateErroring:
		ev.Details = fmt.Sprintf("[%s] %s", task.ErrorCategory, task.Error)
	case task.State.Terminal() && task.TotalSize > 0:
		ev.Details = fmt.Sprintf("%s of %s", models.FormatBytes(task.BytesTransferred), models.FormatBytes(task.TotalSize))
	}
	return ev
}

func RemovalEvent(task models.Task, at time.Time) *AuditEvent {
	return &AuditEvent{
		TaskID:    task.ID,
		GameID:    task.GameID,
		Action:    ActionTaskRemoved,
		OldState:  string(task.State),
		Timestamp: at,
	}
}

func (al *AuditLogger) LogEvent(event *AuditEvent) error {
	query := `
		INSERT INTO audit_log (task_id, game_id, action, details, old_state, new_state, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := al.db.DB().Exec(query, event.TaskID, event.GameID, event.Action,
		event.Details, event.OldState, event.NewState, event.Timestamp.UTC())
	if err != nil {
		al.logger.WithError(err).Error("Failed to log audit event")
		return fmt.Errorf("failed to log audit event: %w", err)
	}

	al.logger.WithField("task_id", event.TaskID).
		WithField("game_id", event.GameID).
		WithField("action", event.Action).
		WithField("old_state", event.OldState).
		WithField("new_state", event.NewState).
		Debug("Audit event logged")
	return nil
}

// History returns the audit trail of one task, oldest first.
func (al *AuditLogger) History(taskID string) ([]*AuditEvent, error) {
	return al.query(`
		SELECT id, task_id, game_id, action, details, old_state, new_state, timestamp
		FROM audit_log WHERE task_id = ? ORDER BY timestamp ASC, id ASC
	`, taskID)
}

// Recent returns the newest audit rows across all tasks.
func (al *AuditLogger) Recent(limit int) ([]*AuditEvent, error) {
	return al.query(`
		SELECT id, task_id, game_id, action, details, old_state, new_state, timestamp
		FROM audit_log ORDER BY timestamp DESC, id DESC LIMIT ?
	`, limit)
}

func (al *AuditLogger) all() ([]*AuditEvent, error) {
	return al.query(`
		SELECT id, task_id, game_id, action, details, old_state, new_state, timestamp
		FROM audit_log ORDER BY timestamp ASC, id ASC
	`)
}

// PruneBefore drops audit rows older than cutoff.
func (al *AuditLogger) PruneBefore(cutoff time.Time) (int64, error) {
	res, err := al.db.DB().Exec(`DELETE FROM audit_log WHERE timestamp < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit log: %w", err)
	}
	return res.RowsAffected()
}

func (al *AuditLogger) query(query string, args ...interface{}) ([]*AuditEvent, error) {
	rows, err := al.db.DB().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		ev := &AuditEvent{}
		var details *string
		if err := rows.Scan(&ev.ID, &ev.TaskID, &ev.GameID, &ev.Action, &details,
			&ev.OldState, &ev.NewState, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if details != nil {
			ev.Details = *details
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return events, nil
}
