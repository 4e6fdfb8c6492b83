package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"game-download-coordinator/models"
	"game-download-coordinator/utils"
)

const taskColumns = `id, game_id, kind, reason, state, progress_fraction, progress_known,
	total_size, bytes_transferred, error_message, error_category,
	created_at, updated_at, started_at, finished_at`

type TaskStore struct {
	db *Database
}

func NewTaskStore(db *Database) *TaskStore {
	return &TaskStore{db: db}
}

// Save inserts the task or overwrites the stored row with the same id.
func (ts *TaskStore) Save(task models.Task) error {
	var upsert string
	switch ts.db.Driver() {
	case DriverMySQL:
		upsert = `ON DUPLICATE KEY UPDATE
			state = VALUES(state),
			progress_fraction = VALUES(progress_fraction),
			progress_known = VALUES(progress_known),
			total_size = VALUES(total_size),
			bytes_transferred = VALUES(bytes_transferred),
			error_message = VALUES(error_message),
			error_category = VALUES(error_category),
			updated_at = VALUES(updated_at),
			started_at = VALUES(started_at),
			finished_at = VALUES(finished_at)`
	default:
		upsert = `ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			progress_fraction = excluded.progress_fraction,
			progress_known = excluded.progress_known,
			total_size = excluded.total_size,
			bytes_transferred = excluded.bytes_transferred,
			error_message = excluded.error_message,
			error_category = excluded.error_category,
			updated_at = excluded.updated_at,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at`
	}

	query := `INSERT INTO tasks (` + taskColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ` + upsert

	_, err := ts.db.DB().Exec(query,
		task.ID, task.GameID, task.Kind, task.Reason, task.State,
		task.Progress.Fraction, task.Progress.Known,
		task.TotalSize, task.BytesTransferred, task.Error, task.ErrorCategory,
		task.CreatedAt.UTC(), task.UpdatedAt.UTC(), utcOrNil(task.StartedAt), utcOrNil(task.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to save task %s: %w", task.ID, err)
	}
	return nil
}

func (ts *TaskStore) Delete(id string) error {
	if _, err := ts.db.DB().Exec("DELETE FROM tasks WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	return nil
}

func (ts *TaskStore) GetByID(id string) (*models.Task, error) {
	row := ts.db.DB().QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &utils.NotFoundError{TaskID: id}
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// LoadAll returns every stored task, oldest first.
func (ts *TaskStore) LoadAll() ([]models.Task, error) {
	return ts.query(`SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at ASC, id ASC`)
}

func (ts *TaskStore) ListByState(state models.TaskState, limit int) ([]models.Task, error) {
	return ts.query(`SELECT `+taskColumns+` FROM tasks WHERE state = ? ORDER BY created_at DESC LIMIT ?`, state, limit)
}

// ListRecent returns the most recently updated tasks.
func (ts *TaskStore) ListRecent(limit int) ([]models.Task, error) {
	return ts.query(`SELECT `+taskColumns+` FROM tasks ORDER BY updated_at DESC, id ASC LIMIT ?`, limit)
}

func (ts *TaskStore) Stats() (map[string]int, error) {
	rows, err := ts.db.DB().Query(`SELECT state, COUNT(*) FROM tasks GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int)
	for rows.Next() {
		var (
			state string
			count int
		)
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		stats[state] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return stats, nil
}

// DeleteTerminal removes every finished, erroring and cancelled task.
func (ts *TaskStore) DeleteTerminal() (int64, error) {
	res, err := ts.db.DB().Exec(`DELETE FROM tasks WHERE state IN (?, ?, ?)`,
		models.StateFinished, models.StateErroring, models.StateCancelled)
	if err != nil {
		return 0, fmt.Errorf("failed to delete history: %w", err)
	}
	return res.RowsAffected()
}

// PruneBefore removes terminal tasks that finished before cutoff.
func (ts *TaskStore) PruneBefore(cutoff time.Time) (int64, error) {
	res, err := ts.db.DB().Exec(`DELETE FROM tasks WHERE state IN (?, ?, ?) AND finished_at < ?`,
		models.StateFinished, models.StateErroring, models.StateCancelled, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	return res.RowsAffected()
}

func (ts *TaskStore) query(query string, args ...interface{}) ([]models.Task, error) {
	rows, err := ts.db.DB().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return tasks, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(s scanner) (*models.Task, error) {
	var (
		task     models.Task
		errMsg   sql.NullString
		started  sql.NullTime
		finished sql.NullTime
	)
	err := s.Scan(&task.ID, &task.GameID, &task.Kind, &task.Reason, &task.State,
		&task.Progress.Fraction, &task.Progress.Known,
		&task.TotalSize, &task.BytesTransferred, &errMsg, &task.ErrorCategory,
		&task.CreatedAt, &task.UpdatedAt, &started, &finished)
	if err != nil {
		return nil, err
	}
	task.Error = errMsg.String
	if started.Valid {
		t := started.Time
		task.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		task.FinishedAt = &t
	}
	return &task, nil
}

func utcOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
