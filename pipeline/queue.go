package pipeline

import (
	"sort"

	"github.com/sirupsen/logrus"

	"game-download-coordinator/models"
	"game-download-coordinator/utils"
)

// Enqueue queues a download for a game.
func (e *Engine) Enqueue(gameID int64, reason models.Reason) (models.Task, error) {
	return e.EnqueueOperation(gameID, models.KindDownload, reason)
}

// EnqueueOperation queues a task of any kind. The task starts right away when
// a lane is free and downloads are not paused.
func (e *Engine) EnqueueOperation(gameID int64, kind models.TaskKind, reason models.Reason) (models.Task, error) {
	if gameID <= 0 {
		return models.Task{}, utils.InvalidArgument("game id must be positive, got %d", gameID)
	}
	if !kind.Valid() {
		return models.Task{}, utils.InvalidArgument("unknown task kind %q", kind)
	}
	if !reason.Valid() {
		return models.Task{}, utils.InvalidArgument("unknown reason %q", reason)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return models.Task{}, utils.ErrClosed
	}

	if cur, ok := e.reg.Current(gameID); ok {
		e.logger.WithGameID(gameID).
			WithField("task_id", cur.ID).
			WithField("state", cur.State).
			Warn("Rejected enqueue for game with task in flight")
		return models.Task{}, &utils.ConflictError{GameID: gameID, TaskID: cur.ID}
	}

	now := e.now()
	task := models.Task{
		ID:        e.newID(),
		GameID:    gameID,
		Kind:      kind,
		Reason:    reason,
		State:     models.StateQueued,
		Progress:  models.Indeterminate(),
		CreatedAt: now,
	}
	if err := e.put(task, "", false); err != nil {
		return models.Task{}, err
	}

	e.logger.WithFields(logrus.Fields{
		"task_id": task.ID,
		"game_id": gameID,
		"kind":    kind,
		"reason":  reason,
	}).Info("Task enqueued")

	e.promote()
	task, _ = e.reg.Lookup(task.ID)
	return task, nil
}

// PauseAll pauses every active task and stops promotion until ResumeAll.
// Queue order is kept.
func (e *Engine) PauseAll() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return utils.ErrClosed
	}

	e.paused = true
	paused := 0
	for _, t := range e.reg.ListActive() {
		if t.State != models.StateActive {
			continue
		}
		t.State = models.StatePaused
		if err := e.put(t, models.StateActive, false); err != nil {
			return err
		}
		e.agg.Freeze(t.ID)
		e.backend.Pause(t.ID)
		paused++
	}

	e.logger.WithField("paused", paused).Info("Paused all tasks")
	return nil
}

// ResumeAll activates paused and queued tasks from the front of the queue
// up to the concurrency limit. Paused tasks that do not get a lane go back
// to queued.
func (e *Engine) ResumeAll() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return utils.ErrClosed
	}

	e.paused = false
	list := e.reg.ListActive()
	active := countActive(list)
	resumed := 0
	for _, t := range list {
		switch t.State {
		case models.StatePaused:
			if active < e.limit {
				e.activate(t)
				active++
				resumed++
				continue
			}
			t.State = models.StateQueued
			if err := e.put(t, models.StatePaused, false); err != nil {
				return err
			}
			e.agg.Purge(t.ID)
		case models.StateQueued:
			if active < e.limit {
				e.activate(t)
				active++
				resumed++
			}
		case models.StateActive:
		}
	}

	e.logger.WithField("resumed", resumed).Info("Resumed tasks")
	return nil
}

// Prioritize moves an in-flight task to the front of the waiting part of
// the queue, right behind the tasks that are already active.
func (e *Engine) Prioritize(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return utils.ErrClosed
	}

	t, ok := e.reg.Lookup(id)
	if !ok {
		return &utils.NotFoundError{TaskID: id}
	}
	if t.State.Terminal() {
		return &utils.StateError{TaskID: id, State: string(t.State), Op: "prioritize"}
	}
	if t.State == models.StateActive {
		return nil
	}

	front := countActive(e.reg.ListActive())
	if e.reg.Position(id) <= front {
		return nil
	}
	e.reg.MoveTo(id, front)

	e.logger.WithTaskID(id).WithField("position", front).Info("Task prioritized")
	e.promote()
	return nil
}

// Cancel cancels an in-flight task. Unknown and terminal tasks are ignored.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return utils.ErrClosed
	}

	t, ok := e.reg.Lookup(id)
	if !ok {
		e.logger.WithTaskID(id).Debug("Cancel for unknown task ignored")
		return nil
	}
	if t.State.Terminal() {
		e.logger.WithTaskID(id).WithField("state", t.State).Debug("Cancel for finished task ignored")
		return nil
	}

	previous := t.State
	now := e.now()
	t.State = models.StateCancelled
	t.FinishedAt = &now
	if err := e.put(t, previous, false); err != nil {
		return err
	}
	e.forget(id, true)

	e.logger.WithTaskID(id).WithField("previous", previous).Info("Task cancelled")

	if previous == models.StateActive {
		e.promote()
	}
	return nil
}

// Retry queues a fresh task for an errored one, keeping game, kind and reason.
func (e *Engine) Retry(id string) (models.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return models.Task{}, utils.ErrClosed
	}

	old, ok := e.reg.Lookup(id)
	if !ok {
		return models.Task{}, &utils.NotFoundError{TaskID: id}
	}
	if old.State != models.StateErroring {
		return models.Task{}, &utils.StateError{TaskID: id, State: string(old.State), Op: "retry"}
	}
	if cur, ok := e.reg.Current(old.GameID); ok {
		return models.Task{}, &utils.ConflictError{GameID: old.GameID, TaskID: cur.ID}
	}

	task := models.Task{
		ID:        e.newID(),
		GameID:    old.GameID,
		Kind:      old.Kind,
		Reason:    old.Reason,
		State:     models.StateQueued,
		Progress:  models.Indeterminate(),
		CreatedAt: e.now(),
	}
	if err := e.put(task, "", false); err != nil {
		return models.Task{}, err
	}

	e.logger.WithTaskID(task.ID).
		WithField("retry_of", id).
		WithField("game_id", task.GameID).
		Info("Task retried")

	e.promote()
	task, _ = e.reg.Lookup(task.ID)
	return task, nil
}

// Discard removes a terminal task from history.
func (e *Engine) Discard(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return utils.ErrClosed
	}

	t, ok := e.reg.Lookup(id)
	if !ok {
		return &utils.NotFoundError{TaskID: id}
	}
	if !t.State.Terminal() {
		return &utils.StateError{TaskID: id, State: string(t.State), Op: "discard"}
	}
	e.remove(t)
	return nil
}

// ClearHistory removes every terminal task and returns how many were removed.
func (e *Engine) ClearHistory() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, utils.ErrClosed
	}

	history := e.reg.History()
	for _, t := range history {
		e.remove(t)
	}
	e.logger.WithField("removed", len(history)).Info("History cleared")
	return len(history), nil
}

// SetConcurrency changes the number of lanes. Lowering it never interrupts
// active tasks; raising it promotes queued ones.
func (e *Engine) SetConcurrency(n int) error {
	if n < 1 {
		return utils.InvalidArgument("concurrency must be at least 1, got %d", n)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return utils.ErrClosed
	}

	e.limit = n
	e.logger.WithField("lanes", n).Info("Concurrency limit changed")
	e.promote()
	return nil
}

// Restore loads persisted tasks at startup. Terminal tasks become history.
// In-flight tasks are requeued in creation order: active ones go back to
// queued since no transfer survives a restart, paused ones stay paused.
// Restoring a paused task pauses the engine until ResumeAll.
func (e *Engine) Restore(tasks []models.Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return utils.ErrClosed
	}

	sorted := make([]models.Task, len(tasks))
	copy(sorted, tasks)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	requeued, superseded := 0, 0
	for _, t := range sorted {
		if !t.Kind.Valid() || !t.Reason.Valid() || !t.State.Valid() {
			e.logger.WithTaskID(t.ID).
				WithField("kind", t.Kind).
				WithField("reason", t.Reason).
				WithField("state", t.State).
				Warn("Skipping malformed persisted task")
			continue
		}

		if t.State.Terminal() {
			if err := e.reg.Upsert(t, false); err != nil {
				return err
			}
			continue
		}

		previous := t.State
		if t.State == models.StateActive {
			t.State = models.StateQueued
		}
		err := e.reg.Upsert(t, false)
		if err == nil {
			if t.State == models.StatePaused {
				e.paused = true
			}
			if previous != t.State {
				requeued++
				for _, o := range e.observers {
					o.TaskChanged(t.Clone(), previous)
				}
			}
			continue
		}

		// Two in-flight rows for one game: the older one wins.
		now := e.now()
		t.State = models.StateCancelled
		t.FinishedAt = &now
		t.Error = "superseded during recovery"
		if err := e.put(t, previous, false); err != nil {
			return err
		}
		superseded++
	}

	e.logger.WithField("tasks", len(sorted)).
		WithField("requeued", requeued).
		WithField("superseded", superseded).
		WithField("paused", e.paused).
		Info("Task queue restored")

	e.promote()
	return nil
}

// promote fills free lanes from the front of the queue. It does nothing
// while downloads are paused.
func (e *Engine) promote() {
	if e.paused {
		return
	}
	list := e.reg.ListActive()
	active := countActive(list)
	for _, t := range list {
		if active >= e.limit {
			return
		}
		if t.State == models.StateQueued {
			e.activate(t)
			active++
		}
	}
}

func (e *Engine) activate(t models.Task) {
	previous := t.State
	t.State = models.StateActive
	if t.StartedAt == nil {
		now := e.now()
		t.StartedAt = &now
	}
	if err := e.put(t, previous, false); err != nil {
		e.logger.WithTaskID(t.ID).WithError(err).Error("Failed to activate task")
		return
	}
	e.agg.Thaw(t.ID)

	if e.started[t.ID] {
		e.backend.Resume(t.ID)
	} else {
		e.started[t.ID] = true
		e.backend.Start(t)
	}

	e.logger.WithTaskID(t.ID).
		WithField("game_id", t.GameID).
		WithField("previous", previous).
		Info("Task active")
}

// forget drops per-task bookkeeping once a task settles. With abort set,
// backend work still attached to the task is aborted.
func (e *Engine) forget(id string, abort bool) {
	e.agg.Purge(id)
	delete(e.lastEvent, id)
	if e.started[id] {
		delete(e.started, id)
		if abort {
			e.backend.Abort(id)
		}
	}
}

func countActive(list []models.Task) int {
	n := 0
	for _, t := range list {
		if t.State == models.StateActive {
			n++
		}
	}
	return n
}
