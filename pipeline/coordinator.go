package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"game-download-coordinator/models"
)

// Run applies backend events one at a time until ctx is done or events is
// closed. It is the only path by which backend results reach the registry.
func (e *Engine) Run(ctx context.Context, events <-chan models.Event) error {
	log := e.logger.WithComponent("engine")
	log.Info("Event loop started")
	defer log.Info("Event loop stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			e.Apply(ev)
		}
	}
}

// Apply applies a single backend event and reports whether it changed
// anything. Stale events (unknown or settled task, out of order, or progress
// for a task that is not active) are discarded.
func (e *Engine) Apply(ev models.Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}

	if e.verbose {
		e.logger.WithField("task_id", ev.EventTaskID()).
			WithField("event", ev).
			Debug("Backend event")
	}

	switch ev := ev.(type) {
	case models.ProgressEvent:
		return e.applyProgress(ev)
	case models.LifecycleEvent:
		return e.applyLifecycle(ev)
	}
	e.logger.WithField("task_id", ev.EventTaskID()).Warn("Ignoring unknown backend event")
	return false
}

func (e *Engine) applyProgress(ev models.ProgressEvent) bool {
	t, ok := e.reg.Lookup(ev.TaskID)
	if !ok || t.State != models.StateActive {
		e.discard(ev, "task not active")
		return false
	}
	ts := e.timestamp(ev.Timestamp)
	if e.isStale(ev.TaskID, ts) {
		e.discard(ev, "out of order")
		return false
	}
	e.lastEvent[ev.TaskID] = ts

	delta := ev.BytesTransferred - t.BytesTransferred
	if delta < 0 {
		// transfer restarted from scratch
		e.agg.Reset(ev.TaskID)
		delta = 0
	}

	t.BytesTransferred = ev.BytesTransferred
	if ev.TotalSize > 0 {
		t.TotalSize = ev.TotalSize
	}
	t.Progress = models.ProgressOf(t.BytesTransferred, t.TotalSize)
	if err := e.put(t, t.State, false); err != nil {
		e.logger.WithTaskID(t.ID).WithError(err).Error("Failed to record progress")
		return false
	}
	e.agg.RecordSample(ev.TaskID, delta, ts)
	return true
}

func (e *Engine) applyLifecycle(ev models.LifecycleEvent) bool {
	t, ok := e.reg.Lookup(ev.TaskID)
	if !ok || t.State.Terminal() {
		e.discard(ev, "task already settled")
		return false
	}
	if !ev.Outcome.Valid() {
		e.discard(ev, "unknown outcome")
		return false
	}
	ts := e.timestamp(ev.Timestamp)
	if e.isStale(ev.TaskID, ts) {
		e.discard(ev, "out of order")
		return false
	}

	previous := t.State
	t.State = ev.Outcome.State()
	t.FinishedAt = &ts

	fields := logrus.Fields{
		"task_id":  t.ID,
		"game_id":  t.GameID,
		"previous": previous,
	}
	switch ev.Outcome {
	case models.OutcomeFinished:
		if t.TotalSize > 0 {
			t.BytesTransferred = t.TotalSize
		}
		t.Progress = models.FractionOf(1)
		e.logger.WithFields(fields).WithField("reason", t.Reason).Info("Task finished")
	case models.OutcomeErrored:
		msg := ev.Err
		if msg == "" {
			msg = "unknown backend error"
		}
		berr := e.classifier.Classify(t.ID, errors.New(msg))
		t.Error = msg
		t.ErrorCategory = string(berr.Category)
		e.logger.WithFields(fields).WithError(berr).Warn("Task failed")
	case models.OutcomeCancelled:
		e.logger.WithFields(fields).Info("Task cancelled by backend")
	}

	if err := e.put(t, previous, false); err != nil {
		e.logger.WithTaskID(t.ID).WithError(err).Error("Failed to settle task")
		return false
	}
	e.forget(t.ID, false)

	if previous == models.StateActive {
		e.promote()
	}
	return true
}

func (e *Engine) isStale(taskID string, ts time.Time) bool {
	last, ok := e.lastEvent[taskID]
	return ok && ts.Before(last)
}

func (e *Engine) discard(ev models.Event, why string) {
	e.logger.WithField("task_id", ev.EventTaskID()).
		WithField("why", why).
		Debug("Discarded stale backend event")
}
