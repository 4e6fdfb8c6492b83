package pipeline

import (
	"sort"
	"time"

	"game-download-coordinator/models"
	"game-download-coordinator/utils"
)

// Registry is the authoritative store of tasks. It keeps the in-flight queue
// order and, per game, the current in-flight task and the latest terminal one.
//
// Registry is not safe for concurrent use; the Engine serializes access.
type Registry struct {
	tasks   map[string]*models.Task
	order   []string         // in-flight task ids, queue order
	current map[int64]string // game id -> in-flight task id
	latest  map[int64]string // game id -> most recent terminal task id

	onChange func()
}

// NewRegistry returns an empty registry. onChange runs after every mutation.
func NewRegistry(onChange func()) *Registry {
	if onChange == nil {
		onChange = func() {}
	}
	return &Registry{
		tasks:    make(map[string]*models.Task),
		current:  make(map[int64]string),
		latest:   make(map[int64]string),
		onChange: onChange,
	}
}

// Upsert inserts or replaces a task by id.
//
// A second in-flight task for the same game is a *utils.ConflictError unless
// replace is set, in which case the existing in-flight task is dropped and
// the new one inherits its queue position. A task that turns terminal leaves
// the queue and becomes the game's latest outcome. Terminal tasks cannot be
// brought back in flight.
func (r *Registry) Upsert(task models.Task, replace bool) error {
	if task.ID == "" {
		return utils.InvalidArgument("task id is empty")
	}
	if !task.State.Valid() {
		return utils.InvalidArgument("task %s has unknown state %q", task.ID, task.State)
	}

	existing, exists := r.tasks[task.ID]
	if exists {
		if existing.GameID != task.GameID {
			return utils.InvalidArgument("task %s cannot move from game %d to %d", task.ID, existing.GameID, task.GameID)
		}
		if existing.State.Terminal() && task.State.InFlight() {
			return &utils.StateError{TaskID: task.ID, State: string(existing.State), Op: "reopen"}
		}
	}

	if task.State.InFlight() {
		curID, hasCurrent := r.current[task.GameID]
		switch {
		case hasCurrent && curID != task.ID:
			if !replace {
				return &utils.ConflictError{GameID: task.GameID, TaskID: curID}
			}
			pos := r.indexOf(curID)
			r.drop(curID)
			r.insertAt(task.ID, pos)
		case !hasCurrent:
			r.order = append(r.order, task.ID)
		}
		r.current[task.GameID] = task.ID
	} else {
		if i := r.indexOf(task.ID); i >= 0 {
			r.order = append(r.order[:i], r.order[i+1:]...)
		}
		if r.current[task.GameID] == task.ID {
			delete(r.current, task.GameID)
		}
		if prevID, ok := r.latest[task.GameID]; !ok || prevID == task.ID ||
			!finishedAt(&task).Before(finishedAt(r.tasks[prevID])) {
			r.latest[task.GameID] = task.ID
		}
	}

	t := task.Clone()
	r.tasks[task.ID] = &t
	r.onChange()
	return nil
}

// Remove deletes a task. It is a no-op when the id is unknown.
func (r *Registry) Remove(id string) {
	t, ok := r.tasks[id]
	if !ok {
		return
	}
	r.drop(id)
	if r.latest[t.GameID] == id {
		delete(r.latest, t.GameID)
		if next := r.mostRecentTerminal(t.GameID); next != "" {
			r.latest[t.GameID] = next
		}
	}
	r.onChange()
}

// Get returns the game's in-flight task, else its latest terminal task.
func (r *Registry) Get(gameID int64) (models.Task, bool) {
	if id, ok := r.current[gameID]; ok {
		return r.tasks[id].Clone(), true
	}
	if id, ok := r.latest[gameID]; ok {
		return r.tasks[id].Clone(), true
	}
	return models.Task{}, false
}

// Current returns only the in-flight task of a game.
func (r *Registry) Current(gameID int64) (models.Task, bool) {
	id, ok := r.current[gameID]
	if !ok {
		return models.Task{}, false
	}
	return r.tasks[id].Clone(), true
}

// Latest returns only the most recent terminal task of a game.
func (r *Registry) Latest(gameID int64) (models.Task, bool) {
	id, ok := r.latest[gameID]
	if !ok {
		return models.Task{}, false
	}
	return r.tasks[id].Clone(), true
}

// Lookup returns a task by id, in flight or in history.
func (r *Registry) Lookup(id string) (models.Task, bool) {
	t, ok := r.tasks[id]
	if !ok {
		return models.Task{}, false
	}
	return t.Clone(), true
}

// ListActive returns in-flight tasks in queue order.
func (r *Registry) ListActive() []models.Task {
	out := make([]models.Task, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.tasks[id].Clone())
	}
	return out
}

// History returns terminal tasks, most recently finished first.
func (r *Registry) History() []models.Task {
	out := make([]models.Task, 0, len(r.tasks)-len(r.order))
	for _, t := range r.tasks {
		if t.State.Terminal() {
			out = append(out, t.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := finishedAt(&out[i]), finishedAt(&out[j])
		if ti.Equal(tj) {
			return out[i].ID < out[j].ID
		}
		return ti.After(tj)
	})
	return out
}

// MoveTo moves an in-flight task to position index in the queue.
func (r *Registry) MoveTo(id string, index int) bool {
	i := r.indexOf(id)
	if i < 0 {
		return false
	}
	if index < 0 {
		index = 0
	}
	if index >= len(r.order) {
		index = len(r.order) - 1
	}
	if i == index {
		return true
	}
	r.order = append(r.order[:i], r.order[i+1:]...)
	r.insertAt(id, index)
	r.onChange()
	return true
}

// Position returns the queue index of an in-flight task, or -1.
func (r *Registry) Position(id string) int {
	return r.indexOf(id)
}

func (r *Registry) indexOf(id string) int {
	for i, v := range r.order {
		if v == id {
			return i
		}
	}
	return -1
}

func (r *Registry) insertAt(id string, pos int) {
	if pos < 0 || pos >= len(r.order) {
		r.order = append(r.order, id)
		return
	}
	r.order = append(r.order, "")
	copy(r.order[pos+1:], r.order[pos:])
	r.order[pos] = id
}

// drop removes every trace of a task except the latest pointer.
func (r *Registry) drop(id string) {
	t, ok := r.tasks[id]
	if !ok {
		return
	}
	if i := r.indexOf(id); i >= 0 {
		r.order = append(r.order[:i], r.order[i+1:]...)
	}
	if r.current[t.GameID] == id {
		delete(r.current, t.GameID)
	}
	delete(r.tasks, id)
}

func (r *Registry) mostRecentTerminal(gameID int64) string {
	var (
		bestID string
		bestAt time.Time
	)
	for id, t := range r.tasks {
		if t.GameID != gameID || !t.State.Terminal() {
			continue
		}
		at := finishedAt(t)
		if bestID == "" || at.After(bestAt) || (at.Equal(bestAt) && id > bestID) {
			bestID, bestAt = id, at
		}
	}
	return bestID
}

func finishedAt(t *models.Task) time.Time {
	if t.FinishedAt != nil {
		return *t.FinishedAt
	}
	return t.UpdatedAt
}
