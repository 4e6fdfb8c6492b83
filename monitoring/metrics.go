package monitoring

import (
	"sort"
	"sync"
	"time"

	"game-download-coordinator/models"
	"game-download-coordinator/utils"
)

// TimingMetric tracks how long settled tasks of one kind ran.
type TimingMetric struct {
	Name    string        `json:"name"`
	Count   int64         `json:"count"`
	Total   time.Duration `json:"total"`
	MinTime time.Duration `json:"min_time"`
	MaxTime time.Duration `json:"max_time"`
	AvgTime time.Duration `json:"avg_time"`
}

func (tm *TimingMetric) observe(d time.Duration) {
	tm.Count++
	tm.Total += d
	if tm.Count == 1 || d < tm.MinTime {
		tm.MinTime = d
	}
	if d > tm.MaxTime {
		tm.MaxTime = d
	}
	tm.AvgTime = tm.Total / time.Duration(tm.Count)
}

// KindMetrics aggregates outcomes for one task kind.
type KindMetrics struct {
	Kind        models.TaskKind `json:"kind"`
	Enqueued    int64           `json:"enqueued"`
	Finished    int64           `json:"finished"`
	Failed      int64           `json:"failed"`
	Cancelled   int64           `json:"cancelled"`
	SuccessRate float64         `json:"success_rate"`
	Bytes       int64           `json:"bytes"`
	Duration    TimingMetric    `json:"duration"`
}

// Snapshot is a point-in-time copy of the collected metrics.
type Snapshot struct {
	Since          time.Time                `json:"since"`
	InFlight       map[models.TaskState]int `json:"in_flight"`
	Kinds          []KindMetrics            `json:"kinds"`
	FailuresByType map[string]int64         `json:"failures_by_category"`
}

// TaskMetrics counts task outcomes. It is an engine observer, so every
// method only touches in-memory state.
type TaskMetrics struct {
	logger *utils.Logger
	now    func() time.Time

	mu       sync.RWMutex
	since    time.Time
	states   map[string]models.TaskState
	kinds    map[models.TaskKind]*KindMetrics
	failures map[string]int64
}

func NewTaskMetrics(logger *utils.Logger) *TaskMetrics {
	tm := &TaskMetrics{logger: logger, now: time.Now}
	tm.reset()
	return tm
}

func (tm *TaskMetrics) reset() {
	tm.since = tm.now()
	tm.states = make(map[string]models.TaskState)
	tm.kinds = make(map[models.TaskKind]*KindMetrics)
	tm.failures = make(map[string]int64)
}

func (tm *TaskMetrics) kind(k models.TaskKind) *KindMetrics {
	km, ok := tm.kinds[k]
	if !ok {
		km = &KindMetrics{Kind: k, Duration: TimingMetric{Name: string(k) + "_duration"}}
		tm.kinds[k] = km
	}
	return km
}

func (tm *TaskMetrics) TaskChanged(task models.Task, previous models.TaskState) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if task.State.InFlight() {
		tm.states[task.ID] = task.State
	} else {
		delete(tm.states, task.ID)
	}

	km := tm.kind(task.Kind)
	if previous == "" && task.State == models.StateQueued {
		km.Enqueued++
	}
	// only transitions out of flight count as outcomes; restored history does not
	if previous == "" || !previous.InFlight() || !task.State.Terminal() {
		return
	}

	switch task.State {
	case models.StateFinished:
		km.Finished++
		km.Bytes += task.BytesTransferred
		if task.StartedAt != nil && task.FinishedAt != nil {
			km.Duration.observe(task.FinishedAt.Sub(*task.StartedAt))
		}
	case models.StateErroring:
		km.Failed++
		category := task.ErrorCategory
		if category == "" {
			category = string(utils.ErrorCategoryUnknown)
		}
		tm.failures[category]++
	case models.StateCancelled:
		km.Cancelled++
	}
	if settled := km.Finished + km.Failed; settled > 0 {
		km.SuccessRate = float64(km.Finished) / float64(settled) * 100
	}
}

func (tm *TaskMetrics) TaskRemoved(task models.Task) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	delete(tm.states, task.ID)
}

// Snapshot copies the current metrics. Kinds are sorted by name.
func (tm *TaskMetrics) Snapshot() Snapshot {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	s := Snapshot{
		Since:          tm.since,
		InFlight:       make(map[models.TaskState]int),
		Kinds:          make([]KindMetrics, 0, len(tm.kinds)),
		FailuresByType: make(map[string]int64, len(tm.failures)),
	}
	for _, state := range tm.states {
		s.InFlight[state]++
	}
	for _, km := range tm.kinds {
		s.Kinds = append(s.Kinds, *km)
	}
	sort.Slice(s.Kinds, func(i, j int) bool { return s.Kinds[i].Kind < s.Kinds[j].Kind })
	for k, v := range tm.failures {
		s.FailuresByType[k] = v
	}
	return s
}

// ResetCounters clears outcome counters. In-flight tracking is kept.
func (tm *TaskMetrics) ResetCounters() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	states := tm.states
	tm.reset()
	tm.states = states
	tm.logger.Info("Task metrics reset")
}
