package pipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"game-download-coordinator/models"
	"game-download-coordinator/utils"
)

// Backend executes tasks. The Engine calls it while holding its lock, so
// implementations must return promptly and report results through events,
// never by calling back into the Engine.
type Backend interface {
	Start(task models.Task)
	Pause(taskID string)
	Resume(taskID string)
	Abort(taskID string)
}

// Observer is told about every task mutation. Like Backend, it is called
// under the Engine lock and must not block.
type Observer interface {
	// TaskChanged receives the new task value. previous is empty for new tasks.
	TaskChanged(task models.Task, previous models.TaskState)
	TaskRemoved(task models.Task)
}

type Options struct {
	// Concurrency bounds the number of active tasks. Defaults to 1.
	Concurrency    int
	SampleCapacity int
	SampleWindow   time.Duration
	Backend        Backend
	Observers      []Observer
	Logger         *utils.Logger
	VerboseEvents  bool

	Now   func() time.Time
	NewID func() string
}

// Engine is the coordination context. Every command, query and backend event
// runs under one mutex, so no caller ever observes a half-applied transition.
type Engine struct {
	mu sync.Mutex

	reg        *Registry
	agg        *Aggregator
	notifier   *Notifier
	backend    Backend
	observers  []Observer
	logger     *utils.Logger
	classifier *utils.ErrorClassifier
	verbose    bool

	now   func() time.Time
	newID func() string

	limit     int
	started   map[string]bool      // tasks the backend has been told to Start
	lastEvent map[string]time.Time // newest applied event per task
	paused    bool                 // set by PauseAll, cleared by ResumeAll
	closed    bool
}

func NewEngine(opts Options) *Engine {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Backend == nil {
		opts.Backend = nopBackend{}
	}
	if opts.Logger == nil {
		opts.Logger = utils.NewDiscardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	e := &Engine{
		notifier:   NewNotifier(),
		backend:    opts.Backend,
		observers:  opts.Observers,
		logger:     opts.Logger,
		classifier: utils.NewErrorClassifier(),
		verbose:    opts.VerboseEvents,
		now:        opts.Now,
		newID:      opts.NewID,
		limit:      opts.Concurrency,
		started:    make(map[string]bool),
		lastEvent:  make(map[string]time.Time),
	}
	e.reg = NewRegistry(e.notifier.Publish)
	e.agg = NewAggregator(opts.SampleCapacity, opts.SampleWindow, e.reg.Lookup)
	return e
}

// AddObserver registers an observer. It must be called before the engine is
// shared between goroutines.
func (e *Engine) AddObserver(o Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, o)
}

// Close tears the engine down. Subscriptions end and later commands fail
// with utils.ErrClosed. Running backend work is left to the backend.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.notifier.Close()
	e.logger.WithComponent("engine").Info("Coordinator closed")
}

// Subscribe returns a change stream. A value arrives after any registry or
// aggregator change; consumers re-query for details.
func (e *Engine) Subscribe() (<-chan struct{}, func()) {
	return e.notifier.Subscribe()
}

func (e *Engine) Resolve(gameID int64) models.GameStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Resolve(e.reg, e.agg, gameID)
}

func (e *Engine) ListActive() []models.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reg.ListActive()
}

func (e *Engine) History() []models.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reg.History()
}

func (e *Engine) Task(id string) (models.Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reg.Lookup(id)
}

func (e *Engine) CurrentRate(taskID string) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.agg.CurrentRate(taskID)
}

func (e *Engine) EstimatedTimeRemaining(taskID string) (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.agg.EstimatedTimeRemaining(taskID)
}

func (e *Engine) Speeds() []SpeedPoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.agg.Speeds()
}

func (e *Engine) Concurrency() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.limit
}

// Paused reports whether downloads are paused. Nothing is promoted while
// they are.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// put stores task and tells observers. Callers hold e.mu.
func (e *Engine) put(task models.Task, previous models.TaskState, replace bool) error {
	task.UpdatedAt = e.now()
	if err := e.reg.Upsert(task, replace); err != nil {
		return err
	}
	for _, o := range e.observers {
		o.TaskChanged(task.Clone(), previous)
	}
	return nil
}

func (e *Engine) remove(task models.Task) {
	e.reg.Remove(task.ID)
	for _, o := range e.observers {
		o.TaskRemoved(task.Clone())
	}
}

func (e *Engine) timestamp(t time.Time) time.Time {
	if t.IsZero() {
		return e.now()
	}
	return t
}

type nopBackend struct{}

func (nopBackend) Start(models.Task) {}
func (nopBackend) Pause(string)      {}
func (nopBackend) Resume(string)     {}
func (nopBackend) Abort(string)      {}
