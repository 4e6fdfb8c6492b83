package storage

import (
	"context"
	"sync"
	"time"

	"game-download-coordinator/models"
	"game-download-coordinator/utils"
)

const maxPendingAudits = 10000

type journalOp struct {
	task    models.Task
	removed bool
}

// Journal persists engine mutations. It is registered as an engine observer,
// so TaskChanged and TaskRemoved only record the change and return; a writer
// goroutine saves the latest value of each task and appends audit rows.
type Journal struct {
	store  *TaskStore
	audit  *AuditLogger
	logger *utils.Logger
	retry  *utils.RetryService
	now    func() time.Time

	mu      sync.Mutex
	pending map[string]journalOp
	order   []string
	audits  []*AuditEvent
	closed  bool
	started bool

	writeMu sync.Mutex
	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

func NewJournal(store *TaskStore, audit *AuditLogger, logger *utils.Logger) *Journal {
	return &Journal{
		store:   store,
		audit:   audit,
		logger:  logger,
		retry:   utils.NewRetryService(logger, utils.DefaultRetryConfig()),
		now:     time.Now,
		pending: make(map[string]journalOp),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (j *Journal) TaskChanged(task models.Task, previous models.TaskState) {
	var ev *AuditEvent
	if previous != task.State {
		ev = TransitionEvent(task, previous, j.now())
	}
	j.record(journalOp{task: task}, ev)
}

func (j *Journal) TaskRemoved(task models.Task) {
	j.record(journalOp{task: task, removed: true}, RemovalEvent(task, j.now()))
}

func (j *Journal) record(op journalOp, ev *AuditEvent) {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		j.logger.WithTaskID(op.task.ID).Warn("Journal closed, dropping task change")
		return
	}
	if _, ok := j.pending[op.task.ID]; !ok {
		j.order = append(j.order, op.task.ID)
	}
	j.pending[op.task.ID] = op
	if ev != nil {
		if len(j.audits) >= maxPendingAudits {
			j.audits = j.audits[1:]
			j.logger.Warn("Audit backlog full, dropping oldest entry")
		}
		j.audits = append(j.audits, ev)
	}
	j.mu.Unlock()

	select {
	case j.wake <- struct{}{}:
	default:
	}
}

// Start launches the writer goroutine.
func (j *Journal) Start() {
	j.mu.Lock()
	if j.started || j.closed {
		j.mu.Unlock()
		return
	}
	j.started = true
	j.mu.Unlock()

	go j.run()
}

func (j *Journal) run() {
	defer close(j.stopped)
	for {
		select {
		case <-j.wake:
			j.Flush(context.Background())
		case <-j.done:
			j.Flush(context.Background())
			return
		}
	}
}

// Flush writes everything recorded so far.
func (j *Journal) Flush(ctx context.Context) {
	j.writeMu.Lock()
	defer j.writeMu.Unlock()

	j.mu.Lock()
	pending, order, audits := j.pending, j.order, j.audits
	j.pending = make(map[string]journalOp)
	j.order = nil
	j.audits = nil
	j.mu.Unlock()

	for _, id := range order {
		op := pending[id]
		write := func() error { return j.store.Save(op.task) }
		desc := "save task"
		if op.removed {
			write = func() error { return j.store.Delete(op.task.ID) }
			desc = "delete task"
		}
		if err := j.retry.Execute(ctx, write, desc); err != nil {
			j.logger.WithTaskID(id).WithError(err).Error("Failed to persist task")
		}
	}

	for _, ev := range audits {
		ev := ev
		if err := j.retry.Execute(ctx, func() error { return j.audit.LogEvent(ev) }, "append audit"); err != nil {
			j.logger.WithTaskID(ev.TaskID).WithError(err).Error("Failed to persist audit event")
		}
	}
}

// Close stops accepting changes and waits until the backlog is written.
func (j *Journal) Close() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	started := j.started
	j.mu.Unlock()

	if !started {
		j.Flush(context.Background())
		return
	}
	close(j.done)
	<-j.stopped
}
