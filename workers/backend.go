package workers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"game-download-coordinator/models"
	"game-download-coordinator/telemetry"
	"game-download-coordinator/utils"
)

const eventBuffer = 256

type run struct {
	task    models.Task
	cancel  context.CancelFunc
	done    chan struct{} // closed when the current attempt returns
	paused  bool
	aborted bool
}

// LocalBackend executes tasks on this machine: downloads over HTTP, installs
// by extracting the downloaded archive, uninstalls by removing the install
// directory and launches through a CommandRunner. Every method returns
// immediately; results arrive on Events.
type LocalBackend struct {
	config    *utils.Config
	logger    *utils.Logger
	source    Source
	extractor *Extractor
	runner    CommandRunner
	tracer    trace.Tracer
	now       func() time.Time

	events chan models.Event
	stop   chan struct{}

	mu     sync.Mutex
	runs   map[string]*run
	wg     sync.WaitGroup
	closed bool
}

func NewLocalBackend(config *utils.Config, logger *utils.Logger, source Source, runner CommandRunner) *LocalBackend {
	if source == nil {
		source = NewHTTPSource(nil, logger)
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &LocalBackend{
		config:    config,
		logger:    logger,
		source:    source,
		extractor: NewExtractor(logger, config.ArchivePassword),
		runner:    runner,
		tracer:    telemetry.Tracer(),
		now:       time.Now,
		events:    make(chan models.Event, eventBuffer),
		stop:      make(chan struct{}),
		runs:      make(map[string]*run),
	}
}

// Events delivers progress and lifecycle events. It is closed by Close.
func (b *LocalBackend) Events() <-chan models.Event {
	return b.events
}

func (b *LocalBackend) Start(task models.Task) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if _, exists := b.runs[task.ID]; exists {
		b.logger.WithTaskID(task.ID).Warn("Task already started")
		return
	}
	r := &run{task: task}
	b.runs[task.ID] = r
	b.launch(r)
}

func (b *LocalBackend) Pause(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.runs[taskID]
	if !ok || r.paused || r.aborted {
		return
	}
	r.paused = true
	r.cancel()
	b.logger.WithTaskID(taskID).Info("Task paused")
}

func (b *LocalBackend) Resume(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	r, ok := b.runs[taskID]
	if !ok || !r.paused || r.aborted {
		return
	}
	r.paused = false
	b.launch(r)
	b.logger.WithTaskID(taskID).Info("Task resumed")
}

// Abort stops the task, removes its partial download and reports it cancelled.
func (b *LocalBackend) Abort(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.runs[taskID]
	if !ok || r.aborted {
		return
	}
	r.aborted = true
	if r.cancel != nil {
		r.cancel()
	}

	done := r.done
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if done != nil {
			<-done
		}
		if r.task.Kind == models.KindDownload {
			if err := os.Remove(b.partialPath(r.task.GameID)); err != nil && !errors.Is(err, os.ErrNotExist) {
				b.logger.WithTaskID(taskID).WithError(err).Warn("Failed to remove partial download")
			}
		}
		b.mu.Lock()
		delete(b.runs, taskID)
		b.mu.Unlock()
		b.emit(models.LifecycleEvent{TaskID: taskID, Outcome: models.OutcomeCancelled, Timestamp: b.now()})
	}()
}

// Close cancels every run, waits for the workers and closes Events.
func (b *LocalBackend) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, r := range b.runs {
		if r.cancel != nil {
			r.cancel()
		}
	}
	b.mu.Unlock()

	close(b.stop)
	b.wg.Wait()
	close(b.events)
}

// launch starts a new attempt of r once the previous one has returned.
// Caller holds b.mu.
func (b *LocalBackend) launch(r *run) {
	prev := r.done
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = done

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(done)
		defer cancel()
		if prev != nil {
			<-prev
			b.mu.Lock()
			current := b.runs[r.task.ID] == r && !r.aborted
			b.mu.Unlock()
			if !current {
				// the previous attempt settled the task
				return
			}
		}
		b.execute(ctx, r)
	}()
}

func (b *LocalBackend) execute(ctx context.Context, r *run) {
	task := r.task
	log := b.logger.WithTaskID(task.ID).WithField("game_id", task.GameID).WithField("kind", task.Kind)

	ctx, span := b.tracer.Start(ctx, "task."+string(task.Kind), trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.Int64("game.id", task.GameID),
		attribute.String("task.reason", string(task.Reason)),
	))
	defer span.End()

	log.Info("Task started")
	err := b.perform(ctx, task)

	b.mu.Lock()
	paused, aborted := r.paused, r.aborted
	if err == nil && !aborted {
		delete(b.runs, task.ID)
	}
	b.mu.Unlock()

	// A cancelled context means Pause or Close stopped the attempt. The
	// error is whatever the interrupted work returned, e.g. a killed process.
	stopped := ctx.Err() != nil

	switch {
	case aborted:
		// Abort reports the outcome
		span.AddEvent("aborted")
	case err == nil:
		log.Info("Task completed")
		b.emit(models.LifecycleEvent{TaskID: task.ID, Outcome: models.OutcomeFinished, Timestamp: b.now()})
	case stopped && paused:
		span.AddEvent("paused")
	case stopped:
		// backend shutdown; the task stays in flight and resumes after restart
		span.AddEvent("interrupted")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.WithError(err).Warn("Task failed")
		b.mu.Lock()
		delete(b.runs, task.ID)
		b.mu.Unlock()
		b.emit(models.LifecycleEvent{TaskID: task.ID, Outcome: models.OutcomeErrored, Err: err.Error(), Timestamp: b.now()})
	}
}

func (b *LocalBackend) perform(ctx context.Context, task models.Task) error {
	switch task.Kind {
	case models.KindDownload:
		return b.download(ctx, task)
	case models.KindInstall:
		return b.install(ctx, task)
	case models.KindUninstall:
		return b.uninstall(ctx, task)
	case models.KindLaunch:
		return b.launchGame(ctx, task)
	}
	return fmt.Errorf("unsupported task kind %q", task.Kind)
}

func (b *LocalBackend) download(ctx context.Context, task models.Task) error {
	if err := os.MkdirAll(b.config.DownloadDir, 0755); err != nil {
		return err
	}
	part := b.partialPath(task.GameID)

	var offset int64
	if info, err := os.Stat(part); err == nil {
		offset = info.Size()
	}

	url := fmt.Sprintf(b.config.ArchiveURLTemplate, task.GameID)
	body, start, total, err := b.source.Open(ctx, url, offset)
	if err != nil {
		return err
	}
	defer body.Close()

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if start == 0 {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	f, err := os.OpenFile(part, flags, 0644)
	if err != nil {
		return err
	}

	pw := newProgressWriter(f, start, total, b.config.ProgressInterval, b.now, b.progressFor(task.ID))
	pw.Flush()
	_, err = copyContext(ctx, pw, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	if total > 0 && pw.written != total {
		return fmt.Errorf("download truncated: %w (%d of %d bytes)", io.ErrUnexpectedEOF, pw.written, total)
	}
	pw.total = pw.written
	pw.Flush()

	return os.Rename(part, b.archivePath(task.GameID))
}

func (b *LocalBackend) install(ctx context.Context, task models.Task) error {
	archive := b.archivePath(task.GameID)
	if _, err := os.Stat(archive); err != nil {
		return fmt.Errorf("no downloaded archive for game %d: %w", task.GameID, err)
	}
	dest := b.installPath(task.GameID)
	if task.Reason == models.ReasonReinstall {
		if err := os.RemoveAll(dest); err != nil {
			return err
		}
	}

	files, err := b.extractor.Extract(ctx, archive, dest, b.progressFor(task.ID))
	if err != nil {
		return err
	}
	b.logger.WithTaskID(task.ID).
		WithField("files", files).
		WithField("install_dir", dest).
		Info("Archive extracted")
	return nil
}

func (b *LocalBackend) uninstall(ctx context.Context, task models.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dest := b.installPath(task.GameID)
	if err := os.RemoveAll(dest); err != nil {
		return err
	}
	if err := os.Remove(b.archivePath(task.GameID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	b.progressFor(task.ID)(1, 1)
	return nil
}

func (b *LocalBackend) launchGame(ctx context.Context, task models.Task) error {
	if b.config.LaunchCommand == "" {
		return errors.New("launch command not configured")
	}
	dir := b.installPath(task.GameID)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("game %d is not installed: %w", task.GameID, err)
	}
	fields := strings.Fields(b.config.LaunchCommand)
	args := append(fields[1:], dir)
	return b.runner.Run(ctx, fields[0], args...)
}

func (b *LocalBackend) progressFor(taskID string) func(written, total int64) {
	return func(written, total int64) {
		b.emit(models.ProgressEvent{
			TaskID:           taskID,
			BytesTransferred: written,
			TotalSize:        total,
			Timestamp:        b.now(),
		})
	}
}

func (b *LocalBackend) emit(ev models.Event) {
	select {
	case b.events <- ev:
	case <-b.stop:
	}
}

func (b *LocalBackend) archivePath(gameID int64) string {
	return filepath.Join(b.config.DownloadDir, models.ArchiveFileName(gameID))
}

func (b *LocalBackend) partialPath(gameID int64) string {
	return b.archivePath(gameID) + models.PartialSuffix
}

func (b *LocalBackend) installPath(gameID int64) string {
	return filepath.Join(b.config.InstallDir, strconv.FormatInt(gameID, 10))
}

// ExecRunner runs commands with os/exec. A command killed because ctx ended
// reports ctx.Err() instead of the exit status.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}
