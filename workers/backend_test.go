package workers

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"game-download-coordinator/models"
	"game-download-coordinator/utils"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
	err   error
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{name}, args...))
	return f.err
}

// blockingRunner holds its first call until ctx ends and then fails the way
// a killed process does. Later calls succeed.
type blockingRunner struct {
	started chan struct{}
	mu      sync.Mutex
	calls   int
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{started: make(chan struct{})}
}

func (f *blockingRunner) Run(ctx context.Context, name string, args ...string) error {
	f.mu.Lock()
	f.calls++
	first := f.calls == 1
	f.mu.Unlock()
	if !first {
		return nil
	}
	close(f.started)
	<-ctx.Done()
	return errors.New("signal: killed")
}

func newBackend(t *testing.T, config *utils.Config, runner CommandRunner) *LocalBackend {
	t.Helper()
	b := NewLocalBackend(config, utils.NewDiscardLogger(), nil, runner)
	t.Cleanup(b.Close)
	return b
}

func task(id string, game int64, kind models.TaskKind) models.Task {
	return models.Task{ID: id, GameID: game, Kind: kind, Reason: models.ReasonInstall, State: models.StateActive}
}

// stallingServer serves data but stops halfway through the first request
// until the client goes away. Later requests are served in full.
func stallingServer(t *testing.T, data []byte) (*httptest.Server, func() []string) {
	t.Helper()
	var (
		mu     sync.Mutex
		ranges []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ranges = append(ranges, r.Header.Get("Range"))
		first := len(ranges) == 1
		mu.Unlock()

		if first {
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			w.WriteHeader(http.StatusOK)
			w.Write(data[:len(data)/2])
			w.(http.Flusher).Flush()
			<-r.Context().Done()
			return
		}
		http.ServeContent(w, r, "game.zip", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), ranges...)
	}
}

func TestDownloadCompletes(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 5000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/games/42.zip" {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, "42.zip", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)

	config := testConfig(t, srv.URL+"/games/%d.zip")
	b := newBackend(t, config, nil)
	b.Start(task("t1", 42, models.KindDownload))

	ev, progress := waitLifecycle(t, b.Events())
	if ev.TaskID != "t1" || ev.Outcome != models.OutcomeFinished {
		t.Fatalf("lifecycle = %+v", ev)
	}
	if len(progress) == 0 {
		t.Fatalf("no progress reported")
	}
	last := progress[len(progress)-1]
	if last.BytesTransferred != int64(len(data)) || last.TotalSize != int64(len(data)) {
		t.Fatalf("last progress = %+v", last)
	}

	got, err := os.ReadFile(b.archivePath(42))
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("archive mismatch: %v", err)
	}
	if _, err := os.Stat(b.partialPath(42)); !os.IsNotExist(err) {
		t.Fatalf("partial file left behind")
	}
}

func TestDownloadPauseResumeUsesRange(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefgh"), 4096)
	half := int64(len(data) / 2)
	srv, ranges := stallingServer(t, data)

	b := newBackend(t, testConfig(t, srv.URL+"/%d"), nil)
	b.Start(task("t1", 7, models.KindDownload))
	waitProgress(t, b.Events(), half)

	b.Pause("t1")
	waitIdle(t, b, "t1")
	info, err := os.Stat(b.partialPath(7))
	if err != nil || info.Size() != half {
		t.Fatalf("partial after pause: %v, %v", info, err)
	}

	b.Resume("t1")
	ev, _ := waitLifecycle(t, b.Events())
	if ev.Outcome != models.OutcomeFinished {
		t.Fatalf("lifecycle = %+v", ev)
	}
	got, _ := os.ReadFile(b.archivePath(7))
	if !bytes.Equal(got, data) {
		t.Fatalf("resumed archive differs from source (%d bytes)", len(got))
	}
	if r := ranges(); len(r) != 2 || r[0] != "" || r[1] != "bytes="+strconv.FormatInt(half, 10)+"-" {
		t.Fatalf("ranges = %q", r)
	}
}

func TestAbortRemovesPartialDownload(t *testing.T) {
	data := bytes.Repeat([]byte("z"), 1<<16)
	srv, _ := stallingServer(t, data)

	b := newBackend(t, testConfig(t, srv.URL+"/%d"), nil)
	b.Start(task("t1", 3, models.KindDownload))
	waitProgress(t, b.Events(), int64(len(data)/2))

	b.Abort("t1")
	ev, _ := waitLifecycle(t, b.Events())
	if ev.TaskID != "t1" || ev.Outcome != models.OutcomeCancelled {
		t.Fatalf("lifecycle = %+v", ev)
	}
	if _, err := os.Stat(b.partialPath(3)); !os.IsNotExist(err) {
		t.Fatalf("partial file survived abort")
	}
}

func TestAbortPausedTask(t *testing.T) {
	data := bytes.Repeat([]byte("p"), 1<<16)
	srv, _ := stallingServer(t, data)

	b := newBackend(t, testConfig(t, srv.URL+"/%d"), nil)
	b.Start(task("t1", 4, models.KindDownload))
	waitProgress(t, b.Events(), int64(len(data)/2))
	b.Pause("t1")
	b.Abort("t1")

	ev, _ := waitLifecycle(t, b.Events())
	if ev.Outcome != models.OutcomeCancelled {
		t.Fatalf("lifecycle = %+v", ev)
	}
	b.mu.Lock()
	_, tracked := b.runs["t1"]
	b.mu.Unlock()
	if tracked {
		t.Fatalf("aborted run still tracked")
	}
}

func TestDownloadHTTPErrorReportsErrored(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	b := newBackend(t, testConfig(t, srv.URL+"/%d"), nil)
	b.Start(task("t1", 9, models.KindDownload))

	ev, _ := waitLifecycle(t, b.Events())
	if ev.Outcome != models.OutcomeErrored || !strings.Contains(ev.Err, "404") {
		t.Fatalf("lifecycle = %+v", ev)
	}
	if got := utils.NewErrorClassifier().Categorize(ev.Err); got != utils.ErrorCategoryNetwork {
		t.Fatalf("category = %s", got)
	}
}

func TestInstallExtractsArchive(t *testing.T) {
	config := testConfig(t, "http://unused/%d")
	b := newBackend(t, config, nil)
	writeZip(t, b.archivePath(11), "", zipEntry{"game/run.sh", "#!/bin/sh\n"}, zipEntry{"game/data.pak", "pak"})

	b.Start(task("i1", 11, models.KindInstall))
	ev, progress := waitLifecycle(t, b.Events())
	if ev.Outcome != models.OutcomeFinished {
		t.Fatalf("lifecycle = %+v", ev)
	}
	if len(progress) == 0 || progress[len(progress)-1].BytesTransferred != progress[len(progress)-1].TotalSize {
		t.Fatalf("install progress = %+v", progress)
	}
	got, err := os.ReadFile(filepath.Join(config.InstallDir, "11", "game", "data.pak"))
	if err != nil || string(got) != "pak" {
		t.Fatalf("data.pak = %q, %v", got, err)
	}
}

func TestReinstallClearsPreviousFiles(t *testing.T) {
	config := testConfig(t, "http://unused/%d")
	b := newBackend(t, config, nil)
	writeZip(t, b.archivePath(12), "", zipEntry{"new.txt", "new"})
	stale := filepath.Join(config.InstallDir, "12", "stale.txt")
	os.MkdirAll(filepath.Dir(stale), 0755)
	os.WriteFile(stale, []byte("old"), 0644)

	tk := task("i1", 12, models.KindInstall)
	tk.Reason = models.ReasonReinstall
	b.Start(tk)
	if ev, _ := waitLifecycle(t, b.Events()); ev.Outcome != models.OutcomeFinished {
		t.Fatalf("lifecycle = %+v", ev)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("reinstall kept stale files")
	}
}

func TestInstallWithoutArchiveFails(t *testing.T) {
	b := newBackend(t, testConfig(t, "http://unused/%d"), nil)
	b.Start(task("i1", 13, models.KindInstall))

	ev, _ := waitLifecycle(t, b.Events())
	if ev.Outcome != models.OutcomeErrored || !strings.Contains(ev.Err, "no downloaded archive") {
		t.Fatalf("lifecycle = %+v", ev)
	}
}

func TestUninstallRemovesFiles(t *testing.T) {
	config := testConfig(t, "http://unused/%d")
	b := newBackend(t, config, nil)
	dir := filepath.Join(config.InstallDir, "5")
	os.MkdirAll(dir, 0755)
	os.WriteFile(filepath.Join(dir, "game.exe"), []byte("MZ"), 0644)
	os.WriteFile(b.archivePath(5), []byte("PK"), 0644)

	b.Start(task("u1", 5, models.KindUninstall))
	if ev, _ := waitLifecycle(t, b.Events()); ev.Outcome != models.OutcomeFinished {
		t.Fatalf("lifecycle = %+v", ev)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("install directory survived uninstall")
	}
	if _, err := os.Stat(b.archivePath(5)); !os.IsNotExist(err) {
		t.Fatalf("archive survived uninstall")
	}
}

func TestLaunchRunsConfiguredCommand(t *testing.T) {
	config := testConfig(t, "http://unused/%d")
	config.LaunchCommand = "wine --debug"
	runner := &fakeRunner{}
	b := newBackend(t, config, runner)
	dir := filepath.Join(config.InstallDir, "8")
	os.MkdirAll(dir, 0755)

	b.Start(task("l1", 8, models.KindLaunch))
	if ev, _ := waitLifecycle(t, b.Events()); ev.Outcome != models.OutcomeFinished {
		t.Fatalf("lifecycle = %+v", ev)
	}
	runner.mu.Lock()
	defer runner.mu.Unlock()
	want := []string{"wine", "--debug", dir}
	if len(runner.calls) != 1 || strings.Join(runner.calls[0], " ") != strings.Join(want, " ") {
		t.Fatalf("calls = %q, want %q", runner.calls, want)
	}
}

func TestLaunchFailures(t *testing.T) {
	tests := []struct {
		name      string
		command   string
		installed bool
		want      string
	}{
		{name: "not configured", command: "", installed: true, want: "launch command not configured"},
		{name: "not installed", command: "run", installed: false, want: "is not installed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := testConfig(t, "http://unused/%d")
			config.LaunchCommand = tt.command
			b := newBackend(t, config, &fakeRunner{})
			if tt.installed {
				os.MkdirAll(filepath.Join(config.InstallDir, "8"), 0755)
			}
			b.Start(task("l1", 8, models.KindLaunch))
			ev, _ := waitLifecycle(t, b.Events())
			if ev.Outcome != models.OutcomeErrored || !strings.Contains(ev.Err, tt.want) {
				t.Fatalf("lifecycle = %+v", ev)
			}
		})
	}
}

func startBlockedLaunch(t *testing.T, b *LocalBackend, runner *blockingRunner, config *utils.Config) {
	t.Helper()
	os.MkdirAll(filepath.Join(config.InstallDir, "8"), 0755)
	b.Start(task("l1", 8, models.KindLaunch))
	select {
	case <-runner.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("launch command never ran")
	}
}

func TestPauseLaunchDoesNotReportFailure(t *testing.T) {
	config := testConfig(t, "http://unused/%d")
	config.LaunchCommand = "wine"
	runner := newBlockingRunner()
	b := newBackend(t, config, runner)
	startBlockedLaunch(t, b, runner, config)

	b.Pause("l1")
	waitIdle(t, b, "l1")
	select {
	case ev := <-b.Events():
		t.Fatalf("pause reported %+v", ev)
	default:
	}
	b.mu.Lock()
	r, tracked := b.runs["l1"]
	paused := tracked && r.paused
	b.mu.Unlock()
	if !paused {
		t.Fatalf("paused launch should stay tracked as paused")
	}

	b.Resume("l1")
	if ev, _ := waitLifecycle(t, b.Events()); ev.Outcome != models.OutcomeFinished {
		t.Fatalf("lifecycle after resume = %+v", ev)
	}
}

func TestCloseDuringLaunchReportsNothing(t *testing.T) {
	config := testConfig(t, "http://unused/%d")
	config.LaunchCommand = "wine"
	runner := newBlockingRunner()
	b := NewLocalBackend(config, utils.NewDiscardLogger(), nil, runner)
	startBlockedLaunch(t, b, runner, config)

	b.Close()
	for ev := range b.Events() {
		t.Fatalf("shutdown reported %+v", ev)
	}
}

func TestExecRunnerReportsCancellation(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := ExecRunner{}.Run(ctx, "sleep", "5")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run = %v, want the context error", err)
	}
}

func TestCloseLeavesTaskInFlight(t *testing.T) {
	data := bytes.Repeat([]byte("c"), 1<<16)
	srv, _ := stallingServer(t, data)

	b := NewLocalBackend(testConfig(t, srv.URL+"/%d"), utils.NewDiscardLogger(), nil, nil)
	b.Start(task("t1", 6, models.KindDownload))
	waitProgress(t, b.Events(), int64(len(data)/2))

	b.Close()
	for ev := range b.Events() {
		if _, ok := ev.(models.LifecycleEvent); ok {
			t.Fatalf("shutdown reported %+v", ev)
		}
	}
	if _, err := os.Stat(b.partialPath(6)); err != nil {
		t.Fatalf("partial download should survive shutdown: %v", err)
	}
	b.Start(task("t2", 7, models.KindDownload)) // ignored after close
}
