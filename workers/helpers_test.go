package workers

import (
	"io"
	"os"
	"testing"
	"time"

	"github.com/yeka/zip"

	"game-download-coordinator/models"
	"game-download-coordinator/utils"
)

func testConfig(t *testing.T, urlTemplate string) *utils.Config {
	t.Helper()
	return &utils.Config{
		DownloadDir:        t.TempDir(),
		InstallDir:         t.TempDir(),
		ArchiveURLTemplate: urlTemplate,
	}
}

type zipEntry struct {
	name, body string
}

func writeZip(t *testing.T, path string, password string, entries ...zipEntry) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	zw := zip.NewWriter(f)
	for _, e := range entries {
		var w io.Writer
		if password != "" {
			w, err = zw.Encrypt(e.name, password, zip.AES256Encryption)
		} else {
			w, err = zw.Create(e.name)
		}
		if err != nil {
			t.Fatalf("add %s: %v", e.name, err)
		}
		if _, err := io.WriteString(w, e.body); err != nil {
			t.Fatalf("write %s: %v", e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}
}

// waitProgress reads events until a progress event reaches at least n bytes.
func waitProgress(t *testing.T, events <-chan models.Event, n int64) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if p, ok := ev.(models.ProgressEvent); ok && p.BytesTransferred >= n {
				return
			}
			if l, ok := ev.(models.LifecycleEvent); ok {
				t.Fatalf("unexpected lifecycle event %+v", l)
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %d bytes of progress", n)
		}
	}
}

// waitLifecycle reads events until the next lifecycle event and returns it
// along with the progress events seen before it.
func waitLifecycle(t *testing.T, events <-chan models.Event) (models.LifecycleEvent, []models.ProgressEvent) {
	t.Helper()
	var progress []models.ProgressEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			switch ev := ev.(type) {
			case models.ProgressEvent:
				progress = append(progress, ev)
			case models.LifecycleEvent:
				return ev, progress
			}
		case <-timeout:
			t.Fatalf("timed out waiting for a lifecycle event")
		}
	}
}

// waitIdle blocks until the current attempt of a task has returned.
func waitIdle(t *testing.T, b *LocalBackend, taskID string) {
	t.Helper()
	b.mu.Lock()
	r, ok := b.runs[taskID]
	var done chan struct{}
	if ok {
		done = r.done
	}
	b.mu.Unlock()
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("task %s did not stop", taskID)
	}
}
