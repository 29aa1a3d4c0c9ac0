package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/remote-agent-terminal/workspace/internal/model"
)

func startWatch(t *testing.T, opts Options) (string, *Watcher) {
	t.Helper()

	root := t.TempDir()
	w, err := Watch(context.Background(), root, opts)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return root, w
}

// gather collects events until the stream is quiet for the given period.
func gather(w *Watcher, quiet time.Duration) []model.ChangeEvent {
	var out []model.ChangeEvent
	for {
		select {
		case e, ok := <-w.Events():
			if !ok {
				return out
			}
			out = append(out, e)
		case <-time.After(quiet):
			return out
		}
	}
}

func count(evs []model.ChangeEvent, p string) int {
	n := 0
	for _, e := range evs {
		if e.Path == p {
			n++
		}
	}
	return n
}

func TestWatchNewFileReportedOnce(t *testing.T) {
	root, w := startWatch(t, Options{})

	if err := os.WriteFile(filepath.Join(root, "new.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	evs := gather(w, 500*time.Millisecond)
	if n := count(evs, "/new.txt"); n != 1 {
		t.Fatalf("Expected exactly one event for /new.txt, got %d: %v", n, evs)
	}
	for _, e := range evs {
		if e.Path == "/new.txt" && e.Kind != model.ChangeCreated {
			t.Errorf("Expected created, got %s", e.Kind)
		}
	}
}

func TestWatchModifyThenDelete(t *testing.T) {
	root, w := startWatch(t, Options{})
	file := filepath.Join(root, "doc.txt")
	if err := os.WriteFile(file, []byte("v1"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	gather(w, 300*time.Millisecond)

	if err := os.WriteFile(file, []byte("v2"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := os.Remove(file); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	evs := gather(w, 500*time.Millisecond)
	if len(evs) == 0 {
		t.Fatal("Expected events")
	}
	last := evs[len(evs)-1]
	if last.Path != "/doc.txt" || last.Kind != model.ChangeRemoved {
		t.Errorf("Expected last event to be the removal, got %+v", last)
	}
}

func TestWatchNewDirectory(t *testing.T) {
	root, w := startWatch(t, Options{})

	dir := filepath.Join(root, "sub", "deeper")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	gather(w, 300*time.Millisecond)

	if err := os.WriteFile(filepath.Join(dir, "inner.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	evs := gather(w, 500*time.Millisecond)
	if count(evs, "/sub/deeper/inner.txt") == 0 {
		t.Errorf("Expected an event inside the new directory, got %v", evs)
	}
}

func TestWatchIgnore(t *testing.T) {
	root, w := startWatch(t, Options{Ignore: append([]string{"*.tmp"}, DefaultIgnore...)})

	if err := os.MkdirAll(filepath.Join(root, ".git", "objects"), 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, ".git", "HEAD"), []byte("ref"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "scratch.tmp"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "kept.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	evs := gather(w, 500*time.Millisecond)
	for _, e := range evs {
		if e.Path != "/kept.txt" {
			t.Errorf("Unexpected event for ignored path: %+v", e)
		}
	}
	if count(evs, "/kept.txt") != 1 {
		t.Errorf("Expected one event for /kept.txt, got %v", evs)
	}
}

func TestWatchRootRemoved(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "workspace")
	if err := os.Mkdir(root, 0o755); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}

	w, err := Watch(context.Background(), root, Options{})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer w.Close()

	if err := os.RemoveAll(root); err != nil {
		t.Fatalf("RemoveAll failed: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-w.Events():
			if ok {
				continue
			}
			if !errors.Is(w.Err(), model.ErrWatch) {
				t.Errorf("Expected ErrWatch, got %v", w.Err())
			}
			return
		case <-deadline:
			t.Fatal("Expected stream to end after root removal")
		}
	}
}

func TestWatchCloseEndsStream(t *testing.T) {
	_, w := startWatch(t, Options{})

	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, ok := <-w.Events(); ok {
		t.Error("Expected closed stream")
	}
	if w.Err() != nil {
		t.Errorf("Expected nil error after Close, got %v", w.Err())
	}
}

func TestWatchMissingRoot(t *testing.T) {
	_, err := Watch(context.Background(), filepath.Join(t.TempDir(), "missing"), Options{})
	if !errors.Is(err, model.ErrWatch) {
		t.Errorf("Expected ErrWatch, got %v", err)
	}
}

func TestRelative(t *testing.T) {
	w := &Watcher{root: "/srv/ws"}

	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"/srv/ws", "/", true},
		{"/srv/ws/a.txt", "/a.txt", true},
		{"/srv/ws/dir/b.txt", "/dir/b.txt", true},
		{"/srv/other", "", false},
	}
	for _, tt := range tests {
		got, ok := w.relative(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("relative(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
