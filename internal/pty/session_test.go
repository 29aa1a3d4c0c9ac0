package pty

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/remote-agent-terminal/workspace/internal/model"
	"github.com/remote-agent-terminal/workspace/internal/recording"
)

// collect reads the stream until it closes or the timeout expires.
func collect(t *testing.T, ch <-chan []byte, timeout time.Duration) ([]byte, bool) {
	t.Helper()

	var out bytes.Buffer
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return out.Bytes(), true
			}
			out.Write(chunk)
		case <-timer.C:
			return out.Bytes(), false
		}
	}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for shell to exit")
	}
}

func TestStartOutputAndExit(t *testing.T) {
	s, err := Start(context.Background(), StartOptions{
		Command: "sh -c 'echo hello; exit 3'",
		Dir:     t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ch, cancel := s.Subscribe()
	defer cancel()

	out, closed := collect(t, ch, 5*time.Second)
	if !closed {
		t.Fatal("Expected output stream to close after exit")
	}
	if !strings.Contains(string(out), "hello") {
		t.Errorf("Expected output to contain %q, got %q", "hello", out)
	}

	waitDone(t, s)

	code, exited := s.ExitCode()
	if !exited {
		t.Fatal("Expected session to report exit")
	}
	if code != 3 {
		t.Errorf("Expected exit code 3, got %d", code)
	}
	if s.State() != model.ShellStateExited {
		t.Errorf("Expected state %q, got %q", model.ShellStateExited, s.State())
	}

	status := s.Status()
	if status.ExitCode == nil || *status.ExitCode != 3 {
		t.Errorf("Expected status exit code 3, got %v", status.ExitCode)
	}
}

func TestWriteAfterExit(t *testing.T) {
	s, err := Start(context.Background(), StartOptions{
		Command: "true",
		Dir:     t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitDone(t, s)

	if err := s.Write([]byte("echo hi\n")); !errors.Is(err, model.ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed, got %v", err)
	}
	if err := s.Resize(40, 100); !errors.Is(err, model.ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed from Resize, got %v", err)
	}

	ch, _ := s.Subscribe()
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("Expected closed channel when subscribing after exit")
		}
	case <-time.After(time.Second):
		t.Error("Expected subscribe after exit to return a closed channel")
	}
}

func TestStartMissingExecutable(t *testing.T) {
	_, err := Start(context.Background(), StartOptions{
		Command: "definitely-not-a-real-shell-binary",
		Dir:     t.TempDir(),
	})
	if !errors.Is(err, model.ErrSpawn) {
		t.Errorf("Expected ErrSpawn, got %v", err)
	}
}

func TestStartEmptyCommand(t *testing.T) {
	_, err := Start(context.Background(), StartOptions{Command: "   "})
	if !errors.Is(err, model.ErrCommandRequired) {
		t.Errorf("Expected ErrCommandRequired, got %v", err)
	}
}

func TestInputReachesShell(t *testing.T) {
	s, err := Start(context.Background(), StartOptions{
		Command: "sh",
		Dir:     t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Close()

	first, cancelFirst := s.Subscribe()
	defer cancelFirst()
	second, cancelSecond := s.Subscribe()
	defer cancelSecond()

	if err := s.Write([]byte("echo marker-$((40+2))\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := s.Write([]byte("exit\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	for name, ch := range map[string]<-chan []byte{"first": first, "second": second} {
		out, _ := collect(t, ch, 5*time.Second)
		if !strings.Contains(string(out), "marker-42") {
			t.Errorf("%s subscriber: expected shell output %q, got %q", name, "marker-42", out)
		}
	}
}

func TestCancelledSubscriberDoesNotStall(t *testing.T) {
	s, err := Start(context.Background(), StartOptions{
		Command: "sh -c 'i=0; while [ $i -lt 2000 ]; do echo line-$i; i=$((i+1)); done'",
		Dir:     t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	_, cancelIdle := s.Subscribe()
	cancelIdle()

	ch, cancel := s.Subscribe()
	defer cancel()

	out, closed := collect(t, ch, 10*time.Second)
	if !closed {
		t.Fatal("Expected stream to close; an abandoned subscriber stalled the reader")
	}
	if !strings.Contains(string(out), "line-1999") {
		t.Error("Expected full output to be delivered")
	}
}

func TestResize(t *testing.T) {
	s, err := Start(context.Background(), StartOptions{
		Command: "sh -c 'sleep 30'",
		Dir:     t.TempDir(),
		Rows:    30,
		Cols:    90,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Close()

	rows, cols := s.Size()
	if rows != 30 || cols != 90 {
		t.Errorf("Expected initial size 30x90, got %dx%d", rows, cols)
	}

	if err := s.Resize(50, 120); err != nil {
		t.Fatalf("Resize failed: %v", err)
	}
	rows, cols = s.Size()
	if rows != 50 || cols != 120 {
		t.Errorf("Expected size 50x120, got %dx%d", rows, cols)
	}

	if err := s.Resize(0, 120); err == nil {
		t.Error("Expected error for zero rows")
	}
}

func TestCloseHangsUp(t *testing.T) {
	s, err := Start(context.Background(), StartOptions{
		Command: "sh -c 'sleep 60'",
		Dir:     t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Close() }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Close failed: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Close did not return")
	}

	if s.State() != model.ShellStateExited {
		t.Errorf("Expected exited state after Close, got %q", s.State())
	}
}

func TestRecording(t *testing.T) {
	path := filepath.Join(t.TempDir(), "casts", "session.cast")

	s, err := Start(context.Background(), StartOptions{
		Command:    "sh -c 'echo recorded'",
		Dir:        t.TempDir(),
		RecordPath: path,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	ch, cancel := s.Subscribe()
	defer cancel()
	collect(t, ch, 5*time.Second)
	waitDone(t, s)

	// The recorder is closed after the reader drains.
	deadline := time.Now().Add(5 * time.Second)
	for {
		data, err := os.ReadFile(path)
		if err == nil && strings.Contains(string(data), `"o","recorded`) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Recording does not contain output: %q", data)
		}
		time.Sleep(20 * time.Millisecond)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("Expected header line")
	}
	var header recording.Header
	if err := json.Unmarshal(scanner.Bytes(), &header); err != nil {
		t.Fatalf("Invalid header: %v", err)
	}
	if header.Version != 2 || header.Width != 80 || header.Height != 24 {
		t.Errorf("Unexpected header: %+v", header)
	}
	for scanner.Scan() {
		var ev recording.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("Invalid event line %q: %v", scanner.Text(), err)
		}
		if ev.Type != recording.EventOutput {
			t.Errorf("Expected output event, got %q", ev.Type)
		}
	}
}

func TestSplitCommand(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"bash", []string{"bash"}},
		{"bash -l", []string{"bash", "-l"}},
		{"  sh   -c  ", []string{"sh", "-c"}},
		{"sh -c 'echo hello world'", []string{"sh", "-c", "echo hello world"}},
		{`sh -c "it's here"`, []string{"sh", "-c", "it's here"}},
		{"cmd\targ", []string{"cmd", "arg"}},
		{"", nil},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := splitCommand(tt.input)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("splitCommand(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestBuildEnvSetsTerm(t *testing.T) {
	env := buildEnv(map[string]string{"WORKSPACE": "1"})

	var terms int
	var found bool
	for _, kv := range env {
		if strings.HasPrefix(kv, "TERM=") {
			terms++
			if kv != "TERM=xterm-256color" {
				t.Errorf("Unexpected TERM entry %q", kv)
			}
		}
		if kv == "WORKSPACE=1" {
			found = true
		}
	}
	if terms != 1 {
		t.Errorf("Expected exactly one TERM entry, got %d", terms)
	}
	if !found {
		t.Error("Expected extra variable in environment")
	}
}
