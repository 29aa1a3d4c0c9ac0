package pty

import (
	"context"
	"testing"
	"time"
)

// TestNewManager tests manager creation
func TestNewManager(t *testing.T) {
	manager := NewManager()

	if manager == nil {
		t.Fatal("Expected non-nil manager")
	}

	if manager.sessions == nil {
		t.Error("Expected non-nil sessions map")
	}
}

// TestManagerClose tests Close with empty manager
func TestManagerClose(t *testing.T) {
	manager := NewManager()

	if err := manager.Close(); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
}

// TestManagerSpawnLifecycle tests that a spawned session is registered
// under the default ID and removed once it exits.
func TestManagerSpawnLifecycle(t *testing.T) {
	manager := NewManager()

	s, err := manager.Spawn(context.Background(), StartOptions{
		Command: "sh",
		Args:    []string{"-c", "sleep 30"},
		Dir:     t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	if s.ID() != DefaultSessionID {
		t.Errorf("Expected ID %q, got %q", DefaultSessionID, s.ID())
	}
	if got, ok := manager.lookup(DefaultSessionID); !ok || got != s {
		t.Fatal("Expected spawned session to be registered")
	}

	if _, err := manager.Spawn(context.Background(), StartOptions{Command: "sh"}); err == nil {
		t.Error("Expected error when spawning a duplicate ID")
	}

	if err := manager.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(manager.snapshot()) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("Expected session to be removed after exit")
}
