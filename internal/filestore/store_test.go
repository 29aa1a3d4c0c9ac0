package filestore

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/remote-agent-terminal/workspace/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), Options{Hide: []string{".git"}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func TestResolveRejectsTraversal(t *testing.T) {
	s := newTestStore(t)

	tests := []struct {
		name string
		path string
	}{
		{"empty", ""},
		{"root", "/"},
		{"parent", "../etc/passwd"},
		{"absolute parent", "/../etc/passwd"},
		{"nested parent", "/a/../../etc/passwd"},
		{"inner parent", "/a/../b"},
		{"trailing parent", "/a/.."},
		{"nul byte", "/a\x00b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Resolve(tt.path); !errors.Is(err, model.ErrInvalidPath) {
				t.Errorf("Resolve(%q): expected ErrInvalidPath, got %v", tt.path, err)
			}
		})
	}
}

func TestResolveAcceptsWorkspacePaths(t *testing.T) {
	s := newTestStore(t)

	tests := []struct {
		path string
		want string
	}{
		{"/index.js", "index.js"},
		{"index.js", "index.js"},
		{"/src/app/main.go", "src/app/main.go"},
		{"/./src//x", "src/x"},
		{"/..hidden", "..hidden"},
	}

	for _, tt := range tests {
		got, err := s.Resolve(tt.path)
		if err != nil {
			t.Errorf("Resolve(%q) failed: %v", tt.path, err)
			continue
		}
		want := filepath.Join(s.Root(), filepath.FromSlash(tt.want))
		if got != want {
			t.Errorf("Resolve(%q) = %q, want %q", tt.path, got, want)
		}
	}
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	s := newTestStore(t)
	outside := t.TempDir()

	if err := os.Symlink(outside, filepath.Join(s.Root(), "escape")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if _, err := s.Resolve("/escape/secret.txt"); !errors.Is(err, model.ErrInvalidPath) {
		t.Errorf("Expected ErrInvalidPath for symlink escape, got %v", err)
	}
	if err := s.Write("/escape/secret.txt", []byte("x")); !errors.Is(err, model.ErrInvalidPath) {
		t.Errorf("Expected Write to reject symlink escape, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(outside, "secret.txt")); !os.IsNotExist(err) {
		t.Error("Expected nothing written outside the root")
	}
}

// TestResolveTraversalProperty tests that any path carrying a ".." segment
// is rejected and that every accepted path stays under the root.
func TestResolveTraversalProperty(t *testing.T) {
	s := newTestStore(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	segGen := gen.OneGenOf(
		gen.AlphaString(),
		gen.Const(".."),
		gen.Const("."),
		gen.Const(""),
	)

	properties.Property("resolved paths never escape the root", prop.ForAll(
		func(segs []string) bool {
			p := "/" + strings.Join(segs, "/")
			abs, err := s.Resolve(p)

			hasParent := false
			for _, seg := range segs {
				if seg == ".." {
					hasParent = true
				}
			}
			if hasParent {
				return errors.Is(err, model.ErrInvalidPath)
			}
			if err != nil {
				return errors.Is(err, model.ErrInvalidPath)
			}
			return strings.HasPrefix(abs, s.Root()+string(os.PathSeparator))
		},
		gen.SliceOf(segGen),
	))

	properties.TestingRun(t)
}

// TestWriteReadRoundTripProperty tests that reading after a write returns
// exactly the bytes written.
func TestWriteReadRoundTripProperty(t *testing.T) {
	s := newTestStore(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("read returns what was written", prop.ForAll(
		func(name string, content []byte) bool {
			p := "/dir/" + name + ".txt"
			if err := s.Write(p, content); err != nil {
				return false
			}
			got, err := s.Read(p)
			if err != nil {
				return false
			}
			return bytes.Equal(got, content)
		},
		gen.Identifier(),
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}

func TestReadNotFound(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Read("/missing.txt"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestReadDirectoryIsIOError(t *testing.T) {
	s := newTestStore(t)
	if err := os.Mkdir(filepath.Join(s.Root(), "dir"), 0o755); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}

	if _, err := s.Read("/dir"); !errors.Is(err, model.ErrIO) {
		t.Errorf("Expected ErrIO, got %v", err)
	}
	if err := s.Write("/dir", []byte("x")); !errors.Is(err, model.ErrIO) {
		t.Errorf("Expected ErrIO writing over a directory, got %v", err)
	}
}

func TestWritePreservesMode(t *testing.T) {
	s := newTestStore(t)
	target := filepath.Join(s.Root(), "run.sh")
	if err := os.WriteFile(target, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if err := s.Write("/run.sh", []byte("#!/bin/sh\necho hi\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	info, err := os.Stat(target)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("Expected mode 0755, got %o", info.Mode().Perm())
	}
}

// TestConcurrentWritesLastWins tests that concurrent saves to one path
// leave exactly one writer's complete content, never a mix.
func TestConcurrentWritesLastWins(t *testing.T) {
	s := newTestStore(t)

	const writers = 8
	contents := make([][]byte, writers)
	for i := range contents {
		contents[i] = bytes.Repeat([]byte{byte('a' + i)}, 64*1024)
	}

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := s.Write("/shared.txt", contents[i]); err != nil {
				t.Errorf("Write %d failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	got, err := s.Read("/shared.txt")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	matched := false
	for _, c := range contents {
		if bytes.Equal(got, c) {
			matched = true
		}
	}
	if !matched {
		t.Error("Expected final content to equal one complete write")
	}

	entries, err := os.ReadDir(s.Root())
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected only the target file to remain, got %d entries", len(entries))
	}
}

func TestList(t *testing.T) {
	s := newTestStore(t)

	for _, p := range []string{"/index.js", "/src/app.js", "/src/lib/util.js"} {
		if err := s.Write(p, []byte("x")); err != nil {
			t.Fatalf("Write %s failed: %v", p, err)
		}
	}
	if err := os.MkdirAll(filepath.Join(s.Root(), "empty"), 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(s.Root(), ".git"), 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	s.Invalidate()

	tree, err := s.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}

	if child, ok := tree["index.js"]; !ok || child != nil {
		t.Error("Expected index.js as a file leaf")
	}
	if tree["src"] == nil {
		t.Fatal("Expected src directory")
	}
	if _, ok := tree["src"]["lib"]["util.js"]; !ok {
		t.Error("Expected src/lib/util.js")
	}
	if empty, ok := tree["empty"]; !ok || empty == nil || len(empty) != 0 {
		t.Error("Expected empty directory to be an empty map")
	}
	if _, ok := tree[".git"]; ok {
		t.Error("Expected hidden entries to be left out")
	}
}

func TestListReadAfterWrite(t *testing.T) {
	s := newTestStore(t)

	tree, err := s.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(tree) != 0 {
		t.Fatalf("Expected empty tree, got %v", tree)
	}

	if err := s.Write("/new.txt", []byte("x")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	tree, err = s.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if _, ok := tree["new.txt"]; !ok {
		t.Error("Expected listing to reflect the write")
	}

	// Out-of-band changes show up after Invalidate.
	if err := os.WriteFile(filepath.Join(s.Root(), "external.txt"), []byte("y"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	tree, _ = s.List()
	if _, ok := tree["external.txt"]; ok {
		t.Error("Expected cached listing before Invalidate")
	}
	s.Invalidate()
	tree, _ = s.List()
	if _, ok := tree["external.txt"]; !ok {
		t.Error("Expected listing to include external.txt after Invalidate")
	}
}

func TestDigest(t *testing.T) {
	a := Digest([]byte("hello"))
	b := Digest([]byte("hello"))
	c := Digest([]byte("hello!"))

	if a != b {
		t.Error("Expected equal digests for equal content")
	}
	if a == c {
		t.Error("Expected different digests for different content")
	}
	if len(a) != 64 {
		t.Errorf("Expected 64 hex characters, got %d", len(a))
	}
}

func ExampleDigest() {
	fmt.Println(len(Digest(nil)))
	// Output: 64
}
