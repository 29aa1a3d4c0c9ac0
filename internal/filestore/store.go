// Package filestore reads, writes and lists files under a single
// workspace root. Every path is resolved against the root and rejected
// if it would escape it.
package filestore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/zeebo/blake3"

	"github.com/remote-agent-terminal/workspace/internal/model"
)

// TempPattern matches the temporary files Write creates next to its
// target. Watchers should ignore it.
const TempPattern = ".*.save-*"

// Tree is a directory listing: a directory maps each child name to its
// own Tree, a file maps to nil.
type Tree map[string]Tree

// Options configures a Store.
type Options struct {
	// Hide holds path.Match patterns for names left out of List.
	Hide []string
}

// Store is the workspace file store.
type Store struct {
	root string
	hide []string

	mu        sync.Mutex
	gen       uint64
	tree      Tree
	treeGen   uint64
	treeValid bool
}

// New creates a Store rooted at root, creating the directory if needed.
func New(root string, opts Options) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrIO, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("%w: failed to create workspace root: %v", model.ErrIO, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrIO, err)
	}

	return &Store{
		root: resolved,
		hide: append([]string{TempPattern}, opts.Hide...),
	}, nil
}

// Root returns the absolute, symlink-resolved workspace root.
func (s *Store) Root() string {
	return s.root
}

// Resolve maps a workspace path ("/src/main.go" or "src/main.go") to an
// absolute path under the root. It touches the filesystem only to follow
// symlinks and fails with model.ErrInvalidPath for any path that names
// the root itself, contains a ".." segment or a NUL byte, or resolves
// outside the root.
func (s *Store) Resolve(p string) (string, error) {
	if p == "" || strings.ContainsRune(p, 0) {
		return "", model.ErrInvalidPath
	}

	rel := strings.TrimLeft(p, "/")
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return "", model.ErrInvalidPath
		}
	}

	abs := filepath.Join(s.root, filepath.FromSlash(rel))
	if !s.inside(abs) || abs == s.root {
		return "", model.ErrInvalidPath
	}

	resolved, err := resolveExisting(abs, s.root)
	if err != nil || !s.inside(resolved) {
		return "", model.ErrInvalidPath
	}
	return abs, nil
}

// Read returns the content of the file at p.
func (s *Store) Read(p string) ([]byte, error) {
	abs, err := s.Resolve(p)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", model.ErrNotFound, p)
		}
		return nil, fmt.Errorf("%w: %v", model.ErrIO, err)
	}
	return data, nil
}

// Write replaces the content of the file at p, creating it and any parent
// directories as needed. The new content is written to a temporary file
// and renamed over the target, so readers never observe a partial write
// and concurrent writers resolve to whichever rename lands last.
func (s *Store) Write(p string, data []byte) error {
	abs, err := s.Resolve(p)
	if err != nil {
		return err
	}

	dir, base := filepath.Split(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", model.ErrIO, err)
	}

	mode := fs.FileMode(0o644)
	if info, err := os.Stat(abs); err == nil {
		if info.IsDir() {
			return fmt.Errorf("%w: %s is a directory", model.ErrIO, p)
		}
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(dir, "."+base+".save-*")
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrIO, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", model.ErrIO, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", model.ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrIO, err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return fmt.Errorf("%w: %v", model.ErrIO, err)
	}

	s.Invalidate()
	log.Debug().Str("path", p).Int("size", len(data)).Msg("File written")
	return nil
}

// List returns the workspace tree. The result is cached until the next
// Write or Invalidate and must not be modified.
func (s *Store) List() (Tree, error) {
	s.mu.Lock()
	if s.treeValid && s.treeGen == s.gen {
		tree := s.tree
		s.mu.Unlock()
		return tree, nil
	}
	gen := s.gen
	s.mu.Unlock()

	tree, err := s.build(s.root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrIO, err)
	}

	s.mu.Lock()
	if s.gen == gen {
		s.tree = tree
		s.treeGen = gen
		s.treeValid = true
	}
	s.mu.Unlock()

	return tree, nil
}

// Invalidate drops the cached tree.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.gen++
	s.mu.Unlock()
}

func (s *Store) build(dir string) (Tree, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	tree := make(Tree, len(entries))
	for _, e := range entries {
		if s.hidden(e.Name()) {
			continue
		}
		if !e.IsDir() {
			tree[e.Name()] = nil
			continue
		}
		sub, err := s.build(filepath.Join(dir, e.Name()))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		tree[e.Name()] = sub
	}
	return tree, nil
}

func (s *Store) hidden(name string) bool {
	for _, pattern := range s.hide {
		if ok, _ := path.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

func (s *Store) inside(abs string) bool {
	return abs == s.root || strings.HasPrefix(abs, s.root+string(os.PathSeparator))
}

// resolveExisting walks up from abs to the deepest existing ancestor and
// returns its symlink-resolved path.
func resolveExisting(abs, base string) (string, error) {
	cur := abs
	for {
		if _, err := os.Lstat(cur); err == nil {
			return filepath.EvalSymlinks(cur)
		}
		parent := filepath.Dir(cur)
		if parent == cur || !strings.HasPrefix(parent, base) {
			return base, nil
		}
		cur = parent
	}
}

// Digest returns the hex BLAKE3-256 digest of data.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
