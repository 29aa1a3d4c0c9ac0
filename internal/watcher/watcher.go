// Package watcher reports filesystem mutations under a workspace root as
// an ordered stream of change events.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/remote-agent-terminal/workspace/internal/model"
)

const (
	// DefaultCoalesceWindow is how long same-path events are held for merging.
	DefaultCoalesceWindow = 75 * time.Millisecond

	// eventBufferSize is the capacity of the outgoing event channel.
	eventBufferSize = 256
)

// DefaultIgnore lists the names that are never reported.
var DefaultIgnore = []string{".git", "node_modules"}

// Options configures a Watcher.
type Options struct {
	// Coalesce is the merge window for same-path events.
	// Zero means DefaultCoalesceWindow.
	Coalesce time.Duration

	// Ignore holds path.Match patterns tested against every path segment.
	// A match hides the entry and, for directories, everything below it.
	Ignore []string
}

// Watcher watches a directory tree recursively.
type Watcher struct {
	root   string
	opts   Options
	fs     *fsnotify.Watcher
	events chan model.ChangeEvent

	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once

	mu  sync.Mutex
	err error

	now func() time.Time
}

// Watch starts watching root and every directory below it. The returned
// Watcher's stream ends when ctx is cancelled, Close is called, or the
// watch fails; in the last case Err reports a model.ErrWatch.
func Watch(ctx context.Context, root string, opts Options) (*Watcher, error) {
	if opts.Coalesce <= 0 {
		opts.Coalesce = DefaultCoalesceWindow
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrWatch, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrWatch, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", model.ErrWatch, abs)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrWatch, err)
	}

	w := &Watcher{
		root:    abs,
		opts:    opts,
		fs:      fw,
		events:  make(chan model.ChangeEvent, eventBufferSize),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		now:     time.Now,
	}

	if _, err := w.addTree(abs, false); err != nil {
		fw.Close()
		return nil, err
	}

	go w.run(ctx)

	log.Debug().Str("root", abs).Msg("Workspace watch started")
	return w, nil
}

// Root returns the absolute, symlink-resolved root being watched.
func (w *Watcher) Root() string {
	return w.root
}

// Events returns the change stream. It is closed when the watch ends.
func (w *Watcher) Events() <-chan model.ChangeEvent {
	return w.events
}

// Err returns the error that ended the stream, or nil if it was closed
// normally. It is meaningful once Events is closed.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Close stops the watch and waits for the stream to close.
func (w *Watcher) Close() error {
	w.once.Do(func() { close(w.stop) })
	<-w.stopped
	return nil
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.stopped)
	defer close(w.events)
	defer w.fs.Close()

	pending := newCoalescer()
	var timer *time.Timer
	var timerC <-chan time.Time

	emit := func(evs []model.ChangeEvent) bool {
		for _, ev := range evs {
			select {
			case w.events <- ev:
			case <-w.stop:
				return false
			case <-ctx.Done():
				return false
			}
		}
		return true
	}

	queue := func(ev model.ChangeEvent) bool {
		if flushed := pending.add(ev); len(flushed) > 0 {
			if !emit(flushed) {
				return false
			}
		}
		if timerC == nil {
			timer = time.NewTimer(w.opts.Coalesce)
			timerC = timer.C
		}
		return true
	}

	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case <-w.stop:
			return

		case <-timerC:
			timerC = nil
			if !emit(pending.drain()) {
				return
			}

		case ev, ok := <-w.fs.Events:
			if !ok {
				w.fail(errors.New("event stream closed"))
				return
			}
			changes, err := w.translate(ev)
			if err != nil {
				emit(pending.drain())
				w.fail(err)
				return
			}
			for _, change := range changes {
				if !queue(change) {
					return
				}
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				w.fail(errors.New("error stream closed"))
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				log.Warn().Str("root", w.root).Msg("Watch queue overflowed, requesting full refresh")
				if !emit(pending.drain()) {
					return
				}
				if !emit([]model.ChangeEvent{{Kind: model.ChangeModified, DetectedAt: w.now()}}) {
					return
				}
				continue
			}
			emit(pending.drain())
			w.fail(err)
			return
		}
	}
}

func (w *Watcher) fail(err error) {
	if !errors.Is(err, model.ErrWatch) {
		err = fmt.Errorf("%w: %v", model.ErrWatch, err)
	}
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
	log.Error().Err(err).Str("root", w.root).Msg("Workspace watch ended")
}

// translate turns one fsnotify event into change events. It returns an
// error when the watch can no longer continue.
func (w *Watcher) translate(ev fsnotify.Event) ([]model.ChangeEvent, error) {
	name := filepath.Clean(ev.Name)

	if name == w.root {
		if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
			return nil, fmt.Errorf("%w: workspace root %s was removed", model.ErrWatch, w.root)
		}
		return nil, nil
	}

	rel, ok := w.relative(name)
	if !ok || w.ignored(rel) {
		return nil, nil
	}

	now := w.now()
	switch {
	case ev.Has(fsnotify.Remove):
		return []model.ChangeEvent{{Path: rel, Kind: model.ChangeRemoved, DetectedAt: now}}, nil

	case ev.Has(fsnotify.Rename):
		return []model.ChangeEvent{{Path: rel, Kind: model.ChangeRenamed, DetectedAt: now}}, nil

	case ev.Has(fsnotify.Create):
		changes := []model.ChangeEvent{{Path: rel, Kind: model.ChangeCreated, DetectedAt: now}}
		info, err := os.Lstat(name)
		if err != nil || !info.IsDir() {
			return changes, nil
		}
		found, err := w.addTree(name, true)
		if err != nil {
			return nil, err
		}
		return append(changes, found...), nil

	case ev.Has(fsnotify.Write):
		return []model.ChangeEvent{{Path: rel, Kind: model.ChangeModified, DetectedAt: now}}, nil
	}

	// Chmod only.
	return nil, nil
}

// addTree watches dir and every directory below it. With report set,
// entries found below dir are returned as created events, since they may
// have appeared before the watch was in place.
func (w *Watcher) addTree(dir string, report bool) ([]model.ChangeEvent, error) {
	var found []model.ChangeEvent
	now := w.now()

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}

		rel, ok := w.relative(p)
		if !ok {
			return nil
		}
		if p != w.root && w.ignored(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if report && p != dir {
			found = append(found, model.ChangeEvent{Path: rel, Kind: model.ChangeCreated, DetectedAt: now})
		}

		if !d.IsDir() {
			return nil
		}
		if err := w.fs.Add(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to watch %s: %v", model.ErrWatch, dir, err)
	}
	return found, nil
}

// relative converts an absolute path under the root into the slash-form
// workspace path ("/a/b.txt").
func (w *Watcher) relative(name string) (string, bool) {
	rel, err := filepath.Rel(w.root, name)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	if rel == "." {
		return "/", true
	}
	return "/" + filepath.ToSlash(rel), true
}

func (w *Watcher) ignored(rel string) bool {
	for _, seg := range strings.Split(strings.TrimPrefix(rel, "/"), "/") {
		for _, pattern := range w.opts.Ignore {
			if ok, _ := path.Match(pattern, seg); ok {
				return true
			}
		}
	}
	return false
}
