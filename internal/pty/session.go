package pty

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/remote-agent-terminal/workspace/internal/model"
	"github.com/remote-agent-terminal/workspace/internal/recording"
)

const (
	// DefaultReadBufferSize is the buffer size for reading pty output.
	DefaultReadBufferSize = 4096

	// DefaultInputQueueSize bounds the number of pending input chunks.
	DefaultInputQueueSize = 256

	// subscriberBufferSize is the per-subscriber output channel capacity.
	subscriberBufferSize = 64

	// drainTimeout is how long the bridge waits for buffered output after
	// the shell exits before closing the pty. A background job that keeps
	// the slave side open would otherwise hold the stream open forever.
	drainTimeout = 2 * time.Second

	// killGrace is how long Close waits after SIGHUP before SIGKILL.
	killGrace = 3 * time.Second
)

// Session is the process bridge for one interactive shell.
//
// Input is written through a bounded queue drained by a single goroutine,
// so bytes from one caller keep their order while concurrent callers
// interleave at chunk granularity. Output is fanned out to every
// subscriber in the order the shell produced it.
type Session struct {
	id      string
	dir     string
	command string
	proc    *Process

	recorder *recording.Recorder

	input    chan []byte
	done     chan struct{}
	readDone chan struct{}

	mu           sync.RWMutex
	state        model.ShellState
	rows, cols   uint16
	exitCode     int
	subs         map[*subscriber]struct{}
	streamClosed bool
}

type subscriber struct {
	ch     chan []byte
	cancel chan struct{}
	once   sync.Once
}

// Start spawns the shell described by opts in a new pty. It fails with
// model.ErrSpawn if the executable cannot be launched.
func Start(ctx context.Context, opts StartOptions) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	parts := splitCommand(opts.Command)
	if len(parts) == 0 {
		return nil, model.ErrCommandRequired
	}
	command := parts[0]
	args := append(parts[1:], opts.Args...)

	if opts.ID == "" {
		opts.ID = DefaultSessionID
	}
	if opts.Rows == 0 {
		opts.Rows = 24
	}
	if opts.Cols == 0 {
		opts.Cols = 80
	}

	dir, err := prepareDir(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrSpawn, err)
	}

	var rec *recording.Recorder
	if opts.RecordPath != "" {
		rec, err = recording.Create(opts.RecordPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create recording: %w", err)
		}
	}

	s := &Session{
		id:       opts.ID,
		dir:      dir,
		command:  opts.Command,
		recorder: rec,
		input:    make(chan []byte, DefaultInputQueueSize),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
		state:    model.ShellStateStarting,
		rows:     opts.Rows,
		cols:     opts.Cols,
		subs:     make(map[*subscriber]struct{}),
	}

	proc, err := startProcess(command, args, dir, buildEnv(opts.Env), opts.Rows, opts.Cols)
	if err != nil {
		if rec != nil {
			rec.Close()
		}
		return nil, err
	}
	s.proc = proc

	if rec != nil {
		if err := rec.WriteHeader(int(opts.Cols), int(opts.Rows), opts.Command); err != nil {
			log.Warn().Err(err).Str("session", s.id).Msg("Failed to write recording header")
		}
	}

	s.mu.Lock()
	s.state = model.ShellStateRunning
	s.mu.Unlock()

	go s.readLoop()
	go s.writeLoop()
	go s.waitLoop()

	log.Info().
		Str("session", s.id).
		Str("command", opts.Command).
		Str("dir", dir).
		Int("pid", proc.PID()).
		Msg("Shell started")

	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// PID returns the shell's process ID.
func (s *Session) PID() int {
	return s.proc.PID()
}

// State returns the current lifecycle state.
func (s *Session) State() model.ShellState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Size returns the current terminal geometry.
func (s *Session) Size() (rows, cols uint16) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows, s.cols
}

// ExitCode returns the shell's exit code and whether it has exited.
func (s *Session) ExitCode() (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exitCode, s.state == model.ShellStateExited
}

// Done returns a channel that is closed when the shell has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Status returns a snapshot of the session for reporting.
func (s *Session) Status() model.ShellStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := model.ShellStatus{
		State: s.state,
		PID:   s.proc.PID(),
		Dir:   s.dir,
		Rows:  s.rows,
		Cols:  s.cols,
	}
	if s.state == model.ShellStateExited {
		code := s.exitCode
		status.ExitCode = &code
	}
	return status
}

// Write enqueues p for delivery to the shell's input. It blocks only
// while the input queue is full and fails with model.ErrSessionClosed
// once the shell has exited.
func (s *Session) Write(p []byte) error {
	if len(p) == 0 {
		return nil
	}

	select {
	case <-s.done:
		return model.ErrSessionClosed
	default:
	}

	data := make([]byte, len(p))
	copy(data, p)

	select {
	case s.input <- data:
		return nil
	case <-s.done:
		return model.ErrSessionClosed
	}
}

// Resize changes the terminal geometry.
func (s *Session) Resize(rows, cols uint16) error {
	if rows == 0 || cols == 0 {
		return fmt.Errorf("invalid terminal size %dx%d", cols, rows)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == model.ShellStateExited {
		return model.ErrSessionClosed
	}
	if err := s.proc.Resize(rows, cols); err != nil {
		return fmt.Errorf("failed to resize pty: %w", err)
	}
	s.rows, s.cols = rows, cols

	if s.recorder != nil {
		_ = s.recorder.Resize(int(cols), int(rows))
	}
	return nil
}

// Subscribe returns a stream of output chunks and a function that ends
// the subscription. Every subscriber receives every chunk, in order. The
// channel is closed when the shell exits; subscribing after that returns
// an already-closed channel.
//
// Subscribers must keep draining the channel or cancel: a full
// subscriber holds back the pty reader, which in turn stalls the shell.
func (s *Session) Subscribe() (<-chan []byte, func()) {
	sub := &subscriber{
		ch:     make(chan []byte, subscriberBufferSize),
		cancel: make(chan struct{}),
	}

	s.mu.Lock()
	if s.streamClosed {
		s.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	return sub.ch, func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
		sub.once.Do(func() { close(sub.cancel) })
	}
}

// Close shuts the shell down: SIGHUP to its process group, then SIGKILL
// if it is still running after a grace period. It returns once the shell
// has exited.
func (s *Session) Close() error {
	select {
	case <-s.done:
		return nil
	default:
	}

	if err := s.proc.Hangup(); err != nil {
		log.Debug().Err(err).Str("session", s.id).Msg("Failed to hang up shell")
	}

	select {
	case <-s.done:
		return nil
	case <-time.After(killGrace):
	}

	if err := s.proc.Kill(); err != nil {
		return fmt.Errorf("failed to kill shell: %w", err)
	}
	<-s.done
	return nil
}

// readLoop reads output from the pty and publishes it until the pty
// reports EOF (or EIO, which Linux returns once the slave side is gone).
func (s *Session) readLoop() {
	defer close(s.readDone)
	defer s.closeStream()

	buf := make([]byte, DefaultReadBufferSize)
	for {
		n, err := s.proc.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			if s.recorder != nil {
				_ = s.recorder.Output(chunk)
			}
			s.publish(chunk)
		}
		if err != nil {
			log.Debug().Err(err).Str("session", s.id).Msg("Shell output stream ended")
			return
		}
	}
}

func (s *Session) publish(chunk []byte) {
	s.mu.RLock()
	subs := make([]*subscriber, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- chunk:
		case <-sub.cancel:
		}
	}
}

func (s *Session) closeStream() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.streamClosed = true
	for sub := range s.subs {
		close(sub.ch)
	}
	s.subs = make(map[*subscriber]struct{})
}

// writeLoop drains the input queue into the pty.
func (s *Session) writeLoop() {
	for {
		select {
		case data := <-s.input:
			if _, err := s.proc.Write(data); err != nil {
				log.Debug().Err(err).Str("session", s.id).Msg("Failed to write to shell")
				continue
			}
			if s.recorder != nil {
				_ = s.recorder.Input(data)
			}
		case <-s.done:
			return
		}
	}
}

// waitLoop waits for the shell to exit, marks the session exited, lets
// the reader drain, then releases the pty.
func (s *Session) waitLoop() {
	exitCode, err := s.proc.Wait()
	if err != nil {
		log.Warn().Err(err).Str("session", s.id).Msg("Failed to wait for shell")
	}

	s.mu.Lock()
	s.state = model.ShellStateExited
	s.exitCode = exitCode
	s.mu.Unlock()
	close(s.done)

	log.Info().Str("session", s.id).Int("exit_code", exitCode).Msg("Shell exited")

	select {
	case <-s.readDone:
	case <-time.After(drainTimeout):
	}

	if err := s.proc.Close(); err != nil {
		log.Debug().Err(err).Str("session", s.id).Msg("Failed to close pty")
	}
	<-s.readDone

	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			log.Warn().Err(err).Str("session", s.id).Msg("Failed to close recording")
		}
	}
}
