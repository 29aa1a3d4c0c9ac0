// Package pty provides the process bridge: a single interactive shell
// running in a pseudo-terminal, with ordered input and fan-out output.
package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/creack/pty"

	"github.com/remote-agent-terminal/workspace/internal/model"
)

// StartOptions contains options for starting a shell.
type StartOptions struct {
	// ID identifies the session in a Manager. Defaults to "default".
	ID string

	// Command is the executable to run. It may carry arguments
	// ("bash -l"); those are prepended to Args.
	Command string

	// Args are extra arguments passed to the command.
	Args []string

	// Dir is the working directory. A leading "~" expands to the home
	// directory and the directory is created if missing.
	Dir string

	// Env is appended to the current process environment.
	Env map[string]string

	// Rows and Cols set the initial terminal geometry (24x80 if zero).
	Rows uint16
	Cols uint16

	// RecordPath, if set, receives an asciicast v2 recording of the
	// session. The file is closed when the shell exits.
	RecordPath string
}

// Process is a command attached to the slave side of a pty.
type Process struct {
	tty *os.File
	cmd *exec.Cmd
}

// startProcess launches the command in its own session with the pty as
// its controlling terminal.
func startProcess(command string, args []string, dir string, env []string, rows, cols uint16) (*Process, error) {
	path, err := exec.LookPath(command)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", model.ErrSpawn, command, err)
	}

	cmd := exec.Command(path, args...)
	cmd.Dir = dir
	cmd.Env = env

	tty, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", model.ErrSpawn, command, err)
	}

	return &Process{tty: tty, cmd: cmd}, nil
}

// Read reads output from the pty master.
func (p *Process) Read(b []byte) (int, error) {
	return p.tty.Read(b)
}

// Write writes input to the pty master.
func (p *Process) Write(b []byte) (int, error) {
	return p.tty.Write(b)
}

// Resize changes the pty window size. Platforms without pty geometry
// support make this a no-op.
func (p *Process) Resize(rows, cols uint16) error {
	err := pty.Setsize(p.tty, &pty.Winsize{Rows: rows, Cols: cols})
	if errors.Is(err, pty.ErrUnsupported) {
		return nil
	}
	return err
}

// PID returns the process ID.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Wait waits for the process to exit and returns the exit code.
// Returns -1 if the process was killed by a signal.
func (p *Process) Wait() (int, error) {
	err := p.cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}

// Kill terminates the process immediately.
func (p *Process) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Hangup asks the shell and its job processes to exit, the way a
// terminal does when its window closes.
func (p *Process) Hangup() error {
	return hangup(p.PID())
}

// Close closes the pty master.
func (p *Process) Close() error {
	return p.tty.Close()
}

// buildEnv returns the current environment with TERM set and extra
// variables appended.
func buildEnv(extra map[string]string) []string {
	env := make([]string, 0, len(extra)+1)
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "TERM=") {
			continue
		}
		env = append(env, kv)
	}
	env = append(env, "TERM=xterm-256color")
	for k, v := range extra {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// prepareDir expands a leading "~" and creates the directory.
func prepareDir(dir string) (string, error) {
	if dir == "" {
		return "", nil
	}
	if dir[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		if len(dir) == 1 {
			dir = home
		} else if dir[1] == '/' {
			dir = home + dir[1:]
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create working directory %s: %w", dir, err)
	}
	return dir, nil
}

// splitCommand splits a command string into command and arguments.
// This handles basic quoting (single and double quotes).
func splitCommand(cmd string) []string {
	var parts []string
	var current []rune
	inQuote := false
	quoteChar := rune(0)

	for _, r := range cmd {
		switch {
		case r == '"' || r == '\'':
			if inQuote {
				if r == quoteChar {
					inQuote = false
					quoteChar = 0
				} else {
					current = append(current, r)
				}
			} else {
				inQuote = true
				quoteChar = r
			}
		case r == ' ' || r == '\t':
			if inQuote {
				current = append(current, r)
			} else if len(current) > 0 {
				parts = append(parts, string(current))
				current = nil
			}
		default:
			current = append(current, r)
		}
	}

	if len(current) > 0 {
		parts = append(parts, string(current))
	}

	return parts
}
