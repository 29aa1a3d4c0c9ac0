// Package recording writes shell sessions in the asciicast v2 format.
package recording

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event types defined by asciicast v2.
const (
	EventOutput = "o"
	EventInput  = "i"
	EventResize = "r"
)

// Header is the first line of an asciicast v2 recording.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Command   string            `json:"command,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is one line of a recording: [time_offset, event_type, data].
type Event struct {
	TimeOffset float64
	Type       string
	Data       string
}

// MarshalJSON encodes the event as a three-element array.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.TimeOffset, e.Type, e.Data})
}

// UnmarshalJSON decodes a three-element array.
func (e *Event) UnmarshalJSON(data []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 3 {
		return fmt.Errorf("invalid event format: expected 3 elements, got %d", len(arr))
	}
	if err := json.Unmarshal(arr[0], &e.TimeOffset); err != nil {
		return fmt.Errorf("invalid time offset: %w", err)
	}
	if err := json.Unmarshal(arr[1], &e.Type); err != nil {
		return fmt.Errorf("invalid event type: %w", err)
	}
	if err := json.Unmarshal(arr[2], &e.Data); err != nil {
		return fmt.Errorf("invalid event data: %w", err)
	}
	return nil
}

// Recorder appends shell input, output and resize events to a recording.
// It is safe for concurrent use; the bridge's reader and writer
// goroutines share one Recorder.
type Recorder struct {
	w     io.Writer
	file  *os.File // set only when the Recorder owns the file
	start time.Time
	now   func() time.Time
	mu    sync.Mutex
}

// Create opens (truncating) the recording file at path, creating parent
// directories as needed.
func Create(path string) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create recording directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording file: %w", err)
	}
	r := NewRecorder(file)
	r.file = file
	return r, nil
}

// NewRecorder records to w. The caller keeps ownership of w.
func NewRecorder(w io.Writer) *Recorder {
	return &Recorder{
		w:     w,
		start: time.Now(),
		now:   time.Now,
	}
}

// WriteHeader writes the recording header. Call it once, before any event.
func (r *Recorder) WriteHeader(cols, rows int, command string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.Marshal(Header{
		Version:   2,
		Width:     cols,
		Height:    rows,
		Timestamp: r.start.Unix(),
		Command:   command,
		Env:       map[string]string{"TERM": os.Getenv("TERM"), "SHELL": command},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	return r.writeLine(data)
}

// Output records bytes produced by the shell.
func (r *Recorder) Output(data []byte) error {
	return r.event(EventOutput, string(data))
}

// Input records bytes sent to the shell.
func (r *Recorder) Input(data []byte) error {
	return r.event(EventInput, string(data))
}

// Resize records a terminal geometry change.
func (r *Recorder) Resize(cols, rows int) error {
	return r.event(EventResize, fmt.Sprintf("%dx%d", cols, rows))
}

func (r *Recorder) event(kind, data string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	line, err := json.Marshal(Event{
		TimeOffset: r.now().Sub(r.start).Seconds(),
		Type:       kind,
		Data:       data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return r.writeLine(line)
}

func (r *Recorder) writeLine(line []byte) error {
	if _, err := r.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write recording: %w", err)
	}
	return nil
}

// Close closes the recording file if the Recorder owns it.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		return r.file.Close()
	}
	return nil
}
