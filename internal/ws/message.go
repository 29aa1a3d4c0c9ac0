package ws

import (
	"encoding/json"
	"strconv"
)

// MessageType represents the type of WebSocket message.
type MessageType string

const (
	// Client -> Server message types
	MessageTypeTerminalWrite  MessageType = "terminal:write"
	MessageTypeTerminalResize MessageType = "terminal:resize"
	MessageTypeFileSave       MessageType = "file:save"
	MessageTypePing           MessageType = "ping"

	// Server -> Client message types
	MessageTypeTerminalData    MessageType = "terminal:data"
	MessageTypeTerminalHistory MessageType = "terminal:history"
	MessageTypeTerminalStatus  MessageType = "terminal:status"
	MessageTypeTerminalClosed  MessageType = "terminal:closed"
	MessageTypeFileRefresh     MessageType = "file:refresh"
	MessageTypeFileSaved       MessageType = "file:saved"
	MessageTypeWatchStatus     MessageType = "watch:status"
	MessageTypeError           MessageType = "error"
	MessageTypePong            MessageType = "pong"
)

// Message represents a WebSocket message.
//
// Code is a number for terminal:closed (the exit code) and a string for
// error (see model.ErrorCode), so it is carried as raw JSON.
type Message struct {
	Type    MessageType     `json:"type"`
	Data    string          `json:"data,omitempty"`
	Offset  *uint64         `json:"offset,omitempty"`
	Rows    uint16          `json:"rows,omitempty"`
	Cols    uint16          `json:"cols,omitempty"`
	Path    string          `json:"path,omitempty"`
	Content string          `json:"content,omitempty"`
	State   string          `json:"state,omitempty"`
	Code    json.RawMessage `json:"code,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ExitCode decodes the code of a terminal:closed message.
func (m *Message) ExitCode() (int, bool) {
	if len(m.Code) == 0 {
		return 0, false
	}
	code, err := strconv.Atoi(string(m.Code))
	if err != nil {
		return 0, false
	}
	return code, true
}

// ErrorCode decodes the code of an error message.
func (m *Message) ErrorCode() string {
	var code string
	if err := json.Unmarshal(m.Code, &code); err != nil {
		return ""
	}
	return code
}

func dataMessage(data []byte, offset uint64) *Message {
	return &Message{Type: MessageTypeTerminalData, Data: string(data), Offset: &offset}
}

func historyMessage(data []byte, offset uint64) *Message {
	return &Message{Type: MessageTypeTerminalHistory, Data: string(data), Offset: &offset}
}

func statusMessage(state string) *Message {
	return &Message{Type: MessageTypeTerminalStatus, State: state}
}

func closedMessage(exitCode int) *Message {
	return &Message{Type: MessageTypeTerminalClosed, Code: json.RawMessage(strconv.Itoa(exitCode))}
}

// refreshMessage asks clients to reload path, or the whole tree when path
// is empty.
func refreshMessage(path string) *Message {
	return &Message{Type: MessageTypeFileRefresh, Path: path}
}

func savedMessage(path string) *Message {
	return &Message{Type: MessageTypeFileSaved, Path: path}
}

func watchStatusMessage(state WatchState, err error) *Message {
	msg := &Message{Type: MessageTypeWatchStatus, State: string(state)}
	if err != nil {
		msg.Error = err.Error()
	}
	return msg
}

func errorMessage(code, text, path string) *Message {
	raw, _ := json.Marshal(code)
	return &Message{Type: MessageTypeError, Code: raw, Error: text, Path: path}
}
