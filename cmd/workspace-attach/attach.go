package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/remote-agent-terminal/workspace/internal/buffer"
	"github.com/remote-agent-terminal/workspace/internal/ws"
)

const (
	writeWait      = 10 * time.Second
	inputChunkSize = 4096
)

// errDetached is returned by receive when the server closed the
// connection before the shell exited.
var errDetached = errors.New("detached from workspace")

// attachment relays a local terminal to the workspace session.
type attachment struct {
	conn *websocket.Conn
	out  io.Writer
	errs io.Writer

	mu     sync.Mutex // serializes writes to conn
	offset uint64
}

func newAttachment(conn *websocket.Conn, out, errs io.Writer) *attachment {
	return &attachment{conn: conn, out: out, errs: errs}
}

func (a *attachment) send(msg ws.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return a.conn.WriteJSON(msg)
}

func (a *attachment) resize(rows, cols int) error {
	if rows <= 0 || cols <= 0 {
		return nil
	}
	return a.send(ws.Message{Type: ws.MessageTypeTerminalResize, Rows: uint16(rows), Cols: uint16(cols)})
}

// pumpInput forwards in to the shell until it is exhausted. Chunks are
// cut on rune boundaries so multi-byte input survives JSON encoding.
func (a *attachment) pumpInput(in io.Reader) error {
	buf := make([]byte, inputChunkSize)
	var pending []byte
	for {
		n, err := in.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			complete := buffer.CompleteRunes(pending)
			if complete > 0 {
				if sendErr := a.send(ws.Message{Type: ws.MessageTypeTerminalWrite, Data: string(pending[:complete])}); sendErr != nil {
					return sendErr
				}
				pending = append(pending[:0], pending[complete:]...)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(pending) > 0 {
					return a.send(ws.Message{Type: ws.MessageTypeTerminalWrite, Data: string(pending)})
				}
				return nil
			}
			return err
		}
	}
}

// receive prints shell output until the shell exits, returning its exit
// code.
func (a *attachment) receive() (int, error) {
	for {
		_, data, err := a.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return 0, fmt.Errorf("%w: %s (%d)", errDetached, closeErr.Text, closeErr.Code)
			}
			return 0, err
		}

		var msg ws.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case ws.MessageTypeTerminalHistory, ws.MessageTypeTerminalData:
			if msg.Offset != nil {
				a.offset = *msg.Offset
			}
			if _, err := io.WriteString(a.out, msg.Data); err != nil {
				return 0, err
			}

		case ws.MessageTypeTerminalClosed:
			code, _ := msg.ExitCode()
			return code, nil

		case ws.MessageTypeWatchStatus:
			if msg.State == string(ws.WatchFailed) || msg.State == string(ws.WatchRetrying) {
				fmt.Fprintf(a.errs, "\r\n[workspace watch %s: %s]\r\n", msg.State, msg.Error)
			}

		case ws.MessageTypeError:
			fmt.Fprintf(a.errs, "\r\n[error %s: %s]\r\n", msg.ErrorCode(), msg.Error)
		}
	}
}

// close sends a normal close frame and closes the connection.
func (a *attachment) close() error {
	a.mu.Lock()
	a.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	a.mu.Unlock()
	return a.conn.Close()
}
