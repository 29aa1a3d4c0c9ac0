package ws

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/remote-agent-terminal/workspace/internal/model"
)

// DefaultOutboxSize is the default number of frames a connection may have
// queued before terminal output starts being dropped.
const DefaultOutboxSize = 256

// CloseTryAgainLater is the close code sent to a connection that could not
// keep up. Clients should reconnect.
const CloseTryAgainLater = 1013

type frameKind int

const (
	// frameTerminal frames carry shell output and may be dropped.
	frameTerminal frameKind = iota
	// frameControl frames carry everything else and are never dropped.
	frameControl
)

type frame struct {
	kind frameKind
	data []byte
}

// Client is one connected WebSocket client. Its outbox is a bounded
// queue drained by the connection's write pump; the hub only ever
// enqueues without blocking.
type Client struct {
	id   string
	conn *websocket.Conn

	mu        sync.Mutex
	queue     []frame
	limit     int
	dropLimit int
	dropped   int
	closed    bool
	closeErr  error

	ready chan struct{}
	done  chan struct{}
}

// NewClient creates a client with a fresh connection ID. A non-positive
// outboxSize selects DefaultOutboxSize.
func NewClient(conn *websocket.Conn, outboxSize int) *Client {
	if outboxSize <= 0 {
		outboxSize = DefaultOutboxSize
	}
	return &Client{
		id:        uuid.New().String(),
		conn:      conn,
		limit:     outboxSize,
		dropLimit: outboxSize,
		ready:     make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// ID returns the connection ID.
func (c *Client) ID() string {
	return c.id
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// Send queues a control message for the client.
func (c *Client) Send(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.enqueue(frameControl, data)
}

// enqueue adds a frame to the outbox. When the outbox is full the oldest
// terminal frame makes room; if there is none, or the client has dropped
// more than its limit since the last drain, the client is closed with
// model.ErrConnectionOverflow.
func (c *Client) enqueue(kind frameKind, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	if len(c.queue) >= c.limit {
		victim := -1
		for i, f := range c.queue {
			if f.kind == frameTerminal {
				victim = i
				break
			}
		}
		if victim < 0 {
			c.closeLocked(model.ErrConnectionOverflow)
			return model.ErrConnectionOverflow
		}
		c.queue = append(c.queue[:victim], c.queue[victim+1:]...)
		c.dropped++
		if c.dropped > c.dropLimit {
			c.closeLocked(model.ErrConnectionOverflow)
			return model.ErrConnectionOverflow
		}
	}

	c.queue = append(c.queue, frame{kind: kind, data: data})

	select {
	case c.ready <- struct{}{}:
	default:
	}
	return nil
}

// take removes and returns everything queued.
func (c *Client) take() []frame {
	c.mu.Lock()
	defer c.mu.Unlock()

	frames := c.queue
	c.queue = nil
	c.dropped = 0
	return frames
}

// Close closes the client. err records why; nil means a normal close.
func (c *Client) Close(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(err)
}

func (c *Client) closeLocked(err error) {
	if c.closed {
		return
	}
	c.closed = true
	c.closeErr = err
	c.queue = nil
	close(c.done)
}

// IsClosed returns true if the client is closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// CloseErr returns the reason the client was closed.
func (c *Client) CloseErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Done returns a channel that is closed when the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}
