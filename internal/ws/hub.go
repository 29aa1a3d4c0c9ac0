package ws

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/remote-agent-terminal/workspace/internal/buffer"
	"github.com/remote-agent-terminal/workspace/internal/model"
)

// DefaultHistorySize is the default number of shell output bytes kept for
// clients that connect later.
const DefaultHistorySize = 64 * 1024

// ErrHubStopped is returned by hub operations after Run has returned.
var ErrHubStopped = errors.New("hub stopped")

// Shell is the process bridge as seen by the hub.
type Shell interface {
	Subscribe() (<-chan []byte, func())
	Write(p []byte) error
	Resize(rows, cols uint16) error
	Done() <-chan struct{}
	ExitCode() (int, bool)
}

// FileStore is the file store as seen by the hub.
type FileStore interface {
	Resolve(path string) (string, error)
	Write(path string, data []byte) error
	Invalidate()
}

// SaveJournal records successful saves.
type SaveJournal interface {
	Record(ctx context.Context, rec *model.SaveRecord) error
}

// Options configures a Hub.
type Options struct {
	// Watch establishes the workspace watch. Nil disables watching.
	Watch WatchFunc

	// Journal, if set, records every successful save.
	Journal SaveJournal

	// Digest computes the journal digest of saved content.
	Digest func([]byte) string

	// OutboxSize bounds each connection's outbox (DefaultOutboxSize if zero).
	OutboxSize int

	// HistorySize is the number of output bytes retained (DefaultHistorySize if zero).
	HistorySize int

	// WatchRetries, WatchBackoff and WatchMaxBackoff tune watch recovery.
	WatchRetries    int
	WatchBackoff    time.Duration
	WatchMaxBackoff time.Duration
}

// Stats is a snapshot of the hub for health reporting.
type Stats struct {
	Clients    int        `json:"clients"`
	Watch      WatchState `json:"watch"`
	WatchError string     `json:"watchError,omitempty"`
	Offset     uint64     `json:"offset"`
	History    int        `json:"history"`
	Closed     bool       `json:"closed"`
}

type request struct {
	fn   func()
	done chan struct{}
}

// Hub fans shell output and workspace changes out to every connected
// client and routes client input to the shell and the file store.
//
// All hub state is owned by the goroutine running Run. Other goroutines
// reach it through requests, so broadcasts, registrations and history
// reads are totally ordered.
type Hub struct {
	shell   Shell
	files   FileStore
	journal SaveJournal
	digest  func([]byte) string
	opts    Options

	output      <-chan []byte
	unsubscribe func()

	requests chan request
	stopped  chan struct{}

	// Owned by Run.
	clients      map[string]*Client
	history      *buffer.RingBuffer
	partial      []byte // incomplete trailing UTF-8 sequence of the output
	outputClosed bool
	exited       bool
	exitCode     int
	closedSent   bool
	watch        *watchSupervisor
}

// NewHub creates a hub for one shell. It subscribes to the shell's output
// immediately so nothing produced before Run is lost.
func NewHub(shell Shell, files FileStore, opts Options) *Hub {
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = DefaultOutboxSize
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}

	output, unsubscribe := shell.Subscribe()

	return &Hub{
		shell:       shell,
		files:       files,
		journal:     opts.Journal,
		digest:      opts.Digest,
		opts:        opts,
		output:      output,
		unsubscribe: unsubscribe,
		requests:    make(chan request),
		stopped:     make(chan struct{}),
		clients:     make(map[string]*Client),
		history:     buffer.NewRingBuffer(opts.HistorySize),
		watch:       newWatchSupervisor(opts.Watch, opts.WatchRetries, opts.WatchBackoff, opts.WatchMaxBackoff),
	}
}

// OutboxSize returns the outbox bound for new clients.
func (h *Hub) OutboxSize() int {
	return h.opts.OutboxSize
}

// Run is the hub loop. It returns when ctx is cancelled, after closing
// every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	defer h.shutdown()

	h.watch.establish(ctx)
	shellDone := h.shell.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case req := <-h.requests:
			req.fn()
			close(req.done)

		case chunk, ok := <-h.output:
			if !ok {
				h.output = nil
				h.flushOutput()
				h.outputClosed = true
				h.maybeClosed()
				continue
			}
			h.broadcastOutput(chunk)

		case <-shellDone:
			shellDone = nil
			h.exited = true
			h.exitCode, _ = h.shell.ExitCode()
			h.maybeClosed()

		case ev, ok := <-h.watch.events():
			if !ok {
				err := h.watch.stream.Err()
				if !h.watch.failed(err) {
					h.broadcast(frameControl, watchStatusMessage(WatchFailed, h.watch.lastErr))
					continue
				}
				h.broadcast(frameControl, watchStatusMessage(WatchRetrying, h.watch.lastErr))
				continue
			}
			h.files.Invalidate()
			h.broadcast(frameControl, refreshMessage(ev.Path))

		case res := <-h.watch.results:
			if res.err != nil {
				wasRetrying := h.watch.state == WatchRetrying
				if !h.watch.failed(res.err) {
					h.broadcast(frameControl, watchStatusMessage(WatchFailed, h.watch.lastErr))
				} else if !wasRetrying {
					h.broadcast(frameControl, watchStatusMessage(WatchRetrying, h.watch.lastErr))
				}
				continue
			}
			prev := h.watch.established(res.stream)
			if prev != WatchWatching {
				h.broadcast(frameControl, watchStatusMessage(WatchWatching, nil))
			}
			if prev == WatchRetrying {
				// Changes made while the watch was down were missed.
				h.files.Invalidate()
				h.broadcast(frameControl, refreshMessage(""))
			}

		case <-h.watch.retry():
			h.watch.establish(ctx)
		}
	}
}

func (h *Hub) shutdown() {
	h.watch.stop()
	h.unsubscribe()
	for id, c := range h.clients {
		c.Close(nil)
		delete(h.clients, id)
	}
	log.Info().Msg("Session hub stopped")
}

// do runs fn on the hub goroutine and waits for it to finish.
func (h *Hub) do(ctx context.Context, fn func()) error {
	req := request{fn: fn, done: make(chan struct{})}
	select {
	case h.requests <- req:
	case <-h.stopped:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-req.done
	return nil
}

// OnConnect registers a client. The client is sent a full file refresh,
// the retained terminal history (only what follows since, if given), the
// shell state and the watch state.
func (h *Hub) OnConnect(ctx context.Context, c *Client, since *uint64) error {
	return h.do(ctx, func() {
		h.clients[c.ID()] = c

		var data []byte
		var offset uint64
		if since != nil {
			data, offset = h.history.ReadFrom(*since)
		} else {
			data, offset = h.history.ReadFrom(0)
		}
		// Eviction or a stale offset can start the history mid-rune.
		data = buffer.TrimPartialRune(data)

		h.sendTo(c, refreshMessage(""))
		h.sendTo(c, historyMessage(data, offset))
		if h.closedSent {
			h.sendTo(c, closedMessage(h.exitCode))
		} else {
			h.sendTo(c, statusMessage(string(model.ShellStateRunning)))
		}
		if h.watch.state != WatchWatching {
			h.sendTo(c, watchStatusMessage(h.watch.state, h.watch.lastErr))
		}

		log.Info().Str("client", c.ID()).Int("clients", len(h.clients)).Msg("Client connected")
	})
}

// OnDisconnect deregisters a client and halts delivery to it. It is
// idempotent.
func (h *Hub) OnDisconnect(ctx context.Context, id string) error {
	return h.do(ctx, func() {
		h.removeClient(id, nil)
	})
}

// OnClientInput forwards a client's keystrokes to the shell. It fails
// with model.ErrSessionClosed once the shell has exited.
func (h *Hub) OnClientInput(id string, data []byte) error {
	return h.shell.Write(data)
}

// OnResize forwards a client's terminal geometry to the shell.
func (h *Hub) OnResize(id string, rows, cols uint16) error {
	if rows == 0 || cols == 0 {
		return nil
	}
	return h.shell.Resize(rows, cols)
}

// OnClientSave writes content to path and reports the outcome to the
// requesting client only. The write is last-write-wins: concurrent saves
// to one path are not reconciled. The resulting change event reaches
// every client, the saver included.
func (h *Hub) OnClientSave(ctx context.Context, id, path string, content []byte) error {
	err := h.save(ctx, id, path, content)

	var reply *Message
	if err != nil {
		reply = errorMessage(model.ErrorCode(err), err.Error(), path)
	} else {
		reply = savedMessage(path)
	}
	if sendErr := h.do(ctx, func() { h.sendToID(id, reply) }); sendErr != nil && err == nil {
		return sendErr
	}
	return err
}

func (h *Hub) save(ctx context.Context, id, path string, content []byte) error {
	if _, err := h.files.Resolve(path); err != nil {
		log.Warn().Str("client", id).Str("path", path).Msg("Rejected save outside workspace")
		return err
	}
	if err := h.files.Write(path, content); err != nil {
		log.Error().Err(err).Str("client", id).Str("path", path).Msg("Failed to save file")
		return err
	}

	if h.journal != nil {
		rec := &model.SaveRecord{
			ConnectionID: id,
			Path:         path,
			Size:         len(content),
		}
		if h.digest != nil {
			rec.Digest = h.digest(content)
		}
		if err := h.journal.Record(ctx, rec); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Failed to journal save")
		}
	}
	return nil
}

// Send queues a message for one client.
func (h *Hub) Send(ctx context.Context, id string, msg *Message) error {
	return h.do(ctx, func() { h.sendToID(id, msg) })
}

// Stats returns a snapshot of the hub.
func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := h.do(ctx, func() {
		s = Stats{
			Clients: len(h.clients),
			Watch:   h.watch.state,
			Offset:  h.history.Offset(),
			History: h.history.Len(),
			Closed:  h.closedSent,
		}
		if h.watch.lastErr != nil {
			s.WatchError = h.watch.lastErr.Error()
		}
	})
	return s, err
}

// maybeClosed signals the end of the session once the output stream has
// drained and the shell has exited, so terminal:closed follows the last
// terminal:data. It fires at most once.
func (h *Hub) maybeClosed() {
	if h.closedSent || !h.outputClosed {
		return
	}
	if !h.exited {
		return
	}
	h.closedSent = true
	log.Info().Int("exit_code", h.exitCode).Msg("Shell session closed")
	h.broadcast(frameControl, closedMessage(h.exitCode))
}

// broadcastOutput records and fans out chunk. A UTF-8 sequence cut off at
// the end of a read is held back until the rest of it arrives, so every
// terminal:data frame and every history offset lands on a rune boundary.
func (h *Hub) broadcastOutput(chunk []byte) {
	if len(h.partial) > 0 {
		chunk = append(h.partial, chunk...)
		h.partial = nil
	}
	n := buffer.CompleteRunes(chunk)
	if n < len(chunk) {
		h.partial = append([]byte(nil), chunk[n:]...)
		chunk = chunk[:n]
	}
	if len(chunk) == 0 {
		return
	}
	h.history.Write(chunk)
	h.broadcast(frameTerminal, dataMessage(chunk, h.history.Offset()))
}

// flushOutput sends whatever was held back once no more output can follow.
func (h *Hub) flushOutput() {
	if len(h.partial) == 0 {
		return
	}
	chunk := h.partial
	h.partial = nil
	h.history.Write(chunk)
	h.broadcast(frameTerminal, dataMessage(chunk, h.history.Offset()))
}

func (h *Hub) broadcast(kind frameKind, msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("type", string(msg.Type)).Msg("Failed to marshal message")
		return
	}
	for id, c := range h.clients {
		if err := c.enqueue(kind, data); err != nil {
			h.removeClient(id, err)
		}
	}
}

func (h *Hub) sendToID(id string, msg *Message) {
	if c, ok := h.clients[id]; ok {
		h.sendTo(c, msg)
	}
}

func (h *Hub) sendTo(c *Client, msg *Message) {
	if err := c.Send(msg); err != nil {
		h.removeClient(c.ID(), err)
	}
}

func (h *Hub) removeClient(id string, err error) {
	c, ok := h.clients[id]
	if !ok {
		return
	}
	delete(h.clients, id)
	c.Close(err)

	if err != nil {
		log.Warn().Err(err).Str("client", id).Msg("Client disconnected")
		return
	}
	log.Info().Str("client", id).Int("clients", len(h.clients)).Msg("Client disconnected")
}
