package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/remote-agent-terminal/workspace/internal/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. file:save carries whole files.
	maxMessageSize = 16 << 20
)

// Handler upgrades HTTP requests to WebSocket connections attached to a hub.
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewHandler creates a handler for hub. allowedOrigins lists the accepted
// Origin headers; "*" or an empty list accepts any origin.
func NewHandler(hub *Hub, allowedOrigins []string) *Handler {
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// HandleConnection upgrades the request and serves the connection until
// it closes. A "since" query parameter asks for terminal history after
// that stream offset only.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request) error {
	var since *uint64
	if s := r.URL.Query().Get("since"); s != "" {
		offset, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			http.Error(w, "invalid since offset", http.StatusBadRequest)
			return nil
		}
		since = &offset
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := NewClient(conn, h.hub.OutboxSize())
	if err := h.hub.OnConnect(r.Context(), client, since); err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return err
	}

	go h.writePump(client)
	h.readPump(client)
	return nil
}

// readPump pumps messages from the WebSocket connection to the hub.
// Messages from one client are handled in order.
func (h *Handler) readPump(client *Client) {
	defer func() {
		if err := h.hub.OnDisconnect(context.Background(), client.ID()); err != nil {
			client.Close(nil)
		}
		client.Conn().Close()
	}()

	conn := client.Conn()
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("client", client.ID()).Msg("WebSocket read error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Debug().Err(err).Str("client", client.ID()).Msg("Failed to unmarshal message")
			client.Send(errorMessage("BAD_MESSAGE", "malformed message", ""))
			continue
		}

		h.handleMessage(client, &msg)
	}
}

// handleMessage processes one incoming message.
func (h *Handler) handleMessage(client *Client, msg *Message) {
	switch msg.Type {
	case MessageTypeTerminalWrite:
		if msg.Data == "" {
			return
		}
		if err := h.hub.OnClientInput(client.ID(), []byte(msg.Data)); err != nil {
			if errors.Is(err, model.ErrSessionClosed) {
				log.Debug().Str("client", client.ID()).Msg("Dropped input for closed shell")
				return
			}
			log.Warn().Err(err).Str("client", client.ID()).Msg("Failed to write to shell")
		}

	case MessageTypeTerminalResize:
		if err := h.hub.OnResize(client.ID(), msg.Rows, msg.Cols); err != nil && !errors.Is(err, model.ErrSessionClosed) {
			log.Warn().Err(err).Str("client", client.ID()).Msg("Failed to resize shell")
		}

	case MessageTypeFileSave:
		// The outcome is reported to the client by the hub.
		_ = h.hub.OnClientSave(context.Background(), client.ID(), msg.Path, []byte(msg.Content))

	case MessageTypePing:
		client.Send(&Message{Type: MessageTypePong})

	default:
		log.Debug().Str("client", client.ID()).Str("type", string(msg.Type)).Msg("Ignoring unknown message type")
	}
}

// writePump drains the client's outbox to the WebSocket connection, one
// message per frame.
func (h *Handler) writePump(client *Client) {
	conn := client.Conn()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-client.ready:
			for _, f := range client.take() {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
					return
				}
			}

		case <-client.Done():
			code, text := websocket.CloseNormalClosure, ""
			if errors.Is(client.CloseErr(), model.ErrConnectionOverflow) {
				code, text = CloseTryAgainLater, "try again later"
			}
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, text),
				time.Now().Add(writeWait))
			return

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
