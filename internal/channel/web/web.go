// Package web implements the browser channel: a websocket hub keyed by chat
// id. Each connected client receives message and typing frames as JSON.
package web

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/golemcore/botcore/internal/session"
)

// Frame is one JSON message pushed to a websocket client.
type Frame struct {
	Type       string `json:"type"` // "message", "typing", "attachment"
	Text       string `json:"text,omitempty"`
	Filename   string `json:"filename,omitempty"`
	Caption    string `json:"caption,omitempty"`
	DataBase64 string `json:"data_base64,omitempty"`
}

// Hub is the web transport: it tracks one or more websocket connections per
// chat id and fans frames out to all of them.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*websocket.Conn]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[*websocket.Conn]struct{})}
}

// ChannelType implements turn.Transport.
func (h *Hub) ChannelType() string { return session.ChannelWeb }

// Attach upgrades an HTTP request to a websocket and registers it under
// chatID. Blocks until the client disconnects.
func (h *Hub) Attach(w http.ResponseWriter, r *http.Request, chatID string) error {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return fmt.Errorf("accepting websocket: %w", err)
	}

	h.register(chatID, conn)
	defer h.unregister(chatID, conn)
	log.Info().Str("chat_id", chatID).Msg("web_client_attached")

	// Drain the read side so pings and close frames are processed; inbound
	// conversation messages arrive via the HTTP API, not this socket.
	ctx := r.Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			log.Debug().Str("chat_id", chatID).Msg("web_client_detached")
			return nil
		}
	}
}

func (h *Hub) register(chatID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[chatID] == nil {
		h.clients[chatID] = make(map[*websocket.Conn]struct{})
	}
	h.clients[chatID][conn] = struct{}{}
}

func (h *Hub) unregister(chatID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients[chatID], conn)
	if len(h.clients[chatID]) == 0 {
		delete(h.clients, chatID)
	}
}

// SendMessage implements turn.Transport.
func (h *Hub) SendMessage(ctx context.Context, chatID, text string) error {
	return h.broadcast(ctx, chatID, Frame{Type: "message", Text: text})
}

// SendAttachment implements turn.Transport.
func (h *Hub) SendAttachment(ctx context.Context, chatID string, att session.Attachment) error {
	return h.broadcast(ctx, chatID, Frame{
		Type:       "attachment",
		Filename:   att.Filename,
		Caption:    att.Caption,
		DataBase64: base64.StdEncoding.EncodeToString(att.Data),
	})
}

// ShowTyping implements turn.Transport.
func (h *Hub) ShowTyping(ctx context.Context, transportChatID string) {
	if err := h.broadcast(ctx, transportChatID, Frame{Type: "typing"}); err != nil {
		log.Debug().Err(err).Str("chat_id", transportChatID).Msg("web_typing_failed")
	}
}

func (h *Hub) broadcast(ctx context.Context, chatID string, frame Frame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshalling web frame: %w", err)
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients[chatID]))
	for conn := range h.clients[chatID] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	if len(conns) == 0 {
		return fmt.Errorf("no web client connected for chat %s", chatID)
	}

	var firstErr error
	for _, conn := range conns {
		if err := conn.Write(ctx, websocket.MessageText, payload); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("writing web frame: %w", err)
		}
	}
	return firstErr
}
