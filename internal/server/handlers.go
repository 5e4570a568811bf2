package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"

	"github.com/golemcore/botcore/internal/dispatch"
	"github.com/golemcore/botcore/internal/session"
)

// inboundSchema validates POST /v1/messages payloads before any session work.
const inboundSchema = `{
  "type": "object",
  "required": ["channel", "chat_id", "text"],
  "properties": {
    "channel": {"type": "string", "minLength": 1},
    "chat_id": {"type": "string", "minLength": 1},
    "sender_id": {"type": "string"},
    "text": {"type": "string", "minLength": 1, "maxLength": 65536},
    "auto": {"type": "boolean"},
    "transport_chat_id": {"type": "string"},
    "metadata": {"type": "object"}
  },
  "additionalProperties": false
}`

var inboundSchemaLoader = gojsonschema.NewStringLoader(inboundSchema)

type inboundRequest struct {
	Channel         string         `json:"channel"`
	ChatID          string         `json:"chat_id"`
	SenderID        string         `json:"sender_id"`
	Text            string         `json:"text"`
	Auto            bool           `json:"auto"`
	TransportChatID string         `json:"transport_chat_id"`
	Metadata        map[string]any `json:"metadata"`
}

type acceptedResponse struct {
	Status       string `json:"status"`
	Conversation string `json:"conversation"`
}

// handleInboundMessage validates and enqueues one inbound message. The turn
// runs asynchronously on the conversation's worker; the response only
// acknowledges intake.
func (s *Server) handleInboundMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "reading request body")
		return
	}

	result, err := gojsonschema.Validate(inboundSchemaLoader, gojsonschema.NewBytesLoader(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if !result.Valid() {
		var details []string
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", strings.Join(details, "; "))
		return
	}

	var req inboundRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	if err := session.ValidateConversationID(req.ChatID); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error())
		return
	}

	msg := session.NewMessage(session.RoleUser, req.Text, req.Channel, req.ChatID, req.SenderID)
	msg.Metadata = req.Metadata
	if req.Auto {
		msg.SetMeta(session.MetaAutoMode, true)
	}
	if req.TransportChatID != "" {
		msg.SetMeta(session.MetaTransportChatID, req.TransportChatID)
	}

	if err := s.dispatcher.Enqueue(msg); err != nil {
		switch {
		case errors.Is(err, dispatch.ErrQueueFull):
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "queue_full", err.Error())
		case errors.Is(err, dispatch.ErrShuttingDown):
			writeError(w, http.StatusServiceUnavailable, "shutting_down", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(acceptedResponse{
		Status:       "queued",
		Conversation: session.ConversationKey(req.Channel, req.ChatID),
	})
}

// handleStop pauses a conversation and asks any in-flight turn to terminate
// at the next iteration boundary.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	channelType := chi.URLParam(r, "channel")
	chatID := chi.URLParam(r, "chat_id")
	s.dispatcher.RequestStop(channelType, chatID)
	log.Info().Str("channel", channelType).Str("chat_id", chatID).Msg("api_stop_requested")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "stopping"})
}

// handleResume lifts a stop-induced pause.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	channelType := chi.URLParam(r, "channel")
	chatID := chi.URLParam(r, "chat_id")
	s.dispatcher.Resume(channelType, chatID)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "active"})
}

// handleWebSocket attaches a web client to the hub. Blocks for the lifetime
// of the connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "chat_id query parameter is required")
		return
	}
	if err := s.hub.Attach(w, r, chatID); err != nil {
		log.Error().Err(err).Str("chat_id", chatID).Msg("websocket_attach_failed")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"version":        s.version,
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
	})
}
