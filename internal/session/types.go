// Package session holds the durable conversation model and its storage
// drivers. A Session is keyed by (channel type, chat id) and owns the ordered
// message history plus free-form metadata. The orchestrator loads and saves
// exactly one session per processed turn; drivers must tolerate concurrent
// access across different keys but never see concurrent writers for the same
// key (single-writer discipline is enforced by internal/dispatch).
package session

import (
	"time"

	"github.com/google/uuid"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Metadata keys carried on inbound messages and persisted into session
// metadata. Transport-level identity may differ from the logical chat id:
// typing indicators and ephemeral signals address the transport chat id,
// replies address the logical chat id.
const (
	MetaAutoMode        = "auto.mode"
	MetaTransportChatID = "transport.chat.id"
	MetaConversationKey = "conversation.key"
)

// Message is one conversation entry: either an inbound user (or autonomous)
// message or an assistant reply appended by response routing.
type Message struct {
	ID          string         `json:"id,omitempty"`
	Role        string         `json:"role"`
	Content     string         `json:"content,omitempty"`
	ChannelType string         `json:"channel_type,omitempty"`
	ChatID      string         `json:"chat_id,omitempty"`
	SenderID    string         `json:"sender_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// AutoMode reports whether the message was generated autonomously (scheduled
// goal, heartbeat) rather than by a human. Auto-mode turns bypass the rate
// limiter and the feedback guarantee.
func (m Message) AutoMode() bool {
	v, ok := m.Metadata[MetaAutoMode]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// MetaString returns a string metadata value, or "" when absent or non-string.
func (m Message) MetaString(key string) string {
	s, _ := m.Metadata[key].(string)
	return s
}

// SetMeta writes a metadata value on the message, allocating the map when
// needed.
func (m *Message) SetMeta(key string, value any) {
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	m.Metadata[key] = value
}

// NewMessage builds an inbound message with a fresh id and timestamp.
func NewMessage(role, content, channelType, chatID, senderID string) Message {
	return Message{
		ID:          uuid.New().String(),
		Role:        role,
		Content:     content,
		ChannelType: channelType,
		ChatID:      chatID,
		SenderID:    senderID,
		Timestamp:   time.Now().UTC(),
	}
}

// AttachmentType distinguishes delivery paths on the transport.
type AttachmentType string

const (
	AttachmentImage    AttachmentType = "image"
	AttachmentDocument AttachmentType = "document"
)

// Attachment is a binary payload queued for delivery after the main reply.
type Attachment struct {
	Type     AttachmentType `json:"type"`
	Filename string         `json:"filename"`
	Data     []byte         `json:"data"`
	Caption  string         `json:"caption,omitempty"`
}

// State is the session lifecycle state.
type State string

const (
	StateActive     State = "active"
	StatePaused     State = "paused"
	StateTerminated State = "terminated"
)

// Session is a persistent conversation with a user, one per
// (channel type, chat id). Mutated only by appending messages and by explicit
// metadata writes; saved once per turn.
type Session struct {
	ID          string         `json:"id"`
	ChannelType string         `json:"channel_type"`
	ChatID      string         `json:"chat_id"`
	Messages    []Message      `json:"messages"`
	Metadata    map[string]any `json:"metadata"`
	State       State          `json:"state"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// New creates an active session for the given conversation key.
func New(channelType, chatID string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:          uuid.New().String(),
		ChannelType: channelType,
		ChatID:      chatID,
		Messages:    []Message{},
		Metadata:    map[string]any{},
		State:       StateActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// AddMessage appends a message to the history and bumps the session timestamp.
func (s *Session) AddMessage(m Message) {
	s.Messages = append(s.Messages, m)
	s.UpdatedAt = time.Now().UTC()
}

// AddText appends a simple text message with the given role.
func (s *Session) AddText(role, content string) {
	s.AddMessage(Message{Role: role, Content: content, Timestamp: time.Now().UTC()})
}

// MetaString returns a string metadata value from the session, or "".
func (s *Session) MetaString(key string) string {
	v, _ := s.Metadata[key].(string)
	return v
}

// SetMeta writes a metadata value, allocating the map when needed.
func (s *Session) SetMeta(key string, value any) {
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
	s.Metadata[key] = value
	s.UpdatedAt = time.Now().UTC()
}

// TransportChatID returns the transport-level chat id for ephemeral signals,
// falling back to the logical chat id when no binding is stored.
func (s *Session) TransportChatID() string {
	if v := s.MetaString(MetaTransportChatID); v != "" {
		return v
	}
	return s.ChatID
}
