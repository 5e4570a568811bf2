package turn

import (
	"context"

	"github.com/golemcore/botcore/internal/ratelimit"
	"github.com/golemcore/botcore/internal/session"
)

// RateLimiter is the gate consulted once per non-autonomous inbound message:
// a global user bucket plus a per-channel bucket.
type RateLimiter interface {
	TryConsume() ratelimit.Result
	TryConsumeChannel(channelType string) ratelimit.Result
}

// SessionStore is the durable session port (see internal/session.Store).
type SessionStore interface {
	GetOrCreate(ctx context.Context, channelType, chatID string) (*session.Session, error)
	Save(ctx context.Context, s *session.Session) error
}

// Transport delivers user-visible output for one channel type. Send failures
// are caught at the call site and converted into failure events or routing
// outcomes; they never propagate as turn-ending errors.
type Transport interface {
	ChannelType() string
	SendMessage(ctx context.Context, chatID, text string) error
	SendAttachment(ctx context.Context, chatID string, att session.Attachment) error
	// ShowTyping signals activity on the transport surface. Best effort;
	// addressed by the transport-level chat id, not the logical one.
	ShowTyping(ctx context.Context, transportChatID string)
}

// TransportResolver looks up the transport registered for a channel type.
type TransportResolver interface {
	Transport(channelType string) (Transport, bool)
}

// MessageCatalog resolves localized user-facing strings.
type MessageCatalog interface {
	Message(key string, args ...any) string
}
