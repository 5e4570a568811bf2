package session

import (
	"fmt"
	"strings"
)

// Known channel types. Transports self-describe their type; these constants
// exist so conversation keys get stable short prefixes.
const (
	ChannelTelegram = "telegram"
	ChannelWeb      = "web"
	ChannelWebhook  = "webhook"
)

// ConversationKey builds the stable channel-agnostic key for a conversation,
// e.g. "tg:123456" or "web:room-7". Known channel types get short prefixes;
// unknown ones fall back to the raw channel type so the key stays total.
func ConversationKey(channelType, id string) string {
	return keyPrefix(channelType) + ":" + strings.TrimSpace(id)
}

// ValidateConversationID rejects ids that would not survive round trips
// through transport metadata.
func ValidateConversationID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("conversation id is required")
	}
	if strings.ContainsAny(id, " \t\n") {
		return fmt.Errorf("conversation id must not contain whitespace")
	}
	return nil
}

func keyPrefix(channelType string) string {
	switch channelType {
	case ChannelTelegram:
		return "tg"
	case ChannelWeb:
		return "web"
	case ChannelWebhook:
		return "hook"
	default:
		return channelType
	}
}

// BindIdentity persists transport-identity metadata carried on an inbound
// message into the session when it differs from what is stored. Returns true
// when any binding changed. This is what lets typing indicators and replies
// reach the correct transport surface even when the logical chat id is
// channel-agnostic.
func BindIdentity(s *Session, m Message) bool {
	changed := false
	if tcid := m.MetaString(MetaTransportChatID); tcid != "" && s.MetaString(MetaTransportChatID) != tcid {
		s.SetMeta(MetaTransportChatID, tcid)
		changed = true
	}
	if key := m.MetaString(MetaConversationKey); key != "" && s.MetaString(MetaConversationKey) != key {
		s.SetMeta(MetaConversationKey, key)
		changed = true
	}
	return changed
}
