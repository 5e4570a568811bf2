// Package webhook implements an outbound HTTP callback transport: replies are
// POSTed as JSON to a configured callback URL. Used by integrations that feed
// messages in through the HTTP API and receive answers on their own endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/golemcore/botcore/internal/session"
)

const defaultTimeout = 10 * time.Second

// Transport delivers messages to a callback URL.
type Transport struct {
	callbackURL string
	authToken   string
	client      *http.Client
}

// NewTransport creates a webhook transport posting to callbackURL. authToken,
// when non-empty, is sent as a bearer token.
func NewTransport(callbackURL, authToken string) *Transport {
	return &Transport{
		callbackURL: callbackURL,
		authToken:   authToken,
		client:      &http.Client{Timeout: defaultTimeout},
	}
}

// ChannelType implements turn.Transport.
func (t *Transport) ChannelType() string { return session.ChannelWebhook }

type outboundPayload struct {
	Event      string `json:"event"`
	ChatID     string `json:"chat_id"`
	Text       string `json:"text,omitempty"`
	Filename   string `json:"filename,omitempty"`
	Caption    string `json:"caption,omitempty"`
	DataBase64 string `json:"data_base64,omitempty"`
}

// SendMessage implements turn.Transport.
func (t *Transport) SendMessage(ctx context.Context, chatID, text string) error {
	return t.post(ctx, outboundPayload{Event: "message", ChatID: chatID, Text: text})
}

// SendAttachment implements turn.Transport.
func (t *Transport) SendAttachment(ctx context.Context, chatID string, att session.Attachment) error {
	return t.post(ctx, outboundPayload{
		Event:      "attachment",
		ChatID:     chatID,
		Filename:   att.Filename,
		Caption:    att.Caption,
		DataBase64: base64.StdEncoding.EncodeToString(att.Data),
	})
}

// ShowTyping implements turn.Transport. Typing events are best effort.
func (t *Transport) ShowTyping(ctx context.Context, transportChatID string) {
	if err := t.post(ctx, outboundPayload{Event: "typing", ChatID: transportChatID}); err != nil {
		log.Debug().Err(err).Msg("webhook_typing_failed")
	}
}

func (t *Transport) post(ctx context.Context, payload outboundPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshalling webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.callbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.authToken)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook callback: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook callback: unexpected status %d", resp.StatusCode)
	}
	return nil
}
