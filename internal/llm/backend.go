// Package llm defines the language-model port consumed by pipeline stages and
// by the orchestrator's error interpretation. The orchestrator never uses a
// backend to generate the primary answer; that is a stage's job.
package llm

import (
	"context"
	"errors"
	"time"
)

// DefaultCallTimeout bounds a single chat call when the caller has not set a
// tighter deadline on the context.
const DefaultCallTimeout = 60 * time.Second

// ErrBackendUnavailable is returned by providers that are not configured.
var ErrBackendUnavailable = errors.New("llm backend not available")

// Backend is the chat-completion port.
type Backend interface {
	// Name returns the provider identifier (e.g. "openai", "ollama").
	Name() string
	// Available reports whether the backend is configured and usable.
	// Callers must check this before relying on Chat.
	Available() bool
	// Chat sends a completion request and returns the response.
	Chat(ctx context.Context, req *Request) (*Response, error)
}

// Request is a chat completion request.
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Temperature  float64
	MaxTokens    int
}

// Message is one chat turn.
type Message struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// Response is a chat completion response.
type Response struct {
	Content      string
	FinishReason string
	Model        string
	InputTokens  int
	OutputTokens int
}
