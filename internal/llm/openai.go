package llm

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	botcoreotel "github.com/golemcore/botcore/internal/otel"
)

var tracer = botcoreotel.Tracer("github.com/golemcore/botcore/internal/llm")

// OpenAIBackend implements Backend against the OpenAI chat API.
type OpenAIBackend struct {
	client *openai.Client
	model  string
}

// NewOpenAIBackend creates an OpenAI backend. An empty apiKey yields an
// unavailable backend rather than an error, so wiring stays unconditional.
func NewOpenAIBackend(apiKey, model string) *OpenAIBackend {
	if model == "" {
		model = openai.GPT4oMini
	}
	b := &OpenAIBackend{model: model}
	if apiKey != "" {
		b.client = openai.NewClient(apiKey)
	}
	return b
}

// NewOpenAIBackendWithBaseURL creates a backend pointed at a custom base URL
// (mock servers in e2e tests, OpenAI-compatible gateways).
func NewOpenAIBackendWithBaseURL(apiKey, model, baseURL string) *OpenAIBackend {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL + "/v1"
	return &OpenAIBackend{client: openai.NewClientWithConfig(cfg), model: model}
}

// Name implements Backend.
func (b *OpenAIBackend) Name() string { return "openai" }

// Available implements Backend.
func (b *OpenAIBackend) Available() bool { return b.client != nil }

// Chat implements Backend.
func (b *OpenAIBackend) Chat(ctx context.Context, req *Request) (*Response, error) {
	if b.client == nil {
		return nil, ErrBackendUnavailable
	}

	model := req.Model
	if model == "" {
		model = b.model
	}

	ctx, span := tracer.Start(ctx, "gen_ai.chat",
		trace.WithAttributes(
			attribute.String("gen_ai.system", "openai"),
			attribute.String("gen_ai.request.model", model),
		))
	defer span.End()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCallTimeout)
		defer cancel()
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, msg := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai chat: empty choice list")
	}

	choice := resp.Choices[0]
	return &Response{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}
