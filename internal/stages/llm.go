package stages

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/golemcore/botcore/internal/llm"
	"github.com/golemcore/botcore/internal/session"
	"github.com/golemcore/botcore/internal/turn"
)

// ExecutorOrder places LLM execution after enrichment stages and before
// response routing.
const ExecutorOrder = 40

// Executor generates the turn's answer by sending the working conversation
// snapshot to the configured LLM backend. A failed call never aborts the
// turn: the error is recorded for routing and the feedback guarantee.
type Executor struct {
	turn.StageDefaults

	backend      llm.Backend
	model        string
	systemPrompt string
	temperature  float32
	maxTokens    int
	callTimeout  time.Duration
}

// ExecutorConfig carries the generation settings for the executor stage.
type ExecutorConfig struct {
	Model        string
	SystemPrompt string
	Temperature  float32
	MaxTokens    int
	CallTimeout  time.Duration
}

// NewExecutor creates the LLM executor stage.
func NewExecutor(backend llm.Backend, cfg ExecutorConfig) *Executor {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = llm.DefaultCallTimeout
	}
	return &Executor{
		backend:      backend,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
		callTimeout:  cfg.CallTimeout,
	}
}

// Name implements turn.Stage.
func (e *Executor) Name() string { return "llm_executor" }

// Order implements turn.Stage.
func (e *Executor) Order() int { return ExecutorOrder }

// ShouldProcess implements turn.Stage: skip once an answer is already queued.
func (e *Executor) ShouldProcess(tc *turn.Context) bool {
	return tc.OutgoingResponse() == nil
}

// Process implements turn.Stage. Errors are captured as an llm.error
// attribute plus a failure event rather than returned, so downstream stages
// still run and routing can report the failure to the user.
func (e *Executor) Process(tc *turn.Context) error {
	if e.backend == nil || !e.backend.Available() {
		e.fail(tc, "no LLM backend available")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.callTimeout)
	defer cancel()

	resp, err := e.backend.Chat(ctx, &llm.Request{
		Model:        e.model,
		SystemPrompt: e.systemPrompt,
		Messages:     conversationMessages(tc),
		Temperature:  float64(e.temperature),
		MaxTokens:    e.maxTokens,
	})
	if err != nil {
		e.fail(tc, err.Error())
		return nil
	}
	if resp == nil || resp.Content == "" {
		e.fail(tc, "backend returned an empty response")
		return nil
	}

	tc.SetAttribute(turn.AttrOutgoingResponse, &turn.OutgoingResponse{Text: resp.Content})
	tc.SetFinalAnswerReady(true)
	log.Info().
		Str("backend", e.backend.Name()).
		Str("model", resp.Model).
		Str("finish_reason", resp.FinishReason).
		Int("input_tokens", resp.InputTokens).
		Int("output_tokens", resp.OutputTokens).
		Msg("llm_answer_generated")
	return nil
}

func (e *Executor) fail(tc *turn.Context, message string) {
	log.Error().Str("error", message).Msg("llm_call_failed")
	tc.SetAttribute(turn.AttrLLMError, message)
	tc.AddFailure(turn.SourceLLM, e.Name(), turn.KindLLMError, message)
}

// conversationMessages converts the working snapshot into backend messages,
// dropping entries with no textual content.
func conversationMessages(tc *turn.Context) []llm.Message {
	msgs := make([]llm.Message, 0, len(tc.Messages))
	for _, m := range tc.Messages {
		if m.Content == "" {
			continue
		}
		role := m.Role
		if role != session.RoleAssistant && role != session.RoleSystem {
			role = session.RoleUser
		}
		msgs = append(msgs, llm.Message{Role: role, Content: m.Content})
	}
	return msgs
}
