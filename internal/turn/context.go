package turn

import (
	"time"

	"github.com/golemcore/botcore/internal/session"
)

// Attribute keys used for inter-stage signaling through the context bag.
const (
	// AttrOutgoingResponse holds the *OutgoingResponse queued for response routing.
	AttrOutgoingResponse = "outgoing.response"
	// AttrLLMError is the error text from a failed LLM stage call.
	AttrLLMError = "llm.error"
	// AttrRoutingError is the delivery error from response routing.
	AttrRoutingError = "routing.error"
	// AttrPendingAttachments holds []session.Attachment queued for delivery.
	AttrPendingAttachments = "pending.attachments"
	// AttrIterationLimitReached is set when the turn hit the cap.
	AttrIterationLimitReached = "iteration.limit.reached"
	// AttrSanitizationThreats lists the threats removed from input.
	AttrSanitizationThreats = "sanitization.threats"
)

// OutgoingResponse is what a stage wants delivered to the user. It separates
// "what to send" from any internal LLM contract. Synthetic responses produced
// by the orchestrator keep SkipHistory true so orchestration-originated
// control messages never enter the durable conversation record.
type OutgoingResponse struct {
	Text        string
	Attachments []session.Attachment
	// SkipHistory suppresses the assistant history append in routing. Raw
	// history ownership belongs to domain stages, not to the orchestrator.
	SkipHistory bool
}

// TextOnly builds a synthetic, transport-only response.
func TextOnly(text string) *OutgoingResponse {
	return &OutgoingResponse{Text: text, SkipHistory: true}
}

// TransitionRequest asks the orchestrator to run another iteration, typically
// because a stage handed control to a different skill pipeline.
type TransitionRequest struct {
	Target string
	Reason string
}

// ToolResult is one collected tool execution result within an iteration.
type ToolResult struct {
	CallID string
	Name   string
	Output string
	Err    string
}

// Context is the per-turn mutable state passed through sequential stage
// calls. It is exclusively owned by its turn and never shared across
// goroutines: stage execution within a turn is strictly sequential so
// ordering stays deterministic and reproducible.
//
// Per-iteration fields (final-answer flag, transition request, tool results)
// are reset before each new iteration; failures and the iteration counter
// accumulate for the whole turn.
type Context struct {
	Session *session.Session
	// Messages is the turn's working snapshot of the history. Stages may
	// rewrite entries here (e.g. sanitization) without touching the durable
	// session record.
	Messages []session.Message

	MaxIterations int

	iteration int
	attrs     map[string]any

	finalAnswerReady bool
	transition       *TransitionRequest
	toolResults      []ToolResult

	failures []FailureEvent
	outcome  *TurnOutcome
}

// NewContext builds the context for one turn over the given session.
func NewContext(sess *session.Session, maxIterations int) *Context {
	messages := make([]session.Message, len(sess.Messages))
	copy(messages, sess.Messages)
	return &Context{
		Session:       sess,
		Messages:      messages,
		MaxIterations: maxIterations,
		attrs:         map[string]any{},
	}
}

// Iteration returns the current iteration number, monotonic within the turn.
func (c *Context) Iteration() int { return c.iteration }

func (c *Context) setIteration(i int) { c.iteration = i }

// SetAttribute stores a transient inter-stage attribute.
func (c *Context) SetAttribute(key string, value any) {
	if c.attrs == nil {
		c.attrs = map[string]any{}
	}
	c.attrs[key] = value
}

// Attribute retrieves a transient attribute; nil when absent.
func (c *Context) Attribute(key string) any {
	return c.attrs[key]
}

// StringAttribute returns a string attribute, or "" when absent or untyped.
func (c *Context) StringAttribute(key string) string {
	s, _ := c.attrs[key].(string)
	return s
}

// BoolAttribute returns a bool attribute, false when absent or untyped.
func (c *Context) BoolAttribute(key string) bool {
	b, _ := c.attrs[key].(bool)
	return b
}

// OutgoingResponse returns the queued outgoing response, if any.
func (c *Context) OutgoingResponse() *OutgoingResponse {
	r, _ := c.attrs[AttrOutgoingResponse].(*OutgoingResponse)
	return r
}

// SetFinalAnswerReady marks the turn's answer as complete; the loop
// terminates normally after the current iteration even if a transition
// request is pending.
func (c *Context) SetFinalAnswerReady(ready bool) { c.finalAnswerReady = ready }

// FinalAnswerReady reports the per-iteration final-answer flag.
func (c *Context) FinalAnswerReady() bool { return c.finalAnswerReady }

// RequestTransition asks for another iteration. A nil or empty-target request
// does not extend the loop.
func (c *Context) RequestTransition(req *TransitionRequest) { c.transition = req }

// Transition returns the pending transition request, if any.
func (c *Context) Transition() *TransitionRequest {
	if c.transition == nil || c.transition.Target == "" {
		return nil
	}
	return c.transition
}

// ClearTransition drops the pending transition request.
func (c *Context) ClearTransition() { c.transition = nil }

// AddToolResult collects a tool execution result for the current iteration.
func (c *Context) AddToolResult(r ToolResult) { c.toolResults = append(c.toolResults, r) }

// ToolResults returns results collected in the current iteration.
func (c *Context) ToolResults() []ToolResult { return c.toolResults }

// AddFailure appends a failure event for the whole turn.
func (c *Context) AddFailure(source FailureSource, component string, kind FailureKind, message string) {
	c.failures = append(c.failures, FailureEvent{
		Source:    source,
		Component: component,
		Kind:      kind,
		Message:   message,
		At:        time.Now().UTC(),
	})
}

// Failures returns all failure events recorded so far this turn.
func (c *Context) Failures() []FailureEvent { return c.failures }

// SetOutcome records the turn outcome.
func (c *Context) SetOutcome(o *TurnOutcome) { c.outcome = o }

// Outcome returns the turn outcome, nil until routing produced one.
func (c *Context) Outcome() *TurnOutcome { return c.outcome }

// resetIteration clears per-iteration state before the next pass. Failures
// and the iteration counter deliberately survive.
func (c *Context) resetIteration() {
	c.finalAnswerReady = false
	c.transition = nil
	c.toolResults = nil
}

// LastMessage returns the most recent message of the working snapshot.
func (c *Context) LastMessage() (session.Message, bool) {
	if len(c.Messages) == 0 {
		return session.Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// AutoMode reports whether this turn originated from an autonomous message.
func (c *Context) AutoMode() bool {
	last, ok := c.LastMessage()
	return ok && last.AutoMode()
}
