package turn

import "time"

// FailureSource identifies which layer produced a failure.
type FailureSource string

const (
	SourceStage   FailureSource = "stage"
	SourceLLM     FailureSource = "llm"
	SourceRouting FailureSource = "routing"
)

// FailureKind classifies a failure for logging and error interpretation.
type FailureKind string

const (
	KindError        FailureKind = "error"
	KindPanic        FailureKind = "panic"
	KindTimeout      FailureKind = "timeout"
	KindLLMError     FailureKind = "llm_error"
	KindRoutingError FailureKind = "routing_error"
)

// FailureEvent is an immutable record of a recoverable internal error.
// Failures are accumulated for the whole turn and never re-raised: the loop
// always continues to the next stage or iteration unless a hard limit is hit.
type FailureEvent struct {
	Source    FailureSource
	Component string
	Kind      FailureKind
	Message   string
	At        time.Time
}
