package turn

// FinishReason says why a turn terminated.
type FinishReason string

const (
	FinishNormal         FinishReason = "normal"
	FinishError          FinishReason = "error"
	FinishIterationLimit FinishReason = "iteration_limit"
)

// RoutingOutcome records what response routing actually did. It is the single
// source of truth the feedback guarantee consults: SentText true means the
// user already has a visible reply and nothing more is sent.
type RoutingOutcome struct {
	Attempted    bool
	SentText     bool
	ErrorMessage string
}

// TurnOutcome is produced at most once per turn by routing logic.
type TurnOutcome struct {
	FinishReason FinishReason
	Routing      *RoutingOutcome
}

// SentText reports whether the outcome shows a delivered text reply.
func (o *TurnOutcome) SentText() bool {
	return o != nil && o.Routing != nil && o.Routing.SentText
}
