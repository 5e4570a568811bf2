// Package turn implements the message-turn orchestrator: it drives one
// inbound message through an ordered pipeline of stages until a reply is
// ready or a limit is hit, and guarantees the user always receives some
// response even when internal stages fail.
package turn

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/golemcore/botcore/internal/llm"
	botcoreotel "github.com/golemcore/botcore/internal/otel"
	"github.com/golemcore/botcore/internal/session"
)

var tracer = botcoreotel.Tracer("github.com/golemcore/botcore/internal/turn")

// Defaults for orchestrator tunables.
const (
	DefaultMaxIterations    = 8
	DefaultInterpretTimeout = 10 * time.Second
	defaultTypingInterval   = 4 * time.Second
)

// Config holds the orchestrator's dependencies and tunables. All collaborators
// are passed explicitly so tests can substitute fixed values.
type Config struct {
	Sessions   SessionStore
	Limiter    RateLimiter
	Transports TransportResolver
	Catalog    MessageCatalog
	// Stages is the full pipeline including the routing stage. Execution
	// order is ascending Order() with registration order breaking ties.
	Stages []Stage
	// Routing is the privileged stage allowed to call transports. The
	// orchestrator invokes it directly for synthetic responses. May be nil.
	Routing Stage
	// Backend interprets accumulated failures into a user-facing sentence.
	// Never used to generate the primary answer. May be nil.
	Backend llm.Backend
	// InterpretModel is the model used for error interpretation.
	InterpretModel string

	MaxIterations    int
	InterpretTimeout time.Duration
	TypingInterval   time.Duration
}

// Orchestrator owns the per-turn context lifecycle, the iteration loop,
// failure aggregation, and the feedback guarantee.
type Orchestrator struct {
	cfg    Config
	stages []Stage

	stopMu sync.Mutex
	stops  map[string]bool

	done     chan struct{}
	shutdown sync.Once
}

// New creates an orchestrator. Stages are sorted once, stably, by ascending
// Order so ties keep registration order.
func New(cfg Config) *Orchestrator {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.InterpretTimeout <= 0 {
		cfg.InterpretTimeout = DefaultInterpretTimeout
	}
	if cfg.TypingInterval <= 0 {
		cfg.TypingInterval = defaultTypingInterval
	}

	stages := make([]Stage, len(cfg.Stages))
	copy(stages, cfg.Stages)
	sort.SliceStable(stages, func(i, j int) bool { return stages[i].Order() < stages[j].Order() })

	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.Name()
	}
	log.Info().Strs("stages", names).Msg("pipeline_configured")

	return &Orchestrator{
		cfg:    cfg,
		stages: stages,
		stops:  make(map[string]bool),
		done:   make(chan struct{}),
	}
}

func stopKey(channelType, chatID string) string {
	return channelType + "/" + chatID
}

// RequestStop asks the in-flight turn for (channelType, chatID) to terminate
// early. Cooperative: the loop checks between iterations, never mid-stage,
// and terminates via the normal path so the feedback guarantee still runs.
func (o *Orchestrator) RequestStop(channelType, chatID string) {
	o.stopMu.Lock()
	o.stops[stopKey(channelType, chatID)] = true
	o.stopMu.Unlock()
	log.Info().Str("channel", channelType).Str("chat_id", chatID).Msg("stop_requested")
}

func (o *Orchestrator) takeStop(channelType, chatID string) bool {
	o.stopMu.Lock()
	defer o.stopMu.Unlock()
	key := stopKey(channelType, chatID)
	if o.stops[key] {
		delete(o.stops, key)
		return true
	}
	return false
}

func (o *Orchestrator) clearStop(channelType, chatID string) {
	o.stopMu.Lock()
	delete(o.stops, stopKey(channelType, chatID))
	o.stopMu.Unlock()
}

// Shutdown releases orchestrator resources. Idempotent, safe to call even if
// no turn was ever processed.
func (o *Orchestrator) Shutdown() {
	o.shutdown.Do(func() { close(o.done) })
}

// ProcessMessage drives one full turn for an inbound message. Internal
// failures are captured as FailureEvents and handled locally; the only
// errors returned are infrastructure-level session store failures.
func (o *Orchestrator) ProcessMessage(ctx context.Context, msg session.Message) error {
	turnID := "turn_" + uuid.New().String()[:12]

	ctx, span := tracer.Start(ctx, "turn.process",
		trace.WithAttributes(
			attribute.String("turn_id", turnID),
			attribute.String("channel", msg.ChannelType),
			attribute.String("chat_id", msg.ChatID),
			attribute.Bool("auto_mode", msg.AutoMode()),
		))
	defer span.End()

	log.Info().
		Str("turn_id", turnID).
		Str("channel", msg.ChannelType).
		Str("chat_id", msg.ChatID).
		Str("sender_id", msg.SenderID).
		Func(botcoreotel.LogTraceFields(ctx)).
		Msg("turn_started")

	auto := msg.AutoMode()
	if !auto {
		res := o.cfg.Limiter.TryConsume()
		if res.Allowed {
			res = o.cfg.Limiter.TryConsumeChannel(msg.ChannelType)
		}
		if !res.Allowed {
			// A denied turn performs no session work at all.
			log.Warn().
				Str("turn_id", turnID).
				Dur("retry_after", res.RetryAfter).
				Str("reason", res.Reason).
				Msg("rate_limit_denied")
			return nil
		}
	}

	sess, err := o.cfg.Sessions.GetOrCreate(ctx, msg.ChannelType, msg.ChatID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("resolving session: %w", err)
	}
	if session.BindIdentity(sess, msg) {
		log.Debug().Str("session_id", sess.ID).Msg("transport_identity_bound")
	}
	sess.AddMessage(msg)

	tc := NewContext(sess, o.cfg.MaxIterations)

	o.clearStop(msg.ChannelType, msg.ChatID)

	stopTyping := func() {}
	if !auto {
		stopTyping = o.startTyping(ctx, sess)
	}

	defer func() {
		stopTyping()
		// Persist even when the loop or routing degraded: losing the last
		// inbound message on restart is worse than saving a partial turn.
		if err := o.cfg.Sessions.Save(ctx, sess); err != nil {
			log.Error().Err(err).Str("session_id", sess.ID).Msg("session_save_failed")
		}
	}()

	o.runLoop(ctx, tc)
	o.ensureFeedback(ctx, tc, auto)

	log.Info().
		Str("turn_id", turnID).
		Int("iterations", tc.Iteration()+1).
		Int("failures", len(tc.Failures())).
		Msg("turn_completed")
	return nil
}

// runLoop executes the iteration state machine. Termination reasons in
// priority order after each iteration: no transition request (normal), final
// answer ready (normal, even with a transition pending), pending stop
// (normal), iteration cap (limit notice via routing, transport-only).
func (o *Orchestrator) runLoop(ctx context.Context, tc *Context) {
	max := tc.MaxIterations
	reachedLimit := false

	for iteration := 0; iteration < max; iteration++ {
		tc.setIteration(iteration)
		log.Debug().Int("iteration", iteration+1).Int("max", max).Msg("iteration_started")

		for _, stage := range o.stages {
			if !stage.Enabled() {
				log.Debug().Str("stage", stage.Name()).Msg("stage_disabled")
				continue
			}
			if !stage.ShouldProcess(tc) {
				log.Debug().Str("stage", stage.Name()).Msg("stage_not_applicable")
				continue
			}
			o.runStage(ctx, stage, tc)
		}

		if tc.Transition() == nil {
			log.Debug().Int("iterations", iteration+1).Msg("loop_completed")
			break
		}
		if tc.FinalAnswerReady() {
			// A ready answer wins over a pending transition. Discard the
			// transition so routing and the feedback guarantee can deliver.
			log.Warn().Str("target", tc.Transition().Target).Msg("transition_discarded_final_answer")
			tc.ClearTransition()
			log.Debug().Int("iterations", iteration+1).Msg("loop_completed_final_answer")
			break
		}
		sess := tc.Session
		if o.takeStop(sess.ChannelType, sess.ChatID) {
			tc.ClearTransition()
			log.Info().Str("session_id", sess.ID).Msg("loop_stopped_on_request")
			break
		}
		if iteration+1 >= max {
			reachedLimit = true
			log.Warn().Int("max_iterations", max).Msg("iteration_limit_reached")
			break
		}

		tc.resetIteration()
	}

	if reachedLimit {
		tc.SetAttribute(AttrIterationLimitReached, true)
		tc.ClearTransition()
		notice := o.cfg.Catalog.Message("system.iteration.limit", max)
		// Transport-only: the limit notice must never pollute the durable
		// conversation record.
		o.routeSynthetic(tc, notice)
	}
}

// runStage invokes one stage, converting returned errors and panics into
// failure events. A crashing stage degrades the turn, it does not crash it.
func (o *Orchestrator) runStage(ctx context.Context, stage Stage, tc *Context) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("stage", stage.Name()).
				Any("panic", r).
				Dur("elapsed", time.Since(start)).
				Msg("stage_panicked")
			tc.AddFailure(SourceStage, stage.Name(), KindPanic, fmt.Sprint(r))
		}
	}()

	_, span := tracer.Start(ctx, "turn.stage",
		trace.WithAttributes(
			attribute.String("stage", stage.Name()),
			attribute.Int("iteration", tc.Iteration()),
		))
	defer span.End()

	if err := stage.Process(tc); err != nil {
		span.RecordError(err)
		log.Error().
			Err(err).
			Str("stage", stage.Name()).
			Dur("elapsed", time.Since(start)).
			Msg("stage_failed")
		tc.AddFailure(SourceStage, stage.Name(), KindError, err.Error())
		return
	}
	log.Debug().Str("stage", stage.Name()).Dur("elapsed", time.Since(start)).Msg("stage_completed")
}

// ensureFeedback closes the turn with a delivered message unless one was
// already sent. Decision order: already sent → unsent outgoing response →
// LLM-interpreted failure summary → generic localized fallback. Skipped for
// auto-mode turns and, silently, when no transport serves the channel.
func (o *Orchestrator) ensureFeedback(ctx context.Context, tc *Context, auto bool) {
	if tc.Outcome().SentText() {
		return
	}
	if auto {
		return
	}
	if o.cfg.Transports == nil {
		return
	}
	if _, ok := o.cfg.Transports.Transport(tc.Session.ChannelType); !ok {
		return
	}

	if o.trySendUnsentResponse(tc) {
		return
	}
	if o.tryErrorFeedback(ctx, tc) {
		return
	}

	generic := o.cfg.Catalog.Message("system.error.generic.feedback")
	log.Info().Str("session_id", tc.Session.ID).Msg("feedback_generic_fallback")
	o.routeSynthetic(tc, generic)
}

// trySendUnsentResponse delivers a queued response that never made it out.
// Returns false when nothing was queued or delivery failed, so the caller
// falls through to error feedback instead of surfacing a delivery error.
func (o *Orchestrator) trySendUnsentResponse(tc *Context) bool {
	outgoing := tc.OutgoingResponse()
	if outgoing == nil || strings.TrimSpace(outgoing.Text) == "" {
		return false
	}
	log.Info().Str("session_id", tc.Session.ID).Msg("feedback_routing_unsent_response")
	o.routeResponse(tc)
	return tc.Outcome().SentText()
}

// tryErrorFeedback asks the LLM backend to interpret accumulated failures
// into one short user-facing sentence. Bounded wait; any failure or timeout
// of the interpretation call falls back to the generic message.
func (o *Orchestrator) tryErrorFeedback(ctx context.Context, tc *Context) bool {
	errs := o.collectErrors(tc)
	if len(errs) == 0 || o.cfg.Backend == nil || !o.cfg.Backend.Available() {
		return false
	}

	interpretation := o.interpretErrors(ctx, errs)
	if interpretation == "" {
		return false
	}

	msg := o.cfg.Catalog.Message("system.error.feedback", interpretation)
	log.Info().Str("session_id", tc.Session.ID).Msg("feedback_routing_interpreted_error")
	o.routeSynthetic(tc, msg)
	return true
}

// collectErrors gathers all failure text accumulated this turn: the LLM error
// attribute, failure events, and any routing delivery error.
func (o *Orchestrator) collectErrors(tc *Context) []string {
	var errs []string
	if llmErr := tc.StringAttribute(AttrLLMError); llmErr != "" {
		errs = append(errs, llmErr)
	}
	for _, f := range tc.Failures() {
		if f.Message != "" {
			errs = append(errs, f.Message)
		}
	}
	if out := tc.Outcome(); out != nil && out.Routing != nil && out.Routing.ErrorMessage != "" {
		errs = append(errs, out.Routing.ErrorMessage)
	}
	return errs
}

func (o *Orchestrator) interpretErrors(ctx context.Context, errs []string) string {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.InterpretTimeout)
	defer cancel()

	resp, err := o.cfg.Backend.Chat(ctx, &llm.Request{
		Model:        o.cfg.InterpretModel,
		SystemPrompt: "You are a helpful assistant. Explain the following error in 1-2 sentences for the user.",
		Messages:     []llm.Message{{Role: session.RoleUser, Content: strings.Join(errs, "\n")}},
	})
	if err != nil {
		log.Debug().Err(err).Msg("error_interpretation_failed")
		return ""
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return ""
	}
	return resp.Content
}

// routeSynthetic queues a transport-only response and invokes routing. The
// feedback guarantee must not mutate raw history, so SkipHistory stays set.
func (o *Orchestrator) routeSynthetic(tc *Context, text string) {
	tc.SetAttribute(AttrOutgoingResponse, TextOnly(text))
	o.routeResponse(tc)
}

// routeResponse invokes the privileged routing stage directly. The
// orchestrator performs no transport calls itself.
func (o *Orchestrator) routeResponse(tc *Context) {
	routing := o.cfg.Routing
	if routing == nil {
		log.Warn().Msg("no_routing_stage")
		return
	}
	if !routing.ShouldProcess(tc) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			tc.AddFailure(SourceRouting, routing.Name(), KindPanic, fmt.Sprint(r))
		}
	}()
	if err := routing.Process(tc); err != nil {
		tc.AddFailure(SourceRouting, routing.Name(), KindRoutingError, err.Error())
	}
}

// startTyping re-issues the typing indicator on the session's transport until
// the returned stop function is called or the orchestrator shuts down.
func (o *Orchestrator) startTyping(ctx context.Context, sess *session.Session) func() {
	if o.cfg.Transports == nil {
		return func() {}
	}
	transport, ok := o.cfg.Transports.Transport(sess.ChannelType)
	if !ok {
		return func() {}
	}

	transportChatID := sess.TransportChatID()
	stop := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(o.cfg.TypingInterval)
		defer ticker.Stop()
		transport.ShowTyping(ctx, transportChatID)
		for {
			select {
			case <-ticker.C:
				transport.ShowTyping(ctx, transportChatID)
			case <-stop:
				return
			case <-o.done:
				return
			}
		}
	}()

	return func() { once.Do(func() { close(stop) }) }
}
