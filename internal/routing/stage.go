// Package routing implements the privileged response-routing stage: the only
// component allowed to call channel transports. All other stages populate
// context attributes for it to consume. It records a RoutingOutcome the
// orchestrator's feedback guarantee consults, and never writes synthetic
// content into durable session history.
package routing

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/golemcore/botcore/internal/session"
	"github.com/golemcore/botcore/internal/turn"
)

// Order places routing last in the pipeline.
const Order = 60

const defaultSendTimeout = 30 * time.Second

// Stage routes final responses back to the originating channel.
type Stage struct {
	turn.StageDefaults

	transports  turn.TransportResolver
	catalog     turn.MessageCatalog
	sendTimeout time.Duration
}

// NewStage creates the routing stage.
func NewStage(transports turn.TransportResolver, catalog turn.MessageCatalog) *Stage {
	return &Stage{
		transports:  transports,
		catalog:     catalog,
		sendTimeout: defaultSendTimeout,
	}
}

// Name implements turn.Stage.
func (s *Stage) Name() string { return "response_routing" }

// Order implements turn.Stage.
func (s *Stage) Order() int { return Order }

// ShouldProcess implements turn.Stage: routing only runs when there is
// something to deliver or report.
func (s *Stage) ShouldProcess(tc *turn.Context) bool {
	if tc.OutgoingResponse() != nil {
		return true
	}
	if tc.StringAttribute(turn.AttrLLMError) != "" {
		return true
	}
	pending, _ := tc.Attribute(turn.AttrPendingAttachments).([]session.Attachment)
	return len(pending) > 0
}

// Process implements turn.Stage.
func (s *Stage) Process(tc *turn.Context) error {
	if transition := tc.Transition(); transition != nil {
		log.Debug().Str("target", transition.Target).Msg("routing_skipped_transition_pending")
		return nil
	}

	if tc.AutoMode() {
		return s.processAutoMode(tc)
	}

	// A queued response wins over the llm-error report: the orchestrator's
	// feedback guarantee queues synthetic text after an error, and that text
	// is the one the user must receive.
	if outgoing := tc.OutgoingResponse(); outgoing != nil && outgoing.Text != "" {
		transport, ok := s.resolve(tc.Session.ChannelType)
		if !ok {
			return nil
		}
		s.sendText(tc, transport, outgoing)
		s.sendPendingAttachments(tc)
		return nil
	}

	if llmErr := tc.StringAttribute(turn.AttrLLMError); llmErr != "" {
		s.sendLLMError(tc, llmErr)
		s.sendPendingAttachments(tc)
		return nil
	}

	log.Debug().Msg("routing_nothing_to_send")
	s.sendPendingAttachments(tc)
	return nil
}

// processAutoMode appends the generated answer to history without any
// transport call: silent operation is correct for autonomous turns.
func (s *Stage) processAutoMode(tc *turn.Context) error {
	outgoing := tc.OutgoingResponse()
	if outgoing != nil && outgoing.Text != "" && !outgoing.SkipHistory {
		tc.Session.AddText(session.RoleAssistant, outgoing.Text)
	}
	return nil
}

func (s *Stage) sendText(tc *turn.Context, transport turn.Transport, outgoing *turn.OutgoingResponse) {
	sess := tc.Session
	outcome := &turn.RoutingOutcome{Attempted: true}

	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	if err := transport.SendMessage(ctx, sess.ChatID, outgoing.Text); err != nil {
		log.Error().Err(err).
			Str("channel", sess.ChannelType).
			Str("chat_id", sess.ChatID).
			Msg("routing_send_failed")
		outcome.ErrorMessage = err.Error()
		tc.SetAttribute(turn.AttrRoutingError, err.Error())
		s.recordOutcome(tc, outcome, turn.FinishError)
		return
	}

	outcome.SentText = true
	if !outgoing.SkipHistory {
		// Only real generated answers enter the conversation record;
		// synthetic control messages stay transport-only.
		sess.AddText(session.RoleAssistant, outgoing.Text)
	}
	s.recordOutcome(tc, outcome, turn.FinishNormal)
	log.Info().
		Str("channel", sess.ChannelType).
		Str("chat_id", sess.ChatID).
		Int("chars", len(outgoing.Text)).
		Msg("routing_text_sent")
}

func (s *Stage) sendLLMError(tc *turn.Context, llmErr string) {
	transport, ok := s.resolve(tc.Session.ChannelType)
	if !ok {
		return
	}

	text := s.catalog.Message("system.error.llm")
	log.Warn().Str("llm_error", llmErr).Msg("routing_llm_error")

	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	outcome := &turn.RoutingOutcome{Attempted: true}
	if err := transport.SendMessage(ctx, tc.Session.ChatID, text); err != nil {
		log.Error().Err(err).Msg("routing_llm_error_send_failed")
		outcome.ErrorMessage = err.Error()
		s.recordOutcome(tc, outcome, turn.FinishError)
		return
	}
	outcome.SentText = true
	s.recordOutcome(tc, outcome, turn.FinishError)
}

func (s *Stage) sendPendingAttachments(tc *turn.Context) {
	pending, _ := tc.Attribute(turn.AttrPendingAttachments).([]session.Attachment)
	if len(pending) == 0 {
		return
	}
	transport, ok := s.resolve(tc.Session.ChannelType)
	if !ok {
		return
	}

	for _, att := range pending {
		ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
		if err := transport.SendAttachment(ctx, tc.Session.ChatID, att); err != nil {
			log.Error().Err(err).Str("filename", att.Filename).Msg("routing_attachment_failed")
		} else {
			log.Debug().Str("filename", att.Filename).Int("bytes", len(att.Data)).Msg("routing_attachment_sent")
		}
		cancel()
	}
	tc.SetAttribute(turn.AttrPendingAttachments, nil)
}

// recordOutcome writes the turn outcome, keeping an earlier successful send
// authoritative: the outcome is produced at most once per delivered reply.
func (s *Stage) recordOutcome(tc *turn.Context, routing *turn.RoutingOutcome, reason turn.FinishReason) {
	if existing := tc.Outcome(); existing.SentText() {
		return
	}
	tc.SetOutcome(&turn.TurnOutcome{FinishReason: reason, Routing: routing})
}

func (s *Stage) resolve(channelType string) (turn.Transport, bool) {
	transport, ok := s.transports.Transport(channelType)
	if !ok {
		log.Warn().Str("channel", channelType).Msg("no_transport_registered")
	}
	return transport, ok
}
