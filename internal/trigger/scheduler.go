// Package trigger implements cron-based autonomous turns: each schedule
// injects a synthetic auto-mode message into its conversation, which the
// pipeline processes silently (no typing, no rate limiting, no outbound
// transport traffic).
package trigger

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/golemcore/botcore/internal/session"
)

// Enqueuer accepts inbound messages for dispatch. Satisfied by
// *dispatch.Coordinator.
type Enqueuer interface {
	Enqueue(msg session.Message) error
}

// Schedule is one cron entry: when it fires, Prompt is processed as an
// autonomous message in the (ChannelType, ChatID) conversation.
type Schedule struct {
	Cron        string `mapstructure:"cron"`
	ChannelType string `mapstructure:"channel"`
	ChatID      string `mapstructure:"chat_id"`
	Prompt      string `mapstructure:"prompt"`
	Description string `mapstructure:"description"`
}

// Scheduler manages cron-driven autonomous turns.
type Scheduler struct {
	cron       *cron.Cron
	dispatcher Enqueuer
}

// NewScheduler creates a scheduler feeding the given dispatcher.
// Cron expressions use the standard 5-field format: minute hour day-of-month
// month day-of-week (e.g. "0 9 * * 1-5" for 09:00 on weekdays).
func NewScheduler(dispatcher Enqueuer) *Scheduler {
	return &Scheduler{
		cron:       cron.New(),
		dispatcher: dispatcher,
	}
}

// RegisterSchedules adds cron entries for the configured schedules.
func (s *Scheduler) RegisterSchedules(schedules []Schedule) error {
	for _, sched := range schedules {
		sched := sched
		if sched.ChannelType == "" || sched.ChatID == "" || sched.Prompt == "" {
			return fmt.Errorf("schedule %q: channel, chat_id and prompt are required", sched.Description)
		}

		_, err := s.cron.AddFunc(sched.Cron, func() {
			log.Info().
				Str("conversation", session.ConversationKey(sched.ChannelType, sched.ChatID)).
				Str("description", sched.Description).
				Msg("scheduled_trigger_fired")

			msg := session.NewMessage(session.RoleUser, sched.Prompt, sched.ChannelType, sched.ChatID, "scheduler")
			msg.SetMeta(session.MetaAutoMode, true)
			if err := s.dispatcher.Enqueue(msg); err != nil {
				log.Error().Err(err).
					Str("chat_id", sched.ChatID).
					Msg("scheduled_trigger_enqueue_failed")
			}
		})
		if err != nil {
			return fmt.Errorf("registering cron %q: %w", sched.Cron, err)
		}
	}
	return nil
}

// Start begins executing registered cron jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for running jobs to complete.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Entries returns the number of registered cron entries (for testing).
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}
