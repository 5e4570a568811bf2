// Package dispatch serializes turn processing per conversation: one worker
// goroutine per (channel, chat) key, messages processed strictly in arrival
// order within a conversation and in parallel across conversations.
package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/golemcore/botcore/internal/session"
	"github.com/golemcore/botcore/internal/turn"
)

// DefaultQueueSize bounds each conversation's pending-message queue.
const DefaultQueueSize = 100

// ErrQueueFull is returned when a conversation's queue is at capacity.
var ErrQueueFull = errors.New("dispatch: conversation queue full")

// ErrShuttingDown is returned for messages enqueued after Shutdown started.
var ErrShuttingDown = errors.New("dispatch: coordinator shutting down")

// Processor is the turn-processing surface the coordinator drives. Satisfied
// by *turn.Orchestrator.
type Processor interface {
	ProcessMessage(ctx context.Context, msg session.Message) error
	RequestStop(channelType, chatID string)
}

// Coordinator owns the per-conversation workers.
type Coordinator struct {
	processor Processor
	sessions  turn.SessionStore
	queueSize int

	mu       sync.Mutex
	runners  map[string]*runner
	stopping bool

	wg sync.WaitGroup
}

type runner struct {
	queue  chan session.Message
	paused bool
	mu     sync.Mutex
}

func (r *runner) isPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

func (r *runner) setPaused(p bool) {
	r.mu.Lock()
	r.paused = p
	r.mu.Unlock()
}

// New creates a coordinator. queueSize <= 0 selects DefaultQueueSize.
func New(processor Processor, sessions turn.SessionStore, queueSize int) *Coordinator {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Coordinator{
		processor: processor,
		sessions:  sessions,
		queueSize: queueSize,
		runners:   make(map[string]*runner),
	}
}

// Enqueue hands an inbound message to its conversation's worker, creating the
// worker on first use. Non-blocking: a full queue rejects the message.
func (c *Coordinator) Enqueue(msg session.Message) error {
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		return ErrShuttingDown
	}
	key := session.ConversationKey(msg.ChannelType, msg.ChatID)
	r, ok := c.runners[key]
	if !ok {
		r = &runner{queue: make(chan session.Message, c.queueSize)}
		c.runners[key] = r
		c.wg.Add(1)
		go c.run(key, r)
		log.Debug().Str("conversation", key).Msg("dispatch_worker_started")
	}
	c.mu.Unlock()

	select {
	case r.queue <- msg:
		return nil
	default:
		log.Warn().Str("conversation", key).Msg("dispatch_queue_full")
		return ErrQueueFull
	}
}

// run is one conversation's worker loop. Paused conversations flush incoming
// messages straight into durable history without processing so nothing is
// lost while the user has asked for quiet.
func (c *Coordinator) run(key string, r *runner) {
	defer c.wg.Done()
	for msg := range r.queue {
		if r.isPaused() {
			c.flushToHistory(msg)
			continue
		}
		if err := c.processor.ProcessMessage(context.Background(), msg); err != nil {
			log.Error().Err(err).Str("conversation", key).Msg("turn_processing_failed")
		}
	}
	log.Debug().Str("conversation", key).Msg("dispatch_worker_stopped")
}

// flushToHistory records a message that arrived while its conversation was
// paused.
func (c *Coordinator) flushToHistory(msg session.Message) {
	ctx := context.Background()
	sess, err := c.sessions.GetOrCreate(ctx, msg.ChannelType, msg.ChatID)
	if err != nil {
		log.Error().Err(err).Str("chat_id", msg.ChatID).Msg("flush_session_lookup_failed")
		return
	}
	sess.AddMessage(msg)
	if err := c.sessions.Save(ctx, sess); err != nil {
		log.Error().Err(err).Str("session_id", sess.ID).Msg("flush_session_save_failed")
	}
	log.Info().Str("session_id", sess.ID).Msg("message_flushed_while_paused")
}

// RequestStop pauses the conversation's worker and asks the orchestrator to
// terminate any in-flight turn at the next iteration boundary.
func (c *Coordinator) RequestStop(channelType, chatID string) {
	key := session.ConversationKey(channelType, chatID)
	c.mu.Lock()
	r := c.runners[key]
	c.mu.Unlock()
	if r != nil {
		r.setPaused(true)
	}
	c.processor.RequestStop(channelType, chatID)
	log.Info().Str("conversation", key).Msg("conversation_paused")
}

// Resume lifts a pause set by RequestStop. Messages flushed during the pause
// stay in history; new messages are processed normally again.
func (c *Coordinator) Resume(channelType, chatID string) {
	key := session.ConversationKey(channelType, chatID)
	c.mu.Lock()
	r := c.runners[key]
	c.mu.Unlock()
	if r != nil {
		r.setPaused(false)
		log.Info().Str("conversation", key).Msg("conversation_resumed")
	}
}

// Shutdown stops accepting messages, lets workers drain their queues, and
// waits for them to exit or for ctx to expire. Idempotent.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		return nil
	}
	c.stopping = true
	for _, r := range c.runners {
		close(r.queue)
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("dispatch_drained")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
