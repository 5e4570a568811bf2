package turn_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golemcore/botcore/internal/channel"
	"github.com/golemcore/botcore/internal/i18n"
	"github.com/golemcore/botcore/internal/llm"
	"github.com/golemcore/botcore/internal/ratelimit"
	"github.com/golemcore/botcore/internal/routing"
	"github.com/golemcore/botcore/internal/session"
	"github.com/golemcore/botcore/internal/turn"
)

// scriptStage is a configurable pipeline stage for orchestrator tests.
type scriptStage struct {
	name    string
	order   int
	enabled bool
	should  func(*turn.Context) bool
	process func(*turn.Context) error
}

func (s *scriptStage) Name() string  { return s.name }
func (s *scriptStage) Order() int    { return s.order }
func (s *scriptStage) Enabled() bool { return s.enabled }

func (s *scriptStage) ShouldProcess(tc *turn.Context) bool {
	if s.should == nil {
		return true
	}
	return s.should(tc)
}

func (s *scriptStage) Process(tc *turn.Context) error {
	if s.process == nil {
		return nil
	}
	return s.process(tc)
}

func newStage(name string, order int, process func(*turn.Context) error) *scriptStage {
	return &scriptStage{name: name, order: order, enabled: true, process: process}
}

type stubLimiter struct {
	mu    sync.Mutex
	deny  bool
	calls int
}

func (l *stubLimiter) TryConsume() ratelimit.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.deny {
		return ratelimit.Denied(time.Second, "user quota exhausted")
	}
	return ratelimit.Allowed(10)
}

func (l *stubLimiter) TryConsumeChannel(string) ratelimit.Result {
	if l.deny {
		return ratelimit.Denied(time.Second, "channel quota exhausted")
	}
	return ratelimit.Allowed(10)
}

type fakeTransport struct {
	mu          sync.Mutex
	channelType string
	failSend    bool
	sent        []string
	typing      int
}

func (t *fakeTransport) ChannelType() string { return t.channelType }

func (t *fakeTransport) SendMessage(_ context.Context, _ string, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failSend {
		return errors.New("transport unavailable")
	}
	t.sent = append(t.sent, text)
	return nil
}

func (t *fakeTransport) SendAttachment(context.Context, string, session.Attachment) error {
	return nil
}

func (t *fakeTransport) ShowTyping(context.Context, string) {
	t.mu.Lock()
	t.typing++
	t.mu.Unlock()
}

func (t *fakeTransport) sentTexts() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.sent))
	copy(out, t.sent)
	return out
}

type fakeBackend struct {
	mu        sync.Mutex
	available bool
	reply     string
	err       error
	delay     time.Duration
	requests  []*llm.Request
}

func (b *fakeBackend) Name() string    { return "fake" }
func (b *fakeBackend) Available() bool { return b.available }

func (b *fakeBackend) Chat(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.mu.Unlock()
	if b.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.delay):
		}
	}
	if b.err != nil {
		return nil, b.err
	}
	return &llm.Response{Content: b.reply, Model: "fake-1"}, nil
}

type fixture struct {
	store     *session.MemoryStore
	transport *fakeTransport
	registry  *channel.Registry
	catalog   *i18n.Catalog
	limiter   *stubLimiter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	catalog, err := i18n.NewCatalog()
	require.NoError(t, err)

	transport := &fakeTransport{channelType: session.ChannelWeb}
	registry := channel.NewRegistry()
	registry.Register(transport)

	return &fixture{
		store:     session.NewMemoryStore(),
		transport: transport,
		registry:  registry,
		catalog:   catalog,
		limiter:   &stubLimiter{},
	}
}

// config builds an orchestrator config with the routing stage appended to the
// pipeline, which is the production layout.
func (f *fixture) config(pipeline ...turn.Stage) turn.Config {
	routingStage := routing.NewStage(f.registry, f.catalog)
	return turn.Config{
		Sessions:       f.store,
		Limiter:        f.limiter,
		Transports:     f.registry,
		Catalog:        f.catalog,
		Stages:         append(pipeline, routingStage),
		Routing:        routingStage,
		TypingInterval: time.Minute,
	}
}

func userMessage(text string) session.Message {
	return session.NewMessage(session.RoleUser, text, session.ChannelWeb, "chat1", "u1")
}

func autoMessage(text string) session.Message {
	msg := userMessage(text)
	msg.SetMeta(session.MetaAutoMode, true)
	return msg
}

func answerStage(order int, text string) *scriptStage {
	return newStage("answer", order, func(tc *turn.Context) error {
		tc.SetAttribute(turn.AttrOutgoingResponse, &turn.OutgoingResponse{Text: text})
		tc.SetFinalAnswerReady(true)
		return nil
	})
}

func (f *fixture) session(t *testing.T) *session.Session {
	t.Helper()
	sess, err := f.store.GetOrCreate(context.Background(), session.ChannelWeb, "chat1")
	require.NoError(t, err)
	return sess
}

func assistantMessages(sess *session.Session) []session.Message {
	var out []session.Message
	for _, m := range sess.Messages {
		if m.Role == session.RoleAssistant {
			out = append(out, m)
		}
	}
	return out
}

func TestProcessMessage_StagesRunInOrder(t *testing.T) {
	f := newFixture(t)

	var ran []string
	record := func(name string) func(*turn.Context) error {
		return func(*turn.Context) error {
			ran = append(ran, name)
			return nil
		}
	}

	// Registered out of order; execution must be ascending Order.
	orch := turn.New(f.config(
		newStage("third", 30, record("third")),
		newStage("first", 10, record("first")),
		newStage("second", 20, record("second")),
	))
	defer orch.Shutdown()

	err := orch.ProcessMessage(context.Background(), userMessage("hi"))
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, ran)
}

func TestProcessMessage_StageFailuresDoNotAbortTurn(t *testing.T) {
	f := newFixture(t)

	orch := turn.New(f.config(
		newStage("broken", 10, func(*turn.Context) error {
			return errors.New("enrichment source down")
		}),
		newStage("crashing", 20, func(*turn.Context) error {
			panic("nil map write")
		}),
		answerStage(40, "still answered"),
	))
	defer orch.Shutdown()

	err := orch.ProcessMessage(context.Background(), userMessage("hi"))
	require.NoError(t, err)

	assert.Equal(t, []string{"still answered"}, f.transport.sentTexts())

	sess := f.session(t)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, session.RoleUser, sess.Messages[0].Role)
	assert.Equal(t, "still answered", sess.Messages[1].Content)
}

func TestProcessMessage_DisabledAndInapplicableStagesSkipped(t *testing.T) {
	f := newFixture(t)

	var ran []string
	disabled := newStage("disabled", 10, func(*turn.Context) error {
		ran = append(ran, "disabled")
		return nil
	})
	disabled.enabled = false

	inapplicable := newStage("inapplicable", 20, func(*turn.Context) error {
		ran = append(ran, "inapplicable")
		return nil
	})
	inapplicable.should = func(*turn.Context) bool { return false }

	orch := turn.New(f.config(disabled, inapplicable, answerStage(40, "done")))
	defer orch.Shutdown()

	require.NoError(t, orch.ProcessMessage(context.Background(), userMessage("hi")))
	assert.Empty(t, ran)
	assert.Equal(t, []string{"done"}, f.transport.sentTexts())
}

func TestProcessMessage_TransitionExtendsLoop(t *testing.T) {
	f := newFixture(t)

	iterations := 0
	orch := turn.New(f.config(newStage("skill", 20, func(tc *turn.Context) error {
		iterations++
		if iterations < 3 {
			tc.RequestTransition(&turn.TransitionRequest{Target: "research", Reason: "more work"})
			return nil
		}
		tc.SetAttribute(turn.AttrOutgoingResponse, &turn.OutgoingResponse{Text: "final"})
		tc.SetFinalAnswerReady(true)
		return nil
	})))
	defer orch.Shutdown()

	require.NoError(t, orch.ProcessMessage(context.Background(), userMessage("go")))
	assert.Equal(t, 3, iterations)
	assert.Equal(t, []string{"final"}, f.transport.sentTexts())
}

func TestProcessMessage_FinalAnswerWinsOverPendingTransition(t *testing.T) {
	f := newFixture(t)

	iterations := 0
	orch := turn.New(f.config(newStage("skill", 20, func(tc *turn.Context) error {
		iterations++
		tc.RequestTransition(&turn.TransitionRequest{Target: "next", Reason: "chained"})
		tc.SetAttribute(turn.AttrOutgoingResponse, &turn.OutgoingResponse{Text: "answer"})
		tc.SetFinalAnswerReady(true)
		return nil
	})))
	defer orch.Shutdown()

	require.NoError(t, orch.ProcessMessage(context.Background(), userMessage("go")))
	assert.Equal(t, 1, iterations, "ready answer terminates the loop despite the transition request")
	assert.Equal(t, []string{"answer"}, f.transport.sentTexts())
	history := assistantMessages(f.session(t))
	require.Len(t, history, 1, "the discarded transition must not keep the real answer out of history")
	assert.Equal(t, "answer", history[0].Content)
}

func TestProcessMessage_PerIterationStateResets(t *testing.T) {
	f := newFixture(t)

	var finalAnswerSeen []bool
	var toolResultCounts []int
	iterations := 0
	orch := turn.New(f.config(newStage("skill", 20, func(tc *turn.Context) error {
		finalAnswerSeen = append(finalAnswerSeen, tc.FinalAnswerReady())
		toolResultCounts = append(toolResultCounts, len(tc.ToolResults()))
		tc.AddToolResult(turn.ToolResult{Name: "search", Output: "ok"})
		iterations++
		if iterations < 2 {
			tc.RequestTransition(&turn.TransitionRequest{Target: "again"})
		}
		return nil
	})))
	defer orch.Shutdown()

	require.NoError(t, orch.ProcessMessage(context.Background(), userMessage("go")))
	require.Equal(t, 2, iterations)
	assert.Equal(t, []bool{false, false}, finalAnswerSeen)
	assert.Equal(t, []int{0, 0}, toolResultCounts, "tool results must not leak across iterations")
}

func TestProcessMessage_IterationLimitSendsTransportOnlyNotice(t *testing.T) {
	f := newFixture(t)

	iterations := 0
	cfg := f.config(newStage("looper", 20, func(tc *turn.Context) error {
		iterations++
		tc.RequestTransition(&turn.TransitionRequest{Target: "forever"})
		return nil
	}))
	cfg.MaxIterations = 3
	orch := turn.New(cfg)
	defer orch.Shutdown()

	require.NoError(t, orch.ProcessMessage(context.Background(), userMessage("go")))

	assert.Equal(t, 3, iterations)
	sent := f.transport.sentTexts()
	require.Len(t, sent, 1, "exactly one limit notice")
	assert.Equal(t, f.catalog.Message("system.iteration.limit", 3), sent[0])

	// The synthetic notice must never enter durable history.
	sess := f.session(t)
	assert.Empty(t, assistantMessages(sess))
	require.Len(t, sess.Messages, 1)
	assert.Equal(t, session.RoleUser, sess.Messages[0].Role)
}

func TestProcessMessage_RateLimitDeniedBeforeSessionWork(t *testing.T) {
	f := newFixture(t)
	f.limiter.deny = true

	orch := turn.New(f.config(answerStage(20, "never")))
	defer orch.Shutdown()

	require.NoError(t, orch.ProcessMessage(context.Background(), userMessage("hi")))
	assert.Empty(t, f.transport.sentTexts())
	assert.Empty(t, f.store.List(), "a denied turn performs no session work")
}

func TestProcessMessage_AutoModeBypassesRateLimiterAndTransport(t *testing.T) {
	f := newFixture(t)
	f.limiter.deny = true

	orch := turn.New(f.config(answerStage(20, "autonomous result")))
	defer orch.Shutdown()

	require.NoError(t, orch.ProcessMessage(context.Background(), autoMessage("cron goal")))

	assert.Zero(t, f.limiter.calls, "auto-mode turns never consult the limiter")
	assert.Empty(t, f.transport.sentTexts(), "auto-mode turns produce no outbound traffic")
	assert.Zero(t, f.transport.typing)

	// The generated answer still lands in durable history.
	sess := f.session(t)
	answers := assistantMessages(sess)
	require.Len(t, answers, 1)
	assert.Equal(t, "autonomous result", answers[0].Content)
}

func TestProcessMessage_TypingShownForUserTurns(t *testing.T) {
	f := newFixture(t)

	cfg := f.config(newStage("slow", 20, func(tc *turn.Context) error {
		time.Sleep(30 * time.Millisecond)
		tc.SetAttribute(turn.AttrOutgoingResponse, &turn.OutgoingResponse{Text: "done"})
		tc.SetFinalAnswerReady(true)
		return nil
	}))
	cfg.TypingInterval = 5 * time.Millisecond
	orch := turn.New(cfg)
	defer orch.Shutdown()

	require.NoError(t, orch.ProcessMessage(context.Background(), userMessage("hi")))

	f.transport.mu.Lock()
	typing := f.transport.typing
	f.transport.mu.Unlock()
	assert.GreaterOrEqual(t, typing, 1)
}

func TestFeedback_DeliversUnsentResponse(t *testing.T) {
	f := newFixture(t)

	// Pipeline without the routing stage: the response is queued but never
	// delivered during the loop, so the feedback guarantee must route it.
	routingStage := routing.NewStage(f.registry, f.catalog)
	orch := turn.New(turn.Config{
		Sessions:   f.store,
		Limiter:    f.limiter,
		Transports: f.registry,
		Catalog:    f.catalog,
		Stages: []turn.Stage{newStage("answer", 20, func(tc *turn.Context) error {
			tc.SetAttribute(turn.AttrOutgoingResponse, &turn.OutgoingResponse{Text: "late delivery"})
			return nil
		})},
		Routing:        routingStage,
		TypingInterval: time.Minute,
	})
	defer orch.Shutdown()

	require.NoError(t, orch.ProcessMessage(context.Background(), userMessage("hi")))
	assert.Equal(t, []string{"late delivery"}, f.transport.sentTexts())

	answers := assistantMessages(f.session(t))
	require.Len(t, answers, 1, "a real generated answer enters history even when feedback-routed")
	assert.Equal(t, "late delivery", answers[0].Content)
}

func TestFeedback_InterpretsFailuresWithBackend(t *testing.T) {
	f := newFixture(t)
	backend := &fakeBackend{available: true, reply: "The search service is temporarily unreachable."}

	cfg := f.config(newStage("broken", 20, func(*turn.Context) error {
		return errors.New("search index: connection refused")
	}))
	cfg.Backend = backend
	orch := turn.New(cfg)
	defer orch.Shutdown()

	require.NoError(t, orch.ProcessMessage(context.Background(), userMessage("hi")))

	sent := f.transport.sentTexts()
	require.Len(t, sent, 1)
	expected := f.catalog.Message("system.error.feedback", "The search service is temporarily unreachable.")
	assert.Equal(t, expected, sent[0])

	require.Len(t, backend.requests, 1)
	require.Len(t, backend.requests[0].Messages, 1)
	assert.Contains(t, backend.requests[0].Messages[0].Content, "connection refused")

	assert.Empty(t, assistantMessages(f.session(t)), "error feedback stays out of history")
}

func TestFeedback_GenericFallbackWithoutBackend(t *testing.T) {
	f := newFixture(t)

	orch := turn.New(f.config(newStage("broken", 20, func(*turn.Context) error {
		return errors.New("boom")
	})))
	defer orch.Shutdown()

	require.NoError(t, orch.ProcessMessage(context.Background(), userMessage("hi")))

	sent := f.transport.sentTexts()
	require.Len(t, sent, 1)
	assert.Equal(t, f.catalog.Message("system.error.generic.feedback"), sent[0])
}

func TestFeedback_GenericFallbackWhenInterpretationTimesOut(t *testing.T) {
	f := newFixture(t)
	backend := &fakeBackend{available: true, reply: "too late", delay: 200 * time.Millisecond}

	cfg := f.config(newStage("broken", 20, func(*turn.Context) error {
		return errors.New("boom")
	}))
	cfg.Backend = backend
	cfg.InterpretTimeout = 10 * time.Millisecond
	orch := turn.New(cfg)
	defer orch.Shutdown()

	start := time.Now()
	require.NoError(t, orch.ProcessMessage(context.Background(), userMessage("hi")))
	assert.Less(t, time.Since(start), 150*time.Millisecond, "interpretation wait is bounded")

	sent := f.transport.sentTexts()
	require.Len(t, sent, 1)
	assert.Equal(t, f.catalog.Message("system.error.generic.feedback"), sent[0])
}

func TestFeedback_SkippedForAutoMode(t *testing.T) {
	f := newFixture(t)

	orch := turn.New(f.config(newStage("broken", 20, func(*turn.Context) error {
		return errors.New("boom")
	})))
	defer orch.Shutdown()

	require.NoError(t, orch.ProcessMessage(context.Background(), autoMessage("cron goal")))
	assert.Empty(t, f.transport.sentTexts())
}

func TestFeedback_SkippedWhenNoTransportRegistered(t *testing.T) {
	f := newFixture(t)

	cfg := f.config(newStage("broken", 20, func(*turn.Context) error {
		return errors.New("boom")
	}))
	orch := turn.New(cfg)
	defer orch.Shutdown()

	msg := session.NewMessage(session.RoleUser, "hi", "telegram", "chat9", "u1")
	require.NoError(t, orch.ProcessMessage(context.Background(), msg))
	assert.Empty(t, f.transport.sentTexts())

	// The turn still completed: the inbound message was persisted.
	sess, err := f.store.GetOrCreate(context.Background(), "telegram", "chat9")
	require.NoError(t, err)
	require.Len(t, sess.Messages, 1)
}

func TestFeedback_DeliveryFailureFallsThroughToErrorPath(t *testing.T) {
	f := newFixture(t)
	f.transport.failSend = true
	backend := &fakeBackend{available: true, reply: "Delivery is failing."}

	cfg := f.config(answerStage(20, "unreachable answer"))
	cfg.Backend = backend
	orch := turn.New(cfg)
	defer orch.Shutdown()

	require.NoError(t, orch.ProcessMessage(context.Background(), userMessage("hi")))

	// Nothing went out, but the backend was asked to interpret the routing
	// failure instead of the turn silently swallowing it.
	assert.Empty(t, f.transport.sentTexts())
	require.NotEmpty(t, backend.requests)
	assert.Contains(t, backend.requests[0].Messages[0].Content, "transport unavailable")
	assert.Empty(t, assistantMessages(f.session(t)), "undelivered text never enters history")
}

func TestRequestStop_TerminatesLoopBetweenIterations(t *testing.T) {
	f := newFixture(t)

	iterations := 0
	var orch *turn.Orchestrator
	cfg := f.config(newStage("looper", 20, func(tc *turn.Context) error {
		iterations++
		// Simulates a concurrent stop request arriving mid-iteration.
		orch.RequestStop(session.ChannelWeb, "chat1")
		tc.RequestTransition(&turn.TransitionRequest{Target: "forever"})
		return nil
	}))
	cfg.MaxIterations = 10
	orch = turn.New(cfg)
	defer orch.Shutdown()

	require.NoError(t, orch.ProcessMessage(context.Background(), userMessage("go")))
	assert.Equal(t, 1, iterations, "stop is honored at the iteration boundary")

	// Termination went through the normal path: the feedback guarantee ran.
	sent := f.transport.sentTexts()
	require.Len(t, sent, 1)
	assert.Equal(t, f.catalog.Message("system.error.generic.feedback"), sent[0])
}

func TestProcessMessage_StaleStopFlagCleared(t *testing.T) {
	f := newFixture(t)

	orch := turn.New(f.config(answerStage(20, "fresh turn")))
	defer orch.Shutdown()

	// A stop requested with no turn in flight must not affect the next turn.
	orch.RequestStop(session.ChannelWeb, "chat1")
	require.NoError(t, orch.ProcessMessage(context.Background(), userMessage("hi")))
	assert.Equal(t, []string{"fresh turn"}, f.transport.sentTexts())
}

func TestShutdown_Idempotent(t *testing.T) {
	f := newFixture(t)
	orch := turn.New(f.config(answerStage(20, "ok")))

	orch.Shutdown()
	orch.Shutdown()

	// Shutdown before any turn is also safe.
	other := turn.New(f.config())
	other.Shutdown()
	other.Shutdown()
}
