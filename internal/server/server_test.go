package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golemcore/botcore/internal/dispatch"
	"github.com/golemcore/botcore/internal/session"
)

type fakeDispatcher struct {
	enqueued   []session.Message
	enqueueErr error
	stops      []string
	resumes    []string
}

func (d *fakeDispatcher) Enqueue(msg session.Message) error {
	if d.enqueueErr != nil {
		return d.enqueueErr
	}
	d.enqueued = append(d.enqueued, msg)
	return nil
}

func (d *fakeDispatcher) RequestStop(channelType, chatID string) {
	d.stops = append(d.stops, channelType+"/"+chatID)
}

func (d *fakeDispatcher) Resume(channelType, chatID string) {
	d.resumes = append(d.resumes, channelType+"/"+chatID)
}

func postJSON(t *testing.T, handler http.Handler, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestInboundMessage_Accepted(t *testing.T) {
	d := &fakeDispatcher{}
	handler := NewServer(d, nil).Routes()

	rec := postJSON(t, handler, "/v1/messages",
		`{"channel":"web","chat_id":"room-7","sender_id":"u1","text":"hello"}`, nil)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"web:room-7"`)

	require.Len(t, d.enqueued, 1)
	msg := d.enqueued[0]
	assert.Equal(t, "web", msg.ChannelType)
	assert.Equal(t, "room-7", msg.ChatID)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, session.RoleUser, msg.Role)
	assert.False(t, msg.AutoMode())
}

func TestInboundMessage_AutoFlagPropagates(t *testing.T) {
	d := &fakeDispatcher{}
	handler := NewServer(d, nil).Routes()

	rec := postJSON(t, handler, "/v1/messages",
		`{"channel":"web","chat_id":"ops","text":"nightly digest","auto":true}`, nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, d.enqueued, 1)
	assert.True(t, d.enqueued[0].AutoMode())
}

func TestInboundMessage_SchemaViolations(t *testing.T) {
	d := &fakeDispatcher{}
	handler := NewServer(d, nil).Routes()

	cases := map[string]string{
		"missing text":    `{"channel":"web","chat_id":"c"}`,
		"empty channel":   `{"channel":"","chat_id":"c","text":"x"}`,
		"unknown field":   `{"channel":"web","chat_id":"c","text":"x","bogus":1}`,
		"wrong type":      `{"channel":"web","chat_id":"c","text":42}`,
		"whitespace chat": `{"channel":"web","chat_id":"has space","text":"x"}`,
	}
	for name, body := range cases {
		rec := postJSON(t, handler, "/v1/messages", body, nil)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, name)
	}
	assert.Empty(t, d.enqueued)
}

func TestInboundMessage_InvalidJSON(t *testing.T) {
	handler := NewServer(&fakeDispatcher{}, nil).Routes()
	rec := postJSON(t, handler, "/v1/messages", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInboundMessage_QueueFull(t *testing.T) {
	d := &fakeDispatcher{enqueueErr: dispatch.ErrQueueFull}
	handler := NewServer(d, nil).Routes()

	rec := postJSON(t, handler, "/v1/messages",
		`{"channel":"web","chat_id":"c","text":"x"}`, nil)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestInboundMessage_ShuttingDown(t *testing.T) {
	d := &fakeDispatcher{enqueueErr: dispatch.ErrShuttingDown}
	handler := NewServer(d, nil).Routes()

	rec := postJSON(t, handler, "/v1/messages",
		`{"channel":"web","chat_id":"c","text":"x"}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuth_RequiredWhenKeysConfigured(t *testing.T) {
	d := &fakeDispatcher{}
	handler := NewServer(d, map[string]string{"k1": "ops"}).Routes()

	body := `{"channel":"web","chat_id":"c","text":"x"}`

	rec := postJSON(t, handler, "/v1/messages", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postJSON(t, handler, "/v1/messages", body, map[string]string{"X-Api-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postJSON(t, handler, "/v1/messages", body, map[string]string{"Authorization": "Bearer k1"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Len(t, d.enqueued, 1)
}

func TestStopAndResumeEndpoints(t *testing.T) {
	d := &fakeDispatcher{}
	handler := NewServer(d, nil).Routes()

	rec := postJSON(t, handler, "/v1/conversations/web/room-7/stop", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"web/room-7"}, d.stops)

	rec = postJSON(t, handler, "/v1/conversations/web/room-7/resume", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"web/room-7"}, d.resumes)
}

func TestHealth_Unauthenticated(t *testing.T) {
	handler := NewServer(&fakeDispatcher{}, map[string]string{"k1": "ops"}).Routes()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}
