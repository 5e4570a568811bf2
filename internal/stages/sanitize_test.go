package stages

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golemcore/botcore/internal/session"
	"github.com/golemcore/botcore/internal/turn"
)

func sanitizerContext(text string) *turn.Context {
	sess := session.New(session.ChannelWeb, "chat1")
	sess.AddText(session.RoleUser, text)
	return turn.NewContext(sess, 8)
}

func TestSanitizer_StripsScriptPayload(t *testing.T) {
	s := NewSanitizer()
	tc := sanitizerContext(`hello <script>steal()</script>world`)

	require.True(t, s.ShouldProcess(tc))
	require.NoError(t, s.Process(tc))

	assert.Equal(t, "hello world", tc.Messages[0].Content)
	threats, _ := tc.Attribute(turn.AttrSanitizationThreats).([]string)
	assert.Contains(t, threats, "script")

	// Durable history keeps the original text.
	assert.Equal(t, `hello <script>steal()</script>world`, tc.Session.Messages[0].Content)
}

func TestSanitizer_CleanInputUntouched(t *testing.T) {
	s := NewSanitizer()
	tc := sanitizerContext("just a normal question")

	require.NoError(t, s.Process(tc))

	assert.Equal(t, "just a normal question", tc.Messages[0].Content)
	assert.Nil(t, tc.Attribute(turn.AttrSanitizationThreats))
}

func TestSanitizer_OnlySanitizesUserText(t *testing.T) {
	s := NewSanitizer()

	tc := sanitizerContext("hi")
	require.True(t, s.ShouldProcess(tc))

	sess := session.New(session.ChannelWeb, "chat1")
	sess.AddText(session.RoleAssistant, "previous answer")
	assert.False(t, s.ShouldProcess(turn.NewContext(sess, 8)))

	assert.False(t, s.ShouldProcess(turn.NewContext(session.New(session.ChannelWeb, "c"), 8)))
}

func TestDetectThreats(t *testing.T) {
	assert.Equal(t, []string{"script", "javascript_uri"}, detectThreats(`<script>x</script><a href="javascript:y">`))
	assert.Equal(t, []string{"iframe"}, detectThreats(`<IFRAME src="evil">`))
	assert.Equal(t, []string{"markup"}, detectThreats(`<b>bold</b>`))
}
