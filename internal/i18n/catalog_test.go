package i18n

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_FormatsWithArgs(t *testing.T) {
	c, err := NewCatalog()
	require.NoError(t, err)

	msg := c.Message("system.iteration.limit", 8)
	assert.Contains(t, msg, "8 processing steps")
}

func TestSetLanguage_SwitchesBundle(t *testing.T) {
	c, err := NewCatalog()
	require.NoError(t, err)

	en := c.Message("system.error.generic.feedback")
	c.SetLanguage(LangRU)
	ru := c.Message("system.error.generic.feedback")

	assert.NotEqual(t, en, ru)
	assert.Equal(t, LangRU, c.Language())
}

func TestSetLanguage_UnknownIgnored(t *testing.T) {
	c, err := NewCatalog()
	require.NoError(t, err)

	c.SetLanguage("fr")
	assert.Equal(t, DefaultLang, c.Language())
}

func TestMessageIn_FallsBackToEnglish(t *testing.T) {
	c, err := NewCatalog()
	require.NoError(t, err)

	// "xx" has no bundle at all; every key resolves through the default.
	assert.Equal(t,
		c.MessageIn(LangEN, "system.error.llm"),
		c.MessageIn("xx", "system.error.llm"))
}

func TestMessage_MissingKeyReturnsKey(t *testing.T) {
	c, err := NewCatalog()
	require.NoError(t, err)

	assert.Equal(t, "no.such.key", c.Message("no.such.key"))
}
