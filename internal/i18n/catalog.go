// Package i18n provides localized user-facing strings for messages the
// orchestrator originates itself: the iteration-limit notice, the generic
// fallback, and error feedback wrappers. Bundles are embedded YAML, one flat
// key → format-string map per language.
package i18n

import (
	"embed"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Supported languages. English is the fallback for missing keys.
const (
	LangEN = "en"
	LangRU = "ru"

	DefaultLang = LangEN
)

//go:embed bundles/*.yaml
var bundleFS embed.FS

// Catalog resolves message keys to localized, formatted strings.
type Catalog struct {
	mu      sync.RWMutex
	lang    string
	bundles map[string]map[string]string
}

// NewCatalog loads the embedded bundles for all supported languages.
func NewCatalog() (*Catalog, error) {
	c := &Catalog{
		lang:    DefaultLang,
		bundles: make(map[string]map[string]string),
	}
	for _, lang := range []string{LangEN, LangRU} {
		raw, err := bundleFS.ReadFile("bundles/" + lang + ".yaml")
		if err != nil {
			return nil, fmt.Errorf("reading %s bundle: %w", lang, err)
		}
		bundle := make(map[string]string)
		if err := yaml.Unmarshal(raw, &bundle); err != nil {
			return nil, fmt.Errorf("parsing %s bundle: %w", lang, err)
		}
		c.bundles[lang] = bundle
	}
	return c, nil
}

// Message resolves key in the current language, formatting args with the
// bundle's format string. Falls back to English when the key is missing in
// the current language; returns the bare key when it is missing entirely.
func (c *Catalog) Message(key string, args ...any) string {
	c.mu.RLock()
	lang := c.lang
	c.mu.RUnlock()
	return c.MessageIn(lang, key, args...)
}

// MessageIn resolves key for a specific language.
func (c *Catalog) MessageIn(lang, key string, args ...any) string {
	tmpl, ok := c.bundles[lang][key]
	if !ok {
		tmpl, ok = c.bundles[DefaultLang][key]
	}
	if !ok {
		log.Warn().Str("key", key).Str("lang", lang).Msg("missing_message_key")
		return key
	}
	if len(args) == 0 {
		return tmpl
	}
	return fmt.Sprintf(tmpl, args...)
}

// Language returns the current global language.
func (c *Catalog) Language() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lang
}

// SetLanguage switches the global language; unknown languages are ignored.
func (c *Catalog) SetLanguage(lang string) {
	if _, ok := c.bundles[lang]; !ok {
		log.Warn().Str("lang", lang).Msg("unsupported_language")
		return
	}
	c.mu.Lock()
	c.lang = lang
	c.mu.Unlock()
	log.Info().Str("lang", lang).Msg("language_changed")
}
