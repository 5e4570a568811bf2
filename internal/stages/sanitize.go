// Package stages holds the built-in pipeline stages the serve command wires
// around the orchestrator: input sanitization and LLM execution. Further
// stages (tools, skills, memory) plug into the same turn.Stage contract.
package stages

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog/log"

	"github.com/golemcore/botcore/internal/session"
	"github.com/golemcore/botcore/internal/turn"
)

// SanitizerOrder runs first in the pipeline.
const SanitizerOrder = 10

// Sanitizer strips HTML and script payloads from the inbound user message
// before any other stage sees it. Only the turn's working snapshot is
// rewritten; the durable history keeps the original text.
type Sanitizer struct {
	turn.StageDefaults
	policy *bluemonday.Policy
}

// NewSanitizer creates the sanitizer stage with a strict strip-everything
// policy.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{policy: bluemonday.StrictPolicy()}
}

// Name implements turn.Stage.
func (s *Sanitizer) Name() string { return "input_sanitizer" }

// Order implements turn.Stage.
func (s *Sanitizer) Order() int { return SanitizerOrder }

// ShouldProcess implements turn.Stage: only the first iteration sanitizes,
// and only when the latest message is user text.
func (s *Sanitizer) ShouldProcess(tc *turn.Context) bool {
	if tc.Iteration() > 0 {
		return false
	}
	last, ok := tc.LastMessage()
	return ok && last.Role == session.RoleUser && last.Content != ""
}

// Process implements turn.Stage.
func (s *Sanitizer) Process(tc *turn.Context) error {
	idx := len(tc.Messages) - 1
	original := tc.Messages[idx].Content
	clean := s.policy.Sanitize(original)
	if clean == original {
		return nil
	}

	tc.Messages[idx].Content = clean
	threats := detectThreats(original)
	tc.SetAttribute(turn.AttrSanitizationThreats, threats)
	log.Warn().
		Strs("threats", threats).
		Int("removed_chars", len(original)-len(clean)).
		Msg("input_sanitized")
	return nil
}

func detectThreats(text string) []string {
	lower := strings.ToLower(text)
	var threats []string
	if strings.Contains(lower, "<script") {
		threats = append(threats, "script")
	}
	if strings.Contains(lower, "<iframe") {
		threats = append(threats, "iframe")
	}
	if strings.Contains(lower, "javascript:") {
		threats = append(threats, "javascript_uri")
	}
	if len(threats) == 0 {
		threats = append(threats, "markup")
	}
	return threats
}
