// Copyright 2025 Arbor Works
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/arborworks/arbor/internal/store"
	"github.com/arborworks/arbor/pkg/provider"
)

// DiagnosticPayload is the structured summary of one node attempt's provider
// interaction, persisted inside a DiagnosticsSnapshot.
type DiagnosticPayload struct {
	// EventCounts maps event type to how many times it occurred.
	EventCounts map[string]int `json:"event_counts"`

	// Usage sums token consumption across all usage-bearing events.
	Usage *provider.Usage `json:"usage,omitempty"`

	// RoutingDecision is the decision the attempt emitted, if any.
	RoutingDecision *provider.DecisionResult `json:"routing_decision,omitempty"`

	// Error describes the failure for failed attempts.
	Error *DiagnosticError `json:"error,omitempty"`

	// Events are the retained event previews, oldest first.
	Events []DiagnosticEvent `json:"events,omitempty"`
}

// DiagnosticError is a bounded description of an attempt failure.
type DiagnosticError struct {
	Name           string `json:"name"`
	Message        string `json:"message"`
	Classification string `json:"classification"`
	StackPreview   string `json:"stack_preview,omitempty"`
}

// DiagnosticEvent is a retained preview of one stream event.
type DiagnosticEvent struct {
	Type           string `json:"type"`
	ContentPreview string `json:"content_preview,omitempty"`
	ContentChars   int    `json:"content_chars"`
}

// DiagnosticsConfig bounds and sanitizes captured payloads.
type DiagnosticsConfig struct {
	// MaxEvents caps how many event previews the payload retains; older
	// events are dropped first. Zero disables event retention entirely.
	MaxEvents int

	// MaxPreviewChars caps each retained content preview.
	MaxPreviewChars int

	// MaxPayloadChars caps the serialized payload; retained events are
	// shed from the front until it fits.
	MaxPayloadChars int

	// Redact strips content matching known secret shapes from previews.
	Redact bool
}

// DefaultDiagnosticsConfig returns the capture bounds used when none are
// configured.
func DefaultDiagnosticsConfig() DiagnosticsConfig {
	return DiagnosticsConfig{
		MaxEvents:       50,
		MaxPreviewChars: 500,
		MaxPayloadChars: 64 * 1024,
		Redact:          true,
	}
}

// secretPatterns match content that must never land in persisted previews.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|secret|token|password|authorization)["':\s=]+[^\s"']{4,}`),
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{16,}`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]{8,}`),
}

// DiagnosticsBuilder accumulates one attempt's provider events and produces
// the persisted snapshot when the attempt terminates.
type DiagnosticsBuilder struct {
	cfg DiagnosticsConfig
}

// NewDiagnosticsBuilder creates a builder with the given bounds.
func NewDiagnosticsBuilder(cfg DiagnosticsConfig) *DiagnosticsBuilder {
	return &DiagnosticsBuilder{cfg: cfg}
}

// Build produces a DiagnosticsSnapshot from the attempt's accumulated
// events. Redaction and truncation are independent normalizations; the
// snapshot records both as booleans so consumers know the payload is lossy.
func (b *DiagnosticsBuilder) Build(nodeID int64, attempt int, outcome store.NodeStatus, events []provider.Event, attemptErr *DiagnosticError) (*store.DiagnosticsSnapshot, error) {
	payload := DiagnosticPayload{
		EventCounts: make(map[string]int, 4),
		Error:       attemptErr,
	}

	var usage provider.Usage
	var sawUsage bool
	for _, event := range events {
		payload.EventCounts[event.Type]++
		if event.Usage != nil {
			sawUsage = true
			usage.InputTokens += event.Usage.InputTokens
			usage.OutputTokens += event.Usage.OutputTokens
			usage.TotalTokens += event.Usage.TotalTokens
		}
		if event.Result != nil && event.Result.Decision != nil {
			payload.RoutingDecision = event.Result.Decision
		}
	}
	if sawUsage {
		payload.Usage = &usage
	}

	redacted := false
	truncated := false

	retained := events
	if len(retained) > b.cfg.MaxEvents {
		retained = retained[len(retained)-b.cfg.MaxEvents:]
		truncated = true
	}
	for _, event := range retained {
		preview := event.Content
		if b.cfg.Redact {
			var hit bool
			preview, hit = redactContent(preview)
			redacted = redacted || hit
		}
		if b.cfg.MaxPreviewChars > 0 && len(preview) > b.cfg.MaxPreviewChars {
			preview = preview[:b.cfg.MaxPreviewChars]
			truncated = true
		}
		payload.Events = append(payload.Events, DiagnosticEvent{
			Type:           event.Type,
			ContentPreview: preview,
			ContentChars:   len(event.Content),
		})
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	for b.cfg.MaxPayloadChars > 0 && len(raw) > b.cfg.MaxPayloadChars && len(payload.Events) > 0 {
		payload.Events = payload.Events[1:]
		truncated = true
		if raw, err = json.Marshal(payload); err != nil {
			return nil, err
		}
	}

	return &store.DiagnosticsSnapshot{
		RunNodeID:          nodeID,
		Attempt:            attempt,
		Outcome:            string(outcome),
		EventCount:         len(events),
		RetainedEventCount: len(payload.Events),
		DroppedEventCount:  len(events) - len(payload.Events),
		Redacted:           redacted,
		Truncated:          truncated,
		PayloadChars:       len(raw),
		Diagnostics:        raw,
	}, nil
}

// redactContent replaces matches of the secret patterns and reports whether
// anything was replaced.
func redactContent(content string) (string, bool) {
	hit := false
	for _, pattern := range secretPatterns {
		if pattern.MatchString(content) {
			content = pattern.ReplaceAllString(content, "[REDACTED]")
			hit = true
		}
	}
	// PEM blocks are dropped wholesale.
	if strings.Contains(content, "-----BEGIN") {
		content = "[REDACTED]"
		hit = true
	}
	return content, hit
}
