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

// Package provider defines the agent provider abstraction: a named backend
// that executes one node attempt and streams its output as events.
package provider

import (
	"context"
	"time"
)

// Event types emitted by providers.
const (
	EventMessage    = "message"
	EventToolCall   = "tool_call"
	EventToolResult = "tool_result"
	EventUsage      = "usage"
	EventResult     = "result"
)

// Usage captures token consumption reported by a provider.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Event is one unit of streamed provider output. A well-behaved provider
// closes its channel only after emitting exactly one terminal event with a
// non-nil Result; a stream that ends without one is treated as a failed
// attempt by the caller.
type Event struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Content   string         `json:"content,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Usage     *Usage         `json:"usage,omitempty"`
	Result    *Result        `json:"result,omitempty"`
}

// Result is the terminal outcome of one node attempt.
type Result struct {
	// Artifact is the node's output document, if it produced one.
	Artifact *ArtifactResult `json:"artifact,omitempty"`

	// Decision is the node's routing outcome, if it emitted one.
	Decision *DecisionResult `json:"decision,omitempty"`
}

// ArtifactResult is an output document produced by a node attempt.
type ArtifactResult struct {
	Type        string `json:"type"`         // report, note, log
	ContentType string `json:"content_type"` // text, markdown, json, diff
	Content     string `json:"content"`
}

// DecisionResult is a routing outcome emitted by a node attempt.
type DecisionResult struct {
	Type      string `json:"type"` // approved, changes_requested, blocked, retry
	Rationale string `json:"rationale,omitempty"`
}

// Request describes one node attempt handed to a provider.
type Request struct {
	RunID   int64
	NodeID  int64
	NodeKey string
	Attempt int

	// Prompt is the instruction text from the node definition.
	Prompt string

	// WorkDir is the provisioned worktree path, empty if the run has none.
	WorkDir string

	// Timeout bounds the attempt; zero means no provider-level deadline.
	Timeout time.Duration

	Metadata map[string]any
}

// Provider executes node attempts.
type Provider interface {
	// Name returns the registry name of the provider.
	Name() string

	// Run starts one attempt and returns a channel of streamed events.
	// The channel is closed when the attempt ends, whatever the outcome.
	// Cancelling the context aborts the attempt.
	Run(ctx context.Context, req Request) (<-chan Event, error)
}
