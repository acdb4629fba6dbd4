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

// Package errors defines the typed error kinds shared across the run engine.
//
// Errors that cross a component boundary (planner, state machine, control
// service, provider registry) are concrete types so callers can branch with
// errors.As rather than string matching.
package errors

import (
	"fmt"
	"strings"
)

// TreeNotFoundError indicates no published workflow tree matches the
// requested (treeKey, version).
type TreeNotFoundError struct {
	// TreeKey is the tree identifier that was requested.
	TreeKey string

	// Version is the requested version; 0 means "latest published".
	Version int
}

// Error implements the error interface.
func (e *TreeNotFoundError) Error() string {
	if e.Version > 0 {
		return fmt.Sprintf("workflow tree not found: %s@%d", e.TreeKey, e.Version)
	}
	return fmt.Sprintf("workflow tree not found: %s", e.TreeKey)
}

// InvalidTransitionError indicates a status transition was attempted from a
// status that did not match the persisted one. This is how concurrent
// control actions and executor progress surface instead of racing silently.
type InvalidTransitionError struct {
	// Entity is "run" or "node".
	Entity string

	// ID identifies the run or node.
	ID int64

	// Action is the attempted transition or control action.
	Action string

	// Expected is the status the caller believed the entity was in.
	Expected string

	// Actual is the status that was actually persisted.
	Actual string
}

// Error implements the error interface.
func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition: %s %d is %q, not %q (action: %s)",
		e.Entity, e.Entity, e.ID, e.Actual, e.Expected, e.Action)
}

// RetryTargetsNotFoundError indicates a retry was requested on a failed run
// that has no failed nodes to reset (the failure was structural).
type RetryTargetsNotFoundError struct {
	WorkflowRunID int64
}

// Error implements the error interface.
func (e *RetryTargetsNotFoundError) Error() string {
	return fmt.Sprintf("no failed nodes to retry in run %d", e.WorkflowRunID)
}

// UnknownProviderError indicates the requested agent provider is not
// registered. Known lists the registered provider names.
type UnknownProviderError struct {
	Provider string
	Known    []string
}

// Error implements the error interface.
func (e *UnknownProviderError) Error() string {
	if len(e.Known) == 0 {
		return fmt.Sprintf("unknown agent provider %q (no providers registered)", e.Provider)
	}
	return fmt.Sprintf("unknown agent provider %q (known: %s)", e.Provider, strings.Join(e.Known, ", "))
}

// FailureKind classifies why a node attempt failed.
type FailureKind string

const (
	// FailureResultMissing means the provider's event stream ended without
	// producing a result event.
	FailureResultMissing FailureKind = "provider_result_missing"
	// FailureTimeout means the attempt exceeded its deadline.
	FailureTimeout FailureKind = "timeout"
	// FailureAborted means the attempt was cancelled cooperatively.
	FailureAborted FailureKind = "aborted"
	// FailureUnknown covers everything else the provider reported.
	FailureUnknown FailureKind = "unknown"
)

// NodeFailureError records a classified node attempt failure. It is stored
// as node state by the executor, not propagated past the scheduling loop.
type NodeFailureError struct {
	NodeKey string
	Attempt int
	Kind    FailureKind
	Cause   error
}

// Error implements the error interface.
func (e *NodeFailureError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("node %s attempt %d failed (%s): %v", e.NodeKey, e.Attempt, e.Kind, e.Cause)
	}
	return fmt.Sprintf("node %s attempt %d failed (%s)", e.NodeKey, e.Attempt, e.Kind)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *NodeFailureError) Unwrap() error {
	return e.Cause
}

// NotFoundError represents a resource lookup miss outside the tree path
// (runs, nodes, worktrees).
type NotFoundError struct {
	// Resource is the type of resource (e.g. "run", "run node", "worktree").
	Resource string

	// ID is the identifier that was not found.
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ValidationError represents user input validation failures: malformed tree
// definitions, bad launch requests, invalid guard expressions.
type ValidationError struct {
	// Field identifies which input field failed validation.
	Field string

	// Message is the human-readable error description.
	Message string

	// Suggestion provides actionable guidance for fixing the error.
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ConfigError represents configuration problems: missing settings, invalid
// config values, unusable store paths.
type ConfigError struct {
	// Key is the configuration key with the problem (e.g. "store.path").
	Key string

	// Reason explains what is wrong.
	Reason string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}
