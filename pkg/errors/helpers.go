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

package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap creates a new error that wraps the given error with additional context.
// If err is nil, returns nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf creates a new error that wraps the given error with formatted context.
// If err is nil, returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
// Convenience wrapper around errors.Is from the standard library.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree matching the target type.
// Convenience wrapper around errors.As from the standard library.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err, if any.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// New creates a new error with the given message.
func New(message string) error {
	return errors.New(message)
}

// IsNotFound reports whether err is a tree, run, node, or worktree lookup
// miss. CLI and API layers use this to map errors to their not-found codes.
func IsNotFound(err error) bool {
	var treeErr *TreeNotFoundError
	var notFoundErr *NotFoundError
	return errors.As(err, &treeErr) || errors.As(err, &notFoundErr)
}

// IsConflict reports whether err is a status transition conflict.
func IsConflict(err error) bool {
	var transErr *InvalidTransitionError
	return errors.As(err, &transErr)
}

// Classify maps an arbitrary node execution error to a FailureKind.
// Context errors take precedence over whatever the provider wrapped them in.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureUnknown
	}
	var nodeErr *NodeFailureError
	if errors.As(err, &nodeErr) {
		return nodeErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	if errors.Is(err, context.Canceled) {
		return FailureAborted
	}
	return FailureUnknown
}
