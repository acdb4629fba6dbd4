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

// Package shared holds helpers common to all arbor CLI commands: exit
// codes, error printing, and output flags.
package shared

import (
	"errors"
	"fmt"
	"os"

	pkgerrors "github.com/arborworks/arbor/pkg/errors"
)

// Exit codes for the arbor CLI.
const (
	ExitSuccess        = 0
	ExitUsageError     = 2
	ExitNotFound       = 3
	ExitRuntimeFailure = 4
)

// ExitError is an error that carries an exit code.
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewUsageError creates an error for invalid flags, arguments, or inputs.
func NewUsageError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitUsageError, Message: msg, Cause: cause}
}

// NewNotFoundError creates an error for missing trees, runs, or nodes.
func NewNotFoundError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitNotFound, Message: msg, Cause: cause}
}

// NewRuntimeError creates an error for daemon or execution failures.
func NewRuntimeError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitRuntimeFailure, Message: msg, Cause: cause}
}

// HandleExitError prints the error and exits with its code. Errors without
// an explicit code exit as runtime failures.
func HandleExitError(err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "Error:", err.Error())
	printSuggestion(err)

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.Code)
	}
	os.Exit(ExitRuntimeFailure)
}

// printSuggestion walks the error chain for a user-visible suggestion.
func printSuggestion(err error) {
	for err != nil {
		var validationErr *pkgerrors.ValidationError
		if errors.As(err, &validationErr) && validationErr.Suggestion != "" {
			fmt.Fprintf(os.Stderr, "\nSuggestion: %s\n", validationErr.Suggestion)
			return
		}
		if userErr, ok := err.(pkgerrors.UserVisibleError); ok {
			if userErr.IsUserVisible() && userErr.Suggestion() != "" {
				fmt.Fprintf(os.Stderr, "\nSuggestion: %s\n", userErr.Suggestion())
			}
			return
		}
		err = errors.Unwrap(err)
	}
}
