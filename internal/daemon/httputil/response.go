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

// Package httputil provides shared JSON response helpers for the daemon
// API. Errors go out as a structured envelope and never carry stack traces
// to the remote caller.
package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/arborworks/arbor/pkg/errors"
)

// ErrorBody is the error envelope returned by every API failure.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", slog.Any("error", err))
	}
}

// WriteError writes an error envelope with an explicit code.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, map[string]ErrorBody{
		"error": {Code: code, Message: message},
	})
}

// WriteTypedError maps a typed engine error to a status code and envelope.
func WriteTypedError(w http.ResponseWriter, err error) {
	switch {
	case errors.IsNotFound(err):
		WriteError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.IsConflict(err):
		WriteError(w, http.StatusConflict, "invalid_transition", err.Error())
	default:
		var validationErr *errors.ValidationError
		if errors.As(err, &validationErr) {
			WriteJSON(w, http.StatusBadRequest, map[string]ErrorBody{
				"error": {
					Code:    "validation_failed",
					Message: validationErr.Error(),
					Details: map[string]string{"suggestion": validationErr.Suggestion},
				},
			})
			return
		}
		var retryErr *errors.RetryTargetsNotFoundError
		if errors.As(err, &retryErr) {
			WriteError(w, http.StatusConflict, "retry_targets_not_found", err.Error())
			return
		}
		var providerErr *errors.UnknownProviderError
		if errors.As(err, &providerErr) {
			WriteError(w, http.StatusBadRequest, "unknown_provider", err.Error())
			return
		}
		WriteError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}
