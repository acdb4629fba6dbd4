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

package api

import (
	"io"
	"net/http"

	"github.com/arborworks/arbor/internal/daemon"
	"github.com/arborworks/arbor/internal/daemon/httputil"
	"github.com/arborworks/arbor/pkg/tree"
)

// TreesHandler handles tree definition publishing.
type TreesHandler struct {
	service *daemon.Service
}

// NewTreesHandler creates a trees handler.
func NewTreesHandler(service *daemon.Service) *TreesHandler {
	return &TreesHandler{service: service}
}

// RegisterRoutes registers tree API routes.
func (h *TreesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/trees", h.handlePublish)
}

// handlePublish handles POST /v1/trees with a YAML tree definition body.
func (h *TreesHandler) handlePublish(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return
	}

	def, err := tree.ParseDefinition(body)
	if err != nil {
		httputil.WriteTypedError(w, err)
		return
	}

	record, err := h.service.PublishTree(r.Context(), def)
	if err != nil {
		httputil.WriteTypedError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, record)
}
