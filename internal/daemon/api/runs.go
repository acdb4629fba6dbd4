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
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/arborworks/arbor/internal/daemon"
	"github.com/arborworks/arbor/internal/daemon/httputil"
	"github.com/arborworks/arbor/internal/store"
	"github.com/arborworks/arbor/pkg/engine"
)

// RunsHandler handles run launch, inspection, and control requests.
type RunsHandler struct {
	service *daemon.Service
}

// NewRunsHandler creates a runs handler.
func NewRunsHandler(service *daemon.Service) *RunsHandler {
	return &RunsHandler{service: service}
}

// RegisterRoutes registers run API routes.
func (h *RunsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/runs", h.handleLaunch)
	mux.HandleFunc("GET /v1/runs", h.handleList)
	mux.HandleFunc("GET /v1/runs/{id}", h.handleGet)
	mux.HandleFunc("GET /v1/runs/{id}/nodes", h.handleListNodes)
	mux.HandleFunc("POST /v1/runs/{id}/pause", h.controlHandler(h.service.Pause))
	mux.HandleFunc("POST /v1/runs/{id}/resume", h.controlHandler(h.service.Resume))
	mux.HandleFunc("POST /v1/runs/{id}/cancel", h.controlHandler(h.service.Cancel))
	mux.HandleFunc("POST /v1/runs/{id}/retry", h.controlHandler(h.service.Retry))
}

// NodeSelector picks the node for single-node execution.
type NodeSelector struct {
	Type    string `json:"type"`
	NodeKey string `json:"nodeKey,omitempty"`
}

// LaunchRunRequest is the request body for POST /v1/runs.
type LaunchRunRequest struct {
	TreeKey         string        `json:"treeKey"`
	TreeVersion     int           `json:"treeVersion,omitempty"`
	RepositoryName  string        `json:"repositoryName,omitempty"`
	Branch          string        `json:"branch,omitempty"`
	ExecutionMode   string        `json:"executionMode,omitempty"`
	ExecutionScope  string        `json:"executionScope,omitempty"`
	NodeSelector    *NodeSelector `json:"nodeSelector,omitempty"`
	CleanupWorktree *bool         `json:"cleanupWorktree,omitempty"`
}

// handleLaunch handles POST /v1/runs.
func (h *RunsHandler) handleLaunch(w http.ResponseWriter, r *http.Request) {
	var req LaunchRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.TreeKey == "" {
		httputil.WriteError(w, http.StatusBadRequest, "bad_request", "treeKey is required")
		return
	}

	mode := req.ExecutionMode
	if mode == "" {
		mode = daemon.ModeAsync
	}
	if mode != daemon.ModeAsync && mode != daemon.ModeSync {
		httputil.WriteError(w, http.StatusBadRequest, "bad_request",
			fmt.Sprintf("unknown executionMode %q (want async or sync)", mode))
		return
	}

	params := daemon.LaunchParams{
		TreeKey:         req.TreeKey,
		TreeVersion:     req.TreeVersion,
		RepositoryName:  req.RepositoryName,
		Branch:          req.Branch,
		Mode:            mode,
		Scope:           engine.LaunchScope(req.ExecutionScope),
		CleanupWorktree: req.CleanupWorktree,
	}
	if req.NodeSelector != nil && req.NodeSelector.Type == "node_key" {
		params.NodeKey = req.NodeSelector.NodeKey
	}

	result, err := h.service.Launch(r.Context(), params)
	if err != nil {
		if stderrors.Is(err, daemon.ErrDraining) {
			w.Header().Set("Retry-After", "10")
			httputil.WriteError(w, http.StatusServiceUnavailable, "draining", err.Error())
			return
		}
		if stderrors.Is(err, daemon.ErrRunActive) {
			httputil.WriteError(w, http.StatusConflict, "run_active", err.Error())
			return
		}
		httputil.WriteTypedError(w, err)
		return
	}

	status := http.StatusAccepted
	if result.Mode == daemon.ModeSync {
		status = http.StatusOK
	}
	httputil.WriteJSON(w, status, result)
}

// handleList handles GET /v1/runs.
func (h *RunsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = store.RunStatus(status)
	}
	if treeKey := r.URL.Query().Get("treeKey"); treeKey != "" {
		filter.TreeKey = treeKey
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 {
			filter.Limit = n
		}
	}

	runs, err := h.service.ListRuns(r.Context(), filter)
	if err != nil {
		httputil.WriteTypedError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

// handleGet handles GET /v1/runs/{id}.
func (h *RunsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathRunID(w, r)
	if !ok {
		return
	}
	run, err := h.service.GetRun(r.Context(), runID)
	if err != nil {
		httputil.WriteTypedError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, run)
}

// handleListNodes handles GET /v1/runs/{id}/nodes.
func (h *RunsHandler) handleListNodes(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathRunID(w, r)
	if !ok {
		return
	}
	nodes, err := h.service.ListRunNodes(r.Context(), runID)
	if err != nil {
		httputil.WriteTypedError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"nodes": nodes,
		"count": len(nodes),
	})
}

// controlHandler adapts one control action to an HTTP handler. Control
// results go out 200 for both applied and noop; conflicts and misses map
// through the typed error envelope.
func (h *RunsHandler) controlHandler(action func(ctx context.Context, runID int64) (*engine.ControlResult, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID, ok := pathRunID(w, r)
		if !ok {
			return
		}
		result, err := action(r.Context(), runID)
		if err != nil {
			if stderrors.Is(err, daemon.ErrRunActive) {
				httputil.WriteError(w, http.StatusConflict, "run_active", err.Error())
				return
			}
			httputil.WriteTypedError(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, result)
	}
}

func pathRunID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "bad_request", "run id must be an integer")
		return 0, false
	}
	return id, true
}
