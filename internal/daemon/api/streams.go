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
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/arborworks/arbor/internal/daemon"
	"github.com/arborworks/arbor/internal/daemon/httputil"
	"github.com/arborworks/arbor/internal/log"
	"github.com/arborworks/arbor/internal/store"
)

// StreamsHandler serves node attempt event streams: point-in-time snapshots
// as JSON and live tails as SSE.
type StreamsHandler struct {
	service *daemon.Service
	logger  *slog.Logger
}

// NewStreamsHandler creates a streams handler.
func NewStreamsHandler(service *daemon.Service, logger *slog.Logger) *StreamsHandler {
	return &StreamsHandler{
		service: service,
		logger:  log.WithComponent(logger, "streams"),
	}
}

// RegisterRoutes registers stream API routes.
func (h *StreamsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/runs/{id}/nodes/{nodeId}/stream", h.handleStream)
}

// SnapshotResponse is the JSON snapshot body.
type SnapshotResponse struct {
	WorkflowRunID  int64                `json:"workflowRunId"`
	RunNodeID      int64                `json:"runNodeId"`
	Attempt        int                  `json:"attempt"`
	NodeStatus     store.NodeStatus     `json:"nodeStatus"`
	Ended          bool                 `json:"ended"`
	LatestSequence int64                `json:"latestSequence"`
	Events         []*store.StreamEvent `json:"events"`
}

// handleStream handles GET /v1/runs/{id}/nodes/{nodeId}/stream.
//
// Query parameters: attempt (default: the node's current attempt),
// lastEventSequence (resume point, default 0), limit. With
// Accept: text/event-stream the response is a live SSE tail; otherwise a
// JSON snapshot.
func (h *StreamsHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathRunID(w, r)
	if !ok {
		return
	}
	nodeID, err := strconv.ParseInt(r.PathValue("nodeId"), 10, 64)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "bad_request", "node id must be an integer")
		return
	}

	attempt := 0
	if v := r.URL.Query().Get("attempt"); v != "" {
		if attempt, err = strconv.Atoi(v); err != nil || attempt < 1 {
			httputil.WriteError(w, http.StatusBadRequest, "bad_request", "attempt must be a positive integer")
			return
		}
	}
	var lastSequence int64
	if v := r.URL.Query().Get("lastEventSequence"); v != "" {
		if lastSequence, err = strconv.ParseInt(v, 10, 64); err != nil || lastSequence < 0 {
			httputil.WriteError(w, http.StatusBadRequest, "bad_request", "lastEventSequence must be a non-negative integer")
			return
		}
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			httputil.WriteError(w, http.StatusBadRequest, "bad_request", "limit must be a non-negative integer")
			return
		}
	}

	node, err := h.service.Broker().NodeForStream(r.Context(), runID, nodeID)
	if err != nil {
		httputil.WriteTypedError(w, err)
		return
	}
	if attempt == 0 {
		attempt = node.Attempt
	}

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		h.streamLive(w, r, runID, nodeID, attempt, lastSequence)
		return
	}

	snap, err := h.service.Broker().GetSnapshot(r.Context(), nodeID, attempt, lastSequence, limit)
	if err != nil {
		httputil.WriteTypedError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, SnapshotResponse{
		WorkflowRunID:  runID,
		RunNodeID:      nodeID,
		Attempt:        attempt,
		NodeStatus:     snap.NodeStatus,
		Ended:          snap.Ended,
		LatestSequence: snap.LatestSequence,
		Events:         snap.Events,
	})
}

// streamLive tails a node attempt over SSE. The backlog after the resume
// point goes out first as stream_event frames, then live events as they
// arrive, then a stream_end frame.
func (h *StreamsHandler) streamLive(w http.ResponseWriter, r *http.Request, runID, nodeID int64, attempt int, lastSequence int64) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}

	// Subscribe before reading the backlog so nothing published in between
	// is missed; duplicates are filtered by sequence below.
	notifications, unsubscribe := h.service.Broker().Subscribe(nodeID, attempt)
	defer unsubscribe()

	snap, err := h.service.Broker().GetSnapshot(r.Context(), nodeID, attempt, lastSequence, 0)
	if err != nil {
		writeSSE(w, "stream_error", map[string]string{"message": err.Error()})
		flusher.Flush()
		return
	}

	last := lastSequence
	for _, event := range snap.Events {
		writeSSE(w, "stream_event", event)
		last = event.Sequence
	}
	writeSSE(w, "stream_state", map[string]any{
		"connectionState": "connected",
		"nodeStatus":      snap.NodeStatus,
		"latestSequence":  snap.LatestSequence,
	})
	flusher.Flush()

	if snap.Ended {
		writeSSE(w, "stream_end", map[string]any{
			"connectionState": "ended",
			"nodeStatus":      snap.NodeStatus,
			"latestSequence":  snap.LatestSequence,
		})
		flusher.Flush()
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case n, ok := <-notifications:
			if !ok {
				// Dropped as a slow subscriber; the client reconnects
				// and resumes from its last sequence.
				writeSSE(w, "stream_error", map[string]string{"message": "subscription dropped, reconnect to resume"})
				flusher.Flush()
				return
			}
			if n.Ended {
				writeSSE(w, "stream_end", map[string]any{
					"connectionState": "ended",
					"nodeStatus":      n.Status,
					"latestSequence":  last,
				})
				flusher.Flush()
				return
			}
			if n.Event == nil || n.Event.Sequence <= last {
				continue
			}
			writeSSE(w, "stream_event", n.Event)
			last = n.Event.Sequence
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}
