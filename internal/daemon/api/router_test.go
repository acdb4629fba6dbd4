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
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/arborworks/arbor/internal/daemon"
	"github.com/arborworks/arbor/internal/store/memory"
	"github.com/arborworks/arbor/pkg/engine"
	"github.com/arborworks/arbor/pkg/provider"
	"github.com/arborworks/arbor/pkg/stream"
	"github.com/stretchr/testify/require"
)

const testTreeYAML = `
key: review-flow
nodes:
  - key: plan
    provider: scripted
    prompt: plan the work
  - key: implement
    provider: scripted
edges:
  - from: plan
    to: implement
    guard: decision.type == "approved"
`

// newTestServer assembles the daemon service around a memory store and
// serves the full router over httptest.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	st := memory.New()
	scripted := provider.NewScriptedProvider("scripted")
	registry := provider.NewRegistry()
	require.NoError(t, registry.Register(scripted))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	broker := stream.NewBroker(st, logger)
	service := daemon.NewService(
		st,
		engine.NewPlanner(st, registry, logger),
		engine.NewExecutor(engine.DefaultConfig(), st, registry, broker, nil, logger),
		engine.NewController(st, logger),
		broker,
		false,
		logger,
	)
	t.Cleanup(func() { service.Shutdown(0) })

	router := NewRouter(RouterConfig{Version: "test", Commit: "abc123", BuildDate: "today"}, service, logger)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func publishTree(t *testing.T, server *httptest.Server) {
	t.Helper()
	resp, err := http.Post(server.URL+"/v1/trees", "application/yaml", strings.NewReader(testTreeYAML))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func launchSync(t *testing.T, server *httptest.Server) int64 {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"treeKey":       "review-flow",
		"executionMode": "sync",
	})
	require.NoError(t, err)
	resp, err := http.Post(server.URL+"/v1/runs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result daemon.LaunchResult
	decodeBody(t, resp, &result)
	require.Equal(t, "completed", result.Status)
	return result.WorkflowRunID
}

func TestAPIHealthAndVersion(t *testing.T) {
	server := newTestServer(t)

	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]string
	decodeBody(t, resp, &health)
	require.Equal(t, "ok", health["status"])

	resp, err = http.Get(server.URL + "/v1/version")
	require.NoError(t, err)
	var version map[string]string
	decodeBody(t, resp, &version)
	require.Equal(t, "test", version["version"])
	require.Equal(t, "abc123", version["commit"])

	resp, err = http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIPublishTreeAndLaunchSync(t *testing.T) {
	server := newTestServer(t)
	publishTree(t, server)
	runID := launchSync(t, server)

	resp, err := http.Get(fmt.Sprintf("%s/v1/runs/%d", server.URL, runID))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var run struct {
		Status string `json:"status"`
	}
	decodeBody(t, resp, &run)
	require.Equal(t, "completed", run.Status)

	resp, err = http.Get(fmt.Sprintf("%s/v1/runs/%d/nodes", server.URL, runID))
	require.NoError(t, err)
	var nodes struct {
		Count int `json:"count"`
		Nodes []struct {
			ID     int64  `json:"id"`
			Status string `json:"status"`
		} `json:"nodes"`
	}
	decodeBody(t, resp, &nodes)
	require.Equal(t, 2, nodes.Count)
	for _, node := range nodes.Nodes {
		require.Equal(t, "completed", node.Status)
	}

	// Snapshot of a finished attempt reports ended with its events.
	resp, err = http.Get(fmt.Sprintf("%s/v1/runs/%d/nodes/%d/stream", server.URL, runID, nodes.Nodes[0].ID))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap SnapshotResponse
	decodeBody(t, resp, &snap)
	require.True(t, snap.Ended)
	require.NotEmpty(t, snap.Events)
	require.Equal(t, snap.Events[len(snap.Events)-1].Sequence, snap.LatestSequence)
}

func TestAPIListRuns(t *testing.T) {
	server := newTestServer(t)
	publishTree(t, server)
	launchSync(t, server)

	resp, err := http.Get(server.URL + "/v1/runs?status=completed")
	require.NoError(t, err)
	var list struct {
		Count int `json:"count"`
	}
	decodeBody(t, resp, &list)
	require.Equal(t, 1, list.Count)

	resp, err = http.Get(server.URL + "/v1/runs?status=failed")
	require.NoError(t, err)
	decodeBody(t, resp, &list)
	require.Equal(t, 0, list.Count)
}

func TestAPILaunchValidation(t *testing.T) {
	server := newTestServer(t)
	publishTree(t, server)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"missing tree key", `{}`, http.StatusBadRequest, "bad_request"},
		{"unknown mode", `{"treeKey":"review-flow","executionMode":"turbo"}`, http.StatusBadRequest, "bad_request"},
		{"unknown tree", `{"treeKey":"missing","executionMode":"sync"}`, http.StatusNotFound, "not_found"},
		{"not json", `nope`, http.StatusBadRequest, "bad_request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(server.URL+"/v1/runs", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			require.Equal(t, tt.wantStatus, resp.StatusCode)

			var envelope struct {
				Error struct {
					Code string `json:"code"`
				} `json:"error"`
			}
			decodeBody(t, resp, &envelope)
			require.Equal(t, tt.wantCode, envelope.Error.Code)
		})
	}
}

func TestAPIPublishTreeRejectsInvalidDefinition(t *testing.T) {
	server := newTestServer(t)

	// Agent nodes must name a provider.
	resp, err := http.Post(server.URL+"/v1/trees", "application/yaml", strings.NewReader(`
key: broken
nodes:
  - key: solo
`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPIControlConflicts(t *testing.T) {
	server := newTestServer(t)
	publishTree(t, server)
	runID := launchSync(t, server)

	// Cancelling a completed run is a transition conflict.
	resp, err := http.Post(fmt.Sprintf("%s/v1/runs/%d/cancel", server.URL, runID), "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, resp, &envelope)
	require.Equal(t, "invalid_transition", envelope.Error.Code)

	// Retry with nothing failed is refused the same way.
	resp, err = http.Post(fmt.Sprintf("%s/v1/runs/%d/retry", server.URL, runID), "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = http.Post(server.URL+"/v1/runs/9999/pause", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(server.URL+"/v1/runs/not-a-number/pause", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPIStreamParamValidation(t *testing.T) {
	server := newTestServer(t)
	publishTree(t, server)
	runID := launchSync(t, server)

	resp, err := http.Get(fmt.Sprintf("%s/v1/runs/%d/nodes/1/stream?attempt=0", server.URL, runID))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(fmt.Sprintf("%s/v1/runs/%d/nodes/1/stream?lastEventSequence=-1", server.URL, runID))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Node from another run is a miss.
	resp, err = http.Get(fmt.Sprintf("%s/v1/runs/%d/nodes/9999/stream", server.URL, runID))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
