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

// Package client is the HTTP client the arbor CLI uses to talk to arbord.
// It mirrors the daemon's wire types rather than importing the daemon, so
// the CLI depends only on the API contract.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/arborworks/arbor/pkg/stream"
)

// Config configures the daemon client.
type Config struct {
	// BaseURL is the daemon's base URL, e.g. http://127.0.0.1:7411.
	BaseURL string

	// Timeout bounds one request. Sync launches and SSE streams use
	// per-call contexts instead.
	Timeout time.Duration
}

// Client talks to the arbord HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a daemon client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// APIError is a non-2xx response decoded from the daemon's error envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Code)
	}
	return e.Message
}

// NotFound reports whether the error was a 404.
func (e *APIError) NotFound() bool { return e.Status == http.StatusNotFound }

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// NodeSelector picks the node for single-node execution.
type NodeSelector struct {
	Type    string `json:"type"`
	NodeKey string `json:"nodeKey,omitempty"`
}

// LaunchRequest is the POST /v1/runs body.
type LaunchRequest struct {
	TreeKey         string        `json:"treeKey"`
	TreeVersion     int           `json:"treeVersion,omitempty"`
	RepositoryName  string        `json:"repositoryName,omitempty"`
	Branch          string        `json:"branch,omitempty"`
	ExecutionMode   string        `json:"executionMode,omitempty"`
	ExecutionScope  string        `json:"executionScope,omitempty"`
	NodeSelector    *NodeSelector `json:"nodeSelector,omitempty"`
	CleanupWorktree *bool         `json:"cleanupWorktree,omitempty"`
}

// LaunchResult is the launch response.
type LaunchResult struct {
	WorkflowRunID    int64  `json:"workflowRunId"`
	RunKey           string `json:"runKey"`
	Mode             string `json:"mode"`
	Status           string `json:"status"`
	RunStatus        string `json:"runStatus"`
	ExecutionOutcome string `json:"executionOutcome,omitempty"`
	ExecutedNodes    int    `json:"executedNodes"`
}

// ControlResult is the response from pause/resume/cancel/retry.
type ControlResult struct {
	Action            string  `json:"action"`
	Outcome           string  `json:"outcome"`
	WorkflowRunID     int64   `json:"workflowRunId"`
	PreviousRunStatus string  `json:"previousRunStatus"`
	RunStatus         string  `json:"runStatus"`
	RetriedRunNodeIDs []int64 `json:"retriedRunNodeIds,omitempty"`
}

// Run is the run view returned by the daemon.
type Run struct {
	ID             int64  `json:"id"`
	RunKey         string `json:"run_key"`
	TreeKey        string `json:"tree_key"`
	TreeVersion    int    `json:"tree_version"`
	Status         string `json:"status"`
	RepositoryName string `json:"repository_name,omitempty"`
	Branch         string `json:"branch,omitempty"`
	Error          string `json:"error,omitempty"`
	CreatedAt      string `json:"created_at"`
}

// RunNode is the node view returned by the daemon.
type RunNode struct {
	ID          int64  `json:"id"`
	RunID       int64  `json:"run_id"`
	NodeKey     string `json:"node_key"`
	NodeRole    string `json:"node_role"`
	Provider    string `json:"provider"`
	Attempt     int    `json:"attempt"`
	MaxRetries  int    `json:"max_retries"`
	Status      string `json:"status"`
	FailureKind string `json:"failure_kind,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Tree is the published tree view.
type Tree struct {
	ID      int64  `json:"id"`
	TreeKey string `json:"tree_key"`
	Name    string `json:"name"`
	Version int    `json:"version"`
}

// PublishTree publishes a YAML tree definition.
func (c *Client) PublishTree(ctx context.Context, definition []byte) (*Tree, error) {
	var tree Tree
	if err := c.do(ctx, http.MethodPost, "/v1/trees", "application/x-yaml", bytes.NewReader(definition), &tree); err != nil {
		return nil, err
	}
	return &tree, nil
}

// LaunchRun launches a run.
func (c *Client) LaunchRun(ctx context.Context, req LaunchRequest) (*LaunchResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var result LaunchResult
	if err := c.do(ctx, http.MethodPost, "/v1/runs", "application/json", bytes.NewReader(body), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetRun fetches a run by id.
func (c *Client) GetRun(ctx context.Context, runID int64) (*Run, error) {
	var run Run
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/runs/%d", runID), "", nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns fetches runs, optionally filtered by status and tree key.
func (c *Client) ListRuns(ctx context.Context, status, treeKey string, limit int) ([]*Run, error) {
	path := "/v1/runs?"
	if status != "" {
		path += "status=" + status + "&"
	}
	if treeKey != "" {
		path += "treeKey=" + treeKey + "&"
	}
	if limit > 0 {
		path += "limit=" + strconv.Itoa(limit)
	}
	var result struct {
		Runs []*Run `json:"runs"`
	}
	if err := c.do(ctx, http.MethodGet, path, "", nil, &result); err != nil {
		return nil, err
	}
	return result.Runs, nil
}

// ListRunNodes fetches a run's nodes.
func (c *Client) ListRunNodes(ctx context.Context, runID int64) ([]*RunNode, error) {
	var result struct {
		Nodes []*RunNode `json:"nodes"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/runs/%d/nodes", runID), "", nil, &result); err != nil {
		return nil, err
	}
	return result.Nodes, nil
}

// Control applies a control action: pause, resume, cancel, or retry.
func (c *Client) Control(ctx context.Context, runID int64, action string) (*ControlResult, error) {
	var result ControlResult
	path := fmt.Sprintf("/v1/runs/%d/%s", runID, action)
	if err := c.do(ctx, http.MethodPost, path, "application/json", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// StreamSource adapts the client to the follower's snapshot source for one
// run, so `arbor run watch` reuses the reconnect and dedupe policy.
type StreamSource struct {
	client *Client
	runID  int64
}

// StreamSource returns a snapshot source scoped to one run.
func (c *Client) StreamSource(runID int64) *StreamSource {
	return &StreamSource{client: c, runID: runID}
}

// GetSnapshot fetches one stream snapshot.
func (s *StreamSource) GetSnapshot(ctx context.Context, nodeID int64, attempt int, lastEventSequence int64, limit int) (*stream.Snapshot, error) {
	path := fmt.Sprintf("/v1/runs/%d/nodes/%d/stream?lastEventSequence=%d&limit=%d",
		s.runID, nodeID, lastEventSequence, limit)
	if attempt > 0 {
		path += fmt.Sprintf("&attempt=%d", attempt)
	}
	var snap stream.Snapshot
	if err := s.client.do(ctx, http.MethodGet, path, "", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var envelope errorEnvelope
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if jerr := json.Unmarshal(data, &envelope); jerr == nil && envelope.Error.Message != "" {
			return &APIError{Status: resp.StatusCode, Code: envelope.Error.Code, Message: envelope.Error.Message}
		}
		return &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
