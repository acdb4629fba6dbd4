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

package daemon

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/arborworks/arbor/internal/store"
	"github.com/arborworks/arbor/internal/store/memory"
	"github.com/arborworks/arbor/pkg/engine"
	"github.com/arborworks/arbor/pkg/provider"
	"github.com/arborworks/arbor/pkg/stream"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()

	st := memory.New()
	scripted := provider.NewScriptedProvider("scripted")
	registry := provider.NewRegistry()
	require.NoError(t, registry.Register(scripted))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	broker := stream.NewBroker(st, logger)
	service := NewService(
		st,
		engine.NewPlanner(st, registry, logger),
		engine.NewExecutor(engine.DefaultConfig(), st, registry, broker, nil, logger),
		engine.NewController(st, logger),
		broker,
		false,
		logger,
	)
	t.Cleanup(func() { service.Shutdown(5 * time.Second) })
	return service, st
}

// seedFailedRun creates a failed run with one failed node directly in the
// store, the state Retry operates on.
func seedFailedRun(t *testing.T, st *memory.Store) (*store.Run, *store.RunNode) {
	t.Helper()

	run := &store.Run{RunKey: "failed-run", TreeKey: "t", Status: store.RunFailed}
	node := &store.RunNode{
		NodeKey:     "flaky",
		NodeType:    store.NodeTypeAgent,
		NodeRole:    store.RoleStandard,
		Provider:    "scripted",
		Attempt:     1,
		Status:      store.NodeFailed,
		FailureKind: "provider_result_missing",
	}
	require.NoError(t, st.CreateRun(context.Background(), run, []*store.RunNode{node}))
	return run, node
}

func TestServiceRetryRefusedWhileRunActive(t *testing.T) {
	service, st := newTestService(t)
	run, node := seedFailedRun(t, st)

	// Hold the run's active slot, as a live executor loop would.
	require.NoError(t, service.acquire(run.ID))
	defer service.release(run.ID)

	result, err := service.Retry(context.Background(), run.ID)
	require.ErrorIs(t, err, ErrRunActive)
	require.Nil(t, result)

	// Nothing was reset: the refusal happened before any control write.
	current, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunFailed, current.Status)
	refreshed, err := st.GetRunNode(context.Background(), node.ID)
	require.NoError(t, err)
	require.Equal(t, store.NodeFailed, refreshed.Status)
	require.Equal(t, 1, refreshed.Attempt)
}

func TestServiceRetryRestartsLoop(t *testing.T) {
	service, st := newTestService(t)
	run, node := seedFailedRun(t, st)

	result, err := service.Retry(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, engine.OutcomeApplied, result.Outcome)
	require.Equal(t, []int64{node.ID}, result.RetriedRunNodeIDs)
	require.Equal(t, store.RunRunning, result.RunStatus)

	// The background loop drives the reset node to completion.
	require.Eventually(t, func() bool {
		current, err := st.GetRun(context.Background(), run.ID)
		return err == nil && current.Status == store.RunCompleted
	}, 5*time.Second, 10*time.Millisecond)

	refreshed, err := st.GetRunNode(context.Background(), node.ID)
	require.NoError(t, err)
	require.Equal(t, store.NodeCompleted, refreshed.Status)
	require.Equal(t, 2, refreshed.Attempt)
}
