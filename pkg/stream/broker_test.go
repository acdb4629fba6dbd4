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

package stream

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/arborworks/arbor/internal/store"
	"github.com/arborworks/arbor/internal/store/memory"
	"github.com/arborworks/arbor/pkg/provider"
	"github.com/stretchr/testify/require"
)

func newBrokerHarness(t *testing.T) (*Broker, *memory.Store, *store.RunNode) {
	t.Helper()

	st := memory.New()
	run := &store.Run{RunKey: "stream-test", TreeKey: "t", Status: store.RunRunning}
	node := &store.RunNode{
		NodeKey:  "worker",
		NodeType: store.NodeTypeAgent,
		NodeRole: store.RoleStandard,
		Provider: "scripted",
		Attempt:  1,
		Status:   store.NodeRunning,
	}
	require.NoError(t, st.CreateRun(context.Background(), run, []*store.RunNode{node}))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewBroker(st, logger), st, node
}

func TestBrokerPublishAssignsContiguousSequences(t *testing.T) {
	broker, st, node := newBrokerHarness(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := broker.Publish(ctx, node.RunID, node.ID, 1, provider.Event{
			Type:    provider.EventMessage,
			Content: "chunk",
		})
		require.NoError(t, err)
	}

	events, err := st.ListStreamEvents(ctx, node.ID, 1, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, event := range events {
		require.Equal(t, int64(i+1), event.Sequence)
		require.False(t, event.Timestamp.IsZero())
	}
}

func TestBrokerResumeAfterRestart(t *testing.T) {
	broker, st, node := newBrokerHarness(t)
	ctx := context.Background()

	require.NoError(t, broker.Publish(ctx, node.RunID, node.ID, 1, provider.Event{Type: provider.EventMessage, Content: "one"}))
	require.NoError(t, broker.Publish(ctx, node.RunID, node.ID, 1, provider.Event{Type: provider.EventMessage, Content: "two"}))

	// A fresh broker over the same store continues the numbering.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	restarted := NewBroker(st, logger)
	require.NoError(t, restarted.Publish(ctx, node.RunID, node.ID, 1, provider.Event{Type: provider.EventMessage, Content: "three"}))

	latest, err := st.LatestSequence(ctx, node.ID, 1)
	require.NoError(t, err)
	require.Equal(t, int64(3), latest)
}

func TestBrokerSubscribeReceivesLiveEvents(t *testing.T) {
	broker, _, node := newBrokerHarness(t)
	ctx := context.Background()

	ch, cancel := broker.Subscribe(node.ID, 1)
	defer cancel()

	require.NoError(t, broker.Publish(ctx, node.RunID, node.ID, 1, provider.Event{Type: provider.EventMessage, Content: "hello"}))
	require.NoError(t, broker.EndAttempt(ctx, node.ID, 1, store.NodeCompleted))

	n := <-ch
	require.NotNil(t, n.Event)
	require.Equal(t, int64(1), n.Event.Sequence)
	require.Equal(t, "hello", n.Event.ContentPreview)

	n = <-ch
	require.True(t, n.Ended)
	require.Equal(t, store.NodeCompleted, n.Status)

	_, open := <-ch
	require.False(t, open)
}

func TestBrokerLateSubscriberNeedsSnapshotFirst(t *testing.T) {
	broker, st, node := newBrokerHarness(t)
	ctx := context.Background()

	require.NoError(t, broker.Publish(ctx, node.RunID, node.ID, 1, provider.Event{Type: provider.EventMessage, Content: "done already"}))
	require.NoError(t, st.UpdateNodeStatus(ctx, node.ID, store.NodeRunning, store.NodeCompleted, "complete"))
	require.NoError(t, broker.EndAttempt(ctx, node.ID, 1, store.NodeCompleted))

	// Subscribing after the end delivers nothing; the snapshot is what
	// tells a late consumer the stream is over.
	ch, cancel := broker.Subscribe(node.ID, 1)
	defer cancel()
	select {
	case n, open := <-ch:
		t.Fatalf("unexpected delivery on ended stream: %+v (open=%v)", n, open)
	default:
	}

	snap, err := broker.GetSnapshot(ctx, node.ID, 1, 0, 0)
	require.NoError(t, err)
	require.True(t, snap.Ended)
	require.Len(t, snap.Events, 1)
	require.Equal(t, store.NodeCompleted, snap.NodeStatus)
}

func TestBrokerSnapshotIdempotent(t *testing.T) {
	broker, st, node := newBrokerHarness(t)
	ctx := context.Background()

	for _, content := range []string{"a", "b", "c"} {
		require.NoError(t, broker.Publish(ctx, node.RunID, node.ID, 1, provider.Event{Type: provider.EventMessage, Content: content}))
	}

	snap, err := broker.GetSnapshot(ctx, node.ID, 1, 0, 0)
	require.NoError(t, err)
	require.Len(t, snap.Events, 3)
	require.Equal(t, int64(3), snap.LatestSequence)
	require.False(t, snap.Ended)

	again, err := broker.GetSnapshot(ctx, node.ID, 1, 0, 0)
	require.NoError(t, err)
	require.Len(t, again.Events, 3)

	tail, err := broker.GetSnapshot(ctx, node.ID, 1, 2, 0)
	require.NoError(t, err)
	require.Len(t, tail.Events, 1)
	require.Equal(t, int64(3), tail.Events[0].Sequence)

	// Ended stream polled from its latest sequence: empty and ended.
	require.NoError(t, st.UpdateNodeStatus(ctx, node.ID, store.NodeRunning, store.NodeCompleted, "complete"))
	done, err := broker.GetSnapshot(ctx, node.ID, 1, 3, 0)
	require.NoError(t, err)
	require.Empty(t, done.Events)
	require.True(t, done.Ended)
	require.Equal(t, store.NodeCompleted, done.NodeStatus)
}

func TestBrokerSupersededAttemptIsEnded(t *testing.T) {
	broker, st, node := newBrokerHarness(t)
	ctx := context.Background()

	require.NoError(t, broker.Publish(ctx, node.RunID, node.ID, 1, provider.Event{Type: provider.EventMessage, Content: "attempt one"}))

	// Retry in place moves the node to attempt 2; attempt 1 can never
	// produce more events.
	require.NoError(t, st.RecordNodeFailure(ctx, node.ID, "unknown", "boom"))
	require.NoError(t, st.UpdateNodeStatus(ctx, node.ID, store.NodeRunning, store.NodeFailed, "fail"))
	_, err := st.ResetNodeForRetry(ctx, node.ID)
	require.NoError(t, err)

	snap, err := broker.GetSnapshot(ctx, node.ID, 1, 0, 0)
	require.NoError(t, err)
	require.True(t, snap.Ended)
	require.Len(t, snap.Events, 1)

	// The new attempt starts numbering from 1 again.
	require.NoError(t, st.UpdateNodeStatus(ctx, node.ID, store.NodePending, store.NodeRunning, "dispatch"))
	require.NoError(t, broker.Publish(ctx, node.RunID, node.ID, 2, provider.Event{Type: provider.EventMessage, Content: "attempt two"}))
	latest, err := st.LatestSequence(ctx, node.ID, 2)
	require.NoError(t, err)
	require.Equal(t, int64(1), latest)
}

func TestBrokerNodeForStream(t *testing.T) {
	broker, _, node := newBrokerHarness(t)
	ctx := context.Background()

	found, err := broker.NodeForStream(ctx, node.RunID, node.ID)
	require.NoError(t, err)
	require.Equal(t, node.ID, found.ID)

	_, err = broker.NodeForStream(ctx, node.RunID+99, node.ID)
	require.Error(t, err)
}

func TestBrokerTruncatesLongContent(t *testing.T) {
	broker, st, node := newBrokerHarness(t)
	ctx := context.Background()

	long := make([]byte, previewLimit+500)
	for i := range long {
		long[i] = 'x'
	}
	require.NoError(t, broker.Publish(ctx, node.RunID, node.ID, 1, provider.Event{
		Type:    provider.EventMessage,
		Content: string(long),
	}))

	events, err := st.ListStreamEvents(ctx, node.ID, 1, 0, 0)
	require.NoError(t, err)
	require.Len(t, events[0].ContentPreview, previewLimit)
	require.Equal(t, len(long), events[0].ContentChars)
}
