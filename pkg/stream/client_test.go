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
	stderrors "errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/arborworks/arbor/internal/store"
	"github.com/stretchr/testify/require"
)

// fakeSource scripts a sequence of snapshot responses, one per poll.
type fakeSource struct {
	mu        sync.Mutex
	responses []fakeResponse
	polls     int
}

type fakeResponse struct {
	snap *Snapshot
	err  error
}

func (f *fakeSource) GetSnapshot(ctx context.Context, nodeID int64, attempt int, lastEventSequence int64, limit int) (*Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++

	i := f.polls - 1
	if i >= len(f.responses) {
		i = len(f.responses) - 1 // repeat the final response
	}
	return f.responses[i].snap, f.responses[i].err
}

func event(seq int64, content string) *store.StreamEvent {
	return &store.StreamEvent{Sequence: seq, Type: "message", ContentPreview: content}
}

func fastConfig() FollowerConfig {
	return FollowerConfig{
		PollInterval: time.Millisecond,
		BaseBackoff:  time.Millisecond,
		MaxBackoff:   5 * time.Millisecond,
		StaleAfter:   time.Second,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFollowerDeliversInOrderAndDedupes(t *testing.T) {
	source := &fakeSource{responses: []fakeResponse{
		{snap: &Snapshot{NodeStatus: store.NodeRunning, Events: []*store.StreamEvent{event(1, "a"), event(2, "b")}, LatestSequence: 2}},
		// Overlapping replay after a reconnect.
		{snap: &Snapshot{NodeStatus: store.NodeRunning, Events: []*store.StreamEvent{event(2, "b"), event(3, "c")}, LatestSequence: 3}},
		{snap: &Snapshot{NodeStatus: store.NodeCompleted, Ended: true, LatestSequence: 3}},
	}}

	var got []int64
	follower := NewFollower(source, fastConfig(), discardLogger())
	snap, err := follower.Follow(context.Background(), 1, 1, 0, func(e *store.StreamEvent) error {
		got = append(got, e.Sequence)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3}, got)
	require.True(t, snap.Ended)
	require.Equal(t, store.NodeCompleted, snap.NodeStatus)
}

func TestFollowerSurvivesSourceFailures(t *testing.T) {
	source := &fakeSource{responses: []fakeResponse{
		{err: stderrors.New("connection refused")},
		{err: stderrors.New("connection refused")},
		{snap: &Snapshot{NodeStatus: store.NodeCompleted, Ended: true, Events: []*store.StreamEvent{event(1, "late")}, LatestSequence: 1}},
	}}

	var got []int64
	follower := NewFollower(source, fastConfig(), discardLogger())
	_, err := follower.Follow(context.Background(), 1, 1, 0, func(e *store.StreamEvent) error {
		got = append(got, e.Sequence)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int64{1}, got)
}

func TestFollowerResumesFromSequence(t *testing.T) {
	source := &fakeSource{responses: []fakeResponse{
		// The source replays the tail; everything at or below fromSequence
		// must be suppressed.
		{snap: &Snapshot{NodeStatus: store.NodeCompleted, Ended: true, Events: []*store.StreamEvent{event(4, "d"), event(5, "e")}, LatestSequence: 5}},
	}}

	var got []int64
	follower := NewFollower(source, fastConfig(), discardLogger())
	_, err := follower.Follow(context.Background(), 1, 1, 4, func(e *store.StreamEvent) error {
		got = append(got, e.Sequence)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int64{5}, got)
}

func TestFollowerStaleStream(t *testing.T) {
	source := &fakeSource{responses: []fakeResponse{
		{snap: &Snapshot{NodeStatus: store.NodeRunning, LatestSequence: 0}},
	}}

	cfg := fastConfig()
	cfg.StaleAfter = 10 * time.Millisecond
	follower := NewFollower(source, cfg, discardLogger())
	_, err := follower.Follow(context.Background(), 1, 1, 0, func(*store.StreamEvent) error { return nil })
	require.ErrorIs(t, err, ErrStreamStale)
}

func TestFollowerHandlerErrorStops(t *testing.T) {
	source := &fakeSource{responses: []fakeResponse{
		{snap: &Snapshot{NodeStatus: store.NodeRunning, Events: []*store.StreamEvent{event(1, "a")}, LatestSequence: 1}},
	}}

	boom := stderrors.New("handler rejected event")
	follower := NewFollower(source, fastConfig(), discardLogger())
	_, err := follower.Follow(context.Background(), 1, 1, 0, func(*store.StreamEvent) error { return boom })
	require.ErrorIs(t, err, boom)
}

func TestFollowerContextCancel(t *testing.T) {
	source := &fakeSource{responses: []fakeResponse{
		{snap: &Snapshot{NodeStatus: store.NodeRunning, LatestSequence: 0}},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	follower := NewFollower(source, fastConfig(), discardLogger())
	_, err := follower.Follow(ctx, 1, 1, 0, func(*store.StreamEvent) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}
