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

// Package stream carries live provider output from the executor to
// observers. The Broker is the single sequence-assigning writer per
// (node, attempt): it persists every event, then fans it out to live
// subscribers. Reconnecting consumers catch up from the persisted log via
// Snapshot, so a dropped live channel never loses events.
package stream

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/arborworks/arbor/internal/log"
	"github.com/arborworks/arbor/internal/store"
	"github.com/arborworks/arbor/pkg/errors"
	"github.com/arborworks/arbor/pkg/provider"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind is disconnected and must resume from a Snapshot.
const subscriberBuffer = 64

// previewLimit caps persisted event content.
const previewLimit = 2000

// BrokerStore is the storage surface the broker needs.
type BrokerStore interface {
	store.EventStore
	store.NodeStore
}

type streamKey struct {
	nodeID  int64
	attempt int
}

// Notification is what live subscribers receive: either an event or the
// attempt-ended marker carrying the node's terminal status.
type Notification struct {
	Event *store.StreamEvent
	Ended bool
	// Status is set on the ended notification.
	Status store.NodeStatus
}

type attemptState struct {
	sequence    int64
	ended       bool
	endStatus   store.NodeStatus
	subscribers map[int64]chan Notification
}

// Broker sequences, persists, and fans out stream events.
type Broker struct {
	store  BrokerStore
	logger *slog.Logger

	mu       sync.Mutex
	attempts map[streamKey]*attemptState
	nextSub  int64
}

// NewBroker creates a stream broker.
func NewBroker(st BrokerStore, logger *slog.Logger) *Broker {
	return &Broker{
		store:    st,
		logger:   log.WithComponent(logger, "stream"),
		attempts: make(map[streamKey]*attemptState),
	}
}

// Publish assigns the next sequence for the (node, attempt) stream,
// persists the event, and notifies live subscribers. Implements the
// executor's event sink.
func (b *Broker) Publish(ctx context.Context, runID, nodeID int64, attempt int, event provider.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, err := b.stateLocked(ctx, nodeID, attempt)
	if err != nil {
		return err
	}

	state.sequence++
	record := &store.StreamEvent{
		WorkflowRunID:  runID,
		RunNodeID:      nodeID,
		Attempt:        attempt,
		Sequence:       state.sequence,
		Type:           event.Type,
		Timestamp:      event.Timestamp,
		ContentChars:   len(event.Content),
		ContentPreview: truncate(event.Content, previewLimit),
		Metadata:       event.Metadata,
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	if event.Usage != nil {
		record.Usage = &store.TokenUsage{
			InputTokens:  event.Usage.InputTokens,
			OutputTokens: event.Usage.OutputTokens,
			TotalTokens:  event.Usage.TotalTokens,
		}
	}

	if err := b.store.AppendStreamEvent(ctx, record); err != nil {
		state.sequence--
		return err
	}

	b.notifyLocked(state, Notification{Event: record})
	return nil
}

// EndAttempt marks the (node, attempt) stream ended and closes live
// subscriptions after delivering the terminal notification.
func (b *Broker) EndAttempt(ctx context.Context, nodeID int64, attempt int, status store.NodeStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := streamKey{nodeID: nodeID, attempt: attempt}
	state, ok := b.attempts[key]
	if !ok {
		// Nothing was published and nobody subscribed.
		return nil
	}
	state.ended = true
	state.endStatus = status

	b.notifyLocked(state, Notification{Ended: true, Status: status})
	for id, ch := range state.subscribers {
		close(ch)
		delete(state.subscribers, id)
	}
	delete(b.attempts, key)
	return nil
}

// Subscribe attaches a live consumer to a (node, attempt) stream. The
// returned cancel function detaches it. Subscribe does not consult the
// persisted stream: a subscription to an already-ended attempt stays open
// and never delivers. Callers must take a GetSnapshot first and only
// subscribe when the snapshot is not ended, then re-snapshot for the tail.
func (b *Broker) Subscribe(nodeID int64, attempt int) (<-chan Notification, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Notification, subscriberBuffer)
	key := streamKey{nodeID: nodeID, attempt: attempt}
	state, ok := b.attempts[key]
	if !ok {
		state = &attemptState{
			sequence:    -1, // lazily resolved on first Publish
			subscribers: make(map[int64]chan Notification),
		}
		b.attempts[key] = state
	}

	b.nextSub++
	id := b.nextSub
	state.subscribers[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if state, ok := b.attempts[key]; ok {
			if ch, ok := state.subscribers[id]; ok {
				delete(state.subscribers, id)
				close(ch)
			}
		}
	}
	return ch, cancel
}

// Snapshot describes a (node, attempt) stream at a point in time.
type Snapshot struct {
	NodeStatus     store.NodeStatus     `json:"nodeStatus"`
	Ended          bool                 `json:"ended"`
	LatestSequence int64                `json:"latestSequence"`
	Events         []*store.StreamEvent `json:"events"`
}

// GetSnapshot returns the events after lastEventSequence plus enough state
// for a consumer to decide whether to keep polling. The same
// lastEventSequence always yields the same events; a consumer that asks
// from the latest sequence of an ended stream gets an empty, ended
// snapshot.
func (b *Broker) GetSnapshot(ctx context.Context, nodeID int64, attempt int, lastEventSequence int64, limit int) (*Snapshot, error) {
	node, err := b.store.GetRunNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	events, err := b.store.ListStreamEvents(ctx, nodeID, attempt, lastEventSequence, limit)
	if err != nil {
		return nil, err
	}

	latest, err := b.store.LatestSequence(ctx, nodeID, attempt)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		NodeStatus:     node.Status,
		Ended:          attemptEnded(node, attempt),
		LatestSequence: latest,
		Events:         events,
	}, nil
}

// NodeForStream resolves a stream's node, verifying it belongs to the run.
func (b *Broker) NodeForStream(ctx context.Context, runID, nodeID int64) (*store.RunNode, error) {
	node, err := b.store.GetRunNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if node.RunID != runID {
		return nil, &errors.NotFoundError{Resource: "run node", ID: strconv.FormatInt(nodeID, 10)}
	}
	return node, nil
}

// attemptEnded reports whether a given attempt of the node can produce more
// events. A superseded attempt (the node retried past it) is always ended.
func attemptEnded(node *store.RunNode, attempt int) bool {
	if node.Attempt > attempt {
		return true
	}
	return node.Status.Terminal()
}

// stateLocked resolves the in-memory state for a key, recovering the last
// persisted sequence after a restart so numbering stays contiguous.
func (b *Broker) stateLocked(ctx context.Context, nodeID int64, attempt int) (*attemptState, error) {
	key := streamKey{nodeID: nodeID, attempt: attempt}
	state, ok := b.attempts[key]
	if !ok {
		state = &attemptState{
			sequence:    -1,
			subscribers: make(map[int64]chan Notification),
		}
		b.attempts[key] = state
	}
	if state.sequence < 0 {
		latest, err := b.store.LatestSequence(ctx, nodeID, attempt)
		if err != nil {
			return nil, err
		}
		state.sequence = latest
	}
	return state, nil
}

// notifyLocked delivers to every subscriber without blocking the writer. A
// subscriber whose buffer is full is disconnected; it resumes from a
// Snapshot.
func (b *Broker) notifyLocked(state *attemptState, n Notification) {
	for id, ch := range state.subscribers {
		select {
		case ch <- n:
		default:
			b.logger.Warn("dropping slow stream subscriber", "subscriber_id", id)
			delete(state.subscribers, id)
			close(ch)
		}
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

var _ interface {
	Publish(ctx context.Context, runID, nodeID int64, attempt int, event provider.Event) error
	EndAttempt(ctx context.Context, nodeID int64, attempt int, status store.NodeStatus) error
} = (*Broker)(nil)
