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

// Package engine implements workflow run execution: materializing runs from
// published trees, driving nodes through providers, routing along guarded
// edges, fan-out/join aggregation, and run control.
package engine

import (
	"sort"
	"strings"

	"github.com/arborworks/arbor/internal/store"
	"github.com/arborworks/arbor/pkg/errors"
)

// Actions that move runs and nodes between statuses. Every status write goes
// through the store's expected-from guard, so the tables here are the single
// description of which transitions exist; the store is what makes racing
// writers lose cleanly.
const (
	ActionStart    = "start"
	ActionPause    = "pause"
	ActionResume   = "resume"
	ActionCancel   = "cancel"
	ActionComplete = "complete"
	ActionFail     = "fail"
	ActionRetry    = "retry"
	ActionDispatch = "dispatch"
	ActionSkip     = "skip"
)

var runTransitions = map[string]map[store.RunStatus]store.RunStatus{
	ActionStart: {
		store.RunPending: store.RunRunning,
	},
	ActionPause: {
		store.RunRunning: store.RunPaused,
	},
	ActionResume: {
		store.RunPaused: store.RunRunning,
	},
	ActionCancel: {
		store.RunPending: store.RunCancelled,
		store.RunRunning: store.RunCancelled,
		store.RunPaused:  store.RunCancelled,
	},
	ActionComplete: {
		store.RunRunning: store.RunCompleted,
	},
	ActionFail: {
		store.RunRunning: store.RunFailed,
	},
	ActionRetry: {
		store.RunFailed: store.RunRunning,
	},
}

var nodeTransitions = map[string]map[store.NodeStatus]store.NodeStatus{
	ActionDispatch: {
		store.NodePending: store.NodeRunning,
	},
	ActionComplete: {
		store.NodeRunning: store.NodeCompleted,
	},
	ActionFail: {
		store.NodeRunning: store.NodeFailed,
	},
	ActionSkip: {
		store.NodePending: store.NodeSkipped,
	},
	ActionCancel: {
		store.NodePending: store.NodeCancelled,
		store.NodeRunning: store.NodeCancelled,
	},
	ActionRetry: {
		store.NodeFailed: store.NodePending,
	},
}

// RunTransition resolves the target status for applying action to a run in
// the given status. Illegal combinations return *errors.InvalidTransitionError.
func RunTransition(runID int64, from store.RunStatus, action string) (store.RunStatus, error) {
	to, ok := runTransitions[action][from]
	if !ok {
		return "", &errors.InvalidTransitionError{
			Entity:   "run",
			ID:       runID,
			Action:   action,
			Expected: expectedRunStatuses(action),
			Actual:   string(from),
		}
	}
	return to, nil
}

// NodeTransition resolves the target status for applying action to a node in
// the given status.
func NodeTransition(nodeID int64, from store.NodeStatus, action string) (store.NodeStatus, error) {
	to, ok := nodeTransitions[action][from]
	if !ok {
		return "", &errors.InvalidTransitionError{
			Entity:   "node",
			ID:       nodeID,
			Action:   action,
			Expected: expectedNodeStatuses(action),
			Actual:   string(from),
		}
	}
	return to, nil
}

func expectedRunStatuses(action string) string {
	statuses := make([]string, 0, len(runTransitions[action]))
	for from := range runTransitions[action] {
		statuses = append(statuses, string(from))
	}
	sort.Strings(statuses)
	return strings.Join(statuses, " or ")
}

func expectedNodeStatuses(action string) string {
	statuses := make([]string, 0, len(nodeTransitions[action]))
	for from := range nodeTransitions[action] {
		statuses = append(statuses, string(from))
	}
	sort.Strings(statuses)
	return strings.Join(statuses, " or ")
}
