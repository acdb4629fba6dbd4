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

package provider

import (
	"context"
	"sync"
	"time"
)

// Script is the canned behavior a ScriptedProvider plays back for one node
// key.
type Script struct {
	// Events are streamed before the terminal event, in order.
	Events []Event

	// Result is the terminal outcome. Nil means the stream ends without
	// a result event.
	Result *Result

	// Delay is inserted before each event, to exercise timeout and
	// cancellation paths.
	Delay time.Duration

	// Err aborts Run before any event is emitted.
	Err error
}

// ScriptedProvider plays back canned event streams keyed by node key. It
// backs dry runs and tests. Node keys without a script get the default
// script: a single message followed by a completed result with an approved
// decision.
type ScriptedProvider struct {
	name string

	mu       sync.Mutex
	scripts  map[string]Script
	calls    map[string]int
	requests map[string]Request
}

// NewScriptedProvider creates a scripted provider.
func NewScriptedProvider(name string) *ScriptedProvider {
	return &ScriptedProvider{
		name:     name,
		scripts:  make(map[string]Script),
		calls:    make(map[string]int),
		requests: make(map[string]Request),
	}
}

// Name returns the registry name of the provider.
func (p *ScriptedProvider) Name() string {
	return p.name
}

// SetScript installs the script played back for a node key.
func (p *ScriptedProvider) SetScript(nodeKey string, script Script) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts[nodeKey] = script
}

// Calls returns how many attempts ran for a node key.
func (p *ScriptedProvider) Calls(nodeKey string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[nodeKey]
}

// LastRequest returns the most recent request dispatched for a node key.
func (p *ScriptedProvider) LastRequest(nodeKey string) (Request, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	req, ok := p.requests[nodeKey]
	return req, ok
}

// Run plays back the node's script.
func (p *ScriptedProvider) Run(ctx context.Context, req Request) (<-chan Event, error) {
	p.mu.Lock()
	p.calls[req.NodeKey]++
	p.requests[req.NodeKey] = req
	script, ok := p.scripts[req.NodeKey]
	p.mu.Unlock()

	if !ok {
		script = Script{
			Events: []Event{{Type: EventMessage, Content: "ok"}},
			Result: &Result{
				Artifact: &ArtifactResult{Type: "note", ContentType: "text", Content: "done"},
				Decision: &DecisionResult{Type: "approved"},
			},
		}
	}
	if script.Err != nil {
		return nil, script.Err
	}

	events := make(chan Event, len(script.Events)+1)
	go func() {
		defer close(events)

		emit := func(event Event) bool {
			if script.Delay > 0 {
				select {
				case <-time.After(script.Delay):
				case <-ctx.Done():
					return false
				}
			}
			if event.Timestamp.IsZero() {
				event.Timestamp = time.Now()
			}
			select {
			case events <- event:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for _, event := range script.Events {
			if !emit(event) {
				return
			}
		}
		if script.Result != nil {
			emit(Event{Type: EventResult, Result: script.Result})
		}
	}()

	return events, nil
}
