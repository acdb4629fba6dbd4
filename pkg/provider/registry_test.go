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
	stderrors "errors"
	"testing"

	"github.com/arborworks/arbor/pkg/errors"
)

func TestRegistryGet(t *testing.T) {
	registry := NewRegistry()
	scripted := NewScriptedProvider("scripted")
	if err := registry.Register(scripted); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	p, err := registry.Get("scripted")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if p.Name() != "scripted" {
		t.Errorf("expected provider 'scripted', got %q", p.Name())
	}
}

func TestRegistryUnknownProvider(t *testing.T) {
	registry := NewRegistry()
	registry.Register(NewScriptedProvider("alpha"))
	registry.Register(NewScriptedProvider("beta"))

	_, err := registry.Get("gamma")
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
	var unknownErr *errors.UnknownProviderError
	if !stderrors.As(err, &unknownErr) {
		t.Fatalf("expected UnknownProviderError, got %T: %v", err, err)
	}
	if unknownErr.Provider != "gamma" {
		t.Errorf("expected provider 'gamma', got %q", unknownErr.Provider)
	}
	if len(unknownErr.Known) != 2 || unknownErr.Known[0] != "alpha" || unknownErr.Known[1] != "beta" {
		t.Errorf("expected known providers [alpha beta], got %v", unknownErr.Known)
	}
}

func TestRegistryDuplicateRegister(t *testing.T) {
	registry := NewRegistry()
	registry.Register(NewScriptedProvider("scripted"))

	err := registry.Register(NewScriptedProvider("scripted"))
	if !stderrors.Is(err, ErrProviderAlreadyRegistered) {
		t.Errorf("expected ErrProviderAlreadyRegistered, got %v", err)
	}
}

func TestRegistryFreeze(t *testing.T) {
	registry := NewRegistry()
	registry.Register(NewScriptedProvider("scripted"))
	registry.Freeze()

	if err := registry.Register(NewScriptedProvider("late")); !stderrors.Is(err, ErrRegistryFrozen) {
		t.Errorf("expected ErrRegistryFrozen, got %v", err)
	}

	// Registered providers stay reachable after freeze.
	if _, err := registry.Get("scripted"); err != nil {
		t.Errorf("Get after freeze failed: %v", err)
	}
}

func TestScriptedProviderDefaultScript(t *testing.T) {
	p := NewScriptedProvider("scripted")
	events, err := p.Run(context.Background(), Request{NodeKey: "plan", Attempt: 1})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var collected []Event
	for event := range events {
		collected = append(collected, event)
	}
	if len(collected) != 2 {
		t.Fatalf("expected 2 events, got %d", len(collected))
	}
	last := collected[len(collected)-1]
	if last.Type != EventResult || last.Result == nil {
		t.Fatalf("expected terminal result event, got %+v", last)
	}
	if last.Result.Decision.Type != "approved" {
		t.Errorf("expected approved decision, got %q", last.Result.Decision.Type)
	}
	if p.Calls("plan") != 1 {
		t.Errorf("expected 1 call, got %d", p.Calls("plan"))
	}
}

func TestScriptedProviderMissingResult(t *testing.T) {
	p := NewScriptedProvider("scripted")
	p.SetScript("plan", Script{
		Events: []Event{{Type: EventMessage, Content: "working"}},
		Result: nil,
	})

	events, err := p.Run(context.Background(), Request{NodeKey: "plan", Attempt: 1})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var sawResult bool
	for event := range events {
		if event.Type == EventResult {
			sawResult = true
		}
	}
	if sawResult {
		t.Error("expected stream to end without a result event")
	}
}
