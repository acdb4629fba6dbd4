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

package engine

import (
	stderrors "errors"
	"testing"

	"github.com/arborworks/arbor/pkg/errors"
)

func guardCtx() map[string]any {
	return map[string]any{
		"node": map[string]any{"key": "review", "attempt": 2, "status": "completed"},
		"artifact": map[string]any{
			"type":         "report",
			"content_type": "markdown",
			"content":      "LGTM overall",
		},
		"decision": map[string]any{"type": "approved", "rationale": "clean diff"},
	}
}

func TestGuardEvaluate(t *testing.T) {
	e := NewGuardEvaluator()

	cases := []struct {
		guard string
		want  bool
	}{
		{"", true},
		{`decision.type == "approved"`, true},
		{`decision.type == "blocked"`, false},
		{`artifact.type == "report" && node.attempt > 1`, true},
		{`artifact.content contains "LGTM"`, true},
		{`missing == "x"`, false}, // undefined variables resolve to nil
	}

	for _, tc := range cases {
		got, err := e.Evaluate(tc.guard, guardCtx())
		if err != nil {
			t.Errorf("guard %q: unexpected error: %v", tc.guard, err)
			continue
		}
		if got != tc.want {
			t.Errorf("guard %q: got %v, want %v", tc.guard, got, tc.want)
		}
	}
}

func TestGuardEvaluateMissingOutputs(t *testing.T) {
	e := NewGuardEvaluator()
	ctx := map[string]any{
		"node":     map[string]any{"key": "plan", "attempt": 1, "status": "completed"},
		"artifact": map[string]any{},
		"decision": map[string]any{},
	}

	pass, err := e.Evaluate(`decision.type == "approved"`, ctx)
	if err != nil {
		t.Fatalf("guard against absent decision should not error: %v", err)
	}
	if pass {
		t.Error("guard against absent decision should not pass")
	}
}

func TestGuardEvaluateBadSyntax(t *testing.T) {
	e := NewGuardEvaluator()

	_, err := e.Evaluate(`decision.type ==`, guardCtx())
	if err == nil {
		t.Fatal("expected compile error")
	}
	var valErr *errors.ValidationError
	if !stderrors.As(err, &valErr) {
		t.Fatalf("expected ValidationError, got %T: %v", err, err)
	}
	if valErr.Suggestion == "" {
		t.Error("expected a suggestion on guard compile failure")
	}
}

func TestGuardCompileCache(t *testing.T) {
	e := NewGuardEvaluator()

	for range 3 {
		pass, err := e.Evaluate(`decision.type == "approved"`, guardCtx())
		if err != nil || !pass {
			t.Fatalf("cached guard evaluation broke: pass=%v err=%v", pass, err)
		}
	}
	if len(e.cache) != 1 {
		t.Errorf("expected 1 cached program, got %d", len(e.cache))
	}
}
