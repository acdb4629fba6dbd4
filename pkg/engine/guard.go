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
	"fmt"
	"sync"

	"github.com/arborworks/arbor/pkg/errors"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// GuardEvaluator evaluates edge guard expressions against a node's outputs.
// Compiled programs are cached, so repeated routing over the same tree only
// pays compilation once.
type GuardEvaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// NewGuardEvaluator creates a new guard evaluator.
func NewGuardEvaluator() *GuardEvaluator {
	return &GuardEvaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate evaluates a guard against the given context. An empty guard
// always passes.
//
// The context contains the source node's outputs:
//   - artifact: map with type, content_type, content
//   - decision: map with type, rationale
//   - node: map with key, attempt, status
func (e *GuardEvaluator) Evaluate(guard string, ctx map[string]any) (bool, error) {
	if guard == "" {
		return true, nil
	}

	program, err := e.compile(guard)
	if err != nil {
		return false, &errors.ValidationError{
			Field:      "guard",
			Message:    fmt.Sprintf("failed to compile guard: %s", err.Error()),
			Suggestion: "check guard syntax; guards must be boolean expressions",
		}
	}

	result, err := expr.Run(program, ctx)
	if err != nil {
		return false, &errors.ValidationError{
			Field:      "guard",
			Message:    fmt.Sprintf("guard evaluation failed: %s", err.Error()),
			Suggestion: "verify that referenced outputs exist on the source node",
		}
	}

	boolResult, ok := result.(bool)
	if !ok {
		return false, &errors.ValidationError{
			Field:      "guard",
			Message:    fmt.Sprintf("guard must return boolean, got %T (%v)", result, result),
			Suggestion: "use comparison operators or boolean functions",
		}
	}
	return boolResult, nil
}

// compile compiles a guard and caches the result.
func (e *GuardEvaluator) compile(guard string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[guard]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	prog, err := expr.Compile(guard,
		// The context shape varies per node, so leave the environment open.
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[guard] = prog
	e.mu.Unlock()
	return prog, nil
}
