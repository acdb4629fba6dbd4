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
	"runtime"
	"testing"
	"time"
)

func collectEvents(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var collected []Event
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return collected
			}
			collected = append(collected, event)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for provider events")
		}
	}
}

func TestCommandProviderParsesEventLines(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	script := `echo '{"type":"message","content":"thinking"}'
echo '{"type":"result","result":{"decision":{"type":"approved"}}}'`
	p := NewCommandProvider("fake", "sh", "-c", script)

	events, err := p.Run(context.Background(), Request{NodeKey: "plan", Attempt: 1, Prompt: "go"})
	if err != nil {
		t.Fatalf("failed to run provider: %v", err)
	}

	collected := collectEvents(t, events)
	if len(collected) != 2 {
		t.Fatalf("expected 2 events, got %d", len(collected))
	}
	if collected[0].Type != EventMessage || collected[0].Content != "thinking" {
		t.Errorf("unexpected first event: %+v", collected[0])
	}
	if collected[0].Timestamp.IsZero() {
		t.Error("expected timestamp filled in")
	}

	last := collected[1]
	if last.Type != EventResult {
		t.Fatalf("expected terminal result event, got %s", last.Type)
	}
	if last.Result == nil || last.Result.Decision == nil || last.Result.Decision.Type != "approved" {
		t.Errorf("unexpected result payload: %+v", last.Result)
	}
}

func TestCommandProviderWrapsPlainOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	p := NewCommandProvider("fake", "sh", "-c", `printf 'plain line\n\nnot json either\n'`)
	events, err := p.Run(context.Background(), Request{NodeKey: "plan", Attempt: 1})
	if err != nil {
		t.Fatalf("failed to run provider: %v", err)
	}

	collected := collectEvents(t, events)
	if len(collected) != 2 {
		t.Fatalf("expected blank lines skipped and 2 message events, got %d", len(collected))
	}
	for _, event := range collected {
		if event.Type != EventMessage {
			t.Errorf("expected message event, got %s", event.Type)
		}
	}
	if collected[0].Content != "plain line" {
		t.Errorf("unexpected content: %q", collected[0].Content)
	}
}

func TestCommandProviderReadsPromptFromStdin(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	p := NewCommandProvider("fake", "sh", "-c", "cat")
	events, err := p.Run(context.Background(), Request{NodeKey: "plan", Attempt: 1, Prompt: "build the thing"})
	if err != nil {
		t.Fatalf("failed to run provider: %v", err)
	}

	collected := collectEvents(t, events)
	if len(collected) != 1 || collected[0].Content != "build the thing" {
		t.Fatalf("expected prompt echoed back, got %+v", collected)
	}
}

func TestCommandProviderMissingBinary(t *testing.T) {
	p := NewCommandProvider("fake", "definitely-not-a-real-binary-xyz")
	_, err := p.Run(context.Background(), Request{NodeKey: "plan", Attempt: 1})
	if err == nil {
		t.Fatal("expected start failure for missing binary")
	}
}

func TestCommandProviderTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	p := NewCommandProvider("fake", "sh", "-c", "sleep 10")
	events, err := p.Run(context.Background(), Request{NodeKey: "plan", Attempt: 1, Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("failed to run provider: %v", err)
	}

	// The stream closes without a result once the deadline kills the process.
	collected := collectEvents(t, events)
	for _, event := range collected {
		if event.Type == EventResult {
			t.Error("expected no result event from a timed-out attempt")
		}
	}
}
