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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CommandProvider runs an agent CLI as a subprocess. The CLI receives the
// prompt on stdin and writes newline-delimited JSON events to stdout; lines
// that do not parse as events are forwarded verbatim as message events.
//
// The subprocess is expected to emit a terminal {"type":"result",...} line
// before exiting. A stream that ends without one is surfaced as-is; the
// caller decides what a missing result means for the attempt.
type CommandProvider struct {
	name    string
	command string
	args    []string
}

// NewCommandProvider creates a provider that shells out to command with the
// given base arguments.
func NewCommandProvider(name, command string, args ...string) *CommandProvider {
	return &CommandProvider{name: name, command: command, args: args}
}

// Name returns the registry name of the provider.
func (p *CommandProvider) Name() string {
	return p.name
}

// Run starts the CLI for one node attempt and streams its output.
func (p *CommandProvider) Run(ctx context.Context, req Request) (<-chan Event, error) {
	cancel := context.CancelFunc(func() {})
	if req.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
	}

	cmd := exec.CommandContext(ctx, p.command, p.args...)
	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	}
	cmd.Stdin = strings.NewReader(req.Prompt)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start %s: %w", p.command, err)
	}

	events := make(chan Event, 16)
	go func() {
		defer cancel()
		defer close(events)
		defer cmd.Wait()

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}

			var event Event
			if err := json.Unmarshal(line, &event); err != nil || event.Type == "" {
				event = Event{Type: EventMessage, Content: string(line)}
			}
			if event.Timestamp.IsZero() {
				event.Timestamp = time.Now()
			}

			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, nil
}
