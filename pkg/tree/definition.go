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

// Package tree provides workflow tree definitions.
//
// Tree definitions follow a concise YAML format: a named, versioned set of
// nodes plus guarded edges between them. Published trees are immutable; a
// change to a definition is published as a new version under the same key.
package tree

import (
	"fmt"

	"github.com/arborworks/arbor/internal/store"
	"github.com/arborworks/arbor/pkg/errors"
	"github.com/expr-lang/expr"
	"gopkg.in/yaml.v3"
)

// Definition represents a YAML-based workflow tree definition.
//
// The Version field is optional and defaults to 1, which allows minimal
// definitions that only carry a key and a nodes array.
type Definition struct {
	// Key is the stable tree identifier shared across versions
	Key string `yaml:"key" json:"key"`

	// Name is a human-readable tree name (optional)
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Description provides human-readable context about the tree
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Version is the published version number (optional, defaults to 1)
	Version int `yaml:"version,omitempty" json:"version,omitempty"`

	// Nodes are the executable units of the tree
	Nodes []NodeDefinition `yaml:"nodes" json:"nodes"`

	// Edges are the guarded routes between nodes
	Edges []EdgeDefinition `yaml:"edges,omitempty" json:"edges,omitempty"`
}

// NodeDefinition represents a single node in a tree.
type NodeDefinition struct {
	// Key is the unique node identifier within this tree
	Key string `yaml:"key" json:"key"`

	// Type specifies the node kind: agent, human, or tool (defaults to agent)
	Type store.NodeType `yaml:"type,omitempty" json:"type,omitempty"`

	// Role marks fan-out participants: standard, spawner, or join
	// (defaults to standard)
	Role store.NodeRole `yaml:"role,omitempty" json:"role,omitempty"`

	// Provider names the agent provider that executes this node
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty"`

	// Prompt is the instruction text handed to the provider
	Prompt string `yaml:"prompt,omitempty" json:"prompt,omitempty"`

	// JoinFor names the join node paired with this spawner
	JoinFor string `yaml:"join_for,omitempty" json:"join_for,omitempty"`

	// MaxRetries is the number of automatic in-place retries after a
	// failed attempt (defaults to 0)
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
}

// EdgeDefinition represents a guarded, prioritized route between two nodes.
// Edges from the same node are evaluated in ascending priority order; the
// first edge whose guard passes wins.
type EdgeDefinition struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`

	// Guard is a boolean expression over the source node's outputs.
	// Empty means the edge always matches.
	Guard string `yaml:"guard,omitempty" json:"guard,omitempty"`

	Priority int `yaml:"priority,omitempty" json:"priority,omitempty"`
}

// ParseDefinition parses a YAML tree definition, applies defaults, and
// validates it.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse tree definition: %w", err)
	}

	def.ApplyDefaults()

	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tree definition: %w", err)
	}

	return &def, nil
}

// ApplyDefaults applies default values to tree and node fields.
func (d *Definition) ApplyDefaults() {
	if d.Version == 0 {
		d.Version = 1
	}
	for i := range d.Nodes {
		node := &d.Nodes[i]
		if node.Type == "" {
			node.Type = store.NodeTypeAgent
		}
		if node.Role == "" {
			node.Role = store.RoleStandard
		}
	}
}

// Validate checks the definition for structural errors: duplicate or missing
// node keys, dangling edge endpoints, broken spawner/join pairing, and guard
// expressions that do not compile.
func (d *Definition) Validate() error {
	if d.Key == "" {
		return &errors.ValidationError{
			Field:      "key",
			Message:    "tree key is required",
			Suggestion: "add a stable identifier for the tree",
		}
	}
	if d.Version < 1 {
		return &errors.ValidationError{
			Field:      "version",
			Message:    fmt.Sprintf("version must be positive, got %d", d.Version),
			Suggestion: "omit the version to default to 1",
		}
	}
	if len(d.Nodes) == 0 {
		return &errors.ValidationError{
			Field:      "nodes",
			Message:    "tree must have at least one node",
			Suggestion: "add at least one node to the tree definition",
		}
	}

	nodeKeys := make(map[string]*NodeDefinition)
	for i := range d.Nodes {
		node := &d.Nodes[i]
		if node.Key == "" {
			return &errors.ValidationError{
				Field:      "key",
				Message:    "node key is required",
				Suggestion: "add a 'key' field to each node",
			}
		}
		if _, exists := nodeKeys[node.Key]; exists {
			return &errors.ValidationError{
				Field:      "key",
				Message:    fmt.Sprintf("duplicate node key: %s", node.Key),
				Suggestion: "ensure each node has a unique key",
			}
		}
		nodeKeys[node.Key] = node

		if err := node.Validate(); err != nil {
			return fmt.Errorf("invalid node %s: %w", node.Key, err)
		}
	}

	// Spawner/join pairing: every spawner names an existing join node, and
	// no join serves two spawners.
	joinOwners := make(map[string]string)
	for i := range d.Nodes {
		node := &d.Nodes[i]
		if node.Role != store.RoleSpawner {
			continue
		}
		target, exists := nodeKeys[node.JoinFor]
		if !exists {
			return &errors.ValidationError{
				Field:      "join_for",
				Message:    fmt.Sprintf("spawner %s references unknown join node: %s", node.Key, node.JoinFor),
				Suggestion: "add the join node or fix the reference",
			}
		}
		if target.Role != store.RoleJoin {
			return &errors.ValidationError{
				Field:      "join_for",
				Message:    fmt.Sprintf("spawner %s references node %s which is not a join", node.Key, node.JoinFor),
				Suggestion: "set 'role: join' on the paired node",
			}
		}
		if owner, claimed := joinOwners[node.JoinFor]; claimed {
			return &errors.ValidationError{
				Field:      "join_for",
				Message:    fmt.Sprintf("join node %s is claimed by both %s and %s", node.JoinFor, owner, node.Key),
				Suggestion: "give each spawner its own join node",
			}
		}
		joinOwners[node.JoinFor] = node.Key
	}
	for i := range d.Nodes {
		node := &d.Nodes[i]
		if node.Role == store.RoleJoin {
			if _, claimed := joinOwners[node.Key]; !claimed {
				return &errors.ValidationError{
					Field:      "role",
					Message:    fmt.Sprintf("join node %s has no spawner", node.Key),
					Suggestion: "point a spawner's join_for at this node",
				}
			}
		}
	}

	for _, edge := range d.Edges {
		if _, exists := nodeKeys[edge.From]; !exists {
			return &errors.ValidationError{
				Field:      "from",
				Message:    fmt.Sprintf("edge references unknown node: %s", edge.From),
				Suggestion: "ensure edge endpoints name defined nodes",
			}
		}
		if _, exists := nodeKeys[edge.To]; !exists {
			return &errors.ValidationError{
				Field:      "to",
				Message:    fmt.Sprintf("edge references unknown node: %s", edge.To),
				Suggestion: "ensure edge endpoints name defined nodes",
			}
		}
		if edge.Guard != "" {
			if _, err := expr.Compile(edge.Guard, expr.AllowUndefinedVariables(), expr.AsBool()); err != nil {
				return &errors.ValidationError{
					Field:      "guard",
					Message:    fmt.Sprintf("edge %s->%s has an invalid guard: %v", edge.From, edge.To, err),
					Suggestion: "guards must be boolean expressions",
				}
			}
		}
	}

	return nil
}

// Validate checks a single node definition.
func (n *NodeDefinition) Validate() error {
	switch n.Type {
	case store.NodeTypeAgent, store.NodeTypeHuman, store.NodeTypeTool:
	default:
		return &errors.ValidationError{
			Field:      "type",
			Message:    fmt.Sprintf("unknown node type: %s", n.Type),
			Suggestion: "use one of: agent, human, tool",
		}
	}
	switch n.Role {
	case store.RoleStandard, store.RoleSpawner, store.RoleJoin:
	default:
		return &errors.ValidationError{
			Field:      "role",
			Message:    fmt.Sprintf("unknown node role: %s", n.Role),
			Suggestion: "use one of: standard, spawner, join",
		}
	}
	if n.Type == store.NodeTypeAgent && n.Provider == "" {
		return &errors.ValidationError{
			Field:      "provider",
			Message:    "agent nodes require a provider",
			Suggestion: "set the provider that executes this node",
		}
	}
	if n.Role != store.RoleSpawner && n.JoinFor != "" {
		return &errors.ValidationError{
			Field:      "join_for",
			Message:    "join_for is only valid on spawner nodes",
			Suggestion: "set 'role: spawner' or remove join_for",
		}
	}
	if n.MaxRetries < 0 {
		return &errors.ValidationError{
			Field:      "max_retries",
			Message:    fmt.Sprintf("max_retries must be non-negative, got %d", n.MaxRetries),
			Suggestion: "use 0 to disable automatic retries",
		}
	}
	return nil
}

// Records converts the definition into its storage representation. Node
// sequence indexes follow definition order.
func (d *Definition) Records() (*store.Tree, []*store.TreeNode, []*store.TreeEdge) {
	tree := &store.Tree{
		TreeKey:     d.Key,
		Version:     d.Version,
		Name:        d.Name,
		Description: d.Description,
	}

	nodes := make([]*store.TreeNode, 0, len(d.Nodes))
	for i, node := range d.Nodes {
		nodes = append(nodes, &store.TreeNode{
			NodeKey:       node.Key,
			NodeType:      node.Type,
			NodeRole:      node.Role,
			Provider:      node.Provider,
			Prompt:        node.Prompt,
			JoinForKey:    node.JoinFor,
			MaxRetries:    node.MaxRetries,
			SequenceIndex: i,
		})
	}

	edges := make([]*store.TreeEdge, 0, len(d.Edges))
	for _, edge := range d.Edges {
		edges = append(edges, &store.TreeEdge{
			FromNodeKey: edge.From,
			ToNodeKey:   edge.To,
			Guard:       edge.Guard,
			Priority:    edge.Priority,
		})
	}
	return tree, nodes, edges
}
