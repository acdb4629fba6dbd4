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
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/arborworks/arbor/internal/log"
	"github.com/arborworks/arbor/internal/store"
	"github.com/arborworks/arbor/pkg/errors"
	"github.com/arborworks/arbor/pkg/provider"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// EventSink receives executor output for persistence and live fan-out.
// Publish failures are logged by the executor and never fail the node.
type EventSink interface {
	// Publish appends one provider event to the (node, attempt) stream.
	Publish(ctx context.Context, runID, nodeID int64, attempt int, event provider.Event) error

	// EndAttempt marks the (node, attempt) stream ended with the node's
	// terminal status.
	EndAttempt(ctx context.Context, nodeID int64, attempt int, status store.NodeStatus) error
}

// WorktreeManager provisions per-run working directories.
type WorktreeManager interface {
	Provision(ctx context.Context, run *store.Run) (*store.Worktree, error)
	Cleanup(ctx context.Context, worktree *store.Worktree) error
}

// Config contains executor tuning parameters.
type Config struct {
	// MaxConcurrentNodes bounds parallel node dispatch within one
	// eligibility round.
	MaxConcurrentNodes int

	// NodeTimeout bounds one node attempt; zero disables the deadline.
	NodeTimeout time.Duration

	// DispatchRate throttles dispatches per second; zero means unlimited.
	DispatchRate float64

	// Diagnostics bounds captured attempt diagnostics.
	Diagnostics DiagnosticsConfig
}

// DefaultConfig returns the executor defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentNodes: 4,
		NodeTimeout:        30 * time.Minute,
		Diagnostics:        DefaultDiagnosticsConfig(),
	}
}

// ExecuteOptions selects how much of a run one ExecuteRun call drives.
type ExecuteOptions struct {
	// Scope is full or single_node (defaults to full).
	Scope LaunchScope

	// NodeKey names the node to execute when Scope is single_node; empty
	// picks the next runnable node.
	NodeKey string

	// CleanupWorktree removes the provisioned worktree when the loop
	// exits.
	CleanupWorktree bool
}

// ExecutionResult reports the terminal state of one ExecuteRun call.
type ExecutionResult struct {
	RunStatus     store.RunStatus `json:"run_status"`
	Outcome       string          `json:"outcome"`
	ExecutedNodes int             `json:"executed_nodes"`
}

// Executor drives runs to completion. Control flow is single-threaded per
// run: one coordinator computes eligibility and applies run-level
// transitions, while node dispatch within an eligibility round is
// concurrent. Shared aggregates only move through the store's conditional
// writes, so racing control actions surface as InvalidTransition instead of
// lost updates.
type Executor struct {
	store       store.Store
	registry    *provider.Registry
	guards      *GuardEvaluator
	diagnostics *DiagnosticsBuilder
	sink        EventSink
	worktrees   WorktreeManager
	limiter     *rate.Limiter
	tracer      trace.Tracer
	logger      *slog.Logger
	cfg         Config
}

// NewExecutor creates an executor. The provider registry is frozen here:
// the provider set is fixed before the first run launches. worktrees may be
// nil for daemons that never bind runs to repositories.
func NewExecutor(cfg Config, st store.Store, registry *provider.Registry, sink EventSink, worktrees WorktreeManager, logger *slog.Logger) *Executor {
	registry.Freeze()

	var limiter *rate.Limiter
	if cfg.DispatchRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRate), 1)
	}
	if cfg.MaxConcurrentNodes <= 0 {
		cfg.MaxConcurrentNodes = DefaultConfig().MaxConcurrentNodes
	}

	return &Executor{
		store:       st,
		registry:    registry,
		guards:      NewGuardEvaluator(),
		diagnostics: NewDiagnosticsBuilder(cfg.Diagnostics),
		sink:        sink,
		worktrees:   worktrees,
		limiter:     limiter,
		tracer:      otel.Tracer("arbor/engine"),
		logger:      log.WithComponent(logger, "executor"),
		cfg:         cfg,
	}
}

// ExecuteRun drives one run until it reaches a terminal status, pauses, or
// (in single-node scope) finishes its one node. Exactly one loop may be
// active per run; callers enforce that with a run registry.
func (e *Executor) ExecuteRun(ctx context.Context, runID int64, opts ExecuteOptions) (*ExecutionResult, error) {
	ctx, span := e.tracer.Start(ctx, "executor.ExecuteRun",
		trace.WithAttributes(attribute.Int64("run.id", runID)))
	defer span.End()

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	logger := log.WithRunContext(e.logger, run.ID, run.TreeKey)

	switch run.Status {
	case store.RunPending:
		if err := e.store.UpdateRunStatus(ctx, run.ID, store.RunPending, store.RunRunning, ActionStart); err != nil {
			if !errors.IsConflict(err) {
				return nil, err
			}
			// A racing control action moved the run first; the loop
			// below observes whatever it became.
		}
		recordRunLaunched(run.TreeKey)
	case store.RunRunning:
		// Resumed or re-entered loop.
	default:
		return &ExecutionResult{RunStatus: run.Status, Outcome: string(run.Status)}, nil
	}

	edges, err := e.store.ListTreeEdges(ctx, run.TreeID)
	if err != nil {
		return nil, err
	}

	var workDir string
	if e.worktrees != nil && run.RepositoryName != "" {
		worktree, err := e.worktrees.Provision(ctx, run)
		if err != nil {
			// Setup failed before any node started: the run never truly
			// started, so it is cancelled rather than failed.
			logger.Error("worktree provisioning failed", log.Error(err))
			e.recordSetupFailure(run, err)
			return &ExecutionResult{RunStatus: store.RunCancelled, Outcome: "cancelled"}, err
		}
		workDir = worktree.Path
		if opts.CleanupWorktree {
			defer e.cleanupWorktree(logger, worktree)
		}
	}

	executed := 0
	result, err := e.runLoop(ctx, run, edges, workDir, opts, &executed)
	if err != nil {
		// Structural failure: the loop itself broke, independent of any
		// node outcome. The run fails even with zero failed nodes.
		logger.Error("run loop failed", log.Error(err))
		if serr := e.store.SetRunError(context.WithoutCancel(ctx), run.ID, err.Error()); serr != nil {
			logger.Warn("failed to record run error", log.Error(serr))
		}
		if terr := e.store.UpdateRunStatus(context.WithoutCancel(ctx), run.ID, store.RunRunning, store.RunFailed, ActionFail); terr != nil {
			if !errors.IsConflict(terr) {
				logger.Warn("failed to mark run failed", log.Error(terr))
			}
		} else {
			recordRunTerminal(run.TreeKey, string(store.RunFailed))
		}
		return &ExecutionResult{RunStatus: store.RunFailed, Outcome: "failed", ExecutedNodes: executed}, err
	}

	logger.Info("run loop finished",
		"run_status", string(result.RunStatus),
		"outcome", result.Outcome,
		"executed_nodes", result.ExecutedNodes)
	return result, nil
}

// recordSetupFailure cancels a run whose setup broke before any node ran.
func (e *Executor) recordSetupFailure(run *store.Run, err error) {
	ctx := context.Background()
	if serr := e.store.SetRunError(ctx, run.ID, err.Error()); serr != nil {
		e.logger.Warn("failed to record setup error", log.RunIDKey, run.ID, log.Error(serr))
	}
	if terr := e.store.UpdateRunStatus(ctx, run.ID, store.RunRunning, store.RunCancelled, ActionCancel); terr != nil && !errors.IsConflict(terr) {
		e.logger.Warn("failed to cancel run after setup failure", log.RunIDKey, run.ID, log.Error(terr))
	}
	recordRunTerminal(run.TreeKey, string(store.RunCancelled))
}

// cleanupWorktree removes a worktree on loop exit. Cleanup failures are
// logged, never escalated, and never override the primary outcome.
func (e *Executor) cleanupWorktree(logger *slog.Logger, worktree *store.Worktree) {
	if err := e.worktrees.Cleanup(context.Background(), worktree); err != nil {
		logger.Warn("worktree cleanup failed", "worktree_path", worktree.Path, log.Error(err))
	}
}

// eligibilityRound is one scheduling decision: which pending nodes dispatch,
// which ready joins complete, and which nodes can never run and are skipped.
type eligibilityRound struct {
	dispatch []*store.RunNode
	joins    []*store.RunNode
	skip     []*store.RunNode
}

func (e *Executor) runLoop(ctx context.Context, run *store.Run, edges []*store.TreeEdge, workDir string, opts ExecuteOptions, executed *int) (*ExecutionResult, error) {
	logger := log.WithRunContext(e.logger, run.ID, run.TreeKey)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Control actions race the loop; observe them before dispatching.
		current, err := e.store.GetRun(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		switch current.Status {
		case store.RunCancelled:
			e.cancelPendingNodes(ctx, run.ID)
			recordRunTerminal(run.TreeKey, string(store.RunCancelled))
			return &ExecutionResult{RunStatus: store.RunCancelled, Outcome: "cancelled", ExecutedNodes: *executed}, nil
		case store.RunPaused:
			logger.Info("run paused, parking loop")
			return &ExecutionResult{RunStatus: store.RunPaused, Outcome: "paused", ExecutedNodes: *executed}, nil
		case store.RunCompleted, store.RunFailed:
			return &ExecutionResult{RunStatus: current.Status, Outcome: string(current.Status), ExecutedNodes: *executed}, nil
		}

		nodes, err := e.store.ListRunNodes(ctx, run.ID)
		if err != nil {
			return nil, err
		}

		round, err := e.computeRound(ctx, nodes, edges)
		if err != nil {
			return nil, err
		}

		for _, node := range round.skip {
			if err := e.store.UpdateNodeStatus(ctx, node.ID, store.NodePending, store.NodeSkipped, ActionSkip); err != nil && !errors.IsConflict(err) {
				return nil, err
			}
		}

		if opts.Scope == ScopeSingleNode {
			return e.runSingleNode(ctx, run, round, workDir, opts, executed)
		}

		for _, join := range round.joins {
			if err := e.completeJoin(ctx, run, join); err != nil {
				return nil, err
			}
			*executed++
		}

		if len(round.dispatch) == 0 {
			if len(round.joins) > 0 || len(round.skip) > 0 {
				continue // progress was made, recompute eligibility
			}
			return e.finishRun(ctx, run, nodes, *executed)
		}

		var terminal atomic.Int64
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.cfg.MaxConcurrentNodes)
		for _, node := range round.dispatch {
			g.Go(func() error {
				done, err := e.executeNode(gctx, run, node, workDir)
				if done {
					terminal.Add(1)
				}
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		*executed += int(terminal.Load())
	}
}

// runSingleNode executes at most one node and parks the run in a
// terminal-but-incomplete completed state, leaving the rest pending.
func (e *Executor) runSingleNode(ctx context.Context, run *store.Run, round *eligibilityRound, workDir string, opts ExecuteOptions, executed *int) (*ExecutionResult, error) {
	if len(round.joins) > 0 {
		if err := e.completeJoin(ctx, run, round.joins[0]); err != nil {
			return nil, err
		}
		*executed++
		return e.finishPartial(ctx, run, *executed)
	}

	var target *store.RunNode
	for _, node := range round.dispatch {
		if opts.NodeKey == "" || node.NodeKey == opts.NodeKey {
			target = node
			break
		}
	}
	if target == nil {
		return e.finishPartial(ctx, run, *executed)
	}

	// The one node runs to a true terminal status, retries included.
	for {
		done, err := e.executeNode(ctx, run, target, workDir)
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
		refreshed, err := e.store.GetRunNode(ctx, target.ID)
		if err != nil {
			return nil, err
		}
		target = refreshed
	}
	*executed++
	return e.finishPartial(ctx, run, *executed)
}

func (e *Executor) finishPartial(ctx context.Context, run *store.Run, executed int) (*ExecutionResult, error) {
	if err := e.store.UpdateRunStatus(ctx, run.ID, store.RunRunning, store.RunCompleted, ActionComplete); err != nil {
		if !errors.IsConflict(err) {
			return nil, err
		}
		current, gerr := e.store.GetRun(ctx, run.ID)
		if gerr != nil {
			return nil, gerr
		}
		return &ExecutionResult{RunStatus: current.Status, Outcome: string(current.Status), ExecutedNodes: executed}, nil
	}
	recordRunTerminal(run.TreeKey, string(store.RunCompleted))
	return &ExecutionResult{RunStatus: store.RunCompleted, Outcome: "partial", ExecutedNodes: executed}, nil
}

// finishRun classifies a run with no dispatchable work left. Unreachable
// pending nodes are skipped; the run fails only if a node failed.
func (e *Executor) finishRun(ctx context.Context, run *store.Run, nodes []*store.RunNode, executed int) (*ExecutionResult, error) {
	failed := false
	for _, node := range nodes {
		switch node.Status {
		case store.NodePending:
			if err := e.store.UpdateNodeStatus(ctx, node.ID, store.NodePending, store.NodeSkipped, ActionSkip); err != nil && !errors.IsConflict(err) {
				return nil, err
			}
		case store.NodeFailed:
			failed = true
		}
	}

	to := store.RunCompleted
	action := ActionComplete
	if failed {
		to = store.RunFailed
		action = ActionFail
	}
	if err := e.store.UpdateRunStatus(ctx, run.ID, store.RunRunning, to, action); err != nil {
		if !errors.IsConflict(err) {
			return nil, err
		}
		current, gerr := e.store.GetRun(ctx, run.ID)
		if gerr != nil {
			return nil, gerr
		}
		return &ExecutionResult{RunStatus: current.Status, Outcome: string(current.Status), ExecutedNodes: executed}, nil
	}
	recordRunTerminal(run.TreeKey, string(to))
	return &ExecutionResult{RunStatus: to, Outcome: string(to), ExecutedNodes: executed}, nil
}

// computeRound decides what each pending node does this round.
//
// Standard and spawner nodes with no inbound edges (entry nodes, fan-out
// children) are eligible immediately. A node with inbound edges waits until
// every source is terminal, then dispatches if any edge from a completed
// source passes its guard and is skipped otherwise. Join nodes wait for
// their fan-out group instead of edges.
func (e *Executor) computeRound(ctx context.Context, nodes []*store.RunNode, edges []*store.TreeEdge) (*eligibilityRound, error) {
	topLevel := make(map[string]*store.RunNode)
	for _, node := range nodes {
		if !node.Linked() {
			topLevel[node.NodeKey] = node
		}
	}

	round := &eligibilityRound{}
	for _, node := range nodes {
		if node.Status != store.NodePending {
			continue
		}

		if node.NodeRole == store.RoleJoin {
			decision, err := e.joinDecision(ctx, node, topLevel)
			if err != nil {
				return nil, err
			}
			switch decision {
			case joinReady:
				round.joins = append(round.joins, node)
			case joinUnreachable:
				round.skip = append(round.skip, node)
			}
			continue
		}

		inbound := inboundEdges(edges, node.NodeKey)
		if len(inbound) == 0 {
			round.dispatch = append(round.dispatch, node)
			continue
		}

		blocked := false
		for _, edge := range inbound {
			source, ok := topLevel[edge.FromNodeKey]
			if !ok || !source.Status.Terminal() {
				blocked = true
				break
			}
		}
		if blocked {
			continue
		}

		routed := false
		for _, edge := range inbound {
			source := topLevel[edge.FromNodeKey]
			if source.Status != store.NodeCompleted {
				continue
			}
			guardCtx, err := e.guardContext(ctx, source)
			if err != nil {
				return nil, err
			}
			pass, err := e.guards.Evaluate(edge.Guard, guardCtx)
			if err != nil {
				return nil, err
			}
			if pass {
				routed = true
				break
			}
		}
		if routed {
			round.dispatch = append(round.dispatch, node)
		} else {
			round.skip = append(round.skip, node)
		}
	}
	return round, nil
}

type joinState int

const (
	joinWaiting joinState = iota
	joinReady
	joinUnreachable
)

// joinDecision resolves a pending join node against its fan-out group. No
// group yet means the spawner has not completed; a spawner that terminated
// without completing makes the join unreachable.
func (e *Executor) joinDecision(ctx context.Context, join *store.RunNode, topLevel map[string]*store.RunNode) (joinState, error) {
	group, err := e.store.GetFanOutGroupForJoin(ctx, join.ID)
	if err != nil {
		if !errors.IsNotFound(err) {
			return joinWaiting, err
		}
		for _, candidate := range topLevel {
			if candidate.NodeRole == store.RoleSpawner && candidate.JoinForKey == join.NodeKey {
				if candidate.Status.Terminal() && candidate.Status != store.NodeCompleted {
					return joinUnreachable, nil
				}
				return joinWaiting, nil
			}
		}
		return joinUnreachable, nil
	}
	if group.Status == store.GroupComplete {
		return joinReady, nil
	}
	return joinWaiting, nil
}

func inboundEdges(edges []*store.TreeEdge, nodeKey string) []*store.TreeEdge {
	var inbound []*store.TreeEdge
	for _, edge := range edges {
		if edge.ToNodeKey == nodeKey {
			inbound = append(inbound, edge)
		}
	}
	return inbound
}

// guardContext builds the evaluation context for guards on edges leaving a
// node: the node's latest artifact, latest routing decision, and identity.
// Absent outputs are empty maps so a guard referencing them evaluates false
// instead of erroring.
func (e *Executor) guardContext(ctx context.Context, node *store.RunNode) (map[string]any, error) {
	guardCtx := map[string]any{
		"node": map[string]any{
			"key":     node.NodeKey,
			"attempt": node.Attempt,
			"status":  string(node.Status),
		},
		"artifact": map[string]any{},
		"decision": map[string]any{},
	}

	artifact, err := e.store.GetLatestArtifact(ctx, node.ID)
	if err == nil {
		guardCtx["artifact"] = map[string]any{
			"type":         string(artifact.ArtifactType),
			"content_type": string(artifact.ContentType),
			"content":      artifact.ContentPreview,
		}
	} else if !errors.IsNotFound(err) {
		return nil, err
	}

	decision, err := e.store.GetLatestRoutingDecision(ctx, node.ID)
	if err == nil {
		guardCtx["decision"] = map[string]any{
			"type":      string(decision.DecisionType),
			"rationale": decision.Rationale,
		}
	} else if !errors.IsNotFound(err) {
		return nil, err
	}

	return guardCtx, nil
}

// cancelPendingNodes marks every still-pending node cancelled once the run
// is. In-flight nodes are left alone; they exit on their own.
func (e *Executor) cancelPendingNodes(ctx context.Context, runID int64) {
	nodes, err := e.store.ListRunNodes(ctx, runID)
	if err != nil {
		e.logger.Warn("failed to list nodes for cancellation", log.RunIDKey, runID, log.Error(err))
		return
	}
	for _, node := range nodes {
		if node.Status != store.NodePending {
			continue
		}
		if err := e.store.UpdateNodeStatus(ctx, node.ID, store.NodePending, store.NodeCancelled, ActionCancel); err != nil && !errors.IsConflict(err) {
			e.logger.Warn("failed to cancel node", log.NodeIDKey, node.ID, log.Error(err))
		}
	}
}

// executeNode runs one node attempt end to end. It reports whether the node
// reached a true terminal status; a retried-in-place node reports false and
// becomes eligible again next round. Only structural errors (storage,
// context) are returned; provider failures become node state.
func (e *Executor) executeNode(ctx context.Context, run *store.Run, node *store.RunNode, workDir string) (bool, error) {
	ctx, span := e.tracer.Start(ctx, "executor.executeNode", trace.WithAttributes(
		attribute.Int64("node.id", node.ID),
		attribute.String("node.key", node.NodeKey),
		attribute.Int("node.attempt", node.Attempt),
	))
	defer span.End()

	logger := log.WithNodeContext(e.logger, run.ID, node.ID, node.NodeKey)

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return false, err
		}
	}

	if err := e.store.UpdateNodeStatus(ctx, node.ID, store.NodePending, store.NodeRunning, ActionDispatch); err != nil {
		if errors.IsConflict(err) {
			return false, nil // a racing writer got there first
		}
		return false, err
	}
	recordDispatch(node.Provider)
	start := time.Now()
	logger.Info("node dispatched", log.AttemptKey, node.Attempt, log.ProviderKey, node.Provider)

	// Providerless nodes (human gates, placeholder tools) pass through.
	if node.Provider == "" {
		if err := e.store.UpdateNodeStatus(ctx, node.ID, store.NodeRunning, store.NodeCompleted, ActionComplete); err != nil {
			return false, err
		}
		recordAttemptTerminal("none", string(store.NodeCompleted), time.Since(start))
		return true, nil
	}

	events, result, runErr := e.streamAttempt(ctx, run, node, workDir, logger)
	if runErr == nil && result == nil {
		runErr = &errors.NodeFailureError{
			NodeKey: node.NodeKey,
			Attempt: node.Attempt,
			Kind:    errors.FailureResultMissing,
		}
	}

	var artifactID int64
	if runErr == nil {
		artifactID, runErr = e.persistOutputs(ctx, node, result)
	}
	if runErr == nil && node.NodeRole == store.RoleSpawner {
		if spawnErr := e.spawnChildren(ctx, run, node, result, artifactID); spawnErr != nil {
			runErr = &errors.NodeFailureError{
				NodeKey: node.NodeKey,
				Attempt: node.Attempt,
				Kind:    errors.FailureUnknown,
				Cause:   spawnErr,
			}
		}
	}

	if runErr != nil {
		return e.failAttempt(ctx, run, node, events, runErr, start, logger)
	}
	return e.completeAttempt(ctx, node, events, start, logger)
}

// streamAttempt invokes the provider and drains its event stream, forwarding
// every event to the sink. Streaming transport errors are logged and do not
// terminate the attempt.
func (e *Executor) streamAttempt(ctx context.Context, run *store.Run, node *store.RunNode, workDir string, logger *slog.Logger) ([]provider.Event, *provider.Result, error) {
	p, err := e.registry.Get(node.Provider)
	if err != nil {
		return nil, nil, err
	}

	attemptCtx := ctx
	cancel := context.CancelFunc(func() {})
	if e.cfg.NodeTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, e.cfg.NodeTimeout)
	}
	defer cancel()

	stream, err := p.Run(attemptCtx, provider.Request{
		RunID:   run.ID,
		NodeID:  node.ID,
		NodeKey: node.NodeKey,
		Attempt: node.Attempt,
		Prompt:  node.Prompt,
		WorkDir: workDir,
		Timeout: e.cfg.NodeTimeout,
	})
	if err != nil {
		return nil, nil, err
	}

	var events []provider.Event
	var result *provider.Result
	for event := range stream {
		events = append(events, event)
		if perr := e.sink.Publish(ctx, run.ID, node.ID, node.Attempt, event); perr != nil {
			logger.Warn("failed to publish stream event", log.Error(perr))
		}
		if event.Result != nil {
			result = event.Result
		}
	}
	if result == nil {
		// Distinguish a deadline or cancellation from a provider that
		// simply never produced a result.
		if cerr := attemptCtx.Err(); cerr != nil {
			return events, nil, cerr
		}
	}
	return events, result, nil
}

// persistOutputs stores the attempt's artifact and routing decision, if the
// provider produced them. Returns the artifact row id for spawners.
func (e *Executor) persistOutputs(ctx context.Context, node *store.RunNode, result *provider.Result) (int64, error) {
	var artifactID int64
	if result.Artifact != nil {
		artifact := &store.Artifact{
			RunNodeID:      node.ID,
			ArtifactType:   store.ArtifactType(result.Artifact.Type),
			ContentType:    store.ContentType(result.Artifact.ContentType),
			ContentPreview: truncate(result.Artifact.Content, 4000),
		}
		if artifact.ArtifactType == "" {
			artifact.ArtifactType = store.ArtifactNote
		}
		if artifact.ContentType == "" {
			artifact.ContentType = store.ContentText
		}
		if err := e.store.CreateArtifact(ctx, artifact); err != nil {
			return 0, err
		}
		artifactID = artifact.ID
	}
	if result.Decision != nil {
		decision := &store.RoutingDecision{
			RunNodeID:    node.ID,
			DecisionType: store.DecisionType(result.Decision.Type),
			Rationale:    result.Decision.Rationale,
		}
		if err := e.store.CreateRoutingDecision(ctx, decision); err != nil {
			return 0, err
		}
	}
	return artifactID, nil
}

// completeAttempt finalizes a successful attempt.
func (e *Executor) completeAttempt(ctx context.Context, node *store.RunNode, events []provider.Event, start time.Time, logger *slog.Logger) (bool, error) {
	if err := e.persistDiagnostics(ctx, node, store.NodeCompleted, events, nil, logger); err != nil {
		return false, err
	}
	if err := e.store.UpdateNodeStatus(ctx, node.ID, store.NodeRunning, store.NodeCompleted, ActionComplete); err != nil {
		return false, err
	}
	if err := e.sink.EndAttempt(ctx, node.ID, node.Attempt, store.NodeCompleted); err != nil {
		logger.Warn("failed to end stream", log.Error(err))
	}
	recordAttemptTerminal(node.Provider, string(store.NodeCompleted), time.Since(start))
	logger.Info("node completed", log.AttemptKey, node.Attempt, log.DurationKey, time.Since(start).Milliseconds())

	if node.Linked() {
		if err := e.recordChildTerminal(ctx, node, true); err != nil {
			return false, err
		}
	}
	return true, nil
}

// failAttempt finalizes a failed attempt: classification, diagnostics,
// terminal transition, then either an in-place retry or fan-out accounting.
func (e *Executor) failAttempt(ctx context.Context, run *store.Run, node *store.RunNode, events []provider.Event, runErr error, start time.Time, logger *slog.Logger) (bool, error) {
	// The write path must survive a cancelled attempt context.
	ctx = context.WithoutCancel(ctx)

	kind := errors.Classify(runErr)
	if err := e.store.RecordNodeFailure(ctx, node.ID, string(kind), runErr.Error()); err != nil {
		return false, err
	}

	diagErr := &DiagnosticError{
		Name:           fmt.Sprintf("%T", runErr),
		Message:        runErr.Error(),
		Classification: string(kind),
	}
	if err := e.persistDiagnostics(ctx, node, store.NodeFailed, events, diagErr, logger); err != nil {
		return false, err
	}
	if err := e.store.UpdateNodeStatus(ctx, node.ID, store.NodeRunning, store.NodeFailed, ActionFail); err != nil {
		return false, err
	}
	if err := e.sink.EndAttempt(ctx, node.ID, node.Attempt, store.NodeFailed); err != nil {
		logger.Warn("failed to end stream", log.Error(err))
	}
	recordAttemptTerminal(node.Provider, string(store.NodeFailed), time.Since(start))
	logger.Warn("node attempt failed",
		log.AttemptKey, node.Attempt,
		"failure_kind", string(kind),
		log.Error(runErr))

	// Retry in place while attempts remain; the node re-enters pending
	// with the same id and an incremented attempt.
	if node.Attempt <= node.MaxRetries {
		if _, err := e.store.ResetNodeForRetry(ctx, node.ID); err != nil {
			if errors.IsConflict(err) {
				return true, nil
			}
			return false, err
		}
		recordRetry(node.Provider)
		logger.Info("node scheduled for retry", "next_attempt", node.Attempt+1)
		return false, nil
	}

	if node.Linked() {
		if err := e.recordChildTerminal(ctx, node, false); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (e *Executor) persistDiagnostics(ctx context.Context, node *store.RunNode, outcome store.NodeStatus, events []provider.Event, diagErr *DiagnosticError, logger *slog.Logger) error {
	snap, err := e.diagnostics.Build(node.ID, node.Attempt, outcome, events, diagErr)
	if err != nil {
		logger.Warn("failed to build diagnostics payload", log.Error(err))
		return nil
	}
	return e.store.CreateDiagnosticsSnapshot(ctx, snap)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
