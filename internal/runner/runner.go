// Package runner implements the Parallel Runner: layer-by-layer DAG
// execution with edge-condition filtering, dynamic fan-out, a bounded
// worker pool, per-node retry/timeout, and cooperative cancellation
// (spec §4.6).
package runner

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/synqx/pipeline-core/internal/cache"
	coreerrors "github.com/synqx/pipeline-core/internal/core/errors"
	"github.com/synqx/pipeline-core/internal/dag"
	"github.com/synqx/pipeline-core/internal/evaluator"
	"github.com/synqx/pipeline-core/internal/executor"
	"github.com/synqx/pipeline-core/internal/model"
	"github.com/synqx/pipeline-core/internal/state"
)

// ConnectorResolver resolves the connector instance an Extract/Load node
// should use; Transform/Join/etc. nodes never call it.
type ConnectorResolver func(node *model.Node) (executor.Connector, error)

// Runner executes a materialized DAG for one PipelineRun.
type Runner struct {
	Cache             *cache.Cache
	State             *state.Manager
	Executor          *executor.Executor
	ResolveConnector  ConnectorResolver
	MaxParallelNodes  int
	EvaluatorFailOpen bool
}

// New builds a Runner; maxParallelNodes<=0 defaults to 2*NumCPU per
// spec §4.6.
func New(c *cache.Cache, sm *state.Manager, ex *executor.Executor, resolver ConnectorResolver, maxParallelNodes int) *Runner {
	if maxParallelNodes <= 0 {
		maxParallelNodes = 2 * runtime.NumCPU()
	}
	return &Runner{Cache: c, State: sm, Executor: ex, ResolveConnector: resolver, MaxParallelNodes: maxParallelNodes}
}

// nodeOutcome is the terminal result of one node execution (including all
// of its dynamic fan-out instances, if any).
type nodeOutcome struct {
	node    *model.Node
	skipped bool
	err     error
}

// Run executes g layer by layer against run, honoring executionTimeout
// (0 disables the overall deadline) and respecting cancel for cooperative
// cancellation between layers, retries, and chunk boundaries.
func (r *Runner) Run(ctx context.Context, g *dag.Graph, run *model.PipelineRun, executionTimeout time.Duration) error {
	layers, err := g.GetExecutionLayers()
	if err != nil {
		return err
	}

	deadline := time.Time{}
	if executionTimeout > 0 {
		deadline = time.Now().Add(executionTimeout)
	}

	downstreamRemaining := computeDownstreamRemaining(g, layers)

	for _, layer := range layers {
		if !deadline.IsZero() && time.Now().After(deadline) {
			failErr := coreerrors.ExecutionTimeout("pipeline execution exceeded overall timeout", nil)
			_ = r.State.FailRun(ctx, run, "", failErr.Error())
			return failErr
		}
		select {
		case <-ctx.Done():
			_ = r.State.CancelRun(ctx, run)
			return coreerrors.Cancellation("run cancelled", ctx.Err())
		default:
		}

		if err := r.runLayer(ctx, g, run, layer, downstreamRemaining); err != nil {
			return err
		}
	}

	return r.State.CompleteRun(ctx, run)
}

// computeDownstreamRemaining counts, for each node, how many not-yet-run
// downstream nodes still depend on it, so the runner knows when it is
// safe to evict a node's cache entry (spec §4.6 step 3).
func computeDownstreamRemaining(g *dag.Graph, layers [][]string) map[string]int {
	remaining := make(map[string]int)
	for _, layer := range layers {
		for _, id := range layer {
			remaining[id] = len(g.GetDownstream(id))
		}
	}
	return remaining
}

func (r *Runner) runLayer(ctx context.Context, g *dag.Graph, run *model.PipelineRun, layer []string, downstreamRemaining map[string]int) error {
	type plan struct {
		node       *model.Node
		executable bool
	}

	plans := make([]plan, 0, len(layer))
	for _, id := range layer {
		node := g.Node(id)
		executable, err := r.isExecutable(g, node)
		if err != nil {
			executable = !evaluator.FailClosed(r.EvaluatorFailOpen, err)
		}
		plans = append(plans, plan{node: node, executable: executable})
		if !executable {
			r.markSkipped(ctx, run, node)
		}
	}

	layerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	results := make(chan nodeOutcome, len(plans))
	sem := make(chan struct{}, r.MaxParallelNodes)

	executableCount := 0
	for _, p := range plans {
		if p.executable {
			executableCount++
		}
	}

	runOne := func(node *model.Node) {
		defer wg.Done()
		err := r.executeWithRetry(layerCtx, g, run, node)
		results <- nodeOutcome{node: node, err: err}
	}

	for _, p := range plans {
		if !p.executable {
			continue
		}
		wg.Add(1)
		if executableCount == 1 {
			runOne(p.node) // inline execution, no pool overhead (spec §4.6.d)
		} else {
			sem <- struct{}{}
			go func(n *model.Node) {
				defer func() { <-sem }()
				runOne(n)
			}(p.node)
		}
	}

	wg.Wait()
	close(results)

	var errs *multierror.Error
	var failingNode string
	for res := range results {
		if res.err != nil {
			errs = multierror.Append(errs, fmt.Errorf("node %s: %w", res.node.NodeID, res.err))
			if failingNode == "" {
				failingNode = res.node.NodeID
			}
			continue
		}
		for _, up := range g.GetUpstream(res.node.NodeID) {
			downstreamRemaining[up]--
		}
	}

	if errs != nil {
		cancel() // cooperative: in-flight siblings observe layerCtx.Done()
		_ = r.State.FailRun(ctx, run, failingNode, errs.Error())
		return errs
	}

	r.reclaimCache(layer, downstreamRemaining)
	return nil
}

// isExecutable evaluates every incoming edge's condition; the node is
// executable iff all are true (spec §4.6.b).
func (r *Runner) isExecutable(g *dag.Graph, node *model.Node) (bool, error) {
	for _, meta := range g.GetIncomingEdgeMetadata(node.NodeID) {
		if meta.Condition == "" {
			continue
		}
		inputs, err := r.inputSummaries(g, node.NodeID)
		if err != nil {
			return false, err
		}
		ok, err := evaluator.EvalCondition(meta.Condition, inputs)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (r *Runner) inputSummaries(g *dag.Graph, nodeID string) (evaluator.Inputs, error) {
	inputs := evaluator.Inputs{}
	for _, up := range g.GetUpstream(nodeID) {
		chunks, err := r.Cache.Retrieve(up)
		if err != nil {
			return nil, err
		}
		summary := evaluator.InputSummary{}
		for _, c := range chunks {
			summary.Count += c.RowCount()
			summary.Bytes += c.EstimatedBytes()
			if gc, ok := c.(*cache.GenericChunk); ok {
				summary.Rows = append(summary.Rows, gc.Rows...)
			}
		}
		inputs[up] = summary
	}
	return inputs, nil
}

func (r *Runner) markSkipped(ctx context.Context, run *model.PipelineRun, node *model.Node) {
	step, err := r.State.CreateStepRun(ctx, run, node)
	if err != nil {
		return
	}
	_, _ = r.State.UpdateStepStatus(ctx, run, node.NodeID, state.StepUpdate{Status: model.StepSkipped})
	_ = step
}

// reclaimCache drops cache entries whose entire downstream set has now
// executed, then proactively evicts LRU entries if utilization is still
// above 75% (spec §4.6 step 3).
func (r *Runner) reclaimCache(layer []string, downstreamRemaining map[string]int) {
	for _, id := range layer {
		if downstreamRemaining[id] <= 0 {
			r.Cache.ClearNode(id)
		}
	}
	for r.Cache.UtilizationAbove(75) {
		if !r.Cache.EvictLRU() {
			break
		}
	}
}
