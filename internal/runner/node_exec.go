package runner

import (
	"context"
	"time"

	"github.com/synqx/pipeline-core/internal/cache"
	coreerrors "github.com/synqx/pipeline-core/internal/core/errors"
	"github.com/synqx/pipeline-core/internal/dag"
	"github.com/synqx/pipeline-core/internal/evaluator"
	"github.com/synqx/pipeline-core/internal/executor"
	"github.com/synqx/pipeline-core/internal/metrics"
	"github.com/synqx/pipeline-core/internal/model"
	"github.com/synqx/pipeline-core/internal/state"
)

const defaultDynamicSampleCap = 10

// executeWithRetry runs node to completion, retrying per its RetryPolicy
// on retryable errors and enforcing its per-node timeout, then persists
// the terminal StepRun status (spec §4.6.e/f, §4.5).
func (r *Runner) executeWithRetry(ctx context.Context, g *dag.Graph, run *model.PipelineRun, node *model.Node) error {
	if _, err := r.State.CreateStepRun(ctx, run, node); err != nil {
		return err
	}
	_, _ = r.State.UpdateStepStatus(ctx, run, node.NodeID, state.StepUpdate{Status: model.StepRunning})

	start := time.Now()
	var lastErr error
	defer func() {
		status := "success"
		if lastErr != nil {
			status = "failed"
		}
		metrics.NodeDuration.WithLabelValues(string(node.OperatorType), status).Observe(time.Since(start).Seconds())
	}()

	maxRetries := node.Retry.MaxRetries
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		select {
		case <-ctx.Done():
			return coreerrors.Cancellation("node "+node.NodeID+" cancelled", ctx.Err())
		default:
		}

		result, err := r.runOnce(ctx, g, run, node)
		if err == nil {
			return r.finishSuccess(ctx, run, node, result)
		}
		lastErr = err

		ce, _ := coreerrors.As(err)
		retryable := ce == nil || ce.Retryable()
		if !retryable || attempt > maxRetries {
			break
		}

		delay := node.Retry.Delay(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return coreerrors.Cancellation("node "+node.NodeID+" cancelled during retry wait", ctx.Err())
		case <-timer.C:
		}
		_, _ = r.State.UpdateStepStatus(ctx, run, node.NodeID, state.StepUpdate{Status: model.StepRunning})
	}

	kind := string(coreerrors.KindOf(lastErr))
	_, _ = r.State.UpdateStepStatus(ctx, run, node.NodeID, state.StepUpdate{
		Status: model.StepFailed, ErrorKind: kind, ErrorMessage: lastErr.Error(),
	})
	return lastErr
}

// runOnce executes node exactly once, applying its per-node timeout if
// configured.
func (r *Runner) runOnce(ctx context.Context, g *dag.Graph, run *model.PipelineRun, node *model.Node) (*executor.Result, error) {
	nodeCtx := ctx
	var cancel context.CancelFunc
	if node.Retry.TimeoutSeconds > 0 {
		nodeCtx, cancel = context.WithTimeout(ctx, time.Duration(node.Retry.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	var result *executor.Result
	var err error
	if node.IsDynamic {
		result, err = r.runDynamic(nodeCtx, g, run, node)
	} else {
		result, err = r.runSingle(nodeCtx, g, run, node)
	}
	if err != nil && nodeCtx.Err() == context.DeadlineExceeded {
		return nil, coreerrors.NodeTimeout("node "+node.NodeID+" exceeded its timeout", err)
	}
	return result, err
}

func (r *Runner) runSingle(ctx context.Context, g *dag.Graph, run *model.PipelineRun, node *model.Node) (*executor.Result, error) {
	req, err := r.buildRequest(ctx, g, run, node, node.Config)
	if err != nil {
		return nil, err
	}
	return r.Executor.ExecuteNode(ctx, req)
}

// runDynamic evaluates the node's mapping expression into a row list and
// spawns one task per item, merging each item into the node's config as
// `_dynamic_item` before delegating to the executor (spec §4.6.c). Per
// spec §9's resolved open question, the fan-out instances' telemetry is
// summed into a single aggregated Result and their samples unioned.
func (r *Runner) runDynamic(ctx context.Context, g *dag.Graph, run *model.PipelineRun, node *model.Node) (*executor.Result, error) {
	inputs, err := r.inputSummaries(g, node.NodeID)
	if err != nil {
		return nil, err
	}
	items, err := evaluator.EvalMapping(node.MappingExpr, inputs)
	if err != nil {
		return nil, err
	}

	agg := &executor.Result{}
	for _, item := range items {
		cfg := make(map[string]any, len(node.Config)+1)
		for k, v := range node.Config {
			cfg[k] = v
		}
		cfg["_dynamic_item"] = item

		req, err := r.buildRequest(ctx, g, run, node, cfg)
		if err != nil {
			return nil, err
		}
		result, err := r.Executor.ExecuteNode(ctx, req)
		if err != nil {
			return nil, err
		}
		agg.Chunks = append(agg.Chunks, result.Chunks...)
		agg.RecordsIn += result.RecordsIn
		agg.RecordsOut += result.RecordsOut
		agg.RecordsFiltered += result.RecordsFiltered
		agg.RecordsError += result.RecordsError
		agg.BytesProcessed += result.BytesProcessed
		agg.Sample.In = unionSample(agg.Sample.In, result.Sample.In, defaultDynamicSampleCap)
		agg.Sample.Out = unionSample(agg.Sample.Out, result.Sample.Out, defaultDynamicSampleCap)
	}
	return agg, nil
}

func unionSample(existing, add []map[string]any, cap int) []map[string]any {
	out := append(existing, add...)
	if len(out) > cap {
		out = out[:cap]
	}
	return out
}

func (r *Runner) buildRequest(ctx context.Context, g *dag.Graph, run *model.PipelineRun, node *model.Node, config map[string]any) (executor.Request, error) {
	effective := *node
	effective.Config = config

	inputs := make(map[string][]*cache.GenericChunk)
	order := g.GetUpstream(node.NodeID)
	for _, up := range order {
		chunks, err := r.Cache.Retrieve(up)
		if err != nil {
			return executor.Request{}, err
		}
		converted := make([]*cache.GenericChunk, 0, len(chunks))
		for _, c := range chunks {
			if gc, ok := c.(*cache.GenericChunk); ok {
				converted = append(converted, gc)
			}
		}
		inputs[up] = converted
	}

	needsConnector := node.OperatorType == model.OperatorExtract || node.OperatorType == model.OperatorLoad || node.QuarantineAssetID != ""
	var conn executor.Connector
	if needsConnector && r.ResolveConnector != nil {
		resolved, err := r.ResolveConnector(&effective)
		if err != nil {
			return executor.Request{}, coreerrors.Configuration("resolve connector for "+node.NodeID, err)
		}
		conn = resolved
	}

	return executor.Request{
		RunID:         run.ID,
		Node:          &effective,
		UpstreamOrder: order,
		Inputs:        inputs,
		Connector:     conn,
		Progress: func(p executor.Progress) {
			_, _ = r.State.UpdateStepStatus(ctx, run, node.NodeID, state.StepUpdate{Status: model.StepRunning})
		},
	}, nil
}

func (r *Runner) finishSuccess(ctx context.Context, run *model.PipelineRun, node *model.Node, result *executor.Result) error {
	chunks := make([]cache.Chunk, 0, len(result.Chunks))
	for _, c := range result.Chunks {
		chunks = append(chunks, c)
	}
	if err := r.Cache.Store(node.NodeID, chunks); err != nil {
		return err
	}

	in, out, filtered, errCount, bytes := result.RecordsIn, result.RecordsOut, result.RecordsFiltered, result.RecordsError, result.BytesProcessed
	_, err := r.State.UpdateStepStatus(ctx, run, node.NodeID, state.StepUpdate{
		Status:          model.StepSuccess,
		RecordsIn:       &in,
		RecordsOut:      &out,
		RecordsFiltered: &filtered,
		RecordsError:    &errCount,
		BytesProcessed:  &bytes,
		SampleData:      &result.Sample,
	})
	return err
}
