package runner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	synqcache "github.com/synqx/pipeline-core/internal/cache"
	"github.com/synqx/pipeline-core/internal/dag"
	"github.com/synqx/pipeline-core/internal/executor"
	"github.com/synqx/pipeline-core/internal/model"
	"github.com/synqx/pipeline-core/internal/state"
)

type stubConnector struct {
	rows    []map[string]any
	written []*synqcache.GenericChunk
}

func (s *stubConnector) ReadBatch(_ context.Context, _ string, _ map[string]any) (executor.ChunkIterator, error) {
	return executor.NewSliceIterator([]*synqcache.GenericChunk{{Rows: s.rows}}), nil
}
func (s *stubConnector) WriteBatch(_ context.Context, chunks []*synqcache.GenericChunk, _ string, _ model.WriteStrategy) (int64, error) {
	s.written = append(s.written, chunks...)
	var n int64
	for _, c := range chunks {
		n += int64(c.RowCount())
	}
	return n, nil
}
func (s *stubConnector) CurrentColumns(_ context.Context, _ string) ([]string, error) { return nil, nil }
func (s *stubConnector) DiscoverAssets(_ context.Context) ([]string, error)           { return nil, nil }
func (s *stubConnector) TestConnection(_ context.Context) error                      { return nil }

func newTestRunner(t *testing.T, resolver ConnectorResolver) (*Runner, *state.Manager) {
	t.Helper()
	c, err := synqcache.New(64, t.TempDir())
	require.NoError(t, err)
	sm := state.New(state.NewMemoryStore(), nil)
	ex := executor.New(executor.NewTransformRegistry(), nil, nil, nil)
	return New(c, sm, ex, resolver, 4), sm
}

func TestTwoNodeLinearRun(t *testing.T) {
	extractConn := &stubConnector{rows: []map[string]any{{"x": 1}, {"x": 2}}}
	loadConn := &stubConnector{}

	resolver := func(node *model.Node) (executor.Connector, error) {
		if node.OperatorType == model.OperatorExtract {
			return extractConn, nil
		}
		return loadConn, nil
	}
	r, sm := newTestRunner(t, resolver)

	g := dag.New()
	require.NoError(t, g.AddNode(&model.Node{NodeID: "A", OperatorType: model.OperatorExtract, SourceAssetID: "s1"}))
	require.NoError(t, g.AddNode(&model.Node{NodeID: "B", OperatorType: model.OperatorLoad, DestinationAssetID: "d1", OrderIndex: 1}))
	require.NoError(t, g.AddEdge(&model.Edge{FromNodeID: "A", ToNodeID: "B"}))

	run := &model.PipelineRun{ID: "run1"}
	require.NoError(t, sm.InitializeRun(context.Background(), run))

	err := r.Run(context.Background(), g, run, 0)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, run.Status)
	assert.Len(t, loadConn.written, 1)
	assert.Equal(t, 2, loadConn.written[0].RowCount())
}

func TestFanOutConditionalSkip(t *testing.T) {
	extractConn := &stubConnector{rows: []map[string]any{{"x": 1}, {"x": 2}, {"x": 3}}}
	loadConn := &stubConnector{}
	resolver := func(node *model.Node) (executor.Connector, error) {
		if node.OperatorType == model.OperatorExtract {
			return extractConn, nil
		}
		return loadConn, nil
	}
	r, sm := newTestRunner(t, resolver)

	g := dag.New()
	require.NoError(t, g.AddNode(&model.Node{NodeID: "A", OperatorType: model.OperatorExtract, SourceAssetID: "s1"}))
	require.NoError(t, g.AddNode(&model.Node{NodeID: "B", OperatorType: model.OperatorLoad, DestinationAssetID: "d1", OrderIndex: 1}))
	require.NoError(t, g.AddNode(&model.Node{NodeID: "C", OperatorType: model.OperatorLoad, DestinationAssetID: "d2", OrderIndex: 2}))
	require.NoError(t, g.AddEdge(&model.Edge{FromNodeID: "A", ToNodeID: "B"}))
	require.NoError(t, g.AddEdge(&model.Edge{FromNodeID: "A", ToNodeID: "C", Condition: "inputs['A'].count > 5"}))

	run := &model.PipelineRun{ID: "run2"}
	require.NoError(t, sm.InitializeRun(context.Background(), run))

	err := r.Run(context.Background(), g, run, 0)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, run.Status)

	steps := sm.NonSkippedSteps(run.ID)
	ids := map[string]bool{}
	for _, s := range steps {
		ids[s.NodeID] = true
	}
	assert.True(t, ids["A"])
	assert.True(t, ids["B"])
	assert.False(t, ids["C"], "C's incoming condition is false so it must be Skipped")
}

func TestConditionEvalErrorSkipsNodeByDefault(t *testing.T) {
	extractConn := &stubConnector{rows: []map[string]any{{"x": 1}}}
	loadConn := &stubConnector{}
	resolver := func(node *model.Node) (executor.Connector, error) {
		if node.OperatorType == model.OperatorExtract {
			return extractConn, nil
		}
		return loadConn, nil
	}
	r, sm := newTestRunner(t, resolver)

	g := dag.New()
	require.NoError(t, g.AddNode(&model.Node{NodeID: "A", OperatorType: model.OperatorExtract, SourceAssetID: "s1"}))
	require.NoError(t, g.AddNode(&model.Node{NodeID: "B", OperatorType: model.OperatorLoad, DestinationAssetID: "d1", OrderIndex: 1}))
	require.NoError(t, g.AddEdge(&model.Edge{FromNodeID: "A", ToNodeID: "B", Condition: "inputs[ this is not valid"}))

	run := &model.PipelineRun{ID: "run-fail-closed"}
	require.NoError(t, sm.InitializeRun(context.Background(), run))

	require.NoError(t, r.Run(context.Background(), g, run, 0))

	steps := sm.NonSkippedSteps(run.ID)
	ids := map[string]bool{}
	for _, s := range steps {
		ids[s.NodeID] = true
	}
	assert.False(t, ids["B"], "EvaluatorFailOpen defaults to false, a malformed condition must skip the node")
}

func TestConditionEvalErrorRunsNodeWhenFailOpen(t *testing.T) {
	extractConn := &stubConnector{rows: []map[string]any{{"x": 1}}}
	loadConn := &stubConnector{}
	resolver := func(node *model.Node) (executor.Connector, error) {
		if node.OperatorType == model.OperatorExtract {
			return extractConn, nil
		}
		return loadConn, nil
	}
	r, sm := newTestRunner(t, resolver)
	r.EvaluatorFailOpen = true

	g := dag.New()
	require.NoError(t, g.AddNode(&model.Node{NodeID: "A", OperatorType: model.OperatorExtract, SourceAssetID: "s1"}))
	require.NoError(t, g.AddNode(&model.Node{NodeID: "B", OperatorType: model.OperatorLoad, DestinationAssetID: "d1", OrderIndex: 1}))
	require.NoError(t, g.AddEdge(&model.Edge{FromNodeID: "A", ToNodeID: "B", Condition: "inputs[ this is not valid"}))

	run := &model.PipelineRun{ID: "run-fail-open"}
	require.NoError(t, sm.InitializeRun(context.Background(), run))

	require.NoError(t, r.Run(context.Background(), g, run, 0))

	steps := sm.NonSkippedSteps(run.ID)
	ids := map[string]bool{}
	for _, s := range steps {
		ids[s.NodeID] = true
	}
	assert.True(t, ids["B"], "EvaluatorFailOpen=true must restore the permissive behavior on a condition eval error")
}

func TestRetryNonRetryableFailsTerminal(t *testing.T) {
	r, sm := newTestRunner(t, func(node *model.Node) (executor.Connector, error) {
		return nil, nil // no connector registered -> Configuration error, non-retryable
	})

	g := dag.New()
	node := &model.Node{NodeID: "A", OperatorType: model.OperatorExtract, SourceAssetID: "s1",
		Retry: model.RetryPolicy{MaxRetries: 5, Strategy: model.RetryFixed}}
	require.NoError(t, g.AddNode(node))

	run := &model.PipelineRun{ID: "run3"}
	require.NoError(t, sm.InitializeRun(context.Background(), run))

	err := r.Run(context.Background(), g, run, 0)
	require.Error(t, err)
	assert.Equal(t, model.RunFailed, run.Status)
}
