package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "github.com/synqx/pipeline-core/internal/core/errors"
	"github.com/synqx/pipeline-core/internal/model"
)

func node(id string, order int, op model.OperatorType) *model.Node {
	return &model.Node{NodeID: id, OrderIndex: order, OperatorType: op}
}

func TestTopologicalSortRespectsEdgeOrder(t *testing.T) {
	g := New()
	require.NoError(t, g.AddNode(node("A", 0, model.OperatorExtract)))
	require.NoError(t, g.AddNode(node("B", 1, model.OperatorTransform)))
	require.NoError(t, g.AddNode(node("C", 2, model.OperatorLoad)))
	require.NoError(t, g.AddEdge(&model.Edge{FromNodeID: "A", ToNodeID: "B"}))
	require.NoError(t, g.AddEdge(&model.Edge{FromNodeID: "B", ToNodeID: "C"}))

	order, err := g.TopologicalSort()
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, order)
}

func TestLayeringDeterministicUnderEdgeInsertionOrder(t *testing.T) {
	build := func(firstEdge, secondEdge [2]string) [][]string {
		g := New()
		_ = g.AddNode(node("A", 0, model.OperatorExtract))
		_ = g.AddNode(node("B", 1, model.OperatorTransform))
		_ = g.AddNode(node("C", 2, model.OperatorTransform))
		_ = g.AddEdge(&model.Edge{FromNodeID: firstEdge[0], ToNodeID: firstEdge[1]})
		_ = g.AddEdge(&model.Edge{FromNodeID: secondEdge[0], ToNodeID: secondEdge[1]})
		layers, _ := g.GetExecutionLayers()
		return layers
	}

	layersA := build([2]string{"A", "B"}, [2]string{"A", "C"})
	layersB := build([2]string{"A", "C"}, [2]string{"A", "B"})
	assert.Equal(t, layersA, layersB)
	assert.Equal(t, [][]string{{"A"}, {"B", "C"}}, layersA)
}

func TestCycleDetection(t *testing.T) {
	g := New()
	_ = g.AddNode(node("A", 0, model.OperatorTransform))
	_ = g.AddNode(node("B", 1, model.OperatorTransform))
	require.NoError(t, g.AddEdge(&model.Edge{FromNodeID: "A", ToNodeID: "B"}))
	require.NoError(t, g.AddEdge(&model.Edge{FromNodeID: "B", ToNodeID: "A"}))

	_, err := g.GetExecutionLayers()
	require.Error(t, err)
	ce, ok := coreerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, coreerrors.KindCycle, ce.Kind)
}

func TestMergePointInvariant(t *testing.T) {
	g := New()
	_ = g.AddNode(node("A", 0, model.OperatorExtract))
	_ = g.AddNode(node("B", 1, model.OperatorExtract))
	_ = g.AddNode(node("C", 2, model.OperatorTransform)) // not a merge point
	_ = g.AddEdge(&model.Edge{FromNodeID: "A", ToNodeID: "C"})
	_ = g.AddEdge(&model.Edge{FromNodeID: "B", ToNodeID: "C"})

	err := g.Validate()
	require.Error(t, err)
}

func TestTieBreakByOrderIndexThenNodeID(t *testing.T) {
	g := New()
	_ = g.AddNode(node("zeta", 5, model.OperatorExtract))
	_ = g.AddNode(node("alpha", 1, model.OperatorExtract))
	_ = g.AddNode(node("beta", 1, model.OperatorExtract))

	layers, err := g.GetExecutionLayers()
	require.NoError(t, err)
	require.Len(t, layers, 1)
	assert.Equal(t, []string{"alpha", "beta", "zeta"}, layers[0])
}
