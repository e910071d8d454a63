// Package dag builds a pipeline version's node/edge graph and exposes the
// topological layering the Parallel Runner executes over.
package dag

import (
	"sort"

	coreerrors "github.com/synqx/pipeline-core/internal/core/errors"
	"github.com/synqx/pipeline-core/internal/model"
)

// EdgeMeta is the incoming-edge metadata exposed to condition evaluation.
type EdgeMeta struct {
	FromNodeID string
	EdgeType   model.EdgeType
	Condition  string
}

// vertex wraps a Node with the adjacency this package maintains.
type vertex struct {
	node     *model.Node
	outEdges []*model.Edge
	inEdges  []*model.Edge
}

// Graph is a pipeline version's DAG: nodes plus directed edges between
// them, with cycle detection and layering.
type Graph struct {
	nodes map[string]*vertex
	order []string // insertion order, for stable iteration
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{nodes: make(map[string]*vertex)}
}

// AddNode registers a node. Duplicate node_id is a ConfigurationError.
func (g *Graph) AddNode(n *model.Node) error {
	if n == nil {
		return coreerrors.Configuration("nil node", nil)
	}
	if n.NodeID == "" {
		return coreerrors.Configuration("node missing node_id", nil)
	}
	if _, exists := g.nodes[n.NodeID]; exists {
		return coreerrors.Configuration("duplicate node_id: "+n.NodeID, nil)
	}
	g.nodes[n.NodeID] = &vertex{node: n}
	g.order = append(g.order, n.NodeID)
	return nil
}

// AddEdge registers a directed edge. Both endpoints must already exist;
// self-loops are rejected per spec §3.
func (g *Graph) AddEdge(e *model.Edge) error {
	if e == nil {
		return coreerrors.Configuration("nil edge", nil)
	}
	if e.FromNodeID == e.ToNodeID {
		return coreerrors.Configuration("self-loop edge on node "+e.FromNodeID, nil)
	}
	from, ok := g.nodes[e.FromNodeID]
	if !ok {
		return coreerrors.Configuration("edge references unknown from_node_id: "+e.FromNodeID, nil)
	}
	to, ok := g.nodes[e.ToNodeID]
	if !ok {
		return coreerrors.Configuration("edge references unknown to_node_id: "+e.ToNodeID, nil)
	}
	from.outEdges = append(from.outEdges, e)
	to.inEdges = append(to.inEdges, e)
	return nil
}

// Validate enforces the merge-point invariant: a node with more than one
// incoming edge must be Merge/Union/Join.
func (g *Graph) Validate() error {
	for id, v := range g.nodes {
		if len(v.inEdges) > 1 && !v.node.OperatorType.IsMergePoint() {
			return coreerrors.Configuration("node "+id+" has multiple incoming edges but operator_type does not support merging", nil)
		}
	}
	return nil
}

// Node returns the node for id, or nil if absent.
func (g *Graph) Node(id string) *model.Node {
	if v, ok := g.nodes[id]; ok {
		return v.node
	}
	return nil
}

// GetUpstream returns the node IDs with an edge into id.
func (g *Graph) GetUpstream(id string) []string {
	v, ok := g.nodes[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(v.inEdges))
	for _, e := range v.inEdges {
		out = append(out, e.FromNodeID)
	}
	return out
}

// GetDownstream returns the node IDs id has an edge into.
func (g *Graph) GetDownstream(id string) []string {
	v, ok := g.nodes[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(v.outEdges))
	for _, e := range v.outEdges {
		out = append(out, e.ToNodeID)
	}
	return out
}

// GetIncomingEdgeMetadata returns the condition/edge-type metadata for
// every edge feeding into id, used by the runner's edge-condition filter.
func (g *Graph) GetIncomingEdgeMetadata(id string) []EdgeMeta {
	v, ok := g.nodes[id]
	if !ok {
		return nil
	}
	out := make([]EdgeMeta, 0, len(v.inEdges))
	for _, e := range v.inEdges {
		out = append(out, EdgeMeta{FromNodeID: e.FromNodeID, EdgeType: e.EdgeType, Condition: e.Condition})
	}
	return out
}

// TopologicalSort returns a flat ordering where every edge (u->v) has u
// appear before v. It is equivalent to flattening GetExecutionLayers.
func (g *Graph) TopologicalSort() ([]string, error) {
	layers, err := g.GetExecutionLayers()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(g.nodes))
	for _, layer := range layers {
		out = append(out, layer...)
	}
	return out, nil
}

// GetExecutionLayers partitions nodes into layers L0..Lk such that every
// edge (u->v) has u in a strictly lower layer than v, via Kahn's
// algorithm. Ties within a layer break by OrderIndex ascending, then
// node_id lexicographic. Returns CycleError if the graph is not acyclic.
func (g *Graph) GetExecutionLayers() ([][]string, error) {
	indegree := make(map[string]int, len(g.nodes))
	for id, v := range g.nodes {
		indegree[id] = len(v.inEdges)
	}

	var layers [][]string
	processed := 0
	remaining := make(map[string]bool, len(g.nodes))
	for id := range g.nodes {
		remaining[id] = true
	}

	for len(remaining) > 0 {
		var frontier []string
		for id := range remaining {
			if indegree[id] == 0 {
				frontier = append(frontier, id)
			}
		}
		if len(frontier) == 0 {
			break // cycle: nothing left has indegree 0
		}

		sort.Slice(frontier, func(i, j int) bool {
			ni, nj := g.nodes[frontier[i]].node, g.nodes[frontier[j]].node
			if ni.OrderIndex != nj.OrderIndex {
				return ni.OrderIndex < nj.OrderIndex
			}
			return frontier[i] < frontier[j]
		})

		for _, id := range frontier {
			delete(remaining, id)
			processed++
			for _, e := range g.nodes[id].outEdges {
				indegree[e.ToNodeID]--
			}
		}
		layers = append(layers, frontier)
	}

	if processed != len(g.nodes) {
		return nil, coreerrors.Cycle("pipeline version DAG contains a cycle")
	}
	return layers, nil
}
