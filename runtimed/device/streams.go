package device

import (
	"github.com/elliotchance/orderedmap/v2"
	"github.com/scusemua/gpu-mux/common/types"
)

// NodeStreamMap maps node ids to logical stream ids. Iteration order is the graph's
// node definition order; per-task devices rely on that order when binding logical
// streams to physical streams round-robin.
type NodeStreamMap = orderedmap.OrderedMap[int, int]

// AssignStreams computes a deterministic logical-stream assignment for every node of
// the graph, using at most maxStreams distinct streams.
//
// Chains inherit their predecessor's stream so that a linear sequence of nodes runs on
// one stream, while fan-out points spread their successors across the remaining streams.
// The assignment depends only on the node-def sequence, never on addresses or timing.
func AssignStreams(graph *types.Graph, maxStreams int) *NodeStreamMap {
	assignment := orderedmap.NewOrderedMap[int, int]()
	if maxStreams < 1 {
		maxStreams = 1
	}

	// outDegree lets a single-input node detect whether it continues a chain or sits
	// behind a fan-out point.
	outDegree := make(map[int]int, graph.NumNodes())
	for _, node := range graph.Nodes() {
		for _, input := range node.Inputs {
			outDegree[input]++
		}
	}

	next := 0
	for _, node := range graph.Nodes() {
		if len(node.Inputs) == 1 {
			if parentStream, ok := assignment.Get(node.Inputs[0]); ok && outDegree[node.Inputs[0]] == 1 {
				assignment.Set(node.ID, parentStream)
				continue
			}
		}

		assignment.Set(node.ID, next%maxStreams)
		next++
	}

	return assignment
}
