package types

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// NodeDef describes one computation node of a session-submitted graph: an identifier
// unique within the graph, an operation name, and the ids of the nodes it consumes.
type NodeDef struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Op     string `json:"op"`
	Inputs []int  `json:"inputs"`
}

// Graph is an immutable computation graph submitted by a session. Nodes are held in
// their definition order.
//
// Graph identity is its fingerprint: a stable hash of the node-def sequence. Fingerprints
// survive address reuse, so caches keyed by them never confuse two graphs that happen to
// be allocated at the same address. Distinct graphs hashing to the same fingerprint are
// treated as identical; collisions are log-only by design of the callers.
type Graph struct {
	nodes       []NodeDef
	fingerprint uint64
}

// NewGraph builds a Graph from the given node definitions and computes its fingerprint.
func NewGraph(nodes []NodeDef) *Graph {
	digest := xxhash.New()

	var scratch [8]byte
	for _, node := range nodes {
		binary.LittleEndian.PutUint64(scratch[:], uint64(node.ID))
		_, _ = digest.Write(scratch[:])
		_, _ = digest.WriteString(node.Name)
		_, _ = digest.WriteString(node.Op)
		for _, input := range node.Inputs {
			binary.LittleEndian.PutUint64(scratch[:], uint64(input))
			_, _ = digest.Write(scratch[:])
		}
	}

	return &Graph{
		nodes:       nodes,
		fingerprint: digest.Sum64(),
	}
}

// Nodes returns the graph's node definitions in definition order. The returned slice
// must not be mutated.
func (g *Graph) Nodes() []NodeDef {
	return g.nodes
}

// NumNodes returns the number of nodes in the graph.
func (g *Graph) NumNodes() int {
	return len(g.nodes)
}

// Fingerprint returns the stable identity of the graph.
func (g *Graph) Fingerprint() uint64 {
	return g.fingerprint
}

// FingerprintKey returns the fingerprint rendered as a cache key.
func (g *Graph) FingerprintKey() string {
	return fmt.Sprintf("%016x", g.fingerprint)
}

func (g *Graph) String() string {
	return fmt.Sprintf("Graph{fingerprint=%s, numNodes=%d}", g.FingerprintKey(), len(g.nodes))
}
