package blast

import (
	"iter"
	"slices"
)

// SupportGraph is the undirected bond graph over support chunks in CSR form.
// Each node's adjacency is sorted by neighbor id.
type SupportGraph struct {
	chunkIndices []uint32
	partition    []uint32
	adjNodes     []uint32
	adjBonds     []uint32
}

// NodeCount returns the number of nodes.
func (g *SupportGraph) NodeCount() uint32 {
	return uint32(len(g.chunkIndices))
}

// ChunkIndex returns the support chunk of node.
func (g *SupportGraph) ChunkIndex(node uint32) uint32 {
	return g.chunkIndices[node]
}

// Degree returns the number of bonds at node.
func (g *SupportGraph) Degree(node uint32) int {
	return int(g.partition[node+1] - g.partition[node])
}

// Neighbors yields (neighbor node, bond id) pairs of node in ascending
// neighbor order.
func (g *SupportGraph) Neighbors(node uint32) iter.Seq2[uint32, uint32] {
	return func(yield func(uint32, uint32) bool) {
		for i := g.partition[node]; i < g.partition[node+1]; i++ {
			if !yield(g.adjNodes[i], g.adjBonds[i]) {
				return
			}
		}
	}
}

// FindBond returns the bond joining n0 and n1, or InvalidIndex.
func (g *SupportGraph) FindBond(n0, n1 uint32) uint32 {
	if n0 >= g.NodeCount() || n1 >= g.NodeCount() {
		return InvalidIndex
	}
	lo, hi := g.partition[n0], g.partition[n0+1]
	if i, ok := slices.BinarySearch(g.adjNodes[lo:hi], n1); ok {
		return g.adjBonds[lo+uint32(i)]
	}
	return InvalidIndex
}

// AdjacencyPartition returns the CSR offsets (length NodeCount+1).
func (g *SupportGraph) AdjacencyPartition() []uint32 {
	return g.partition
}

// AdjacentNodeIndices returns the flattened neighbor lists.
func (g *SupportGraph) AdjacentNodeIndices() []uint32 {
	return g.adjNodes
}

// AdjacentBondIndices returns the bond id of each adjacency entry.
func (g *SupportGraph) AdjacentBondIndices() []uint32 {
	return g.adjBonds
}
