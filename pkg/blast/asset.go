// Package blast implements a chunk/bond fracture solver. An Asset describes a
// chunk hierarchy and a support graph of bonds; a Family holds the mutable
// health of one instance; Actors are connected views over that state which
// split into new actors as bonds and chunks are destroyed.
package blast

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/Faultbox/blastgo/pkg/math"
)

// InvalidIndex marks a missing parent, graph node, health slot or actor.
const InvalidIndex uint32 = 0xFFFFFFFF

// Index space limits. InvalidIndex itself is reserved.
var (
	maxChunkCount = uint64(InvalidIndex)
	maxBondCount  = uint64(InvalidIndex)
)

// ChunkFlags is a bitfield of chunk properties.
type ChunkFlags uint32

// Chunk flag bits.
const (
	ChunkNoFlags ChunkFlags = 0
	ChunkSupport ChunkFlags = 1 << 0
)

// ChunkDesc describes one chunk of an asset descriptor.
type ChunkDesc struct {
	Centroid math.Vec3
	Volume   float32
	Parent   uint32 // InvalidIndex for roots
	Flags    ChunkFlags
	UserData uint32
}

// IsSupport reports whether the support flag is set.
func (d ChunkDesc) IsSupport() bool {
	return d.Flags&ChunkSupport != 0
}

// Bond holds the contact geometry between two support chunks.
type Bond struct {
	Normal   math.Vec3
	Area     float32
	Centroid math.Vec3
	UserData uint32
}

// BondDesc describes a bond between two chunks of a descriptor.
type BondDesc struct {
	Bond
	Chunks [2]uint32
}

// AssetDesc is the input to BuildAsset.
type AssetDesc struct {
	Chunks []ChunkDesc
	Bonds  []BondDesc
}

// Chunk is a chunk in canonical order.
type Chunk struct {
	Centroid math.Vec3
	Volume   float32
	Parent   uint32
	UserData uint32
}

// BuildOption configures BuildAsset.
type BuildOption func(*buildOptions)

type buildOptions struct {
	log LogSink
}

// WithLogSink routes construction warnings (support flag fixes, dropped
// duplicate bonds) to sink.
func WithLogSink(sink LogSink) BuildOption {
	return func(o *buildOptions) {
		o.log = sink
	}
}

// Asset is the immutable chunk hierarchy and support graph shared by any
// number of families.
type Asset struct {
	chunks       []Chunk
	support      []bool
	childOffsets []uint32
	children     []uint32
	roots        []uint32

	subtreeEnd       []uint32
	subtreeLeafCount []uint32
	leafCount        uint32

	chunkNode     []uint32 // chunk -> graph node, InvalidIndex for non-support
	supportPrefix []uint32 // support chunks with a lower canonical index
	supportChunk  []uint32 // chunk -> governing support chunk, InvalidIndex above support
	healthSlot    []uint32 // chunk -> lower-support health slot
	lowerSupport  uint32

	bonds     []Bond
	bondNodes [][2]uint32
	bondRemap []uint32
	graph     SupportGraph
}

// BuildAsset validates desc and builds an Asset in canonical chunk order.
// The returned slice maps each input chunk index to its canonical index.
func BuildAsset(desc AssetDesc, opts ...BuildOption) (*Asset, []uint32, error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}

	n := len(desc.Chunks)
	if n == 0 {
		return nil, nil, fmt.Errorf("%w: no chunks", ErrInvalidHierarchy)
	}
	if uint64(n) > maxChunkCount {
		return nil, nil, fmt.Errorf("%w: %d chunks", ErrTooManyChunks, n)
	}
	if uint64(len(desc.Bonds)) > maxBondCount {
		return nil, nil, fmt.Errorf("%w: %d bonds", ErrTooManyBonds, len(desc.Bonds))
	}

	chunks := slices.Clone(desc.Chunks)
	tree, err := newInputTree(chunks)
	if err != nil {
		return nil, nil, err
	}
	if changed := tree.ensureExactSupportCoverage(chunks); changed > 0 {
		o.log.logf(SeverityWarning, "BuildAsset", "support flags changed on %d chunks to cover every leaf exactly once", changed)
	}

	remap := make([]uint32, n)
	for ci, ii := range tree.order {
		remap[ii] = uint32(ci)
	}

	a := &Asset{
		chunks:       make([]Chunk, n),
		support:      make([]bool, n),
		childOffsets: make([]uint32, n+1),
		children:     make([]uint32, 0, n),
	}

	for ci, ii := range tree.order {
		d := chunks[ii]
		parent := InvalidIndex
		if d.Parent != InvalidIndex {
			parent = remap[d.Parent]
		}
		a.chunks[ci] = Chunk{
			Centroid: d.Centroid,
			Volume:   d.Volume,
			Parent:   parent,
			UserData: d.UserData,
		}
		a.support[ci] = d.IsSupport()

		a.childOffsets[ci] = uint32(len(a.children))
		for _, k := range tree.childrenOf(ii) {
			a.children = append(a.children, remap[k])
		}
	}
	a.childOffsets[n] = uint32(len(a.children))

	for _, r := range tree.roots {
		a.roots = append(a.roots, remap[r])
	}

	a.buildSubtrees()
	a.buildSupport()

	if err := a.buildBonds(desc.Bonds, remap, o.log); err != nil {
		return nil, nil, err
	}
	a.buildGraph()

	return a, remap, nil
}

// buildSubtrees relies on preorder: a subtree ends where its last child's ends.
func (a *Asset) buildSubtrees() {
	n := len(a.chunks)
	a.subtreeEnd = make([]uint32, n)
	a.subtreeLeafCount = make([]uint32, n)

	for c := n - 1; c >= 0; c-- {
		kids := a.Children(uint32(c))
		if len(kids) == 0 {
			a.subtreeEnd[c] = uint32(c) + 1
			a.subtreeLeafCount[c] = 1
			continue
		}
		a.subtreeEnd[c] = a.subtreeEnd[kids[len(kids)-1]]
		var leaves uint32
		for _, k := range kids {
			leaves += a.subtreeLeafCount[k]
		}
		a.subtreeLeafCount[c] = leaves
	}

	for _, r := range a.roots {
		a.leafCount += a.subtreeLeafCount[r]
	}
}

func (a *Asset) buildSupport() {
	n := len(a.chunks)
	a.chunkNode = make([]uint32, n)
	a.supportPrefix = make([]uint32, n+1)
	a.supportChunk = make([]uint32, n)
	a.healthSlot = make([]uint32, n)

	var nodeChunks []uint32
	for c := 0; c < n; c++ {
		a.supportPrefix[c] = uint32(len(nodeChunks))
		a.chunkNode[c] = InvalidIndex
		if a.support[c] {
			a.chunkNode[c] = uint32(len(nodeChunks))
			nodeChunks = append(nodeChunks, uint32(c))
		}

		sc := InvalidIndex
		switch parent := a.chunks[c].Parent; {
		case a.support[c]:
			sc = uint32(c)
		case parent != InvalidIndex:
			sc = a.supportChunk[parent]
		}
		a.supportChunk[c] = sc

		a.healthSlot[c] = InvalidIndex
		if sc != InvalidIndex {
			a.healthSlot[c] = a.lowerSupport
			a.lowerSupport++
		}
	}
	a.supportPrefix[n] = uint32(len(nodeChunks))
	a.graph.chunkIndices = nodeChunks
}

func (a *Asset) buildBonds(descs []BondDesc, remap []uint32, log LogSink) error {
	n := uint64(len(a.chunks))
	seen := make(map[[2]uint32]int, len(descs))
	a.bondRemap = make([]uint32, len(descs))

	for i, bd := range descs {
		c0, c1 := bd.Chunks[0], bd.Chunks[1]
		if uint64(c0) >= n || uint64(c1) >= n {
			return fmt.Errorf("%w: bond %d references chunk out of range (%d, %d)", ErrInvalidBond, i, c0, c1)
		}
		if c0 == c1 {
			return fmt.Errorf("%w: bond %d connects chunk %d to itself", ErrInvalidBond, i, c0)
		}
		k0, k1 := remap[c0], remap[c1]
		if !a.support[k0] || !a.support[k1] {
			return fmt.Errorf("%w: bond %d references non-support chunk (%d, %d)", ErrInvalidBond, i, c0, c1)
		}

		n0, n1 := a.chunkNode[k0], a.chunkNode[k1]
		b := bd.Bond
		if n0 > n1 {
			n0, n1 = n1, n0
			b.Normal = b.Normal.Negate()
		}

		key := [2]uint32{n0, n1}
		if first, dup := seen[key]; dup {
			log.logf(SeverityWarning, "BuildAsset", "bond %d duplicates bond %d between nodes %d and %d, dropped", i, first, n0, n1)
			a.bondRemap[i] = InvalidIndex
			continue
		}
		seen[key] = i
		a.bondRemap[i] = uint32(len(a.bonds))
		a.bonds = append(a.bonds, b)
		a.bondNodes = append(a.bondNodes, key)
	}
	return nil
}

func (a *Asset) buildGraph() {
	type edge struct {
		node, neighbor, bond uint32
	}

	edges := make([]edge, 0, 2*len(a.bonds))
	for b, nodes := range a.bondNodes {
		edges = append(edges,
			edge{nodes[0], nodes[1], uint32(b)},
			edge{nodes[1], nodes[0], uint32(b)},
		)
	}
	slices.SortFunc(edges, func(x, y edge) int {
		if c := cmp.Compare(x.node, y.node); c != 0 {
			return c
		}
		return cmp.Compare(x.neighbor, y.neighbor)
	})

	nodeCount := len(a.graph.chunkIndices)
	g := &a.graph
	g.partition = make([]uint32, nodeCount+1)
	g.adjNodes = make([]uint32, len(edges))
	g.adjBonds = make([]uint32, len(edges))
	for i, e := range edges {
		g.partition[e.node+1]++
		g.adjNodes[i] = e.neighbor
		g.adjBonds[i] = e.bond
	}
	for i := 0; i < nodeCount; i++ {
		g.partition[i+1] += g.partition[i]
	}
}

// ChunkCount returns the number of chunks.
func (a *Asset) ChunkCount() uint32 {
	return uint32(len(a.chunks))
}

// Chunk returns the chunk at canonical index i.
func (a *Asset) Chunk(i uint32) Chunk {
	return a.chunks[i]
}

// Children returns the canonical child indices of chunk i in ascending order.
// The slice must not be modified.
func (a *Asset) Children(i uint32) []uint32 {
	return a.children[a.childOffsets[i]:a.childOffsets[i+1]]
}

// Roots returns the root chunks.
func (a *Asset) Roots() []uint32 {
	return a.roots
}

// SubtreeEnd returns the exclusive end of chunk i's subtree: every descendant
// of i lies in [i+1, SubtreeEnd(i)).
func (a *Asset) SubtreeEnd(i uint32) uint32 {
	return a.subtreeEnd[i]
}

// SubtreeLeafChunkCount returns the number of leaves below and including i.
func (a *Asset) SubtreeLeafChunkCount(i uint32) uint32 {
	return a.subtreeLeafCount[i]
}

// LeafChunkCount returns the number of leaf chunks. No split can produce
// more new actors than this.
func (a *Asset) LeafChunkCount() uint32 {
	return a.leafCount
}

// IsSupport reports whether chunk i is a support chunk.
func (a *Asset) IsSupport(i uint32) bool {
	return a.support[i]
}

// ChunkNode returns the graph node of chunk i, or InvalidIndex.
func (a *Asset) ChunkNode(i uint32) uint32 {
	return a.chunkNode[i]
}

// SupportChunk returns the support chunk at or above chunk i, or InvalidIndex
// if i is above the support level.
func (a *Asset) SupportChunk(i uint32) uint32 {
	return a.supportChunk[i]
}

// IsLowerSupport reports whether chunk i is a support chunk or below one.
func (a *Asset) IsLowerSupport(i uint32) bool {
	return a.healthSlot[i] != InvalidIndex
}

// LowerSupportChunkCount returns the number of chunks that carry health.
func (a *Asset) LowerSupportChunkCount() uint32 {
	return a.lowerSupport
}

// NodeCount returns the number of support graph nodes.
func (a *Asset) NodeCount() uint32 {
	return uint32(len(a.graph.chunkIndices))
}

// BondCount returns the number of bonds after duplicate removal.
func (a *Asset) BondCount() uint32 {
	return uint32(len(a.bonds))
}

// Bond returns bond i. The normal points from node BondNodes(i)[0] to [1].
func (a *Asset) Bond(i uint32) Bond {
	return a.bonds[i]
}

// BondNodes returns the graph nodes joined by bond i, lower id first.
func (a *Asset) BondNodes(i uint32) [2]uint32 {
	return a.bondNodes[i]
}

// BondRemap maps descriptor bond indices to bond ids. Dropped duplicates map
// to InvalidIndex.
func (a *Asset) BondRemap() []uint32 {
	return a.bondRemap
}

// Graph returns the support graph.
func (a *Asset) Graph() *SupportGraph {
	return &a.graph
}

// supportNodeRange returns the graph nodes of the support chunks inside the
// subtree of chunk i. Node ids follow canonical chunk order, so they form one
// contiguous range.
func (a *Asset) supportNodeRange(i uint32) (lo, hi uint32) {
	return a.supportPrefix[i], a.supportPrefix[a.subtreeEnd[i]]
}

// Desc returns a descriptor of the asset in canonical order. Building it
// again yields an identical asset and an identity remap.
func (a *Asset) Desc() AssetDesc {
	desc := AssetDesc{
		Chunks: make([]ChunkDesc, len(a.chunks)),
		Bonds:  make([]BondDesc, len(a.bonds)),
	}
	for i, c := range a.chunks {
		flags := ChunkNoFlags
		if a.support[i] {
			flags |= ChunkSupport
		}
		desc.Chunks[i] = ChunkDesc{
			Centroid: c.Centroid,
			Volume:   c.Volume,
			Parent:   c.Parent,
			Flags:    flags,
			UserData: c.UserData,
		}
	}
	for i, b := range a.bonds {
		nodes := a.bondNodes[i]
		desc.Bonds[i] = BondDesc{
			Bond:   b,
			Chunks: [2]uint32{a.graph.chunkIndices[nodes[0]], a.graph.chunkIndices[nodes[1]]},
		}
	}
	return desc
}

// PermuteChunks reorders a per-chunk array from descriptor order into
// canonical order using the remap returned by BuildAsset.
func PermuteChunks[T any](remap []uint32, in []T) []T {
	out := make([]T, len(in))
	for i, v := range in {
		out[remap[i]] = v
	}
	return out
}
