package blast

import (
	stdmath "math"
	"slices"

	"gonum.org/v1/gonum/spatial/kdtree"

	"github.com/Faultbox/blastgo/pkg/math"
)

// Accelerator indexes bond centroids and graph node centroids of an asset for
// damage queries. It is immutable once built and safe to share between
// goroutines.
type Accelerator struct {
	bonds *kdtree.Tree
	nodes *kdtree.Tree
}

// NewAccelerator builds kd-trees over the bond centroids and the support
// chunk centroids of asset's graph nodes.
func NewAccelerator(asset *Asset) *Accelerator {
	bondSites := make(sites, 0, asset.BondCount())
	for i, b := range asset.bonds {
		bondSites = append(bondSites, newSite(b.Centroid, uint32(i)))
	}

	nodeSites := make(sites, 0, asset.NodeCount())
	for n, chunk := range asset.graph.chunkIndices {
		nodeSites = append(nodeSites, newSite(asset.chunks[chunk].Centroid, uint32(n)))
	}

	acc := &Accelerator{}
	if len(bondSites) > 0 {
		acc.bonds = kdtree.New(bondSites, false)
	}
	if len(nodeSites) > 0 {
		acc.nodes = kdtree.New(nodeSites, false)
	}
	return acc
}

// BondsWithin returns bond ids whose centroid lies within radius of center,
// ascending.
func (a *Accelerator) BondsWithin(center math.Vec3, radius float32) []uint32 {
	return within(a.bonds, center, radius)
}

// NodesWithin returns graph node ids whose chunk centroid lies within radius
// of center, ascending.
func (a *Accelerator) NodesWithin(center math.Vec3, radius float32) []uint32 {
	return within(a.nodes, center, radius)
}

// NearestNode returns the graph node closest to p among those accepted by
// keep; ties go to the lower node id.
func (a *Accelerator) NearestNode(p math.Vec3, keep func(node uint32) bool) (uint32, bool) {
	if a.nodes == nil {
		return InvalidIndex, false
	}
	k := &nearestKeeper{Heap: kdtree.Heap{{Dist: stdmath.Inf(1)}}, accept: keep}
	a.nodes.NearestSet(k, newSite(p, InvalidIndex))
	if len(k.Heap) == 0 || k.Heap[0].Comparable == nil {
		return InvalidIndex, false
	}
	return k.Heap[0].Comparable.(site).id, true
}

// nearestKeeper retains the single best accepted site. Rejected sites do not
// tighten the search bound.
type nearestKeeper struct {
	kdtree.Heap
	accept func(id uint32) bool
}

func (k *nearestKeeper) Keep(c kdtree.ComparableDist) {
	id := c.Comparable.(site).id
	if !k.accept(id) {
		return
	}
	best := k.Heap[0]
	switch {
	case best.Comparable == nil, c.Dist < best.Dist:
	case c.Dist == best.Dist && id < best.Comparable.(site).id:
	default:
		return
	}
	k.Heap[0] = c
}

func (k *nearestKeeper) Max() kdtree.ComparableDist { return k.Heap[0] }

func within(tree *kdtree.Tree, center math.Vec3, radius float32) []uint32 {
	if tree == nil || radius < 0 {
		return nil
	}
	// Site distances are squared. The slack keeps points exactly on the
	// boundary despite float32 rounding; the damage profile decides the rest.
	r := float64(radius)*(1+1e-5) + 1e-6
	keep := kdtree.NewDistKeeper(r * r)
	tree.NearestSet(keep, newSite(center, InvalidIndex))

	out := make([]uint32, 0, len(keep.Heap))
	for _, c := range keep.Heap {
		if c.Comparable == nil {
			continue
		}
		out = append(out, c.Comparable.(site).id)
	}
	slices.Sort(out)
	return out
}

type site struct {
	pos [3]float64
	id  uint32
}

func newSite(p math.Vec3, id uint32) site {
	return site{pos: [3]float64{float64(p.X), float64(p.Y), float64(p.Z)}, id: id}
}

func (s site) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return s.pos[d] - c.(site).pos[d]
}

func (s site) Dims() int { return 3 }

func (s site) Distance(c kdtree.Comparable) float64 {
	q := c.(site)
	dx := s.pos[0] - q.pos[0]
	dy := s.pos[1] - q.pos[1]
	dz := s.pos[2] - q.pos[2]
	return dx*dx + dy*dy + dz*dz
}

type sites []site

func (s sites) Index(i int) kdtree.Comparable         { return s[i] }
func (s sites) Len() int                              { return len(s) }
func (s sites) Pivot(d kdtree.Dim) int                { return sitePlane{Dim: d, sites: s}.Pivot() }
func (s sites) Slice(start, end int) kdtree.Interface { return s[start:end] }

type sitePlane struct {
	kdtree.Dim
	sites
}

func (p sitePlane) Less(i, j int) bool {
	return p.sites[i].pos[p.Dim] < p.sites[j].pos[p.Dim]
}

func (p sitePlane) Pivot() int {
	return kdtree.Partition(p, kdtree.MedianOfMedians(p))
}

func (p sitePlane) Slice(start, end int) kdtree.SortSlicer {
	p.sites = p.sites[start:end]
	return p
}

func (p sitePlane) Swap(i, j int) {
	p.sites[i], p.sites[j] = p.sites[j], p.sites[i]
}
