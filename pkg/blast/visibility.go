package blast

import "slices"

// visibleChunks returns the coarsest chunks covering the actor: a chunk is
// visible when the actor owns every support node in its subtree and no
// ancestor qualifies.
func (f *Family) visibleChunks(a *actor) []uint32 {
	if a.isSubsupport() {
		return []uint32{a.chunk}
	}
	var out []uint32
	for _, r := range f.asset.roots {
		f.collectVisible(r, a.nodes, &out)
	}
	return out
}

func (f *Family) collectVisible(chunk uint32, nodes []uint32, out *[]uint32) {
	lo, hi := f.asset.supportNodeRange(chunk)
	owned := countInRange(nodes, lo, hi)
	switch {
	case owned == 0:
		return
	case owned == hi-lo:
		*out = append(*out, chunk)
		return
	}
	for _, child := range f.asset.Children(chunk) {
		f.collectVisible(child, nodes, out)
	}
}

// countInRange counts the values of a sorted slice within [lo, hi).
func countInRange(sorted []uint32, lo, hi uint32) uint32 {
	i, _ := slices.BinarySearch(sorted, lo)
	j, _ := slices.BinarySearch(sorted, hi)
	return uint32(j - i)
}
