package blast

import (
	"cmp"
	"container/heap"
	"fmt"
	"slices"
)

// ActorSlot is the serialized form of one arena slot.
type ActorSlot struct {
	Generation uint32
	Alive      bool
	Nodes      []uint32
	Chunk      uint32 // InvalidIndex for graph actors
}

// FamilySnapshot captures everything needed to rebuild a family, including
// dead slots so that restored handles keep their generations.
type FamilySnapshot struct {
	BondHealths  []float32
	ChunkHealths []float32
	Actors       []ActorSlot
}

// Snapshot copies the family state.
func (f *Family) Snapshot() *FamilySnapshot {
	s := &FamilySnapshot{
		BondHealths:  slices.Clone(f.bondHealth),
		ChunkHealths: slices.Clone(f.chunkHealth),
		Actors:       make([]ActorSlot, len(f.actors)),
	}
	for i := range f.actors {
		a := &f.actors[i]
		s.Actors[i] = ActorSlot{
			Generation: a.generation,
			Alive:      a.alive,
			Nodes:      slices.Clone(a.nodes),
			Chunk:      a.chunk,
		}
	}
	return s
}

// RestoreFamily rebuilds a family of asset from a snapshot. The snapshot must
// match the asset's sizes and describe disjoint ownership.
func RestoreFamily(asset *Asset, snap *FamilySnapshot) (*Family, error) {
	f := NewFamily(asset)
	if len(snap.BondHealths) != len(f.bondHealth) {
		return nil, fmt.Errorf("%w: %d bond healths for %d bonds", ErrInvalidSnapshot, len(snap.BondHealths), len(f.bondHealth))
	}
	if len(snap.ChunkHealths) != len(f.chunkHealth) {
		return nil, fmt.Errorf("%w: %d chunk healths for %d lower-support chunks", ErrInvalidSnapshot, len(snap.ChunkHealths), len(f.chunkHealth))
	}
	copy(f.bondHealth, snap.BondHealths)
	copy(f.chunkHealth, snap.ChunkHealths)

	f.actors = make([]actor, len(snap.Actors))
	for i, slot := range snap.Actors {
		if slot.Generation == 0 {
			return nil, fmt.Errorf("%w: slot %d has generation 0", ErrInvalidSnapshot, i)
		}
		a := &f.actors[i]
		a.generation = slot.Generation
		a.chunk = InvalidIndex
		if !slot.Alive {
			heap.Push(&f.free, uint32(i))
			continue
		}
		if err := f.restoreSlot(uint32(i), slot); err != nil {
			return nil, err
		}
	}
	if err := f.checkSubsupportSlots(); err != nil {
		return nil, err
	}
	for i := range f.actors {
		if f.actors[i].alive {
			f.actors[i].visible = f.visibleChunks(&f.actors[i])
		}
	}
	return f, nil
}

func (f *Family) restoreSlot(idx uint32, slot ActorSlot) error {
	a := &f.actors[idx]
	if slot.Chunk != InvalidIndex {
		if len(slot.Nodes) > 0 || slot.Chunk >= f.asset.ChunkCount() ||
			!f.asset.IsLowerSupport(slot.Chunk) || f.asset.IsSupport(slot.Chunk) {
			return fmt.Errorf("%w: slot %d: bad subsupport chunk %d", ErrInvalidSnapshot, idx, slot.Chunk)
		}
	} else if len(slot.Nodes) == 0 {
		return fmt.Errorf("%w: slot %d: live actor with no nodes", ErrInvalidSnapshot, idx)
	}

	for i, n := range slot.Nodes {
		if n >= f.asset.NodeCount() || (i > 0 && n <= slot.Nodes[i-1]) {
			return fmt.Errorf("%w: slot %d: nodes not ascending or out of range", ErrInvalidSnapshot, idx)
		}
		if f.nodeActor[n] != InvalidIndex {
			return fmt.Errorf("%w: node %d owned by slots %d and %d", ErrInvalidSnapshot, n, f.nodeActor[n], idx)
		}
		f.nodeActor[n] = idx
	}
	a.alive = true
	a.nodes = slices.Clone(slot.Nodes)
	a.chunk = slot.Chunk
	f.live++
	return nil
}

// checkSubsupportSlots rejects subsupport actors whose support chunk still
// belongs to a graph actor, and subsupport actors whose subtrees overlap.
// Graph ownership must be restored first.
func (f *Family) checkSubsupportSlots() error {
	var subs []uint32
	for i := range f.actors {
		a := &f.actors[i]
		if !a.alive || !a.isSubsupport() {
			continue
		}
		node := f.asset.chunkNode[f.asset.supportChunk[a.chunk]]
		if owner := f.nodeActor[node]; owner != InvalidIndex {
			return fmt.Errorf("%w: slot %d: chunk %d lies under node %d owned by slot %d", ErrInvalidSnapshot, i, a.chunk, node, owner)
		}
		subs = append(subs, uint32(i))
	}

	// Subtrees in canonical order are nested or disjoint, so sorting by chunk
	// puts any overlap next to its enclosing subtree.
	slices.SortFunc(subs, func(x, y uint32) int {
		return cmp.Compare(f.actors[x].chunk, f.actors[y].chunk)
	})
	for k := 1; k < len(subs); k++ {
		prev, cur := &f.actors[subs[k-1]], &f.actors[subs[k]]
		if cur.chunk < f.asset.subtreeEnd[prev.chunk] {
			return fmt.Errorf("%w: slots %d and %d both own chunk %d", ErrInvalidSnapshot, subs[k-1], subs[k], cur.chunk)
		}
	}
	return nil
}
