package blast

import (
	"maps"
	"slices"
	"time"

	"github.com/Faultbox/blastgo/pkg/math"
)

// EvalParams carries the optional inputs of Evaluate.
type EvalParams struct {
	// Material filters summed damage through its thresholds. Nil applies
	// damage as is.
	Material *Material
	// Accelerator narrows bond candidates and nearest node lookups. Nil falls
	// back to a scan over the actor's nodes; both produce the same buffer.
	Accelerator *Accelerator
}

// ChunkFracture proposes a new health for a lower-support chunk.
type ChunkFracture struct {
	UserData uint32
	Chunk    uint32
	Health   float32
}

// BondFracture proposes a new health for a bond.
type BondFracture struct {
	UserData uint32
	Bond     uint32
	Node0    uint32
	Node1    uint32
	Health   float32
}

// FractureBuffer is the sparse output of Evaluate and the input of Apply.
// Entries are sorted by chunk and bond id.
type FractureBuffer struct {
	Chunks []ChunkFracture
	Bonds  []BondFracture
}

// Empty reports whether the buffer proposes no change.
func (b *FractureBuffer) Empty() bool {
	return len(b.Chunks) == 0 && len(b.Bonds) == 0
}

// Reset clears the buffer, keeping its capacity.
func (b *FractureBuffer) Reset() {
	b.Chunks = b.Chunks[:0]
	b.Bonds = b.Bonds[:0]
}

// Evaluate turns damage descriptors into proposed healths for the actor. It
// reads family state and never writes it.
//
// Actors with two or more graph nodes take bond damage; single-node and
// subsupport actors take chunk damage. A chunk driven below zero passes the
// excess evenly to its children.
func (f *Family) Evaluate(h ActorHandle, damage []DamageDesc, params EvalParams) (*FractureBuffer, error) {
	a, err := f.lookup(h)
	if err != nil {
		return nil, err
	}
	if f.timers != nil {
		start := time.Now()
		defer func() { f.timers.Material += time.Since(start) }()
	}

	e := evaluation{
		f:         f,
		a:         a,
		idx:       h.index,
		acc:       params.Accelerator,
		bondDmg:   make(map[uint32]float32),
		chunkDmg:  make(map[uint32]float32),
		multiNode: !a.isSubsupport() && len(a.nodes) > 1,
	}
	for i := range damage {
		d := &damage[i]
		if e.multiNode {
			e.graphDamage(d)
		} else {
			e.subgraphDamage(d)
		}
	}
	return e.buffer(params.Material), nil
}

type evaluation struct {
	f         *Family
	a         *actor
	idx       uint32
	acc       *Accelerator
	multiNode bool

	bondDmg  map[uint32]float32
	chunkDmg map[uint32]float32
}

func (e *evaluation) subgraphDamage(d *DamageDesc) {
	chunk := e.f.subjectChunk(e.a)
	if e.f.chunkHealthAt(chunk) <= 0 {
		return
	}
	var dmg float32
	if d.Kind == DamageImpact {
		dmg = d.Damage
	} else {
		dmg = d.damageAt(e.f.asset.chunks[chunk].Centroid)
	}
	if dmg > 0 {
		e.chunkDmg[chunk] += dmg
	}
}

func (e *evaluation) graphDamage(d *DamageDesc) {
	switch d.Kind {
	case DamageShear:
		e.shear(d)
	case DamageImpact:
		if node, ok := e.closestLiveNode(d.Position); ok && d.Damage > 0 {
			e.chunkDmg[e.f.asset.graph.chunkIndices[node]] += d.Damage
		}
	default:
		e.forEachCandidateBond(d, func(bond uint32) {
			if dmg := d.damageAt(e.f.asset.bonds[bond].Centroid); dmg > 0 {
				e.bondDmg[bond] += dmg
			}
		})
	}
}

// intactOwned reports whether the bond still holds and both ends belong to
// the actor.
func (e *evaluation) intactOwned(bond uint32) bool {
	if e.f.bondHealth[bond] <= 0 {
		return false
	}
	nodes := e.f.asset.bondNodes[bond]
	return e.f.nodeActor[nodes[0]] == e.idx && e.f.nodeActor[nodes[1]] == e.idx
}

func (e *evaluation) forEachCandidateBond(d *DamageDesc, fn func(bond uint32)) {
	if e.acc != nil {
		center, radius := d.reach()
		for _, b := range e.acc.BondsWithin(center, radius) {
			if e.intactOwned(b) {
				fn(b)
			}
		}
		return
	}

	var bonds []uint32
	g := &e.f.asset.graph
	for _, n := range e.a.nodes {
		for nb, b := range g.Neighbors(n) {
			if n < nb && e.intactOwned(b) {
				bonds = append(bonds, b)
			}
		}
	}
	slices.Sort(bonds)
	for _, b := range bonds {
		fn(b)
	}
}

// closestLiveNode returns the owned node with live support chunk nearest p;
// ties go to the lower node id.
func (e *evaluation) closestLiveNode(p math.Vec3) (uint32, bool) {
	if e.acc != nil {
		return e.acc.NearestNode(p, e.liveOwnedNode)
	}
	best, found := InvalidIndex, false
	var bestDist float32
	for _, n := range e.a.nodes {
		if !e.liveOwnedNode(n) {
			continue
		}
		dist := e.f.asset.chunks[e.f.asset.graph.chunkIndices[n]].Centroid.Distance(p)
		if !found || dist < bestDist || (dist == bestDist && n < best) {
			best, bestDist, found = n, dist, true
		}
	}
	return best, found
}

func (e *evaluation) liveOwnedNode(n uint32) bool {
	return e.f.nodeActor[n] == e.idx && e.f.chunkHealthAt(e.f.asset.graph.chunkIndices[n]) > 0
}

// shear damages the closest node, then walks the graph in the direction of
// the shear normal. At each visited node every intact bond takes damage
// scaled by how far it lies across the normal; the walk moves to the
// neighbor that advances furthest and stops when none advances.
func (e *evaluation) shear(d *DamageDesc) {
	node, ok := e.closestLiveNode(d.Position)
	if !ok {
		return
	}
	asset := e.f.asset
	chunks := asset.graph.chunkIndices
	if dmg := d.damageAt(asset.chunks[chunks[node]].Centroid); dmg > 0 {
		e.chunkDmg[chunks[node]] += dmg
	}

	normal := d.Normal.Normalize()
	ahead := func(n uint32) float32 {
		return asset.chunks[chunks[n]].Centroid.Sub(d.Position).Dot(normal)
	}

	visited := make(map[uint32]bool)
	current := node
	for current != InvalidIndex {
		next, best := InvalidIndex, ahead(current)
		for nb, b := range asset.graph.Neighbors(current) {
			if !e.intactOwned(b) {
				continue
			}
			if !visited[b] {
				visited[b] = true
				bond := &asset.bonds[b]
				shear := math.Abs32(1 - math.Abs32(normal.Dot(bond.Normal)))
				if dmg := shear * d.damageAt(bond.Centroid); dmg > 0 {
					e.bondDmg[b] += dmg
				}
			}
			if x := ahead(nb); x > best {
				next, best = nb, x
			}
		}
		current = next
	}
}

func (e *evaluation) buffer(m *Material) *FractureBuffer {
	f := e.f
	asset := f.asset
	buf := &FractureBuffer{}

	chunkOut := make(map[uint32]float32)
	for _, c := range slices.Sorted(maps.Keys(e.chunkDmg)) {
		f.proposeChunk(c, m.filter(e.chunkDmg[c]), chunkOut)
	}

	bondOut := make(map[uint32]float32)
	for _, b := range slices.Sorted(maps.Keys(e.bondDmg)) {
		cur := f.bondHealth[b]
		if dmg := clampDamage(m.filter(e.bondDmg[b]), cur); dmg > 0 {
			bondOut[b] = cur - dmg
		}
	}

	for _, c := range slices.Sorted(maps.Keys(chunkOut)) {
		health := chunkOut[c]
		buf.Chunks = append(buf.Chunks, ChunkFracture{UserData: asset.chunks[c].UserData, Chunk: c, Health: health})

		node := asset.chunkNode[c]
		if health > 0 || node == InvalidIndex || !e.multiNode {
			continue
		}
		for _, b := range asset.graph.adjBonds[asset.graph.partition[node]:asset.graph.partition[node+1]] {
			if e.intactOwned(b) {
				bondOut[b] = 0
			}
		}
	}

	for _, b := range slices.Sorted(maps.Keys(bondOut)) {
		nodes := asset.bondNodes[b]
		buf.Bonds = append(buf.Bonds, BondFracture{
			UserData: asset.bonds[b].UserData,
			Bond:     b,
			Node0:    nodes[0],
			Node1:    nodes[1],
			Health:   bondOut[b],
		})
	}
	return buf
}

// proposeChunk records the chunk's health after damage. Damage beyond the
// remaining health is divided evenly among the children.
func (f *Family) proposeChunk(chunk uint32, damage float32, out map[uint32]float32) {
	cur := f.chunkHealthAt(chunk)
	if cur <= 0 || !(damage > 0) {
		return
	}
	remaining := cur - damage
	if remaining >= 0 {
		out[chunk] = remaining
		return
	}
	out[chunk] = 0
	kids := f.asset.Children(chunk)
	if len(kids) == 0 {
		return
	}
	excess := -remaining / float32(len(kids))
	for _, k := range kids {
		f.proposeChunk(k, excess, out)
	}
}

func clampDamage(damage, current float32) float32 {
	if !(damage > 0) || current <= 0 {
		return 0
	}
	return min(damage, current)
}
