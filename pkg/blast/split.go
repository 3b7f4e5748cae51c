package blast

import (
	"fmt"
	"slices"
	"time"
)

// SplitEvent reports the outcome of Split. Deleted is the zero handle when
// the actor survived unsplit.
type SplitEvent struct {
	Deleted   ActorHandle
	NewActors []ActorHandle
}

// Changed reports whether the split deleted the actor.
func (e SplitEvent) Changed() bool {
	return !e.Deleted.IsZero()
}

const (
	labelUnvisited = InvalidIndex
	labelRemoved   = InvalidIndex - 1
)

// SplitScratchSize returns the scratch length Split needs for the actor.
func (f *Family) SplitScratchSize(h ActorHandle) (int, error) {
	a, err := f.lookup(h)
	if err != nil {
		return 0, err
	}
	return 2 * len(a.nodes), nil
}

// RequiredSplitCapacity returns the number of actors Split would create. It
// runs the same traversal as Split without writing anything.
func (f *Family) RequiredSplitCapacity(h ActorHandle) (int, error) {
	a, err := f.lookup(h)
	if err != nil {
		return 0, err
	}
	p := f.planSplit(a, make([]uint32, 2*len(a.nodes)))
	return p.fragments(), nil
}

// Split partitions the actor into connected components over its live nodes
// and intact bonds. Components become new graph actors ordered by their
// lowest node id; surviving chunks below destroyed support chunks follow as
// subsupport actors in ascending chunk order.
//
// scratch may be nil; otherwise it must hold SplitScratchSize elements. If the
// split would create more than maxNewActors actors, ErrTooManyFragments is
// returned and the family is left untouched.
func (f *Family) Split(h ActorHandle, maxNewActors int, scratch []uint32) (SplitEvent, error) {
	a, err := f.lookup(h)
	if err != nil {
		return SplitEvent{}, err
	}
	need := 2 * len(a.nodes)
	switch {
	case scratch == nil:
		scratch = make([]uint32, need)
	case len(scratch) < need:
		return SplitEvent{}, fmt.Errorf("%w: have %d, need %d", ErrInsufficientScratch, len(scratch), need)
	}

	start := time.Now()
	p := f.planSplit(a, scratch)
	if f.timers != nil {
		f.timers.Island += time.Since(start)
	}
	if p.unchanged {
		return SplitEvent{}, nil
	}
	if n := p.fragments(); n > maxNewActors {
		return SplitEvent{}, fmt.Errorf("%w: %d fragments, capacity %d", ErrTooManyFragments, n, maxNewActors)
	}

	start = time.Now()
	ev := SplitEvent{Deleted: h, NewActors: make([]ActorHandle, 0, p.fragments())}
	f.kill(h.index)
	for _, nodes := range p.components {
		ev.NewActors = append(ev.NewActors, f.alloc(nodes, InvalidIndex))
	}
	for _, chunk := range p.chunks {
		ev.NewActors = append(ev.NewActors, f.alloc(nil, chunk))
	}
	if f.timers != nil {
		f.timers.Partition += time.Since(start)
	}

	start = time.Now()
	for _, nh := range ev.NewActors {
		na := &f.actors[nh.index]
		na.visible = f.visibleChunks(na)
	}
	if f.timers != nil {
		f.timers.Visibility += time.Since(start)
	}

	f.log.logf(SeverityDebug, "Split", "%s split into %d graph and %d subsupport actors",
		h, len(p.components), len(p.chunks))
	return ev, nil
}

type splitPlan struct {
	unchanged  bool
	components [][]uint32
	chunks     []uint32
}

func (p *splitPlan) fragments() int {
	if p.unchanged {
		return 0
	}
	return len(p.components) + len(p.chunks)
}

func (f *Family) planSplit(a *actor, scratch []uint32) splitPlan {
	var p splitPlan
	if a.isSubsupport() {
		if f.chunkHealthAt(a.chunk) > 0 {
			p.unchanged = true
			return p
		}
		p.chunks = f.brittle(f.asset.Children(a.chunk), nil)
		return p
	}

	n := len(a.nodes)
	labels, queue := scratch[:n], scratch[n:2*n]
	g := &f.asset.graph

	removed := 0
	for i, node := range a.nodes {
		labels[i] = labelUnvisited
		if f.chunkHealthAt(g.chunkIndices[node]) <= 0 {
			labels[i] = labelRemoved
			removed++
		}
	}

	var comps uint32
	for i := range a.nodes {
		if labels[i] != labelUnvisited {
			continue
		}
		labels[i] = comps
		queue[0] = uint32(i)
		for head, tail := 0, 1; head < tail; head++ {
			node := a.nodes[queue[head]]
			for nb, b := range g.Neighbors(node) {
				if f.bondHealth[b] <= 0 {
					continue
				}
				j, ok := slices.BinarySearch(a.nodes, nb)
				if !ok || labels[j] != labelUnvisited {
					continue
				}
				labels[j] = comps
				queue[tail] = uint32(j)
				tail++
			}
		}
		comps++
	}

	if removed == 0 && comps <= 1 {
		p.unchanged = true
		return p
	}

	p.components = make([][]uint32, comps)
	for i, node := range a.nodes {
		if l := labels[i]; l != labelRemoved {
			p.components[l] = append(p.components[l], node)
		}
	}
	for i, node := range a.nodes {
		if labels[i] == labelRemoved {
			p.chunks = f.brittle(f.asset.Children(g.chunkIndices[node]), p.chunks)
		}
	}
	return p
}

// brittle appends the chunks that survive below a destroyed chunk: live
// children are kept whole, dead ones are searched recursively.
func (f *Family) brittle(children []uint32, out []uint32) []uint32 {
	for _, c := range children {
		if f.chunkHealthAt(c) > 0 {
			out = append(out, c)
			continue
		}
		out = f.brittle(f.asset.Children(c), out)
	}
	return out
}
