package blast

import (
	"container/heap"
	"fmt"
	"slices"
	"time"
)

// ActorHandle identifies an actor within its family. Handles carry the
// generation of the arena slot they were issued for; once the actor dies the
// slot's generation moves on and the handle goes stale.
type ActorHandle struct {
	index      uint32
	generation uint32
}

// MakeActorHandle rebuilds a handle from a stored index and generation.
func MakeActorHandle(index, generation uint32) ActorHandle {
	return ActorHandle{index: index, generation: generation}
}

// Index returns the arena slot.
func (h ActorHandle) Index() uint32 {
	return h.index
}

// Generation returns the slot generation the handle was issued for.
func (h ActorHandle) Generation() uint32 {
	return h.generation
}

// IsZero reports whether h is the zero handle, which never names an actor.
func (h ActorHandle) IsZero() bool {
	return h.generation == 0
}

// String returns "actor(index:generation)".
func (h ActorHandle) String() string {
	if h.IsZero() {
		return "actor(nil)"
	}
	return fmt.Sprintf("actor(%d:%d)", h.index, h.generation)
}

type actor struct {
	generation uint32
	alive      bool
	nodes      []uint32 // ascending
	chunk      uint32   // lower-support chunk of a subsupport actor
	visible    []uint32
}

func (a *actor) isSubsupport() bool {
	return a.chunk != InvalidIndex
}

// Timers accumulates wall time per solver phase. Timing is observational and
// never changes results.
type Timers struct {
	Material   time.Duration
	Fracture   time.Duration
	Island     time.Duration
	Partition  time.Duration
	Visibility time.Duration
}

// Reset zeroes all phases.
func (t *Timers) Reset() {
	*t = Timers{}
}

// Add accumulates other into t.
func (t *Timers) Add(other Timers) {
	t.Material += other.Material
	t.Fracture += other.Fracture
	t.Island += other.Island
	t.Partition += other.Partition
	t.Visibility += other.Visibility
}

// Total returns the sum of all phases.
func (t *Timers) Total() time.Duration {
	return t.Material + t.Fracture + t.Island + t.Partition + t.Visibility
}

// indexHeap hands out the lowest free arena slot first, so slot assignment
// depends only on the current state and not on release order.
type indexHeap []uint32

func (h indexHeap) Len() int           { return len(h) }
func (h indexHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *indexHeap) Push(x any) {
	*h = append(*h, x.(uint32))
}

func (h *indexHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// ActorDesc sets the initial health of a family's first actor. Per-element
// slices, when set, override the uniform value and must match the asset's
// bond count and node count respectively.
type ActorDesc struct {
	UniformBondHealth  float32
	BondHealths        []float32
	UniformChunkHealth float32
	ChunkHealths       []float32 // per support node; descendants inherit it
}

// Family owns the mutable health and ownership state of one asset instance.
// It is not safe for concurrent use; callers serialize access per family.
type Family struct {
	asset       *Asset
	bondHealth  []float32
	chunkHealth []float32
	nodeActor   []uint32

	actors   []actor
	free     indexHeap
	live     int
	released bool

	log    LogSink
	timers *Timers
}

// NewFamily allocates state for asset. It has no actors until
// CreateFirstActor is called.
func NewFamily(asset *Asset) *Family {
	f := &Family{
		asset:       asset,
		bondHealth:  make([]float32, asset.BondCount()),
		chunkHealth: make([]float32, asset.LowerSupportChunkCount()),
		nodeActor:   make([]uint32, asset.NodeCount()),
	}
	for i := range f.nodeActor {
		f.nodeActor[i] = InvalidIndex
	}
	return f
}

// SetLogSink sets the sink for split diagnostics.
func (f *Family) SetLogSink(sink LogSink) {
	f.log = sink
}

// SetTimers makes Evaluate, Apply and Split accumulate phase times into t.
// Pass nil to stop timing.
func (f *Family) SetTimers(t *Timers) {
	f.timers = t
}

// Asset returns the family's asset.
func (f *Family) Asset() *Asset {
	return f.asset
}

// CreateFirstActor initializes health from desc and creates an actor owning
// every support node.
func (f *Family) CreateFirstActor(desc ActorDesc) (ActorHandle, error) {
	if f.released {
		return ActorHandle{}, fmt.Errorf("%w: family released", ErrStaleActor)
	}
	if len(f.actors) > 0 {
		return ActorHandle{}, ErrFamilyHasActors
	}
	if desc.BondHealths != nil && len(desc.BondHealths) != len(f.bondHealth) {
		return ActorHandle{}, fmt.Errorf("%w: %d bond healths for %d bonds", ErrInvalidActorDesc, len(desc.BondHealths), len(f.bondHealth))
	}
	if desc.ChunkHealths != nil && len(desc.ChunkHealths) != len(f.nodeActor) {
		return ActorHandle{}, fmt.Errorf("%w: %d chunk healths for %d support chunks", ErrInvalidActorDesc, len(desc.ChunkHealths), len(f.nodeActor))
	}

	for b := range f.bondHealth {
		f.bondHealth[b] = desc.UniformBondHealth
		if desc.BondHealths != nil {
			f.bondHealth[b] = desc.BondHealths[b]
		}
	}

	a := f.asset
	for c := range a.chunks {
		slot := a.healthSlot[c]
		if slot == InvalidIndex {
			continue
		}
		h := desc.UniformChunkHealth
		if desc.ChunkHealths != nil {
			h = desc.ChunkHealths[a.chunkNode[a.supportChunk[c]]]
		}
		f.chunkHealth[slot] = h
	}

	nodes := make([]uint32, a.NodeCount())
	for i := range nodes {
		nodes[i] = uint32(i)
	}
	h := f.alloc(nodes, InvalidIndex)
	f.actors[h.index].visible = f.visibleChunks(&f.actors[h.index])
	return h, nil
}

func (f *Family) alloc(nodes []uint32, chunk uint32) ActorHandle {
	var idx uint32
	if f.free.Len() > 0 {
		idx = heap.Pop(&f.free).(uint32)
	} else {
		idx = uint32(len(f.actors))
		f.actors = append(f.actors, actor{generation: 1})
	}

	a := &f.actors[idx]
	a.alive = true
	a.nodes = nodes
	a.chunk = chunk
	for _, n := range nodes {
		f.nodeActor[n] = idx
	}
	f.live++
	return ActorHandle{index: idx, generation: a.generation}
}

func (f *Family) kill(idx uint32) {
	a := &f.actors[idx]
	for _, n := range a.nodes {
		if f.nodeActor[n] == idx {
			f.nodeActor[n] = InvalidIndex
		}
	}
	a.alive = false
	a.nodes = nil
	a.visible = nil
	a.chunk = InvalidIndex
	a.generation++
	if a.generation == 0 {
		a.generation = 1
	}
	heap.Push(&f.free, idx)
	f.live--
}

func (f *Family) lookup(h ActorHandle) (*actor, error) {
	if f.released {
		return nil, fmt.Errorf("%w: family released", ErrStaleActor)
	}
	if h.generation == 0 || int(h.index) >= len(f.actors) {
		return nil, fmt.Errorf("%w: %s", ErrStaleActor, h)
	}
	a := &f.actors[h.index]
	if !a.alive || a.generation != h.generation {
		return nil, fmt.Errorf("%w: %s", ErrStaleActor, h)
	}
	return a, nil
}

// IsAlive reports whether h names a live actor.
func (f *Family) IsAlive(h ActorHandle) bool {
	_, err := f.lookup(h)
	return err == nil
}

// ActorCount returns the number of live actors.
func (f *Family) ActorCount() int {
	return f.live
}

// Actors returns handles of all live actors in slot order.
func (f *Family) Actors() []ActorHandle {
	out := make([]ActorHandle, 0, f.live)
	if f.released {
		return out
	}
	for i := range f.actors {
		if f.actors[i].alive {
			out = append(out, ActorHandle{index: uint32(i), generation: f.actors[i].generation})
		}
	}
	return out
}

// VisibleChunks returns the coarsest set of chunks that exactly covers the
// actor.
func (f *Family) VisibleChunks(h ActorHandle) ([]uint32, error) {
	a, err := f.lookup(h)
	if err != nil {
		return nil, err
	}
	return slices.Clone(a.visible), nil
}

// GraphNodes returns the support nodes owned by the actor in ascending order.
// Subsupport actors own none.
func (f *Family) GraphNodes(h ActorHandle) ([]uint32, error) {
	a, err := f.lookup(h)
	if err != nil {
		return nil, err
	}
	return slices.Clone(a.nodes), nil
}

// SubsupportChunk returns the chunk of a subsupport actor, or InvalidIndex
// for graph actors.
func (f *Family) SubsupportChunk(h ActorHandle) (uint32, error) {
	a, err := f.lookup(h)
	if err != nil {
		return InvalidIndex, err
	}
	return a.chunk, nil
}

// ChunkHealth returns the health of a lower-support chunk. ok is false for
// chunks above the support level, which carry no health.
func (f *Family) ChunkHealth(chunk uint32) (health float32, ok bool) {
	if chunk >= f.asset.ChunkCount() {
		return 0, false
	}
	slot := f.asset.healthSlot[chunk]
	if slot == InvalidIndex {
		return 0, false
	}
	return f.chunkHealth[slot], true
}

// BondHealth returns the health of bond.
func (f *Family) BondHealth(bond uint32) float32 {
	return f.bondHealth[bond]
}

// NodeActor returns the actor owning node. ok is false for destroyed nodes.
func (f *Family) NodeActor(node uint32) (ActorHandle, bool) {
	idx := f.nodeActor[node]
	if idx == InvalidIndex || f.released {
		return ActorHandle{}, false
	}
	return ActorHandle{index: idx, generation: f.actors[idx].generation}, true
}

// ReleaseActor destroys the actor and clears its node assignments. Health
// arrays are left untouched.
func (f *Family) ReleaseActor(h ActorHandle) error {
	if _, err := f.lookup(h); err != nil {
		return err
	}
	f.kill(h.index)
	return nil
}

// Release destroys every actor. All handles of the family become stale.
func (f *Family) Release() {
	if f.released {
		return
	}
	for i := range f.actors {
		if f.actors[i].alive {
			f.kill(uint32(i))
		}
	}
	f.released = true
}

// Released reports whether Release has been called.
func (f *Family) Released() bool {
	return f.released
}

func (f *Family) chunkHealthAt(chunk uint32) float32 {
	return f.chunkHealth[f.asset.healthSlot[chunk]]
}

// ownsChunk reports whether a lower-support chunk belongs to the actor in
// slot idx.
func (f *Family) ownsChunk(idx uint32, a *actor, chunk uint32) bool {
	if a.isSubsupport() {
		return chunk >= a.chunk && chunk < f.asset.subtreeEnd[a.chunk]
	}
	sc := f.asset.supportChunk[chunk]
	if sc == InvalidIndex {
		return false
	}
	return f.nodeActor[f.asset.chunkNode[sc]] == idx
}

// subjectChunk is the chunk damaged when an actor has at most one node.
func (f *Family) subjectChunk(a *actor) uint32 {
	if a.isSubsupport() {
		return a.chunk
	}
	return f.asset.graph.chunkIndices[a.nodes[0]]
}
