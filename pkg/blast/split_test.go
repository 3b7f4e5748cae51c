package blast

import (
	"errors"
	"reflect"
	"slices"
	"testing"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/Faultbox/blastgo/pkg/math"
)

// cycle evaluates, applies and splits one actor.
func cycle(t *testing.T, f *Family, h ActorHandle, damage []DamageDesc, params EvalParams) SplitEvent {
	t.Helper()
	buf, err := f.Evaluate(h, damage, params)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if _, err := f.Apply(h, buf); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	want, err := f.RequiredSplitCapacity(h)
	if err != nil {
		t.Fatalf("RequiredSplitCapacity failed: %v", err)
	}
	ev, err := f.Split(h, want, nil)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if len(ev.NewActors) != want {
		t.Errorf("RequiredSplitCapacity = %d, split created %d", want, len(ev.NewActors))
	}
	return ev
}

func breakBonds(t *testing.T, f *Family, h ActorHandle, bonds ...uint32) {
	t.Helper()
	buf := &FractureBuffer{}
	for _, b := range bonds {
		nodes := f.Asset().BondNodes(b)
		buf.Bonds = append(buf.Bonds, BondFracture{Bond: b, Node0: nodes[0], Node1: nodes[1]})
	}
	if _, err := f.Apply(h, buf); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
}

func graphNodes(t *testing.T, f *Family, handles []ActorHandle) [][]uint32 {
	t.Helper()
	out := make([][]uint32, len(handles))
	for i, h := range handles {
		nodes, err := f.GraphNodes(h)
		if err != nil {
			t.Fatalf("GraphNodes(%s) failed: %v", h, err)
		}
		out[i] = nodes
	}
	return out
}

// checkOwnership verifies that every node belongs to exactly one live actor,
// or to none when its support chunk is destroyed.
func checkOwnership(t *testing.T, f *Family) {
	t.Helper()
	asset := f.Asset()
	owner := make(map[uint32]ActorHandle)
	for _, h := range f.Actors() {
		nodes, err := f.GraphNodes(h)
		if err != nil {
			t.Fatalf("GraphNodes failed: %v", err)
		}
		for _, n := range nodes {
			if prev, dup := owner[n]; dup {
				t.Errorf("node %d owned by %s and %s", n, prev, h)
			}
			owner[n] = h
			if got, ok := f.NodeActor(n); !ok || got != h {
				t.Errorf("NodeActor(%d) = %s, want %s", n, got, h)
			}
		}
	}
	for n := uint32(0); n < asset.NodeCount(); n++ {
		if _, ok := owner[n]; ok {
			continue
		}
		if health, _ := f.ChunkHealth(asset.Graph().ChunkIndex(n)); health > 0 {
			t.Errorf("node %d with health %v has no actor", n, health)
		}
		if _, ok := f.NodeActor(n); ok {
			t.Errorf("unowned node %d still assigned", n)
		}
	}
}

// expectedComponents computes the connected components of the actor's live
// nodes over intact bonds with gonum, ordered by lowest node id.
func expectedComponents(t *testing.T, f *Family, h ActorHandle) [][]uint32 {
	t.Helper()
	nodes, err := f.GraphNodes(h)
	if err != nil {
		t.Fatalf("GraphNodes failed: %v", err)
	}
	asset := f.Asset()
	live := make(map[uint32]bool)
	g := simple.NewUndirectedGraph()
	for _, n := range nodes {
		if health, _ := f.ChunkHealth(asset.Graph().ChunkIndex(n)); health > 0 {
			live[n] = true
			g.AddNode(simple.Node(n))
		}
	}
	for b := uint32(0); b < asset.BondCount(); b++ {
		ends := asset.BondNodes(b)
		if f.BondHealth(b) > 0 && live[ends[0]] && live[ends[1]] {
			g.SetEdge(simple.Edge{F: simple.Node(ends[0]), T: simple.Node(ends[1])})
		}
	}

	var comps [][]uint32
	for _, cc := range topo.ConnectedComponents(g) {
		comp := make([]uint32, 0, len(cc))
		for _, n := range cc {
			comp = append(comp, uint32(n.ID()))
		}
		slices.Sort(comp)
		comps = append(comps, comp)
	}
	slices.SortFunc(comps, func(a, b []uint32) int { return int(a[0]) - int(b[0]) })
	return comps
}

func TestSplit_SingleChunk(t *testing.T) {
	desc := AssetDesc{Chunks: []ChunkDesc{{Parent: InvalidIndex, Volume: 1}}}
	f, h := newTestFamily(t, desc, 0, 10)

	ev := cycle(t, f, h, []DamageDesc{RadialDamage(math.Vec3{}, 0, 1, 3)}, EvalParams{})

	if health, _ := f.ChunkHealth(0); health != 7 {
		t.Errorf("chunk health = %v, want 7", health)
	}
	if ev.Changed() || len(ev.NewActors) != 0 {
		t.Errorf("expected no split, got %+v", ev)
	}
	if !f.IsAlive(h) {
		t.Error("actor should survive")
	}
}

func TestSplit_TwoNodes(t *testing.T) {
	f, h := newTestFamily(t, chainDesc(2), 5, 10)

	ev := cycle(t, f, h, []DamageDesc{RadialDamage(math.Vec3{X: 0.5}, 0, 1, 10)}, EvalParams{})

	if f.BondHealth(0) != 0 {
		t.Fatalf("bond health = %v, want 0", f.BondHealth(0))
	}
	if ev.Deleted != h {
		t.Errorf("Deleted = %s, want %s", ev.Deleted, h)
	}
	got := graphNodes(t, f, ev.NewActors)
	if want := [][]uint32{{0}, {1}}; !reflect.DeepEqual(got, want) {
		t.Errorf("new actors own %v, want %v", got, want)
	}
	if f.IsAlive(h) {
		t.Error("split actor should be dead")
	}
	for i, nh := range ev.NewActors {
		visible, _ := f.VisibleChunks(nh)
		if want := []uint32{uint32(i + 1)}; !slices.Equal(visible, want) {
			t.Errorf("actor %d visible %v, want %v", i, visible, want)
		}
	}
	checkOwnership(t, f)
}

func TestSplit_Path(t *testing.T) {
	f, h := newTestFamily(t, chainDesc(3), 5, 10)

	ev := cycle(t, f, h, []DamageDesc{RadialDamage(math.Vec3{X: 0.5}, 0, 0.4, 10)}, EvalParams{})

	if f.BondHealth(1) != 5 {
		t.Errorf("bond B-C damaged: %v", f.BondHealth(1))
	}
	got := graphNodes(t, f, ev.NewActors)
	if want := [][]uint32{{0}, {1, 2}}; !reflect.DeepEqual(got, want) {
		t.Errorf("new actors own %v, want %v", got, want)
	}
	visible, _ := f.VisibleChunks(ev.NewActors[1])
	if !slices.Equal(visible, []uint32{2, 3}) {
		t.Errorf("visible = %v, want [2 3]", visible)
	}
	checkOwnership(t, f)
}

func TestSplit_TooManyFragments(t *testing.T) {
	f, h := newTestFamily(t, chainDesc(5), 1, 10)
	breakBonds(t, f, h, 0, 1, 2, 3)

	need, err := f.RequiredSplitCapacity(h)
	if err != nil {
		t.Fatalf("RequiredSplitCapacity failed: %v", err)
	}
	if need != 5 {
		t.Errorf("RequiredSplitCapacity = %d, want 5", need)
	}

	if _, err := f.Split(h, 3, nil); !errors.Is(err, ErrTooManyFragments) {
		t.Fatalf("expected ErrTooManyFragments, got %v", err)
	}
	if !f.IsAlive(h) || f.ActorCount() != 1 {
		t.Error("failed split must not touch actors")
	}
	for n := uint32(0); n < 5; n++ {
		if got, ok := f.NodeActor(n); !ok || got != h {
			t.Errorf("node %d reassigned after failed split", n)
		}
	}

	ev, err := f.Split(h, 5, nil)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	got := graphNodes(t, f, ev.NewActors)
	if want := [][]uint32{{0}, {1}, {2}, {3}, {4}}; !reflect.DeepEqual(got, want) {
		t.Errorf("new actors own %v, want %v", got, want)
	}
	checkOwnership(t, f)
}

func TestSplit_Scratch(t *testing.T) {
	f, h := newTestFamily(t, chainDesc(4), 1, 10)
	breakBonds(t, f, h, 1)

	size, err := f.SplitScratchSize(h)
	if err != nil {
		t.Fatalf("SplitScratchSize failed: %v", err)
	}
	if size != 8 {
		t.Errorf("SplitScratchSize = %d, want 8", size)
	}

	if _, err := f.Split(h, 4, make([]uint32, size-1)); !errors.Is(err, ErrInsufficientScratch) {
		t.Errorf("expected ErrInsufficientScratch, got %v", err)
	}
	ev, err := f.Split(h, 4, make([]uint32, size))
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if len(ev.NewActors) != 2 {
		t.Errorf("expected 2 new actors, got %d", len(ev.NewActors))
	}
}

func TestSplit_Unchanged(t *testing.T) {
	f, h := newTestFamily(t, chainDesc(3), 5, 10)

	ev, err := f.Split(h, 0, nil)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if ev.Changed() || len(ev.NewActors) != 0 {
		t.Errorf("intact actor split: %+v", ev)
	}
	if need, _ := f.RequiredSplitCapacity(h); need != 0 {
		t.Errorf("RequiredSplitCapacity = %d, want 0", need)
	}
}

func TestSplit_BrittlePartition(t *testing.T) {
	f, h := newTestFamily(t, brittleDesc(), 5, 10)

	// S0 is destroyed with L0 intact and L1 destroyed.
	buf := &FractureBuffer{
		Chunks: []ChunkFracture{{Chunk: 1}, {Chunk: 3}},
		Bonds:  []BondFracture{{Bond: 0, Node0: 0, Node1: 1}},
	}
	if _, err := f.Apply(h, buf); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	ev, err := f.Split(h, 4, nil)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if len(ev.NewActors) != 2 {
		t.Fatalf("expected 2 new actors, got %d", len(ev.NewActors))
	}

	nodes, _ := f.GraphNodes(ev.NewActors[0])
	if !slices.Equal(nodes, []uint32{1}) {
		t.Errorf("graph actor nodes = %v, want [1]", nodes)
	}
	if visible, _ := f.VisibleChunks(ev.NewActors[0]); !slices.Equal(visible, []uint32{4}) {
		t.Errorf("graph actor visible = %v, want [4]", visible)
	}

	sub := ev.NewActors[1]
	if chunk, _ := f.SubsupportChunk(sub); chunk != 2 {
		t.Errorf("subsupport chunk = %d, want 2", chunk)
	}
	if nodes, _ := f.GraphNodes(sub); len(nodes) != 0 {
		t.Errorf("subsupport actor owns nodes %v", nodes)
	}
	if visible, _ := f.VisibleChunks(sub); !slices.Equal(visible, []uint32{2}) {
		t.Errorf("subsupport visible = %v, want [2]", visible)
	}
	if size, _ := f.SplitScratchSize(sub); size != 0 {
		t.Errorf("subsupport scratch size = %d, want 0", size)
	}
	checkOwnership(t, f)

	// Destroying the last chunk removes the actor without replacement.
	ev = cycle(t, f, sub, []DamageDesc{RadialDamage(math.Vec3{X: -0.25}, 0, 1, 100)}, EvalParams{})
	if ev.Deleted != sub || len(ev.NewActors) != 0 {
		t.Errorf("expected complete destruction, got %+v", ev)
	}
	if f.ActorCount() != 1 {
		t.Errorf("expected 1 actor left, got %d", f.ActorCount())
	}
}

func TestSplit_ImpactSpawnsChunkActors(t *testing.T) {
	f, h := newTestFamily(t, brittleDesc(), 5, 10)

	ev := cycle(t, f, h, []DamageDesc{{Kind: DamageImpact, Damage: 25}}, EvalParams{})

	if len(ev.NewActors) != 3 {
		t.Fatalf("expected 3 new actors, got %d", len(ev.NewActors))
	}
	for i, want := range []uint32{2, 3} {
		chunk, err := f.SubsupportChunk(ev.NewActors[i+1])
		if err != nil || chunk != want {
			t.Errorf("actor %d chunk = %d, %v, want %d", i+1, chunk, err, want)
		}
	}
	checkOwnership(t, f)
}

func TestSplit_StaleAfterSplit(t *testing.T) {
	f, h := newTestFamily(t, chainDesc(2), 1, 10)
	breakBonds(t, f, h, 0)
	ev, err := f.Split(h, 2, nil)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}

	// The lowest slot is reused with a new generation.
	if ev.NewActors[0].Index() != h.Index() || ev.NewActors[0].Generation() == h.Generation() {
		t.Errorf("expected slot %d reused, got %s", h.Index(), ev.NewActors[0])
	}
	if _, err := f.Split(h, 2, nil); !errors.Is(err, ErrStaleActor) {
		t.Errorf("expected ErrStaleActor, got %v", err)
	}
	if _, err := f.Apply(h, &FractureBuffer{}); !errors.Is(err, ErrStaleActor) {
		t.Errorf("expected ErrStaleActor, got %v", err)
	}
}

func TestApply_Idempotent(t *testing.T) {
	f, h := newTestFamily(t, gridDesc(3, 3), 4, 10)

	buf, err := f.Evaluate(h, []DamageDesc{RadialDamage(math.Vec3{X: 1, Y: 1}, 0.5, 1.5, 3)}, EvalParams{})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	first, err := f.Apply(h, buf)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !first.Changed() {
		t.Fatal("first application changed nothing")
	}
	once := f.Snapshot()

	second, err := f.Apply(h, buf)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if second.Changed() {
		t.Errorf("second application changed %+v", second)
	}
	if !reflect.DeepEqual(once, f.Snapshot()) {
		t.Error("second application changed state")
	}
}

func TestApply_Rejects(t *testing.T) {
	tests := []struct {
		name string
		buf  *FractureBuffer
	}{
		{"chunk out of range", &FractureBuffer{Chunks: []ChunkFracture{{Chunk: 99}}}},
		{"chunk above support", &FractureBuffer{Chunks: []ChunkFracture{{Chunk: 0}}}},
		{"bond out of range", &FractureBuffer{Bonds: []BondFracture{{Bond: 99}}}},
		{"bond nodes mismatch", &FractureBuffer{Bonds: []BondFracture{{Bond: 0, Node0: 1, Node1: 2}}}},
		{"valid entry then bad", &FractureBuffer{
			Chunks: []ChunkFracture{{Chunk: 1, Health: 1}},
			Bonds:  []BondFracture{{Bond: 7}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, h := newTestFamily(t, chainDesc(3), 5, 10)
			before := f.Snapshot()
			if _, err := f.Apply(h, tt.buf); !errors.Is(err, ErrInvalidFracture) {
				t.Errorf("expected ErrInvalidFracture, got %v", err)
			}
			if !reflect.DeepEqual(before, f.Snapshot()) {
				t.Error("rejected buffer changed state")
			}
		})
	}
}

func TestApply_RejectsForeignElements(t *testing.T) {
	f, h := newTestFamily(t, chainDesc(3), 5, 10)
	breakBonds(t, f, h, 0)
	ev, err := f.Split(h, 2, nil)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	a, b := ev.NewActors[0], ev.NewActors[1]

	// Chunk 2 and bond 1 belong to b.
	if _, err := f.Apply(a, &FractureBuffer{Chunks: []ChunkFracture{{Chunk: 2}}}); !errors.Is(err, ErrInvalidFracture) {
		t.Errorf("expected ErrInvalidFracture for foreign chunk, got %v", err)
	}
	if _, err := f.Apply(a, &FractureBuffer{Bonds: []BondFracture{{Bond: 1, Node0: 1, Node1: 2}}}); !errors.Is(err, ErrInvalidFracture) {
		t.Errorf("expected ErrInvalidFracture for foreign bond, got %v", err)
	}
	if _, err := f.Apply(b, &FractureBuffer{Bonds: []BondFracture{{Bond: 1, Node0: 1, Node1: 2, Health: -3}}}); err != nil {
		t.Errorf("Apply to owner failed: %v", err)
	}
	if f.BondHealth(1) != 0 {
		t.Errorf("negative health not clamped: %v", f.BondHealth(1))
	}
}

// shots is a fixed damage sequence on a 6x6 grid, applied to every actor:
// isolate node (1,1), cut the grid between rows 2 and 3, hit each actor at
// the chunk nearest (5,0), then isolate node (4,4).
func shots() [][]DamageDesc {
	return [][]DamageDesc{
		{RadialDamage(math.Vec3{X: 1, Y: 1}, 0.6, 0.9, 2)},
		{{Kind: DamageSegment, Position: math.Vec3{X: -1, Y: 2.5}, End: math.Vec3{X: 7, Y: 2.5}, MinRadius: 0.1, MaxRadius: 0.2, Damage: 5}},
		{{Kind: DamageImpact, Position: math.Vec3{X: 5}, Damage: 20}},
		{RadialDamage(math.Vec3{X: 4, Y: 4}, 0.6, 0.9, 2)},
	}
}

func runShots(t *testing.T, f *Family, acc *Accelerator) [][]SplitEvent {
	t.Helper()
	var events [][]SplitEvent
	for _, damage := range shots() {
		var round []SplitEvent
		for _, h := range f.Actors() {
			buf, err := f.Evaluate(h, damage, EvalParams{Accelerator: acc})
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if _, err := f.Apply(h, buf); err != nil {
				t.Fatalf("Apply failed: %v", err)
			}

			want := expectedComponents(t, f, h)
			ev, err := f.Split(h, int(f.Asset().LeafChunkCount()), nil)
			if err != nil {
				t.Fatalf("Split failed: %v", err)
			}
			if ev.Changed() {
				if got := graphNodes(t, f, ev.NewActors); len(got)+len(want) > 0 && !reflect.DeepEqual(got, want) {
					t.Errorf("split components %v, gonum components %v", got, want)
				}
			} else if len(want) != 1 {
				t.Errorf("actor %s unsplit but has %d components", h, len(want))
			}
			round = append(round, ev)
			checkOwnership(t, f)
		}
		events = append(events, round)
	}
	return events
}

func TestSplit_GridShots(t *testing.T) {
	asset := mustBuild(t, gridDesc(6, 6))
	f := NewFamily(asset)
	if _, err := f.CreateFirstActor(ActorDesc{UniformBondHealth: 1, UniformChunkHealth: 10}); err != nil {
		t.Fatal(err)
	}

	runShots(t, f, NewAccelerator(asset))

	// The impact destroys node (1,1) and the corners (5,0) and (5,3); the
	// last shot leaves the two halves and the isolated node (4,4).
	if f.ActorCount() != 3 {
		t.Errorf("expected 3 actors, got %d", f.ActorCount())
	}
	for _, n := range []uint32{5, 7, 23} {
		if _, ok := f.NodeActor(n); ok {
			t.Errorf("destroyed node %d still owned", n)
		}
	}
	if got, ok := f.NodeActor(28); !ok {
		t.Error("node (4,4) lost")
	} else if nodes, _ := f.GraphNodes(got); !slices.Equal(nodes, []uint32{28}) {
		t.Errorf("node (4,4) shares an actor: %v", nodes)
	}
}

func TestSplit_Deterministic(t *testing.T) {
	asset := mustBuild(t, gridDesc(6, 6))

	run := func() ([][]SplitEvent, [][]uint32) {
		f := NewFamily(asset)
		if _, err := f.CreateFirstActor(ActorDesc{UniformBondHealth: 1, UniformChunkHealth: 10}); err != nil {
			t.Fatal(err)
		}
		events := runShots(t, f, nil)
		return events, graphNodes(t, f, f.Actors())
	}

	events1, nodes1 := run()
	events2, nodes2 := run()
	if !reflect.DeepEqual(events1, events2) {
		t.Error("split events differ between runs")
	}
	if !reflect.DeepEqual(nodes1, nodes2) {
		t.Error("final ownership differs between runs")
	}
}

func TestSplit_Timers(t *testing.T) {
	f, h := newTestFamily(t, chainDesc(4), 1, 10)
	var timers Timers
	f.SetTimers(&timers)

	var logged []string
	f.SetLogSink(func(sev Severity, msg, origin string) {
		logged = append(logged, origin)
	})

	cycle(t, f, h, []DamageDesc{RadialDamage(math.Vec3{X: 1.5}, 0, 0.2, 5)}, EvalParams{})

	if timers.Total() <= 0 {
		t.Error("timers recorded nothing")
	}
	if !slices.Equal(logged, []string{"Split"}) {
		t.Errorf("logged origins = %v", logged)
	}
}
