package stress

import (
	"errors"
	"testing"

	"github.com/Faultbox/blastgo/pkg/blast"
	"github.com/Faultbox/blastgo/pkg/math"
)

var gravity = math.Vec3{Y: -10}

// newChain builds n unit support chunks along X, bonded in a row, under one
// root chunk.
func newChain(t *testing.T, n int, bondHealth float32) (*blast.Family, blast.ActorHandle) {
	t.Helper()
	desc := blast.AssetDesc{Chunks: []blast.ChunkDesc{{Parent: blast.InvalidIndex, Volume: float32(n)}}}
	for i := range n {
		desc.Chunks = append(desc.Chunks, blast.ChunkDesc{
			Parent:   0,
			Flags:    blast.ChunkSupport,
			Centroid: math.Vec3{X: float32(i)},
			Volume:   1,
			UserData: uint32(i),
		})
	}
	for i := 1; i < n; i++ {
		desc.Bonds = append(desc.Bonds, blast.BondDesc{
			Bond:   blast.Bond{Normal: math.Vec3{X: 1}, Area: 1, Centroid: math.Vec3{X: float32(i) - 0.5}},
			Chunks: [2]uint32{uint32(i), uint32(i + 1)},
		})
	}
	asset, _, err := blast.BuildAsset(desc)
	if err != nil {
		t.Fatalf("BuildAsset failed: %v", err)
	}
	family := blast.NewFamily(asset)
	h, err := family.CreateFirstActor(blast.ActorDesc{UniformBondHealth: bondHealth, UniformChunkHealth: 1})
	if err != nil {
		t.Fatalf("CreateFirstActor failed: %v", err)
	}
	return family, h
}

func newSolver(t *testing.T, family *blast.Family, settings Settings, anchored func(uint32) bool) *Solver {
	t.Helper()
	s, err := New(family, settings)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	s.SetNodesFromAsset(1, anchored)
	return s
}

// nodeAt returns the graph node whose centroid sits at x.
func nodeAt(t *testing.T, family *blast.Family, x float32) uint32 {
	t.Helper()
	asset := family.Asset()
	g := asset.Graph()
	for n := range g.NodeCount() {
		if asset.Chunk(g.ChunkIndex(n)).Centroid.X == x {
			return n
		}
	}
	t.Fatalf("no node at x=%v", x)
	return 0
}

func bondBetween(t *testing.T, family *blast.Family, x0, x1 float32) uint32 {
	t.Helper()
	b := family.Asset().Graph().FindBond(nodeAt(t, family, x0), nodeAt(t, family, x1))
	if b == blast.InvalidIndex {
		t.Fatalf("no bond between x=%v and x=%v", x0, x1)
	}
	return b
}

func flatSettings() Settings {
	s := DefaultSettings()
	s.ReductionLevel = 0
	return s
}

func TestSettings_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Settings)
		ok     bool
	}{
		{name: "defaults", modify: func(*Settings) {}, ok: true},
		{name: "zero hardness", modify: func(s *Settings) { s.Hardness = 0 }},
		{name: "negative linear factor", modify: func(s *Settings) { s.LinearFactor = -1 }},
		{name: "zero iterations", modify: func(s *Settings) { s.BondIterations = 0 }},
		{name: "negative reduction", modify: func(s *Settings) { s.ReductionLevel = -1 }},
	}
	family, _ := newChain(t, 2, 1)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := DefaultSettings()
			tt.modify(&settings)
			_, err := New(family, settings)
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidSettings) {
				t.Fatalf("expected ErrInvalidSettings, got %v", err)
			}
		})
	}
}

func TestSettings_IterationsPerUpdate(t *testing.T) {
	tests := []struct {
		iterations, links, want int
	}{
		{18000, 0, 18000},
		{18000, 2, 6000},
		{10, 100, 1},
		{1, 1, 1},
	}
	for _, tt := range tests {
		s := Settings{BondIterations: tt.iterations}
		if got := s.IterationsPerUpdate(tt.links); got != tt.want {
			t.Errorf("IterationsPerUpdate(%d) with %d iterations = %d, want %d", tt.links, tt.iterations, got, tt.want)
		}
	}
}

func TestSolver_AnchoredChainUnderGravity(t *testing.T) {
	family, h := newChain(t, 4, 1)
	anchor := nodeAt(t, family, 0)
	s := newSolver(t, family, flatSettings(), func(n uint32) bool { return n == anchor })

	if ok, err := s.AddGravity(h, gravity); err != nil || !ok {
		t.Fatalf("AddGravity = %v, %v", ok, err)
	}
	s.Update()

	if s.LinkCount() != 3 {
		t.Fatalf("expected 3 links, got %d", s.LinkCount())
	}
	root := s.BondStress(bondBetween(t, family, 0, 1))
	tip := s.BondStress(bondBetween(t, family, 2, 3))
	if !(tip > 0) {
		t.Errorf("expected stress at the tip, got %v", tip)
	}
	if !(root > tip) {
		t.Errorf("expected the anchored bond to carry more stress: root %v, tip %v", root, tip)
	}
	if s.OverstressedBondCount() != 0 {
		t.Errorf("expected no overstressed bonds at health 1, got %d", s.OverstressedBondCount())
	}
	if fr := s.Fractures(); len(fr) != 0 {
		t.Errorf("expected no fractures, got %d", len(fr))
	}
	if s.Frames() != 1 {
		t.Errorf("expected 1 frame, got %d", s.Frames())
	}
}

func TestSolver_FreeChainCarriesNoStress(t *testing.T) {
	family, h := newChain(t, 4, 1)
	s := newSolver(t, family, flatSettings(), nil)

	if _, err := s.AddGravity(h, gravity); err != nil {
		t.Fatalf("AddGravity failed: %v", err)
	}
	s.Update()

	for _, x := range []float32{0, 1, 2} {
		if got := s.BondStress(bondBetween(t, family, x, x+1)); got > 1e-6 {
			t.Errorf("bond at x=%v: expected no stress, got %v", x, got)
		}
	}
	if lin, ang := s.StressError(); lin > 1e-4 || ang > 1e-4 {
		t.Errorf("expected a settled solve, got error %v/%v", lin, ang)
	}
}

func TestSolver_FractureSplitsOverstressedChain(t *testing.T) {
	tests := []struct {
		name       string
		hardness   float32
		bondHealth float32
		wantBreak  bool
	}{
		{name: "soft", hardness: 0.001, bondHealth: 1, wantBreak: true},
		{name: "strong bonds", hardness: 0.001, bondHealth: 1e9},
		{name: "hard", hardness: 1e9, bondHealth: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			family, h := newChain(t, 4, tt.bondHealth)
			anchor := nodeAt(t, family, 0)
			settings := flatSettings()
			settings.Hardness = tt.hardness
			s := newSolver(t, family, settings, func(n uint32) bool { return n == anchor })
			if _, err := s.AddGravity(h, gravity); err != nil {
				t.Fatalf("AddGravity failed: %v", err)
			}
			s.Update()

			fractures := s.Fractures()
			if !tt.wantBreak {
				if len(fractures) != 0 {
					t.Fatalf("expected no fractures, got %d", len(fractures))
				}
				return
			}
			if len(fractures) != 1 || fractures[0].Actor != h {
				t.Fatalf("expected one fracture for %v, got %+v", h, fractures)
			}
			buf := fractures[0].Buffer
			if len(buf.Bonds) != s.OverstressedBondCount() {
				t.Errorf("expected %d bond fractures, got %d", s.OverstressedBondCount(), len(buf.Bonds))
			}
			for i, bf := range buf.Bonds {
				if i > 0 && buf.Bonds[i-1].Bond >= bf.Bond {
					t.Errorf("bond fractures not sorted: %+v", buf.Bonds)
				}
				if bf.Health != 0 {
					t.Errorf("bond %d: expected health 0, got %v", bf.Bond, bf.Health)
				}
			}
			res, err := family.Apply(h, buf)
			if err != nil {
				t.Fatalf("Apply failed: %v", err)
			}
			if !res.Changed() {
				t.Fatal("expected Apply to change the family")
			}
			if _, err := family.Split(h, 4, nil); err != nil {
				t.Fatalf("Split failed: %v", err)
			}
			if n := len(family.Actors()); n < 2 {
				t.Errorf("expected the chain to break apart, got %d actors", n)
			}
		})
	}
}

func TestSolver_AddForceNearestNode(t *testing.T) {
	family, h := newChain(t, 4, 1)
	s := newSolver(t, family, flatSettings(), nil)

	tests := []struct {
		pos  math.Vec3
		want float32
	}{
		{pos: math.Vec3{X: -3}, want: 0},
		{pos: math.Vec3{X: 1.2, Y: 1}, want: 1},
		{pos: math.Vec3{X: 9}, want: 3},
	}
	for _, tt := range tests {
		force := math.Vec3{Z: 1}
		ok, err := s.AddForce(h, tt.pos, force, Impulse)
		if err != nil || !ok {
			t.Fatalf("AddForce(%v) = %v, %v", tt.pos, ok, err)
		}
		n := nodeAt(t, family, tt.want)
		if s.nodes[n].impulse != force {
			t.Errorf("AddForce(%v): expected the impulse on the node at x=%v, got %v", tt.pos, tt.want, s.nodes[n].impulse)
		}
		s.nodes[n].impulse = math.Vec3{}
	}
}

func TestSolver_VelocityModeScalesByMass(t *testing.T) {
	family, _ := newChain(t, 2, 1)
	s, err := New(family, flatSettings())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	s.SetNodeInfo(0, 3, 1, math.Vec3{}, false)
	s.AddNodeForce(0, math.Vec3{X: 2}, Velocity)
	s.AddNodeForce(0, math.Vec3{X: 1}, Impulse)
	if got := s.nodes[0].impulse; got != (math.Vec3{X: 7}) {
		t.Errorf("expected impulse {7 0 0}, got %v", got)
	}
}

func TestSolver_SingleNodeActorIgnored(t *testing.T) {
	family, h := newChain(t, 1, 1)
	s := newSolver(t, family, flatSettings(), nil)
	if ok, err := s.AddForce(h, math.Vec3{}, math.Vec3{X: 1}, Impulse); err != nil || ok {
		t.Errorf("AddForce on a single node = %v, %v; want false, nil", ok, err)
	}
	if ok, err := s.AddGravity(h, gravity); err != nil || ok {
		t.Errorf("AddGravity on a single node = %v, %v; want false, nil", ok, err)
	}
	buf, err := s.Fracture(h)
	if err != nil || !buf.Empty() {
		t.Errorf("Fracture on a single node = %+v, %v", buf, err)
	}
}

func TestSolver_Reduction(t *testing.T) {
	tests := []struct {
		name     string
		level    int
		anchored bool
		check    func(t *testing.T, s *Solver)
	}{
		{name: "level 0 keeps every node", level: 0, check: func(t *testing.T, s *Solver) {
			if s.SolverNodeCount() != 8 || s.LinkCount() != 7 {
				t.Errorf("expected 8 nodes and 7 links, got %d and %d", s.SolverNodeCount(), s.LinkCount())
			}
		}},
		{name: "level 3 merges", level: 3, check: func(t *testing.T, s *Solver) {
			if s.SolverNodeCount() >= 8 {
				t.Errorf("expected merged nodes, got %d", s.SolverNodeCount())
			}
			if s.LinkCount() != s.SolverNodeCount()-1 {
				t.Errorf("expected a chain of links, got %d links for %d nodes", s.LinkCount(), s.SolverNodeCount())
			}
		}},
		{name: "anchors stay apart", level: 3, anchored: true, check: func(t *testing.T, s *Solver) {
			anchor := s.nodes[0].solverNode
			for i := 1; i < len(s.nodes); i++ {
				if s.nodes[i].solverNode == anchor {
					t.Errorf("node %d merged with the anchor", i)
				}
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			family, _ := newChain(t, 8, 1)
			settings := DefaultSettings()
			settings.ReductionLevel = tt.level
			var anchored func(uint32) bool
			if tt.anchored {
				anchored = func(n uint32) bool { return n == 0 }
			}
			s := newSolver(t, family, settings, anchored)
			s.Update()
			tt.check(t, s)
		})
	}
}

func TestSolver_ReductionLevelChange(t *testing.T) {
	family, _ := newChain(t, 8, 1)
	s := newSolver(t, family, DefaultSettings(), nil)
	s.Update()
	merged := s.SolverNodeCount()

	settings := s.Settings()
	settings.ReductionLevel = 0
	if err := s.SetSettings(settings); err != nil {
		t.Fatalf("SetSettings failed: %v", err)
	}
	s.Update()
	if s.SolverNodeCount() != 8 || merged >= 8 {
		t.Errorf("expected %d merged nodes to become 8, got %d", merged, s.SolverNodeCount())
	}
	if err := s.SetSettings(Settings{}); !errors.Is(err, ErrInvalidSettings) {
		t.Errorf("expected ErrInvalidSettings, got %v", err)
	}
}

func TestSolver_BrokenBondsDropOut(t *testing.T) {
	family, h := newChain(t, 4, 1)
	anchor := nodeAt(t, family, 0)
	s := newSolver(t, family, flatSettings(), func(n uint32) bool { return n == anchor })
	if _, err := s.AddGravity(h, gravity); err != nil {
		t.Fatalf("AddGravity failed: %v", err)
	}
	s.Update()

	mid := bondBetween(t, family, 1, 2)
	if s.BondStress(mid) == 0 {
		t.Fatal("expected stress on the middle bond")
	}
	n0, n1 := nodeAt(t, family, 1), nodeAt(t, family, 2)
	buf := &blast.FractureBuffer{Bonds: []blast.BondFracture{{Bond: mid, Node0: min(n0, n1), Node1: max(n0, n1)}}}
	if _, err := family.Apply(h, buf); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if _, err := family.Split(h, 2, nil); err != nil {
		t.Fatalf("Split failed: %v", err)
	}

	for _, a := range family.Actors() {
		if _, err := s.AddGravity(a, gravity); err != nil {
			t.Fatalf("AddGravity(%v) failed: %v", a, err)
		}
	}
	s.Update()
	if s.LinkCount() != 2 {
		t.Errorf("expected 2 links after the split, got %d", s.LinkCount())
	}
	if got := s.BondStress(mid); got != 0 {
		t.Errorf("expected no stress on the broken bond, got %v", got)
	}
	if got := s.BondStress(bondBetween(t, family, 0, 1)); !(got > 0) {
		t.Errorf("expected the anchored piece to stay loaded, got %v", got)
	}
	if got := s.BondStress(bondBetween(t, family, 2, 3)); got > 1e-6 {
		t.Errorf("expected the falling piece to carry no stress, got %v", got)
	}
}

func TestSolver_AngularVelocityLoadsBonds(t *testing.T) {
	family, h := newChain(t, 3, 1)
	s := newSolver(t, family, flatSettings(), nil)
	if ok, err := s.AddAngularVelocity(h, math.Vec3{X: 1}, math.Vec3{Y: 2}); err != nil || !ok {
		t.Fatalf("AddAngularVelocity = %v, %v", ok, err)
	}
	s.Update()
	if got := s.BondStress(bondBetween(t, family, 0, 1)); !(got > 0) {
		t.Errorf("expected a spinning chain to load its bonds, got %v", got)
	}

	s.Reset()
	if s.Frames() != 0 {
		t.Errorf("expected Reset to clear frames, got %d", s.Frames())
	}
}
