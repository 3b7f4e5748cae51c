// Package stress estimates the load on every intact bond of a family from the
// forces acting on its graph nodes, and turns overstressed bonds into
// fracture buffers for blast.Family.Apply.
//
// Nodes carry a mass, a volume and a position; anchored nodes are immovable.
// Forces accumulate between updates. Update runs a sequential impulse solve
// over the bonds of every actor with two or more graph nodes and records the
// stress on each bond:
//
//	stress = (|linear impulse| * LinearFactor + |angular impulse| * AngularFactor) / Hardness
//
// divided evenly among the bonds a solver link stands for. A bond whose
// stress exceeds its health is overstressed. Neighboring nodes may be merged
// into one solver node to keep large graphs cheap; bonds inside a merged
// node carry no stress.
package stress

import (
	"cmp"
	"errors"
	"fmt"
	stdmath "math"
	"slices"

	"github.com/Faultbox/blastgo/pkg/blast"
	"github.com/Faultbox/blastgo/pkg/math"
)

// ErrInvalidSettings is returned for settings the solver cannot run with.
var ErrInvalidSettings = errors.New("invalid stress settings")

// staticMergePenalty slows the merging of anchored nodes so that anchors
// stay fine grained.
const staticMergePenalty = 8

// ForceMode selects how a force argument is interpreted.
type ForceMode int

const (
	Impulse  ForceMode = iota // mass * distance / time
	Velocity                  // distance / time, independent of the node's mass
)

// Settings control the solve.
type Settings struct {
	Hardness      float32
	LinearFactor  float32
	AngularFactor float32
	// BondIterations is the budget of link updates per Update, shared among
	// the solver links.
	BondIterations int
	// ReductionLevel is the number of node merge passes. Each pass roughly
	// halves the solver graph.
	ReductionLevel int
}

// DefaultSettings returns the settings used when none are configured.
func DefaultSettings() Settings {
	return Settings{
		Hardness:       1000,
		LinearFactor:   0.25,
		AngularFactor:  0.75,
		BondIterations: 18000,
		ReductionLevel: 3,
	}
}

// Validate rejects settings that would divide by zero or never iterate.
func (s Settings) Validate() error {
	switch {
	case !(s.Hardness > 0):
		return fmt.Errorf("%w: hardness must be positive", ErrInvalidSettings)
	case s.LinearFactor < 0 || s.AngularFactor < 0:
		return fmt.Errorf("%w: stress factors must not be negative", ErrInvalidSettings)
	case s.BondIterations < 1:
		return fmt.Errorf("%w: bond iterations must be at least 1", ErrInvalidSettings)
	case s.ReductionLevel < 0:
		return fmt.Errorf("%w: reduction level must not be negative", ErrInvalidSettings)
	}
	return nil
}

// IterationsPerUpdate returns the passes Update makes over links solver
// links. It is at least 1.
func (s Settings) IterationsPerUpdate(links int) int {
	return max(s.BondIterations/(links+1), 1)
}

// ActorFracture is the fracture buffer for one actor.
type ActorFracture struct {
	Actor  blast.ActorHandle
	Buffer *blast.FractureBuffer
}

type node struct {
	mass   float32
	volume float32
	pos    math.Vec3
	static bool

	solverNode uint32
	neighbors  int // graph nodes of the owning actor
	impulse    math.Vec3
}

type bond struct {
	id           uint32
	node0, node1 uint32
	stress       float32
}

type solverNode struct {
	count  int
	pos    math.Vec3
	mass   float32
	volume float32
	static bool
}

// Solver tracks one family. It is not safe for concurrent use; the family
// must not change while Update or a fracture query runs.
type Solver struct {
	family   *blast.Family
	settings Settings

	nodes  []node
	bonds  []bond   // intact bonds inside one actor
	bondAt []uint32 // bond id to index in bonds

	solverNodes []solverNode
	links       [][]uint32 // per solver link, indices into bonds
	sis         impulseSolver

	reduction  int
	nodesDirty bool
	bondsDirty bool
	warm       bool

	overstressed int
	errLinear    float32
	errAngular   float32
	frames       int
}

// New creates a solver over the intact bonds of family. Node masses start at
// zero; call SetNodeInfo or SetNodesFromAsset before the first Update.
func New(family *blast.Family, settings Settings) (*Solver, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	asset := family.Asset()
	g := asset.Graph()
	s := &Solver{
		family:     family,
		settings:   settings,
		nodes:      make([]node, g.NodeCount()),
		bondAt:     make([]uint32, asset.BondCount()),
		reduction:  settings.ReductionLevel,
		nodesDirty: true,
		warm:       true,
	}
	for i := range s.bondAt {
		s.bondAt[i] = blast.InvalidIndex
	}
	for n := range g.NodeCount() {
		for nb, b := range g.Neighbors(n) {
			if n < nb && family.BondHealth(b) > 0 {
				s.bondAt[b] = uint32(len(s.bonds))
				s.bonds = append(s.bonds, bond{id: b, node0: n, node1: nb})
			}
		}
	}
	s.syncFamily()
	return s, nil
}

// Settings returns the current settings.
func (s *Solver) Settings() Settings {
	return s.settings
}

// SetSettings replaces the settings. A new reduction level rebuilds the
// solver graph on the next Update.
func (s *Solver) SetSettings(settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	s.settings = settings
	return nil
}

// SetNodeInfo sets the physical properties of a graph node. Mass and volume
// of anchored nodes are ignored by the solve.
func (s *Solver) SetNodeInfo(node uint32, mass, volume float32, pos math.Vec3, anchored bool) {
	n := &s.nodes[node]
	n.mass, n.volume, n.pos, n.static = mass, volume, pos, anchored
	s.nodesDirty = true
}

// SetNodesFromAsset sets every node from its support chunk: mass is volume
// times density and the position is the chunk centroid. anchored may be nil.
func (s *Solver) SetNodesFromAsset(density float32, anchored func(node uint32) bool) {
	asset := s.family.Asset()
	g := asset.Graph()
	for n := range g.NodeCount() {
		c := asset.Chunk(g.ChunkIndex(n))
		s.SetNodeInfo(n, c.Volume*density, c.Volume, c.Centroid, anchored != nil && anchored(n))
	}
}

// Reset drops the warm start, so the next Update solves from rest.
func (s *Solver) Reset() {
	s.warm = false
	s.frames = 0
}

// AddNodeForce adds force to a graph node.
func (s *Solver) AddNodeForce(node uint32, force math.Vec3, mode ForceMode) {
	n := &s.nodes[node]
	if mode == Velocity {
		force = force.Scale(n.mass)
	}
	n.impulse = n.impulse.Add(force)
}

// AddForce adds force to the actor's graph node nearest pos, in asset space.
// It reports false for actors with fewer than two graph nodes, which carry
// no stress.
func (s *Solver) AddForce(h blast.ActorHandle, pos, force math.Vec3, mode ForceMode) (bool, error) {
	nodes, err := s.stressedNodes(h)
	if err != nil || nodes == nil {
		return false, err
	}
	best, bestDist := nodes[0], float32(stdmath.MaxFloat32)
	for _, n := range nodes {
		d := pos.Sub(s.nodes[n].pos)
		if dist := d.Dot(d); dist < bestDist {
			best, bestDist = n, dist
		}
	}
	s.AddNodeForce(best, force, mode)
	return true, nil
}

// AddGravity adds gravity, in asset space, to every node of the actor. Only
// actors held in place feel it as stress; a falling actor accelerates
// uniformly.
func (s *Solver) AddGravity(h blast.ActorHandle, gravity math.Vec3) (bool, error) {
	nodes, err := s.stressedNodes(h)
	if err != nil || nodes == nil {
		return false, err
	}
	for _, n := range nodes {
		s.AddNodeForce(n, gravity, Velocity)
	}
	return true, nil
}

// AddAngularVelocity adds the centrifugal load of the actor spinning at
// angular velocity w about centerOfMass, both in asset space.
func (s *Solver) AddAngularVelocity(h blast.ActorHandle, centerOfMass, w math.Vec3) (bool, error) {
	nodes, err := s.stressedNodes(h)
	if err != nil || nodes == nil {
		return false, err
	}
	for _, n := range nodes {
		r := s.nodes[n].pos.Sub(centerOfMass)
		s.AddNodeForce(n, w.Cross(w.Cross(r)), Velocity)
	}
	return true, nil
}

func (s *Solver) stressedNodes(h blast.ActorHandle) ([]uint32, error) {
	nodes, err := s.family.GraphNodes(h)
	if err != nil || len(nodes) < 2 {
		return nil, err
	}
	return nodes, nil
}

// Update catches up with splits in the family, solves with the forces added
// since the last Update, and clears them.
func (s *Solver) Update() {
	s.syncFamily()
	if s.reduction != s.settings.ReductionLevel {
		s.reduction = s.settings.ReductionLevel
		s.nodesDirty = true
	}
	switch {
	case s.nodesDirty:
		s.syncNodes()
	case s.bondsDirty:
		s.syncBonds(true)
	}
	s.solve()
	s.frames++
}

// syncFamily drops bonds that broke or now cross actors, and refreshes the
// actor size seen by each node.
func (s *Solver) syncFamily() {
	counts := make([]int, len(s.nodes))
	for _, h := range s.family.Actors() {
		nodes, _ := s.family.GraphNodes(h)
		for _, n := range nodes {
			counts[n] = len(nodes)
		}
	}
	for i := range s.nodes {
		n := &s.nodes[i]
		if n.neighbors == counts[i] {
			continue
		}
		n.neighbors = counts[i]
		// Aggregates larger than half the actor came from before a split.
		if !s.nodesDirty && s.solverNodes[n.solverNode].count > counts[i]/2 {
			s.nodesDirty = true
		}
	}

	kept := s.bonds[:0]
	for _, b := range s.bonds {
		if s.intact(b) {
			s.bondAt[b.id] = uint32(len(kept))
			kept = append(kept, b)
			continue
		}
		s.bondAt[b.id] = blast.InvalidIndex
		s.bondsDirty = true
		if !s.nodesDirty && s.nodes[b.node0].solverNode == s.nodes[b.node1].solverNode {
			s.nodesDirty = true
		}
	}
	s.bonds = kept
}

func (s *Solver) intact(b bond) bool {
	if s.family.BondHealth(b.id) <= 0 {
		return false
	}
	a0, ok0 := s.family.NodeActor(b.node0)
	a1, ok1 := s.family.NodeActor(b.node1)
	return ok0 && ok1 && a0 == a1
}

// syncNodes merges nodes into solver nodes. Each pass walks the bonds and
// moves a node into its neighbor's solver node while both stay below the
// pass's aggregate size and half the actor. Anchored and free nodes never
// merge.
func (s *Solver) syncNodes() {
	counts := make([]int, len(s.nodes))
	for i := range s.nodes {
		s.nodes[i].solverNode = uint32(i)
		counts[i] = 1
	}
	for k := range s.reduction {
		maxAggregate := 1 << (k + 1)
		for _, b := range s.bonds {
			n0, n1 := &s.nodes[b.node0], &s.nodes[b.node1]
			if n0.static != n1.static || n0.solverNode == n1.solverNode {
				continue
			}
			penalty := 1
			if n0.static {
				penalty = staticMergePenalty
			}
			aggregate := min(maxAggregate, n0.neighbors/2)
			c0, c1 := &counts[n0.solverNode], &counts[n1.solverNode]
			if *c0*penalty >= aggregate || *c1*penalty >= aggregate {
				continue
			}
			if *c0 >= *c1 {
				*c0, *c1 = *c0+1, *c1-1
				n1.solverNode = n0.solverNode
			} else {
				*c0, *c1 = *c0-1, *c1+1
				n0.solverNode = n1.solverNode
			}
		}
	}

	remap := make([]uint32, len(s.nodes))
	var next uint32
	for i, c := range counts {
		if c > 0 {
			remap[i] = next
			next++
		}
	}
	s.solverNodes = make([]solverNode, next)
	for i := range s.nodes {
		n := &s.nodes[i]
		n.solverNode = remap[n.solverNode]
		sn := &s.solverNodes[n.solverNode]
		sn.count++
		sn.pos = sn.pos.Add(n.pos)
		sn.mass += n.mass
		sn.volume += n.volume
		sn.static = sn.static || n.static
	}

	s.sis.nodes = make([]body, len(s.solverNodes))
	for i := range s.solverNodes {
		sn := &s.solverNodes[i]
		sn.pos = sn.pos.Scale(1 / float32(sn.count))
		b := &s.sis.nodes[i]
		if !sn.static && sn.mass > 0 {
			b.invMass = 1 / sn.mass
		}
		// Inertia of a solid sphere of the same volume.
		r := float32(stdmath.Cbrt(float64(sn.volume) * 3 / (4 * stdmath.Pi)))
		if r > 0 {
			b.invI = b.invMass / (0.4 * r * r)
		}
	}
	s.nodesDirty = false
	s.syncBonds(false)
}

// syncBonds groups the tracked bonds into solver links. keepImpulses carries
// the warm start of links that survive unchanged.
func (s *Solver) syncBonds(keepImpulses bool) {
	prev := make(map[[2]uint32]link)
	if keepImpulses {
		for _, l := range s.sis.links {
			prev[[2]uint32{l.node0, l.node1}] = l
		}
	}

	index := make(map[[2]uint32]int)
	s.links = s.links[:0]
	s.sis.links = s.sis.links[:0]
	for i := range s.bonds {
		b := &s.bonds[i]
		b.stress = 0
		sn0, sn1 := s.nodes[b.node0].solverNode, s.nodes[b.node1].solverNode
		if sn0 == sn1 || (s.solverNodes[sn0].static && s.solverNodes[sn1].static) {
			continue
		}
		key := [2]uint32{min(sn0, sn1), max(sn0, sn1)}
		j, ok := index[key]
		if !ok {
			j = len(s.links)
			index[key] = j
			s.links = append(s.links, nil)
			l := newLink(sn0, sn1, s.solverNodes[sn1].pos.Sub(s.solverNodes[sn0].pos).Scale(0.5))
			if p, ok := prev[[2]uint32{sn0, sn1}]; ok {
				l.impulseLinear, l.impulseAngular = p.impulseLinear, p.impulseAngular
			}
			s.sis.links = append(s.sis.links, l)
		}
		s.links[j] = append(s.links[j], uint32(i))
	}
	s.bondsDirty = false
}

func (s *Solver) solve() {
	for i := range s.sis.nodes {
		s.sis.nodes[i].linear, s.sis.nodes[i].angular = math.Vec3{}, math.Vec3{}
	}
	for i := range s.nodes {
		n := &s.nodes[i]
		b := &s.sis.nodes[n.solverNode]
		b.linear = b.linear.Add(n.impulse.Scale(b.invMass))
		n.impulse = math.Vec3{}
	}

	s.sis.solve(s.settings.IterationsPerUpdate(len(s.sis.links)), s.warm)
	s.warm = true
	s.errLinear, s.errAngular = s.sis.residual()

	s.overstressed = 0
	for j, members := range s.links {
		l := &s.sis.links[j]
		load := l.impulseLinear.Length()*s.settings.LinearFactor + l.impulseAngular.Length()*s.settings.AngularFactor
		stress := load / (float32(len(members)) * s.settings.Hardness)
		for _, i := range members {
			b := &s.bonds[i]
			b.stress = stress
			if stress > s.family.BondHealth(b.id) {
				s.overstressed++
			}
		}
	}
}

// BondStress returns the stress on bond from the last Update, or 0 for
// bonds that carry none.
func (s *Solver) BondStress(bond uint32) float32 {
	if int(bond) >= len(s.bondAt) || s.bondAt[bond] == blast.InvalidIndex {
		return 0
	}
	return s.bonds[s.bondAt[bond]].stress
}

// OverstressedBondCount returns the number of bonds the last Update found
// over their health.
func (s *Solver) OverstressedBondCount() int {
	return s.overstressed
}

// StressError returns the relative velocity left over all links after the
// last Update.
func (s *Solver) StressError() (linear, angular float32) {
	return s.errLinear, s.errAngular
}

// Frames returns the number of updates since New or Reset.
func (s *Solver) Frames() int {
	return s.frames
}

// SolverNodeCount returns the number of solver nodes after merging.
func (s *Solver) SolverNodeCount() int {
	return len(s.solverNodes)
}

// LinkCount returns the number of solver links.
func (s *Solver) LinkCount() int {
	return len(s.sis.links)
}

// Fracture returns a buffer breaking every overstressed bond of the actor,
// sorted by bond id. The buffer is empty when nothing is overstressed.
func (s *Solver) Fracture(h blast.ActorHandle) (*blast.FractureBuffer, error) {
	nodes, err := s.family.GraphNodes(h)
	if err != nil {
		return nil, err
	}
	buf := &blast.FractureBuffer{}
	if len(nodes) < 2 || s.overstressed == 0 {
		return buf, nil
	}
	asset := s.family.Asset()
	for _, n0 := range nodes {
		for n1, b := range asset.Graph().Neighbors(n0) {
			if n1 <= n0 {
				continue
			}
			health := s.family.BondHealth(b)
			if health <= 0 || s.BondStress(b) <= health {
				continue
			}
			if owner, ok := s.family.NodeActor(n1); !ok || owner != h {
				continue
			}
			buf.Bonds = append(buf.Bonds, blast.BondFracture{
				UserData: asset.Bond(b).UserData,
				Bond:     b,
				Node0:    n0,
				Node1:    n1,
			})
		}
	}
	slices.SortFunc(buf.Bonds, func(a, b blast.BondFracture) int {
		return cmp.Compare(a.Bond, b.Bond)
	})
	return buf, nil
}

// Fractures returns the non-empty fracture buffers of every actor, in slot
// order.
func (s *Solver) Fractures() []ActorFracture {
	if s.overstressed == 0 {
		return nil
	}
	var out []ActorFracture
	for _, h := range s.family.Actors() {
		buf, err := s.Fracture(h)
		if err != nil || buf.Empty() {
			continue
		}
		out = append(out, ActorFracture{Actor: h, Buffer: buf})
	}
	return out
}
