package stress

import "github.com/Faultbox/blastgo/pkg/math"

// body is the velocity state of one solver node.
type body struct {
	linear  math.Vec3
	angular math.Vec3
	invMass float32
	invI    float32
}

// link joins two solver nodes. offset runs from node0 to the midpoint
// between the nodes; the accumulated impulses are what the bond carries.
type link struct {
	node0, node1   uint32
	offset         math.Vec3
	invOffsetSq    float32
	impulseLinear  math.Vec3
	impulseAngular math.Vec3
}

func newLink(node0, node1 uint32, offset math.Vec3) link {
	l := link{node0: node0, node1: node1, offset: offset}
	if sq := offset.Dot(offset); sq > 0 {
		l.invOffsetSq = 1 / sq
	}
	return l
}

// impulseSolver drives the relative velocity across every link to zero by
// sequential impulses.
type impulseSolver struct {
	nodes []body
	links []link
}

// solve runs iterations passes over the links. A warm start first reapplies
// the impulses of the previous solve; otherwise they are cleared.
func (sis *impulseSolver) solve(iterations int, warm bool) {
	for i := range sis.links {
		l := &sis.links[i]
		if warm {
			sis.apply(l, l.impulseLinear, l.impulseAngular)
		} else {
			l.impulseLinear, l.impulseAngular = math.Vec3{}, math.Vec3{}
		}
	}
	for range iterations {
		for i := range sis.links {
			sis.iterate(&sis.links[i])
		}
	}
}

func (sis *impulseSolver) iterate(l *link) {
	n0, n1 := &sis.nodes[l.node0], &sis.nodes[l.node1]
	errLinear, errAngular := relativeVelocity(n0, n1, l.offset)

	var lin, ang math.Vec3
	if m := n0.invMass + n1.invMass; m > 0 {
		lin = errLinear.Scale(-0.5 / m)
	}
	if i := n0.invI + n1.invI; i > 0 {
		ang = errAngular.Scale(-0.5 / i)
	}
	l.impulseLinear = l.impulseLinear.Add(lin)
	l.impulseAngular = l.impulseAngular.Add(ang)
	sis.apply(l, lin, ang)
}

// apply pushes node0 by the impulse and node1 by its opposite.
func (sis *impulseSolver) apply(l *link, lin, ang math.Vec3) {
	n0, n1 := &sis.nodes[l.node0], &sis.nodes[l.node1]
	lin0 := lin.Scale(n0.invMass)
	lin1 := lin.Scale(n1.invMass)
	ang0 := ang.Scale(n0.invI).Sub(l.offset.Cross(lin0).Scale(l.invOffsetSq))
	ang1 := ang.Scale(n1.invI).Add(l.offset.Cross(lin1).Scale(l.invOffsetSq))
	n0.linear = n0.linear.Add(lin0)
	n1.linear = n1.linear.Sub(lin1)
	n0.angular = n0.angular.Add(ang0)
	n1.angular = n1.angular.Sub(ang1)
}

// residual sums the remaining relative velocity magnitudes over all links.
func (sis *impulseSolver) residual() (linear, angular float32) {
	for i := range sis.links {
		l := &sis.links[i]
		lin, ang := relativeVelocity(&sis.nodes[l.node0], &sis.nodes[l.node1], l.offset)
		linear += lin.Length()
		angular += ang.Length()
	}
	return linear, angular
}

func relativeVelocity(n0, n1 *body, offset math.Vec3) (linear, angular math.Vec3) {
	vA := n0.linear.Sub(n0.angular.Cross(offset))
	vB := n1.linear.Add(n1.angular.Cross(offset))
	return vA.Sub(vB), n0.angular.Sub(n1.angular)
}
