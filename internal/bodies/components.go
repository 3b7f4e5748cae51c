package bodies

import (
	"github.com/Faultbox/blastgo/pkg/blast"
	"github.com/Faultbox/blastgo/pkg/math"
)

// Body is the rigid-body state of an actor. Position and Rotation place the
// asset's local frame in the world, so every fragment of one asset shares the
// same local chunk coordinates.
type Body struct {
	Position        math.Vec3
	Rotation        math.Quat
	Velocity        math.Vec3 // of the center of mass
	AngularVelocity math.Vec3
	Mass            float32
	Static          bool
}

// Fragment links a body to the actor it represents.
type Fragment struct {
	Family       int
	Actor        blast.ActorHandle
	Chunks       int       // visible chunks
	CenterOfMass math.Vec3 // asset-local
}
