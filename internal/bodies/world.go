// Package bodies keeps a rigid-body proxy for every live actor in an ECS
// world and keeps it in step with splits.
package bodies

import (
	"errors"
	"fmt"
	"slices"

	"github.com/mlange-42/ark/ecs"

	"github.com/Faultbox/blastgo/pkg/blast"
	"github.com/Faultbox/blastgo/pkg/math"
)

// ErrUnknownActor is returned for actors without a body.
var ErrUnknownActor = errors.New("actor has no body")

// Density converts chunk volume to mass.
const Density = 1

type key struct {
	family int
	actor  blast.ActorHandle
}

// World owns the ECS world and the actor to entity index. It is not safe for
// concurrent use.
type World struct {
	Gravity math.Vec3

	world  *ecs.World
	mapper *ecs.Map2[Body, Fragment]
	filter *ecs.Filter2[Body, Fragment]
	bodies *ecs.Map1[Body]
	frags  *ecs.Map1[Fragment]
	index  map[key]ecs.Entity
}

// NewWorld creates an empty world with the given gravity.
func NewWorld(gravity math.Vec3) *World {
	w := ecs.NewWorld()
	return &World{
		Gravity: gravity,
		world:   w,
		mapper:  ecs.NewMap2[Body, Fragment](w),
		filter:  ecs.NewFilter2[Body, Fragment](w),
		bodies:  ecs.NewMap1[Body](w),
		frags:   ecs.NewMap1[Fragment](w),
		index:   make(map[key]ecs.Entity),
	}
}

// Len returns the number of bodies.
func (w *World) Len() int {
	return len(w.index)
}

// Spawn creates a body for actor h of family, placed at pose. Mass and center
// of mass are computed from the actor's visible chunks; pose.Mass is ignored.
func (w *World) Spawn(family int, fam *blast.Family, h blast.ActorHandle, pose Body) error {
	k := key{family, h}
	if _, ok := w.index[k]; ok {
		return fmt.Errorf("actor %s of family %d already has a body", h, family)
	}
	frag, mass, err := fragmentOf(family, fam, h)
	if err != nil {
		return err
	}
	pose.Mass = mass
	w.index[k] = w.mapper.NewEntity(&pose, &frag)
	return nil
}

func fragmentOf(family int, fam *blast.Family, h blast.ActorHandle) (Fragment, float32, error) {
	visible, err := fam.VisibleChunks(h)
	if err != nil {
		return Fragment{}, 0, err
	}
	asset := fam.Asset()
	var (
		mass float32
		com  math.Vec3
	)
	for _, c := range visible {
		ch := asset.Chunk(c)
		m := ch.Volume * Density
		mass += m
		com = com.Add(ch.Centroid.Scale(m))
	}
	if mass > 0 {
		com = com.Scale(1 / mass)
	}
	return Fragment{Family: family, Actor: h, Chunks: len(visible), CenterOfMass: com}, mass, nil
}

// Body returns the body of actor h.
func (w *World) Body(family int, h blast.ActorHandle) (Body, bool) {
	e, ok := w.index[key{family, h}]
	if !ok {
		return Body{}, false
	}
	return *w.bodies.Get(e), true
}

// Fragment returns the fragment component of actor h.
func (w *World) Fragment(family int, h blast.ActorHandle) (Fragment, bool) {
	e, ok := w.index[key{family, h}]
	if !ok {
		return Fragment{}, false
	}
	return *w.frags.Get(e), true
}

// Remove deletes the body of actor h, if any.
func (w *World) Remove(family int, h blast.ActorHandle) {
	k := key{family, h}
	if e, ok := w.index[k]; ok {
		w.world.RemoveEntity(e)
		delete(w.index, k)
	}
}

// OnSplit replaces the deleted actor's body with one body per new actor.
// Children keep the parent's frame and inherit the velocity of the parent's
// motion at their own center of mass. When the parent was static, the child
// with the most visible chunks stays static and the rest are released.
func (w *World) OnSplit(family int, fam *blast.Family, ev blast.SplitEvent) error {
	if !ev.Changed() {
		return nil
	}
	k := key{family, ev.Deleted}
	e, ok := w.index[k]
	if !ok {
		return fmt.Errorf("%w: %s of family %d", ErrUnknownActor, ev.Deleted, family)
	}
	parent := *w.bodies.Get(e)
	parentFrag := *w.frags.Get(e)
	w.world.RemoveEntity(e)
	delete(w.index, k)

	parentCOM := parent.Position.Add(parent.Rotation.Rotate(parentFrag.CenterOfMass))

	type child struct {
		frag Fragment
		body Body
	}
	children := make([]child, 0, len(ev.NewActors))
	anchor := -1
	for i, h := range ev.NewActors {
		frag, mass, err := fragmentOf(family, fam, h)
		if err != nil {
			return err
		}
		body := Body{
			Position:        parent.Position,
			Rotation:        parent.Rotation,
			AngularVelocity: parent.AngularVelocity,
			Mass:            mass,
		}
		com := parent.Position.Add(parent.Rotation.Rotate(frag.CenterOfMass))
		body.Velocity = parent.Velocity.Add(parent.AngularVelocity.Cross(com.Sub(parentCOM)))
		if parent.Static && (anchor < 0 || frag.Chunks > children[anchor].frag.Chunks) {
			anchor = i
		}
		children = append(children, child{frag, body})
	}
	if anchor >= 0 {
		children[anchor].body.Static = true
		children[anchor].body.Velocity = math.Vec3{}
		children[anchor].body.AngularVelocity = math.Vec3{}
	}

	for _, c := range children {
		w.index[key{family, c.frag.Actor}] = w.mapper.NewEntity(&c.body, &c.frag)
	}
	return nil
}

// ApplyImpulse applies impulse at world point at to actor h. Static bodies
// ignore impulses. Inertia is approximated by the mass, so the angular
// response is only qualitative.
func (w *World) ApplyImpulse(family int, h blast.ActorHandle, impulse, at math.Vec3) error {
	e, ok := w.index[key{family, h}]
	if !ok {
		return fmt.Errorf("%w: %s of family %d", ErrUnknownActor, h, family)
	}
	body, frag := w.mapper.Get(e)
	if body.Static || body.Mass <= 0 {
		return nil
	}
	inv := 1 / body.Mass
	body.Velocity = body.Velocity.Add(impulse.Scale(inv))
	com := body.Position.Add(body.Rotation.Rotate(frag.CenterOfMass))
	body.AngularVelocity = body.AngularVelocity.Add(at.Sub(com).Cross(impulse).Scale(inv))
	return nil
}

// Step integrates every dynamic body over dt seconds. Bodies rotate about
// their center of mass.
func (w *World) Step(dt float32) {
	query := w.filter.Query()
	for query.Next() {
		body, frag := query.Get()
		if body.Static {
			continue
		}
		body.Velocity = body.Velocity.Add(w.Gravity.Scale(dt))

		com := body.Position.Add(body.Rotation.Rotate(frag.CenterOfMass))
		com = com.Add(body.Velocity.Scale(dt))
		body.Rotation = body.Rotation.Integrate(body.AngularVelocity, dt)
		body.Position = com.Sub(body.Rotation.Rotate(frag.CenterOfMass))
	}
}

// ChunkWorldPosition returns the world position of a chunk's centroid as
// carried by actor h.
func (w *World) ChunkWorldPosition(family int, fam *blast.Family, h blast.ActorHandle, chunk uint32) (math.Vec3, error) {
	e, ok := w.index[key{family, h}]
	if !ok {
		return math.Vec3{}, fmt.Errorf("%w: %s of family %d", ErrUnknownActor, h, family)
	}
	if chunk >= fam.Asset().ChunkCount() {
		return math.Vec3{}, fmt.Errorf("chunk %d out of range", chunk)
	}
	body := w.bodies.Get(e)
	return body.Position.Add(body.Rotation.Rotate(fam.Asset().Chunk(chunk).Centroid)), nil
}

// ToLocal converts a world point into the asset-local frame of actor h, for
// building damage descriptors from world-space hits.
func (w *World) ToLocal(family int, h blast.ActorHandle, p math.Vec3) (math.Vec3, error) {
	e, ok := w.index[key{family, h}]
	if !ok {
		return math.Vec3{}, fmt.Errorf("%w: %s of family %d", ErrUnknownActor, h, family)
	}
	body := w.bodies.Get(e)
	return body.Rotation.Conjugate().Rotate(p.Sub(body.Position)), nil
}

// Actors returns the actors with bodies in family, ordered by handle index.
func (w *World) Actors(family int) []blast.ActorHandle {
	var out []blast.ActorHandle
	for k := range w.index {
		if k.family == family {
			out = append(out, k.actor)
		}
	}
	slices.SortFunc(out, func(a, b blast.ActorHandle) int {
		return int(a.Index()) - int(b.Index())
	})
	return out
}
