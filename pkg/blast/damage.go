package blast

import (
	"fmt"

	"github.com/Faultbox/blastgo/pkg/math"
)

// DamageKind selects how a DamageDesc distributes damage.
type DamageKind uint8

// Damage kinds.
const (
	// DamageRadial falls off with distance from Position.
	DamageRadial DamageKind = iota
	// DamageCutter applies full damage within [MinRadius, MaxRadius] and
	// none elsewhere.
	DamageCutter
	// DamageSegment falls off with distance from the segment Position-End.
	DamageSegment
	// DamageShear walks from the node nearest Position along Normal,
	// damaging bonds in proportion to how far they lie across Normal.
	DamageShear
	// DamageImpact damages the support chunk nearest Position.
	DamageImpact
)

// String returns the kind name.
func (k DamageKind) String() string {
	switch k {
	case DamageRadial:
		return "radial"
	case DamageCutter:
		return "cutter"
	case DamageSegment:
		return "segment"
	case DamageShear:
		return "shear"
	case DamageImpact:
		return "impact"
	default:
		return fmt.Sprintf("DamageKind(%d)", uint8(k))
	}
}

// ParseDamageKind converts a kind name back to a DamageKind.
func ParseDamageKind(s string) (DamageKind, error) {
	for k := DamageRadial; k <= DamageImpact; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown damage kind %q", s)
}

// Falloff is the curve between MinRadius and MaxRadius.
type Falloff uint8

// Falloff curves.
const (
	FalloffLinear Falloff = iota
	FalloffSmoothstep
)

// String returns the curve name.
func (f Falloff) String() string {
	switch f {
	case FalloffLinear:
		return "linear"
	case FalloffSmoothstep:
		return "smoothstep"
	default:
		return fmt.Sprintf("Falloff(%d)", uint8(f))
	}
}

// ParseFalloff converts a curve name back to a Falloff.
func ParseFalloff(s string) (Falloff, error) {
	switch s {
	case "linear", "":
		return FalloffLinear, nil
	case "smoothstep":
		return FalloffSmoothstep, nil
	}
	return 0, fmt.Errorf("unknown falloff %q", s)
}

// apply returns full damage below lo, none beyond hi, and the curve in
// between.
func (f Falloff) apply(lo, hi, x, damage float32) float32 {
	if x > hi {
		return 0
	}
	if x < lo || hi <= lo {
		return damage
	}
	t := 1 - (x-lo)/(hi-lo)
	if f == FalloffSmoothstep {
		t = t * t * (3 - 2*t)
	}
	return t * damage
}

func cutterProfile(lo, hi, x, damage float32) float32 {
	if x > hi || x < lo {
		return 0
	}
	return damage
}

// DamageDesc is one damage request in actor-local space.
type DamageDesc struct {
	Kind      DamageKind
	Position  math.Vec3 // center, or segment start
	End       math.Vec3 // segment end
	Normal    math.Vec3 // shear direction
	MinRadius float32
	MaxRadius float32
	Damage    float32 // damage at full strength, in health units
	Falloff   Falloff
}

// RadialDamage returns a radial falloff descriptor.
func RadialDamage(pos math.Vec3, minRadius, maxRadius, damage float32) DamageDesc {
	return DamageDesc{
		Kind:      DamageRadial,
		Position:  pos,
		MinRadius: minRadius,
		MaxRadius: maxRadius,
		Damage:    damage,
	}
}

// damageAt evaluates the descriptor's profile at p.
func (d *DamageDesc) damageAt(p math.Vec3) float32 {
	switch d.Kind {
	case DamageCutter:
		return cutterProfile(d.MinRadius, d.MaxRadius, p.Distance(d.Position), d.Damage)
	case DamageSegment:
		return d.Falloff.apply(d.MinRadius, d.MaxRadius, p.DistanceToSegment(d.Position, d.End), d.Damage)
	default:
		return d.Falloff.apply(d.MinRadius, d.MaxRadius, p.Distance(d.Position), d.Damage)
	}
}

// reach returns a sphere containing every point the descriptor can damage.
func (d *DamageDesc) reach() (center math.Vec3, radius float32) {
	if d.Kind == DamageSegment {
		return d.Position.Midpoint(d.End), d.Position.Distance(d.End)/2 + d.MaxRadius
	}
	return d.Position, d.MaxRadius
}

// Material scales raw damage against a reference health and filters it
// through threshold fractions.
type Material struct {
	Health             float32
	MinDamageThreshold float32 // fractions at or below this are dropped
	MaxDamageThreshold float32 // fractions above this are capped
}

// DefaultMaterial returns health 100 with thresholds [0, 1].
func DefaultMaterial() Material {
	return Material{Health: 100, MinDamageThreshold: 0, MaxDamageThreshold: 1}
}

// NormalizedDamage converts damage in health units to a fraction of the
// material's health, with the thresholds applied.
func (m Material) NormalizedDamage(damage float32) float32 {
	d := float32(1)
	if m.Health > 0 {
		d = damage / m.Health
	}
	if d <= m.MinDamageThreshold {
		return 0
	}
	if d > m.MaxDamageThreshold {
		return m.MaxDamageThreshold
	}
	return d
}

// filter returns damage after the thresholds, back in health units. A nil
// material or one without reference health passes damage through.
func (m *Material) filter(damage float32) float32 {
	if m == nil || m.Health <= 0 {
		return damage
	}
	return m.NormalizedDamage(damage) * m.Health
}
