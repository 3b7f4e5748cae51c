package descriptor

import (
	"fmt"

	"github.com/Faultbox/blastgo/pkg/blast"
	"github.com/Faultbox/blastgo/pkg/math"
)

// BondAxes selects which neighbor directions get bonds between support
// chunks of a cube.
type BondAxes uint8

// Bond axis bits.
const (
	BondX BondAxes = 1 << iota
	BondY
	BondZ

	BondAll = BondX | BondY | BondZ
)

// CubeDepth is one level of the cube hierarchy. Each chunk of the previous
// level is cut into Slices[0]*Slices[1]*Slices[2] children.
type CubeDepth struct {
	Slices  [3]uint32
	Support bool
}

// CubeSettings describes a procedural cube. Depths[0] is the root level and
// normally has one slice per axis.
type CubeSettings struct {
	Extents math.Vec3
	Depths  []CubeDepth
	Bonds   BondAxes
}

// CubeAsset is a generated descriptor plus the box size of every chunk,
// indexed like Desc.Chunks.
type CubeAsset struct {
	Desc        blast.AssetDesc
	ChunkSizes  []math.Vec3
	Extents     math.Vec3
	SupportSize [3]uint32 // support chunks per axis
}

// NewCubeSettings builds settings from a root plus per-level slice counts,
// flagging the level at supportDepth as support. Depth 0 is the root.
func NewCubeSettings(extent float32, slices [][3]int, supportDepth int) CubeSettings {
	s := CubeSettings{
		Extents: math.Vec3{X: extent, Y: extent, Z: extent},
		Depths:  []CubeDepth{{Slices: [3]uint32{1, 1, 1}}},
		Bonds:   BondAll,
	}
	for _, sl := range slices {
		s.Depths = append(s.Depths, CubeDepth{Slices: [3]uint32{uint32(sl[0]), uint32(sl[1]), uint32(sl[2])}})
	}
	if supportDepth >= 0 && supportDepth < len(s.Depths) {
		s.Depths[supportDepth].Support = true
	}
	return s
}

// GenerateCube builds a cube asset. Chunks are emitted level by level in
// x-major order, so user data equals the chunk's index in the descriptor.
// Bonds join face neighbors of support levels.
func GenerateCube(s CubeSettings) (*CubeAsset, error) {
	if len(s.Depths) == 0 {
		return nil, fmt.Errorf("%w: no depths", ErrInvalidCubeLayout)
	}
	if !(s.Extents.X > 0 && s.Extents.Y > 0 && s.Extents.Z > 0) {
		return nil, fmt.Errorf("%w: extents must be positive", ErrInvalidCubeLayout)
	}

	out := &CubeAsset{Extents: s.Extents}
	size := s.Extents
	total := [3]uint32{1, 1, 1}
	levelStart := uint32(0)
	var prevTotal [3]uint32
	var count uint64

	for depth, d := range s.Depths {
		if d.Slices[0] == 0 || d.Slices[1] == 0 || d.Slices[2] == 0 {
			return nil, fmt.Errorf("%w: depth %d has a zero slice count", ErrInvalidCubeLayout, depth)
		}
		prevTotal = total
		for a := range total {
			total[a] *= d.Slices[a]
		}
		count += uint64(total[0]) * uint64(total[1]) * uint64(total[2])
		if count >= uint64(blast.InvalidIndex) {
			return nil, fmt.Errorf("%w: %d chunks", ErrInvalidCubeLayout, count)
		}

		size = math.Vec3{
			X: size.X / float32(d.Slices[0]),
			Y: size.Y / float32(d.Slices[1]),
			Z: size.Z / float32(d.Slices[2]),
		}
		start := uint32(len(out.Desc.Chunks))
		flags := blast.ChunkNoFlags
		if d.Support {
			flags = blast.ChunkSupport
			out.SupportSize = total
		}

		for z := uint32(0); z < total[2]; z++ {
			for y := uint32(0); y < total[1]; y++ {
				for x := uint32(0); x < total[0]; x++ {
					id := uint32(len(out.Desc.Chunks))
					parent := blast.InvalidIndex
					if depth > 0 {
						px, py, pz := x/d.Slices[0], y/d.Slices[1], z/d.Slices[2]
						parent = levelStart + px + prevTotal[0]*(py+prevTotal[1]*pz)
					}
					pos := math.Vec3{
						X: (float32(x) - float32(total[0])/2 + 0.5) * size.X,
						Y: (float32(y) - float32(total[1])/2 + 0.5) * size.Y,
						Z: (float32(z) - float32(total[2])/2 + 0.5) * size.Z,
					}
					out.Desc.Chunks = append(out.Desc.Chunks, blast.ChunkDesc{
						Centroid: pos,
						Volume:   size.X * size.Y * size.Z,
						Parent:   parent,
						Flags:    flags,
						UserData: id,
					})
					out.ChunkSizes = append(out.ChunkSizes, size)

					if !d.Support {
						continue
					}
					if x > 0 && s.Bonds&BondX != 0 {
						out.addBond(id, id-1, pos, pos.Sub(math.Vec3{X: size.X}), size.Y*size.Z)
					}
					if y > 0 && s.Bonds&BondY != 0 {
						out.addBond(id, id-total[0], pos, pos.Sub(math.Vec3{Y: size.Y}), size.Z*size.X)
					}
					if z > 0 && s.Bonds&BondZ != 0 {
						out.addBond(id, id-total[0]*total[1], pos, pos.Sub(math.Vec3{Z: size.Z}), size.X*size.Y)
					}
				}
			}
		}
		levelStart = start
	}
	return out, nil
}

func (c *CubeAsset) addBond(id0, id1 uint32, p0, p1 math.Vec3, area float32) {
	c.Desc.Bonds = append(c.Desc.Bonds, blast.BondDesc{
		Bond: blast.Bond{
			Normal:   p0.Sub(p1).Normalize(),
			Area:     area,
			Centroid: p0.Midpoint(p1),
			UserData: uint32(len(c.Desc.Bonds)),
		},
		Chunks: [2]uint32{id0, id1},
	})
}

// SupportNode returns the descriptor index of the support chunk at grid
// position (x, y, z), or false when the cube has no support level or the
// position is outside it.
func (c *CubeAsset) SupportNode(x, y, z uint32) (uint32, bool) {
	n := c.SupportSize
	if n[0] == 0 || x >= n[0] || y >= n[1] || z >= n[2] {
		return 0, false
	}
	for i, ch := range c.Desc.Chunks {
		if ch.IsSupport() {
			return uint32(i) + x + n[0]*(y+n[1]*z), true
		}
	}
	return 0, false
}
