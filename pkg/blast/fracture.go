package blast

import (
	"fmt"
	"math"
	"time"
)

// ApplyResult counts the elements whose health actually changed.
type ApplyResult struct {
	ChunksChanged int
	BondsChanged  int
}

// Changed reports whether any health was written.
func (r ApplyResult) Changed() bool {
	return r.ChunksChanged > 0 || r.BondsChanged > 0
}

// Apply writes the buffer's proposed healths, clamped at zero, into the
// family. Every entry must name an element the actor owns; otherwise nothing
// is written and ErrInvalidFracture is returned. Applying the same buffer
// twice leaves the same state as applying it once.
//
// Apply does not change ownership. Call Split afterwards.
func (f *Family) Apply(h ActorHandle, buf *FractureBuffer) (ApplyResult, error) {
	a, err := f.lookup(h)
	if err != nil {
		return ApplyResult{}, err
	}
	if buf == nil {
		return ApplyResult{}, nil
	}
	if f.timers != nil {
		start := time.Now()
		defer func() { f.timers.Fracture += time.Since(start) }()
	}

	if err := f.validateBuffer(h.index, a, buf); err != nil {
		return ApplyResult{}, err
	}

	var res ApplyResult
	for _, c := range buf.Chunks {
		slot := f.asset.healthSlot[c.Chunk]
		health := max(c.Health, 0)
		if f.chunkHealth[slot] != health {
			f.chunkHealth[slot] = health
			res.ChunksChanged++
		}
	}
	for _, b := range buf.Bonds {
		health := max(b.Health, 0)
		if f.bondHealth[b.Bond] != health {
			f.bondHealth[b.Bond] = health
			res.BondsChanged++
		}
	}
	return res, nil
}

func (f *Family) validateBuffer(idx uint32, a *actor, buf *FractureBuffer) error {
	asset := f.asset
	for i, c := range buf.Chunks {
		switch {
		case c.Chunk >= asset.ChunkCount():
			return fmt.Errorf("%w: chunk entry %d: chunk %d out of range", ErrInvalidFracture, i, c.Chunk)
		case asset.healthSlot[c.Chunk] == InvalidIndex:
			return fmt.Errorf("%w: chunk entry %d: chunk %d is above the support level", ErrInvalidFracture, i, c.Chunk)
		case !f.ownsChunk(idx, a, c.Chunk):
			return fmt.Errorf("%w: chunk entry %d: chunk %d not owned by actor", ErrInvalidFracture, i, c.Chunk)
		case math.IsNaN(float64(c.Health)):
			return fmt.Errorf("%w: chunk entry %d: health is NaN", ErrInvalidFracture, i)
		}
	}
	for i, b := range buf.Bonds {
		if b.Bond >= asset.BondCount() {
			return fmt.Errorf("%w: bond entry %d: bond %d out of range", ErrInvalidFracture, i, b.Bond)
		}
		nodes := asset.bondNodes[b.Bond]
		switch {
		case nodes != [2]uint32{b.Node0, b.Node1}:
			return fmt.Errorf("%w: bond entry %d: bond %d joins nodes %v, not (%d, %d)", ErrInvalidFracture, i, b.Bond, nodes, b.Node0, b.Node1)
		case f.nodeActor[nodes[0]] != idx || f.nodeActor[nodes[1]] != idx:
			return fmt.Errorf("%w: bond entry %d: bond %d not owned by actor", ErrInvalidFracture, i, b.Bond)
		case math.IsNaN(float64(b.Health)):
			return fmt.Errorf("%w: bond entry %d: health is NaN", ErrInvalidFracture, i)
		}
	}
	return nil
}
