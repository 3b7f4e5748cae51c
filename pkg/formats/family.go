package formats

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/Faultbox/blastgo/pkg/blast"
)

// Family snapshot format errors.
var (
	ErrInvalidFamilyMagic       = errors.New("invalid family snapshot magic: expected 'BLFM'")
	ErrUnsupportedFamilyVersion = errors.New("unsupported family snapshot version")
	ErrTruncatedFamilyData      = errors.New("truncated family snapshot data")
)

// FamilyMagic starts every family snapshot.
const FamilyMagic = "BLFM"

// FamilyVersion is the version written by EncodeFamily.
var FamilyVersion = Version{Major: 1, Minor: 0}

const slotAlive = 1 << 0

// slotHeader precedes the node list of each actor slot.
type slotHeader struct {
	Generation uint32
	Flags      uint32
	Chunk      uint32
	NodeCount  uint32
}

const slotHeaderSize = 16

// EncodeFamily serializes a family snapshot.
func EncodeFamily(snap *blast.FamilySnapshot) []byte {
	buf := new(bytes.Buffer)
	writeHeader(buf, FamilyMagic, FamilyVersion)

	writeFloats(buf, snap.BondHealths)
	writeFloats(buf, snap.ChunkHealths)

	binary.Write(buf, binary.LittleEndian, uint32(len(snap.Actors)))
	for _, slot := range snap.Actors {
		var flags uint32
		if slot.Alive {
			flags |= slotAlive
		}
		binary.Write(buf, binary.LittleEndian, slotHeader{
			Generation: slot.Generation,
			Flags:      flags,
			Chunk:      slot.Chunk,
			NodeCount:  uint32(len(slot.Nodes)),
		})
		binary.Write(buf, binary.LittleEndian, slot.Nodes)
	}
	return buf.Bytes()
}

// ParseFamily parses a family snapshot. blast.RestoreFamily validates it
// against an asset.
func ParseFamily(data []byte) (*blast.FamilySnapshot, error) {
	version, r, err := readHeader(data, FamilyMagic, ErrInvalidFamilyMagic, ErrTruncatedFamilyData)
	if err != nil {
		return nil, err
	}
	if version.Major != FamilyVersion.Major {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFamilyVersion, version)
	}

	snap := &blast.FamilySnapshot{}
	if snap.BondHealths, err = readFloats(r, ErrTruncatedFamilyData, "bond healths"); err != nil {
		return nil, err
	}
	if snap.ChunkHealths, err = readFloats(r, ErrTruncatedFamilyData, "chunk healths"); err != nil {
		return nil, err
	}

	slots, err := readCount(r, slotHeaderSize, ErrTruncatedFamilyData, "actor slots")
	if err != nil {
		return nil, err
	}
	snap.Actors = make([]blast.ActorSlot, slots)
	for i := range snap.Actors {
		var h slotHeader
		if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
			return nil, fmt.Errorf("%w: reading slot %d", ErrTruncatedFamilyData, i)
		}
		if uint64(h.NodeCount)*4 > uint64(r.Len()) {
			return nil, fmt.Errorf("%w: slot %d lists %d nodes", ErrTruncatedFamilyData, i, h.NodeCount)
		}
		slot := blast.ActorSlot{
			Generation: h.Generation,
			Alive:      h.Flags&slotAlive != 0,
			Chunk:      h.Chunk,
		}
		if h.NodeCount > 0 {
			slot.Nodes = make([]uint32, h.NodeCount)
			if err := binary.Read(r, binary.LittleEndian, slot.Nodes); err != nil {
				return nil, fmt.Errorf("%w: reading slot %d nodes", ErrTruncatedFamilyData, i)
			}
		}
		snap.Actors[i] = slot
	}

	return snap, nil
}

// ParseFamilyFile parses a family snapshot from disk.
func ParseFamilyFile(path string) (*blast.FamilySnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading family snapshot file: %w", err)
	}
	return ParseFamily(data)
}
