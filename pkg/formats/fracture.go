package formats

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Faultbox/blastgo/pkg/blast"
)

// Fracture buffer format errors.
var (
	ErrInvalidFractureMagic       = errors.New("invalid fracture buffer magic: expected 'BLFB'")
	ErrUnsupportedFractureVersion = errors.New("unsupported fracture buffer version")
	ErrTruncatedFractureData      = errors.New("truncated fracture buffer data")
)

// FractureMagic starts every encoded fracture buffer.
const FractureMagic = "BLFB"

// FractureVersion is the version written by EncodeFracture.
var FractureVersion = Version{Major: 1, Minor: 0}

const (
	chunkFractureSize = 12
	bondFractureSize  = 20
)

// EncodeFracture serializes a fracture command buffer.
func EncodeFracture(buf *blast.FractureBuffer) []byte {
	out := new(bytes.Buffer)
	out.Grow(headerSize + 8 + len(buf.Chunks)*chunkFractureSize + len(buf.Bonds)*bondFractureSize)
	writeHeader(out, FractureMagic, FractureVersion)

	binary.Write(out, binary.LittleEndian, uint32(len(buf.Chunks)))
	binary.Write(out, binary.LittleEndian, buf.Chunks)
	binary.Write(out, binary.LittleEndian, uint32(len(buf.Bonds)))
	binary.Write(out, binary.LittleEndian, buf.Bonds)
	return out.Bytes()
}

// ParseFracture parses an encoded fracture command buffer.
func ParseFracture(data []byte) (*blast.FractureBuffer, error) {
	version, r, err := readHeader(data, FractureMagic, ErrInvalidFractureMagic, ErrTruncatedFractureData)
	if err != nil {
		return nil, err
	}
	if version.Major != FractureVersion.Major {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFractureVersion, version)
	}

	buf := &blast.FractureBuffer{}

	n, err := readCount(r, chunkFractureSize, ErrTruncatedFractureData, "chunk fractures")
	if err != nil {
		return nil, err
	}
	if n > 0 {
		buf.Chunks = make([]blast.ChunkFracture, n)
		if err := binary.Read(r, binary.LittleEndian, buf.Chunks); err != nil {
			return nil, fmt.Errorf("%w: reading chunk fractures", ErrTruncatedFractureData)
		}
	}

	n, err = readCount(r, bondFractureSize, ErrTruncatedFractureData, "bond fractures")
	if err != nil {
		return nil, err
	}
	if n > 0 {
		buf.Bonds = make([]blast.BondFracture, n)
		if err := binary.Read(r, binary.LittleEndian, buf.Bonds); err != nil {
			return nil, fmt.Errorf("%w: reading bond fractures", ErrTruncatedFractureData)
		}
	}

	return buf, nil
}
