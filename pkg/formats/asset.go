package formats

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/Faultbox/blastgo/pkg/blast"
	"github.com/Faultbox/blastgo/pkg/math"
)

// Asset descriptor format errors.
var (
	ErrInvalidAssetMagic       = errors.New("invalid asset descriptor magic: expected 'BLAD'")
	ErrUnsupportedAssetVersion = errors.New("unsupported asset descriptor version")
	ErrTruncatedAssetData      = errors.New("truncated asset descriptor data")
)

// AssetMagic starts every asset descriptor file.
const AssetMagic = "BLAD"

// AssetVersion is the version written by EncodeAssetDesc.
var AssetVersion = Version{Major: 1, Minor: 0}

// On-disk records. Field order is the wire order.
type rawChunk struct {
	Parent   uint32
	Centroid [3]float32
	Volume   float32
	Flags    uint32
	UserData uint32
}

type rawBond struct {
	Chunks   [2]uint32
	Normal   [3]float32
	Area     float32
	Centroid [3]float32
	UserData uint32
}

const (
	rawChunkSize = 28
	rawBondSize  = 40
)

// EncodeAssetDesc serializes an asset descriptor.
func EncodeAssetDesc(desc *blast.AssetDesc) []byte {
	buf := new(bytes.Buffer)
	buf.Grow(headerSize + 8 + len(desc.Chunks)*rawChunkSize + len(desc.Bonds)*rawBondSize)
	writeHeader(buf, AssetMagic, AssetVersion)

	binary.Write(buf, binary.LittleEndian, uint32(len(desc.Chunks)))
	binary.Write(buf, binary.LittleEndian, uint32(len(desc.Bonds)))

	for _, c := range desc.Chunks {
		binary.Write(buf, binary.LittleEndian, rawChunk{
			Parent:   c.Parent,
			Centroid: c.Centroid.Array(),
			Volume:   c.Volume,
			Flags:    uint32(c.Flags),
			UserData: c.UserData,
		})
	}
	for _, b := range desc.Bonds {
		binary.Write(buf, binary.LittleEndian, rawBond{
			Chunks:   b.Chunks,
			Normal:   b.Normal.Array(),
			Area:     b.Area,
			Centroid: b.Centroid.Array(),
			UserData: b.UserData,
		})
	}
	return buf.Bytes()
}

// ParseAssetDesc parses an asset descriptor from raw bytes. It checks the
// layout only; BuildAsset validates the hierarchy and bonds.
func ParseAssetDesc(data []byte) (*blast.AssetDesc, error) {
	version, r, err := readHeader(data, AssetMagic, ErrInvalidAssetMagic, ErrTruncatedAssetData)
	if err != nil {
		return nil, err
	}
	if version.Major != AssetVersion.Major {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAssetVersion, version)
	}

	var chunkCount, bondCount uint32
	if err := binary.Read(r, binary.LittleEndian, &chunkCount); err != nil {
		return nil, fmt.Errorf("%w: reading chunk count", ErrTruncatedAssetData)
	}
	if err := binary.Read(r, binary.LittleEndian, &bondCount); err != nil {
		return nil, fmt.Errorf("%w: reading bond count", ErrTruncatedAssetData)
	}
	need := uint64(chunkCount)*rawChunkSize + uint64(bondCount)*rawBondSize
	if need > uint64(r.Len()) {
		return nil, fmt.Errorf("%w: %d chunks and %d bonds need %d bytes, %d left", ErrTruncatedAssetData, chunkCount, bondCount, need, r.Len())
	}

	desc := &blast.AssetDesc{
		Chunks: make([]blast.ChunkDesc, chunkCount),
		Bonds:  make([]blast.BondDesc, bondCount),
	}

	for i := range desc.Chunks {
		var raw rawChunk
		if err := binary.Read(r, binary.LittleEndian, &raw); err != nil {
			return nil, fmt.Errorf("%w: reading chunk %d", ErrTruncatedAssetData, i)
		}
		desc.Chunks[i] = blast.ChunkDesc{
			Centroid: vec3(raw.Centroid),
			Volume:   raw.Volume,
			Parent:   raw.Parent,
			Flags:    blast.ChunkFlags(raw.Flags),
			UserData: raw.UserData,
		}
	}

	for i := range desc.Bonds {
		var raw rawBond
		if err := binary.Read(r, binary.LittleEndian, &raw); err != nil {
			return nil, fmt.Errorf("%w: reading bond %d", ErrTruncatedAssetData, i)
		}
		desc.Bonds[i] = blast.BondDesc{
			Bond: blast.Bond{
				Normal:   vec3(raw.Normal),
				Area:     raw.Area,
				Centroid: vec3(raw.Centroid),
				UserData: raw.UserData,
			},
			Chunks: raw.Chunks,
		}
	}

	return desc, nil
}

// ParseAssetDescFile parses an asset descriptor from disk.
func ParseAssetDescFile(path string) (*blast.AssetDesc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading asset descriptor file: %w", err)
	}
	return ParseAssetDesc(data)
}

// WriteAssetDescFile encodes desc to path.
func WriteAssetDescFile(path string, desc *blast.AssetDesc) error {
	if err := os.WriteFile(path, EncodeAssetDesc(desc), 0644); err != nil {
		return fmt.Errorf("writing asset descriptor file: %w", err)
	}
	return nil
}

func vec3(a [3]float32) math.Vec3 {
	return math.Vec3{X: a[0], Y: a[1], Z: a[2]}
}
