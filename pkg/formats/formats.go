// Package formats provides little-endian binary encodings for fracture
// assets, family snapshots and fracture command buffers.
//
// Every file starts with a four byte magic followed by the version stored as
// [minor, major].
package formats

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Version is a format version.
type Version struct {
	Major uint8
	Minor uint8
}

// String returns the version as "Major.Minor".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// headerSize is the magic plus the two version bytes.
const headerSize = 6

func writeHeader(buf *bytes.Buffer, magic string, v Version) {
	buf.WriteString(magic)
	buf.WriteByte(v.Minor)
	buf.WriteByte(v.Major)
}

// readHeader checks the magic and returns the version and a reader over the
// rest of the data. The caller validates the version.
func readHeader(data []byte, magic string, errMagic, errTruncated error) (Version, *bytes.Reader, error) {
	if len(data) < headerSize {
		return Version{}, nil, errTruncated
	}
	if string(data[0:4]) != magic {
		return Version{}, nil, errMagic
	}
	v := Version{Major: data[5], Minor: data[4]}
	return v, bytes.NewReader(data[headerSize:]), nil
}

// readCount reads a uint32 element count and checks that the remaining data
// can hold count elements of elemSize bytes.
func readCount(r *bytes.Reader, elemSize int, errTruncated error, what string) (uint32, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return 0, fmt.Errorf("%w: reading %s count", errTruncated, what)
	}
	if uint64(n)*uint64(elemSize) > uint64(r.Len()) {
		return 0, fmt.Errorf("%w: %d %s need %d bytes, %d left", errTruncated, n, what, uint64(n)*uint64(elemSize), r.Len())
	}
	return n, nil
}

func readFloats(r *bytes.Reader, errTruncated error, what string) ([]float32, error) {
	n, err := readCount(r, 4, errTruncated, what)
	if err != nil {
		return nil, err
	}
	out := make([]float32, n)
	if err := binary.Read(r, binary.LittleEndian, out); err != nil {
		return nil, fmt.Errorf("%w: reading %s", errTruncated, what)
	}
	return out, nil
}

func writeFloats(buf *bytes.Buffer, v []float32) {
	binary.Write(buf, binary.LittleEndian, uint32(len(v)))
	binary.Write(buf, binary.LittleEndian, v)
}
