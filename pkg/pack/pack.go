// Package pack reads and writes asset pack archives: a flat set of named
// files, each compressed with zstd, indexed by a zstd-compressed file table
// at the end of the archive.
package pack

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const (
	packMagic   = "BLPK"
	packVersion = 0x100
	headerSize  = 20

	// maxDecodedSize bounds the decompressed size of the table and of any
	// single file.
	maxDecodedSize = 1 << 30
)

// Pack archive errors.
var (
	ErrInvalidMagic       = errors.New("invalid pack magic: expected 'BLPK'")
	ErrUnsupportedVersion = errors.New("unsupported pack version")
	ErrCorruptTable       = errors.New("corrupt pack file table")
	ErrNotFound           = errors.New("file not found in pack")
	ErrDuplicate          = errors.New("duplicate file in pack")
)

// Header is the fixed archive header.
type Header struct {
	Magic       [4]byte
	Version     uint32
	TableOffset uint64
	FileCount   uint32
}

// Entry describes one file in the archive.
type Entry struct {
	Name           string
	CompressedSize uint32
	Size           uint32
	Offset         uint64
}

// Archive is an opened pack. Read is safe for concurrent use.
type Archive struct {
	file     *os.File
	size     int64
	header   Header
	dec      *zstd.Decoder
	fileList map[string]*Entry
}

// Open opens a pack archive for reading.
func Open(path string) (*Archive, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("creating decoder: %w", err)
	}

	archive := &Archive{
		file:     file,
		size:     info.Size(),
		dec:      dec,
		fileList: make(map[string]*Entry),
	}

	if err := archive.readHeader(); err != nil {
		archive.Close()
		return nil, fmt.Errorf("reading header: %w", err)
	}

	if err := archive.readFileTable(); err != nil {
		archive.Close()
		return nil, fmt.Errorf("reading file table: %w", err)
	}

	return archive, nil
}

// Close closes the archive.
func (a *Archive) Close() error {
	if a.dec != nil {
		a.dec.Close()
		a.dec = nil
	}
	if a.file != nil {
		err := a.file.Close()
		a.file = nil
		return err
	}
	return nil
}

func (a *Archive) readHeader() error {
	r := io.NewSectionReader(a.file, 0, headerSize)
	if err := binary.Read(r, binary.LittleEndian, &a.header); err != nil {
		return fmt.Errorf("reading header: %w", err)
	}

	if string(a.header.Magic[:]) != packMagic {
		return ErrInvalidMagic
	}

	if a.header.Version>>8 != packVersion>>8 {
		return fmt.Errorf("%w: 0x%x", ErrUnsupportedVersion, a.header.Version)
	}

	return nil
}

func (a *Archive) readFileTable() error {
	// The header read succeeded, so the file holds at least headerSize bytes.
	end := uint64(a.size)
	tableOffset := a.header.TableOffset
	if tableOffset < headerSize || tableOffset > end-8 {
		return fmt.Errorf("%w: table offset %d outside %d byte file", ErrCorruptTable, tableOffset, end)
	}

	var sizes [2]uint32
	r := io.NewSectionReader(a.file, int64(tableOffset), 8)
	if err := binary.Read(r, binary.LittleEndian, &sizes); err != nil {
		return fmt.Errorf("%w: reading table sizes", ErrCorruptTable)
	}
	compressedSize, size := sizes[0], sizes[1]
	if uint64(compressedSize) > end-tableOffset-8 {
		return fmt.Errorf("%w: table claims %d bytes, %d left", ErrCorruptTable, compressedSize, end-tableOffset-8)
	}
	if size > maxDecodedSize {
		return fmt.Errorf("%w: table claims %d decoded bytes", ErrCorruptTable, size)
	}

	compressed := make([]byte, compressedSize)
	if _, err := a.file.ReadAt(compressed, int64(a.header.TableOffset)+8); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptTable, err)
	}

	table, err := a.dec.DecodeAll(compressed, make([]byte, 0, size))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptTable, err)
	}
	if uint32(len(table)) != size {
		return fmt.Errorf("%w: table is %d bytes, header says %d", ErrCorruptTable, len(table), size)
	}

	offset := 0
	for i := uint32(0); i < a.header.FileCount; i++ {
		if offset+2 > len(table) {
			return fmt.Errorf("%w: entry %d", ErrCorruptTable, i)
		}
		nameLen := int(binary.LittleEndian.Uint16(table[offset:]))
		offset += 2
		if offset+nameLen+16 > len(table) {
			return fmt.Errorf("%w: entry %d", ErrCorruptTable, i)
		}
		name := string(table[offset : offset+nameLen])
		offset += nameLen

		entry := &Entry{
			Name:           name,
			CompressedSize: binary.LittleEndian.Uint32(table[offset:]),
			Size:           binary.LittleEndian.Uint32(table[offset+4:]),
			Offset:         binary.LittleEndian.Uint64(table[offset+8:]),
		}
		offset += 16

		// File data lies between the header and the table.
		if entry.Offset < headerSize || entry.Offset > tableOffset ||
			uint64(entry.CompressedSize) > tableOffset-entry.Offset {
			return fmt.Errorf("%w: %s spans %d+%d bytes, data ends at %d", ErrCorruptTable, name, entry.Offset, entry.CompressedSize, tableOffset)
		}
		if entry.Size > maxDecodedSize {
			return fmt.Errorf("%w: %s claims %d decoded bytes", ErrCorruptTable, name, entry.Size)
		}

		a.fileList[normalizePath(name)] = entry
	}

	return nil
}

// List returns all file paths in the archive, sorted.
func (a *Archive) List() []string {
	result := make([]string, 0, len(a.fileList))
	for path := range a.fileList {
		result = append(result, path)
	}
	slices.Sort(result)
	return result
}

// Contains checks if a file exists.
func (a *Archive) Contains(path string) bool {
	_, ok := a.fileList[normalizePath(path)]
	return ok
}

// Stat returns the entry for path.
func (a *Archive) Stat(path string) (Entry, bool) {
	e, ok := a.fileList[normalizePath(path)]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Read reads and decompresses a file from the archive.
func (a *Archive) Read(path string) ([]byte, error) {
	entry, ok := a.fileList[normalizePath(path)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	compressed := make([]byte, entry.CompressedSize)
	if _, err := a.file.ReadAt(compressed, int64(entry.Offset)); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	data, err := a.dec.DecodeAll(compressed, make([]byte, 0, entry.Size))
	if err != nil {
		return nil, fmt.Errorf("decompressing %s: %w", path, err)
	}
	if uint32(len(data)) != entry.Size {
		return nil, fmt.Errorf("decompressing %s: got %d bytes, want %d", path, len(data), entry.Size)
	}
	return data, nil
}

// Writer builds a pack archive. Files are written as they are added; the
// table and header are written by Close.
type Writer struct {
	file    *os.File
	enc     *zstd.Encoder
	offset  uint64
	entries []Entry
	names   map[string]bool
}

// Create creates a pack archive at path, truncating any existing file.
func Create(path string) (*Writer, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating file: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("creating encoder: %w", err)
	}

	// Header placeholder, rewritten on Close.
	if _, err := file.Write(make([]byte, headerSize)); err != nil {
		enc.Close()
		file.Close()
		return nil, fmt.Errorf("writing header: %w", err)
	}

	return &Writer{
		file:   file,
		enc:    enc,
		offset: headerSize,
		names:  make(map[string]bool),
	}, nil
}

// Add compresses data and appends it under name.
func (w *Writer) Add(name string, data []byte) error {
	key := normalizePath(name)
	if w.names[key] {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	if len(key) > 0xFFFF {
		return fmt.Errorf("file name too long: %d bytes", len(key))
	}

	compressed := w.enc.EncodeAll(data, nil)
	if _, err := w.file.Write(compressed); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}

	w.entries = append(w.entries, Entry{
		Name:           key,
		CompressedSize: uint32(len(compressed)),
		Size:           uint32(len(data)),
		Offset:         w.offset,
	})
	w.names[key] = true
	w.offset += uint64(len(compressed))
	return nil
}

// Close writes the file table and header and closes the file.
func (w *Writer) Close() error {
	defer w.enc.Close()
	defer w.file.Close()

	table := new(bytes.Buffer)
	for _, e := range w.entries {
		binary.Write(table, binary.LittleEndian, uint16(len(e.Name)))
		table.WriteString(e.Name)
		binary.Write(table, binary.LittleEndian, e.CompressedSize)
		binary.Write(table, binary.LittleEndian, e.Size)
		binary.Write(table, binary.LittleEndian, e.Offset)
	}

	compressed := w.enc.EncodeAll(table.Bytes(), nil)
	sizes := [2]uint32{uint32(len(compressed)), uint32(table.Len())}
	if err := binary.Write(w.file, binary.LittleEndian, sizes); err != nil {
		return fmt.Errorf("writing table sizes: %w", err)
	}
	if _, err := w.file.Write(compressed); err != nil {
		return fmt.Errorf("writing table: %w", err)
	}

	header := Header{
		Version:     packVersion,
		TableOffset: w.offset,
		FileCount:   uint32(len(w.entries)),
	}
	copy(header.Magic[:], packMagic)
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seeking to header: %w", err)
	}
	if err := binary.Write(w.file, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	return nil
}

func normalizePath(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")
	return strings.ToLower(path)
}
