// Package descriptor reads and writes the JSON form of asset descriptors and
// generates procedural cube assets.
//
// JSON descriptors are validated against an embedded JSON Schema before they
// are decoded, so structural mistakes are reported with a path into the
// document rather than as a failed build.
package descriptor

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Faultbox/blastgo/pkg/blast"
	"github.com/Faultbox/blastgo/pkg/math"
)

// Version is the descriptor document version this package reads and writes.
const Version = 1

// Descriptor errors.
var (
	ErrMalformedJSON     = errors.New("malformed descriptor JSON")
	ErrSchemaViolation   = errors.New("descriptor does not match schema")
	ErrInvalidCubeLayout = errors.New("invalid cube layout")
)

//go:embed schema.json
var schemaSource string

const schemaURL = "blastgo://descriptor.schema.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString(schemaURL, schemaSource)
	})
	return schema, schemaErr
}

// Document is the JSON form of a blast.AssetDesc.
type Document struct {
	Version int        `json:"version"`
	Name    string     `json:"name,omitempty"`
	Chunks  []ChunkDoc `json:"chunks"`
	Bonds   []BondDoc  `json:"bonds,omitempty"`
}

// ChunkDoc is one chunk. Roots omit Parent.
type ChunkDoc struct {
	Parent   *uint32    `json:"parent,omitempty"`
	Centroid [3]float32 `json:"centroid"`
	Volume   float32    `json:"volume"`
	Support  bool       `json:"support,omitempty"`
	UserData uint32     `json:"user_data,omitempty"`
}

// BondDoc is one bond between two chunks.
type BondDoc struct {
	Chunks   [2]uint32  `json:"chunks"`
	Normal   [3]float32 `json:"normal"`
	Area     float32    `json:"area"`
	Centroid [3]float32 `json:"centroid"`
	UserData uint32     `json:"user_data,omitempty"`
}

// Validate checks raw JSON against the descriptor schema.
func Validate(data []byte) error {
	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compiling descriptor schema: %w", err)
	}

	var v any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	return nil
}

// Parse validates and decodes a JSON descriptor. The returned name is empty
// when the document does not carry one.
func Parse(data []byte) (*blast.AssetDesc, string, error) {
	if err := Validate(data); err != nil {
		return nil, "", err
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	return doc.AssetDesc(), doc.Name, nil
}

// ParseFile reads and parses a JSON descriptor from disk.
func ParseFile(path string) (*blast.AssetDesc, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("reading descriptor file: %w", err)
	}
	return Parse(data)
}

// AssetDesc converts the document to a descriptor.
func (d *Document) AssetDesc() *blast.AssetDesc {
	desc := &blast.AssetDesc{
		Chunks: make([]blast.ChunkDesc, len(d.Chunks)),
		Bonds:  make([]blast.BondDesc, len(d.Bonds)),
	}
	for i, c := range d.Chunks {
		parent := blast.InvalidIndex
		if c.Parent != nil {
			parent = *c.Parent
		}
		flags := blast.ChunkNoFlags
		if c.Support {
			flags |= blast.ChunkSupport
		}
		desc.Chunks[i] = blast.ChunkDesc{
			Centroid: vec3(c.Centroid),
			Volume:   c.Volume,
			Parent:   parent,
			Flags:    flags,
			UserData: c.UserData,
		}
	}
	for i, b := range d.Bonds {
		desc.Bonds[i] = blast.BondDesc{
			Bond: blast.Bond{
				Normal:   vec3(b.Normal),
				Area:     b.Area,
				Centroid: vec3(b.Centroid),
				UserData: b.UserData,
			},
			Chunks: b.Chunks,
		}
	}
	return desc
}

// FromAssetDesc converts a descriptor to its JSON document form.
func FromAssetDesc(name string, desc *blast.AssetDesc) *Document {
	doc := &Document{
		Version: Version,
		Name:    name,
		Chunks:  make([]ChunkDoc, len(desc.Chunks)),
		Bonds:   make([]BondDoc, len(desc.Bonds)),
	}
	for i, c := range desc.Chunks {
		cd := ChunkDoc{
			Centroid: c.Centroid.Array(),
			Volume:   c.Volume,
			Support:  c.IsSupport(),
			UserData: c.UserData,
		}
		if c.Parent != blast.InvalidIndex {
			p := c.Parent
			cd.Parent = &p
		}
		doc.Chunks[i] = cd
	}
	for i, b := range desc.Bonds {
		doc.Bonds[i] = BondDoc{
			Chunks:   b.Chunks,
			Normal:   b.Normal.Array(),
			Area:     b.Area,
			Centroid: b.Centroid.Array(),
			UserData: b.UserData,
		}
	}
	return doc
}

// Encode returns the indented JSON form of desc.
func Encode(name string, desc *blast.AssetDesc) ([]byte, error) {
	data, err := json.MarshalIndent(FromAssetDesc(name, desc), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding descriptor: %w", err)
	}
	return append(data, '\n'), nil
}

// WriteFile encodes desc and writes it to path.
func WriteFile(path, name string, desc *blast.AssetDesc) error {
	data, err := Encode(name, desc)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func vec3(a [3]float32) math.Vec3 {
	return math.Vec3{X: a[0], Y: a[1], Z: a[2]}
}
