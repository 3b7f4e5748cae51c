// Package assets loads asset descriptors and caches the assets built from
// them.
package assets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/Faultbox/blastgo/internal/descriptor"
	"github.com/Faultbox/blastgo/internal/logger"
	"github.com/Faultbox/blastgo/pkg/blast"
	"github.com/Faultbox/blastgo/pkg/formats"
	"github.com/Faultbox/blastgo/pkg/pack"
)

// Asset manager errors.
var (
	ErrNotFound      = errors.New("asset not found")
	ErrUnknownFormat = errors.New("unknown asset format")
	ErrNotAcquired   = errors.New("asset not acquired")
)

// Entry is a built asset shared by every family that acquired it.
type Entry struct {
	Name        string
	Asset       *blast.Asset
	Remap       []uint32
	Accelerator *blast.Accelerator
}

// Manager resolves asset names against pack archives, registered
// descriptors and the filesystem.
type Manager struct {
	archives    []*pack.Archive
	registered  map[string]blast.AssetDesc
	cache       *Cache
	accelerated bool
	mu          sync.RWMutex
}

// NewManager creates a new asset manager. With accelerated set, every built
// asset gets a spatial accelerator.
func NewManager(accelerated bool) *Manager {
	return &Manager{
		registered:  make(map[string]blast.AssetDesc),
		cache:       NewCache(),
		accelerated: accelerated,
	}
}

// AddArchive adds a pack archive to the manager.
// Archives are searched in reverse order (last added = highest priority).
func (m *Manager) AddArchive(path string) error {
	archive, err := pack.Open(path)
	if err != nil {
		return fmt.Errorf("opening archive %s: %w", path, err)
	}

	m.mu.Lock()
	m.archives = append(m.archives, archive)
	m.mu.Unlock()

	logger.Debug("added asset archive", zap.String("path", path), zap.Int("files", len(archive.List())))
	return nil
}

// Register makes desc available under name. Registered descriptors take
// priority over archives and files.
func (m *Manager) Register(name string, desc blast.AssetDesc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registered[name] = desc
}

// Load reads the raw bytes of name from the archives, falling back to the
// filesystem.
func (m *Manager) Load(name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.archives) - 1; i >= 0; i-- {
		if !m.archives[i].Contains(name) {
			continue
		}
		return m.archives[i].Read(name)
	}

	data, err := os.ReadFile(name)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return data, nil
}

// Descriptor resolves name to an asset descriptor.
func (m *Manager) Descriptor(name string) (*blast.AssetDesc, error) {
	m.mu.RLock()
	desc, ok := m.registered[name]
	m.mu.RUnlock()
	if ok {
		return &desc, nil
	}

	data, err := m.Load(name)
	if err != nil {
		return nil, err
	}
	return decode(name, data)
}

func decode(name string, data []byte) (*blast.AssetDesc, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".blad":
		return formats.ParseAssetDesc(data)
	case ".json":
		desc, _, err := descriptor.Parse(data)
		return desc, err
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, name)
	}
}

// Acquire returns the built asset for name, building it on first use. Each
// Acquire must be paired with a Release.
func (m *Manager) Acquire(name string) (*Entry, error) {
	if e, ok := m.cache.Retain(name); ok {
		return e, nil
	}

	desc, err := m.Descriptor(name)
	if err != nil {
		return nil, err
	}
	asset, remap, err := blast.BuildAsset(*desc, blast.WithLogSink(logger.BlastSink("assets")))
	if err != nil {
		return nil, fmt.Errorf("building %s: %w", name, err)
	}
	e := &Entry{Name: name, Asset: asset, Remap: remap}
	if m.accelerated {
		e.Accelerator = blast.NewAccelerator(asset)
	}

	logger.Debug("built asset",
		zap.String("name", name),
		zap.Uint32("chunks", asset.ChunkCount()),
		zap.Uint32("bonds", asset.BondCount()),
		zap.Uint32("nodes", asset.NodeCount()))

	// Another caller may have built the same asset meanwhile; keep theirs.
	return m.cache.Insert(name, e), nil
}

// Release drops one reference to name. The asset leaves the cache when the
// last reference is released.
func (m *Manager) Release(name string) error {
	if !m.cache.Release(name) {
		return fmt.Errorf("%w: %s", ErrNotAcquired, name)
	}
	return nil
}

// Close closes all archives.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, archive := range m.archives {
		archive.Close()
	}
	m.archives = nil
	m.cache.Clear()
}

// Cache holds built assets with reference counts.
type Cache struct {
	data map[string]*cached
	mu   sync.Mutex

	// Stats
	hits   int
	misses int
}

type cached struct {
	entry *Entry
	refs  int
}

// NewCache creates a new cache.
func NewCache() *Cache {
	return &Cache{
		data: make(map[string]*cached),
	}
}

// Retain returns the cached entry for key and takes a reference to it.
func (c *Cache) Retain(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.data[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	item.refs++
	return item.entry, true
}

// Insert stores e under key with one reference, unless key is already
// present, in which case the existing entry gains the reference and is
// returned.
func (c *Cache) Insert(key string, e *Entry) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item, ok := c.data[key]; ok {
		item.refs++
		return item.entry
	}
	c.data[key] = &cached{entry: e, refs: 1}
	return e
}

// Release drops a reference to key, evicting it at zero. It reports whether
// key was present.
func (c *Cache) Release(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.data[key]
	if !ok {
		return false
	}
	item.refs--
	if item.refs <= 0 {
		delete(c.data, key)
	}
	return true
}

// Refs returns the reference count of key.
func (c *Cache) Refs(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if item, ok := c.data[key]; ok {
		return item.refs
	}
	return 0
}

// Len returns the number of cached assets.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// Clear clears the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[string]*cached)
	c.hits = 0
	c.misses = 0
}

// Stats returns cache statistics.
func (c *Cache) Stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Cache returns the manager's cache.
func (m *Manager) Cache() *Cache {
	return m.cache
}
