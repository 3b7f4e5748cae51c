// Package batch runs damage jobs against many families on a pool of
// persistent workers. Jobs for the same family run in submission order on one
// worker; different families proceed in parallel.
package batch

import (
	"context"
	"fmt"
	"sync"

	"github.com/Faultbox/blastgo/pkg/blast"
)

// Recorder receives every applied fracture and every split, in execution
// order, while the family lock is held. *journal.Session implements it.
type Recorder interface {
	RecordFracture(ctx context.Context, h blast.ActorHandle, buf *blast.FractureBuffer) error
	RecordSplit(ctx context.Context, h blast.ActorHandle, maxNewActors int, ev blast.SplitEvent) error
}

type sceneFamily struct {
	mu       sync.Mutex
	family   *blast.Family
	recorder Recorder
	scratch  []uint32
}

// Scene is a set of families addressed by dense ids.
type Scene struct {
	mu       sync.RWMutex
	families []*sceneFamily
}

// NewScene returns an empty scene.
func NewScene() *Scene {
	return &Scene{}
}

// Add registers a family and returns its id. rec may be nil.
func (s *Scene) Add(f *blast.Family, rec Recorder) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.families = append(s.families, &sceneFamily{family: f, recorder: rec})
	return len(s.families) - 1
}

// Len returns the number of families.
func (s *Scene) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.families)
}

func (s *Scene) get(id int) (*sceneFamily, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id < 0 || id >= len(s.families) {
		return nil, fmt.Errorf("family %d out of range [0, %d)", id, len(s.families))
	}
	return s.families[id], nil
}

// With runs fn with exclusive access to family id.
func (s *Scene) With(id int, fn func(f *blast.Family) error) error {
	sf, err := s.get(id)
	if err != nil {
		return err
	}
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return fn(sf.family)
}

// splitScratch returns a scratch buffer large enough for h, reusing the
// family's buffer.
func (sf *sceneFamily) splitScratch(h blast.ActorHandle) ([]uint32, error) {
	n, err := sf.family.SplitScratchSize(h)
	if err != nil {
		return nil, err
	}
	if cap(sf.scratch) < n {
		sf.scratch = make([]uint32, n)
	}
	return sf.scratch[:n], nil
}
