package batch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/Faultbox/blastgo/internal/descriptor"
	"github.com/Faultbox/blastgo/pkg/blast"
	"github.com/Faultbox/blastgo/pkg/math"
)

// createTestFamily returns a family over a four-chunk row with one actor.
func createTestFamily(t *testing.T) (*blast.Family, blast.ActorHandle) {
	t.Helper()
	return createRowFamily(t, 4)
}

// createRowFamily returns a family over an n-chunk row centered on the
// origin with one actor.
func createRowFamily(t *testing.T, n int) (*blast.Family, blast.ActorHandle) {
	t.Helper()
	cube, err := descriptor.GenerateCube(descriptor.NewCubeSettings(float32(n), [][3]int{{n, 1, 1}}, 1))
	if err != nil {
		t.Fatalf("GenerateCube failed: %v", err)
	}
	asset, _, err := blast.BuildAsset(cube.Desc)
	if err != nil {
		t.Fatalf("BuildAsset failed: %v", err)
	}
	family := blast.NewFamily(asset)
	h, err := family.CreateFirstActor(blast.ActorDesc{UniformBondHealth: 1, UniformChunkHealth: 1})
	if err != nil {
		t.Fatalf("CreateFirstActor failed: %v", err)
	}
	return family, h
}

// centerHit breaks only the middle bond of the row.
func centerHit() []blast.DamageDesc {
	return []blast.DamageDesc{blast.RadialDamage(math.Vec3{}, 0.1, 0.4, 10)}
}

func newTestPool(t *testing.T, scene *Scene, workers int) *Pool {
	t.Helper()
	p := NewPool(scene, workers)
	t.Cleanup(p.Stop)
	return p
}

func TestNewPool_Workers(t *testing.T) {
	if p := NewPool(NewScene(), 3); p.Workers() != 3 {
		t.Errorf("expected 3 workers, got %d", p.Workers())
	}
	if p := NewPool(NewScene(), 0); p.Workers() < 1 {
		t.Errorf("expected at least 1 worker, got %d", p.Workers())
	}
}

func TestPool_Run(t *testing.T) {
	scene := NewScene()
	var jobs []Job
	for i := 0; i < 5; i++ {
		family, h := createTestFamily(t)
		id := scene.Add(family, nil)
		jobs = append(jobs, Job{Family: id, Actor: h, Damage: centerHit()})
	}
	if scene.Len() != 5 {
		t.Fatalf("expected 5 families, got %d", scene.Len())
	}

	p := newTestPool(t, scene, 2)
	results, err := p.Run(context.Background(), jobs)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(results) != len(jobs) {
		t.Fatalf("expected %d results, got %d", len(jobs), len(results))
	}

	for i, res := range results {
		if res.Err != nil {
			t.Errorf("job %d: %v", i, res.Err)
			continue
		}
		if len(res.Fracture.Bonds) != 1 {
			t.Errorf("job %d: expected 1 bond fracture, got %d", i, len(res.Fracture.Bonds))
		}
		if res.Applied.BondsChanged != 1 {
			t.Errorf("job %d: expected 1 bond changed, got %d", i, res.Applied.BondsChanged)
		}
		if res.Split.Deleted != jobs[i].Actor {
			t.Errorf("job %d: expected %s deleted, got %s", i, jobs[i].Actor, res.Split.Deleted)
		}
		if len(res.Split.NewActors) != 2 {
			t.Errorf("job %d: expected 2 new actors, got %d", i, len(res.Split.NewActors))
		}
		scene.With(jobs[i].Family, func(f *blast.Family) error {
			if f.ActorCount() != 2 {
				t.Errorf("job %d: expected 2 live actors, got %d", i, f.ActorCount())
			}
			return nil
		})
	}
}

func TestPool_RunSameFamilyInOrder(t *testing.T) {
	scene := NewScene()
	family, h := createTestFamily(t)
	id := scene.Add(family, nil)

	p := newTestPool(t, scene, 4)
	results, err := p.Run(context.Background(), []Job{
		{Family: id, Actor: h, Damage: centerHit()},
		{Family: id, Actor: h, Damage: centerHit()},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if results[0].Err != nil || !results[0].Split.Changed() {
		t.Errorf("expected first job to split, got %+v", results[0])
	}
	if !errors.Is(results[1].Err, blast.ErrStaleActor) {
		t.Errorf("expected ErrStaleActor for second job, got %v", results[1].Err)
	}
}

func TestPool_RunNoDamage(t *testing.T) {
	scene := NewScene()
	family, h := createTestFamily(t)
	id := scene.Add(family, nil)

	p := newTestPool(t, scene, 1)
	far := []blast.DamageDesc{blast.RadialDamage(math.Vec3{X: 100}, 0.1, 0.4, 10)}
	results, err := p.Run(context.Background(), []Job{{Family: id, Actor: h, Damage: far}})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	res := results[0]
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if !res.Fracture.Empty() || res.Applied.Changed() || res.Split.Changed() {
		t.Errorf("expected no change, got %+v", res)
	}
	if !family.IsAlive(h) {
		t.Error("expected actor to survive")
	}
}

func TestPool_RunSplitCapacityRaised(t *testing.T) {
	tests := []struct {
		name         string
		maxNewActors int
		wantCapacity int
	}{
		{"too small", 1, 3},
		{"two", 2, 3},
		{"exact", 3, 3},
		{"generous", 8, 8},
		{"unset", 0, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scene := NewScene()
			family, h := createRowFamily(t, 3)
			rec := &fakeRecorder{}
			id := scene.Add(family, rec)

			// Reaches both bonds of the three-chunk row.
			hit := []blast.DamageDesc{blast.RadialDamage(math.Vec3{}, 0.1, 10, 10)}
			p := newTestPool(t, scene, 1)
			results, err := p.Run(context.Background(), []Job{{Family: id, Actor: h, Damage: hit, MaxNewActors: tt.maxNewActors}})
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			res := results[0]
			if res.Err != nil {
				t.Fatalf("unexpected error: %v", res.Err)
			}
			if res.Applied.BondsChanged != 2 {
				t.Errorf("expected 2 bonds changed, got %d", res.Applied.BondsChanged)
			}
			if len(res.Split.NewActors) != 3 {
				t.Errorf("expected 3 new actors, got %d", len(res.Split.NewActors))
			}
			if res.SplitCapacity != tt.wantCapacity {
				t.Errorf("expected split capacity %d, got %d", tt.wantCapacity, res.SplitCapacity)
			}
			if family.ActorCount() != 3 {
				t.Errorf("expected 3 live actors, got %d", family.ActorCount())
			}
			if len(rec.capacities) != 1 || rec.capacities[0] != tt.wantCapacity {
				t.Errorf("recorded capacities %v, want [%d]", rec.capacities, tt.wantCapacity)
			}
		})
	}
}

func TestPool_RunPrecomputedFracture(t *testing.T) {
	tests := []struct {
		name      string
		bonds     int
		wantCalls int
		wantNew   int
	}{
		{"empty buffer", 0, 0, 0},
		{"one bond", 1, 2, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scene := NewScene()
			family, h := createRowFamily(t, 3)
			rec := &fakeRecorder{}
			id := scene.Add(family, rec)

			buf := &blast.FractureBuffer{}
			for n1, b := range family.Asset().Graph().Neighbors(0) {
				if len(buf.Bonds) < tt.bonds {
					buf.Bonds = append(buf.Bonds, blast.BondFracture{Bond: b, Node0: 0, Node1: n1})
				}
			}
			// Damage that would break the whole row is ignored.
			hit := []blast.DamageDesc{blast.RadialDamage(math.Vec3{}, 0.1, 10, 10)}
			p := newTestPool(t, scene, 1)
			results, err := p.Run(context.Background(), []Job{{Family: id, Actor: h, Damage: hit, Fracture: buf}})
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			res := results[0]
			if res.Err != nil {
				t.Fatalf("unexpected error: %v", res.Err)
			}
			if res.Fracture != buf {
				t.Error("expected the precomputed buffer in the result")
			}
			if res.Applied.BondsChanged != tt.bonds {
				t.Errorf("expected %d bonds changed, got %d", tt.bonds, res.Applied.BondsChanged)
			}
			if len(res.Split.NewActors) != tt.wantNew {
				t.Errorf("expected %d new actors, got %d", tt.wantNew, len(res.Split.NewActors))
			}
			if len(rec.calls) != tt.wantCalls {
				t.Errorf("expected %d recorder calls, got %v", tt.wantCalls, rec.calls)
			}
		})
	}
}

func TestPool_RunUnknownFamily(t *testing.T) {
	p := newTestPool(t, NewScene(), 1)
	results, err := p.Run(context.Background(), []Job{{Family: 3}})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if results[0].Err == nil {
		t.Error("expected error for unknown family")
	}
}

func TestPool_RunCanceled(t *testing.T) {
	scene := NewScene()
	var jobs []Job
	for i := 0; i < 3; i++ {
		family, h := createTestFamily(t)
		jobs = append(jobs, Job{Family: scene.Add(family, nil), Actor: h, Damage: centerHit()})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := newTestPool(t, scene, 2)
	results, err := p.Run(ctx, jobs)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	for i, res := range results {
		if !errors.Is(res.Err, context.Canceled) {
			t.Errorf("job %d: expected context.Canceled, got %v", i, res.Err)
		}
	}
}

func TestPool_Stop(t *testing.T) {
	p := NewPool(NewScene(), 2)
	if _, err := p.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	p.Stop()
	p.Stop()
	if _, err := p.Run(context.Background(), nil); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("expected ErrPoolStopped, got %v", err)
	}
}

type call struct {
	kind  string
	actor blast.ActorHandle
}

type fakeRecorder struct {
	mu         sync.Mutex
	calls      []call
	capacities []int
	fail       error
}

func (r *fakeRecorder) RecordFracture(_ context.Context, h blast.ActorHandle, _ *blast.FractureBuffer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{"fracture", h})
	return r.fail
}

func (r *fakeRecorder) RecordSplit(_ context.Context, h blast.ActorHandle, maxNewActors int, _ blast.SplitEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{"split", h})
	r.capacities = append(r.capacities, maxNewActors)
	return nil
}

func TestPool_Recorder(t *testing.T) {
	scene := NewScene()
	family, h := createTestFamily(t)
	rec := &fakeRecorder{}
	id := scene.Add(family, rec)

	p := newTestPool(t, scene, 1)
	results, err := p.Run(context.Background(), []Job{{Family: id, Actor: h, Damage: centerHit()}})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if results[0].Err != nil {
		t.Fatalf("unexpected error: %v", results[0].Err)
	}

	want := []call{{"fracture", h}, {"split", h}}
	if len(rec.calls) != len(want) {
		t.Fatalf("expected %d calls, got %+v", len(want), rec.calls)
	}
	for i := range want {
		if rec.calls[i] != want[i] {
			t.Errorf("call %d = %+v, want %+v", i, rec.calls[i], want[i])
		}
	}
}

func TestPool_RecorderError(t *testing.T) {
	scene := NewScene()
	family, h := createTestFamily(t)
	boom := errors.New("disk full")
	id := scene.Add(family, &fakeRecorder{fail: boom})

	p := newTestPool(t, scene, 1)
	results, err := p.Run(context.Background(), []Job{{Family: id, Actor: h, Damage: centerHit()}})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !errors.Is(results[0].Err, boom) {
		t.Errorf("expected recorder error, got %v", results[0].Err)
	}
	if results[0].Split.Changed() {
		t.Error("expected no split after a failed record")
	}
}

func TestScene_With(t *testing.T) {
	scene := NewScene()
	family, _ := createTestFamily(t)
	id := scene.Add(family, nil)

	var got *blast.Family
	if err := scene.With(id, func(f *blast.Family) error { got = f; return nil }); err != nil {
		t.Fatalf("With failed: %v", err)
	}
	if got != family {
		t.Error("With passed the wrong family")
	}
	if err := scene.With(-1, func(*blast.Family) error { return nil }); err == nil {
		t.Error("expected error for negative id")
	}
}
