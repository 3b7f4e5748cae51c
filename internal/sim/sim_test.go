package sim

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/Faultbox/blastgo/internal/config"
	"github.com/Faultbox/blastgo/internal/descriptor"
	"github.com/Faultbox/blastgo/internal/journal"
	"github.com/Faultbox/blastgo/pkg/blast"
)

// testConfig returns a small run: two families of a three-chunk row.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Cube.Extent = 3
	cfg.Cube.Slices = [][3]int{{3, 1, 1}}
	cfg.Cube.SupportDepth = 1
	cfg.Sim.Families = 2
	cfg.Sim.Steps = 8
	cfg.Solver.Workers = 2
	return cfg
}

func TestSim_Run(t *testing.T) {
	cfg := testConfig(t)
	s, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.Close()

	sum, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if sum.Steps == 0 || sum.Shots == 0 {
		t.Errorf("expected steps and shots, got %+v", sum)
	}
	if sum.Splits < cfg.Sim.Families {
		t.Errorf("expected every family to split at least once, got %d splits", sum.Splits)
	}
	if sum.Bodies != sum.Actors {
		t.Errorf("expected one body per live actor, got %d bodies and %d actors", sum.Bodies, sum.Actors)
	}
}

func TestSim_RunSplitCapacityBelowNeed(t *testing.T) {
	cfg := testConfig(t)
	cfg.Solver.MaxNewActors = 1
	cfg.Damage.MaxRadius = 10

	s, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.Close()

	sum, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if sum.Splits < cfg.Sim.Families {
		t.Errorf("expected every family to split, got %d splits", sum.Splits)
	}
	if sum.Bodies != sum.Actors {
		t.Errorf("expected one body per live actor, got %d bodies and %d actors", sum.Bodies, sum.Actors)
	}
}

func TestSim_RunStress(t *testing.T) {
	tests := []struct {
		name       string
		hardness   float32
		wantStress bool
	}{
		{"soft column collapses", 0.001, true},
		{"hard column stands", 1e12, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			// A column standing on its lowest chunk; shots do no damage.
			cfg.Cube.Slices = [][3]int{{1, 3, 1}}
			cfg.Sim.Families = 1
			cfg.Sim.Steps = 4
			cfg.Damage.Strength = 0
			cfg.Stress.Enabled = true
			cfg.Stress.Hardness = tt.hardness

			s, err := New(context.Background(), cfg)
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			defer s.Close()

			sum, err := s.Run(context.Background())
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if got := sum.Stress > 0; got != tt.wantStress {
				t.Errorf("stress splits = %d, want any: %v", sum.Stress, tt.wantStress)
			}
			if sum.Splits != sum.Stress {
				t.Errorf("expected only stress splits without damage, got %d splits and %d stress", sum.Splits, sum.Stress)
			}
			if sum.Bodies != sum.Actors {
				t.Errorf("expected one body per live actor, got %d bodies and %d actors", sum.Bodies, sum.Actors)
			}
		})
	}
}

func TestSim_Deterministic(t *testing.T) {
	run := func() []*blast.FamilySnapshot {
		s, err := New(context.Background(), testConfig(t))
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer s.Close()
		if _, err := s.Run(context.Background()); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		return []*blast.FamilySnapshot{s.Family(0).Snapshot(), s.Family(1).Snapshot()}
	}

	first, second := run(), run()
	if !reflect.DeepEqual(first, second) {
		t.Error("expected identical family state for the same seed")
	}
}

func TestSim_JournalReplay(t *testing.T) {
	cfg := testConfig(t)
	cfg.Journal.Enabled = true
	cfg.Journal.Path = filepath.Join(t.TempDir(), "sim.db")

	s, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	ids := s.Sessions()
	want := []*blast.FamilySnapshot{s.Family(0).Snapshot(), s.Family(1).Snapshot()}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if len(ids) != cfg.Sim.Families {
		t.Fatalf("expected %d sessions, got %d", cfg.Sim.Families, len(ids))
	}

	cube, err := descriptor.GenerateCube(descriptor.NewCubeSettings(cfg.Cube.Extent, cfg.Cube.Slices, cfg.Cube.SupportDepth))
	if err != nil {
		t.Fatalf("GenerateCube failed: %v", err)
	}
	asset, _, err := blast.BuildAsset(cube.Desc)
	if err != nil {
		t.Fatalf("BuildAsset failed: %v", err)
	}

	j, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer j.Close()

	for i, id := range ids {
		family, stats, err := j.Replay(context.Background(), id, asset)
		if err != nil {
			t.Fatalf("Replay(%d) failed: %v", id, err)
		}
		if stats.Fractures == 0 {
			t.Errorf("session %d: expected recorded fractures", id)
		}
		if got := family.Snapshot(); !reflect.DeepEqual(got, want[i]) {
			t.Errorf("session %d: replayed state differs from the simulation", id)
		}
	}
}

func TestSim_Telemetry(t *testing.T) {
	cfg := testConfig(t)
	cfg.Telemetry.Enabled = true
	cfg.Telemetry.Dir = filepath.Join(t.TempDir(), "out")
	cfg.Telemetry.Window = 2

	s, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	for _, name := range []string{"config.yaml", "perf.csv", "splits.csv"} {
		info, err := os.Stat(filepath.Join(cfg.Telemetry.Dir, name))
		if err != nil {
			t.Errorf("expected %s: %v", name, err)
			continue
		}
		if info.Size() == 0 {
			t.Errorf("expected %s to be non-empty", name)
		}
	}
}

func TestSim_Canceled(t *testing.T) {
	s, err := New(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*config.Config)
	}{
		{"missing asset", func(c *config.Config) { c.Sim.AssetPath = filepath.Join(t.TempDir(), "missing.blad") }},
		{"pack without name", func(c *config.Config) { c.Sim.AssetPath = "assets.blpk" }},
		{"bad damage kind", func(c *config.Config) { c.Damage.Kind = "laser" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.modify(cfg)
			if s, err := New(context.Background(), cfg); err == nil {
				s.Close()
				t.Error("expected error")
			}
		})
	}
}
