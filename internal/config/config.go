// Package config handles blastgo configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/Faultbox/blastgo/pkg/blast"
	"github.com/Faultbox/blastgo/pkg/stress"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds all settings for the blastgo tools.
type Config struct {
	Solver    SolverConfig    `yaml:"solver"`
	Material  MaterialConfig  `yaml:"material"`
	Damage    DamageConfig    `yaml:"damage"`
	Stress    StressConfig    `yaml:"stress"`
	Cube      CubeConfig      `yaml:"cube"`
	Sim       SimConfig       `yaml:"sim"`
	Journal   JournalConfig   `yaml:"journal"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SolverConfig controls damage evaluation and splitting.
type SolverConfig struct {
	Falloff      string `yaml:"falloff"`     // linear or smoothstep
	Accelerator  bool   `yaml:"accelerator"` // kd-tree candidate lookup
	Workers      int    `yaml:"workers"`     // 0 means one per CPU
	MaxNewActors int    `yaml:"max_new_actors"`
}

// MaterialConfig mirrors blast.Material.
type MaterialConfig struct {
	Health             float32 `yaml:"health"`
	MinDamageThreshold float32 `yaml:"min_damage_threshold"`
	MaxDamageThreshold float32 `yaml:"max_damage_threshold"`
}

// Material returns the blast material for these settings.
func (m MaterialConfig) Material() blast.Material {
	return blast.Material{
		Health:             m.Health,
		MinDamageThreshold: m.MinDamageThreshold,
		MaxDamageThreshold: m.MaxDamageThreshold,
	}
}

// DamageConfig holds the default shot used by the tools.
type DamageConfig struct {
	Kind      string  `yaml:"kind"`
	MinRadius float32 `yaml:"min_radius"`
	MaxRadius float32 `yaml:"max_radius"`
	Strength  float32 `yaml:"strength"`
}

// StressConfig controls the bond stress solver run by the simulator.
type StressConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Hardness       float32 `yaml:"hardness"`
	LinearFactor   float32 `yaml:"linear_factor"`
	AngularFactor  float32 `yaml:"angular_factor"`
	BondIterations int     `yaml:"bond_iterations"` // per update, shared by all links
	ReductionLevel int     `yaml:"reduction_level"`
	Density        float32 `yaml:"density"`
	AnchorHeight   float32 `yaml:"anchor_height"` // nodes this close to the lowest centroid are anchored
}

// Settings returns the solver settings.
func (s StressConfig) Settings() stress.Settings {
	return stress.Settings{
		Hardness:       s.Hardness,
		LinearFactor:   s.LinearFactor,
		AngularFactor:  s.AngularFactor,
		BondIterations: s.BondIterations,
		ReductionLevel: s.ReductionLevel,
	}
}

// CubeConfig controls the procedural cube generator.
type CubeConfig struct {
	Extent       float32  `yaml:"extent"`
	Slices       [][3]int `yaml:"slices"` // per depth below the root
	SupportDepth int      `yaml:"support_depth"`
	BondHealth   float32  `yaml:"bond_health"`
	ChunkHealth  float32  `yaml:"chunk_health"`
}

// SimConfig controls the headless simulator.
type SimConfig struct {
	Seed         int64         `yaml:"seed"`
	Steps        int           `yaml:"steps"`
	ShotsPerStep int           `yaml:"shots_per_step"`
	Families     int           `yaml:"families"`
	AssetPath    string        `yaml:"asset_path"` // pack, .blad or .json; empty generates a cube
	AssetName    string        `yaml:"asset_name"` // entry name inside a pack
	TimeStep     time.Duration `yaml:"time_step"`
	Gravity      float32       `yaml:"gravity"`
}

// JournalConfig controls the fracture journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TelemetryConfig controls per-shot timing export.
type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
	Window  int    `yaml:"window"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	LogFile string `yaml:"log_file"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Solver: SolverConfig{
			Falloff:      "linear",
			Accelerator:  true,
			Workers:      0,
			MaxNewActors: 256,
		},
		Material: MaterialConfig{
			Health:             100,
			MinDamageThreshold: 0,
			MaxDamageThreshold: 1,
		},
		Damage: DamageConfig{
			Kind:      "radial",
			MinRadius: 0.5,
			MaxRadius: 2,
			Strength:  50,
		},
		Stress: StressConfig{
			Enabled:        false,
			Hardness:       1000,
			LinearFactor:   0.25,
			AngularFactor:  0.75,
			BondIterations: 18000,
			ReductionLevel: 3,
			Density:        1,
			AnchorHeight:   0.01,
		},
		Cube: CubeConfig{
			Extent:       10,
			Slices:       [][3]int{{4, 4, 4}, {2, 2, 2}},
			SupportDepth: 1,
			BondHealth:   1,
			ChunkHealth:  1,
		},
		Sim: SimConfig{
			Seed:         1,
			Steps:        100,
			ShotsPerStep: 1,
			Families:     1,
			TimeStep:     16 * time.Millisecond,
			Gravity:      -9.81,
		},
		Journal: JournalConfig{
			Enabled: false,
			Path:    "blastgo.db",
		},
		Telemetry: TelemetryConfig{
			Enabled: false,
			Dir:     "telemetry",
			Window:  64,
		},
		Logging: LoggingConfig{
			Level:   "info",
			LogFile: "",
		},
	}
}

// FalloffCurve parses Solver.Falloff.
func (c *Config) FalloffCurve() (blast.Falloff, error) {
	return blast.ParseFalloff(c.Solver.Falloff)
}

// DamageKind parses Damage.Kind.
func (c *Config) DamageKind() (blast.DamageKind, error) {
	return blast.ParseDamageKind(c.Damage.Kind)
}

// Validate rejects settings no tool can run with.
func (c *Config) Validate() error {
	if _, err := c.FalloffCurve(); err != nil {
		return fmt.Errorf("%w: solver.falloff: %v", ErrInvalidConfig, err)
	}
	if _, err := c.DamageKind(); err != nil {
		return fmt.Errorf("%w: damage.kind: %v", ErrInvalidConfig, err)
	}
	if c.Solver.Workers < 0 {
		return fmt.Errorf("%w: solver.workers must not be negative", ErrInvalidConfig)
	}
	if c.Solver.MaxNewActors < 1 {
		return fmt.Errorf("%w: solver.max_new_actors must be at least 1", ErrInvalidConfig)
	}

	m := c.Material
	if m.Health < 0 {
		return fmt.Errorf("%w: material.health must not be negative", ErrInvalidConfig)
	}
	if m.MinDamageThreshold < 0 || m.MinDamageThreshold > 1 || m.MaxDamageThreshold < 0 || m.MaxDamageThreshold > 1 {
		return fmt.Errorf("%w: material thresholds must lie in [0, 1]", ErrInvalidConfig)
	}
	if m.MinDamageThreshold > m.MaxDamageThreshold {
		return fmt.Errorf("%w: material.min_damage_threshold exceeds max", ErrInvalidConfig)
	}

	d := c.Damage
	if d.MinRadius < 0 || d.MaxRadius < 0 {
		return fmt.Errorf("%w: damage radii must not be negative", ErrInvalidConfig)
	}
	if d.MinRadius > d.MaxRadius {
		return fmt.Errorf("%w: damage.min_radius exceeds max_radius", ErrInvalidConfig)
	}
	if d.Strength < 0 {
		return fmt.Errorf("%w: damage.strength must not be negative", ErrInvalidConfig)
	}

	if st := c.Stress; st.Enabled {
		if err := st.Settings().Validate(); err != nil {
			return fmt.Errorf("%w: stress: %v", ErrInvalidConfig, err)
		}
		if st.Density <= 0 {
			return fmt.Errorf("%w: stress.density must be positive", ErrInvalidConfig)
		}
		if st.AnchorHeight < 0 {
			return fmt.Errorf("%w: stress.anchor_height must not be negative", ErrInvalidConfig)
		}
	}

	if c.Cube.Extent <= 0 {
		return fmt.Errorf("%w: cube.extent must be positive", ErrInvalidConfig)
	}
	for i, s := range c.Cube.Slices {
		if s[0] < 1 || s[1] < 1 || s[2] < 1 {
			return fmt.Errorf("%w: cube.slices[%d] must be at least 1 per axis", ErrInvalidConfig, i)
		}
	}
	if c.Cube.SupportDepth < 0 || c.Cube.SupportDepth > len(c.Cube.Slices) {
		return fmt.Errorf("%w: cube.support_depth must be within [0, %d]", ErrInvalidConfig, len(c.Cube.Slices))
	}

	if c.Sim.Steps < 0 || c.Sim.ShotsPerStep < 0 {
		return fmt.Errorf("%w: sim steps and shots must not be negative", ErrInvalidConfig)
	}
	if c.Sim.Families < 1 {
		return fmt.Errorf("%w: sim.families must be at least 1", ErrInvalidConfig)
	}
	if c.Sim.TimeStep <= 0 {
		return fmt.Errorf("%w: sim.time_step must be positive", ErrInvalidConfig)
	}

	if c.Telemetry.Enabled && c.Telemetry.Window < 1 {
		return fmt.Errorf("%w: telemetry.window must be at least 1", ErrInvalidConfig)
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("%w: journal.path is required when the journal is enabled", ErrInvalidConfig)
	}
	return nil
}
