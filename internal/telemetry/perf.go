// Package telemetry collects per-shot solver timings and writes them, along
// with split records, as CSV.
package telemetry

import (
	"time"

	"go.uber.org/zap"

	"github.com/Faultbox/blastgo/internal/logger"
	"github.com/Faultbox/blastgo/pkg/blast"
)

// Phase names for one shot. The first five mirror blast.Timers.
const (
	PhaseMaterial   = "material"
	PhaseFracture   = "fracture"
	PhaseIsland     = "island"
	PhasePartition  = "partition"
	PhaseVisibility = "visibility"
	PhaseBodies     = "bodies"
	PhaseDispatch   = "dispatch" // wall time of a batch run; overlaps the solver phases
	PhaseStress     = "stress"
)

var phaseOrder = []string{
	PhaseMaterial, PhaseFracture, PhaseIsland, PhasePartition,
	PhaseVisibility, PhaseBodies, PhaseDispatch, PhaseStress,
}

// ShotSample holds timing and outcome counts for a single shot.
type ShotSample struct {
	Duration  time.Duration
	Phases    map[string]time.Duration
	Fractures int // chunk and bond commands applied
	NewActors int
}

// PerfCollector tracks shot metrics over a rolling window. It is not safe for
// concurrent use.
type PerfCollector struct {
	windowSize  int
	samples     []ShotSample
	writeIndex  int
	sampleCount int
	total       int

	current    ShotSample
	shotStart  time.Time
	phaseStart time.Time
	lastPhase  string
}

// NewPerfCollector creates a collector averaging over windowSize shots.
func NewPerfCollector(windowSize int) *PerfCollector {
	if windowSize < 1 {
		windowSize = 64
	}
	return &PerfCollector{
		windowSize: windowSize,
		samples:    make([]ShotSample, windowSize),
	}
}

// StartShot begins timing a new shot.
func (p *PerfCollector) StartShot() {
	p.shotStart = time.Now()
	p.current = ShotSample{Phases: make(map[string]time.Duration)}
	p.lastPhase = ""
}

// StartPhase ends the running phase, if any, and starts timing phase.
func (p *PerfCollector) StartPhase(phase string) {
	now := time.Now()
	if p.lastPhase != "" {
		p.current.Phases[p.lastPhase] += now.Sub(p.phaseStart)
	}
	p.phaseStart = now
	p.lastPhase = phase
}

// AddTimers adds solver phase times measured by a family.
func (p *PerfCollector) AddTimers(t blast.Timers) {
	if p.current.Phases == nil {
		p.current.Phases = make(map[string]time.Duration)
	}
	p.current.Phases[PhaseMaterial] += t.Material
	p.current.Phases[PhaseFracture] += t.Fracture
	p.current.Phases[PhaseIsland] += t.Island
	p.current.Phases[PhasePartition] += t.Partition
	p.current.Phases[PhaseVisibility] += t.Visibility
}

// AddCounts adds outcome counts to the current shot.
func (p *PerfCollector) AddCounts(fractures, newActors int) {
	p.current.Fractures += fractures
	p.current.NewActors += newActors
}

// EndShot finishes the current shot and records the sample.
func (p *PerfCollector) EndShot() {
	now := time.Now()
	if p.lastPhase != "" {
		p.current.Phases[p.lastPhase] += now.Sub(p.phaseStart)
		p.lastPhase = ""
	}
	p.current.Duration = now.Sub(p.shotStart)
	p.record(p.current)
}

// Record adds a complete sample, bypassing the shot clock.
func (p *PerfCollector) Record(s ShotSample) {
	p.record(s)
}

func (p *PerfCollector) record(s ShotSample) {
	p.samples[p.writeIndex] = s
	p.writeIndex = (p.writeIndex + 1) % p.windowSize
	if p.sampleCount < p.windowSize {
		p.sampleCount++
	}
	p.total++
}

// Shots returns the number of shots recorded since creation.
func (p *PerfCollector) Shots() int {
	return p.total
}

// PerfStats holds aggregated statistics over the window.
type PerfStats struct {
	AvgShotDuration time.Duration
	MinShotDuration time.Duration
	MaxShotDuration time.Duration

	PhaseAvg map[string]time.Duration
	PhasePct map[string]float64

	ShotsPerSecond float64
	AvgFractures   float64
	AvgNewActors   float64
}

// Stats computes aggregated statistics over the current window.
func (p *PerfCollector) Stats() PerfStats {
	stats := PerfStats{
		PhaseAvg: make(map[string]time.Duration),
		PhasePct: make(map[string]float64),
	}
	if p.sampleCount == 0 {
		return stats
	}

	var total time.Duration
	var fractures, newActors int
	phaseSum := make(map[string]time.Duration)
	for i := 0; i < p.sampleCount; i++ {
		s := p.samples[i]
		total += s.Duration
		if i == 0 || s.Duration < stats.MinShotDuration {
			stats.MinShotDuration = s.Duration
		}
		if s.Duration > stats.MaxShotDuration {
			stats.MaxShotDuration = s.Duration
		}
		fractures += s.Fractures
		newActors += s.NewActors
		for phase, d := range s.Phases {
			phaseSum[phase] += d
		}
	}

	n := time.Duration(p.sampleCount)
	stats.AvgShotDuration = total / n
	for phase, sum := range phaseSum {
		stats.PhaseAvg[phase] = sum / n
		if stats.AvgShotDuration > 0 {
			stats.PhasePct[phase] = float64(stats.PhaseAvg[phase]) / float64(stats.AvgShotDuration) * 100
		}
	}
	if stats.AvgShotDuration > 0 {
		stats.ShotsPerSecond = float64(time.Second) / float64(stats.AvgShotDuration)
	}
	stats.AvgFractures = float64(fractures) / float64(p.sampleCount)
	stats.AvgNewActors = float64(newActors) / float64(p.sampleCount)
	return stats
}

// LogStats logs the statistics at info level.
func (s PerfStats) LogStats() {
	fields := []zap.Field{
		zap.Int64("avg_shot_us", s.AvgShotDuration.Microseconds()),
		zap.Int64("min_shot_us", s.MinShotDuration.Microseconds()),
		zap.Int64("max_shot_us", s.MaxShotDuration.Microseconds()),
		zap.Float64("shots_per_sec", s.ShotsPerSecond),
		zap.Float64("avg_fractures", s.AvgFractures),
	}
	for _, phase := range phaseOrder {
		if pct, ok := s.PhasePct[phase]; ok && pct > 0.1 {
			fields = append(fields, zap.Float64(phase+"_pct", float64(int(pct*10))/10))
		}
	}
	logger.Info("perf", fields...)
}

// PerfStatsCSV is the flat CSV row for PerfStats.
type PerfStatsCSV struct {
	Shot          int     `csv:"shot"`
	AvgShotUS     int64   `csv:"avg_shot_us"`
	MinShotUS     int64   `csv:"min_shot_us"`
	MaxShotUS     int64   `csv:"max_shot_us"`
	ShotsPerSec   float64 `csv:"shots_per_sec"`
	AvgFractures  float64 `csv:"avg_fractures"`
	AvgNewActors  float64 `csv:"avg_new_actors"`
	MaterialPct   float64 `csv:"material_pct"`
	FracturePct   float64 `csv:"fracture_pct"`
	IslandPct     float64 `csv:"island_pct"`
	PartitionPct  float64 `csv:"partition_pct"`
	VisibilityPct float64 `csv:"visibility_pct"`
	BodiesPct     float64 `csv:"bodies_pct"`
	DispatchPct   float64 `csv:"dispatch_pct"`
	StressPct     float64 `csv:"stress_pct"`
}

// ToCSV converts PerfStats to a CSV row tagged with the last shot number.
func (s PerfStats) ToCSV(shot int) PerfStatsCSV {
	return PerfStatsCSV{
		Shot:          shot,
		AvgShotUS:     s.AvgShotDuration.Microseconds(),
		MinShotUS:     s.MinShotDuration.Microseconds(),
		MaxShotUS:     s.MaxShotDuration.Microseconds(),
		ShotsPerSec:   s.ShotsPerSecond,
		AvgFractures:  s.AvgFractures,
		AvgNewActors:  s.AvgNewActors,
		MaterialPct:   s.PhasePct[PhaseMaterial],
		FracturePct:   s.PhasePct[PhaseFracture],
		IslandPct:     s.PhasePct[PhaseIsland],
		PartitionPct:  s.PhasePct[PhasePartition],
		VisibilityPct: s.PhasePct[PhaseVisibility],
		BodiesPct:     s.PhasePct[PhaseBodies],
		DispatchPct:   s.PhasePct[PhaseDispatch],
		StressPct:     s.PhasePct[PhaseStress],
	}
}
