// Package sim runs the headless fracture simulation: shots are fired at
// randomly chosen fragments, split in parallel, and the fragments fly apart
// as rigid bodies.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Faultbox/blastgo/internal/assets"
	"github.com/Faultbox/blastgo/internal/batch"
	"github.com/Faultbox/blastgo/internal/bodies"
	"github.com/Faultbox/blastgo/internal/config"
	"github.com/Faultbox/blastgo/internal/descriptor"
	"github.com/Faultbox/blastgo/internal/journal"
	"github.com/Faultbox/blastgo/internal/logger"
	"github.com/Faultbox/blastgo/internal/telemetry"
	"github.com/Faultbox/blastgo/pkg/blast"
	"github.com/Faultbox/blastgo/pkg/math"
	"github.com/Faultbox/blastgo/pkg/stress"
)

// cubeAssetName is the registered name of the generated cube.
const cubeAssetName = "cube"

// impulseScale converts damage strength into an outward impulse on each new
// fragment.
const impulseScale = 0.05

// Summary reports what a run did.
type Summary struct {
	Steps  int
	Shots  int
	Splits int
	Stress int // splits caused by overstressed bonds, included in Splits
	Actors int // live actors over all families
	Bodies int
}

// Sim is one simulation instance.
type Sim struct {
	cfg *config.Config

	assets    *assets.Manager
	assetName string
	entry     *assets.Entry

	families []*blast.Family
	stress   []*stress.Solver // per family, empty unless stress is enabled
	anchored func(node uint32) bool
	scene    *batch.Scene
	pool     *batch.Pool
	world    *bodies.World

	journal  *journal.Journal
	sessions []*journal.Session

	perf *telemetry.PerfCollector
	out  *telemetry.OutputManager

	rng      *rand.Rand
	material blast.Material
	kind     blast.DamageKind
	falloff  blast.Falloff

	step    int
	summary Summary
}

// New creates a simulation from cfg. Close releases everything it opened.
func New(ctx context.Context, cfg *config.Config) (*Sim, error) {
	kind, err := cfg.DamageKind()
	if err != nil {
		return nil, err
	}
	falloff, err := cfg.FalloffCurve()
	if err != nil {
		return nil, err
	}

	logger.Info("initializing simulation",
		zap.Int("families", cfg.Sim.Families),
		zap.Int64("seed", cfg.Sim.Seed),
		zap.String("damage", kind.String()),
		zap.String("falloff", falloff.String()),
	)

	s := &Sim{
		cfg:      cfg,
		assets:   assets.NewManager(cfg.Solver.Accelerator),
		scene:    batch.NewScene(),
		world:    bodies.NewWorld(math.Vec3{Y: cfg.Sim.Gravity}),
		perf:     telemetry.NewPerfCollector(cfg.Telemetry.Window),
		rng:      rand.New(rand.NewPCG(uint64(cfg.Sim.Seed), uint64(cfg.Sim.Seed))),
		material: cfg.Material.Material(),
		kind:     kind,
		falloff:  falloff,
	}

	if err := s.init(ctx); err != nil {
		s.Close()
		return nil, err
	}

	logger.Info("simulation initialized",
		zap.String("asset", s.assetName),
		zap.Uint32("chunks", s.entry.Asset.ChunkCount()),
		zap.Uint32("bonds", s.entry.Asset.BondCount()),
		zap.Int("workers", s.pool.Workers()),
	)
	return s, nil
}

func (s *Sim) init(ctx context.Context) error {
	name, err := s.resolveAsset()
	if err != nil {
		return err
	}
	if s.entry, err = s.assets.Acquire(name); err != nil {
		return fmt.Errorf("loading asset: %w", err)
	}
	s.assetName = name

	if s.cfg.Journal.Enabled {
		if s.journal, err = journal.Open(s.cfg.Journal.Path); err != nil {
			return err
		}
	}
	if s.cfg.Telemetry.Enabled {
		if s.out, err = telemetry.NewOutputManager(s.cfg.Telemetry.Dir); err != nil {
			return err
		}
		if err := s.out.WriteConfig(s.cfg); err != nil {
			return err
		}
	}

	if s.cfg.Stress.Enabled {
		s.anchored = s.anchors()
	}
	spacing := s.spacing()
	for i := 0; i < s.cfg.Sim.Families; i++ {
		if err := s.addFamily(ctx, i, math.Vec3{X: float32(i) * spacing}); err != nil {
			return fmt.Errorf("family %d: %w", i, err)
		}
	}

	s.pool = batch.NewPool(s.scene, s.cfg.Solver.Workers)
	return nil
}

// resolveAsset registers or opens the configured asset and returns the name
// to acquire it by.
func (s *Sim) resolveAsset() (string, error) {
	path := s.cfg.Sim.AssetPath
	switch {
	case path == "":
		c := s.cfg.Cube
		cube, err := descriptor.GenerateCube(descriptor.NewCubeSettings(c.Extent, c.Slices, c.SupportDepth))
		if err != nil {
			return "", err
		}
		s.assets.Register(cubeAssetName, cube.Desc)
		return cubeAssetName, nil
	case strings.EqualFold(filepath.Ext(path), ".blpk"):
		if s.cfg.Sim.AssetName == "" {
			return "", fmt.Errorf("%w: sim.asset_name is required for a pack", config.ErrInvalidConfig)
		}
		if err := s.assets.AddArchive(path); err != nil {
			return "", err
		}
		return s.cfg.Sim.AssetName, nil
	default:
		return path, nil
	}
}

// anchors marks the graph nodes resting on the ground: those whose chunk
// centroid lies within Stress.AnchorHeight of the lowest one.
func (s *Sim) anchors() func(node uint32) bool {
	asset := s.entry.Asset
	g := asset.Graph()
	heights := make([]float32, g.NodeCount())
	var floor float32
	for n := range g.NodeCount() {
		heights[n] = asset.Chunk(g.ChunkIndex(n)).Centroid.Y
		if n == 0 || heights[n] < floor {
			floor = heights[n]
		}
	}
	limit := floor + s.cfg.Stress.AnchorHeight
	return func(node uint32) bool {
		return heights[node] <= limit
	}
}

// spacing returns the distance between neighboring families along X.
func (s *Sim) spacing() float32 {
	var lo, hi float32
	asset := s.entry.Asset
	for i := uint32(0); i < asset.ChunkCount(); i++ {
		x := asset.Chunk(i).Centroid.X
		lo, hi = min(lo, x), max(hi, x)
	}
	return 2*(hi-lo) + s.cfg.Cube.Extent
}

func (s *Sim) addFamily(ctx context.Context, id int, at math.Vec3) error {
	family := blast.NewFamily(s.entry.Asset)
	family.SetLogSink(logger.BlastSink(fmt.Sprintf("family-%d", id)))
	h, err := family.CreateFirstActor(blast.ActorDesc{
		UniformBondHealth:  s.cfg.Cube.BondHealth,
		UniformChunkHealth: s.cfg.Cube.ChunkHealth,
	})
	if err != nil {
		return err
	}

	// A nil *Session must not reach the scene as a non-nil Recorder.
	var rec batch.Recorder
	if s.journal != nil {
		session, err := s.journal.BeginSession(ctx, fmt.Sprintf("%s/%d", s.assetName, id), family, s.cfg.Sim.Seed)
		if err != nil {
			return err
		}
		s.sessions = append(s.sessions, session)
		rec = session
	}

	if got := s.scene.Add(family, rec); got != id {
		return fmt.Errorf("scene assigned id %d, want %d", got, id)
	}
	s.families = append(s.families, family)

	if s.cfg.Stress.Enabled {
		solver, err := stress.New(family, s.cfg.Stress.Settings())
		if err != nil {
			return err
		}
		solver.SetNodesFromAsset(s.cfg.Stress.Density, s.anchored)
		s.stress = append(s.stress, solver)
	}

	return s.world.Spawn(id, family, h, bodies.Body{
		Position: at,
		Rotation: math.QuatIdentity(),
		Static:   true,
	})
}

// Run advances the simulation until the configured step count is reached,
// ctx is canceled, or every family is rubble.
func (s *Sim) Run(ctx context.Context) (Summary, error) {
	logger.Info("starting simulation", zap.Int("steps", s.cfg.Sim.Steps))
	start := time.Now()

	for s.step < s.cfg.Sim.Steps {
		if err := ctx.Err(); err != nil {
			return s.Summary(), err
		}
		more, err := s.Step(ctx)
		if err != nil {
			return s.Summary(), fmt.Errorf("step %d: %w", s.step, err)
		}
		if !more {
			logger.Info("nothing left to break", zap.Int("step", s.step))
			break
		}
	}

	if s.perf.Shots() > 0 {
		stats := s.perf.Stats()
		stats.LogStats()
		if err := s.out.WritePerf(stats, s.perf.Shots()); err != nil {
			return s.Summary(), err
		}
	}

	sum := s.Summary()
	logger.Info("simulation finished",
		zap.Int("steps", sum.Steps),
		zap.Int("shots", sum.Shots),
		zap.Int("splits", sum.Splits),
		zap.Int("stress_splits", sum.Stress),
		zap.Int("actors", sum.Actors),
		zap.Duration("elapsed", time.Since(start)),
	)
	return sum, nil
}

// shot remembers where a job hit so results can push fragments away.
type shot struct {
	hit math.Vec3 // world space
}

// Step fires one volley, splits, breaks overstressed bonds, and integrates
// the bodies. It returns false when no target was left to shoot.
func (s *Sim) Step(ctx context.Context) (bool, error) {
	s.step++
	s.summary.Steps++
	s.perf.StartShot()

	jobs, shots := s.aim()
	if len(jobs) == 0 {
		s.perf.EndShot()
		return false, nil
	}

	s.perf.StartPhase(telemetry.PhaseDispatch)
	results, err := s.pool.Run(ctx, jobs)
	if err != nil {
		return false, err
	}

	s.perf.StartPhase(telemetry.PhaseBodies)
	var (
		records []telemetry.SplitRecord
		intact  []int // jobs that hit without splitting
	)
	for i, res := range results {
		s.summary.Shots++
		s.perf.AddTimers(res.Timers)
		if res.Err != nil {
			// Earlier shots in the volley may have split the target already.
			if errors.Is(res.Err, blast.ErrStaleActor) {
				logger.Debug("target already split", zap.Int("job", i))
				continue
			}
			return false, res.Err
		}
		if res.Fracture != nil {
			s.perf.AddCounts(len(res.Fracture.Chunks)+len(res.Fracture.Bonds), len(res.Split.NewActors))
		}
		if !res.Split.Changed() {
			intact = append(intact, i)
			continue
		}
		if res.SplitCapacity > jobs[i].MaxNewActors {
			logger.Debug("split capacity raised",
				zap.Int("job", i),
				zap.Int("configured", jobs[i].MaxNewActors),
				zap.Int("used", res.SplitCapacity),
			)
		}

		rec, err := s.onSplit(jobs[i], shots[i], res.Split)
		if err != nil {
			return false, err
		}
		records = append(records, rec)
	}

	if len(s.stress) > 0 {
		s.perf.StartPhase(telemetry.PhaseStress)
		stressRecords, err := s.stressStep(ctx, jobs, intact)
		if err != nil {
			return false, err
		}
		records = append(records, stressRecords...)
		s.perf.StartPhase(telemetry.PhaseBodies)
	}
	s.world.Step(float32(s.cfg.Sim.TimeStep.Seconds()))
	s.perf.EndShot()

	if err := s.out.WriteSplits(records); err != nil {
		return false, err
	}
	if w := s.cfg.Telemetry.Window; w > 0 && s.perf.Shots()%w == 0 {
		if err := s.out.WritePerf(s.perf.Stats(), s.perf.Shots()); err != nil {
			return false, err
		}
	}
	return true, nil
}

// aim builds one job per shot. Targets are live actors with bodies; the hit
// point is a visible chunk's centroid, jittered in world space and brought
// back into the actor's local frame.
func (s *Sim) aim() ([]batch.Job, []shot) {
	d := s.cfg.Damage
	var (
		jobs  []batch.Job
		shots []shot
	)
	for n := 0; n < s.cfg.Sim.ShotsPerStep; n++ {
		for id, family := range s.families {
			actors := s.world.Actors(id)
			if len(actors) == 0 {
				continue
			}
			h := actors[s.rng.IntN(len(actors))]
			visible, err := family.VisibleChunks(h)
			if err != nil || len(visible) == 0 {
				continue
			}
			chunk := visible[s.rng.IntN(len(visible))]
			world, err := s.world.ChunkWorldPosition(id, family, h, chunk)
			if err != nil {
				continue
			}
			world = world.Add(s.randomDir().Scale(d.MinRadius * s.rng.Float32()))
			local, err := s.world.ToLocal(id, h, world)
			if err != nil {
				continue
			}

			jobs = append(jobs, batch.Job{
				Family: id,
				Actor:  h,
				Damage: []blast.DamageDesc{s.damageAt(local)},
				Params: blast.EvalParams{
					Material:    &s.material,
					Accelerator: s.entry.Accelerator,
				},
				MaxNewActors: s.cfg.Solver.MaxNewActors,
			})
			shots = append(shots, shot{hit: world})
		}
	}
	return jobs, shots
}

func (s *Sim) damageAt(p math.Vec3) blast.DamageDesc {
	d := s.cfg.Damage
	desc := blast.DamageDesc{
		Kind:      s.kind,
		Position:  p,
		MinRadius: d.MinRadius,
		MaxRadius: d.MaxRadius,
		Damage:    d.Strength,
		Falloff:   s.falloff,
	}
	switch s.kind {
	case blast.DamageSegment:
		desc.End = p.Add(s.randomDir().Scale(d.MaxRadius))
	case blast.DamageShear:
		desc.Normal = s.randomDir()
	}
	return desc
}

func (s *Sim) randomDir() math.Vec3 {
	for {
		v := math.Vec3{
			X: 2*s.rng.Float32() - 1,
			Y: 2*s.rng.Float32() - 1,
			Z: 2*s.rng.Float32() - 1,
		}
		if l := v.Length(); l > 0.01 && l <= 1 {
			return v.Normalize()
		}
	}
}

// stressStep loads every solver with gravity on the held actors and the
// impact of shots that did not split their target, then splits along the
// bonds that gave way.
func (s *Sim) stressStep(ctx context.Context, jobs []batch.Job, intact []int) ([]telemetry.SplitRecord, error) {
	gravity := math.Vec3{Y: s.cfg.Sim.Gravity}
	strength := s.cfg.Damage.Strength * impulseScale
	for id, solver := range s.stress {
		for _, h := range s.world.Actors(id) {
			body, ok := s.world.Body(id, h)
			if !ok || !body.Static {
				continue
			}
			if _, err := solver.AddGravity(h, body.Rotation.Conjugate().Rotate(gravity)); err != nil {
				return nil, err
			}
		}
	}
	for _, i := range intact {
		job := jobs[i]
		frag, ok := s.world.Fragment(job.Family, job.Actor)
		if !ok || len(job.Damage) == 0 {
			continue
		}
		at := job.Damage[0].Position
		dir := frag.CenterOfMass.Sub(at).Normalize()
		if _, err := s.stress[job.Family].AddForce(job.Actor, at, dir.Scale(strength), stress.Velocity); err != nil {
			if errors.Is(err, blast.ErrStaleActor) {
				continue
			}
			return nil, err
		}
	}

	var stressJobs []batch.Job
	for id, solver := range s.stress {
		solver.Update()
		for _, f := range solver.Fractures() {
			stressJobs = append(stressJobs, batch.Job{
				Family:       id,
				Actor:        f.Actor,
				Fracture:     f.Buffer,
				MaxNewActors: s.cfg.Solver.MaxNewActors,
			})
		}
	}
	if len(stressJobs) == 0 {
		return nil, nil
	}

	results, err := s.pool.Run(ctx, stressJobs)
	if err != nil {
		return nil, err
	}
	var records []telemetry.SplitRecord
	for i, res := range results {
		s.perf.AddTimers(res.Timers)
		if res.Err != nil {
			return nil, res.Err
		}
		if !res.Split.Changed() {
			continue
		}
		rec, err := s.recordSplit(stressJobs[i].Family, res.Split)
		if err != nil {
			return nil, err
		}
		s.summary.Stress++
		records = append(records, rec)
	}
	logger.Debug("stress fractures",
		zap.Int("step", s.step),
		zap.Int("buffers", len(stressJobs)),
		zap.Int("splits", len(records)),
	)
	return records, nil
}

// recordSplit replaces the parent body with one per new fragment.
func (s *Sim) recordSplit(id int, ev blast.SplitEvent) (telemetry.SplitRecord, error) {
	family := s.families[id]
	if err := s.world.OnSplit(id, family, ev); err != nil {
		return telemetry.SplitRecord{}, err
	}
	s.summary.Splits++

	rec := telemetry.SplitRecord{
		Step:      s.step,
		Family:    id,
		Actor:     ev.Deleted.String(),
		NewActors: len(ev.NewActors),
		Live:      family.ActorCount(),
	}
	for _, h := range ev.NewActors {
		if frag, ok := s.world.Fragment(id, h); ok {
			rec.Visible += frag.Chunks
		}
	}
	return rec, nil
}

// onSplit records the split and pushes every new fragment away from the hit.
func (s *Sim) onSplit(job batch.Job, sh shot, ev blast.SplitEvent) (telemetry.SplitRecord, error) {
	rec, err := s.recordSplit(job.Family, ev)
	if err != nil {
		return rec, err
	}
	strength := s.cfg.Damage.Strength * impulseScale
	for _, h := range ev.NewActors {
		frag, ok := s.world.Fragment(job.Family, h)
		if !ok {
			continue
		}

		body, _ := s.world.Body(job.Family, h)
		com := body.Position.Add(body.Rotation.Rotate(frag.CenterOfMass))
		dir := com.Sub(sh.hit).Normalize()
		if dir == (math.Vec3{}) {
			dir = math.Vec3{Y: 1}
		}
		if err := s.world.ApplyImpulse(job.Family, h, dir.Scale(strength*body.Mass), sh.hit); err != nil {
			return rec, err
		}
	}
	return rec, nil
}

// Summary returns counters for the run so far.
func (s *Sim) Summary() Summary {
	sum := s.summary
	sum.Actors = 0
	for _, f := range s.families {
		sum.Actors += f.ActorCount()
	}
	sum.Bodies = s.world.Len()
	return sum
}

// Sessions returns the journal session ids, one per family.
func (s *Sim) Sessions() []int64 {
	ids := make([]int64, len(s.sessions))
	for i, session := range s.sessions {
		ids[i] = session.ID()
	}
	return ids
}

// Family returns family id.
func (s *Sim) Family(id int) *blast.Family {
	return s.families[id]
}

// Close stops the workers and releases the asset, journal and output files.
func (s *Sim) Close() error {
	var errs []error
	if s.pool != nil {
		s.pool.Stop()
	}
	if s.entry != nil {
		errs = append(errs, s.assets.Release(s.assetName))
		s.entry = nil
	}
	s.assets.Close()
	if s.journal != nil {
		errs = append(errs, s.journal.Close())
	}
	errs = append(errs, s.out.Close())
	return errors.Join(errs...)
}
