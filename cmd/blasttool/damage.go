package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/Faultbox/blastgo/internal/batch"
	"github.com/Faultbox/blastgo/internal/journal"
	"github.com/Faultbox/blastgo/internal/logger"
	"github.com/Faultbox/blastgo/pkg/blast"
	"github.com/Faultbox/blastgo/pkg/formats"
)

func cmdDamage(args []string) {
	cfg, err := toolConfig(args)
	if err != nil {
		fatalf("%v", err)
	}

	fs := flag.NewFlagSet("damage", flag.ExitOnError)
	fs.String("config", "", "Path to config file (default: search for blastgo.yaml)")
	at := fs.String("at", "0,0,0", "Damage position x,y,z in asset space")
	end := fs.String("end", "", "Segment end x,y,z (segment damage)")
	normal := fs.String("normal", "1,0,0", "Shear direction x,y,z (shear damage)")
	kind := fs.String("kind", cfg.Damage.Kind, "radial, cutter, segment, shear or impact")
	falloff := fs.String("falloff", cfg.Solver.Falloff, "linear or smoothstep")
	minRadius := fs.Float64("min", float64(cfg.Damage.MinRadius), "Full-damage radius")
	maxRadius := fs.Float64("max", float64(cfg.Damage.MaxRadius), "Zero-damage radius")
	strength := fs.Float64("strength", float64(cfg.Damage.Strength), "Damage at full strength")
	bondHealth := fs.Float64("bond-health", float64(cfg.Cube.BondHealth), "Initial bond health")
	chunkHealth := fs.Float64("chunk-health", float64(cfg.Cube.ChunkHealth), "Initial chunk health")
	noMaterial := fs.Bool("raw", false, "Skip material thresholds")
	journalPath := fs.String("journal", "", "Record the shot to this journal")
	snapshot := fs.String("snapshot", "", "Write the resulting family snapshot here")
	maxNew := fs.Int("max-new", cfg.Solver.MaxNewActors, "First split capacity tried; raised if the split needs more")
	verbose := fs.Bool("v", false, "Log solver messages")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: blasttool damage [options] <asset>")
		os.Exit(1)
	}
	if *verbose {
		if err := logger.Init("debug", ""); err != nil {
			fatalf("%v", err)
		}
		defer logger.Sync()
	}

	desc := blast.DamageDesc{
		MinRadius: float32(*minRadius),
		MaxRadius: float32(*maxRadius),
		Damage:    float32(*strength),
	}
	if desc.Kind, err = blast.ParseDamageKind(*kind); err != nil {
		fatalf("%v", err)
	}
	if desc.Falloff, err = blast.ParseFalloff(*falloff); err != nil {
		fatalf("%v", err)
	}
	if desc.Position, err = parseVec3(*at); err != nil {
		fatalf("-at: %v", err)
	}
	if desc.Normal, err = parseVec3(*normal); err != nil {
		fatalf("-normal: %v", err)
	}
	desc.End = desc.Position
	if *end != "" {
		if desc.End, err = parseVec3(*end); err != nil {
			fatalf("-end: %v", err)
		}
	}

	m, e, name, err := openAsset(fs.Arg(0), cfg.Solver.Accelerator)
	if err != nil {
		fatalf("%v", err)
	}
	defer m.Close()

	family := blast.NewFamily(e.Asset)
	family.SetLogSink(logger.BlastSink("damage"))
	h, err := family.CreateFirstActor(blast.ActorDesc{
		UniformBondHealth:  float32(*bondHealth),
		UniformChunkHealth: float32(*chunkHealth),
	})
	if err != nil {
		fatalf("%v", err)
	}

	ctx := context.Background()
	var (
		session *journal.Session
		rec     batch.Recorder
	)
	if *journalPath != "" {
		j, err := journal.Open(*journalPath)
		if err != nil {
			fatalf("%v", err)
		}
		defer j.Close()
		if session, err = j.BeginSession(ctx, name, family, 0); err != nil {
			fatalf("%v", err)
		}
		rec = session
	}

	params := blast.EvalParams{Accelerator: e.Accelerator}
	if !*noMaterial {
		material := cfg.Material.Material()
		params.Material = &material
	}

	scene := batch.NewScene()
	id := scene.Add(family, rec)
	pool := batch.NewPool(scene, 1)
	defer pool.Stop()

	results, err := pool.Run(ctx, []batch.Job{{
		Family:       id,
		Actor:        h,
		Damage:       []blast.DamageDesc{desc},
		Params:       params,
		MaxNewActors: *maxNew,
	}})
	if err != nil {
		fatalf("%v", err)
	}
	res := results[0]
	if res.Fracture != nil {
		fmt.Printf("Fracture: %d chunk, %d bond commands\n", len(res.Fracture.Chunks), len(res.Fracture.Bonds))
		fmt.Printf("Applied:  %d chunks, %d bonds changed\n", res.Applied.ChunksChanged, res.Applied.BondsChanged)
	}
	if res.Err != nil {
		fatalf("%v", res.Err)
	}
	if res.SplitCapacity > *maxNew {
		fmt.Printf("Capacity: raised from %d to %d\n", *maxNew, res.SplitCapacity)
	}
	if session != nil {
		fmt.Printf("Journal:  session %d\n", session.ID())
	}

	ev := res.Split
	if !ev.Changed() {
		fmt.Println("Split:    actor intact")
	} else {
		fmt.Printf("Split:    %s -> %d actors\n", ev.Deleted, len(ev.NewActors))
		for _, nh := range ev.NewActors {
			visible, _ := family.VisibleChunks(nh)
			nodes, _ := family.GraphNodes(nh)
			fmt.Printf("  %-10s %4d visible chunks, %4d graph nodes\n", nh, len(visible), len(nodes))
		}
	}
	fmt.Printf("Timers:   %v total\n", res.Timers.Total())

	if *snapshot != "" {
		if err := os.WriteFile(*snapshot, formats.EncodeFamily(family.Snapshot()), 0644); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("Snapshot: %s\n", *snapshot)
	}
}
