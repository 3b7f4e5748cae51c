package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Faultbox/blastgo/internal/descriptor"
	"github.com/Faultbox/blastgo/pkg/formats"
)

func cmdInfo(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: blasttool info <asset>")
		os.Exit(1)
	}

	m, e, name, err := openAsset(args[0], false)
	if err != nil {
		fatalf("%v", err)
	}
	defer m.Close()

	asset := e.Asset
	g := asset.Graph()

	var support, maxDegree int
	var volume float32
	for i := uint32(0); i < asset.ChunkCount(); i++ {
		if asset.IsSupport(i) {
			support++
		}
	}
	for _, r := range asset.Roots() {
		volume += asset.Chunk(r).Volume
	}
	for n := uint32(0); n < g.NodeCount(); n++ {
		maxDegree = max(maxDegree, g.Degree(n))
	}

	fmt.Printf("Asset:         %s\n", name)
	fmt.Printf("Chunks:        %d\n", asset.ChunkCount())
	fmt.Printf("  roots:       %d\n", len(asset.Roots()))
	fmt.Printf("  leaves:      %d\n", asset.LeafChunkCount())
	fmt.Printf("  support:     %d\n", support)
	fmt.Printf("  lower supp.: %d\n", asset.LowerSupportChunkCount())
	fmt.Printf("Bonds:         %d\n", asset.BondCount())
	fmt.Printf("Graph nodes:   %d (max degree %d)\n", g.NodeCount(), maxDegree)
	fmt.Printf("Volume:        %.3f\n", volume)
}

func cmdValidate(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: blasttool validate <file.json>")
		os.Exit(1)
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		fatalf("%v", err)
	}
	if err := descriptor.Validate(data); err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("%s: ok\n", args[0])
}

func cmdGen(args []string) {
	cfg, err := toolConfig(args)
	if err != nil {
		fatalf("%v", err)
	}
	defaults := cfg.Cube

	fs := flag.NewFlagSet("gen", flag.ExitOnError)
	fs.String("config", "", "Path to config file (default: search for blastgo.yaml)")
	out := fs.String("o", "cube.blad", "Output file (.blad or .json)")
	extent := fs.Float64("extent", float64(defaults.Extent), "Cube edge length")
	slices := fs.String("slices", formatSlices(defaults.Slices), "Slices per depth below the root")
	supportDepth := fs.Int("support", defaults.SupportDepth, "Support depth (0 = root)")
	bonds := fs.String("bonds", "xyz", "Axes to bond along")
	fs.Parse(args)

	levels, err := parseSlices(*slices)
	if err != nil {
		fatalf("%v", err)
	}
	settings := descriptor.NewCubeSettings(float32(*extent), levels, *supportDepth)
	settings.Bonds = 0
	for _, axis := range strings.ToLower(*bonds) {
		switch axis {
		case 'x':
			settings.Bonds |= descriptor.BondX
		case 'y':
			settings.Bonds |= descriptor.BondY
		case 'z':
			settings.Bonds |= descriptor.BondZ
		default:
			fatalf("unknown bond axis %q", axis)
		}
	}

	cube, err := descriptor.GenerateCube(settings)
	if err != nil {
		fatalf("%v", err)
	}

	name := strings.TrimSuffix(filepath.Base(*out), filepath.Ext(*out))
	switch strings.ToLower(filepath.Ext(*out)) {
	case ".json":
		err = descriptor.WriteFile(*out, name, &cube.Desc)
	default:
		err = formats.WriteAssetDescFile(*out, &cube.Desc)
	}
	if err != nil {
		fatalf("%v", err)
	}

	fmt.Printf("Generated: %s (%d chunks, %d bonds)\n", *out, len(cube.Desc.Chunks), len(cube.Desc.Bonds))
}
