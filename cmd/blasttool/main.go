// blasttool is a CLI utility for blastgo assets, packs and journals.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Faultbox/blastgo/internal/assets"
	"github.com/Faultbox/blastgo/internal/config"
	"github.com/Faultbox/blastgo/pkg/math"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "info":
		cmdInfo(args)
	case "validate":
		cmdValidate(args)
	case "gen":
		cmdGen(args)
	case "damage":
		cmdDamage(args)
	case "pack":
		cmdPack(args)
	case "list", "ls":
		cmdList(args)
	case "extract", "x":
		cmdExtract(args)
	case "replay":
		cmdReplay(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`blasttool - blastgo asset, pack and journal utility

Usage:
  blasttool <command> [options]

Commands:
  info <asset>                        Show asset structure
  validate <file.json>                Check a JSON descriptor against the schema
  gen [options]                       Generate a cube asset (.blad or .json)
  damage [options] <asset>            Apply one shot and print the split
  pack <out.blpk> <file>...           Build a pack archive
  list <file.blpk> [pattern]          List files (optional glob pattern)
  extract <file.blpk> <path> [output] Extract a file to a directory
  replay [options] <journal.db> [id]  List sessions, or replay one

Assets are .blad or .json files, or pack entries written as
<file.blpk>:<entry>.

Examples:
  blasttool gen -slices 4x4x4,2x2x2 -o wall.blad
  blasttool info wall.blad
  blasttool damage -at 0,0,0 -strength 80 wall.blad
  blasttool pack assets.blpk wall.blad tower.json
  blasttool replay -asset assets.blpk:wall.blad blastgo.db 1`)
}

// toolConfig loads the file named by -config in args, or blastgo.yaml from
// the standard locations, so a command's flag defaults follow it. The
// command's own FlagSet still has to declare -config.
func toolConfig(args []string) (*config.Config, error) {
	return config.LoadFile(configArg(args))
}

// configArg returns the value of -config or --config in args, before any
// "--" terminator.
func configArg(args []string) string {
	path := ""
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			break
		}
		if !strings.HasPrefix(a, "-") {
			continue
		}
		name, value, hasValue := strings.Cut(strings.TrimLeft(a, "-"), "=")
		if name != "config" {
			continue
		}
		if hasValue {
			path = value
		} else if i+1 < len(args) {
			path = args[i+1]
			i++
		}
	}
	return path
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// openAsset acquires the asset named by spec.
func openAsset(spec string, accelerated bool) (*assets.Manager, *assets.Entry, string, error) {
	m := assets.NewManager(accelerated)
	name := spec
	if archive, entry, ok := strings.Cut(spec, ".blpk:"); ok {
		if err := m.AddArchive(archive + ".blpk"); err != nil {
			return nil, nil, "", err
		}
		name = entry
	}
	e, err := m.Acquire(name)
	if err != nil {
		m.Close()
		return nil, nil, "", err
	}
	return m, e, name, nil
}

// parseVec3 parses "x,y,z".
func parseVec3(s string) (math.Vec3, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return math.Vec3{}, fmt.Errorf("expected x,y,z, got %q", s)
	}
	var v [3]float32
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return math.Vec3{}, fmt.Errorf("parsing %q: %w", s, err)
		}
		v[i] = float32(f)
	}
	return math.Vec3{X: v[0], Y: v[1], Z: v[2]}, nil
}

// parseSlices parses "4x4x4,2x2x2".
func parseSlices(s string) ([][3]int, error) {
	var out [][3]int
	for _, level := range strings.Split(s, ",") {
		parts := strings.Split(strings.TrimSpace(level), "x")
		if len(parts) != 3 {
			return nil, fmt.Errorf("expected AxBxC, got %q", level)
		}
		var sl [3]int
		for i, p := range parts {
			n, err := strconv.Atoi(p)
			if err != nil || n < 1 {
				return nil, fmt.Errorf("invalid slice count %q in %q", p, level)
			}
			sl[i] = n
		}
		out = append(out, sl)
	}
	return out, nil
}

// formatSlices is the inverse of parseSlices.
func formatSlices(levels [][3]int) string {
	parts := make([]string, len(levels))
	for i, l := range levels {
		parts[i] = fmt.Sprintf("%dx%dx%d", l[0], l[1], l[2])
	}
	return strings.Join(parts, ",")
}
