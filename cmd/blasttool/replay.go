package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/Faultbox/blastgo/internal/journal"
	"github.com/Faultbox/blastgo/pkg/formats"
)

func cmdReplay(args []string) {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	assetSpec := fs.String("asset", "", "Asset the session was recorded on")
	snapshot := fs.String("snapshot", "", "Write the replayed family snapshot here")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: blasttool replay [-asset <asset>] <journal.db> [session]")
		os.Exit(1)
	}

	ctx := context.Background()
	j, err := journal.Open(fs.Arg(0))
	if err != nil {
		fatalf("%v", err)
	}
	defer j.Close()

	if fs.NArg() < 2 {
		sessions, err := j.Sessions(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		for _, s := range sessions {
			fmt.Printf("%4d  %-24s seed=%-6d fractures=%-6d splits=%-6d %s\n",
				s.ID, s.Name, s.Seed, s.Fractures, s.Splits, s.StartedAt.Format("2006-01-02 15:04:05"))
		}
		fmt.Fprintf(os.Stderr, "\n(%d sessions)\n", len(sessions))
		return
	}

	id, err := strconv.ParseInt(fs.Arg(1), 10, 64)
	if err != nil {
		fatalf("invalid session id %q", fs.Arg(1))
	}
	if *assetSpec == "" {
		fatalf("-asset is required to replay")
	}

	m, e, _, err := openAsset(*assetSpec, false)
	if err != nil {
		fatalf("%v", err)
	}
	defer m.Close()

	family, stats, err := j.Replay(ctx, id, e.Asset)
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("Replayed session %d: %d fractures, %d splits, %d live actors\n",
		id, stats.Fractures, stats.Splits, stats.Actors)

	if *snapshot != "" {
		if err := os.WriteFile(*snapshot, formats.EncodeFamily(family.Snapshot()), 0644); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("Snapshot: %s\n", *snapshot)
	}
}
