package journal

import (
	"context"
	"fmt"
	"slices"

	"github.com/Faultbox/blastgo/pkg/blast"
	"github.com/Faultbox/blastgo/pkg/formats"
)

// ReplayStats summarizes a replay.
type ReplayStats struct {
	Fractures int
	Splits    int
	Actors    int // live actors at the end
}

type entry struct {
	seq    int64
	handle blast.ActorHandle

	// fracture
	data []byte

	// split
	isSplit      bool
	maxNewActors int
	deleted      bool
	newActors    []byte
}

// Replay restores the session's starting state on asset and re-applies every
// recorded fracture and split in order. It returns ErrReplayDiverged when a
// split produces a different outcome than the one recorded.
func (j *Journal) Replay(ctx context.Context, sessionID int64, asset *blast.Asset) (*blast.Family, ReplayStats, error) {
	var stats ReplayStats
	if err := j.check(); err != nil {
		return nil, stats, err
	}

	family, err := j.restoreInitial(ctx, sessionID, asset)
	if err != nil {
		return nil, stats, err
	}

	entries, err := j.loadEntries(ctx, sessionID)
	if err != nil {
		return nil, stats, err
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, stats, err
		}
		if !e.isSplit {
			raw, err := j.dec.DecodeAll(e.data, nil)
			if err != nil {
				return nil, stats, fmt.Errorf("seq %d: decompressing fracture: %w", e.seq, err)
			}
			buf, err := formats.ParseFracture(raw)
			if err != nil {
				return nil, stats, fmt.Errorf("seq %d: %w", e.seq, err)
			}
			if _, err := family.Apply(e.handle, buf); err != nil {
				return nil, stats, fmt.Errorf("%w: seq %d: apply on %s: %v", ErrReplayDiverged, e.seq, e.handle, err)
			}
			stats.Fractures++
			continue
		}

		ev, err := family.Split(e.handle, e.maxNewActors, nil)
		if err != nil {
			return nil, stats, fmt.Errorf("%w: seq %d: split of %s: %v", ErrReplayDiverged, e.seq, e.handle, err)
		}
		want, err := decodeHandles(e.newActors)
		if err != nil {
			return nil, stats, fmt.Errorf("seq %d: %w", e.seq, err)
		}
		if ev.Changed() != e.deleted || !slices.Equal(ev.NewActors, want) {
			return nil, stats, fmt.Errorf("%w: seq %d: split of %s produced %v, recorded %v",
				ErrReplayDiverged, e.seq, e.handle, ev.NewActors, want)
		}
		stats.Splits++
	}

	stats.Actors = family.ActorCount()
	return family, stats, nil
}

func (j *Journal) restoreInitial(ctx context.Context, sessionID int64, asset *blast.Asset) (*blast.Family, error) {
	info, err := j.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if digest := AssetDigest(asset); digest != info.AssetDigest {
		return nil, fmt.Errorf("%w: session %d recorded %.12s, asset is %.12s", ErrAssetMismatch, sessionID, info.AssetDigest, digest)
	}

	var blob []byte
	if err := j.db.QueryRowContext(ctx, `SELECT initial FROM sessions WHERE id = ?`, sessionID).Scan(&blob); err != nil {
		return nil, fmt.Errorf("reading session %d: %w", sessionID, err)
	}
	raw, err := j.dec.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing initial state: %w", err)
	}
	snap, err := formats.ParseFamily(raw)
	if err != nil {
		return nil, err
	}
	return blast.RestoreFamily(asset, snap)
}

func (j *Journal) loadEntries(ctx context.Context, sessionID int64) ([]entry, error) {
	var out []entry

	rows, err := j.db.QueryContext(ctx,
		`SELECT seq, actor_index, actor_generation, data FROM fractures WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying fractures: %w", err)
	}
	for rows.Next() {
		var (
			e        entry
			idx, gen int64
		)
		if err := rows.Scan(&e.seq, &idx, &gen, &e.data); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning fracture: %w", err)
		}
		e.handle = blast.MakeActorHandle(uint32(idx), uint32(gen))
		out = append(out, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = j.db.QueryContext(ctx,
		`SELECT seq, actor_index, actor_generation, max_new_actors, deleted, new_actors FROM splits WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying splits: %w", err)
	}
	for rows.Next() {
		var (
			e        entry
			idx, gen int64
			deleted  int
		)
		if err := rows.Scan(&e.seq, &idx, &gen, &e.maxNewActors, &deleted, &e.newActors); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning split: %w", err)
		}
		e.handle = blast.MakeActorHandle(uint32(idx), uint32(gen))
		e.isSplit = true
		e.deleted = deleted != 0
		out = append(out, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	slices.SortFunc(out, func(a, b entry) int {
		return int(a.seq - b.seq)
	})
	return out, nil
}
