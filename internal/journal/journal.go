// Package journal records fracture sessions to a SQLite database so they can
// be inspected and replayed deterministically.
//
// A session stores the asset digest and the family state it started from.
// Every applied fracture buffer and every split outcome is appended with a
// per-session sequence number; Replay re-runs them against a restored family
// and reports the first split that no longer matches.
package journal

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"github.com/Faultbox/blastgo/pkg/blast"
	"github.com/Faultbox/blastgo/pkg/formats"
)

// Journal errors.
var (
	ErrSessionNotFound = errors.New("journal session not found")
	ErrAssetMismatch   = errors.New("asset does not match journal session")
	ErrReplayDiverged  = errors.New("replay diverged from journal")
	ErrClosed          = errors.New("journal is closed")
)

// Journal is an open journal database. It is safe for concurrent use.
type Journal struct {
	db  *sql.DB
	enc *zstd.Encoder
	dec *zstd.Decoder

	mu     sync.Mutex
	closed bool
}

// Open opens or creates the journal at path.
func Open(path string) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("empty journal path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating journal dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		_ = db.Close()
		return nil, fmt.Errorf("creating decoder: %w", err)
	}

	return &Journal{db: db, enc: enc, dec: dec}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			asset_digest TEXT NOT NULL,
			seed INTEGER NOT NULL,
			started_at TEXT NOT NULL,
			initial BLOB NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS fractures (
			session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			actor_index INTEGER NOT NULL,
			actor_generation INTEGER NOT NULL,
			chunk_count INTEGER NOT NULL,
			bond_count INTEGER NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (session_id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS splits (
			session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			actor_index INTEGER NOT NULL,
			actor_generation INTEGER NOT NULL,
			max_new_actors INTEGER NOT NULL,
			deleted INTEGER NOT NULL,
			new_actors BLOB NOT NULL,
			PRIMARY KEY (session_id, seq)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	j.enc.Close()
	j.dec.Close()
	return j.db.Close()
}

func (j *Journal) check() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	return nil
}

// AssetDigest returns the hex SHA-256 of the asset's binary descriptor.
func AssetDigest(asset *blast.Asset) string {
	desc := asset.Desc()
	sum := sha256.Sum256(formats.EncodeAssetDesc(&desc))
	return hex.EncodeToString(sum[:])
}

// SessionInfo describes a recorded session.
type SessionInfo struct {
	ID          int64
	Name        string
	AssetDigest string
	Seed        int64
	StartedAt   time.Time
	Fractures   int
	Splits      int
}

// Session appends records for one family. It is safe for concurrent use,
// but records are ordered by call, so callers that share a family already
// serialize access to it.
type Session struct {
	j  *Journal
	id int64

	mu  sync.Mutex
	seq int64
}

// ID returns the session's database id.
func (s *Session) ID() int64 {
	return s.id
}

// BeginSession starts a session for family, recording its current state as
// the replay starting point.
func (j *Journal) BeginSession(ctx context.Context, name string, family *blast.Family, seed int64) (*Session, error) {
	if err := j.check(); err != nil {
		return nil, err
	}

	initial := j.enc.EncodeAll(formats.EncodeFamily(family.Snapshot()), nil)
	res, err := j.db.ExecContext(ctx,
		`INSERT INTO sessions (name, asset_digest, seed, started_at, initial) VALUES (?, ?, ?, ?, ?)`,
		name, AssetDigest(family.Asset()), seed, time.Now().UTC().Format(time.RFC3339Nano), initial)
	if err != nil {
		return nil, fmt.Errorf("inserting session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading session id: %w", err)
	}
	return &Session{j: j, id: id}, nil
}

func (s *Session) next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// RecordFracture appends a fracture buffer applied to h.
func (s *Session) RecordFracture(ctx context.Context, h blast.ActorHandle, buf *blast.FractureBuffer) error {
	if err := s.j.check(); err != nil {
		return err
	}
	data := s.j.enc.EncodeAll(formats.EncodeFracture(buf), nil)
	_, err := s.j.db.ExecContext(ctx,
		`INSERT INTO fractures (session_id, seq, actor_index, actor_generation, chunk_count, bond_count, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.id, s.next(), int64(h.Index()), int64(h.Generation()), len(buf.Chunks), len(buf.Bonds), data)
	if err != nil {
		return fmt.Errorf("inserting fracture: %w", err)
	}
	return nil
}

// RecordSplit appends the outcome of splitting h.
func (s *Session) RecordSplit(ctx context.Context, h blast.ActorHandle, maxNewActors int, ev blast.SplitEvent) error {
	if err := s.j.check(); err != nil {
		return err
	}
	_, err := s.j.db.ExecContext(ctx,
		`INSERT INTO splits (session_id, seq, actor_index, actor_generation, max_new_actors, deleted, new_actors)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.id, s.next(), int64(h.Index()), int64(h.Generation()), maxNewActors, boolInt(ev.Changed()), encodeHandles(ev.NewActors))
	if err != nil {
		return fmt.Errorf("inserting split: %w", err)
	}
	return nil
}

// Sessions lists recorded sessions, oldest first.
func (j *Journal) Sessions(ctx context.Context) ([]SessionInfo, error) {
	if err := j.check(); err != nil {
		return nil, err
	}
	rows, err := j.db.QueryContext(ctx, sessionQuery+` ORDER BY s.id`)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		info, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// Session returns one session's summary.
func (j *Journal) Session(ctx context.Context, id int64) (SessionInfo, error) {
	if err := j.check(); err != nil {
		return SessionInfo{}, err
	}
	info, err := scanSession(j.db.QueryRowContext(ctx, sessionQuery+` WHERE s.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return SessionInfo{}, fmt.Errorf("%w: %d", ErrSessionNotFound, id)
	}
	return info, err
}

const sessionQuery = `SELECT s.id, s.name, s.asset_digest, s.seed, s.started_at,
	(SELECT COUNT(*) FROM fractures f WHERE f.session_id = s.id),
	(SELECT COUNT(*) FROM splits p WHERE p.session_id = s.id)
	FROM sessions s`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (SessionInfo, error) {
	var (
		info    SessionInfo
		started string
	)
	if err := row.Scan(&info.ID, &info.Name, &info.AssetDigest, &info.Seed, &started, &info.Fractures, &info.Splits); err != nil {
		return SessionInfo{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, started)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("session %d: parsing start time: %w", info.ID, err)
	}
	info.StartedAt = t
	return info, nil
}

func encodeHandles(hs []blast.ActorHandle) []byte {
	out := make([]byte, 0, 8*len(hs))
	for _, h := range hs {
		out = binary.LittleEndian.AppendUint32(out, h.Index())
		out = binary.LittleEndian.AppendUint32(out, h.Generation())
	}
	return out
}

func decodeHandles(data []byte) ([]blast.ActorHandle, error) {
	if len(data)%8 != 0 {
		return nil, fmt.Errorf("handle list has %d bytes", len(data))
	}
	out := make([]blast.ActorHandle, len(data)/8)
	for i := range out {
		out[i] = blast.MakeActorHandle(
			binary.LittleEndian.Uint32(data[8*i:]),
			binary.LittleEndian.Uint32(data[8*i+4:]),
		)
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
