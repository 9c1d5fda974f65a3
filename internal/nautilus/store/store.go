// Package store persists Nautilus gravity chunks, chamber assignments,
// context tags, mirror links, and the access log in gravity.db, a
// modernc.org/sqlite (pure-Go, no cgo) database opened with
// PRAGMA journal_mode=WAL — the literal "WAL mode mandatory for
// concurrent readers" requirement from spec.md §6.
//
// Single-writer, many-reader, per spec §4.6. Writers retry on a
// transient SQLITE_BUSY with bounded exponential backoff: 3 attempts,
// 100ms base, doubling — the same retry shape as a disk-backed
// key-value store under write contention.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/emergence-agent/emergence/internal/nautilus/gravity"
)

const schemaVersion = 2

const schemaDDL = `
CREATE TABLE IF NOT EXISTS schema_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS chunks (
	chunk_id      TEXT PRIMARY KEY,
	file          TEXT NOT NULL,
	offset        INTEGER NOT NULL,
	length        INTEGER NOT NULL,
	last_access   TEXT NOT NULL,
	access_count  INTEGER NOT NULL DEFAULT 0,
	authority     INTEGER NOT NULL DEFAULT 0,
	superseded_by TEXT NOT NULL DEFAULT '',
	chamber       TEXT NOT NULL DEFAULT 'unknown',
	mirror_kind   TEXT NOT NULL DEFAULT 'raw',
	mass          REAL NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL,
	no_summary    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_chunks_file ON chunks(file);
CREATE INDEX IF NOT EXISTS idx_chunks_chamber ON chunks(chamber);
CREATE INDEX IF NOT EXISTS idx_chunks_last_access ON chunks(last_access);
CREATE TABLE IF NOT EXISTS tags (
	chunk_id TEXT NOT NULL,
	tag      TEXT NOT NULL,
	PRIMARY KEY (chunk_id, tag)
);
CREATE INDEX IF NOT EXISTS idx_tags_tag ON tags(tag);
CREATE TABLE IF NOT EXISTS mirror_links (
	event_id TEXT NOT NULL,
	chunk_id TEXT NOT NULL,
	kind     TEXT NOT NULL,
	PRIMARY KEY (event_id, kind)
);
CREATE INDEX IF NOT EXISTS idx_mirror_chunk ON mirror_links(chunk_id);
`

// ErrCorrupted is returned when the database is readable but its schema
// does not match what this binary expects and cannot be safely used.
var ErrCorrupted = errors.New("nautilus: store corrupted or unsupported schema")

// Store is a handle on an open gravity.db.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path, sets WAL
// mode, and ensures the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("nautilus/store: open %q: %w", path, err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("nautilus/store: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("nautilus/store: enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("nautilus/store: apply schema: %w", err)
	}

	s := &Store{db: db}
	if err := s.checkSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) checkSchema() error {
	var value string
	err := s.db.QueryRow(`SELECT value FROM schema_meta WHERE key = 'version'`).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		_, err := s.db.Exec(`INSERT INTO schema_meta (key, value) VALUES ('version', ?)`, fmt.Sprint(schemaVersion))
		return err
	}
	if err != nil {
		return fmt.Errorf("nautilus/store: read schema_meta: %w", err)
	}
	if value != fmt.Sprint(schemaVersion) {
		return fmt.Errorf("%w: on-disk schema %s, binary expects %d (delete gravity.db and rebuild from source files)",
			ErrCorrupted, value, schemaVersion)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// retryBackoff runs fn, retrying on SQLITE_BUSY-shaped errors up to 3
// attempts total with a 100ms base doubling backoff.
func retryBackoff(fn func() error) error {
	const attempts = 3
	delay := 100 * time.Millisecond
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !strings.Contains(strings.ToLower(err.Error()), "busy") && !strings.Contains(strings.ToLower(err.Error()), "locked") {
			return err
		}
		if i < attempts-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}

// Upsert inserts or replaces c, used by record_access and nightly
// maintenance's register/classify/tag/decay/promote steps.
func (s *Store) Upsert(c *gravity.Chunk) error {
	return retryBackoff(func() error {
		_, err := s.db.Exec(`
			INSERT INTO chunks (chunk_id, file, offset, length, last_access, access_count, authority, superseded_by, chamber, mirror_kind, mass, created_at, no_summary)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(chunk_id) DO UPDATE SET
				last_access=excluded.last_access,
				access_count=excluded.access_count,
				authority=excluded.authority,
				superseded_by=excluded.superseded_by,
				chamber=excluded.chamber,
				mirror_kind=excluded.mirror_kind,
				mass=excluded.mass,
				no_summary=excluded.no_summary`,
			c.ChunkID, c.File, c.Offset, c.Length, c.LastAccess.UTC().Format(time.RFC3339Nano),
			c.AccessCount, boolToInt(c.Authority), c.SupersededBy, c.Chamber.String(), string(c.MirrorKind),
			c.Mass, c.CreatedAt.UTC().Format(time.RFC3339Nano), boolToInt(c.NoSummary))
		return err
	})
}

// Get loads a single chunk by id, or (nil, nil) if not found.
func (s *Store) Get(chunkID string) (*gravity.Chunk, error) {
	row := s.db.QueryRow(`SELECT chunk_id, file, offset, length, last_access, access_count, authority, superseded_by, chamber, mirror_kind, mass, created_at, no_summary FROM chunks WHERE chunk_id = ?`, chunkID)
	c, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// ListModifiedSince returns every chunk whose file was touched at or
// after since — the candidate set for nightly maintenance step 1.
func (s *Store) ListModifiedSince(since time.Time) ([]*gravity.Chunk, error) {
	rows, err := s.db.Query(`SELECT chunk_id, file, offset, length, last_access, access_count, authority, superseded_by, chamber, mirror_kind, mass, created_at, no_summary FROM chunks WHERE last_access >= ?`, since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*gravity.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListAll returns every non-superseded chunk, the candidate pool for
// search's base retrieval stage.
func (s *Store) ListAll() ([]*gravity.Chunk, error) {
	rows, err := s.db.Query(`SELECT chunk_id, file, offset, length, last_access, access_count, authority, superseded_by, chamber, mirror_kind, mass, created_at, no_summary FROM chunks WHERE superseded_by = ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*gravity.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetTags replaces the tag set for chunkID.
func (s *Store) SetTags(chunkID string, tags []string) error {
	return retryBackoff(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM tags WHERE chunk_id = ?`, chunkID); err != nil {
			tx.Rollback()
			return err
		}
		for _, t := range tags {
			if _, err := tx.Exec(`INSERT OR IGNORE INTO tags (chunk_id, tag) VALUES (?, ?)`, chunkID, t); err != nil {
				tx.Rollback()
				return err
			}
		}
		return tx.Commit()
	})
}

// Tags returns the context tags assigned to chunkID.
func (s *Store) Tags(chunkID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT tag FROM tags WHERE chunk_id = ?`, chunkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tags []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// LinkMirror associates chunkID with eventID under kind, used to build
// and query raw/summary/lesson groupings.
func (s *Store) LinkMirror(eventID, chunkID string, kind gravity.MirrorKind) error {
	return retryBackoff(func() error {
		_, err := s.db.Exec(`INSERT OR REPLACE INTO mirror_links (event_id, chunk_id, kind) VALUES (?, ?, ?)`, eventID, chunkID, string(kind))
		return err
	})
}

// MirrorGroup returns every chunk_id linked to eventID, keyed by kind.
func (s *Store) MirrorGroup(eventID string) (map[gravity.MirrorKind]string, error) {
	rows, err := s.db.Query(`SELECT kind, chunk_id FROM mirror_links WHERE event_id = ?`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[gravity.MirrorKind]string)
	for rows.Next() {
		var kind, chunkID string
		if err := rows.Scan(&kind, &chunkID); err != nil {
			return nil, err
		}
		out[gravity.MirrorKind(kind)] = chunkID
	}
	return out, rows.Err()
}

// EventIDFor resolves chunkID back to the event_id its mirror group is
// keyed on, implementing mirrors.EventResolver. Returns ("", false) if
// chunkID has no mirror link.
func (s *Store) EventIDFor(chunkID string) (string, bool) {
	var eventID string
	err := s.db.QueryRow(`SELECT event_id FROM mirror_links WHERE chunk_id = ? LIMIT 1`, chunkID).Scan(&eventID)
	if err != nil {
		return "", false
	}
	return eventID, true
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunk(row rowScanner) (*gravity.Chunk, error) {
	var c gravity.Chunk
	var lastAccess, createdAt, chamber, mirrorKind string
	var authority, noSummary int
	if err := row.Scan(&c.ChunkID, &c.File, &c.Offset, &c.Length, &lastAccess, &c.AccessCount, &authority, &c.SupersededBy, &chamber, &mirrorKind, &c.Mass, &createdAt, &noSummary); err != nil {
		return nil, err
	}
	c.LastAccess, _ = time.Parse(time.RFC3339Nano, lastAccess)
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	c.Authority = authority != 0
	c.NoSummary = noSummary != 0
	c.MirrorKind = gravity.MirrorKind(mirrorKind)
	switch chamber {
	case "atrium":
		c.Chamber = gravity.ChamberAtrium
	case "corridor":
		c.Chamber = gravity.ChamberCorridor
	case "vault":
		c.Chamber = gravity.ChamberVault
	default:
		c.Chamber = gravity.ChamberUnknown
	}
	return &c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
