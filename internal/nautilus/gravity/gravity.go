// Package gravity implements the Nautilus gravity chunk: identity, mass
// formula, and the operations (record_access, supersede, decay, rank)
// spec.md §4.6 names as a "design contract, not code" — this is the Go
// expression of that contract.
package gravity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"time"
)

// Chamber is the temporal tier a chunk has been promoted into.
type Chamber uint8

const (
	ChamberUnknown Chamber = iota
	ChamberAtrium
	ChamberCorridor
	ChamberVault
)

func (c Chamber) String() string {
	switch c {
	case ChamberAtrium:
		return "atrium"
	case ChamberCorridor:
		return "corridor"
	case ChamberVault:
		return "vault"
	default:
		return "unknown"
	}
}

// AtLeast reports whether c has been promoted to at least other, using
// the fixed ordering unknown < atrium < corridor < vault.
func (c Chamber) AtLeast(other Chamber) bool { return c >= other }

// MirrorKind is the granularity a chunk represents within a mirror link.
type MirrorKind string

const (
	MirrorRaw     MirrorKind = "raw"
	MirrorSummary MirrorKind = "summary"
	MirrorLesson  MirrorKind = "lesson"
)

// Chunk is a single gravity-scored memory unit.
type Chunk struct {
	ChunkID      string
	File         string
	Offset       int64
	Length       int
	LastAccess   time.Time
	AccessCount  int
	Authority    bool
	SupersededBy string // empty if not superseded
	Chamber      Chamber
	ContextTags  []string
	MirrorKind   MirrorKind
	Mass         float64
	CreatedAt    time.Time
	NoSummary    bool // true when a vault summary chunk's summarizer attempt failed (spec §4.7)
}

// ChunkID derives the content-addressed identity of a chunk from its
// file path and offset range, per spec §3 "content-addressed chunk_id
// over (file-path + offset range)".
func ChunkID(file string, offset int64, length int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d", file, offset, length)))
	return hex.EncodeToString(sum[:16])
}

// Params holds the tunable coefficients of the mass formula, sourced
// from config.NautilusConfig.
type Params struct {
	MassCap             float64
	RecencyHalfLifeDays float64
	AuthorityBoost      float64
	AgePenaltyPerDay    float64
}

// RecencyFactor is a monotone exponential decay of last_access age,
// halving every RecencyHalfLifeDays.
func (p Params) RecencyFactor(lastAccess, now time.Time) float64 {
	if p.RecencyHalfLifeDays <= 0 {
		return 1
	}
	ageDays := now.Sub(lastAccess).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Pow(0.5, ageDays/p.RecencyHalfLifeDays)
}

// AgePenalty rises linearly with a chunk's total age since creation.
func (p Params) AgePenalty(createdAt, now time.Time) float64 {
	ageDays := now.Sub(createdAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return p.AgePenaltyPerDay * ageDays
}

// Mass computes the chunk's current mass per spec §3's formula:
//
//	mass = clamp((access_count+1)·recency_factor + authority_boost·𝟙[authority] - age_penalty, 0, mass_cap)
func Mass(c Chunk, p Params, now time.Time) float64 {
	m := float64(c.AccessCount+1)*p.RecencyFactor(c.LastAccess, now) - p.AgePenalty(c.CreatedAt, now)
	if c.Authority {
		m += p.AuthorityBoost
	}
	if m < 0 {
		m = 0
	}
	if p.MassCap > 0 && m > p.MassCap {
		m = p.MassCap
	}
	return m
}

// RecordAccess applies one access to c: bumps access_count, refreshes
// last_access, and recomputes mass. A superseded chunk may still record
// history but never re-enters search (callers must check SupersededBy).
func RecordAccess(c *Chunk, now time.Time, p Params) {
	c.AccessCount++
	c.LastAccess = now
	c.Mass = Mass(*c, p, now)
}

// Supersede marks old as superseded by new. old retains its mass for
// history; Rank drops it from search candidates.
func Supersede(old *Chunk, newChunkID string) {
	old.SupersededBy = newChunkID
}

// Decay recomputes mass for every chunk in chunks against now, enforcing
// mass_cap. Returns the number of chunks whose mass changed.
func Decay(chunks []*Chunk, p Params, now time.Time) int {
	changed := 0
	for _, c := range chunks {
		next := Mass(*c, p, now)
		if next != c.Mass {
			c.Mass = next
			changed++
		}
	}
	return changed
}

// Scored is a search candidate paired with its pre-gravity relevance
// score, the input to Rank.
type Scored struct {
	Chunk     *Chunk
	BaseScore float64
}

// Rank re-orders candidates by BaseScore weighted by mass, excluding
// superseded chunks (spec §3: "a superseded chunk ... never contributes
// to search results"). Ranking is stable for ties on the combined score.
func Rank(candidates []Scored) []Scored {
	out := make([]Scored, 0, len(candidates))
	for _, sc := range candidates {
		if sc.Chunk.SupersededBy != "" {
			continue
		}
		out = append(out, sc)
	}
	weight := func(sc Scored) float64 { return sc.BaseScore * (1 + sc.Chunk.Mass) }
	for i := 1; i < len(out); i++ {
		j := i
		for j > 0 && weight(out[j]) > weight(out[j-1]) {
			out[j], out[j-1] = out[j-1], out[j]
			j--
		}
	}
	return out
}
