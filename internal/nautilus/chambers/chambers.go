// Package chambers implements chamber classification and promotion
// (spec.md §4.7): each chunk's temporal tier is a function of age and
// mass, promotion is monotonic, and a corridor→vault promotion triggers
// optional summarization.
//
// The monotonic-advance-only shape mirrors the teacher's escalation
// state machine (a process only escalates toward worse states on
// pressure, never silently regresses except via explicit satisfy) —
// here promotion only ever advances atrium → corridor → vault.
package chambers

import (
	"time"

	"github.com/emergence-agent/emergence/internal/nautilus/gravity"
)

// Config holds the tunable ages and thresholds governing promotion.
type Config struct {
	AtriumMaxAge             time.Duration
	AtriumToCorridorAccesses int // early promotion when accesses accumulate faster than age
	CorridorMaxAge           time.Duration
	VaultMassThreshold       float64
}

// DefaultConfig returns spec.md §4.7's stated defaults.
func DefaultConfig() Config {
	return Config{
		AtriumMaxAge:             48 * time.Hour,
		AtriumToCorridorAccesses: 3,
		CorridorMaxAge:           7 * 24 * time.Hour,
		VaultMassThreshold:       5.0,
	}
}

// Classify returns the chamber c.Chamber should advance to given its
// current age, access count, and mass, or c.Chamber unchanged if no
// promotion applies. Promotion is monotonic: Classify never returns a
// chamber lower than c.Chamber already holds.
func Classify(c *gravity.Chunk, cfg Config, now time.Time) gravity.Chamber {
	age := now.Sub(c.CreatedAt)

	target := c.Chamber
	switch {
	case c.Chamber == gravity.ChamberVault:
		return gravity.ChamberVault
	case c.Chamber == gravity.ChamberCorridor && (age > cfg.CorridorMaxAge || c.Mass >= cfg.VaultMassThreshold):
		target = gravity.ChamberVault
	case c.Chamber == gravity.ChamberAtrium && (age > cfg.AtriumMaxAge || c.AccessCount >= cfg.AtriumToCorridorAccesses):
		target = gravity.ChamberCorridor
	case c.Chamber == gravity.ChamberUnknown:
		if age <= cfg.AtriumMaxAge {
			target = gravity.ChamberAtrium
		} else {
			target = gravity.ChamberCorridor
		}
	}
	if target < c.Chamber {
		return c.Chamber
	}
	return target
}

// Promotion describes a single chunk's chamber advance, the unit
// reported by maintenance step 5 and by observability's
// ChamberPromotionsTotal counter.
type Promotion struct {
	ChunkID      string
	From         gravity.Chamber
	To           gravity.Chamber
	NeedsSummary bool // true on corridor→vault, per spec §4.7
}

// Promote applies Classify to c and returns the Promotion describing the
// change, or nil if c did not advance.
func Promote(c *gravity.Chunk, cfg Config, now time.Time) *Promotion {
	next := Classify(c, cfg, now)
	if next == c.Chamber {
		return nil
	}
	p := &Promotion{ChunkID: c.ChunkID, From: c.Chamber, To: next, NeedsSummary: c.Chamber == gravity.ChamberCorridor && next == gravity.ChamberVault}
	c.Chamber = next
	return p
}

// SummaryChunk builds the summary chunk produced by a corridor→vault
// promotion: it inherits half of source's mass (spec §4.7). Linking it
// as a mirror of source is done by the maintenance pipeline, not here.
func SummaryChunk(source *gravity.Chunk, summaryChunkID string, now time.Time) gravity.Chunk {
	return gravity.Chunk{
		ChunkID:     summaryChunkID,
		File:        source.File,
		LastAccess:  now,
		AccessCount: 0,
		Chamber:     gravity.ChamberVault,
		MirrorKind:  gravity.MirrorSummary,
		Mass:        source.Mass / 2,
		CreatedAt:   now,
	}
}
