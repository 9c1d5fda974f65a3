// Package satisfaction implements satisfy(), the sole operation that
// reduces a drive's pressure (spec.md §4.2). It composes internal/drive
// (pressure/valence mutation) with internal/ledger (the append-only
// commit point and dedup index).
package satisfaction

import (
	"fmt"
	"time"

	"github.com/emergence-agent/emergence/internal/drive"
	"github.com/emergence-agent/emergence/internal/ledger"
)

// Depth is a satisfaction depth, mapping to a fraction of current
// pressure relieved.
type Depth string

const (
	DepthLight    Depth = "light"
	DepthModerate Depth = "moderate"
	DepthDeep     Depth = "deep"
	DepthFull     Depth = "full"
)

// fractions maps each depth to the fraction of current pressure it
// relieves (spec §4.2).
var fractions = map[Depth]float64{
	DepthLight:    0.30,
	DepthModerate: 0.60,
	DepthDeep:     0.90,
	DepthFull:     1.00,
}

// ValidDepth reports whether d is one of the four recognized depths.
func ValidDepth(d Depth) bool {
	_, ok := fractions[d]
	return ok
}

// Request is the input to Satisfy.
type Request struct {
	Drive      string
	Depth      Depth // empty string triggers auto-scaling
	Reason     string
	SessionRef string
	SessionKey string
	Now        time.Time

	// RawFraction, when non-zero, overrides the depth-to-fraction
	// lookup with an explicit pressure-reduction fraction in (0, 1].
	// Used by internal/ingest for the "small fractional reduction
	// proportional to artifact length, bounded to light depth" path
	// (spec §4.5), where the reduction is continuous rather than one
	// of the four named depths. DepthUsed is still reported as
	// DepthLight in the Result for ledger/event-type consistency.
	RawFraction float64

	// Graduation holds the aspect-graduation thresholds (spec.md §9,
	// SPEC_FULL.md §13); its zero value disables graduation evaluation
	// for this call.
	Graduation drive.GraduationConfig
}

// Result reports what Satisfy did.
type Result struct {
	Applied       bool // false when this was a dedup no-op
	DepthUsed     Depth
	PressureBefore float64
	PressureAfter  float64

	// GraduatedAspects lists aspects that crossed the graduation
	// criteria on this call, already appended to the ledger.
	GraduatedAspects []string
}

// Satisfy applies req to d, appends the corresponding event to l, and
// updates idx's dedup index. It is the only path by which pressure may
// decrease (other than an explicit manual Adjust).
//
// Ordering matches spec §4.2: the ledger append is the commit point.
// Satisfy appends first, then mutates d; if the process crashes between
// those two steps, the drive's runtime state is reconciled from the
// ledger on next startup (see internal/ledger Replay / internal/ledger
// Index.Rebuild), so the append-then-mutate order never loses a
// satisfaction even though it can momentarily leave d stale on disk.
func Satisfy(d *drive.Drive, idx *ledger.Index, l *ledger.Ledger, req Request) (Result, error) {
	if req.Now.IsZero() {
		req.Now = time.Now().UTC()
	}

	if req.Now.Before(d.CooldownUntil) {
		return Result{}, fmt.Errorf("%w: %s until %s", drive.ErrOnCooldown, d.Name, d.CooldownUntil)
	}

	seen, err := idx.SeenSatisfaction(d.Name, req.SessionRef)
	if err != nil {
		return Result{}, fmt.Errorf("satisfaction: dedup check: %w", err)
	}
	if seen {
		if err := l.Append(ledger.Event{
			Type:       ledger.EventSatisfaction,
			Timestamp:  req.Now,
			Drive:      d.Name,
			SessionRef: req.SessionRef,
			SessionKey: req.SessionKey,
			Dedup:      true,
		}); err != nil {
			return Result{}, fmt.Errorf("%w: %v", drive.ErrLedgerAppendFailed, err)
		}
		return Result{Applied: false}, nil
	}

	depth := req.Depth
	fraction := 0.0
	switch {
	case req.RawFraction > 0:
		depth = DepthLight
		fraction = req.RawFraction
		if fraction > fractions[DepthLight] {
			fraction = fractions[DepthLight] // bounded to light depth, per spec §4.5
		}
	case depth == "":
		depth = autoScale(d)
		fraction = fractions[depth]
	default:
		if !ValidDepth(depth) {
			return Result{}, fmt.Errorf("%w: %q", drive.ErrInvalidDepth, depth)
		}
		fraction = fractions[depth]
	}

	if err := l.Append(ledger.Event{
		Type:       ledger.EventSatisfaction,
		Timestamp:  req.Now,
		Drive:      d.Name,
		Depth:      string(depth),
		Reason:     req.Reason,
		SessionRef: req.SessionRef,
		SessionKey: req.SessionKey,
	}); err != nil {
		return Result{}, fmt.Errorf("%w: %v", drive.ErrLedgerAppendFailed, err)
	}
	if err := idx.MarkSatisfaction(d.Name, req.SessionRef); err != nil {
		return Result{}, fmt.Errorf("satisfaction: mark dedup: %w", err)
	}

	before := d.Pressure
	d.Pressure -= before * fraction
	if d.Pressure < 0 {
		d.Pressure = 0
	}
	d.ThwartingCount = 0
	cooldown := time.Duration(0)
	if d.CooldownMinutes > 0 {
		cooldown = time.Duration(d.CooldownMinutes) * time.Minute
	}
	d.CooldownUntil = req.Now.Add(cooldown)
	d.RecomputeDerived()

	graduated := d.EvaluateGraduation(req.Graduation, req.Now)
	for _, aspect := range graduated {
		if err := l.Append(ledger.Event{
			Type:      ledger.EventAspectGraduated,
			Timestamp: req.Now,
			Drive:     d.Name,
			Aspect:    aspect,
		}); err != nil {
			return Result{}, fmt.Errorf("%w: %v", drive.ErrLedgerAppendFailed, err)
		}
	}

	return Result{
		Applied:          true,
		DepthUsed:        depth,
		PressureBefore:   before,
		PressureAfter:    d.Pressure,
		GraduatedAspects: graduated,
	}, nil
}

// autoScale picks the smallest depth that brings pressure below
// threshold*0.30, defaulting to moderate if current pressure is at or
// above threshold (spec §4.2 "Depth auto-scaling").
func autoScale(d *drive.Drive) Depth {
	target := d.Threshold * 0.30
	for _, depth := range []Depth{DepthLight, DepthModerate, DepthDeep, DepthFull} {
		if d.Pressure-d.Pressure*fractions[depth] < target {
			if d.Pressure >= d.Threshold && depth == DepthLight {
				continue // light alone cannot be trusted to recover from at/above threshold
			}
			return depth
		}
	}
	return DepthFull
}
