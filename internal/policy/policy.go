// Package policy decides what the engine does with a tick's drive
// states: spawn a session, notify an operator, or hold (spec.md §4.3).
//
// Two modes:
//   - Auto: every triggered-or-worse drive past cooldown gets a Spawn.
//   - Choice: the engine never spawns on its own; it emits a Notify
//     summary instead, ordered by descending status then pressure ratio.
//
// The emergency valve runs in both modes and can force a Spawn even in
// choice mode — the one exception to "choice never spawns".
package policy

import (
	"sort"
	"time"

	"github.com/emergence-agent/emergence/internal/drive"
)

// Mode is the configured spawn policy.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeChoice Mode = "choice"
)

// DecisionKind tags the variant carried by a Decision (spec §9 "tagged
// variants").
type DecisionKind string

const (
	KindSpawn           DecisionKind = "spawn"
	KindNotify          DecisionKind = "notify"
	KindEmergencySpawn  DecisionKind = "emergency_spawn"
)

// Decision is the outcome of evaluating one drive on one tick.
type Decision struct {
	Kind        DecisionKind
	Drive       string
	TieBreak    float64
	Status      drive.Status
	PressureRatio float64
}

// Evaluate inspects all drives for one tick and returns the decisions to
// act on. now is the tick time used for cooldown and emergency-cooldown
// comparisons.
//
// Auto mode: one Spawn per eligible drive (triggered-or-worse, past
// cooldown). Choice mode: drives eligible to notify are collected into
// Notify decisions, sorted by descending status then descending
// pressure ratio, as spec §4.3 requires.
//
// Regardless of mode, any drive that has reached emergency and is past
// its emergency cooldown produces an EmergencySpawn decision instead of
// whatever its mode would otherwise produce — spec's "emergency valve
// active in both modes".
func Evaluate(mode Mode, now time.Time, emergencyCooldownHours float64, drives []*drive.Drive) []Decision {
	var decisions []Decision
	var notifyCandidates []*drive.Drive

	for _, d := range drives {
		if d.Latent {
			continue
		}

		if d.Status == drive.StatusEmergency {
			cooldown := time.Duration(emergencyCooldownHours * float64(time.Hour))
			if now.Sub(d.LastEmergencySpawn) >= cooldown {
				decisions = append(decisions, Decision{
					Kind:          KindEmergencySpawn,
					Drive:         d.Name,
					TieBreak:      d.TieBreakScore(),
					Status:        d.Status,
					PressureRatio: d.Ratio(),
				})
				d.LastEmergencySpawn = now
				continue
			}
		}

		if !d.Status.AtLeastTriggered() {
			continue
		}
		if now.Before(d.CooldownUntil) {
			continue
		}

		switch mode {
		case ModeAuto:
			decisions = append(decisions, Decision{
				Kind:          KindSpawn,
				Drive:         d.Name,
				TieBreak:      d.TieBreakScore(),
				Status:        d.Status,
				PressureRatio: d.Ratio(),
			})
		case ModeChoice:
			notifyCandidates = append(notifyCandidates, d)
		}
	}

	if len(notifyCandidates) > 0 {
		sort.SliceStable(notifyCandidates, func(i, j int) bool {
			if notifyCandidates[i].Status != notifyCandidates[j].Status {
				return notifyCandidates[i].Status > notifyCandidates[j].Status
			}
			return notifyCandidates[i].Ratio() > notifyCandidates[j].Ratio()
		})
		for _, d := range notifyCandidates {
			decisions = append(decisions, Decision{
				Kind:          KindNotify,
				Drive:         d.Name,
				TieBreak:      d.TieBreakScore(),
				Status:        d.Status,
				PressureRatio: d.Ratio(),
			})
		}
	}

	return decisions
}

// Winner picks the single highest-priority decision among simultaneous
// Spawn/EmergencySpawn candidates, per the tie-break rule in spec §4.1:
// the drive with the higher (pressure-threshold)/threshold wins.
func Winner(decisions []Decision) (Decision, bool) {
	var best Decision
	found := false
	for _, dec := range decisions {
		if dec.Kind == KindNotify {
			continue
		}
		if !found || dec.TieBreak > best.TieBreak {
			best = dec
			found = true
		}
	}
	return best, found
}

// ResponseKind is the external entity's reply in choice mode (spec §4.3
// "Recognize/Engage/Defer").
type ResponseKind string

const (
	ResponseRecognize ResponseKind = "recognize"
	ResponseEngage    ResponseKind = "engage"
	ResponseDefer     ResponseKind = "defer"
)

// ChronicDeferralThreshold is N in spec §4.3's "≥ N consecutive defers for
// the same drive" chronic-deferral hint.
const ChronicDeferralThreshold = 3

// DeferralTracker counts consecutive defers per drive, in-memory only,
// to surface "chronic deferral" hints once a configured threshold is
// reached (spec §4.3). It is intentionally not persisted: a restart
// resets deferral streaks, the same way the teacher's in-memory
// MemRegistry state does not survive a process restart.
type DeferralTracker struct {
	counts map[string]int
}

// NewDeferralTracker returns an empty tracker.
func NewDeferralTracker() *DeferralTracker {
	return &DeferralTracker{counts: make(map[string]int)}
}

// RecordDefer increments driveName's streak and returns the new count.
func (t *DeferralTracker) RecordDefer(driveName string) int {
	t.counts[driveName]++
	return t.counts[driveName]
}

// ResetDefer clears driveName's streak, called on Recognize or Engage.
func (t *DeferralTracker) ResetDefer(driveName string) {
	delete(t.counts, driveName)
}

// IsChronic reports whether driveName's current streak is at or past
// threshold.
func (t *DeferralTracker) IsChronic(driveName string, threshold int) bool {
	return t.counts[driveName] >= threshold
}
