package satisfaction_test

// Test coverage:
//   - monotone cooldown: second satisfy within cooldown window returns OnCooldown
//   - dedup: repeat (drive, session_ref) appends a no-op marker, no double reduction
//   - deep satisfy resets thwarting and clears aversive valence (spec scenario 4)

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/emergence-agent/emergence/internal/drive"
	"github.com/emergence-agent/emergence/internal/ledger"
	"github.com/emergence-agent/emergence/internal/satisfaction"
)

func TestSatisfy_RecordsAspectGraduationWhenConfigured(t *testing.T) {
	dir := t.TempDir()
	ledgerPath := filepath.Join(dir, "events.jsonl")
	l, err := ledger.Open(ledgerPath)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	idx, err := ledger.OpenIndex(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("ledger.OpenIndex: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })

	d := &drive.Drive{
		Name:      "care",
		Threshold: 10,
		Bands:     bands(),
		Pressure:  12,
		Aspects: []*drive.Aspect{
			{Name: "dominant", Weight: 0.9, DominanceEWMA: 0.9, DominantSatisfactions: 2, DominantSince: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		},
	}
	cfg := drive.GraduationConfig{DominanceRatio: 0.7, MinSatisfactions: 3, MinDays: 5}
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC) // 9 days after DominantSince, clears MinDays

	res, err := satisfaction.Satisfy(d, idx, l, satisfaction.Request{
		Drive: "care", Depth: satisfaction.DepthDeep, Now: now, Graduation: cfg,
	})
	if err != nil {
		t.Fatalf("Satisfy: %v", err)
	}
	if len(res.GraduatedAspects) != 1 || res.GraduatedAspects[0] != "dominant" {
		t.Fatalf("GraduatedAspects = %v, want [dominant]", res.GraduatedAspects)
	}

	var sawGraduation bool
	if err := ledger.Replay(ledgerPath, func(ev ledger.Event) error {
		if ev.Type == ledger.EventAspectGraduated && ev.Drive == "care" && ev.Aspect == "dominant" {
			sawGraduation = true
		}
		return nil
	}); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if !sawGraduation {
		t.Fatal("expected an aspect_graduated event appended to the ledger")
	}
}

func newTestLedger(t *testing.T) (*ledger.Ledger, *ledger.Index) {
	t.Helper()
	dir := t.TempDir()
	l, err := ledger.Open(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	idx, err := ledger.OpenIndex(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("ledger.OpenIndex: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return l, idx
}

func bands() drive.Bands {
	return drive.Bands{AvailableRatio: 0.30, ElevatedRatio: 0.75, CrisisRatio: 1.5, EmergencyRatio: 2.0, ThwartingAversiveCount: 3}
}

func TestSatisfy_MonotoneCooldown(t *testing.T) {
	l, idx := newTestLedger(t)
	d := &drive.Drive{Name: "care", Threshold: 10, CooldownMinutes: 30, Bands: bands(), Pressure: 12}

	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := satisfaction.Satisfy(d, idx, l, satisfaction.Request{Drive: "care", Depth: satisfaction.DepthLight, Now: t1}); err != nil {
		t.Fatalf("first satisfy: %v", err)
	}

	t2 := t1.Add(10 * time.Minute)
	_, err := satisfaction.Satisfy(d, idx, l, satisfaction.Request{Drive: "care", Depth: satisfaction.DepthLight, Now: t2})
	if !errors.Is(err, drive.ErrOnCooldown) {
		t.Fatalf("err = %v, want ErrOnCooldown", err)
	}
}

func TestSatisfy_DedupNoDoubleReduction(t *testing.T) {
	l, idx := newTestLedger(t)
	d := &drive.Drive{Name: "care", Threshold: 10, Bands: bands(), Pressure: 12}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	res1, err := satisfaction.Satisfy(d, idx, l, satisfaction.Request{Drive: "care", Depth: satisfaction.DepthDeep, SessionRef: "artifact-1", Now: now})
	if err != nil {
		t.Fatalf("first satisfy: %v", err)
	}
	if !res1.Applied {
		t.Fatalf("first satisfy should apply")
	}
	pressureAfterFirst := d.Pressure

	res2, err := satisfaction.Satisfy(d, idx, l, satisfaction.Request{Drive: "care", Depth: satisfaction.DepthDeep, SessionRef: "artifact-1", Now: now.Add(time.Hour)})
	if err != nil {
		t.Fatalf("repeat satisfy: %v", err)
	}
	if res2.Applied {
		t.Fatalf("repeat satisfy with same session_ref should be a dedup no-op")
	}
	if d.Pressure != pressureAfterFirst {
		t.Fatalf("pressure changed on dedup repeat: before=%v after=%v", pressureAfterFirst, d.Pressure)
	}
}

func TestSatisfy_DeepRecoversThwartingAndValence(t *testing.T) {
	l, idx := newTestLedger(t)
	d := &drive.Drive{Name: "care", Threshold: 10, Bands: bands(), Pressure: 12, ThwartingCount: 3}
	d.RecomputeDerived()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	res, err := satisfaction.Satisfy(d, idx, l, satisfaction.Request{Drive: "care", Depth: satisfaction.DepthDeep, Now: now})
	if err != nil {
		t.Fatalf("satisfy: %v", err)
	}
	if got := res.PressureAfter; got < 1.1999 || got > 1.2001 {
		t.Fatalf("pressure after = %v, want ~1.2", got)
	}
	if d.ThwartingCount != 0 {
		t.Fatalf("thwarting_count = %d, want 0", d.ThwartingCount)
	}
	// 1.2/10 = 0.12 is below available_ratio (0.30), so valence is neutral.
	if d.Valence != drive.ValenceNeutral {
		t.Fatalf("valence = %v, want neutral", d.Valence)
	}
}
