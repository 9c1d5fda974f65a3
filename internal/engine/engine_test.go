package engine_test

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/emergence-agent/emergence/internal/config"
	"github.com/emergence-agent/emergence/internal/drive"
	"github.com/emergence-agent/emergence/internal/engine"
	"github.com/emergence-agent/emergence/internal/ingest"
	"github.com/emergence-agent/emergence/internal/ledger"
	"github.com/emergence-agent/emergence/internal/observability"
	"github.com/emergence-agent/emergence/internal/runtimestate"
	"github.com/emergence-agent/emergence/internal/session"
)

type noopReader struct{}

func (noopReader) Read(path string) (ingest.ArtifactHeader, []ingest.DiscoveredDrive, error) {
	panic("not used in these tests")
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Drives = map[string]config.DriveConfig{
		"curiosity": {AccumulationMode: "time", Rate: 1.0, Threshold: 10, Valence: "appetitive"},
		"rest":      {AccumulationMode: "time", Rate: 0.5, Threshold: 20, Valence: "neutral"},
	}
	cfg.Policy.Mode = "auto"
	return &cfg
}

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	dir := t.TempDir()
	cfg := testConfig()

	state, err := runtimestate.Load(filepath.Join(dir, "runtime-state.json"))
	if err != nil {
		t.Fatalf("runtimestate.Load: %v", err)
	}
	drives := engine.BuildDrives(cfg, state)

	l, err := ledger.Open(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	idx, err := ledger.OpenIndex(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("ledger.OpenIndex: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	sessions := session.NewTracker(l, idx, cfg.Session.TimeoutMinutes)
	ingestor := ingest.NewIngestor(noopReader{}, l, idx, 8, nil, drive.GraduationConfig{})
	metrics := observability.NewMetrics()
	writer := runtimestate.NewWriter(filepath.Join(dir, "runtime-state.json"))

	return engine.New(cfg, drives, l, idx, sessions, ingestor, metrics, writer, zap.NewNop())
}

func TestBuildDrives_AppliesRuntimeStateAndReconciles(t *testing.T) {
	cfg := testConfig()
	state := &runtimestate.State{Drives: map[string]runtimestate.DriveState{
		"curiosity": {Pressure: 4.0, ThwartingCount: 2},
		"forgotten": {Pressure: 99},
	}}
	drives := engine.BuildDrives(cfg, state)

	if drives["curiosity"].Pressure != 4.0 {
		t.Fatalf("curiosity pressure = %v, want 4.0 restored from runtime state", drives["curiosity"].Pressure)
	}
	if _, ok := drives["forgotten"]; ok {
		t.Fatal("expected drive absent from config to be dropped, not carried over")
	}
	if _, ok := drives["rest"]; !ok {
		t.Fatal("expected rest drive present with defaults")
	}
}

func TestTick_AccumulatesPressureOverElapsedTime(t *testing.T) {
	e := newEngine(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := e.Tick(now); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	snap, ok := e.Snapshot("curiosity")
	if !ok {
		t.Fatal("expected curiosity snapshot after tick")
	}
	first := snap.Pressure

	later := now.Add(5 * time.Second)
	if err := e.Tick(later); err != nil {
		t.Fatalf("Tick (2): %v", err)
	}
	snap, _ = e.Snapshot("curiosity")
	if snap.Pressure <= first {
		t.Fatalf("expected pressure to have increased further, got %v after %v", snap.Pressure, first)
	}
}

func TestTick_AutoModeTriggersOnceThresholdCrossed(t *testing.T) {
	e := newEngine(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := e.Tick(now); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	// curiosity accumulates at rate 1.0/h with threshold 10, and a single
	// tick's Δt is capped at MaxCatchUpWindow (1h); twelve hourly ticks
	// bring it to 12, past the threshold.
	for i := 1; i <= 12; i++ {
		if err := e.Tick(now.Add(time.Duration(i) * time.Hour)); err != nil {
			t.Fatalf("Tick (%d): %v", i, err)
		}
	}
	snap, ok := e.Snapshot("curiosity")
	if !ok {
		t.Fatal("expected a curiosity snapshot")
	}
	if snap.Status != "triggered" && snap.Status != "crisis" && snap.Status != "emergency" {
		t.Fatalf("expected curiosity to have crossed its trigger threshold, got status %q", snap.Status)
	}
}

func TestAdjust_UnknownDriveErrors(t *testing.T) {
	e := newEngine(t)
	if _, err := e.Adjust("does-not-exist", 1.0); err == nil {
		t.Fatal("expected error adjusting an unknown drive")
	}
}

func TestAdjust_NudgesPressureAndUpdatesSnapshot(t *testing.T) {
	e := newEngine(t)
	pressure, err := e.Adjust("rest", 3.0)
	if err != nil {
		t.Fatalf("Adjust: %v", err)
	}
	if pressure != 3.0 {
		t.Fatalf("Adjust returned %v, want 3.0", pressure)
	}
	snap, ok := e.Snapshot("rest")
	if !ok || snap.Pressure != 3.0 {
		t.Fatalf("Snapshot after Adjust = %+v, %v", snap, ok)
	}
}

func TestSatisfy_AppliesAndDedups(t *testing.T) {
	e := newEngine(t)
	if _, err := e.Adjust("curiosity", 8.0); err != nil {
		t.Fatalf("Adjust: %v", err)
	}

	applied, pressure, err := e.Satisfy("curiosity", "deep", "manual", "op-session-1")
	if err != nil {
		t.Fatalf("Satisfy: %v", err)
	}
	if !applied {
		t.Fatal("expected first satisfy to apply")
	}
	if pressure >= 8.0 {
		t.Fatalf("expected pressure reduced below 8.0, got %v", pressure)
	}

	applied2, _, err := e.Satisfy("curiosity", "deep", "manual", "op-session-1")
	if err != nil {
		t.Fatalf("Satisfy (dup): %v", err)
	}
	if applied2 {
		t.Fatal("expected duplicate session_ref satisfy to be a dedup no-op")
	}
}

func TestSatisfy_UnknownDriveErrors(t *testing.T) {
	e := newEngine(t)
	if _, _, err := e.Satisfy("ghost", "deep", "manual", "s1"); err == nil {
		t.Fatal("expected error for unknown drive")
	}
}

func TestRespond_DeferRecordsAndTracksChronic(t *testing.T) {
	e := newEngine(t)
	for i := 0; i < 2; i++ {
		if _, err := e.Respond("curiosity", "defer"); err != nil {
			t.Fatalf("Respond: %v", err)
		}
	}
	chronic, err := e.Respond("curiosity", "defer")
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if !chronic {
		t.Fatal("expected chronic true after threshold consecutive defers")
	}
}

func TestRespond_EngageResetsDeferStreak(t *testing.T) {
	e := newEngine(t)
	if _, err := e.Respond("curiosity", "defer"); err != nil {
		t.Fatalf("Respond defer: %v", err)
	}
	if _, err := e.Respond("curiosity", "engage"); err != nil {
		t.Fatalf("Respond engage: %v", err)
	}
	chronic, err := e.Respond("curiosity", "defer")
	if err != nil {
		t.Fatalf("Respond defer (2): %v", err)
	}
	if chronic {
		t.Fatal("expected defer streak to have reset after an engage response")
	}
}

func TestRespond_UnknownResponseErrors(t *testing.T) {
	e := newEngine(t)
	if _, err := e.Respond("curiosity", "shrug"); err == nil {
		t.Fatal("expected error for unrecognized response kind")
	}
}

func TestActivate_ClearsLatentFlag(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Drives["dormant"] = config.DriveConfig{AccumulationMode: "time", Rate: 0.1, Threshold: 10, Valence: "neutral", Latent: true}

	state, err := runtimestate.Load(filepath.Join(dir, "runtime-state.json"))
	if err != nil {
		t.Fatalf("runtimestate.Load: %v", err)
	}
	drives := engine.BuildDrives(cfg, state)

	l, err := ledger.Open(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	defer l.Close()
	idx, err := ledger.OpenIndex(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("ledger.OpenIndex: %v", err)
	}
	defer idx.Close()

	sessions := session.NewTracker(l, idx, cfg.Session.TimeoutMinutes)
	ingestor := ingest.NewIngestor(noopReader{}, l, idx, 8, nil, drive.GraduationConfig{})
	metrics := observability.NewMetrics()
	writer := runtimestate.NewWriter(filepath.Join(dir, "runtime-state.json"))
	e := engine.New(cfg, drives, l, idx, sessions, ingestor, metrics, writer, zap.NewNop())

	if err := e.Activate("dormant"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	snap, ok := e.Snapshot("dormant")
	if !ok {
		t.Fatal("expected dormant snapshot to exist")
	}
	if snap.Latent {
		t.Fatal("expected Activate to clear the latent flag")
	}
}

func TestActivate_UnknownDriveErrors(t *testing.T) {
	e := newEngine(t)
	if err := e.Activate("ghost"); err == nil {
		t.Fatal("expected error activating an unknown drive")
	}
}

func TestSnapshotAll_ReturnsEveryConfiguredDrive(t *testing.T) {
	e := newEngine(t)
	all := e.SnapshotAll()
	if len(all) != 2 {
		t.Fatalf("SnapshotAll returned %d drives, want 2", len(all))
	}
}
