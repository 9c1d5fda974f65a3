package session_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/emergence-agent/emergence/internal/ledger"
	"github.com/emergence-agent/emergence/internal/session"
)

func newTracker(t *testing.T) (*session.Tracker, *ledger.Ledger, *ledger.Index) {
	t.Helper()
	dir := t.TempDir()
	l, err := ledger.Open(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	idx, err := ledger.OpenIndex(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("ledger.OpenIndex: %v", err)
	}
	t.Cleanup(func() {
		l.Close()
		idx.Close()
	})
	return session.NewTracker(l, idx, 120), l, idx
}

func TestSpawn_RejectsSecondOpenSpawnForSameDrive(t *testing.T) {
	tr, _, _ := newTracker(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if _, err := tr.Spawn("curiosity", now); err != nil {
		t.Fatalf("first spawn: %v", err)
	}
	if _, err := tr.Spawn("curiosity", now); err == nil {
		t.Fatal("expected error spawning a second open session for the same drive")
	}
}

func TestSpawn_AllowsDifferentDrivesConcurrently(t *testing.T) {
	tr, _, _ := newTracker(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if _, err := tr.Spawn("curiosity", now); err != nil {
		t.Fatalf("spawn curiosity: %v", err)
	}
	if _, err := tr.Spawn("rest", now); err != nil {
		t.Fatalf("spawn rest: %v", err)
	}
}

func TestLifecycle_SpawnActiveComplete(t *testing.T) {
	tr, _, idx := newTracker(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	key, err := tr.Spawn("curiosity", now)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := tr.MarkActive(key, now.Add(time.Minute)); err != nil {
		t.Fatalf("MarkActive: %v", err)
	}
	rec, err := tr.Complete(key, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if rec.Status != string(session.StatusCompleted) {
		t.Fatalf("status = %q, want completed", rec.Status)
	}

	// Drive's spawn slot should be free again.
	if _, err := tr.Spawn("curiosity", now.Add(3*time.Minute)); err != nil {
		t.Fatalf("re-spawn after completion: %v", err)
	}
	_ = idx
}

func TestSweepTimeouts_MarksExpiredOpenSpawns(t *testing.T) {
	tr, _, _ := newTracker(t)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	key, err := tr.Spawn("curiosity", start)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	timedOut, err := tr.SweepTimeouts(start.Add(200*time.Minute), []string{"curiosity"})
	if err != nil {
		t.Fatalf("SweepTimeouts: %v", err)
	}
	if len(timedOut) != 1 || timedOut[0] != key {
		t.Fatalf("timedOut = %v, want [%s]", timedOut, key)
	}

	// Slot should be free again for a fresh spawn.
	if _, err := tr.Spawn("curiosity", start.Add(201*time.Minute)); err != nil {
		t.Fatalf("re-spawn after timeout: %v", err)
	}
}

func TestSweepTimeouts_IgnoresRecentSpawns(t *testing.T) {
	tr, _, _ := newTracker(t)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if _, err := tr.Spawn("curiosity", start); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	timedOut, err := tr.SweepTimeouts(start.Add(time.Minute), []string{"curiosity"})
	if err != nil {
		t.Fatalf("SweepTimeouts: %v", err)
	}
	if len(timedOut) != 0 {
		t.Fatalf("expected no timeouts yet, got %v", timedOut)
	}
}

func TestMarkActive_UnknownSessionKey(t *testing.T) {
	tr, _, _ := newTracker(t)
	if err := tr.MarkActive("does-not-exist", time.Now()); err == nil {
		t.Fatal("expected error for unknown session key")
	}
}
