package ledger_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/emergence-agent/emergence/internal/ledger"
)

func openIndex(t *testing.T) *ledger.Index {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := ledger.OpenIndex(path)
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestDedup_MarkThenSeen(t *testing.T) {
	idx := openIndex(t)

	seen, err := idx.SeenSatisfaction("curiosity", "sess-1")
	if err != nil {
		t.Fatalf("SeenSatisfaction: %v", err)
	}
	if seen {
		t.Fatal("expected unseen before Mark")
	}

	if err := idx.MarkSatisfaction("curiosity", "sess-1"); err != nil {
		t.Fatalf("MarkSatisfaction: %v", err)
	}

	seen, err = idx.SeenSatisfaction("curiosity", "sess-1")
	if err != nil {
		t.Fatalf("SeenSatisfaction: %v", err)
	}
	if !seen {
		t.Fatal("expected seen after Mark")
	}
}

func TestDedup_EmptySessionRefNeverSeen(t *testing.T) {
	idx := openIndex(t)
	if err := idx.MarkSatisfaction("curiosity", ""); err != nil {
		t.Fatalf("MarkSatisfaction: %v", err)
	}
	seen, err := idx.SeenSatisfaction("curiosity", "")
	if err != nil {
		t.Fatalf("SeenSatisfaction: %v", err)
	}
	if seen {
		t.Fatal("empty session_ref must never dedup")
	}
}

func TestSpawnRoundTrip(t *testing.T) {
	idx := openIndex(t)
	rec := ledger.SpawnRecord{
		SessionKey: "drive-curiosity-2026010100",
		Drive:      "curiosity",
		Status:     "spawned",
		SpawnedAt:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := idx.PutSpawn(rec); err != nil {
		t.Fatalf("PutSpawn: %v", err)
	}

	got, err := idx.GetSpawn(rec.SessionKey)
	if err != nil {
		t.Fatalf("GetSpawn: %v", err)
	}
	if got == nil {
		t.Fatal("expected spawn record, got nil")
	}
	if got.Drive != rec.Drive || got.Status != rec.Status {
		t.Fatalf("got %+v, want %+v", got, rec)
	}
}

func TestGetSpawn_MissingReturnsNilNil(t *testing.T) {
	idx := openIndex(t)
	got, err := idx.GetSpawn("does-not-exist")
	if err != nil {
		t.Fatalf("GetSpawn: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing session key, got %+v", got)
	}
}

func TestOpenSpawnForDrive_OnlyOpenStatuses(t *testing.T) {
	idx := openIndex(t)
	if err := idx.PutSpawn(ledger.SpawnRecord{SessionKey: "k1", Drive: "rest", Status: "completed"}); err != nil {
		t.Fatalf("PutSpawn: %v", err)
	}
	if err := idx.PutSpawn(ledger.SpawnRecord{SessionKey: "k2", Drive: "rest", Status: "active"}); err != nil {
		t.Fatalf("PutSpawn: %v", err)
	}

	key, err := idx.OpenSpawnForDrive("rest")
	if err != nil {
		t.Fatalf("OpenSpawnForDrive: %v", err)
	}
	if key != "k2" {
		t.Fatalf("open spawn = %q, want k2", key)
	}
}

func TestRebuild_ReconstructsFromLedger(t *testing.T) {
	ledgerPath := filepath.Join(t.TempDir(), "events.jsonl")
	l, err := ledger.Open(ledgerPath)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	events := []ledger.Event{
		{Type: ledger.EventSpawn, Drive: "curiosity", SessionKey: "sk1"},
		{Type: ledger.EventSessionActive, SessionKey: "sk1"},
		{Type: ledger.EventCompleted, SessionKey: "sk1"},
		{Type: ledger.EventSatisfaction, Drive: "rest", SessionRef: "ref1"},
	}
	for _, ev := range events {
		if err := l.Append(ev); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	idx := openIndex(t)
	if err := idx.Rebuild(ledgerPath); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	rec, err := idx.GetSpawn("sk1")
	if err != nil {
		t.Fatalf("GetSpawn: %v", err)
	}
	if rec == nil || rec.Status != "completed" {
		t.Fatalf("got %+v, want status completed", rec)
	}

	seen, err := idx.SeenSatisfaction("rest", "ref1")
	if err != nil {
		t.Fatalf("SeenSatisfaction: %v", err)
	}
	if !seen {
		t.Fatal("expected rebuilt dedup entry for rest/ref1")
	}
}
