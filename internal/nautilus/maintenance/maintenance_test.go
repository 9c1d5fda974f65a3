package maintenance_test

import (
	"context"
	"testing"
	"time"

	"github.com/emergence-agent/emergence/internal/nautilus/chambers"
	"github.com/emergence-agent/emergence/internal/nautilus/gravity"
	"github.com/emergence-agent/emergence/internal/nautilus/maintenance"
	"github.com/emergence-agent/emergence/internal/summarize"
)

type fakeStore struct {
	chunks  map[string]*gravity.Chunk
	tags    map[string][]string
	mirrors map[string]map[gravity.MirrorKind]string
}

func newFakeStore(chunks ...*gravity.Chunk) *fakeStore {
	s := &fakeStore{
		chunks:  make(map[string]*gravity.Chunk),
		tags:    make(map[string][]string),
		mirrors: make(map[string]map[gravity.MirrorKind]string),
	}
	for _, c := range chunks {
		s.chunks[c.ChunkID] = c
	}
	return s
}

func (s *fakeStore) ListModifiedSince(since time.Time) ([]*gravity.Chunk, error) {
	return s.ListAll()
}

func (s *fakeStore) ListAll() ([]*gravity.Chunk, error) {
	out := make([]*gravity.Chunk, 0, len(s.chunks))
	for _, c := range s.chunks {
		out = append(out, c)
	}
	return out, nil
}

func (s *fakeStore) Upsert(c *gravity.Chunk) error {
	s.chunks[c.ChunkID] = c
	return nil
}

func (s *fakeStore) SetTags(chunkID string, tags []string) error {
	s.tags[chunkID] = tags
	return nil
}

func (s *fakeStore) LinkMirror(eventID, chunkID string, kind gravity.MirrorKind) error {
	g, ok := s.mirrors[eventID]
	if !ok {
		g = make(map[gravity.MirrorKind]string)
		s.mirrors[eventID] = g
	}
	g[kind] = chunkID
	return nil
}

type fakeTagger struct{}

func (fakeTagger) Tag(text string) []string { return []string{"technical"} }

func newRunner(t *testing.T, s maintenance.Store) *maintenance.Runner {
	t.Helper()
	r, err := maintenance.NewRunner(s, fakeTagger{}, summarize.Unavailable{}, gravity.Params{
		MassCap: 100, RecencyHalfLifeDays: 21, AuthorityBoost: 10, AgePenaltyPerDay: 0.1,
	}, chambers.DefaultConfig(), "", 2)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return r
}

func TestNewRunner_RejectsBadNightlyHour(t *testing.T) {
	_, err := maintenance.NewRunner(newFakeStore(), fakeTagger{}, summarize.Unavailable{}, gravity.Params{}, chambers.DefaultConfig(), "", 99)
	if err == nil {
		t.Fatal("expected error constructing runner with out-of-range nightly hour")
	}
}

func TestDue_FalseWithinTwentyFourHoursOfLastRun(t *testing.T) {
	r := newRunner(t, newFakeStore())
	now := time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC)
	if !r.Due(now) {
		t.Fatal("expected Due true on first check within the nightly window")
	}
	r.Run(context.Background(), now)
	if r.Due(now.Add(time.Hour)) {
		t.Fatal("expected Due false again soon after a run")
	}
}

func TestDue_FalseOutsideWindow(t *testing.T) {
	r := newRunner(t, newFakeStore())
	farFromWindow := time.Date(2026, 1, 1, 14, 0, 0, 0, time.UTC)
	if r.Due(farFromWindow) {
		t.Fatal("expected Due false outside the ±30 minute nightly window")
	}
}

func TestRun_ClassifiesTagsDecaysAndPromotes(t *testing.T) {
	now := time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC)
	cfg := chambers.DefaultConfig()
	old := &gravity.Chunk{
		ChunkID:   "c1",
		File:      "notes/a.md",
		Chamber:   gravity.ChamberCorridor,
		CreatedAt: now.Add(-cfg.CorridorMaxAge - time.Hour),
		Mass:      cfg.VaultMassThreshold,
	}
	store := newFakeStore(old)
	r := newRunner(t, store)

	report := r.Run(context.Background(), now)

	if len(report.Promotions) != 1 {
		t.Fatalf("expected 1 promotion, got %d: %+v", len(report.Promotions), report.Promotions)
	}
	if old.Chamber != gravity.ChamberVault {
		t.Fatalf("expected chunk promoted to vault, got %v", old.Chamber)
	}
	if len(store.tags["c1"]) == 0 {
		t.Fatal("expected auto_tag_doors step to have tagged the chunk")
	}
	summaryID := "c1:summary"
	summaryChunk, ok := store.chunks[summaryID]
	if !ok {
		t.Fatal("expected a summary chunk to be upserted on corridor->vault promotion")
	}
	if !summaryChunk.NoSummary {
		t.Fatal("expected NoSummary set on the summary chunk since summarize.Unavailable always errors")
	}
	if report.NextRunAt.IsZero() {
		t.Fatal("expected NextRunAt to be set")
	}
}

func TestRun_StoreErrorAggregatedNotFatal(t *testing.T) {
	store := newFakeStore()
	r := newRunner(t, store)
	report := r.Run(context.Background(), time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC))
	for _, step := range report.Steps {
		if step.Err != nil {
			t.Fatalf("unexpected step error for empty store: %s: %v", step.Step, step.Err)
		}
	}
}
