// Package search implements the Nautilus retrieval pipeline: base
// retrieval, gravity rerank, door filter, mirror expand (spec.md §2
// diagram "Gravity ─▶ Chambers ─▶ Doors ─▶ Mirrors").
package search

import (
	"strings"
	"time"

	"github.com/emergence-agent/emergence/internal/embed"
	"github.com/emergence-agent/emergence/internal/nautilus/doors"
	"github.com/emergence-agent/emergence/internal/nautilus/gravity"
	"github.com/emergence-agent/emergence/internal/nautilus/mirrors"
)

// CandidateStore is the subset of *store.Store search needs for base
// retrieval and access recording.
type CandidateStore interface {
	ListAll() ([]*gravity.Chunk, error)
	Tags(chunkID string) ([]string, error)
	Upsert(c *gravity.Chunk) error
}

// Query is a single search request.
type Query struct {
	Text      string
	Trapdoor  bool // bypass the door filter entirely (spec §4.8)
	Limit     int
	Now       time.Time
}

// Result is one ranked, mirror-expanded hit.
type Result struct {
	ChunkID string
	Score   float64
	// EmbeddingMode reports which similarity source produced Score:
	// "fallback" for embed.Similarity's Jaccard comparison, or the
	// configured provider's name once a real embed.Provider is wired
	// (spec.md §6, §8 scenario requiring embedding_mode=fallback to be
	// surfaced when no provider is configured).
	EmbeddingMode string
}

// Pipeline wires the collaborators a search needs: the gravity-backed
// candidate store, a door tagger, and the gravity mass parameters used
// for reranking.
type Pipeline struct {
	store         CandidateStore
	tagger        doors.Tagger
	gravityCfg    gravity.Params
	linker        mirrors.Linker
	resolver      mirrors.EventResolver
	expandCap     int
	embeddingMode string
}

// NewPipeline constructs a Pipeline. linker/resolver may be nil, in
// which case mirror expansion is skipped. embeddingMode is reported on
// every Result; pass "fallback" when no embed.Provider is configured.
func NewPipeline(store CandidateStore, tagger doors.Tagger, gravityCfg gravity.Params, linker mirrors.Linker, resolver mirrors.EventResolver, expandCap int, embeddingMode string) *Pipeline {
	return &Pipeline{store: store, tagger: tagger, gravityCfg: gravityCfg, linker: linker, resolver: resolver, expandCap: expandCap, embeddingMode: embeddingMode}
}

// Search runs the full pipeline: base retrieval via Jaccard similarity
// against chunk file paths (the embedding fallback, spec §6), gravity
// rerank, door filtering (or trapdoor bypass), then mirror expansion.
func (p *Pipeline) Search(q Query) ([]Result, error) {
	all, err := p.store.ListAll()
	if err != nil {
		return nil, err
	}

	queryTags := p.tagger.Tag(q.Text)

	scored := make([]gravity.Scored, 0, len(all))
	tagSets := make([][]string, 0, len(all))
	chunkOf := make(map[int]*gravity.Chunk, len(all))
	for i, c := range all {
		pathWords := strings.NewReplacer("/", " ", "-", " ", "_", " ").Replace(strings.TrimSuffix(c.File, pathExt(c.File)))
		base := embed.Similarity(q.Text, pathWords)
		scored = append(scored, gravity.Scored{Chunk: c, BaseScore: base})
		tags, err := p.store.Tags(c.ChunkID)
		if err != nil {
			tags = nil
		}
		tagSets = append(tagSets, tags)
		chunkOf[i] = c
	}

	ranked := gravity.Rank(scored)

	var kept []int
	if q.Trapdoor {
		kept = doors.Trapdoor(tagSets)
	} else {
		kept = doors.Filter(tagSets, queryTags)
	}
	keptSet := make(map[string]bool, len(kept))
	for _, idx := range kept {
		keptSet[all[idx].ChunkID] = true
	}

	var results []Result
	var sourceIDs []string
	for _, sc := range ranked {
		if !keptSet[sc.Chunk.ChunkID] {
			continue
		}
		results = append(results, Result{ChunkID: sc.Chunk.ChunkID, Score: sc.BaseScore * (1 + sc.Chunk.Mass), EmbeddingMode: p.embeddingMode})
		sourceIDs = append(sourceIDs, sc.Chunk.ChunkID)
		gravity.RecordAccess(sc.Chunk, q.Now, p.gravityCfg)
		_ = p.store.Upsert(sc.Chunk)
		if q.Limit > 0 && len(results) >= q.Limit {
			break
		}
	}

	if p.linker != nil && p.resolver != nil && len(sourceIDs) > 0 {
		expanded := mirrors.Expand(p.linker, p.resolver, sourceIDs, p.expandCap)
		have := make(map[string]bool, len(results))
		for _, r := range results {
			have[r.ChunkID] = true
		}
		for _, id := range expanded {
			if !have[id] {
				results = append(results, Result{ChunkID: id, EmbeddingMode: p.embeddingMode})
				have[id] = true
			}
		}
	}

	return results, nil
}

func pathExt(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return path[i:]
	}
	return ""
}
