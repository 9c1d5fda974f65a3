// Package mirrors implements multi-granularity linking (spec.md §4.9):
// for a set of source chunks, expand each result to its linked
// raw/summary/lesson counterparts, deduplicated by chunk_id and bounded
// to prevent result explosion.
package mirrors

import (
	"github.com/emergence-agent/emergence/internal/nautilus/gravity"
)

// Linker is implemented by internal/nautilus/store: given an event_id,
// return its full mirror group (one chunk_id per kind present).
type Linker interface {
	MirrorGroup(eventID string) (map[gravity.MirrorKind]string, error)
}

// EventResolver maps a chunk_id back to the event_id its mirror group is
// keyed on. Implemented by internal/nautilus/store via a reverse lookup;
// kept as a narrow interface here so mirrors has no direct store
// dependency beyond what it needs.
type EventResolver interface {
	EventIDFor(chunkID string) (string, bool)
}

// DefaultExpansionLimit is spec §4.9's "bounded (default 3×)".
const DefaultExpansionLimit = 3

// Expand takes a set of source chunk_ids and returns the deduplicated
// union of their mirror-linked counterparts, capped at limit times the
// input size.
func Expand(linker Linker, resolver EventResolver, sourceChunkIDs []string, limit int) []string {
	if limit <= 0 {
		limit = DefaultExpansionLimit
	}
	cap := len(sourceChunkIDs) * limit

	seen := make(map[string]bool, len(sourceChunkIDs))
	out := make([]string, 0, len(sourceChunkIDs))
	add := func(id string) bool {
		if seen[id] {
			return true
		}
		if len(out) >= cap {
			return false
		}
		seen[id] = true
		out = append(out, id)
		return true
	}

	for _, id := range sourceChunkIDs {
		add(id)
	}
	for _, id := range sourceChunkIDs {
		eventID, ok := resolver.EventIDFor(id)
		if !ok {
			continue
		}
		group, err := linker.MirrorGroup(eventID)
		if err != nil {
			continue
		}
		for _, kind := range []gravity.MirrorKind{gravity.MirrorRaw, gravity.MirrorSummary, gravity.MirrorLesson} {
			if linked, ok := group[kind]; ok {
				if !add(linked) {
					return out
				}
			}
		}
	}
	return out
}

// Coverage reports, per mirror kind, the fraction of requested event
// groups that had a chunk of that kind present — spec §4.9's "coverage
// per mirror kind is reported".
func Coverage(groups []map[gravity.MirrorKind]string) map[gravity.MirrorKind]float64 {
	out := map[gravity.MirrorKind]float64{gravity.MirrorRaw: 0, gravity.MirrorSummary: 0, gravity.MirrorLesson: 0}
	if len(groups) == 0 {
		return out
	}
	for _, kind := range []gravity.MirrorKind{gravity.MirrorRaw, gravity.MirrorSummary, gravity.MirrorLesson} {
		hits := 0
		for _, g := range groups {
			if _, ok := g[kind]; ok {
				hits++
			}
		}
		out[kind] = float64(hits) / float64(len(groups))
	}
	return out
}

// Consistent reports whether group satisfies spec §8 property 7: every
// summary chunk has a linked raw chunk, and every lesson chunk has a
// linked corridor-or-higher source (represented here by the presence of
// a raw or summary chunk in the same group, since chamber membership is
// a store-level fact not visible in a bare mirror group).
func Consistent(group map[gravity.MirrorKind]string) bool {
	if _, hasSummary := group[gravity.MirrorSummary]; hasSummary {
		if _, hasRaw := group[gravity.MirrorRaw]; !hasRaw {
			return false
		}
	}
	if _, hasLesson := group[gravity.MirrorLesson]; hasLesson {
		_, hasRaw := group[gravity.MirrorRaw]
		_, hasSummary := group[gravity.MirrorSummary]
		if !hasRaw && !hasSummary {
			return false
		}
	}
	return true
}
