// Package doors implements the context-tag filter (spec.md §4.8): a
// deterministic tagger maps text to a fixed taxonomy of roughly eleven
// contexts, and the search pipeline filters candidates whose tags
// intersect the query's tags. A trapdoor mode bypasses the filter
// entirely.
//
// Taggers register themselves in a package-level registry keyed by
// name, the same plugin shape as the teacher's contrib scorer registry:
// RegisterTagger panics on a duplicate name (a programming error caught
// at init time, not a runtime condition to recover from), and
// GetTagger looks one up by name for wiring from config.
package doors

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Taxonomy is the fixed set of recognized context tags (spec §3 "≈ 11
// contexts").
var Taxonomy = []string{
	"project", "security", "personal", "technical", "meeting",
	"decision", "finance", "health", "travel", "learning", "social",
}

// Tagger maps free text to the subset of Taxonomy it elicits.
type Tagger interface {
	Tag(text string) []string
}

var (
	mu       sync.RWMutex
	registry = make(map[string]Tagger)
)

// RegisterTagger adds a Tagger under name. Panics if name is already
// registered — a duplicate registration is a build-time mistake, not a
// condition callers should have to handle.
func RegisterTagger(name string, t Tagger) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("doors: tagger %q already registered", name))
	}
	registry[name] = t
}

// GetTagger looks up a previously registered Tagger by name.
func GetTagger(name string) (Tagger, bool) {
	mu.RLock()
	defer mu.RUnlock()
	t, ok := registry[name]
	return t, ok
}

// keywordTagger is the default deterministic tagger: a fixed keyword
// table per taxonomy tag, case-insensitive, word-boundary matched.
type keywordTagger struct {
	patterns map[string][]*regexp.Regexp
}

func init() {
	RegisterTagger("keyword", newKeywordTagger())
}

func newKeywordTagger() *keywordTagger {
	keywords := map[string][]string{
		"project":   {"sprint", "roadmap", "milestone", "backlog"},
		"security":  {"vulnerability", "exploit", "breach", "credential", "cve"},
		"personal":  {"family", "birthday", "vacation", "health"},
		"technical": {"bug", "refactor", "deploy", "latency", "api"},
		"meeting":   {"agenda", "standup", "sync", "attendees"},
		"decision":  {"decided", "tradeoff", "chose", "rationale"},
		"finance":   {"invoice", "budget", "expense", "revenue"},
		"health":    {"doctor", "appointment", "symptom", "medication"},
		"travel":    {"flight", "itinerary", "hotel", "visa"},
		"learning":  {"tutorial", "course", "study", "exercise"},
		"social":    {"friend", "party", "gathering", "reunion"},
	}
	kt := &keywordTagger{patterns: make(map[string][]*regexp.Regexp, len(keywords))}
	for tag, words := range keywords {
		pats := make([]*regexp.Regexp, 0, len(words))
		for _, w := range words {
			pats = append(pats, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(w)+`\b`))
		}
		kt.patterns[tag] = pats
	}
	return kt
}

func (kt *keywordTagger) Tag(text string) []string {
	var tags []string
	for _, tag := range Taxonomy {
		for _, p := range kt.patterns[tag] {
			if p.MatchString(text) {
				tags = append(tags, tag)
				break
			}
		}
	}
	return tags
}

// Coverage reports the fraction of candidates that received at least
// one tag, the "tag coverage ... reported as a health metric" from
// spec §4.8.
func Coverage(tagged [][]string) float64 {
	if len(tagged) == 0 {
		return 1
	}
	hit := 0
	for _, tags := range tagged {
		if len(tags) > 0 {
			hit++
		}
	}
	return float64(hit) / float64(len(tagged))
}

// Filter keeps only candidate tag sets that intersect queryTags.
// The returned values are indices into candidateTags, so callers can map
// the kept positions back to their original chunk. An empty queryTags matches
// everything — a query that elicited no tags should not zero out
// results.
func Filter(candidateTags [][]string, queryTags []string) []int {
	if len(queryTags) == 0 {
		kept := make([]int, len(candidateTags))
		for i := range candidateTags {
			kept[i] = i
		}
		return kept
	}
	want := make(map[string]bool, len(queryTags))
	for _, t := range queryTags {
		want[strings.ToLower(t)] = true
	}
	var kept []int
	for i, tags := range candidateTags {
		for _, t := range tags {
			if want[strings.ToLower(t)] {
				kept = append(kept, i)
				break
			}
		}
	}
	return kept
}

// Trapdoor bypasses the door filter entirely, per spec §4.8: "exposed
// because context detection can be wrong and users must be able to
// escape it."
func Trapdoor(candidateTags [][]string) []int {
	kept := make([]int, len(candidateTags))
	for i := range candidateTags {
		kept[i] = i
	}
	return kept
}
