// Package embed defines the EmbeddingProvider collaborator boundary
// (spec.md §6 "embeddings provider selection") and a dependency-free
// Jaccard similarity fallback for when no external provider is
// configured. Vocabulary grounded on the EmbeddingProvider interface in
// the memory-interfaces reference file (Embed/EmbedBatch/Dimensions).
package embed

import "strings"

// Provider generates embeddings for text. Implementations may wrap a
// local model or a remote service; the core treats every call as
// potentially blocking and bounds it with a caller-supplied context
// where applicable.
type Provider interface {
	Embed(text string) ([]float32, error)
	EmbedBatch(texts []string) ([][]float32, error)
	Dimensions() int
}

// JaccardFallback is a zero-dependency Provider substitute used when
// config.json names no embeddings provider. It does not produce a dense
// vector; instead Similarity below operates directly on token sets, and
// Embed/EmbedBatch/Dimensions exist only to satisfy Provider for callers
// that need a uniform interface but don't actually need the shape of
// the returned vector.
type JaccardFallback struct{}

// Dimensions reports 0, signaling to callers that embeddings from this
// provider carry no geometric meaning and must not be compared via
// cosine distance.
func (JaccardFallback) Dimensions() int { return 0 }

// Embed returns a degenerate single-element vector; callers of the
// fallback should use Similarity, not vector distance, to compare text.
func (JaccardFallback) Embed(text string) ([]float32, error) {
	return []float32{float32(len(tokenSet(text)))}, nil
}

// EmbedBatch applies Embed to each input in order.
func (j JaccardFallback) EmbedBatch(texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := j.Embed(t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Similarity computes Jaccard similarity between the token sets of a and
// b: |intersection| / |union|, in [0, 1]. This is the retrieval fallback
// when no real embedding provider is configured — coarser than a dense
// embedding but dependency-free and deterministic.
func Similarity(a, b string) float64 {
	setA, setB := tokenSet(a), tokenSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	intersection := 0
	for tok := range setA {
		if setB[tok] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func tokenSet(text string) map[string]bool {
	fields := strings.Fields(strings.ToLower(text))
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}
