// Package summarize defines the SummarizerLLM collaborator boundary
// used by a corridor→vault chamber promotion (spec.md §4.7) and
// maintenance's crystallization step. When no summarizer is configured,
// callers must flag the produced chunk `no_summary` rather than block
// promotion on it (spec §8 scenario 5).
package summarize

import "context"

// Summarizer produces a short summary of source text. Implementations
// wrap an LLM call and must honor ctx cancellation; the core treats
// every call as potentially blocking.
type Summarizer interface {
	Summarize(ctx context.Context, sourceText string) (string, error)
}

// Unavailable is a Summarizer that always reports unavailability,
// wired in when config.json names no summarizer. It lets chamber
// promotion proceed uniformly through the same code path whether or
// not a real summarizer is configured.
type Unavailable struct{}

// ErrNoSummarizer is returned by Unavailable.Summarize.
var ErrNoSummarizer = errNoSummarizer{}

type errNoSummarizer struct{}

func (errNoSummarizer) Error() string { return "summarize: no summarizer configured" }

func (Unavailable) Summarize(ctx context.Context, sourceText string) (string, error) {
	return "", ErrNoSummarizer
}

// Result is what a corridor→vault promotion records about its
// summarization attempt, whether it succeeded or was skipped.
type Result struct {
	Text      string
	NoSummary bool // true when no summarizer was available or it failed
}

// Attempt runs s against sourceText, collapsing any error (including
// ErrNoSummarizer) into a NoSummary result rather than failing the
// promotion that triggered it — spec §8 scenario 5: "or flagged
// no_summary if summarizer unavailable."
func Attempt(ctx context.Context, s Summarizer, sourceText string) Result {
	text, err := s.Summarize(ctx, sourceText)
	if err != nil {
		return Result{NoSummary: true}
	}
	return Result{Text: text}
}
