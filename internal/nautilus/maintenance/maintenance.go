// Package maintenance implements the nightly maintenance pipeline
// (spec.md §4.10): register recent writes, classify chambers, auto-tag
// doors, apply decay, promote (summarizing on corridor→vault), and link
// mirrors. Each step is independent; a failure in one does not abort
// the rest, and every error is aggregated into the run report.
//
// The nightly window (configured hour ± 30 minutes) is computed with
// robfig/cron's standard parser rather than a hand-rolled hour/minute
// comparison, so the same windowing logic that schedules recurring jobs
// elsewhere in the ecosystem also governs this one-shot gate.
package maintenance

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/emergence-agent/emergence/internal/nautilus/chambers"
	"github.com/emergence-agent/emergence/internal/nautilus/doors"
	"github.com/emergence-agent/emergence/internal/nautilus/gravity"
	"github.com/emergence-agent/emergence/internal/summarize"
)

// Store is the subset of *store.Store maintenance needs, named so tests
// can substitute a fake.
type Store interface {
	ListModifiedSince(since time.Time) ([]*gravity.Chunk, error)
	ListAll() ([]*gravity.Chunk, error)
	Upsert(c *gravity.Chunk) error
	SetTags(chunkID string, tags []string) error
	LinkMirror(eventID, chunkID string, kind gravity.MirrorKind) error
}

// StepResult is one pipeline step's outcome.
type StepResult struct {
	Step      string
	Processed int
	Err       error
}

// Report is the structured output of one maintenance run, the unit
// spec §4.10 says "determines the next allowed run-at timestamp."
type Report struct {
	RanAt      time.Time
	NextRunAt  time.Time
	Steps      []StepResult
	Promotions []chambers.Promotion
}

// Runner wires the Nautilus collaborators a maintenance run needs.
type Runner struct {
	store       Store
	tagger      doors.Tagger
	summarizer  summarize.Summarizer
	gravityCfg  gravity.Params
	chamberCfg  chambers.Config
	memoryRoot  string // scanned for step 1's "files modified in the last 24h"
	schedule    cron.Schedule
	lastRunAt   time.Time
}

// NewRunner constructs a Runner. nightlyHour is the configured hour
// (0-23) around which the ±30 minute window is centered.
func NewRunner(s Store, tagger doors.Tagger, summarizer summarize.Summarizer, gravityCfg gravity.Params, chamberCfg chambers.Config, memoryRoot string, nightlyHour int) (*Runner, error) {
	expr := fmt.Sprintf("0 %d * * *", nightlyHour)
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("maintenance: parse nightly schedule %q: %w", expr, err)
	}
	return &Runner{
		store:      s,
		tagger:     tagger,
		summarizer: summarizer,
		gravityCfg: gravityCfg,
		chamberCfg: chamberCfg,
		memoryRoot: memoryRoot,
		schedule:   sched,
	}, nil
}

// Due reports whether a run is currently allowed: at most once per 24h,
// within 30 minutes of the scheduled nightly hour.
func (r *Runner) Due(now time.Time) bool {
	if !r.lastRunAt.IsZero() && now.Sub(r.lastRunAt) < 24*time.Hour {
		return false
	}
	nextFromLast := r.schedule.Next(now.Add(-31 * time.Minute))
	offset := now.Sub(nextFromLast)
	return offset >= -30*time.Minute && offset <= 30*time.Minute
}

// Run executes all six pipeline steps against now, aggregating errors
// rather than aborting on the first one.
func (r *Runner) Run(ctx context.Context, now time.Time) Report {
	report := Report{RanAt: now}

	modified, err := r.registerRecentWrites(now)
	report.Steps = append(report.Steps, StepResult{Step: "register_recent_writes", Processed: len(modified), Err: err})

	candidates, err := r.store.ListModifiedSince(now.Add(-24 * time.Hour))
	if err != nil {
		report.Steps = append(report.Steps, StepResult{Step: "classify_chambers", Err: err})
		report.Steps = append(report.Steps, StepResult{Step: "auto_tag_doors", Err: err})
		report.Steps = append(report.Steps, StepResult{Step: "apply_decay", Err: err})
		report.Steps = append(report.Steps, StepResult{Step: "promote", Err: err})
		report.Steps = append(report.Steps, StepResult{Step: "link_mirrors", Err: err})
		r.lastRunAt = now
		report.NextRunAt = r.schedule.Next(now)
		return report
	}

	report.Steps = append(report.Steps, r.classifyChambers(candidates, now))
	report.Steps = append(report.Steps, r.autoTagDoors(candidates))
	report.Steps = append(report.Steps, r.applyDecay(candidates, now))

	promotions, stepResult := r.promote(ctx, candidates, now)
	report.Promotions = promotions
	report.Steps = append(report.Steps, stepResult)

	report.Steps = append(report.Steps, r.linkMirrors(promotions, now))

	r.lastRunAt = now
	report.NextRunAt = r.schedule.Next(now)
	return report
}

// registerRecentWrites scans memoryRoot for files modified in the last
// 24h and upserts a gravity row for each (step 1).
func (r *Runner) registerRecentWrites(now time.Time) ([]*gravity.Chunk, error) {
	if r.memoryRoot == "" {
		return nil, nil
	}
	cutoff := now.Add(-24 * time.Hour)
	var touched []*gravity.Chunk
	err := filepath.Walk(r.memoryRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			return nil
		}
		c := &gravity.Chunk{
			ChunkID:     gravity.ChunkID(path, 0, int(info.Size())),
			File:        path,
			Length:      int(info.Size()),
			LastAccess:  info.ModTime(),
			AccessCount: 1,
			Chamber:     gravity.ChamberUnknown,
			MirrorKind:  gravity.MirrorRaw,
			CreatedAt:   info.ModTime(),
		}
		c.Mass = gravity.Mass(*c, r.gravityCfg, now)
		if upsertErr := r.store.Upsert(c); upsertErr != nil {
			return upsertErr
		}
		touched = append(touched, c)
		return nil
	})
	return touched, err
}

func (r *Runner) classifyChambers(candidates []*gravity.Chunk, now time.Time) StepResult {
	count := 0
	var firstErr error
	for _, c := range candidates {
		next := chambers.Classify(c, r.chamberCfg, now)
		if next != c.Chamber {
			c.Chamber = next
			if err := r.store.Upsert(c); err != nil && firstErr == nil {
				firstErr = err
				continue
			}
			count++
		}
	}
	return StepResult{Step: "classify_chambers", Processed: count, Err: firstErr}
}

func (r *Runner) autoTagDoors(candidates []*gravity.Chunk) StepResult {
	count := 0
	var firstErr error
	for _, c := range candidates {
		tags := r.tagger.Tag(c.File)
		if err := r.store.SetTags(c.ChunkID, tags); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		count++
	}
	return StepResult{Step: "auto_tag_doors", Processed: count, Err: firstErr}
}

func (r *Runner) applyDecay(candidates []*gravity.Chunk, now time.Time) StepResult {
	changed := gravity.Decay(candidates, r.gravityCfg, now)
	var firstErr error
	for _, c := range candidates {
		if err := r.store.Upsert(c); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return StepResult{Step: "apply_decay", Processed: changed, Err: firstErr}
}

func (r *Runner) promote(ctx context.Context, candidates []*gravity.Chunk, now time.Time) ([]chambers.Promotion, StepResult) {
	var promotions []chambers.Promotion
	var firstErr error
	for _, c := range candidates {
		p := chambers.Promote(c, r.chamberCfg, now)
		if p == nil {
			continue
		}
		if err := r.store.Upsert(c); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if p.NeedsSummary {
			result := summarize.Attempt(ctx, r.summarizer, c.File)
			summaryID := gravity.ChunkID(c.File, c.Offset, c.Length) + ":summary"
			summaryChunk := chambers.SummaryChunk(c, summaryID, now)
			summaryChunk.NoSummary = result.NoSummary
			if !result.NoSummary {
				summaryChunk.Length = len(result.Text)
			}
			if err := r.store.Upsert(&summaryChunk); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		promotions = append(promotions, *p)
	}
	return promotions, StepResult{Step: "promote", Processed: len(promotions), Err: firstErr}
}

func (r *Runner) linkMirrors(promotions []chambers.Promotion, now time.Time) StepResult {
	count := 0
	var firstErr error
	for _, p := range promotions {
		if !p.NeedsSummary {
			continue
		}
		eventID := p.ChunkID
		if err := r.store.LinkMirror(eventID, p.ChunkID, gravity.MirrorRaw); err != nil && firstErr == nil {
			firstErr = err
			continue
		}
		if err := r.store.LinkMirror(eventID, p.ChunkID+":summary", gravity.MirrorSummary); err != nil && firstErr == nil {
			firstErr = err
			continue
		}
		count++
	}
	return StepResult{Step: "link_mirrors", Processed: count, Err: firstErr}
}
