// Package ingest implements the Ingest component (spec.md §4.5, §4.11):
// reading session artifacts, routing declared or inferred satisfactions,
// surfacing discovered latent drives/aspects, and relaying
// activity-driven work_event signals to the drives that accumulate from
// them.
//
// The work_event fan-in is a buffered channel with backpressure, the
// same shape as the teacher's kernel ring-buffer processor: if nothing
// is draining the queue fast enough, new events are dropped and a
// counter is incremented rather than blocking the caller.
package ingest

import (
	"fmt"
	"time"

	"github.com/emergence-agent/emergence/internal/drive"
	"github.com/emergence-agent/emergence/internal/ledger"
	"github.com/emergence-agent/emergence/internal/satisfaction"
)

// ArtifactHeader is what a Session Artifact Reader (an external
// collaborator, spec §6) returns for a given artifact path. The core
// never parses artifact bodies itself.
type ArtifactHeader struct {
	Drive      string
	Depth      satisfaction.Depth // empty if not declared
	SessionRef string
	SessionKey string
	// ArtifactLength is used to compute a bounded fractional reduction
	// when no depth is declared (spec §4.5 step 3).
	ArtifactLength int
}

// DiscoveredDrive is a candidate latent drive or aspect surfaced by an
// optional discovery analyzer. Never auto-activated (spec §4.5 step 2).
type DiscoveredDrive struct {
	Name        string
	IsAspect    bool
	ParentDrive string // set when IsAspect
	Rationale   string
}

// WorkEvent is the activity-driven drive signal described in spec §4.11.
type WorkEvent struct {
	Category  string
	Magnitude float64
	Timestamp time.Time
}

// Reader abstracts the external Session Artifact Reader collaborator
// (spec §6): given a path, it returns the declared header plus any
// discoveries. The core does not interpret the artifact body.
type Reader interface {
	Read(path string) (ArtifactHeader, []DiscoveredDrive, error)
}

// Ingestor wires a Reader to the ledger, drives, and the work-event
// queue. One Ingestor per engine instance.
type Ingestor struct {
	reader     Reader
	ledger     *ledger.Ledger
	index      *ledger.Index
	workEvents chan WorkEvent
	dropped    func(category string) // observability hook, nil-safe
	graduation drive.GraduationConfig
}

// NewIngestor constructs an Ingestor. queueCap bounds the in-memory
// work-event backlog; a full queue drops new events rather than
// blocking the caller, reported via onDrop if non-nil. graduation
// carries the aspect-graduation thresholds evaluated on every
// ingest-driven satisfaction; its zero value disables evaluation.
func NewIngestor(reader Reader, l *ledger.Ledger, idx *ledger.Index, queueCap int, onDrop func(category string), graduation drive.GraduationConfig) *Ingestor {
	return &Ingestor{
		reader:     reader,
		ledger:     l,
		index:      idx,
		workEvents: make(chan WorkEvent, queueCap),
		dropped:    onDrop,
		graduation: graduation,
	}
}

// WorkEvents returns the channel the engine's tick loop drains to apply
// activity-driven pressure (spec §4.11).
func (in *Ingestor) WorkEvents() <-chan WorkEvent { return in.workEvents }

// EmitWorkEvent enqueues a work event with backpressure: if the queue is
// full, the event is dropped and onDrop is invoked rather than blocking
// the caller.
func (in *Ingestor) EmitWorkEvent(ev WorkEvent) {
	select {
	case in.workEvents <- ev:
	default:
		if in.dropped != nil {
			in.dropped(ev.Category)
		}
	}
}

// Ingest reads the artifact at path and applies its effect exactly once
// per distinct session_ref (spec §4.5, §8 property 6: "ingesting the
// same session_ref twice yields identical state").
//
// drives is the full set of configured drives, keyed by name, so
// Ingest can route the satisfaction to the artifact's drive. Ingest does
// not raise the pressure of activity-driven drives; their pressure rises
// only from work events passed to EmitWorkEvent and drained by the
// engine's tick.
func (in *Ingestor) Ingest(path string, drives map[string]*drive.Drive, now time.Time) ([]DiscoveredDrive, *satisfaction.Result, error) {
	header, discoveries, err := in.reader.Read(path)
	if err != nil {
		return nil, nil, fmt.Errorf("ingest: read %q: %w", path, err)
	}

	d, ok := drives[header.Drive]
	if !ok {
		return discoveries, nil, fmt.Errorf("%w: %q", drive.ErrUnknownDrive, header.Drive)
	}

	seen, err := in.index.SeenSatisfaction(d.Name, header.SessionRef)
	if err != nil {
		return discoveries, nil, fmt.Errorf("ingest: dedup check: %w", err)
	}
	if seen {
		return discoveries, nil, nil
	}

	for _, disc := range discoveries {
		if err := in.ledger.Append(ledger.Event{
			Type:      ledger.EventDiscovery,
			Timestamp: now,
			Drive:     disc.Name,
			Reason:    disc.Rationale,
		}); err != nil {
			return discoveries, nil, fmt.Errorf("ingest: append discovery: %w", err)
		}
	}

	req := satisfaction.Request{
		Drive:      d.Name,
		Depth:      header.Depth,
		Reason:     "ingest",
		SessionRef: header.SessionRef,
		SessionKey: header.SessionKey,
		Now:        now,
		Graduation: in.graduation,
	}
	if header.Depth == "" {
		req.RawFraction = artifactLengthFraction(header.ArtifactLength)
	}

	res, err := satisfaction.Satisfy(d, in.index, in.ledger, req)
	if err != nil {
		return discoveries, nil, fmt.Errorf("ingest: satisfy: %w", err)
	}
	return discoveries, &res, nil
}

// artifactLengthFraction maps an artifact's length to a pressure
// reduction fraction, proportional to length and bounded to the light
// depth's fraction (spec §4.5 step 3). lengthScale is an arbitrary but
// stable normalization point past which the fraction saturates.
const lengthScale = 4000 // characters

func artifactLengthFraction(artifactLength int) float64 {
	const lightFraction = 0.30
	if artifactLength <= 0 {
		return 0.05 // a declared-but-empty artifact still gets a token acknowledgment
	}
	f := lightFraction * float64(artifactLength) / lengthScale
	if f > lightFraction {
		f = lightFraction
	}
	return f
}
