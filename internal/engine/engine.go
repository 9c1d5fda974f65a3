// Package engine wires the drive map, ledger, policy, session tracker,
// and runtime-state writer into the single tick loop described by
// spec.md §4.1, and implements internal/operator's Engine interface so
// the operator socket can read and mutate live state without taking the
// tick loop's lock on every request.
//
// The tick/decide/act shape follows the teacher's runWorker loop
// (octoreflex/cmd/octoreflex/main.go): accumulate, evaluate, act, record
// to the audit ledger, update metrics — generalized from kernel events
// driving an escalation state machine to scheduler ticks driving a
// drive pressure model.
package engine

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/emergence-agent/emergence/internal/config"
	"github.com/emergence-agent/emergence/internal/drive"
	"github.com/emergence-agent/emergence/internal/ingest"
	"github.com/emergence-agent/emergence/internal/ledger"
	"github.com/emergence-agent/emergence/internal/observability"
	"github.com/emergence-agent/emergence/internal/operator"
	"github.com/emergence-agent/emergence/internal/policy"
	"github.com/emergence-agent/emergence/internal/runtimestate"
	"github.com/emergence-agent/emergence/internal/satisfaction"
	"github.com/emergence-agent/emergence/internal/session"
)

// BuildDrives constructs the live drive map from cfg and a previously
// loaded runtime-state.json, reconciling any drive present in only one
// of the two per spec §3.
func BuildDrives(cfg *config.Config, state *runtimestate.State) map[string]*drive.Drive {
	names := make([]string, 0, len(cfg.Drives))
	for name := range cfg.Drives {
		names = append(names, name)
	}
	runtimestate.Reconcile(state, names)

	bands := drive.Bands{
		AvailableRatio:         cfg.Engine.AvailableRatio,
		ElevatedRatio:          cfg.Engine.ElevatedRatio,
		CrisisRatio:            cfg.Engine.CrisisRatio,
		EmergencyRatio:         cfg.Engine.EmergencyThreshold,
		ThwartingAversiveCount: cfg.Engine.ThwartingAversiveCount,
	}

	drives := make(map[string]*drive.Drive, len(cfg.Drives))
	for name, dc := range cfg.Drives {
		mode := drive.AccumulationTime
		if dc.AccumulationMode == "activity" {
			mode = drive.AccumulationActivity
		}
		d := &drive.Drive{
			Name:             name,
			AccumulationMode: mode,
			Rate:             dc.Rate,
			Threshold:        dc.Threshold,
			CooldownMinutes:  dc.CooldownMinutes,
			CostPerTrigger:   dc.CostPerTrigger,
			Latent:           dc.Latent,
			Bands:            bands,
		}
		for aspectName, weight := range dc.Aspects {
			d.Aspects = append(d.Aspects, &drive.Aspect{Name: aspectName, Weight: weight})
		}
		if rs, ok := state.Drives[name]; ok {
			d.Pressure = rs.Pressure
			d.ThwartingCount = rs.ThwartingCount
			d.CooldownUntil = rs.CooldownUntil
			d.LastTriggered = rs.LastTriggered
			d.LastEmergencySpawn = rs.LastEmergencySpawn
			d.LastTick = rs.LastTick
		}
		d.RecomputeDerived()
		drives[name] = d
	}
	return drives
}

// Engine owns the tick loop's mutable state: the drive map, the
// collaborators satisfy/ingest/session need, and the snapshot cache the
// operator socket reads from.
type Engine struct {
	mu sync.Mutex

	cfg      *config.Config
	drives   map[string]*drive.Drive
	byActCat map[string]map[string]float64 // drive name -> category -> weight, activity-driven only

	ledger      *ledger.Ledger
	index       *ledger.Index
	sessions    *session.Tracker
	ingestor    *ingest.Ingestor
	deferrals   *policy.DeferralTracker
	metrics     *observability.Metrics
	stateWriter *runtimestate.Writer
	snapshots   *operator.SnapshotCache
	log         *zap.Logger

	lastNotify map[string]time.Time
}

// New constructs an Engine. drives should come from BuildDrives.
func New(
	cfg *config.Config,
	drives map[string]*drive.Drive,
	l *ledger.Ledger,
	idx *ledger.Index,
	sessions *session.Tracker,
	ingestor *ingest.Ingestor,
	metrics *observability.Metrics,
	stateWriter *runtimestate.Writer,
	log *zap.Logger,
) *Engine {
	byActCat := make(map[string]map[string]float64, len(cfg.Drives))
	for name, dc := range cfg.Drives {
		if len(dc.ActivityCategories) > 0 {
			byActCat[name] = dc.ActivityCategories
		}
	}
	e := &Engine{
		cfg:         cfg,
		drives:      drives,
		byActCat:    byActCat,
		ledger:      l,
		index:       idx,
		sessions:    sessions,
		ingestor:    ingestor,
		deferrals:   policy.NewDeferralTracker(),
		metrics:     metrics,
		stateWriter: stateWriter,
		snapshots:   operator.NewSnapshotCache(),
		log:         log,
		lastNotify:  make(map[string]time.Time),
	}
	for _, d := range drives {
		e.snapshots.Update(snapshotOf(d))
	}
	return e
}

// Tick advances every configured drive by one scheduler step, evaluates
// policy, acts on the winning decision, and persists runtime state.
func (e *Engine) Tick(now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	activity := e.drainWorkEvents()

	active := make([]*drive.Drive, 0, len(e.drives))
	for name, d := range e.drives {
		if d.Latent {
			continue
		}
		prevStatus := d.Status
		if err := d.Tick(now, e.cfg.Engine.MaxCatchUpWindow, activity[name]); err != nil {
			e.log.Warn("tick failed", zap.String("drive", name), zap.Error(err))
			continue
		}
		if d.Status != prevStatus {
			e.metrics.DriveStatusTransitionsTotal.WithLabelValues(name, prevStatus.String(), d.Status.String()).Inc()
		}
		e.metrics.DrivePressure.WithLabelValues(name).Set(d.Pressure)
		e.metrics.DrivePressureRatio.WithLabelValues(name).Set(d.Ratio())
		e.metrics.DriveThwartingCount.WithLabelValues(name).Set(float64(d.ThwartingCount))
		e.snapshots.Update(snapshotOf(d))
		active = append(active, d)
	}

	decisions := policy.Evaluate(policy.Mode(e.cfg.Policy.Mode), now, e.cfg.Engine.EmergencyCooldownHours, active)

	if winner, ok := policy.Winner(decisions); ok {
		e.actOnSpawn(winner, now)
	}
	for _, dec := range decisions {
		if dec.Kind == policy.KindNotify {
			e.actOnNotify(dec, now)
		}
	}

	if _, err := e.sessions.SweepTimeouts(now, driveNames(e.drives)); err != nil {
		e.log.Warn("timeout sweep failed", zap.Error(err))
	}

	return e.persistState(now)
}

// drainWorkEvents nonblockingly drains every pending ingest work event
// and routes its magnitude to the owning activity-driven drive by
// category weight (spec §4.11).
func (e *Engine) drainWorkEvents() map[string]float64 {
	out := make(map[string]float64, len(e.drives))
	if e.ingestor == nil {
		return out
	}
	ch := e.ingestor.WorkEvents()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			for name, weights := range e.byActCat {
				if w, ok := weights[ev.Category]; ok {
					out[name] += ev.Magnitude * w
				}
			}
		default:
			return out
		}
	}
}

func (e *Engine) actOnSpawn(dec policy.Decision, now time.Time) {
	trigger := "auto"
	if dec.Kind == policy.KindEmergencySpawn {
		trigger = "emergency"
	}
	if _, err := e.sessions.Spawn(dec.Drive, now); err != nil {
		e.log.Warn("spawn skipped", zap.String("drive", dec.Drive), zap.Error(err))
		return
	}
	e.metrics.SpawnsTotal.WithLabelValues(dec.Drive, trigger).Inc()
	e.log.Info("session spawned", zap.String("drive", dec.Drive), zap.String("trigger", trigger))
}

func (e *Engine) actOnNotify(dec policy.Decision, now time.Time) {
	if last, ok := e.lastNotify[dec.Drive]; ok && now.Sub(last) < e.cfg.Policy.NotifyDebounce {
		return
	}
	e.lastNotify[dec.Drive] = now
	e.metrics.NotificationsTotal.WithLabelValues(dec.Drive).Inc()
	if err := e.ledger.Append(ledger.Event{
		Type:      ledger.EventNotify,
		Timestamp: now,
		Drive:     dec.Drive,
	}); err != nil {
		e.log.Warn("notify ledger append failed", zap.String("drive", dec.Drive), zap.Error(err))
	}
}

func (e *Engine) persistState(now time.Time) error {
	s := &runtimestate.State{
		SchemaVersion: "1",
		Drives:        make(map[string]runtimestate.DriveState, len(e.drives)),
	}
	for name, d := range e.drives {
		s.Drives[name] = runtimestate.DriveState{
			Pressure:           d.Pressure,
			Status:             d.Status.String(),
			Valence:            d.Valence.String(),
			ThwartingCount:     d.ThwartingCount,
			LastTriggered:      d.LastTriggered,
			LastEmergencySpawn: d.LastEmergencySpawn,
			LastTick:           d.LastTick,
			CooldownUntil:      d.CooldownUntil,
		}
	}
	if err := e.stateWriter.Write(s); err != nil {
		return fmt.Errorf("%w: %v", drive.ErrStateRewriteFailed, err)
	}
	return nil
}

func snapshotOf(d *drive.Drive) operator.DriveSnapshot {
	return operator.DriveSnapshot{
		Drive:          d.Name,
		Status:         d.Status.String(),
		Valence:        d.Valence.String(),
		Pressure:       d.Pressure,
		Threshold:      d.Threshold,
		ThwartingCount: d.ThwartingCount,
		Latent:         d.Latent,
		OnCooldown:     !d.CooldownUntil.IsZero() && time.Now().Before(d.CooldownUntil),
	}
}

func driveNames(drives map[string]*drive.Drive) []string {
	out := make([]string, 0, len(drives))
	for name := range drives {
		out = append(out, name)
	}
	return out
}

// ─── operator.Engine implementation ───────────────────────────────────────

// Snapshot implements operator.Engine.
func (e *Engine) Snapshot(driveName string) (operator.DriveSnapshot, bool) {
	return e.snapshots.Get(driveName)
}

// SnapshotAll implements operator.Engine.
func (e *Engine) SnapshotAll() []operator.DriveSnapshot {
	return e.snapshots.All()
}

// Adjust implements operator.Engine.
func (e *Engine) Adjust(driveName string, delta float64) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.drives[driveName]
	if !ok {
		return 0, fmt.Errorf("%w: %q", drive.ErrUnknownDrive, driveName)
	}
	d.Adjust(delta)
	e.snapshots.Update(snapshotOf(d))
	return d.Pressure, nil
}

// Satisfy implements operator.Engine.
func (e *Engine) Satisfy(driveName, depth, reason, sessionRef string) (bool, float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.drives[driveName]
	if !ok {
		return false, 0, fmt.Errorf("%w: %q", drive.ErrUnknownDrive, driveName)
	}
	res, err := satisfaction.Satisfy(d, e.index, e.ledger, satisfaction.Request{
		Drive:      driveName,
		Depth:      satisfaction.Depth(depth),
		Reason:     reason,
		SessionRef: sessionRef,
		Now:        time.Now().UTC(),
		Graduation: drive.GraduationConfig{
			DominanceRatio:   e.cfg.AspectGraduation.DominanceRatio,
			MinSatisfactions: e.cfg.AspectGraduation.MinSatisfactions,
			MinDays:          e.cfg.AspectGraduation.MinDays,
		},
	})
	if err != nil {
		return false, d.Pressure, err
	}
	if res.Applied {
		e.metrics.SatisfactionsTotal.WithLabelValues(driveName, string(res.DepthUsed)).Inc()
	} else {
		e.metrics.SatisfactionDedupTotal.WithLabelValues(driveName).Inc()
	}
	e.snapshots.Update(snapshotOf(d))
	return res.Applied, d.Pressure, nil
}

// Respond implements operator.Engine.
func (e *Engine) Respond(driveName, response string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.drives[driveName]; !ok {
		return false, fmt.Errorf("%w: %q", drive.ErrUnknownDrive, driveName)
	}
	switch policy.ResponseKind(response) {
	case policy.ResponseRecognize, policy.ResponseEngage:
		e.deferrals.ResetDefer(driveName)
		return false, nil
	case policy.ResponseDefer:
		e.deferrals.RecordDefer(driveName)
		chronic := e.deferrals.IsChronic(driveName, policy.ChronicDeferralThreshold)
		if err := e.ledger.Append(ledger.Event{
			Type:      ledger.EventDeferral,
			Timestamp: time.Now().UTC(),
			Drive:     driveName,
		}); err != nil {
			return chronic, fmt.Errorf("%w: %v", drive.ErrLedgerAppendFailed, err)
		}
		return chronic, nil
	default:
		return false, fmt.Errorf("engine: unknown response %q", response)
	}
}

// Activate implements operator.Engine.
func (e *Engine) Activate(driveName string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.drives[driveName]
	if !ok {
		return fmt.Errorf("%w: %q", drive.ErrUnknownDrive, driveName)
	}
	d.Latent = false
	d.LastTick = time.Now().UTC()
	e.snapshots.Update(snapshotOf(d))
	return nil
}
