// Package session implements the Session Tracker (spec.md §4.4): it
// mints session_keys for spawned drives, tracks the
// spawned→active→completed|timeout lifecycle, and enforces "at most one
// open spawn per drive". Lifecycle transitions are ledger events; this
// package's in-memory Tracker is a convenience view rebuilt from
// internal/ledger's index, not an independent source of truth.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/emergence-agent/emergence/internal/ledger"
)

// Status mirrors ledger.SpawnRecord.Status as a typed value for callers
// that want to switch on it without string literals.
type Status string

const (
	StatusSpawned   Status = "spawned"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusTimeout   Status = "timeout"
)

// Tracker coordinates spawn lifecycle against the ledger and its index.
type Tracker struct {
	mu             sync.Mutex
	ledger         *ledger.Ledger
	index          *ledger.Index
	timeoutMinutes int
}

// NewTracker constructs a Tracker. timeoutMinutes is session.timeout_minutes
// from config.
func NewTracker(l *ledger.Ledger, idx *ledger.Index, timeoutMinutes int) *Tracker {
	return &Tracker{ledger: l, index: idx, timeoutMinutes: timeoutMinutes}
}

// Spawn mints a new session_key for driveName and records the spawn.
// Returns an error if driveName already has an open spawn, enforcing
// "at most one open spawn per drive" (spec §4.4).
func (t *Tracker) Spawn(driveName string, now time.Time) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, err := t.index.OpenSpawnForDrive(driveName)
	if err != nil {
		return "", fmt.Errorf("session: check open spawn: %w", err)
	}
	if existing != "" {
		return "", fmt.Errorf("session: drive %q already has an open spawn (%s)", driveName, existing)
	}

	sessionKey := uuid.NewString()
	if err := t.ledger.Append(ledger.Event{
		Type:       ledger.EventSpawn,
		Timestamp:  now,
		Drive:      driveName,
		SessionKey: sessionKey,
	}); err != nil {
		return "", fmt.Errorf("session: append spawn: %w", err)
	}
	if err := t.index.PutSpawn(ledger.SpawnRecord{
		SessionKey: sessionKey,
		Drive:      driveName,
		Status:     string(StatusSpawned),
		SpawnedAt:  now,
	}); err != nil {
		return "", fmt.Errorf("session: index spawn: %w", err)
	}
	return sessionKey, nil
}

// MarkActive transitions a spawned session to active, called once the
// external collaborator confirms it has started work.
func (t *Tracker) MarkActive(sessionKey string, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, err := t.index.GetSpawn(sessionKey)
	if err != nil {
		return fmt.Errorf("session: lookup %s: %w", sessionKey, err)
	}
	if rec == nil {
		return fmt.Errorf("session: unknown session_key %s", sessionKey)
	}

	if err := t.ledger.Append(ledger.Event{
		Type:       ledger.EventSessionActive,
		Timestamp:  now,
		Drive:      rec.Drive,
		SessionKey: sessionKey,
	}); err != nil {
		return fmt.Errorf("session: append active: %w", err)
	}
	rec.Status = string(StatusActive)
	return t.index.PutSpawn(*rec)
}

// Complete records session completion. The caller (the engine's ingest
// path) is responsible for subsequently invoking satisfaction.Satisfy
// for rec.Drive — Complete itself only records the lifecycle transition.
func (t *Tracker) Complete(sessionKey string, now time.Time) (*ledger.SpawnRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, err := t.index.GetSpawn(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("session: lookup %s: %w", sessionKey, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("session: unknown session_key %s", sessionKey)
	}

	if err := t.ledger.Append(ledger.Event{
		Type:       ledger.EventCompleted,
		Timestamp:  now,
		Drive:      rec.Drive,
		SessionKey: sessionKey,
	}); err != nil {
		return nil, fmt.Errorf("session: append completed: %w", err)
	}
	rec.Status = string(StatusCompleted)
	rec.CompletedAt = now
	if err := t.index.PutSpawn(*rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// SweepTimeouts scans open spawns and marks any past
// timeout_minutes as timed out, clearing their drive's spawn slot
// without satisfying (spec §4.4). Returns the session keys it timed
// out.
func (t *Tracker) SweepTimeouts(now time.Time, driveNames []string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var timedOut []string
	deadline := time.Duration(t.timeoutMinutes) * time.Minute

	for _, name := range driveNames {
		sessionKey, err := t.index.OpenSpawnForDrive(name)
		if err != nil || sessionKey == "" {
			continue
		}
		rec, err := t.index.GetSpawn(sessionKey)
		if err != nil || rec == nil {
			continue
		}
		if now.Sub(rec.SpawnedAt) < deadline {
			continue
		}
		if err := t.ledger.Append(ledger.Event{
			Type:       ledger.EventTimeout,
			Timestamp:  now,
			Drive:      rec.Drive,
			SessionKey: sessionKey,
		}); err != nil {
			return timedOut, fmt.Errorf("session: append timeout: %w", err)
		}
		rec.Status = string(StatusTimeout)
		rec.CompletedAt = now
		if err := t.index.PutSpawn(*rec); err != nil {
			return timedOut, err
		}
		timedOut = append(timedOut, sessionKey)
	}
	return timedOut, nil
}
