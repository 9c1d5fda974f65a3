// Package runtimestate owns runtime-state.json, the machine-written
// half of the split runtime file (spec.md §3). Exactly one Writer must
// exist per workspace for the lifetime of the process — the engine
// holds it and nothing else opens this file for writing — resolving
// spec §9's "two writers to the runtime state file" open question.
//
// Every Write is a full rewrite under the temp-file-and-rename
// discipline: write to a sibling .tmp file, fsync it, then rename over
// the target. A crash mid-write leaves the previous runtime-state.json
// intact, never a half-written one.
package runtimestate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DriveState is one drive's machine-written snapshot.
type DriveState struct {
	Pressure            float64   `json:"pressure"`
	Status              string    `json:"status"`
	Valence             string    `json:"valence"`
	ThwartingCount      int       `json:"thwarting_count"`
	LastTriggered       time.Time `json:"last_triggered,omitempty"`
	LastEmergencySpawn  time.Time `json:"last_emergency_spawn,omitempty"`
	LastTick            time.Time `json:"last_tick,omitempty"`
	CooldownUntil       time.Time `json:"cooldown_until,omitempty"`
	SatisfactionEvents  int       `json:"satisfaction_events"`
	SessionCountSince   int       `json:"session_count_since"`
}

// State is the full runtime-state.json document.
type State struct {
	SchemaVersion string                `json:"schema_version"`
	UpdatedAt     time.Time             `json:"updated_at"`
	Drives        map[string]DriveState `json:"drives"`
}

// Writer is the sole process-lifetime owner of runtime-state.json.
type Writer struct {
	path string
}

// NewWriter constructs a Writer for path. Constructing more than one
// Writer for the same path within a process violates the single-writer
// invariant; callers must thread one instance through the engine.
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Load reads the current runtime-state.json, or returns an empty State
// with no error if the file does not exist yet (fresh workspace).
func Load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &State{SchemaVersion: "1", Drives: map[string]DriveState{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("runtimestate.Load(%q): %w", path, err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("runtimestate.Load(%q): parse: %w", path, err)
	}
	return &s, nil
}

// Write atomically rewrites runtime-state.json with s.
func (w *Writer) Write(s *State) error {
	s.UpdatedAt = time.Now().UTC()
	if s.SchemaVersion == "" {
		s.SchemaVersion = "1"
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("runtimestate: marshal: %w", err)
	}

	dir := filepath.Dir(w.path)
	tmp, err := os.CreateTemp(dir, ".runtime-state-*.tmp")
	if err != nil {
		return fmt.Errorf("runtimestate: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("runtimestate: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("runtimestate: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("runtimestate: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		return fmt.Errorf("runtimestate: rename into place: %w", err)
	}
	return nil
}

// Reconcile makes s's drive set match config: a drive only in driveNames
// is added with default state (available, neutral), and a drive only in
// s is dropped. driveNames is the authoritative set from config.json.
func Reconcile(s *State, driveNames []string) {
	want := make(map[string]bool, len(driveNames))
	for _, n := range driveNames {
		want[n] = true
		if _, ok := s.Drives[n]; !ok {
			s.Drives[n] = DriveState{Status: "available", Valence: "neutral"}
		}
	}
	for n := range s.Drives {
		if !want[n] {
			delete(s.Drives, n)
		}
	}
}
