// Package config provides configuration loading and validation for the
// emergence agent.
//
// Configuration file: config.json (human-edited, JSON per the persisted
// state contract). Schema version: 1.
//
// Unlike runtime-state.json (internal/runtimestate), config.json has no
// hot-reload path: the agent reads it once at startup. On SIGHUP it
// re-reads and re-validates the file and logs the outcome, but the
// running config is kept either way. Invalid config on startup is fatal.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config is the root configuration structure for the emergence agent.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `json:"schema_version"`

	// AgentID identifies this agent instance in ledger entries and
	// session spawn records. Default: hostname.
	AgentID string `json:"agent_id"`

	Engine        EngineConfig        `json:"engine"`
	Ledger        LedgerConfig        `json:"ledger"`
	Policy        PolicyConfig        `json:"policy"`
	Session       SessionConfig       `json:"session"`
	AspectGraduation AspectGraduationConfig `json:"aspect_graduation"`
	Storage       StorageConfig       `json:"storage"`
	Nautilus      NautilusConfig      `json:"nautilus"`
	Embeddings    EmbeddingsConfig    `json:"embeddings"`
	Observability ObservabilityConfig `json:"observability"`
	Operator      OperatorConfig      `json:"operator"`

	// Drives is the set of configured drives, keyed by drive name.
	// Seeded from internal/bootstrap templates on first run, then
	// human-editable.
	Drives map[string]DriveConfig `json:"drives"`
}

// EngineConfig holds scheduler-level parameters.
type EngineConfig struct {
	// TickInterval is how often the pressure scheduler evaluates all
	// drives. Default: 30s.
	TickInterval time.Duration `json:"tick_interval"`

	// MaxCatchUpTicks is read from config.json but not used by the
	// engine; the effect of a long pause (sleep, crash recovery) is
	// bounded by MaxCatchUpWindow instead.
	// Default: 10.
	MaxCatchUpTicks int `json:"max_catch_up_ticks"`

	// EmergencyThreshold is the multiplier applied to a drive's base
	// threshold to compute its emergency ceiling (pressure above which
	// the emergency valve forces a spawn regardless of policy mode) and
	// the ratio above which status becomes emergency. Default: 2.0.
	EmergencyThreshold float64 `json:"emergency_threshold"`

	// CrisisRatio is the pressure/threshold ratio above which status
	// becomes crisis (and below EmergencyThreshold). Default: 1.5.
	CrisisRatio float64 `json:"crisis_ratio"`

	// AvailableRatio is the pressure/threshold ratio below which status
	// is available. Default: 0.30.
	AvailableRatio float64 `json:"available_ratio"`

	// ElevatedRatio is the pressure/threshold ratio below which status
	// is elevated (and above AvailableRatio). Default: 0.75.
	ElevatedRatio float64 `json:"elevated_ratio"`

	// ThwartingAversiveCount is the thwarting_count at or above which
	// valence becomes aversive regardless of pressure ratio. Default: 3.
	ThwartingAversiveCount int `json:"thwarting_aversive_count"`

	// EmergencyCooldownHours is the minimum interval between forced
	// emergency-valve spawns for the same drive. Default: 6.
	EmergencyCooldownHours float64 `json:"emergency_cooldown_hours"`

	// MaxCatchUpWindow bounds a single tick's effective Δt, to avoid
	// pressure explosions after the process was paused for a long time.
	// Default: 1h.
	MaxCatchUpWindow time.Duration `json:"max_catch_up_window"`
}

// LedgerConfig holds the satisfaction ledger's file locations.
type LedgerConfig struct {
	// EventsPath is the path to the append-only events.jsonl ledger.
	// Default: ./state/events.jsonl.
	EventsPath string `json:"events_path"`

	// IndexDBPath is the path to the derived bbolt dedup/index cache.
	// Rebuildable from EventsPath at any time.
	// Default: ./state/ledger-index.db.
	IndexDBPath string `json:"index_db_path"`
}

// PolicyConfig holds the spawn-decision policy parameters.
type PolicyConfig struct {
	// Mode is "auto" (spawn on trigger) or "choice" (notify only).
	// Default: "choice".
	Mode string `json:"mode"`

	// NotifyDebounce is the minimum interval between repeated
	// notifications for the same drive in choice mode.
	// Default: 10m.
	NotifyDebounce time.Duration `json:"notify_debounce"`
}

// SessionConfig holds session-tracker parameters.
type SessionConfig struct {
	// TimeoutMinutes is how long a spawned session may remain "active"
	// before it is marked timed out. Default: 120.
	TimeoutMinutes int `json:"timeout_minutes"`
}

// AspectGraduationConfig controls when a drive aspect graduates into a
// full independent drive (spec.md §9 Open Question, resolved in
// SPEC_FULL.md §13).
type AspectGraduationConfig struct {
	// DominanceRatio is the minimum share of parent-drive pressure an
	// aspect must account for. Default: 0.50.
	DominanceRatio float64 `json:"dominance_ratio"`

	// MinSatisfactions is the minimum number of parent-drive
	// satisfactions the aspect must have been dominant across.
	// Default: 10.
	MinSatisfactions int `json:"min_satisfactions"`

	// MinDays is the minimum wall-clock span the dominance must hold
	// across. Default: 14.
	MinDays int `json:"min_days"`
}

// StorageConfig holds local persistence paths shared by non-ledger
// components.
type StorageConfig struct {
	// RuntimeStatePath is the path to runtime-state.json.
	// Default: ./state/runtime-state.json.
	RuntimeStatePath string `json:"runtime_state_path"`
}

// NautilusConfig holds memory-palace parameters.
type NautilusConfig struct {
	// DBPath is the absolute path to the SQLite gravity store.
	// Default: ./state/gravity.db.
	DBPath string `json:"db_path"`

	// MassCap bounds a single chunk's gravity mass.
	// Default: 100.0.
	MassCap float64 `json:"mass_cap"`

	// DecayHalfLifeDays is the half-life of the mass formula's recency
	// factor (gravity.Params.RecencyHalfLifeDays). Default: 21.
	DecayHalfLifeDays float64 `json:"decay_half_life_days"`

	// AtriumMaxAgeHours is the age at which an atrium chunk promotes to
	// corridor regardless of access count. Default: 48.
	AtriumMaxAgeHours float64 `json:"atrium_max_age_hours"`

	// CorridorMaxAgeDays is the age at which a corridor chunk promotes
	// to vault regardless of mass. Default: 30.
	CorridorMaxAgeDays float64 `json:"corridor_max_age_days"`

	// VaultMassThreshold is the mass at which a corridor chunk promotes
	// to vault regardless of age. Default: 40.0.
	VaultMassThreshold float64 `json:"vault_mass_threshold"`

	// AtriumToCorridorAccesses is the access count at which an atrium
	// chunk promotes to corridor. Default: 3.
	AtriumToCorridorAccesses int `json:"atrium_to_corridor_accesses"`

	// NightlyHour is the local hour (0-23) around which nightly
	// maintenance prefers to run; actual run time is NightlyHour ± 30m.
	// Default: 3.
	NightlyHour int `json:"nightly_hour"`

	// MirrorExpansionLimit bounds how many linked mirrors a single
	// search result may expand into. Default: 5.
	MirrorExpansionLimit int `json:"mirror_expansion_limit"`

	// NoSummary is read from config.json but not used by the agent:
	// corridor->vault promotion always attempts the summarizer and flags
	// the summary chunk NoSummary when that attempt fails. Default: false.
	NoSummary bool `json:"no_summary"`

	// AuthorityBoost is added to a chunk's mass when Chunk.Authority is
	// set, per spec.md §6's "nautilus.authority_boost". Default: 10.0.
	AuthorityBoost float64 `json:"authority_boost"`

	// AgePenaltyPerDay is the mass formula's linear age penalty per day
	// since creation, spec.md §6's "nautilus.decay_rate". Default: 0.1.
	AgePenaltyPerDay float64 `json:"decay_rate"`
}

// EmbeddingsConfig selects the similarity provider internal/embed and
// internal/nautilus/search use for candidate ranking (spec.md §6).
type EmbeddingsConfig struct {
	// Provider is "local", "remote", or "none". "none" forces the
	// Jaccard token-overlap fallback everywhere, no matter what
	// Endpoint/Model say. Default: "none".
	Provider string `json:"provider"`

	// Endpoint is the embedding service URL, used when Provider is
	// "remote". Ignored otherwise.
	Endpoint string `json:"endpoint,omitempty"`

	// Model is the embedding model name, used when Provider is
	// "local" or "remote". Ignored when Provider is "none".
	Model string `json:"model,omitempty"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9191.
	MetricsAddr string `json:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `json:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `json:"log_format"`
}

// OperatorConfig holds the operator introspection socket parameters.
type OperatorConfig struct {
	// SocketPath is the Unix domain socket path for the operator
	// protocol (status queries, manual satisfy/adjust/recognize/
	// engage/defer, latent-drive activation).
	// Default: ./state/operator.sock.
	SocketPath string `json:"socket_path"`

	// Enabled controls whether the operator socket is active.
	// Default: true.
	Enabled bool `json:"enabled"`
}

// DriveConfig holds the per-drive tunables named in spec.md §2.
type DriveConfig struct {
	// AccumulationMode is "time" (rate x elapsed) or "activity"
	// (driven by work_event magnitudes).
	AccumulationMode string `json:"accumulation_mode"`

	// Rate is the per-hour pressure accumulation rate for
	// time-driven drives. Ignored for activity-driven drives.
	Rate float64 `json:"rate"`

	// Threshold is the pressure level at which the drive enters the
	// "triggered" band.
	Threshold float64 `json:"threshold"`

	// Valence is "neutral", "appetitive", or "aversive". It is validated
	// but not read at runtime: a drive's valence is always derived from
	// its pressure ratio and thwarting count.
	Valence string `json:"valence"`

	// CooldownMinutes is the minimum time between successive
	// satisfactions of this drive, enforced by internal/satisfaction.
	CooldownMinutes int `json:"cooldown_minutes"`

	// Latent marks a discovered-but-not-yet-activated drive (spec.md
	// §4 discovery). Latent drives accumulate no pressure until an
	// operator explicitly activates them.
	Latent bool `json:"latent"`

	// Aspects are named sub-facets, each with a weight in (0,1]; weights
	// must sum to 1.0 when non-empty. At most 5 aspects per drive.
	// Each tick's pressure increment is distributed across aspects by
	// weight for reporting and graduation evaluation; the parent
	// pressure remains the threshold source of truth.
	Aspects map[string]float64 `json:"aspects,omitempty"`

	// CostPerTrigger is the projected monetary cost when this drive is
	// auto-spawned, surfaced for budget transparency.
	CostPerTrigger float64 `json:"cost_per_trigger,omitempty"`

	// ActivityCategories maps ingest work_event categories to the
	// per-category weight this drive accumulates from them (spec.md
	// §4.11). Ignored for time-driven drives.
	ActivityCategories map[string]float64 `json:"activity_categories,omitempty"`
}

// Defaults returns a Config populated with all default values and no
// drives configured; drives are seeded separately by internal/bootstrap.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		AgentID:       hostname,
		Engine: EngineConfig{
			TickInterval:           30 * time.Second,
			MaxCatchUpTicks:        10,
			EmergencyThreshold:     2.0,
			CrisisRatio:            1.5,
			AvailableRatio:         0.30,
			ElevatedRatio:          0.75,
			ThwartingAversiveCount: 3,
			EmergencyCooldownHours: 6,
			MaxCatchUpWindow:       time.Hour,
		},
		Ledger: LedgerConfig{
			EventsPath:  "./state/events.jsonl",
			IndexDBPath: "./state/ledger-index.db",
		},
		Policy: PolicyConfig{
			Mode:           "choice",
			NotifyDebounce: 10 * time.Minute,
		},
		Session: SessionConfig{
			TimeoutMinutes: 120,
		},
		AspectGraduation: AspectGraduationConfig{
			DominanceRatio:   0.50,
			MinSatisfactions: 10,
			MinDays:          14,
		},
		Storage: StorageConfig{
			RuntimeStatePath: "./state/runtime-state.json",
		},
		Nautilus: NautilusConfig{
			DBPath:                   "./state/gravity.db",
			MassCap:                  100.0,
			DecayHalfLifeDays:        21,
			AtriumMaxAgeHours:        48,
			CorridorMaxAgeDays:       30,
			VaultMassThreshold:       40.0,
			AtriumToCorridorAccesses: 3,
			NightlyHour:              3,
			MirrorExpansionLimit:     5,
			AuthorityBoost:           10.0,
			AgePenaltyPerDay:         0.1,
		},
		Embeddings: EmbeddingsConfig{
			Provider: "none",
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9191",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Operator: OperatorConfig{
			Enabled:    true,
			SocketPath: "./state/operator.sock",
		},
		Drives: map[string]DriveConfig{},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Save writes cfg to path as indented JSON, validating first.
func Save(path string, cfg *Config) error {
	if err := Validate(cfg); err != nil {
		return fmt.Errorf("config.Save: refusing to write invalid config: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config.Save: marshal: %w", err)
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.AgentID == "" {
		errs = append(errs, "agent_id must not be empty")
	}
	if cfg.Engine.TickInterval < time.Second {
		errs = append(errs, fmt.Sprintf("engine.tick_interval must be >= 1s, got %s", cfg.Engine.TickInterval))
	}
	if cfg.Engine.MaxCatchUpTicks < 1 {
		errs = append(errs, fmt.Sprintf("engine.max_catch_up_ticks must be >= 1, got %d", cfg.Engine.MaxCatchUpTicks))
	}
	if cfg.Engine.EmergencyThreshold <= 1.0 {
		errs = append(errs, fmt.Sprintf("engine.emergency_threshold must be > 1.0, got %f", cfg.Engine.EmergencyThreshold))
	}
	if cfg.Engine.CrisisRatio <= cfg.Engine.ElevatedRatio || cfg.Engine.CrisisRatio >= cfg.Engine.EmergencyThreshold {
		errs = append(errs, "engine.crisis_ratio must be strictly between elevated_ratio and emergency_threshold")
	}
	if cfg.Engine.AvailableRatio <= 0 || cfg.Engine.AvailableRatio >= cfg.Engine.ElevatedRatio {
		errs = append(errs, "engine.available_ratio must be in (0, elevated_ratio)")
	}
	if cfg.Engine.ThwartingAversiveCount < 1 {
		errs = append(errs, "engine.thwarting_aversive_count must be >= 1")
	}
	if cfg.Engine.EmergencyCooldownHours < 0 {
		errs = append(errs, "engine.emergency_cooldown_hours must be >= 0")
	}
	if cfg.Engine.MaxCatchUpWindow < time.Minute {
		errs = append(errs, "engine.max_catch_up_window must be >= 1m")
	}
	if cfg.Ledger.EventsPath == "" {
		errs = append(errs, "ledger.events_path must not be empty")
	}
	if cfg.Ledger.IndexDBPath == "" {
		errs = append(errs, "ledger.index_db_path must not be empty")
	}
	switch cfg.Policy.Mode {
	case "auto", "choice":
	default:
		errs = append(errs, fmt.Sprintf("policy.mode must be \"auto\" or \"choice\", got %q", cfg.Policy.Mode))
	}
	if cfg.Session.TimeoutMinutes < 1 {
		errs = append(errs, fmt.Sprintf("session.timeout_minutes must be >= 1, got %d", cfg.Session.TimeoutMinutes))
	}
	if cfg.AspectGraduation.DominanceRatio <= 0 || cfg.AspectGraduation.DominanceRatio > 1.0 {
		errs = append(errs, fmt.Sprintf("aspect_graduation.dominance_ratio must be in (0.0, 1.0], got %f", cfg.AspectGraduation.DominanceRatio))
	}
	if cfg.AspectGraduation.MinSatisfactions < 1 {
		errs = append(errs, "aspect_graduation.min_satisfactions must be >= 1")
	}
	if cfg.AspectGraduation.MinDays < 1 {
		errs = append(errs, "aspect_graduation.min_days must be >= 1")
	}
	if cfg.Storage.RuntimeStatePath == "" {
		errs = append(errs, "storage.runtime_state_path must not be empty")
	}
	if cfg.Nautilus.DBPath == "" {
		errs = append(errs, "nautilus.db_path must not be empty")
	}
	if cfg.Nautilus.MassCap <= 0 {
		errs = append(errs, "nautilus.mass_cap must be > 0")
	}
	if cfg.Nautilus.DecayHalfLifeDays <= 0 {
		errs = append(errs, "nautilus.decay_half_life_days must be > 0")
	}
	if cfg.Nautilus.AtriumMaxAgeHours <= 0 {
		errs = append(errs, "nautilus.atrium_max_age_hours must be > 0")
	}
	if cfg.Nautilus.CorridorMaxAgeDays <= 0 {
		errs = append(errs, "nautilus.corridor_max_age_days must be > 0")
	}
	if cfg.Nautilus.VaultMassThreshold <= 0 {
		errs = append(errs, "nautilus.vault_mass_threshold must be > 0")
	}
	if cfg.Nautilus.AtriumToCorridorAccesses < 1 {
		errs = append(errs, "nautilus.atrium_to_corridor_accesses must be >= 1")
	}
	if cfg.Nautilus.NightlyHour < 0 || cfg.Nautilus.NightlyHour > 23 {
		errs = append(errs, fmt.Sprintf("nautilus.nightly_hour must be in [0, 23], got %d", cfg.Nautilus.NightlyHour))
	}
	if cfg.Nautilus.MirrorExpansionLimit < 1 {
		errs = append(errs, "nautilus.mirror_expansion_limit must be >= 1")
	}
	if cfg.Nautilus.AuthorityBoost < 0 {
		errs = append(errs, "nautilus.authority_boost must be >= 0")
	}
	if cfg.Nautilus.AgePenaltyPerDay < 0 {
		errs = append(errs, "nautilus.decay_rate must be >= 0")
	}
	switch cfg.Embeddings.Provider {
	case "local", "remote", "none":
	default:
		errs = append(errs, fmt.Sprintf("embeddings.provider must be local/remote/none, got %q", cfg.Embeddings.Provider))
	}
	if cfg.Embeddings.Provider == "remote" && cfg.Embeddings.Endpoint == "" {
		errs = append(errs, "embeddings.endpoint must not be empty when provider is \"remote\"")
	}
	switch cfg.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_level must be one of debug/info/warn/error, got %q", cfg.Observability.LogLevel))
	}
	switch cfg.Observability.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format must be \"json\" or \"console\", got %q", cfg.Observability.LogFormat))
	}
	for name, d := range cfg.Drives {
		switch d.AccumulationMode {
		case "time", "activity":
		default:
			errs = append(errs, fmt.Sprintf("drives.%s.accumulation_mode must be \"time\" or \"activity\", got %q", name, d.AccumulationMode))
		}
		if d.Threshold <= 0 {
			errs = append(errs, fmt.Sprintf("drives.%s.threshold must be > 0, got %f", name, d.Threshold))
		}
		switch d.Valence {
		case "neutral", "appetitive", "aversive":
		default:
			errs = append(errs, fmt.Sprintf("drives.%s.valence must be neutral/appetitive/aversive, got %q", name, d.Valence))
		}
		if d.CooldownMinutes < 0 {
			errs = append(errs, fmt.Sprintf("drives.%s.cooldown_minutes must be >= 0, got %d", name, d.CooldownMinutes))
		}
		if len(d.Aspects) > 5 {
			errs = append(errs, fmt.Sprintf("drives.%s.aspects must have at most 5 entries, got %d", name, len(d.Aspects)))
		}
		if len(d.Aspects) > 0 {
			var sum float64
			for _, w := range d.Aspects {
				sum += w
			}
			if sum < 0.999 || sum > 1.001 {
				errs = append(errs, fmt.Sprintf("drives.%s.aspects weights must sum to 1.0, got %f", name, sum))
			}
		}
		for category, w := range d.ActivityCategories {
			if w < 0 {
				errs = append(errs, fmt.Sprintf("drives.%s.activity_categories[%s] must be >= 0, got %f", name, category, w))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
