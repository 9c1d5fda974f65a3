// Package main — cmd/emergence-agent/main.go
//
// emergence-agent entrypoint.
//
// Startup sequence:
//  1. Parse flags.
//  2. Seed or load config.json.
//  3. Initialise structured logger (zap; JSON unless log_format is console).
//  4. Load runtime-state.json, reconcile against config's drive set.
//  5. Open the events.jsonl ledger and its bbolt index (rebuilding the
//     index from the ledger when it is missing or fails to open).
//  6. Open the Nautilus gravity store and wire the search/maintenance
//     pipelines.
//  7. Start the Prometheus metrics server.
//  8. Start the operator Unix socket (if enabled).
//  9. Register SIGHUP config re-validation and SIGINT/SIGTERM graceful shutdown.
// 10. Run the tick loop until shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to all goroutines).
//  2. Let the in-flight tick finish.
//  3. Close the gravity store, ledger index, and ledger file.
//  4. Flush logger.
//  5. Exit 0.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/emergence-agent/emergence/internal/bootstrap"
	"github.com/emergence-agent/emergence/internal/config"
	"github.com/emergence-agent/emergence/internal/drive"
	"github.com/emergence-agent/emergence/internal/engine"
	"github.com/emergence-agent/emergence/internal/ingest"
	"github.com/emergence-agent/emergence/internal/ledger"
	"github.com/emergence-agent/emergence/internal/nautilus/chambers"
	"github.com/emergence-agent/emergence/internal/nautilus/doors"
	"github.com/emergence-agent/emergence/internal/nautilus/gravity"
	"github.com/emergence-agent/emergence/internal/nautilus/maintenance"
	"github.com/emergence-agent/emergence/internal/nautilus/search"
	"github.com/emergence-agent/emergence/internal/nautilus/store"
	"github.com/emergence-agent/emergence/internal/observability"
	"github.com/emergence-agent/emergence/internal/operator"
	"github.com/emergence-agent/emergence/internal/runtimestate"
	"github.com/emergence-agent/emergence/internal/session"
	"github.com/emergence-agent/emergence/internal/summarize"
)

func main() {
	configPath := flag.String("config", "./config.json", "Path to config.json")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Println("emergence-agent (dev build)")
		os.Exit(0)
	}

	// ── Step 2: Seed or load config ──────────────────────────────────────────
	cfg, err := bootstrap.Seed(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 3: Logger ───────────────────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("emergence-agent starting",
		zap.String("agent_id", cfg.AgentID),
		zap.String("config", *configPath),
		zap.Int("drives", len(cfg.Drives)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, dir := range []string{
		filepath.Dir(cfg.Ledger.EventsPath),
		filepath.Dir(cfg.Ledger.IndexDBPath),
		filepath.Dir(cfg.Storage.RuntimeStatePath),
		filepath.Dir(cfg.Nautilus.DBPath),
	} {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatal("state directory creation failed", zap.String("dir", dir), zap.Error(err))
		}
	}

	// ── Step 4: Runtime state ────────────────────────────────────────────────
	state, err := runtimestate.Load(cfg.Storage.RuntimeStatePath)
	if err != nil {
		log.Fatal("runtime-state.json load failed", zap.Error(err))
	}
	stateWriter := runtimestate.NewWriter(cfg.Storage.RuntimeStatePath)
	drives := engine.BuildDrives(cfg, state)

	// ── Step 5: Ledger + index ───────────────────────────────────────────────
	led, err := ledger.Open(cfg.Ledger.EventsPath)
	if err != nil {
		log.Fatal("ledger open failed", zap.Error(err))
	}
	defer led.Close() //nolint:errcheck

	_, statErr := os.Stat(cfg.Ledger.IndexDBPath)
	indexMissing := os.IsNotExist(statErr)
	idx, err := ledger.OpenIndex(cfg.Ledger.IndexDBPath)
	if err == nil && indexMissing {
		if err := idx.Rebuild(cfg.Ledger.EventsPath); err != nil {
			log.Fatal("ledger index rebuild failed", zap.Error(err))
		}
	}
	if err != nil {
		log.Warn("ledger index open failed, rebuilding", zap.Error(err))
		if rmErr := os.Remove(cfg.Ledger.IndexDBPath); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Fatal("ledger index removal failed", zap.Error(rmErr))
		}
		idx, err = ledger.OpenIndex(cfg.Ledger.IndexDBPath)
		if err != nil {
			log.Fatal("ledger index rebuild failed to open", zap.Error(err))
		}
		if err := idx.Rebuild(cfg.Ledger.EventsPath); err != nil {
			log.Fatal("ledger index rebuild failed", zap.Error(err))
		}
	}
	defer idx.Close() //nolint:errcheck

	sessions := session.NewTracker(led, idx, cfg.Session.TimeoutMinutes)

	// ── Step 6: Nautilus ─────────────────────────────────────────────────────
	gravityStore, err := store.Open(cfg.Nautilus.DBPath)
	if err != nil {
		log.Fatal("gravity store open failed", zap.Error(err))
	}
	defer gravityStore.Close() //nolint:errcheck

	gravityCfg := gravity.Params{
		MassCap:             cfg.Nautilus.MassCap,
		RecencyHalfLifeDays: cfg.Nautilus.DecayHalfLifeDays,
		AuthorityBoost:      cfg.Nautilus.AuthorityBoost,
		AgePenaltyPerDay:    cfg.Nautilus.AgePenaltyPerDay,
	}
	chamberCfg := chambers.Config{
		AtriumMaxAge:             time.Duration(cfg.Nautilus.AtriumMaxAgeHours * float64(time.Hour)),
		AtriumToCorridorAccesses: cfg.Nautilus.AtriumToCorridorAccesses,
		CorridorMaxAge:           time.Duration(cfg.Nautilus.CorridorMaxAgeDays*24) * time.Hour,
		VaultMassThreshold:       cfg.Nautilus.VaultMassThreshold,
	}

	tagger, ok := doors.GetTagger("keyword")
	if !ok {
		log.Fatal("doors: default keyword tagger not registered")
	}

	// No external SummarizerLLM is wired (spec.md §6 treats it as an
	// external collaborator); corridor->vault promotion therefore
	// produces a summary chunk with no text, flagged NoSummary, whether
	// or not nautilus.no_summary is set.
	var summarizer summarize.Summarizer = summarize.Unavailable{}

	maintRunner, err := maintenance.NewRunner(gravityStore, tagger, summarizer, gravityCfg, chamberCfg,
		filepath.Dir(cfg.Nautilus.DBPath), cfg.Nautilus.NightlyHour)
	if err != nil {
		log.Fatal("maintenance runner init failed", zap.Error(err))
	}

	embeddingMode := "fallback"
	if cfg.Embeddings.Provider != "none" {
		log.Warn("embeddings.provider configured but no provider plugin is wired; falling back to Jaccard similarity",
			zap.String("provider", cfg.Embeddings.Provider))
	}

	searchPipeline := search.NewPipeline(gravityStore, tagger, gravityCfg, gravityStore, gravityStore, cfg.Nautilus.MirrorExpansionLimit, embeddingMode)
	_ = searchPipeline // exercised by the (external) session-artifact/search request path; wired and ready

	// ── Step 7: Metrics ──────────────────────────────────────────────────────
	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	graduationCfg := drive.GraduationConfig{
		DominanceRatio:   cfg.AspectGraduation.DominanceRatio,
		MinSatisfactions: cfg.AspectGraduation.MinSatisfactions,
		MinDays:          cfg.AspectGraduation.MinDays,
	}
	ingestor := ingest.NewIngestor(noopReader{}, led, idx, 256, func(category string) {
		metrics.WorkEventsDroppedTotal.WithLabelValues(category).Inc()
	}, graduationCfg)

	eng := engine.New(cfg, drives, led, idx, sessions, ingestor, metrics, stateWriter, log)

	// ── Step 8: Operator socket ──────────────────────────────────────────────
	if cfg.Operator.Enabled {
		opServer := operator.NewServer(cfg.Operator.SocketPath, eng, log)
		go func() {
			if err := opServer.ListenAndServe(ctx); err != nil {
				log.Error("operator socket error", zap.Error(err))
			}
		}()
		log.Info("operator socket listening", zap.String("path", cfg.Operator.SocketPath))
	} else {
		log.Info("operator socket disabled")
	}

	// ── Step 9: SIGHUP re-validation (config.json is read-mostly; this
	// re-reads and validates it and logs the result; the running config
	// and drive map are kept as they are) ──────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — validating config...")
			if _, err := config.Load(*configPath); err != nil {
				log.Error("config reload validation failed — retaining running config", zap.Error(err))
				continue
			}
			log.Info("config re-validated successfully")
		}
	}()

	// ── Step 10: Tick loop ────────────────────────────────────────────────────
	ticker := time.NewTicker(cfg.Engine.TickInterval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

tickLoop:
	for {
		select {
		case now := <-ticker.C:
			if err := eng.Tick(now); err != nil {
				log.Error("tick failed", zap.Error(err))
			}
			if maintRunner.Due(now) {
				report := maintRunner.Run(ctx, now)
				for _, step := range report.Steps {
					metrics.NightlyMaintenanceStepsTotal.WithLabelValues(step.Step).Inc()
					if step.Err != nil {
						log.Warn("maintenance step failed", zap.String("step", step.Step), zap.Error(step.Err))
					}
				}
				for _, p := range report.Promotions {
					metrics.ChamberPromotionsTotal.WithLabelValues(p.From.String(), p.To.String()).Inc()
				}
				log.Info("nightly maintenance ran", zap.Time("ran_at", report.RanAt), zap.Time("next_run_at", report.NextRunAt))
			}
		case sig := <-sigCh:
			log.Info("shutdown signal received", zap.String("signal", sig.String()))
			cancel()
			break tickLoop
		case <-ctx.Done():
			break tickLoop
		}
	}

	log.Info("emergence-agent shutdown complete")
}

// noopReader is the default Session Artifact Reader until an external
// collaborator (spec §6) is configured; Read is never called unless
// something drives the ingest path, so it always errors rather than
// pretending to parse anything.
type noopReader struct{}

func (noopReader) Read(path string) (ingest.ArtifactHeader, []ingest.DiscoveredDrive, error) {
	return ingest.ArtifactHeader{}, nil, fmt.Errorf("ingest: no Session Artifact Reader configured")
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
