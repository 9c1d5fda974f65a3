// Package observability — metrics.go
//
// Prometheus metrics for the emergence agent.
//
// Endpoint: GET /metrics on 127.0.0.1:9191 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: the configured address as given; the default is loopback only.
//
// Metric naming convention: emergence_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - drive name is used as a label; the drive set is small and
//     config-bounded, not attacker- or user-controlled.
//   - from_status/to_status labels use the 5 fixed drive status values;
//     no metric carries a valence label.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for the agent.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Drive engine ──────────────────────────────────────────────────────

	// DrivePressure is the current pressure value, by drive.
	DrivePressure *prometheus.GaugeVec

	// DrivePressureRatio is pressure/threshold, by drive.
	DrivePressureRatio *prometheus.GaugeVec

	// DriveStatusTransitionsTotal counts status transitions.
	// Labels: drive, from_status, to_status
	DriveStatusTransitionsTotal *prometheus.CounterVec

	// DriveThwartingCount is the current thwarting_count, by drive.
	DriveThwartingCount *prometheus.GaugeVec

	// ─── Satisfaction ──────────────────────────────────────────────────────

	// SatisfactionsTotal counts applied satisfactions, by drive and depth.
	SatisfactionsTotal *prometheus.CounterVec

	// SatisfactionDedupTotal counts satisfy() calls short-circuited by the
	// session_ref dedup index, by drive.
	SatisfactionDedupTotal *prometheus.CounterVec

	// ─── Policy / session ────────────────────────────────────────────────

	// SpawnsTotal counts session spawns, by drive and trigger
	// (auto, emergency).
	SpawnsTotal *prometheus.CounterVec

	// NotificationsTotal counts choice-mode notify decisions, by drive.
	NotificationsTotal *prometheus.CounterVec

	// SessionTimeoutsTotal counts sessions that aged past timeout_minutes
	// without completing, by drive.
	SessionTimeoutsTotal *prometheus.CounterVec

	// ─── Ingest ────────────────────────────────────────────────────────────

	// WorkEventsDroppedTotal counts work events dropped because the
	// ingest queue was full, by category.
	WorkEventsDroppedTotal *prometheus.CounterVec

	// WorkEventQueueDepth is the current in-memory work-event queue depth.
	WorkEventQueueDepth prometheus.Gauge

	// ─── Nautilus memory palace ────────────────────────────────────────────

	// GravityMass is the current mass of tracked memories, bucketed by
	// chamber (atrium, corridor, vault) rather than per-memory to keep
	// cardinality bounded.
	GravityMass *prometheus.GaugeVec

	// ChamberPromotionsTotal counts promotions between chambers.
	// Labels: from_chamber, to_chamber
	ChamberPromotionsTotal *prometheus.CounterVec

	// NightlyMaintenanceDuration records wall-clock duration of a full
	// nightly maintenance run.
	NightlyMaintenanceDuration prometheus.Histogram

	// NightlyMaintenanceStepsTotal counts completed maintenance steps, by
	// step name.
	NightlyMaintenanceStepsTotal *prometheus.CounterVec

	// SearchLatency records retrieval pipeline latency end to end.
	SearchLatency prometheus.Histogram

	// ─── Storage ──────────────────────────────────────────────────────────

	// LedgerAppendLatency records ledger.Append fsync latency.
	LedgerAppendLatency prometheus.Histogram

	// LedgerEntries is the current number of ledger events appended since
	// process start (not a cumulative file count — that would require a
	// scan on every observation).
	LedgerEntries prometheus.Counter

	// ─── Agent ────────────────────────────────────────────────────────────

	// AgentUptimeSeconds is the number of seconds since agent start.
	AgentUptimeSeconds prometheus.Gauge

	// startTime records when the agent started (for uptime calculation).
	startTime time.Time
}

// NewMetrics creates and registers all emergence-agent Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		DrivePressure: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "emergence",
			Subsystem: "drive",
			Name:      "pressure",
			Help:      "Current accumulated pressure, by drive.",
		}, []string{"drive"}),

		DrivePressureRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "emergence",
			Subsystem: "drive",
			Name:      "pressure_ratio",
			Help:      "Current pressure divided by threshold, by drive.",
		}, []string{"drive"}),

		DriveStatusTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "emergence",
			Subsystem: "drive",
			Name:      "status_transitions_total",
			Help:      "Total drive status transitions, by drive, from_status and to_status.",
		}, []string{"drive", "from_status", "to_status"}),

		DriveThwartingCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "emergence",
			Subsystem: "drive",
			Name:      "thwarting_count",
			Help:      "Current consecutive-thwart count, by drive.",
		}, []string{"drive"}),

		SatisfactionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "emergence",
			Subsystem: "satisfaction",
			Name:      "applied_total",
			Help:      "Total applied satisfactions, by drive and depth.",
		}, []string{"drive", "depth"}),

		SatisfactionDedupTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "emergence",
			Subsystem: "satisfaction",
			Name:      "dedup_total",
			Help:      "Total satisfy() calls short-circuited as duplicate session_refs, by drive.",
		}, []string{"drive"}),

		SpawnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "emergence",
			Subsystem: "policy",
			Name:      "spawns_total",
			Help:      "Total session spawns, by drive and trigger.",
		}, []string{"drive", "trigger"}),

		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "emergence",
			Subsystem: "policy",
			Name:      "notifications_total",
			Help:      "Total choice-mode notify decisions, by drive.",
		}, []string{"drive"}),

		SessionTimeoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "emergence",
			Subsystem: "session",
			Name:      "timeouts_total",
			Help:      "Total sessions that timed out before completing, by drive.",
		}, []string{"drive"}),

		WorkEventsDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "emergence",
			Subsystem: "ingest",
			Name:      "work_events_dropped_total",
			Help:      "Total work events dropped due to queue overflow, by category.",
		}, []string{"category"}),

		WorkEventQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "emergence",
			Subsystem: "ingest",
			Name:      "work_event_queue_depth",
			Help:      "Current depth of the in-memory work-event queue.",
		}),

		GravityMass: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "emergence",
			Subsystem: "nautilus",
			Name:      "gravity_mass",
			Help:      "Total gravity mass of tracked memories, by chamber.",
		}, []string{"chamber"}),

		ChamberPromotionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "emergence",
			Subsystem: "nautilus",
			Name:      "chamber_promotions_total",
			Help:      "Total chamber promotions, by from_chamber and to_chamber.",
		}, []string{"from_chamber", "to_chamber"}),

		NightlyMaintenanceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "emergence",
			Subsystem: "nautilus",
			Name:      "nightly_maintenance_duration_seconds",
			Help:      "Duration of a full nightly maintenance run.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}),

		NightlyMaintenanceStepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "emergence",
			Subsystem: "nautilus",
			Name:      "nightly_maintenance_steps_total",
			Help:      "Total completed nightly maintenance steps, by step.",
		}, []string{"step"}),

		SearchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "emergence",
			Subsystem: "nautilus",
			Name:      "search_latency_seconds",
			Help:      "End-to-end retrieval pipeline latency.",
			Buckets:   prometheus.DefBuckets,
		}),

		LedgerAppendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "emergence",
			Subsystem: "ledger",
			Name:      "append_latency_seconds",
			Help:      "Ledger append (write plus fsync) latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		LedgerEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "emergence",
			Subsystem: "ledger",
			Name:      "entries_total",
			Help:      "Total ledger events appended since process start.",
		}),

		AgentUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "emergence",
			Subsystem: "agent",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the agent started.",
		}),
	}

	reg.MustRegister(
		m.DrivePressure,
		m.DrivePressureRatio,
		m.DriveStatusTransitionsTotal,
		m.DriveThwartingCount,
		m.SatisfactionsTotal,
		m.SatisfactionDedupTotal,
		m.SpawnsTotal,
		m.NotificationsTotal,
		m.SessionTimeoutsTotal,
		m.WorkEventsDroppedTotal,
		m.WorkEventQueueDepth,
		m.GravityMass,
		m.ChamberPromotionsTotal,
		m.NightlyMaintenanceDuration,
		m.NightlyMaintenanceStepsTotal,
		m.SearchLatency,
		m.LedgerAppendLatency,
		m.LedgerEntries,
		m.AgentUptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given address.
// Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the AgentUptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.AgentUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
