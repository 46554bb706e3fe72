// Package metrics provides Prometheus metrics for the driver: registry,
// scheduler, and session observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Object Registry ────────────────────────────────────────────────────────

// BlueprintsLoaded tracks the number of blueprints currently registered.
var BlueprintsLoaded = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "mudforge",
	Name:      "blueprints_loaded",
	Help:      "Number of blueprints currently registered.",
})

// ClonesLive tracks the number of clones currently in memory.
var ClonesLive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "mudforge",
	Name:      "clones_live",
	Help:      "Number of clones currently in memory.",
})

// ClonesCreated tracks total clones ever created.
var ClonesCreated = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "mudforge",
	Name:      "clones_created_total",
	Help:      "Total clones created since startup.",
})

// ClonesDestroyed tracks total clones destroyed.
var ClonesDestroyed = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "mudforge",
	Name:      "clones_destroyed_total",
	Help:      "Total clones destroyed since startup.",
})

// ─── Compiler / Loader ──────────────────────────────────────────────────────

// CompileErrors tracks compile failures.
var CompileErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "mudforge",
	Name:      "compile_errors_total",
	Help:      "Total compile failures since startup.",
})

// ReloadTotal tracks updateBlueprint calls, by outcome.
var ReloadTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mudforge",
	Name:      "reload_total",
	Help:      "Total reload (updateBlueprint) attempts by outcome.",
}, []string{"outcome"})

// ─── Scheduler ──────────────────────────────────────────────────────────────

// TickDriftSeconds tracks how far a scheduler tick ran past its nominal
// period, the lag monitor's primary signal.
var TickDriftSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "mudforge",
	Name:      "tick_drift_seconds",
	Help:      "Scheduler tick drift past its nominal heartbeat period, in seconds.",
	Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
})

// HeartbeatsFired tracks total heartbeat callbacks invoked.
var HeartbeatsFired = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "mudforge",
	Name:      "heartbeats_fired_total",
	Help:      "Total heartbeat callbacks invoked since startup.",
})

// HeartbeatErrors tracks heartbeat callbacks that errored or panicked.
var HeartbeatErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "mudforge",
	Name:      "heartbeat_errors_total",
	Help:      "Total heartbeat callbacks that errored or panicked.",
})

// CallOutsPending tracks the number of scheduled, not-yet-fired call-outs.
var CallOutsPending = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "mudforge",
	Name:      "callouts_pending",
	Help:      "Number of call-outs currently scheduled but not yet fired.",
})

// ─── Efun Bridge ────────────────────────────────────────────────────────────

// PermissionDenials tracks permission-denied outcomes by the efun that
// triggered them.
var PermissionDenials = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mudforge",
	Name:      "permission_denials_total",
	Help:      "Total permission-denied outcomes by efun.",
}, []string{"efun"})

// GameCodeErrors tracks runtime errors raised from game code, by object path.
var GameCodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mudforge",
	Name:      "game_code_errors_total",
	Help:      "Total runtime errors raised from game code, by object path.",
}, []string{"path"})

// ─── Sessions ───────────────────────────────────────────────────────────────

// SessionsConnected tracks currently connected sessions.
var SessionsConnected = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "mudforge",
	Name:      "sessions_connected",
	Help:      "Number of currently connected sessions.",
})

// SessionsAuthenticated tracks currently bound (logged-in) sessions.
var SessionsAuthenticated = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "mudforge",
	Name:      "sessions_authenticated",
	Help:      "Number of currently bound (authenticated) sessions.",
})

// SnoopsActive tracks currently active observer/snoop relationships.
var SnoopsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "mudforge",
	Name:      "snoops_active",
	Help:      "Number of currently active snoop (observer) relationships.",
})

// LinkdeathsTotal tracks sessions that transitioned to linkdead.
var LinkdeathsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "mudforge",
	Name:      "linkdeaths_total",
	Help:      "Total sessions that transitioned to linkdead since startup.",
})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckStatus tracks health check results (1=healthy, 0=unhealthy).
var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "mudforge",
	Name:      "health_check_status",
	Help:      "Health check result per component (1=healthy, 0=unhealthy).",
}, []string{"check"})
