package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func gatheredNames(t *testing.T) map[string]bool {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	return names
}

func TestRegistryMetrics(t *testing.T) {
	BlueprintsLoaded.Set(4)
	ClonesLive.Set(12)
	ClonesCreated.Add(20)
	ClonesDestroyed.Add(8)

	names := gatheredNames(t)
	for _, want := range []string{
		"mudforge_blueprints_loaded",
		"mudforge_clones_live",
		"mudforge_clones_created_total",
		"mudforge_clones_destroyed_total",
	} {
		if !names[want] {
			t.Errorf("metric %q not found", want)
		}
	}
}

func TestCompilerMetrics(t *testing.T) {
	CompileErrors.Add(3)
	ReloadTotal.WithLabelValues("success").Inc()
	ReloadTotal.WithLabelValues("failure").Inc()

	names := gatheredNames(t)
	if !names["mudforge_compile_errors_total"] {
		t.Error("mudforge_compile_errors_total not found")
	}
	if !names["mudforge_reload_total"] {
		t.Error("mudforge_reload_total not found")
	}
}

func TestSchedulerMetrics(t *testing.T) {
	TickDriftSeconds.Observe(0.012)
	HeartbeatsFired.Add(100)
	HeartbeatErrors.Add(2)
	CallOutsPending.Set(7)

	names := gatheredNames(t)
	for _, want := range []string{
		"mudforge_tick_drift_seconds",
		"mudforge_heartbeats_fired_total",
		"mudforge_heartbeat_errors_total",
		"mudforge_callouts_pending",
	} {
		if !names[want] {
			t.Errorf("metric %q not found", want)
		}
	}
}

func TestBridgeMetrics(t *testing.T) {
	PermissionDenials.WithLabelValues("write_file").Inc()
	GameCodeErrors.WithLabelValues("/obj/sword").Inc()

	names := gatheredNames(t)
	if !names["mudforge_permission_denials_total"] {
		t.Error("mudforge_permission_denials_total not found")
	}
	if !names["mudforge_game_code_errors_total"] {
		t.Error("mudforge_game_code_errors_total not found")
	}
}

func TestSessionMetrics(t *testing.T) {
	SessionsConnected.Set(5)
	SessionsAuthenticated.Set(4)
	SnoopsActive.Set(1)
	LinkdeathsTotal.Add(2)

	names := gatheredNames(t)
	for _, want := range []string{
		"mudforge_sessions_connected",
		"mudforge_sessions_authenticated",
		"mudforge_snoops_active",
		"mudforge_linkdeaths_total",
	} {
		if !names[want] {
			t.Errorf("metric %q not found", want)
		}
	}
}

func TestHealthMetrics(t *testing.T) {
	HealthCheckStatus.WithLabelValues("sqlite").Set(1)
	HealthCheckStatus.WithLabelValues("mudlib_root").Set(1)

	names := gatheredNames(t)
	if !names["mudforge_health_check_status"] {
		t.Error("mudforge_health_check_status not found")
	}
}

func TestAllMetricsGatherable(t *testing.T) {
	names := gatheredNames(t)
	count := 0
	for name := range names {
		if len(name) > 9 && name[:9] == "mudforge_" {
			count++
		}
	}
	if count < 12 {
		t.Errorf("expected at least 12 mudforge_ metrics, got %d", count)
	}
}
