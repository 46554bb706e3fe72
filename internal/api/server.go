// Package api provides the driver's HTTP surface: the WebSocket upgrade
// endpoint sessions connect through, health and status probes, and an
// opt-in Prometheus metrics endpoint.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mudforge/driver/internal/domain"
	"github.com/mudforge/driver/internal/infra/efun"
	"github.com/mudforge/driver/internal/infra/registry"
	"github.com/mudforge/driver/internal/infra/session"
)

// Server is the driver's HTTP API server.
type Server struct {
	sessions       *session.Manager
	registry       *registry.Registry
	bridge         *efun.Bridge
	adminToken     string
	metricsEnabled bool
	version        string
}

// NewServer creates a new API server bound to the session manager and
// object registry the daemon constructed during boot. bridge may be nil in
// tests that don't exercise /api/reload; adminToken gates that route
// (empty disables it entirely rather than accepting any caller).
func NewServer(sessions *session.Manager, reg *registry.Registry, bridge *efun.Bridge, adminToken, version string) *Server {
	return &Server{sessions: sessions, registry: reg, bridge: bridge, adminToken: adminToken, version: version}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
		})
	})

	r.Get("/api/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "driver is running",
			"version":  s.version,
			"sessions": s.sessions.Count(),
		})
	})

	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version": s.version,
		})
	})

	r.Get("/api/objects", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"blueprints": s.registry.Blueprints(),
		})
	})

	r.Get("/api/sessions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"players": s.sessions.PlayerNames(),
			"count":   s.sessions.Count(),
		})
	})

	r.Post("/api/reload", func(w http.ResponseWriter, r *http.Request) {
		if !s.authorizeAdmin(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing or invalid admin token"})
			return
		}
		path := r.URL.Query().Get("path")
		if path == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing path query parameter"})
			return
		}
		if s.bridge == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "bridge not wired"})
			return
		}
		logical, err := domain.NormalizePath(path)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		// Routed through the Bridge rather than calling the loader directly:
		// ReloadObjectAdmin runs the reload on the scheduler's own goroutine
		// under an administrator CallerContext, so it shares ReloadObject's
		// privilege check and never touches the shared *lua.LState from this
		// handler's own goroutine.
		if err := s.bridge.ReloadObjectAdmin(string(logical)); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"reloaded": string(logical)})
	})

	// The WebSocket upgrade endpoint every player/admin client connects
	// through. The session manager owns the connection from here on.
	r.Get("/connect", s.sessions.HandleUpgrade)

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// authorizeAdmin checks the X-Admin-Token header against the configured
// admin token in constant time. An empty configured token always rejects —
// there is no "admin routes open to everyone" default.
func (s *Server) authorizeAdmin(r *http.Request) bool {
	if s.adminToken == "" {
		return false
	}
	got := r.Header.Get("X-Admin-Token")
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.adminToken)) == 1
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// corsMiddleware adds CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
