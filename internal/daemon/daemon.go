package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/mudforge/driver/internal/api"
	"github.com/mudforge/driver/internal/domain"
	"github.com/mudforge/driver/internal/health"
	"github.com/mudforge/driver/internal/infra/compiler"
	"github.com/mudforge/driver/internal/infra/efun"
	"github.com/mudforge/driver/internal/infra/loader"
	_ "github.com/mudforge/driver/internal/infra/metrics" // register Prometheus collectors
	"github.com/mudforge/driver/internal/infra/registry"
	"github.com/mudforge/driver/internal/infra/scheduler"
	"github.com/mudforge/driver/internal/infra/session"
	"github.com/mudforge/driver/internal/infra/sqlite"
	"github.com/mudforge/driver/internal/security"
)

// Daemon wires together every driver service and owns their lifecycle: the
// Lua state and the Object Registry built on it, the Module Loader and
// Compiler, the Scheduler, the Efun Bridge, the Session Manager, and the
// ambient sqlite/health/API layers. Boot and shutdown order follow
// spec.md §4.7.
type Daemon struct {
	Config Config

	L         *lua.LState
	DB        *sqlite.DB
	Keypair   *security.Keypair
	Registry  *registry.Registry
	Compiler  *compiler.Compiler
	Loader    *loader.Loader
	Scheduler *scheduler.Scheduler
	Bridge    *efun.Bridge
	Sessions  *session.Manager
	Health    *health.Checker
	Server    *api.Server

	cancel context.CancelFunc
}

// New loads configuration and builds a Daemon with all services wired.
func New() (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig builds a Daemon from an explicit configuration, following
// spec.md §4.7's boot order: Registry, then Loader+Compiler, then
// Scheduler, then Bridge. The master object and preload subtrees are NOT
// loaded here — that happens in Serve, since a failure to load the master
// object is fatal and callers of New/NewWithConfig expect a constructed,
// not-yet-running Daemon back.
func NewWithConfig(cfg Config) (*Daemon, error) {
	db, err := sqlite.Open(DriverHome())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	kp, err := security.LoadOrCreateKeypair(DriverHome())
	if err != nil {
		log.Printf("[daemon] WARNING: failed to load keypair: %v (audit signing disabled)", err)
	}

	L := lua.NewState()

	reg := registry.New(L)
	comp := compiler.New()
	ld := loader.New(cfg.Driver.MudlibPath, comp, reg)
	sch := scheduler.New(scheduler.Config{
		HeartbeatPeriod:  time.Duration(cfg.Driver.HeartbeatPeriodMs) * time.Millisecond,
		TickDriftWarning: time.Duration(cfg.Driver.TickDriftWarningMs) * time.Millisecond,
	})

	var audit domain.AuditSink
	if kp != nil {
		audit = &auditSink{db: db, kp: kp}
	}

	dataRoot := filepath.Join(cfg.Driver.MudlibPath, "data")
	bridge := efun.New(L, reg, ld, sch, cfg.Driver.MudlibPath, dataRoot, audit)

	sessions := session.NewManager(sessionConfig(cfg.Driver), &credentialStore{bridge: bridge}, bridge)
	bridge.SetConnection(sessions)
	sessions.SetBinder(bridge)

	if cfg.Driver.AdminToken == "" {
		log.Printf("[daemon] WARNING: driver.admin_token is unset; /api/reload is disabled")
	}

	checker := health.NewChecker(db, cfg.Driver.MudlibPath, sch, time.Duration(cfg.Driver.TickDriftWarningMs)*time.Millisecond)

	srv := api.NewServer(sessions, reg, bridge, cfg.Driver.AdminToken, "dev")
	if cfg.Telemetry.Prometheus {
		srv.EnableMetrics()
	}

	return &Daemon{
		Config:    cfg,
		L:         L,
		DB:        db,
		Keypair:   kp,
		Registry:  reg,
		Compiler:  comp,
		Loader:    ld,
		Scheduler: sch,
		Bridge:    bridge,
		Sessions:  sessions,
		Health:    checker,
		Server:    srv,
	}, nil
}

// sessionConfig translates the driver's configuration keys into the
// session package's Config shape (spec.md §6's wsHeartbeatIntervalMs and
// wsMaxMissedPongs, plus linkdeathGraceMs).
func sessionConfig(d DriverConfig) session.Config {
	cfg := session.DefaultConfig()
	if d.WSHeartbeatIntervalMs > 0 {
		cfg.HeartbeatInterval = time.Duration(d.WSHeartbeatIntervalMs) * time.Millisecond
	}
	if d.WSMaxMissedPongs > 0 {
		cfg.MaxMissedPongs = d.WSMaxMissedPongs
	}
	if d.LinkdeathGraceMs > 0 {
		cfg.LinkdeathGraceMs = d.LinkdeathGraceMs
	}
	return cfg
}

// Serve runs the boot sequence's remaining fatal and non-fatal steps — load
// the master object (fatal on failure), preload configured subtrees
// (failures logged, not fatal) — then starts the scheduler, the health
// checker, and the HTTP server, and blocks until ctx is canceled or a
// SIGINT/SIGTERM arrives. Shutdown follows spec.md §4.7 in reverse: stop
// accepting connections (ShutdownGraceMs bounds the HTTP server's
// shutdown), close every session, stop the scheduler, then close the
// database. Each session is closed right after its shutdown message is
// queued; there is no grace period for sessions to drain.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	masterPath, err := domain.NormalizePath(d.Config.Driver.MasterObject)
	if err != nil {
		return fmt.Errorf("invalid master object path: %w", err)
	}
	if _, err := d.Loader.LoadObject(masterPath); err != nil {
		return fmt.Errorf("load master object %s: %w", masterPath, err)
	}
	d.Bridge.SetMaster(masterPath)

	for _, subtree := range d.Config.Driver.Preload {
		if err := d.Loader.Preload(subtree); err != nil {
			log.Printf("[daemon] preload %s failed (continuing): %v", subtree, err)
		}
	}

	d.Scheduler.Start(ctx)
	go d.Health.Run(ctx)

	addr := fmt.Sprintf("%s:%d", d.Config.Driver.Host, d.Config.Driver.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.loggingMiddleware(d.Server.Handler()),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // long-lived WebSocket connections
		IdleTimeout:  2 * time.Minute,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(
			context.Background(), time.Duration(d.Config.Driver.ShutdownGraceMs)*time.Millisecond,
		)
		defer shutdownCancel()

		_ = httpServer.Shutdown(shutdownCtx)
		d.Sessions.Shutdown("driver is shutting down")
		d.Scheduler.Stop()
		_ = d.DB.Close()
	}()

	log.Printf("[daemon] serving on http://%s", addr)
	if d.Config.Telemetry.Prometheus {
		log.Printf("[daemon]   metrics: http://%s/metrics", addr)
	}

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// loggingMiddleware logs each request's method and path when configured,
// wrapping the handler so access logging stays an ambient, optional
// concern rather than something the api package itself decides.
func (d *Daemon) loggingMiddleware(next http.Handler) http.Handler {
	if !d.Config.Driver.LogHTTPRequests {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("[http] %s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

// Close releases every resource Serve would otherwise clean up on
// shutdown. Safe to call on a Daemon that never had Serve called on it.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.Scheduler != nil {
		d.Scheduler.Stop()
	}
	if d.DB != nil {
		_ = d.DB.Close()
	}
}

// auditSink signs every audit record with the driver's Ed25519 identity
// before writing it, implementing domain.AuditSink over sqlite.DB.
type auditSink struct {
	db *sqlite.DB
	kp *security.Keypair
}

func (a *auditSink) RecordEvent(principal domain.PermissionPrincipal, action, detail string) error {
	message := []byte(principal.Name + "|" + principal.Level.String() + "|" + action + "|" + detail)
	return a.db.RecordAudit(sqlite.AuditEntry{
		At:        time.Now(),
		Principal: principal.Name,
		Level:     principal.Level.String(),
		Action:    action,
		Detail:    detail,
		Signature: a.kp.SignHex(message),
	})
}

// credentialRecord is the JSON envelope stored under
// data/credentials/<name>.json — kept separate from a player's own save
// data (data/players/<name>.json) so game code's save_player/load_player
// efuns never see the password hash.
type credentialRecord struct {
	PasswordHash string                 `json:"password_hash"`
	Level        domain.PermissionLevel `json:"level"`
}

// credentialStore implements session.PlayerStore over the Bridge's generic
// data efuns.
type credentialStore struct {
	bridge *efun.Bridge
}

func (c *credentialStore) LoadCredential(name string) (string, bool, error) {
	raw, err := c.bridge.LoadData("credentials", name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	var rec credentialRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return "", false, fmt.Errorf("decode credential record: %w", err)
	}
	return rec.PasswordHash, true, nil
}

func (c *credentialStore) SaveCredential(name, hash string) error {
	raw, err := json.Marshal(credentialRecord{PasswordHash: hash})
	if err != nil {
		return err
	}
	return c.bridge.SaveData("credentials", name, string(raw))
}

// LoadLevel implements session.PlayerStore: it reads the same credential
// record SaveCredential wrote, defaulting to PermissionPlayer for accounts
// created before the Level field existed (Go's zero value for
// domain.PermissionLevel is already PermissionPlayer, so an absent or
// pre-existing record decodes correctly with no special case).
func (c *credentialStore) LoadLevel(name string) (domain.PermissionLevel, error) {
	raw, err := c.bridge.LoadData("credentials", name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.PermissionPlayer, nil
		}
		return domain.PermissionPlayer, err
	}
	var rec credentialRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return domain.PermissionPlayer, fmt.Errorf("decode credential record: %w", err)
	}
	return rec.Level, nil
}
