// Package efun implements the Bridge: the fixed, capability-gated surface
// through which mudlib (Lua) code reaches every driver service — object
// lifecycle, hierarchy, player, filesystem, permissions, scheduler,
// persistence, the connection layer, and command dispatch (spec.md §4.5).
//
// The efun catalog is also installed into the shared Lua state's `efuns`
// global table as `lua.LGFunction` closures at construction time (see
// installEfuns in lua_glue.go for the list), so mudlib code calls
// `efuns.clone_object(path)` etc. Go-only entry points — Push/Pop on the
// CallerContext stack, SetConnection, SetMaster, Dispatch, ReloadObjectAdmin and
// the handle-taking SetHeartbeat/CallOut — have no Lua binding; they are
// what Go callers (the session, api and daemon packages) use directly.
package efun

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/mudforge/driver/internal/domain"
	"github.com/mudforge/driver/internal/infra/loader"
	"github.com/mudforge/driver/internal/infra/registry"
	"github.com/mudforge/driver/internal/infra/scheduler"
)

// Bridge wires the driver's services behind the permission and path-safety
// checks spec.md §4.5 mandates. callStack is the live CallerContext stack:
// pushed when the scheduler or another efun enters an object's code, popped
// when it returns, so game code always sees the right "this_object()" and
// "this_player()" even across suspensions (spec.md §5).
type Bridge struct {
	L          *lua.LState
	Registry   *registry.Registry
	Loader     *loader.Loader
	Scheduler  *scheduler.Scheduler
	MudlibRoot string
	DataRoot   string
	Audit      domain.AuditSink // nil-able: audit logging is ambient, not core

	connection ConnectionBridge
	masterPath domain.LogicalPath

	callStack []domain.CallerContext
}

// ConnectionBridge is the subset of the session manager the Bridge's
// connection efuns need (write_to_player, disconnect, bind, snoop, ...). It
// is an interface here so efun never imports session; session.Manager
// implements it and the daemon wires it in with SetConnection.
type ConnectionBridge interface {
	SendToPlayer(name string, text string) error
	Disconnect(name string) error
	PlayerNames() []string
	BindBySessionID(sessionID, name string) error
	PlayerLevel(name string) (domain.PermissionLevel, bool)
	SnoopByName(observerName, targetName string) error
	UnsnoopByName(observerName string) error
}

// New returns a Bridge bound to the given services. SetConnection must be
// called once the session Manager exists (the daemon wires this during
// boot, after the Bridge itself, since session.Manager also depends on the
// Bridge to dispatch player commands).
func New(L *lua.LState, reg *registry.Registry, ld *loader.Loader, sch *scheduler.Scheduler, mudlibRoot, dataRoot string, audit domain.AuditSink) *Bridge {
	b := &Bridge{
		L:          L,
		Registry:   reg,
		Loader:     ld,
		Scheduler:  sch,
		MudlibRoot: strings.TrimSuffix(mudlibRoot, "/"),
		DataRoot:   strings.TrimSuffix(dataRoot, "/"),
		Audit:      audit,
	}
	b.installEfuns()
	return b
}

// SetConnection wires the connection-bridge efuns to a live session.Manager.
func (b *Bridge) SetConnection(c ConnectionBridge) { b.connection = c }

// ─── Caller Context ──────────────────────────────────────────────────────────

// Push enters a new CallerContext, used by the scheduler before invoking a
// heartbeat/call-out and by the Bridge before invoking an efun that calls
// back into another object's code.
func (b *Bridge) Push(ctx domain.CallerContext) {
	b.callStack = append(b.callStack, ctx)
}

// Pop restores the previous CallerContext.
func (b *Bridge) Pop() {
	if len(b.callStack) == 0 {
		return
	}
	b.callStack = b.callStack[:len(b.callStack)-1]
}

// Current returns the CallerContext currently in effect, or the zero value
// if nothing has pushed one yet (driver-level bootstrap code).
func (b *Bridge) Current() domain.CallerContext {
	if len(b.callStack) == 0 {
		return domain.CallerContext{}
	}
	return b.callStack[len(b.callStack)-1]
}

// ─── Object lifecycle & hierarchy efuns ────────────────────────────────────

// CloneObject loads (if needed) and clones the Blueprint at path.
func (b *Bridge) CloneObject(path string) (domain.ObjectHandle, error) {
	logical, err := domain.NormalizePath(path)
	if err != nil {
		return domain.ObjectHandle{}, err
	}
	c, err := b.Loader.CloneObject(logical)
	if err != nil {
		return domain.ObjectHandle{}, err
	}
	return c.Handle, nil
}

// LoadObject compiles and registers path's Blueprint without cloning it —
// distinct from CloneObject, for game code that wants the Blueprint's
// identity itself (e.g. to query its own inventory) rather than a new
// instance (spec.md §4.5's loadObject/cloneObject split).
func (b *Bridge) LoadObject(path string) (domain.ObjectHandle, error) {
	logical, err := domain.NormalizePath(path)
	if err != nil {
		return domain.ObjectHandle{}, err
	}
	if _, err := b.Loader.LoadObject(logical); err != nil {
		return domain.ObjectHandle{}, err
	}
	return domain.ObjectHandle{Path: logical, Kind: domain.KindBlueprint}, nil
}

// FindObject resolves a handle's string identity (e.g. "/obj/sword#3" or the
// bare "/obj/master") back into a domain.ObjectHandle, confirming the object
// still exists in the registry. Returns domain.ErrNotFound if it doesn't.
func (b *Bridge) FindObject(identity string) (domain.ObjectHandle, error) {
	handle, err := domain.ParseObjectHandle(identity)
	if err != nil {
		return domain.ObjectHandle{}, err
	}
	if handle.Kind == domain.KindBlueprint {
		if _, err := b.Registry.Find(handle.Path); err != nil {
			return domain.ObjectHandle{}, err
		}
		return handle, nil
	}
	if _, err := b.Registry.Get(handle); err != nil {
		return domain.ObjectHandle{}, err
	}
	return handle, nil
}

// DestroyObject removes a Clone from the registry, recursively destroying
// its inventory first (spec.md §4.2).
func (b *Bridge) DestroyObject(handle domain.ObjectHandle) error {
	return b.Registry.Destroy(handle)
}

// ReloadObject recompiles path and rebinds its Blueprint's methods.
// Requires at least PermissionSeniorBuilder (spec.md §4.5's reload-is-
// privileged rule), checked against the current CallerContext's player.
func (b *Bridge) ReloadObject(path string) error {
	logical, err := domain.NormalizePath(path)
	if err != nil {
		return err
	}
	if err := b.requireLevel(domain.PermissionSeniorBuilder); err != nil {
		return err
	}
	if err := b.Loader.ReloadObject(logical); err != nil {
		return err
	}
	b.recordAudit("updateBlueprint", string(logical))
	return nil
}

// ReloadObjectAdmin is ReloadObject's entry point for the admin HTTP surface
// (api.Server's /api/reload route): it runs the actual reload as a
// zero-delay call-out on the scheduler's own goroutine, exactly the way
// Dispatch routes player commands, instead of on the calling HTTP handler's
// goroutine — UpdateBlueprint mutates the one shared *lua.LState, which is
// not safe for concurrent use against the scheduler's own heartbeat/call-out
// calls (spec.md §5's single-logical-thread guarantee). It also runs under
// an administrator CallerContext so ReloadObject's own requireLevel check
// passes for this trusted, already-authenticated caller, and blocks until
// the scheduled reload has actually run.
func (b *Bridge) ReloadObjectAdmin(path string) error {
	handle := domain.ObjectHandle{Path: b.masterPath, Kind: domain.KindBlueprint}
	result := make(chan error, 1)
	b.Scheduler.AddCallOut(handle, "admin_reload", 0, func(ctx context.Context) error {
		principal := domain.PermissionPrincipal{Name: "admin-api", Level: domain.PermissionAdministrator}
		b.Push(domain.CallerContext{ActingObject: handle, ActingPlayer: &principal})
		defer b.Pop()
		result <- b.ReloadObject(path)
		return nil
	})
	return <-result
}

// ObjectsAt returns every live Clone handle registered at a LogicalPath, the
// hierarchy-inspection efun.
func (b *Bridge) ObjectsAt(path string) ([]domain.ObjectHandle, error) {
	logical, err := domain.NormalizePath(path)
	if err != nil {
		return nil, err
	}
	return b.Registry.ClonesAt(logical), nil
}

// AllInventory returns every object directly inside handle (spec.md §4.5's
// Hierarchy efun of the same name).
func (b *Bridge) AllInventory(handle domain.ObjectHandle) []domain.ObjectHandle {
	return b.Registry.AllInventory(handle)
}

// Environment returns handle's current environment, and false if it has
// none.
func (b *Bridge) Environment(handle domain.ObjectHandle) (domain.ObjectHandle, bool) {
	return b.Registry.Environment(handle)
}

// Move relocates handle into dest's inventory, or out to the void if dest is
// the zero ObjectHandle, rejecting any move that would create a cycle in
// the environment chain (spec.md §3's ObjectHandle invariant).
func (b *Bridge) Move(handle, dest domain.ObjectHandle) error {
	return b.Registry.Move(handle, dest)
}

// ─── Permission efuns ───────────────────────────────────────────────────────

// requireLevel returns domain.ErrPermissionDenied if the current caller
// (or the absence of one) does not meet at least the given level.
func (b *Bridge) requireLevel(level domain.PermissionLevel) error {
	ctx := b.Current()
	if ctx.ActingPlayer == nil {
		return fmt.Errorf("%w: no acting player in context", domain.ErrPermissionDenied)
	}
	if ctx.ActingPlayer.Level < level {
		b.recordAudit("permission_denied", fmt.Sprintf("required=%s have=%s", level, ctx.ActingPlayer.Level))
		return fmt.Errorf("%w: %s requires %s, have %s", domain.ErrPermissionDenied, ctx.ActingObject, level, ctx.ActingPlayer.Level)
	}
	return nil
}

// CheckReadPermission reports whether path is legal to read. Path
// traversal is the only thing that denies a read — read access is
// universal once a path is valid (mirrored by ReadFile's own behavior).
func (b *Bridge) CheckReadPermission(path string) (bool, error) {
	if _, err := domain.NormalizePath(path); err != nil {
		return false, err
	}
	return true, nil
}

// CheckWritePermission reports whether the current caller may write path,
// without raising an error the way WriteFile's internal check does — this
// is the query form game code uses to decide whether to even attempt a
// write.
func (b *Bridge) CheckWritePermission(path string) (bool, error) {
	logical, err := domain.NormalizePath(path)
	if err != nil {
		return false, err
	}
	ctx := b.Current()
	if ctx.ActingPlayer == nil {
		return false, nil
	}
	return ctx.ActingPlayer.CanWrite(logical), nil
}

// GetPermissionLevel returns the current caller's level. A nil
// ActingPlayer (a purely internal, not-reachable-from-input call, e.g. a
// heartbeat) is treated as administrator-equivalent, matching recordAudit's
// own fallback.
func (b *Bridge) GetPermissionLevel() domain.PermissionLevel {
	ctx := b.Current()
	if ctx.ActingPlayer == nil {
		return domain.PermissionAdministrator
	}
	return ctx.ActingPlayer.Level
}

// IsAdmin reports whether the current caller is an administrator.
func (b *Bridge) IsAdmin() bool {
	return b.GetPermissionLevel() == domain.PermissionAdministrator
}

// IsBuilder reports whether the current caller is at least a builder.
func (b *Bridge) IsBuilder() bool {
	return b.GetPermissionLevel() >= domain.PermissionBuilder
}

// GetDomains returns the current caller's write domains, or nil if there is
// no acting player.
func (b *Bridge) GetDomains() []string {
	ctx := b.Current()
	if ctx.ActingPlayer == nil {
		return nil
	}
	out := make([]string, len(ctx.ActingPlayer.WriteDomains))
	copy(out, ctx.ActingPlayer.WriteDomains)
	return out
}

// ─── Filesystem efuns ───────────────────────────────────────────────────────
//
// Path traversal is always rejected before any permission check runs — this
// ordering is load-bearing (spec.md §8, scenarios S3/S6): a builder must get
// ErrPathTraversal for "../../etc/passwd", never ErrPermissionDenied, so a
// caller can't learn about permission boundaries by probing with illegal
// paths.

// ReadFile reads a mudlib-relative file after validating the path and the
// caller's read access (read access is universal; only writes are scoped).
func (b *Bridge) ReadFile(path string) (string, error) {
	logical, err := domain.NormalizePath(path)
	if err != nil {
		return "", err
	}
	full := filepath.Join(b.MudlibRoot, logical.File())
	data, err := os.ReadFile(full)
	if err != nil {
		return "", &domain.HostIOError{Path: full, Err: err}
	}
	return string(data), nil
}

// WriteFile writes a mudlib-relative file, after path validation and a
// write-domain permission check against the current caller.
func (b *Bridge) WriteFile(path string, content string) error {
	logical, err := domain.NormalizePath(path)
	if err != nil {
		return err
	}
	if err := b.checkWriteDomain(logical); err != nil {
		return err
	}
	full := filepath.Join(b.MudlibRoot, logical.File())
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return &domain.HostIOError{Path: full, Err: err}
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		return &domain.HostIOError{Path: full, Err: err}
	}
	return nil
}

// FileExists reports whether a mudlib-relative path exists, after
// validating it (read access is universal, same as ReadFile).
func (b *Bridge) FileExists(path string) (bool, error) {
	logical, err := domain.NormalizePath(path)
	if err != nil {
		return false, err
	}
	full := filepath.Join(b.MudlibRoot, logical.File())
	if _, err := os.Stat(full); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, &domain.HostIOError{Path: full, Err: err}
	}
	return true, nil
}

// ReadDir lists the entries of a mudlib-relative directory.
func (b *Bridge) ReadDir(path string) ([]string, error) {
	logical, err := domain.NormalizePath(path)
	if err != nil {
		return nil, err
	}
	full := filepath.Join(b.MudlibRoot, string(logical))
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, &domain.HostIOError{Path: full, Err: err}
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// FileStat describes one mudlib-relative filesystem entry, the result of
// the fileStat efun.
type FileStat struct {
	IsDirectory bool
	Size        int64
	ModifiedAt  time.Time
}

// FileStat stats a mudlib-relative path.
func (b *Bridge) FileStat(path string) (FileStat, error) {
	logical, err := domain.NormalizePath(path)
	if err != nil {
		return FileStat{}, err
	}
	full := filepath.Join(b.MudlibRoot, logical.File())
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			// A directory has no ".lua" suffix on disk; retry against the
			// bare logical path before giving up.
			full = filepath.Join(b.MudlibRoot, string(logical))
			info, err = os.Stat(full)
		}
		if err != nil {
			return FileStat{}, &domain.HostIOError{Path: full, Err: err}
		}
	}
	return FileStat{IsDirectory: info.IsDir(), Size: info.Size(), ModifiedAt: info.ModTime()}, nil
}

func (b *Bridge) checkWriteDomain(path domain.LogicalPath) error {
	ctx := b.Current()
	if ctx.ActingPlayer == nil {
		return fmt.Errorf("%w: no acting player in context", domain.ErrPermissionDenied)
	}
	if !ctx.ActingPlayer.CanWrite(path) {
		b.recordAudit("permission_denied", fmt.Sprintf("write %s", path))
		return fmt.Errorf("%w: %s cannot write %s", domain.ErrPermissionDenied, ctx.ActingPlayer.Name, path)
	}
	return nil
}

// ─── Persistence efuns ──────────────────────────────────────────────────────
//
// DataRoot is `<mudlibRoot>/data` (spec.md §6's fixed filesystem layout):
// player saves live at DataRoot/players/<name>.json, and arbitrary data
// domains live at DataRoot/<domain>/<key>.json.

// SavePlayer writes a player's save data as JSON under data/players/<name>.json.
func (b *Bridge) SavePlayer(name string, jsonData string) error {
	full := filepath.Join(b.DataRoot, "players", sanitizeName(name)+".json")
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return &domain.HostIOError{Path: full, Err: err}
	}
	if err := os.WriteFile(full, []byte(jsonData), 0600); err != nil {
		return &domain.HostIOError{Path: full, Err: err}
	}
	return nil
}

// LoadPlayer reads a player's save data.
func (b *Bridge) LoadPlayer(name string) (string, error) {
	full := filepath.Join(b.DataRoot, "players", sanitizeName(name)+".json")
	data, err := os.ReadFile(full)
	if err != nil {
		return "", &domain.HostIOError{Path: full, Err: err}
	}
	return string(data), nil
}

// SaveData writes an arbitrary (domain, key) data record, e.g. a guild
// roster or a board's post list — content the core stores as opaque bytes
// without interpreting its schema.
func (b *Bridge) SaveData(domainName, key, jsonData string) error {
	full := filepath.Join(b.DataRoot, sanitizeName(domainName), sanitizeName(key)+".json")
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return &domain.HostIOError{Path: full, Err: err}
	}
	if err := os.WriteFile(full, []byte(jsonData), 0644); err != nil {
		return &domain.HostIOError{Path: full, Err: err}
	}
	return nil
}

// LoadData reads an arbitrary (domain, key) data record.
func (b *Bridge) LoadData(domainName, key string) (string, error) {
	full := filepath.Join(b.DataRoot, sanitizeName(domainName), sanitizeName(key)+".json")
	data, err := os.ReadFile(full)
	if err != nil {
		return "", &domain.HostIOError{Path: full, Err: err}
	}
	return string(data), nil
}

// PlayerExists reports whether a player save record exists.
func (b *Bridge) PlayerExists(name string) (bool, error) {
	full := filepath.Join(b.DataRoot, "players", sanitizeName(name)+".json")
	if _, err := os.Stat(full); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, &domain.HostIOError{Path: full, Err: err}
	}
	return true, nil
}

// ListPlayers returns every name with a save record on disk.
func (b *Bridge) ListPlayers() ([]string, error) {
	dir := filepath.Join(b.DataRoot, "players")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &domain.HostIOError{Path: dir, Err: err}
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}
	return names, nil
}

func sanitizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	var sb strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// ─── Scheduler efuns ────────────────────────────────────────────────────────

// SetHeartbeat enables or disables handle's heartbeat: enabling registers
// the caller-supplied fn with the scheduler, disabling unregisters handle.
// The caller decides what fn invokes each tick.
func (b *Bridge) SetHeartbeat(handle domain.ObjectHandle, enabled bool, fn scheduler.HeartbeatFunc) {
	if enabled {
		b.Scheduler.RegisterHeartbeat(handle, fn)
	} else {
		b.Scheduler.UnregisterHeartbeat(handle)
	}
}

// SetHeartbeatForCurrent enables or disables heartbeats for the acting
// object of the current CallerContext — the set_heartbeat efun's
// implicit-self convention: game code always registers its own heartbeat,
// calling its own "heart_beat" method each tick.
func (b *Bridge) SetHeartbeatForCurrent(enabled bool) {
	handle := b.Current().ActingObject
	if enabled {
		b.Scheduler.RegisterHeartbeat(handle, func(ctx context.Context) error {
			return b.callObjectFunction(handle, "heart_beat")
		})
	} else {
		b.Scheduler.UnregisterHeartbeat(handle)
	}
}

// CallOut schedules a one-shot call-out, the driver-level implementation of
// the classic `call_out()` efun.
func (b *Bridge) CallOut(owner domain.ObjectHandle, function string, delay time.Duration, fn scheduler.CallOutFunc) uint64 {
	return b.Scheduler.AddCallOut(owner, function, delay, fn)
}

// CallOutForCurrent schedules a call to fnName on the acting object of the
// current CallerContext after delay — the call_out() efun's implicit-self
// convention.
func (b *Bridge) CallOutForCurrent(fnName string, delay time.Duration) uint64 {
	handle := b.Current().ActingObject
	return b.Scheduler.AddCallOut(handle, fnName, delay, func(ctx context.Context) error {
		return b.callObjectFunction(handle, fnName)
	})
}

// RemoveCallOut cancels a pending call-out.
func (b *Bridge) RemoveCallOut(id uint64) error {
	return b.Scheduler.CancelCallOut(id)
}

// ─── Connection bridge efuns ────────────────────────────────────────────────

// WriteToPlayer sends text to a connected player by name (the `tell_object`
// / `write()` efun family).
func (b *Bridge) WriteToPlayer(name, text string) error {
	if b.connection == nil {
		return fmt.Errorf("connection bridge not wired")
	}
	return b.connection.SendToPlayer(name, text)
}

// DisconnectPlayer forcibly disconnects a player's session.
func (b *Bridge) DisconnectPlayer(name string) error {
	if b.connection == nil {
		return fmt.Errorf("connection bridge not wired")
	}
	if err := b.requireLevel(domain.PermissionAdministrator); err != nil {
		return err
	}
	b.recordAudit("disconnect_player", name)
	return b.connection.Disconnect(name)
}

// Users returns every currently connected player's name.
func (b *Bridge) Users() []string {
	if b.connection == nil {
		return nil
	}
	return b.connection.PlayerNames()
}

// AllPlayers returns a handle for every currently bound connection (spec.md
// §4.5's allPlayers efun). Since cloning an actual player object is game
// content and out of scope for the core driver, each connection's identity
// is represented as a Clone handle under the reserved /driver/connection
// path, scoped by CloneId 0 with the player's name folded into the path —
// stable for display, but not registry-backed: it never appears in
// Registry.Get, so FindObject does not resolve it.
func (b *Bridge) AllPlayers() []domain.ObjectHandle {
	if b.connection == nil {
		return nil
	}
	names := b.connection.PlayerNames()
	out := make([]domain.ObjectHandle, 0, len(names))
	for _, name := range names {
		out = append(out, domain.ObjectHandle{
			Path: domain.LogicalPath("/driver/connection/" + name),
			Kind: domain.KindClone,
		})
	}
	return out
}

// BindPlayerToConnection installs name as sessionID's bound player identity
// — the login flow's one legitimate path into the session layer (spec.md
// §4.5/§4.6). Both the WebSocket login frame and any mudlib code that wants
// to bind its own cloned player object route through this single method.
func (b *Bridge) BindPlayerToConnection(sessionID, name string) error {
	if b.connection == nil {
		return fmt.Errorf("connection bridge not wired")
	}
	return b.connection.BindBySessionID(sessionID, name)
}

// SnoopPlayer starts an observer relationship: everything sent to target is
// also sent to observer. Requires the caller to be at least a builder, and
// the session layer separately enforces observer's level must exceed
// target's (spec.md §4.6).
func (b *Bridge) SnoopPlayer(observerName, targetName string) error {
	if b.connection == nil {
		return fmt.Errorf("connection bridge not wired")
	}
	if err := b.requireLevel(domain.PermissionBuilder); err != nil {
		return err
	}
	if err := b.connection.SnoopByName(observerName, targetName); err != nil {
		return err
	}
	b.recordAudit("snoop", fmt.Sprintf("%s -> %s", observerName, targetName))
	return nil
}

// UnsnoopPlayer ends observerName's snoop relationship, if any.
func (b *Bridge) UnsnoopPlayer(observerName string) error {
	if b.connection == nil {
		return fmt.Errorf("connection bridge not wired")
	}
	if err := b.requireLevel(domain.PermissionBuilder); err != nil {
		return err
	}
	return b.connection.UnsnoopByName(observerName)
}

// ─── Command dispatch ───────────────────────────────────────────────────────

// SetMaster records the master object's path, loaded fatally at boot before
// any session can bind (spec.md §4.7). Dispatch refuses input until this is
// called.
func (b *Bridge) SetMaster(path domain.LogicalPath) { b.masterPath = path }

// Dispatch implements session.CommandDispatcher. It never runs the game-code
// call on the session's own goroutine: it queues a zero-delay call-out so
// process_input always executes on the scheduler's single logical thread,
// the same way a heartbeat or any other call-out does (spec.md §5).
func (b *Bridge) Dispatch(player, line string) error {
	if b.masterPath == "" {
		return fmt.Errorf("dispatch: no master object loaded")
	}
	handle := domain.ObjectHandle{Path: b.masterPath, Kind: domain.KindBlueprint}
	b.Scheduler.AddCallOut(handle, "process_input", 0, func(ctx context.Context) error {
		return b.callMasterFunction("process_input", player, line)
	})
	return nil
}

// callMasterFunction looks up a named function on the master object and
// calls it with string arguments — a thin convenience over
// callObjectFunction for the one object the boot sequence always has a
// handle for.
func (b *Bridge) callMasterFunction(name string, args ...string) error {
	handle := domain.ObjectHandle{Path: b.masterPath, Kind: domain.KindBlueprint}
	return b.callObjectFunction(handle, name, args...)
}

// objectTable resolves handle to the Lua table method calls on it should
// use: a Blueprint's class table, or a Clone's instance table (whose
// metatable falls through to its Blueprint's class table for methods).
func (b *Bridge) objectTable(handle domain.ObjectHandle) (*lua.LTable, error) {
	if handle.Kind == domain.KindBlueprint {
		bp, err := b.Registry.Find(handle.Path)
		if err != nil {
			return nil, err
		}
		return bp.Class, nil
	}
	c, err := b.Registry.Get(handle)
	if err != nil {
		return nil, err
	}
	return c.Table, nil
}

// callObjectFunction looks up a named function on handle's table — falling
// through a Clone's metatable __index to its Blueprint's class table the
// same way ordinary Lua method calls do — and calls it with string
// arguments, under a CallerContext scoped to handle so this_object() /
// this_player() resolve correctly inside it. A missing function is not an
// error — not every driver event the scheduler fires (heart_beat, a
// call-out) has a handler defined.
func (b *Bridge) callObjectFunction(handle domain.ObjectHandle, name string, args ...string) error {
	table, err := b.objectTable(handle)
	if err != nil {
		return err
	}
	fn := b.L.GetField(table, name)
	if fn == lua.LNil {
		return nil
	}

	b.Push(domain.CallerContext{ActingObject: handle})
	defer b.Pop()

	luaArgs := make([]lua.LValue, len(args))
	for i, a := range args {
		luaArgs[i] = lua.LString(a)
	}
	if err := b.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, luaArgs...); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// ─── Audit ──────────────────────────────────────────────────────────────────

func (b *Bridge) recordAudit(action, detail string) {
	if b.Audit == nil {
		return
	}
	ctx := b.Current()
	principal := domain.PermissionPrincipal{Name: "driver", Level: domain.PermissionAdministrator}
	if ctx.ActingPlayer != nil {
		principal = *ctx.ActingPlayer
	}
	if err := b.Audit.RecordEvent(principal, action, detail); err != nil {
		// Audit failures never block the triggering efun — they're ambient
		// observability, not a correctness dependency.
		fmt.Fprintf(os.Stderr, "[efun] audit record failed: %v\n", err)
	}
}
