// Package registry owns the driver's in-memory object identity: the one
// Blueprint installed per LogicalPath, every live Clone of it, the
// environment/inventory tree clones move through, and the hot-swap
// (updateBlueprint) operation that rebinds all of a Blueprint's Clones onto
// freshly compiled methods without disturbing their state (spec.md §4.2).
//
// A Blueprint's class table and a Clone's instance table are both ordinary
// *lua.LTable values; a Clone's metatable points __index at its Blueprint's
// class table, so method lookup falls through to the shared methods and
// updateBlueprint only ever needs to mutate the one class table in place —
// see SPEC_FULL.md §2 for the full mapping.
package registry

import (
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/mudforge/driver/internal/domain"
	"github.com/mudforge/driver/internal/infra/compiler"
)

// Blueprint is the uncloned module installed at a LogicalPath: its class
// table carries every method, and every Clone of it shares this exact table
// pointer via its metatable's __index. cloneCounter is this Blueprint's own
// clone sequence (spec.md §3's `blueprints: LogicalPath → {constructor,
// instance, cloneCounter}`) — it starts at zero and is never shared with any
// other Blueprint, so `/obj/sword#1` and `/obj/shield#1` can coexist.
type Blueprint struct {
	Path  domain.LogicalPath
	Class *lua.LTable
	Proto *lua.FunctionProto

	cloneCounter uint64
}

// Clone is one instantiated object: its own table for instance state, with
// method lookup falling through to its Blueprint's class table.
type Clone struct {
	Handle domain.ObjectHandle
	Table  *lua.LTable
}

// Registry owns every Blueprint and Clone for the process lifetime, plus the
// environment/inventory edges between Clones. All mutating methods are
// called from the scheduler's single logical thread (spec.md §5), but the
// mutex guards against the HTTP/CLI admin surface reading state (objects
// list, sessions list) concurrently.
type Registry struct {
	L *lua.LState

	mu           sync.Mutex
	blueprints   map[domain.LogicalPath]*Blueprint
	clones       map[domain.ObjectHandle]*Clone
	clonesByPath map[domain.LogicalPath]map[domain.ObjectHandle]struct{}

	// environment/inventory track the mutual-consistency invariant spec.md
	// §3 requires: handle is in environment[handle]'s inventory iff
	// inventory[environment[handle]] contains handle. A handle absent from
	// environment has no environment (spec.md's "move to void" case).
	environment map[domain.ObjectHandle]domain.ObjectHandle
	inventory   map[domain.ObjectHandle][]domain.ObjectHandle
}

// New returns an empty Registry bound to the given Lua state. The state is
// expected to be the one process-wide *lua.LState the Scheduler serializes
// all access through.
func New(L *lua.LState) *Registry {
	return &Registry{
		L:            L,
		blueprints:   make(map[domain.LogicalPath]*Blueprint),
		clones:       make(map[domain.ObjectHandle]*Clone),
		clonesByPath: make(map[domain.LogicalPath]map[domain.ObjectHandle]struct{}),
		environment:  make(map[domain.ObjectHandle]domain.ObjectHandle),
		inventory:    make(map[domain.ObjectHandle][]domain.ObjectHandle),
	}
}

// RegisterBlueprint installs a freshly compiled unit as the Blueprint for
// its LogicalPath. It is an error to register over a path that already has
// a live Blueprint — callers that want hot-reload semantics must call
// UpdateBlueprint instead (spec.md §4.2).
func (r *Registry) RegisterBlueprint(unit *compiler.CompiledUnit) (*Blueprint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.blueprints[unit.Path]; exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrBlueprintExists, unit.Path)
	}

	class, err := r.instantiate(unit.Proto)
	if err != nil {
		return nil, err
	}

	bp := &Blueprint{Path: unit.Path, Class: class, Proto: unit.Proto}
	r.blueprints[unit.Path] = bp
	r.clonesByPath[unit.Path] = make(map[domain.ObjectHandle]struct{})
	return bp, nil
}

// Find returns the Blueprint registered at path, or domain.ErrNotFound.
func (r *Registry) Find(path domain.LogicalPath) (*Blueprint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bp, ok := r.blueprints[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, path)
	}
	return bp, nil
}

// Clone creates a new Clone of the Blueprint registered at path, assigning
// it the next sequence number from that Blueprint's own counter — so its
// rendered identity is `<path>#<n>` with n reset per Blueprint, not a
// process-wide sequence (spec.md §3's data model, §8 scenario S1). The
// returned table's metatable's __index points at the Blueprint's class
// table, so every method call on the clone falls through to it.
func (r *Registry) Clone(path domain.LogicalPath) (*Clone, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bp, ok := r.blueprints[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrCloneOfMissing, path)
	}

	bp.cloneCounter++
	id := domain.CloneId(bp.cloneCounter)
	instance := r.L.NewTable()
	meta := r.L.NewTable()
	meta.RawSetString("__index", bp.Class)
	instance.Metatable = meta

	handle := domain.ObjectHandle{ID: id, Path: path, Kind: domain.KindClone}
	c := &Clone{Handle: handle, Table: instance}

	r.clones[handle] = c
	r.clonesByPath[path][handle] = struct{}{}
	return c, nil
}

// Destroy removes a Clone from the registry, first recursively destroying
// everything in its inventory (spec.md §4.2's recursive-destroy rule) and
// detaching it from its own environment, if any. It is idempotent-unsafe by
// design — destroying an already-destroyed handle is reported as an error so
// callers can detect a double-destroy bug in mudlib code (spec.md §8).
func (r *Registry) Destroy(handle domain.ObjectHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroyLocked(handle)
}

func (r *Registry) destroyLocked(handle domain.ObjectHandle) error {
	c, ok := r.clones[handle]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrDestroyed, handle)
	}

	for _, child := range append([]domain.ObjectHandle(nil), r.inventory[handle]...) {
		r.destroyLocked(child)
	}
	delete(r.inventory, handle)

	if parent, ok := r.environment[handle]; ok {
		r.detachLocked(handle, parent)
	}

	delete(r.clones, handle)
	delete(r.clonesByPath[c.Handle.Path], handle)
	return nil
}

// detachLocked removes child from parent's inventory slice and clears
// child's environment entry. Callers must hold r.mu.
func (r *Registry) detachLocked(child, parent domain.ObjectHandle) {
	delete(r.environment, child)
	kids := r.inventory[parent]
	for i, k := range kids {
		if k == child {
			r.inventory[parent] = append(kids[:i], kids[i+1:]...)
			return
		}
	}
}

// Move relocates handle into dest's inventory, detaching it from any
// current environment first. dest may be the zero domain.ObjectHandle,
// meaning "no environment" — moving handle out into the void (spec.md
// §4.2). Moving handle into itself or into one of its own descendants is
// rejected with domain.ErrInvalidMove, since that would make handle its own
// ancestor in the environment chain.
func (r *Registry) Move(handle, dest domain.ObjectHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clones[handle]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, handle)
	}

	var zero domain.ObjectHandle
	if dest != zero {
		if _, ok := r.clones[dest]; !ok {
			return fmt.Errorf("%w: %s", domain.ErrNotFound, dest)
		}
		for cur := dest; ; {
			if cur == handle {
				return fmt.Errorf("%w: %s is an ancestor of destination %s", domain.ErrInvalidMove, handle, dest)
			}
			next, ok := r.environment[cur]
			if !ok {
				break
			}
			cur = next
		}
	}

	if parent, ok := r.environment[handle]; ok {
		r.detachLocked(handle, parent)
	}
	if dest != zero {
		r.environment[handle] = dest
		r.inventory[dest] = append(r.inventory[dest], handle)
	}
	return nil
}

// Environment returns handle's current environment, and false if it has
// none.
func (r *Registry) Environment(handle domain.ObjectHandle) (domain.ObjectHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	env, ok := r.environment[handle]
	return env, ok
}

// AllInventory returns every Clone directly inside handle, in the order
// they were moved in.
func (r *Registry) AllInventory(handle domain.ObjectHandle) []domain.ObjectHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	kids := r.inventory[handle]
	out := make([]domain.ObjectHandle, len(kids))
	copy(out, kids)
	return out
}

// UpdateBlueprint hot-swaps the Blueprint at path: the class table's fields
// are cleared and repopulated from a freshly compiled unit, in place, under
// the registry lock, so no Clone is ever observed mid-swap and every
// existing Clone's __index pointer is unaffected (the method-rebind
// migration policy, spec.md §4.2 / §9).
//
// Callers must already hold the scheduler's single logical thread before
// calling this — the registry lock only protects readers, it does not
// serialize this mutation against concurrent Lua calls on the shared
// *lua.LState (see efun.Bridge.ReloadObject, the only legitimate caller).
func (r *Registry) UpdateBlueprint(unit *compiler.CompiledUnit) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	bp, ok := r.blueprints[unit.Path]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrCloneOfMissing, unit.Path)
	}

	newClass, err := r.instantiate(unit.Proto)
	if err != nil {
		return err
	}

	bp.Class.ForEach(func(k, _ lua.LValue) {
		bp.Class.RawSet(k, lua.LNil)
	})
	newClass.ForEach(func(k, v lua.LValue) {
		bp.Class.RawSet(k, v)
	})
	bp.Proto = unit.Proto
	return nil
}

// ClonesAt returns every live Clone handle for a LogicalPath, in no
// particular order — used by the Bridge's ObjectsAt hierarchy efun.
func (r *Registry) ClonesAt(path domain.LogicalPath) []domain.ObjectHandle {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.clonesByPath[path]
	out := make([]domain.ObjectHandle, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	return out
}

// Get returns a live Clone by handle, or domain.ErrNotFound.
func (r *Registry) Get(handle domain.ObjectHandle) (*Clone, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clones[handle]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, handle)
	}
	return c, nil
}

// Blueprints returns every registered LogicalPath, for admin listing.
func (r *Registry) Blueprints() []domain.LogicalPath {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.LogicalPath, 0, len(r.blueprints))
	for p := range r.blueprints {
		out = append(out, p)
	}
	return out
}

// instantiate runs a compiled proto and expects it to return exactly one
// table — the Lua "module" idiom (`local M = {}; function M.foo() end;
// return M`) — which becomes a class table.
func (r *Registry) instantiate(proto *lua.FunctionProto) (*lua.LTable, error) {
	fn := r.L.NewFunctionFromProto(proto)
	r.L.Push(fn)
	if err := r.L.PCall(0, 1, nil); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrLoadFailed, err)
	}
	ret := r.L.Get(-1)
	r.L.Pop(1)

	table, ok := ret.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("%w: module did not return a table", domain.ErrLoadFailed)
	}
	return table, nil
}
