package registry

import (
	"os"
	"path/filepath"
	"testing"

	lua "github.com/yuin/gopher-lua"

	"github.com/mudforge/driver/internal/domain"
	"github.com/mudforge/driver/internal/infra/compiler"
)

func newTestRegistry(t *testing.T) (*Registry, *lua.LState) {
	t.Helper()
	L := lua.NewState()
	t.Cleanup(L.Close)
	return New(L), L
}

func compileFixture(t *testing.T, path domain.LogicalPath, src string) *compiler.CompiledUnit {
	t.Helper()
	root := t.TempDir()
	full := filepath.Join(root, path.File())
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(full, []byte(src), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	unit, err := compiler.New().Transform(path, root)
	if err != nil {
		t.Fatalf("compile fixture: %v", err)
	}
	return unit
}

const swordSrcV1 = `
local M = {}
function M.short_desc()
  return "a plain sword"
end
return M
`

const swordSrcV2 = `
local M = {}
function M.short_desc()
  return "a gleaming sword"
end
return M
`

func TestRegisterAndFindBlueprint(t *testing.T) {
	r, _ := newTestRegistry(t)
	path := domain.LogicalPath("/obj/sword")
	unit := compileFixture(t, path, swordSrcV1)

	bp, err := r.RegisterBlueprint(unit)
	if err != nil {
		t.Fatalf("RegisterBlueprint: %v", err)
	}
	if bp.Path != path {
		t.Errorf("bp.Path = %v, want %v", bp.Path, path)
	}

	found, err := r.Find(path)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if found != bp {
		t.Error("Find returned a different Blueprint")
	}
}

func TestRegisterBlueprintDuplicate(t *testing.T) {
	r, _ := newTestRegistry(t)
	path := domain.LogicalPath("/obj/sword")
	unit := compileFixture(t, path, swordSrcV1)

	if _, err := r.RegisterBlueprint(unit); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := r.RegisterBlueprint(unit); err == nil {
		t.Fatal("expected error registering over an existing blueprint")
	}
}

func TestCloneSharesClassTable(t *testing.T) {
	r, L := newTestRegistry(t)
	path := domain.LogicalPath("/obj/sword")
	unit := compileFixture(t, path, swordSrcV1)

	bp, err := r.RegisterBlueprint(unit)
	if err != nil {
		t.Fatalf("RegisterBlueprint: %v", err)
	}

	c1, err := r.Clone(path)
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	c2, err := r.Clone(path)
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if c1.Handle.ID == c2.Handle.ID {
		t.Error("expected distinct clone ids")
	}

	idx1 := c1.Table.Metatable.(*lua.LTable).RawGetString("__index")
	idx2 := c2.Table.Metatable.(*lua.LTable).RawGetString("__index")
	if idx1 != idx2 {
		t.Error("expected both clones to share the same __index class table")
	}
	if idx1.(*lua.LTable) != bp.Class {
		t.Error("expected clone __index to be the blueprint's class table")
	}
	_ = L
}

func TestCloneOfMissingBlueprint(t *testing.T) {
	r, _ := newTestRegistry(t)
	if _, err := r.Clone(domain.LogicalPath("/obj/nothing")); err == nil {
		t.Fatal("expected error cloning a nonexistent blueprint")
	}
}

func TestDestroyRemovesClone(t *testing.T) {
	r, _ := newTestRegistry(t)
	path := domain.LogicalPath("/obj/sword")
	unit := compileFixture(t, path, swordSrcV1)
	if _, err := r.RegisterBlueprint(unit); err != nil {
		t.Fatalf("RegisterBlueprint: %v", err)
	}
	c, err := r.Clone(path)
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}

	if err := r.Destroy(c.Handle); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := r.Destroy(c.Handle); err == nil {
		t.Error("expected error destroying an already-destroyed clone")
	}
	if handles := r.ClonesAt(path); len(handles) != 0 {
		t.Errorf("expected no live clones after destroy, got %v", handles)
	}
}

func TestCloneCounterIsPerBlueprint(t *testing.T) {
	r, _ := newTestRegistry(t)
	swordPath := domain.LogicalPath("/obj/sword")
	shieldPath := domain.LogicalPath("/obj/shield")

	if _, err := r.RegisterBlueprint(compileFixture(t, swordPath, swordSrcV1)); err != nil {
		t.Fatalf("RegisterBlueprint sword: %v", err)
	}
	if _, err := r.RegisterBlueprint(compileFixture(t, shieldPath, swordSrcV1)); err != nil {
		t.Fatalf("RegisterBlueprint shield: %v", err)
	}

	sword, err := r.Clone(swordPath)
	if err != nil {
		t.Fatalf("Clone sword: %v", err)
	}
	shield, err := r.Clone(shieldPath)
	if err != nil {
		t.Fatalf("Clone shield: %v", err)
	}

	if sword.Handle.ID != 1 {
		t.Errorf("sword.Handle.ID = %v, want 1", sword.Handle.ID)
	}
	if shield.Handle.ID != 1 {
		t.Errorf("shield.Handle.ID = %v, want 1 (independent per-blueprint counter)", shield.Handle.ID)
	}
	if shield.Handle.String() != "/obj/shield#1" {
		t.Errorf("shield.Handle.String() = %q, want %q", shield.Handle.String(), "/obj/shield#1")
	}
}

func TestMoveTracksEnvironmentAndInventory(t *testing.T) {
	r, _ := newTestRegistry(t)
	path := domain.LogicalPath("/obj/sword")
	if _, err := r.RegisterBlueprint(compileFixture(t, path, swordSrcV1)); err != nil {
		t.Fatalf("RegisterBlueprint: %v", err)
	}
	room, err := r.Clone(path)
	if err != nil {
		t.Fatalf("Clone room: %v", err)
	}
	item, err := r.Clone(path)
	if err != nil {
		t.Fatalf("Clone item: %v", err)
	}

	if err := r.Move(item.Handle, room.Handle); err != nil {
		t.Fatalf("Move: %v", err)
	}
	env, ok := r.Environment(item.Handle)
	if !ok || env != room.Handle {
		t.Fatalf("Environment(item) = %v, %v, want %v, true", env, ok, room.Handle)
	}
	inv := r.AllInventory(room.Handle)
	if len(inv) != 1 || inv[0] != item.Handle {
		t.Fatalf("AllInventory(room) = %v, want [%v]", inv, item.Handle)
	}

	if err := r.Move(item.Handle, domain.ObjectHandle{}); err != nil {
		t.Fatalf("Move to void: %v", err)
	}
	if _, ok := r.Environment(item.Handle); ok {
		t.Fatal("expected no environment after moving to void")
	}
	if inv := r.AllInventory(room.Handle); len(inv) != 0 {
		t.Fatalf("expected empty inventory after move, got %v", inv)
	}
}

func TestMoveRejectsCycle(t *testing.T) {
	r, _ := newTestRegistry(t)
	path := domain.LogicalPath("/obj/sword")
	if _, err := r.RegisterBlueprint(compileFixture(t, path, swordSrcV1)); err != nil {
		t.Fatalf("RegisterBlueprint: %v", err)
	}
	outer, err := r.Clone(path)
	if err != nil {
		t.Fatalf("Clone outer: %v", err)
	}
	inner, err := r.Clone(path)
	if err != nil {
		t.Fatalf("Clone inner: %v", err)
	}

	if err := r.Move(inner.Handle, outer.Handle); err != nil {
		t.Fatalf("Move inner into outer: %v", err)
	}
	if err := r.Move(outer.Handle, inner.Handle); err == nil {
		t.Fatal("expected cycle rejection moving outer into its own inventory")
	}
}

func TestDestroyRecursesIntoInventory(t *testing.T) {
	r, _ := newTestRegistry(t)
	path := domain.LogicalPath("/obj/sword")
	if _, err := r.RegisterBlueprint(compileFixture(t, path, swordSrcV1)); err != nil {
		t.Fatalf("RegisterBlueprint: %v", err)
	}
	room, err := r.Clone(path)
	if err != nil {
		t.Fatalf("Clone room: %v", err)
	}
	item, err := r.Clone(path)
	if err != nil {
		t.Fatalf("Clone item: %v", err)
	}
	if err := r.Move(item.Handle, room.Handle); err != nil {
		t.Fatalf("Move: %v", err)
	}

	if err := r.Destroy(room.Handle); err != nil {
		t.Fatalf("Destroy room: %v", err)
	}
	if _, err := r.Get(item.Handle); err == nil {
		t.Fatal("expected item to be destroyed along with its environment")
	}
}

func TestUpdateBlueprintRebindsMethodsInPlace(t *testing.T) {
	r, L := newTestRegistry(t)
	path := domain.LogicalPath("/obj/sword")
	unit1 := compileFixture(t, path, swordSrcV1)

	bp, err := r.RegisterBlueprint(unit1)
	if err != nil {
		t.Fatalf("RegisterBlueprint: %v", err)
	}
	clone, err := r.Clone(path)
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	classBefore := bp.Class

	unit2 := compileFixture(t, path, swordSrcV2)
	if err := r.UpdateBlueprint(unit2); err != nil {
		t.Fatalf("UpdateBlueprint: %v", err)
	}

	if bp.Class != classBefore {
		t.Fatal("expected class table identity to survive updateBlueprint")
	}

	idx := clone.Table.Metatable.(*lua.LTable).RawGetString("__index").(*lua.LTable)
	if idx != classBefore {
		t.Fatal("expected clone's __index to still point at the same class table")
	}

	fn := idx.RawGetString("short_desc")
	L.Push(fn)
	L.Push(clone.Table)
	if err := L.PCall(1, 1, nil); err != nil {
		t.Fatalf("calling rebound method: %v", err)
	}
	got := L.ToString(-1)
	L.Pop(1)
	if got != "a gleaming sword" {
		t.Errorf("short_desc() = %q, want the updated description", got)
	}
}
