package efun

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	lua "github.com/yuin/gopher-lua"

	"github.com/mudforge/driver/internal/domain"
	"github.com/mudforge/driver/internal/infra/compiler"
	"github.com/mudforge/driver/internal/infra/loader"
	"github.com/mudforge/driver/internal/infra/registry"
	"github.com/mudforge/driver/internal/infra/scheduler"
)

func newTestBridge(t *testing.T) (*Bridge, string, string) {
	t.Helper()
	L := lua.NewState()
	t.Cleanup(L.Close)

	mudlibRoot := t.TempDir()
	dataRoot := t.TempDir()
	reg := registry.New(L)
	ld := loader.New(mudlibRoot, compiler.New(), reg)
	sch := scheduler.New(scheduler.DefaultConfig())

	b := New(L, reg, ld, sch, mudlibRoot, dataRoot, nil)
	return b, mudlibRoot, dataRoot
}

func adminContext() domain.CallerContext {
	admin := domain.PermissionPrincipal{Name: "wizard", Level: domain.PermissionAdministrator}
	return domain.CallerContext{ActingPlayer: &admin}
}

func builderContext(domains ...string) domain.CallerContext {
	builder := domain.PermissionPrincipal{Name: "builder", Level: domain.PermissionBuilder, WriteDomains: domains}
	return domain.CallerContext{ActingPlayer: &builder}
}

func TestCloneObjectThroughBridge(t *testing.T) {
	b, root, _ := newTestBridge(t)
	path := filepath.Join(root, "obj", "sword.lua")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("local M = {}\nreturn M\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	handle, err := b.CloneObject("/obj/sword")
	if err != nil {
		t.Fatalf("CloneObject: %v", err)
	}
	if handle.Path != "/obj/sword" {
		t.Errorf("handle.Path = %v", handle.Path)
	}
}

func TestWriteFileRejectsTraversalBeforePermission(t *testing.T) {
	b, _, _ := newTestBridge(t)
	b.Push(builderContext("/players/builder"))
	defer b.Pop()

	err := b.WriteFile("/players/builder/../../etc/passwd", "data")
	if err == nil {
		t.Fatal("expected an error for a traversal path")
	}
	if err.Error() == "" {
		t.Fatal("expected non-empty error")
	}
	if !errors.Is(err, domain.ErrPathTraversal) {
		t.Errorf("expected ErrPathTraversal, got %v", err)
	}
}

func TestWriteFileEnforcesWriteDomain(t *testing.T) {
	b, _, _ := newTestBridge(t)
	b.Push(builderContext("/players/builder"))
	defer b.Pop()

	if err := b.WriteFile("/players/builder/house.lua", "-- ok"); err != nil {
		t.Fatalf("expected write within domain to succeed: %v", err)
	}

	if err := b.WriteFile("/players/someoneelse/house.lua", "-- no"); err == nil {
		t.Fatal("expected permission denied writing outside domain")
	}
}

func TestReloadObjectRequiresSeniorBuilder(t *testing.T) {
	b, root, _ := newTestBridge(t)
	path := filepath.Join(root, "obj", "sword.lua")
	os.MkdirAll(filepath.Dir(path), 0755)
	os.WriteFile(path, []byte("local M = {}\nreturn M\n"), 0644)

	if _, err := b.CloneObject("/obj/sword"); err != nil {
		t.Fatalf("CloneObject: %v", err)
	}

	b.Push(builderContext())
	err := b.ReloadObject("/obj/sword")
	b.Pop()
	if err == nil {
		t.Fatal("expected a plain builder to be denied reload")
	}

	b.Push(adminContext())
	err = b.ReloadObject("/obj/sword")
	b.Pop()
	if err != nil {
		t.Fatalf("expected administrator reload to succeed: %v", err)
	}
}

func TestSaveAndLoadData(t *testing.T) {
	b, _, _ := newTestBridge(t)
	if err := b.SaveData("guilds", "redhand", `{"members":3}`); err != nil {
		t.Fatalf("SaveData: %v", err)
	}
	data, err := b.LoadData("guilds", "redhand")
	if err != nil {
		t.Fatalf("LoadData: %v", err)
	}
	if data != `{"members":3}` {
		t.Errorf("LoadData = %q", data)
	}
}

func TestSaveAndLoadPlayer(t *testing.T) {
	b, _, _ := newTestBridge(t)
	if err := b.SavePlayer("Alice", `{"hp":10}`); err != nil {
		t.Fatalf("SavePlayer: %v", err)
	}
	data, err := b.LoadPlayer("Alice")
	if err != nil {
		t.Fatalf("LoadPlayer: %v", err)
	}
	if data != `{"hp":10}` {
		t.Errorf("LoadPlayer = %q", data)
	}
}

func TestPlayerExistsAndListPlayers(t *testing.T) {
	b, _, _ := newTestBridge(t)
	if ok, err := b.PlayerExists("bob"); err != nil || ok {
		t.Fatalf("PlayerExists before save = %v, %v, want false, nil", ok, err)
	}
	if err := b.SavePlayer("bob", `{"hp":5}`); err != nil {
		t.Fatalf("SavePlayer: %v", err)
	}
	if ok, err := b.PlayerExists("bob"); err != nil || !ok {
		t.Fatalf("PlayerExists after save = %v, %v, want true, nil", ok, err)
	}
	names, err := b.ListPlayers()
	if err != nil {
		t.Fatalf("ListPlayers: %v", err)
	}
	if len(names) != 1 || names[0] != "bob" {
		t.Errorf("ListPlayers = %v, want [bob]", names)
	}
}

func TestFindObjectRoundTripsBlueprintAndClone(t *testing.T) {
	b, root, _ := newTestBridge(t)
	path := filepath.Join(root, "obj", "sword.lua")
	os.MkdirAll(filepath.Dir(path), 0755)
	os.WriteFile(path, []byte("local M = {}\nreturn M\n"), 0644)

	bpHandle, err := b.LoadObject("/obj/sword")
	if err != nil {
		t.Fatalf("LoadObject: %v", err)
	}
	found, err := b.FindObject(bpHandle.String())
	if err != nil || found != bpHandle {
		t.Fatalf("FindObject(blueprint) = %v, %v, want %v, nil", found, err, bpHandle)
	}

	cloneHandle, err := b.CloneObject("/obj/sword")
	if err != nil {
		t.Fatalf("CloneObject: %v", err)
	}
	found, err = b.FindObject(cloneHandle.String())
	if err != nil || found != cloneHandle {
		t.Fatalf("FindObject(clone) = %v, %v, want %v, nil", found, err, cloneHandle)
	}

	if _, err := b.FindObject("/obj/sword#99"); err == nil {
		t.Fatal("expected FindObject to fail for a nonexistent clone id")
	}
}

func TestMoveEnvironmentAndInventoryThroughBridge(t *testing.T) {
	b, root, _ := newTestBridge(t)
	path := filepath.Join(root, "obj", "room.lua")
	os.MkdirAll(filepath.Dir(path), 0755)
	os.WriteFile(path, []byte("local M = {}\nreturn M\n"), 0644)

	room, err := b.CloneObject("/obj/room")
	if err != nil {
		t.Fatalf("CloneObject room: %v", err)
	}
	item, err := b.CloneObject("/obj/room")
	if err != nil {
		t.Fatalf("CloneObject item: %v", err)
	}

	if err := b.Move(item, room); err != nil {
		t.Fatalf("Move: %v", err)
	}
	env, ok := b.Environment(item)
	if !ok || env != room {
		t.Fatalf("Environment(item) = %v, %v, want %v, true", env, ok, room)
	}
	if inv := b.AllInventory(room); len(inv) != 1 || inv[0] != item {
		t.Fatalf("AllInventory(room) = %v, want [%v]", inv, item)
	}
}

func TestDestroyObjectByHandle(t *testing.T) {
	b, root, _ := newTestBridge(t)
	path := filepath.Join(root, "obj", "sword.lua")
	os.MkdirAll(filepath.Dir(path), 0755)
	os.WriteFile(path, []byte("local M = {}\nreturn M\n"), 0644)

	handle, err := b.CloneObject("/obj/sword")
	if err != nil {
		t.Fatalf("CloneObject: %v", err)
	}
	if err := b.DestroyObject(handle); err != nil {
		t.Fatalf("DestroyObject: %v", err)
	}
	if _, err := b.FindObject(handle.String()); err == nil {
		t.Fatal("expected the destroyed clone to no longer be findable")
	}
}

func TestPermissionEfuns(t *testing.T) {
	b, _, _ := newTestBridge(t)

	b.Push(builderContext("/players/builder"))
	if !b.IsBuilder() {
		t.Error("expected IsBuilder to be true for a builder context")
	}
	if b.IsAdmin() {
		t.Error("expected IsAdmin to be false for a builder context")
	}
	if ok, err := b.CheckWritePermission("/players/builder/house.lua"); err != nil || !ok {
		t.Errorf("CheckWritePermission(own domain) = %v, %v, want true, nil", ok, err)
	}
	if ok, err := b.CheckWritePermission("/players/someoneelse/house.lua"); err != nil || ok {
		t.Errorf("CheckWritePermission(other domain) = %v, %v, want false, nil", ok, err)
	}
	domains := b.GetDomains()
	b.Pop()

	if len(domains) != 1 || domains[0] != "/players/builder" {
		t.Errorf("GetDomains = %v, want [/players/builder]", domains)
	}

	// With no CallerContext pushed, the current context is the zero value —
	// ActingPlayer is nil, which GetPermissionLevel treats as
	// administrator-equivalent (system context), matching recordAudit.
	if lvl := b.GetPermissionLevel(); lvl != domain.PermissionAdministrator {
		t.Errorf("GetPermissionLevel with no context = %v, want administrator", lvl)
	}

	if ok, err := b.CheckReadPermission("/obj/sword"); err != nil || !ok {
		t.Errorf("CheckReadPermission = %v, %v, want true, nil", ok, err)
	}
	if _, err := b.CheckReadPermission("../../etc/passwd"); err == nil {
		t.Error("expected CheckReadPermission to reject a traversal path")
	}
}

func TestReloadObjectAdminRunsOnSchedulerGoroutine(t *testing.T) {
	b, root, _ := newTestBridge(t)
	path := filepath.Join(root, "obj", "sword.lua")
	os.MkdirAll(filepath.Dir(path), 0755)
	os.WriteFile(path, []byte("local M = {}\nreturn M\n"), 0644)

	if _, err := b.CloneObject("/obj/sword"); err != nil {
		t.Fatalf("CloneObject: %v", err)
	}

	b.Scheduler.Start(context.Background())
	defer b.Scheduler.Stop()

	if err := b.ReloadObjectAdmin("/obj/sword"); err != nil {
		t.Fatalf("ReloadObjectAdmin: %v", err)
	}
}
