package efun

import (
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/mudforge/driver/internal/domain"
)

// installEfuns populates the shared Lua state's `efuns` global table with
// LGFunction closures over this Bridge, the namespace spec.md §4.5 and
// SPEC_FULL.md §2 describe.
func (b *Bridge) installEfuns() {
	tbl := b.L.NewTable()

	tbl.RawSetString("clone_object", b.L.NewFunction(b.luaCloneObject))
	tbl.RawSetString("load_object", b.L.NewFunction(b.luaLoadObject))
	tbl.RawSetString("find_object", b.L.NewFunction(b.luaFindObject))
	tbl.RawSetString("destroy_object", b.L.NewFunction(b.luaDestroyObject))
	tbl.RawSetString("reload_object", b.L.NewFunction(b.luaReloadObject))
	tbl.RawSetString("objects_at", b.L.NewFunction(b.luaObjectsAt))

	tbl.RawSetString("all_inventory", b.L.NewFunction(b.luaAllInventory))
	tbl.RawSetString("environment", b.L.NewFunction(b.luaEnvironment))
	tbl.RawSetString("move_object", b.L.NewFunction(b.luaMove))

	tbl.RawSetString("check_read_permission", b.L.NewFunction(b.luaCheckReadPermission))
	tbl.RawSetString("check_write_permission", b.L.NewFunction(b.luaCheckWritePermission))
	tbl.RawSetString("is_admin", b.L.NewFunction(b.luaIsAdmin))
	tbl.RawSetString("is_builder", b.L.NewFunction(b.luaIsBuilder))
	tbl.RawSetString("get_permission_level", b.L.NewFunction(b.luaGetPermissionLevel))
	tbl.RawSetString("get_domains", b.L.NewFunction(b.luaGetDomains))

	tbl.RawSetString("read_file", b.L.NewFunction(b.luaReadFile))
	tbl.RawSetString("write_file", b.L.NewFunction(b.luaWriteFile))
	tbl.RawSetString("file_exists", b.L.NewFunction(b.luaFileExists))
	tbl.RawSetString("read_dir", b.L.NewFunction(b.luaReadDir))
	tbl.RawSetString("file_stat", b.L.NewFunction(b.luaFileStat))

	tbl.RawSetString("save_player", b.L.NewFunction(b.luaSavePlayer))
	tbl.RawSetString("load_player", b.L.NewFunction(b.luaLoadPlayer))
	tbl.RawSetString("player_exists", b.L.NewFunction(b.luaPlayerExists))
	tbl.RawSetString("list_players", b.L.NewFunction(b.luaListPlayers))
	tbl.RawSetString("save_data", b.L.NewFunction(b.luaSaveData))
	tbl.RawSetString("load_data", b.L.NewFunction(b.luaLoadData))

	tbl.RawSetString("set_heartbeat", b.L.NewFunction(b.luaSetHeartbeat))
	tbl.RawSetString("call_out", b.L.NewFunction(b.luaCallOut))
	tbl.RawSetString("remove_call_out", b.L.NewFunction(b.luaRemoveCallOut))

	tbl.RawSetString("write_to_player", b.L.NewFunction(b.luaWriteToPlayer))
	tbl.RawSetString("disconnect_player", b.L.NewFunction(b.luaDisconnectPlayer))
	tbl.RawSetString("users", b.L.NewFunction(b.luaUsers))
	tbl.RawSetString("all_players", b.L.NewFunction(b.luaAllPlayers))
	tbl.RawSetString("bind_player_to_connection", b.L.NewFunction(b.luaBindPlayerToConnection))
	tbl.RawSetString("snoop", b.L.NewFunction(b.luaSnoop))
	tbl.RawSetString("unsnoop", b.L.NewFunction(b.luaUnsnoop))

	tbl.RawSetString("this_object", b.L.NewFunction(b.luaThisObject))
	tbl.RawSetString("this_player", b.L.NewFunction(b.luaThisPlayer))

	b.L.SetGlobal("efuns", tbl)
}

func pushHandle(L *lua.LState, h domain.ObjectHandle) { L.Push(lua.LString(h.String())) }

func checkHandle(L *lua.LState, n int) domain.ObjectHandle {
	s := L.CheckString(n)
	h, err := domain.ParseObjectHandle(s)
	if err != nil {
		L.RaiseError("%v", err)
	}
	return h
}

func (b *Bridge) luaCloneObject(L *lua.LState) int {
	path := L.CheckString(1)
	handle, err := b.CloneObject(path)
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	pushHandle(L, handle)
	return 1
}

func (b *Bridge) luaLoadObject(L *lua.LState) int {
	path := L.CheckString(1)
	handle, err := b.LoadObject(path)
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	pushHandle(L, handle)
	return 1
}

func (b *Bridge) luaFindObject(L *lua.LState) int {
	identity := L.CheckString(1)
	handle, err := b.FindObject(identity)
	if err != nil {
		L.Push(lua.LNil)
		return 1
	}
	pushHandle(L, handle)
	return 1
}

func (b *Bridge) luaDestroyObject(L *lua.LState) int {
	handle := checkHandle(L, 1)
	if err := b.DestroyObject(handle); err != nil {
		L.RaiseError("%v", err)
	}
	return 0
}

func (b *Bridge) luaReloadObject(L *lua.LState) int {
	path := L.CheckString(1)
	if err := b.ReloadObject(path); err != nil {
		L.RaiseError("%v", err)
	}
	return 0
}

func (b *Bridge) luaObjectsAt(L *lua.LState) int {
	path := L.CheckString(1)
	handles, err := b.ObjectsAt(path)
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	out := L.NewTable()
	for i, h := range handles {
		out.RawSetInt(i+1, lua.LString(h.String()))
	}
	L.Push(out)
	return 1
}

func (b *Bridge) luaAllInventory(L *lua.LState) int {
	handle := checkHandle(L, 1)
	kids := b.AllInventory(handle)
	out := L.NewTable()
	for i, h := range kids {
		out.RawSetInt(i+1, lua.LString(h.String()))
	}
	L.Push(out)
	return 1
}

func (b *Bridge) luaEnvironment(L *lua.LState) int {
	handle := checkHandle(L, 1)
	env, ok := b.Environment(handle)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	pushHandle(L, env)
	return 1
}

func (b *Bridge) luaMove(L *lua.LState) int {
	handle := checkHandle(L, 1)
	var dest domain.ObjectHandle
	if L.Get(2) != lua.LNil {
		dest = checkHandle(L, 2)
	}
	if err := b.Move(handle, dest); err != nil {
		L.RaiseError("%v", err)
	}
	return 0
}

func (b *Bridge) luaCheckReadPermission(L *lua.LState) int {
	path := L.CheckString(1)
	ok, err := b.CheckReadPermission(path)
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	L.Push(lua.LBool(ok))
	return 1
}

func (b *Bridge) luaCheckWritePermission(L *lua.LState) int {
	path := L.CheckString(1)
	ok, err := b.CheckWritePermission(path)
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	L.Push(lua.LBool(ok))
	return 1
}

func (b *Bridge) luaIsAdmin(L *lua.LState) int {
	L.Push(lua.LBool(b.IsAdmin()))
	return 1
}

func (b *Bridge) luaIsBuilder(L *lua.LState) int {
	L.Push(lua.LBool(b.IsBuilder()))
	return 1
}

func (b *Bridge) luaGetPermissionLevel(L *lua.LState) int {
	L.Push(lua.LString(b.GetPermissionLevel().String()))
	return 1
}

func (b *Bridge) luaGetDomains(L *lua.LState) int {
	out := L.NewTable()
	for i, d := range b.GetDomains() {
		out.RawSetInt(i+1, lua.LString(d))
	}
	L.Push(out)
	return 1
}

func (b *Bridge) luaReadFile(L *lua.LState) int {
	path := L.CheckString(1)
	content, err := b.ReadFile(path)
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	L.Push(lua.LString(content))
	return 1
}

func (b *Bridge) luaWriteFile(L *lua.LState) int {
	path := L.CheckString(1)
	content := L.CheckString(2)
	if err := b.WriteFile(path, content); err != nil {
		L.RaiseError("%v", err)
	}
	return 0
}

func (b *Bridge) luaFileExists(L *lua.LState) int {
	path := L.CheckString(1)
	ok, err := b.FileExists(path)
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	L.Push(lua.LBool(ok))
	return 1
}

func (b *Bridge) luaReadDir(L *lua.LState) int {
	path := L.CheckString(1)
	names, err := b.ReadDir(path)
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	out := L.NewTable()
	for i, n := range names {
		out.RawSetInt(i+1, lua.LString(n))
	}
	L.Push(out)
	return 1
}

func (b *Bridge) luaFileStat(L *lua.LState) int {
	path := L.CheckString(1)
	st, err := b.FileStat(path)
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	out := L.NewTable()
	out.RawSetString("is_directory", lua.LBool(st.IsDirectory))
	out.RawSetString("size", lua.LNumber(st.Size))
	out.RawSetString("modified_at", lua.LNumber(st.ModifiedAt.Unix()))
	L.Push(out)
	return 1
}

func (b *Bridge) luaSavePlayer(L *lua.LState) int {
	name := L.CheckString(1)
	data := L.CheckString(2)
	if err := b.SavePlayer(name, data); err != nil {
		L.RaiseError("%v", err)
	}
	return 0
}

func (b *Bridge) luaLoadPlayer(L *lua.LState) int {
	name := L.CheckString(1)
	data, err := b.LoadPlayer(name)
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	L.Push(lua.LString(data))
	return 1
}

func (b *Bridge) luaPlayerExists(L *lua.LState) int {
	name := L.CheckString(1)
	ok, err := b.PlayerExists(name)
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	L.Push(lua.LBool(ok))
	return 1
}

func (b *Bridge) luaListPlayers(L *lua.LState) int {
	names, err := b.ListPlayers()
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	out := L.NewTable()
	for i, n := range names {
		out.RawSetInt(i+1, lua.LString(n))
	}
	L.Push(out)
	return 1
}

func (b *Bridge) luaSaveData(L *lua.LState) int {
	domainName := L.CheckString(1)
	key := L.CheckString(2)
	data := L.CheckString(3)
	if err := b.SaveData(domainName, key, data); err != nil {
		L.RaiseError("%v", err)
	}
	return 0
}

func (b *Bridge) luaLoadData(L *lua.LState) int {
	domainName := L.CheckString(1)
	key := L.CheckString(2)
	data, err := b.LoadData(domainName, key)
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	L.Push(lua.LString(data))
	return 1
}

func (b *Bridge) luaSetHeartbeat(L *lua.LState) int {
	enabled := L.CheckBool(1)
	b.SetHeartbeatForCurrent(enabled)
	return 0
}

func (b *Bridge) luaCallOut(L *lua.LState) int {
	fnName := L.CheckString(1)
	delayMs := L.CheckInt64(2)
	id := b.CallOutForCurrent(fnName, time.Duration(delayMs)*time.Millisecond)
	L.Push(lua.LNumber(id))
	return 1
}

func (b *Bridge) luaRemoveCallOut(L *lua.LState) int {
	id := uint64(L.CheckInt64(1))
	if err := b.RemoveCallOut(id); err != nil {
		L.RaiseError("%v", err)
	}
	return 0
}

func (b *Bridge) luaWriteToPlayer(L *lua.LState) int {
	name := L.CheckString(1)
	text := L.CheckString(2)
	if err := b.WriteToPlayer(name, text); err != nil {
		L.RaiseError("%v", err)
	}
	return 0
}

func (b *Bridge) luaDisconnectPlayer(L *lua.LState) int {
	name := L.CheckString(1)
	if err := b.DisconnectPlayer(name); err != nil {
		L.RaiseError("%v", err)
	}
	return 0
}

func (b *Bridge) luaUsers(L *lua.LState) int {
	out := L.NewTable()
	for i, name := range b.Users() {
		out.RawSetInt(i+1, lua.LString(name))
	}
	L.Push(out)
	return 1
}

func (b *Bridge) luaAllPlayers(L *lua.LState) int {
	out := L.NewTable()
	for i, h := range b.AllPlayers() {
		out.RawSetInt(i+1, lua.LString(h.String()))
	}
	L.Push(out)
	return 1
}

func (b *Bridge) luaBindPlayerToConnection(L *lua.LState) int {
	sessionID := L.CheckString(1)
	name := L.CheckString(2)
	if err := b.BindPlayerToConnection(sessionID, name); err != nil {
		L.RaiseError("%v", err)
	}
	return 0
}

func (b *Bridge) luaSnoop(L *lua.LState) int {
	observer := L.CheckString(1)
	target := L.CheckString(2)
	if err := b.SnoopPlayer(observer, target); err != nil {
		L.RaiseError("%v", err)
	}
	return 0
}

func (b *Bridge) luaUnsnoop(L *lua.LState) int {
	observer := L.CheckString(1)
	if err := b.UnsnoopPlayer(observer); err != nil {
		L.RaiseError("%v", err)
	}
	return 0
}

func (b *Bridge) luaThisObject(L *lua.LState) int {
	L.Push(lua.LString(b.Current().ActingObject.String()))
	return 1
}

func (b *Bridge) luaThisPlayer(L *lua.LState) int {
	ctx := b.Current()
	if ctx.ActingPlayer == nil {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(ctx.ActingPlayer.Name))
	return 1
}
