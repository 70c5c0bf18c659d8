package luart

import (
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/longhorn/engine/internal/core/ecs"
	"github.com/longhorn/engine/internal/scripting"
)

const (
	entityTypeName    = "longhorn.entity"
	componentTypeName = "longhorn.component"
	errorTypeName     = "longhorn.error"
)

// componentProxy is a live view of one field path inside a component.
// Every read and write goes back to the world.
type componentProxy struct {
	ref  scripting.ComponentRef
	path []string
}

func (p *componentProxy) child(key string) *componentProxy {
	path := make([]string, len(p.path)+1)
	copy(path, p.path)
	path[len(p.path)] = key
	return &componentProxy{ref: p.ref, path: path}
}

func (rt *Runtime) registerTypes() {
	L := rt.L

	rt.entityMeta = L.NewTypeMetatable(entityTypeName)
	methods := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"id":              rt.entityID,
		"generation":      rt.entityGeneration,
		"isAlive":         rt.entityAlive,
		"getComponent":    rt.entityGetComponent,
		"addComponent":    rt.entityAddComponent,
		"removeComponent": rt.entityRemoveComponent,
		"hasComponent":    rt.entityHasComponent,
	})
	rt.entityMeta.RawSetString("__index", methods)
	rt.entityMeta.RawSetString("__eq", L.NewFunction(func(L *lua.LState) int {
		a, _ := L.CheckUserData(1).Value.(ecs.EntityID)
		b, _ := L.CheckUserData(2).Value.(ecs.EntityID)
		L.Push(lua.LBool(a == b))
		return 1
	}))
	rt.entityMeta.RawSetString("__tostring", L.NewFunction(func(L *lua.LState) int {
		id, _ := L.CheckUserData(1).Value.(ecs.EntityID)
		L.Push(lua.LString("entity " + id.String()))
		return 1
	}))
	rt.entityMeta.RawSetString("__metatable", lua.LFalse)

	rt.componentMeta = L.NewTypeMetatable(componentTypeName)
	rt.componentMeta.RawSetString("__index", L.NewFunction(rt.componentIndex))
	rt.componentMeta.RawSetString("__newindex", L.NewFunction(rt.componentNewIndex))
	rt.componentMeta.RawSetString("__len", L.NewFunction(rt.componentLen))
	rt.componentMeta.RawSetString("__tostring", L.NewFunction(func(L *lua.LState) int {
		p := rt.checkProxy(L, 1)
		name := p.ref.KindName()
		if len(p.path) > 0 {
			name += "." + strings.Join(p.path, ".")
		}
		L.Push(lua.LString(name + " of entity " + p.ref.Entity.String()))
		return 1
	}))
	rt.componentMeta.RawSetString("__metatable", lua.LFalse)

	rt.errorMeta = L.NewTypeMetatable(errorTypeName)
	rt.errorMeta.RawSetString("__tostring", L.NewFunction(func(L *lua.LState) int {
		if e, ok := L.CheckUserData(1).Value.(*scripting.Error); ok {
			L.Push(lua.LString(e.Error()))
		} else {
			L.Push(lua.LString("error"))
		}
		return 1
	}))
	rt.errorMeta.RawSetString("__metatable", lua.LFalse)
}

func (rt *Runtime) registerAPI() {
	rt.api = map[string]map[string]lua.LGFunction{
		"console": {
			"log":   rt.consoleWriter(scripting.LevelInfo),
			"warn":  rt.consoleWriter(scripting.LevelWarn),
			"error": rt.consoleWriter(scripting.LevelError),
		},
		"world": {
			"getCurrentEntity": rt.worldCurrentEntity,
			"createEntity":     rt.worldCreateEntity,
			"destroyEntity":    rt.worldDestroyEntity,
			"query":            rt.worldQuery,
		},
		"input": {
			"isKeyPressed":         rt.inputKeyPressed,
			"isKeyJustPressed":     rt.inputKeyJustPressed,
			"getMousePosition":     rt.inputMousePosition,
			"isMouseButtonPressed": rt.inputMouseButton,
			"bindKey":              rt.inputBindKey,
			"unbindKey":            rt.inputUnbindKey,
		},
		"engine": {
			"read_file": rt.engineReadFile,
		},
	}
}

func (rt *Runtime) host() *scripting.Instance { return rt.current.host }

// fail reports a host error to the script: fatal errors abort the call,
// others come back as nil plus a message.
func (rt *Runtime) fail(L *lua.LState, err *scripting.Error) int {
	if err.Fatal() {
		rt.raise(L, err)
		return 0
	}
	L.Push(lua.LNil)
	L.Push(lua.LString(err.Error()))
	return 2
}

func (rt *Runtime) badArg(L *lua.LState, fn string, n int, want string) int {
	got := L.Get(n).Type().String()
	return rt.fail(L, rt.host().Raise(scripting.InvalidArguments(fn, "argument #%d: %s expected, got %s", n, want, got)))
}

func (rt *Runtime) newEntity(id ecs.EntityID) *lua.LUserData {
	ud := rt.L.NewUserData()
	ud.Value = id
	ud.Metatable = rt.entityMeta
	return ud
}

func (rt *Runtime) newProxy(p *componentProxy) *lua.LUserData {
	ud := rt.L.NewUserData()
	ud.Value = p
	ud.Metatable = rt.componentMeta
	return ud
}

func (rt *Runtime) toEntity(L *lua.LState, n int) (ecs.EntityID, bool) {
	ud, ok := L.Get(n).(*lua.LUserData)
	if !ok {
		return ecs.InvalidEntity, false
	}
	id, ok := ud.Value.(ecs.EntityID)
	return id, ok
}

func (rt *Runtime) checkProxy(L *lua.LState, n int) *componentProxy {
	ud, ok := L.Get(n).(*lua.LUserData)
	if ok {
		if p, ok := ud.Value.(*componentProxy); ok {
			return p
		}
	}
	L.ArgError(n, "component expected")
	return nil
}

// ── console ──

func (rt *Runtime) consoleWriter(level scripting.Level) lua.LGFunction {
	return func(L *lua.LState) int {
		parts := make([]string, L.GetTop())
		for i := range parts {
			parts[i] = L.ToStringMeta(L.Get(i + 1)).String()
		}
		if err := rt.host().Log(level, strings.Join(parts, "\t")); err != nil {
			return rt.fail(L, err)
		}
		return 0
	}
}

// ── world ──

func (rt *Runtime) worldCurrentEntity(L *lua.LState) int {
	L.Push(rt.newEntity(rt.host().CurrentEntity()))
	return 1
}

func (rt *Runtime) worldCreateEntity(L *lua.LState) int {
	const fn = "world.createEntity"
	bundle := map[string]any{}
	switch arg := L.Get(1).(type) {
	case *lua.LNilType:
	case *lua.LTable:
		var bad *scripting.Error
		arg.ForEach(func(k, v lua.LValue) {
			if bad != nil {
				return
			}
			name, ok := k.(lua.LString)
			if !ok {
				bad = scripting.InvalidArguments(fn, "bundle keys must be component names")
				return
			}
			data, err := rt.toGo(v, 0, nil)
			if err != nil {
				bad = scripting.InvalidArguments(fn, "%s: %v", name, err)
				return
			}
			bundle[string(name)] = data
		})
		if bad != nil {
			return rt.fail(L, rt.host().Raise(bad))
		}
	default:
		return rt.badArg(L, fn, 1, "table")
	}
	id, err := rt.host().CreateEntity(bundle)
	if err != nil {
		return rt.fail(L, err)
	}
	L.Push(rt.newEntity(id))
	return 1
}

func (rt *Runtime) worldDestroyEntity(L *lua.LState) int {
	id, ok := rt.toEntity(L, 1)
	if !ok {
		return rt.badArg(L, "world.destroyEntity", 1, "entity")
	}
	if err := rt.host().DestroyEntity(id); err != nil {
		return rt.fail(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

// worldQuery returns an iterator over the entities holding a component at
// call time. Entities despawned during iteration are skipped.
func (rt *Runtime) worldQuery(L *lua.LState) int {
	name, ok := L.Get(1).(lua.LString)
	if !ok {
		return rt.badArg(L, "world.query", 1, "string")
	}
	ids, err := rt.host().Query(string(name))
	if err != nil {
		return rt.fail(L, err)
	}
	i := 0
	L.Push(L.NewFunction(func(L *lua.LState) int {
		for i < len(ids) {
			id := ids[i]
			i++
			if rt.host().Alive(id) {
				L.Push(rt.newEntity(id))
				return 1
			}
		}
		L.Push(lua.LNil)
		return 1
	}))
	return 1
}

// ── entity handle methods ──

func (rt *Runtime) selfEntity(L *lua.LState, fn string) (ecs.EntityID, bool) {
	id, ok := rt.toEntity(L, 1)
	if !ok {
		rt.badArg(L, fn, 1, "entity (use ':' to call methods)")
	}
	return id, ok
}

func (rt *Runtime) entityID(L *lua.LState) int {
	id, ok := rt.selfEntity(L, "entity.id")
	if !ok {
		return 2
	}
	L.Push(lua.LNumber(id.Index()))
	return 1
}

func (rt *Runtime) entityGeneration(L *lua.LState) int {
	id, ok := rt.selfEntity(L, "entity.generation")
	if !ok {
		return 2
	}
	L.Push(lua.LNumber(id.Generation()))
	return 1
}

func (rt *Runtime) entityAlive(L *lua.LState) int {
	id, ok := rt.selfEntity(L, "entity.isAlive")
	if !ok {
		return 2
	}
	L.Push(lua.LBool(rt.host().Alive(id)))
	return 1
}

func (rt *Runtime) entityGetComponent(L *lua.LState) int {
	const fn = "entity.getComponent"
	id, ok := rt.selfEntity(L, fn)
	if !ok {
		return 2
	}
	name, ok := L.Get(2).(lua.LString)
	if !ok {
		return rt.badArg(L, fn, 2, "string")
	}
	ref, found, err := rt.host().GetComponent(id, string(name))
	if err != nil {
		return rt.fail(L, err)
	}
	if !found {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(rt.newProxy(&componentProxy{ref: ref}))
	return 1
}

func (rt *Runtime) entityAddComponent(L *lua.LState) int {
	const fn = "entity.addComponent"
	id, ok := rt.selfEntity(L, fn)
	if !ok {
		return 2
	}
	name, ok := L.Get(2).(lua.LString)
	if !ok {
		return rt.badArg(L, fn, 2, "string")
	}
	data, cerr := rt.toGo(L.Get(3), 0, nil)
	if cerr != nil {
		return rt.fail(L, rt.host().Raise(scripting.InvalidArguments(fn, "%s: %v", name, cerr)))
	}
	if err := rt.host().AddComponent(id, string(name), data); err != nil {
		return rt.fail(L, err)
	}
	ref, _, err := rt.host().GetComponent(id, string(name))
	if err != nil {
		return rt.fail(L, err)
	}
	L.Push(rt.newProxy(&componentProxy{ref: ref}))
	return 1
}

func (rt *Runtime) entityRemoveComponent(L *lua.LState) int {
	const fn = "entity.removeComponent"
	id, ok := rt.selfEntity(L, fn)
	if !ok {
		return 2
	}
	name, ok := L.Get(2).(lua.LString)
	if !ok {
		return rt.badArg(L, fn, 2, "string")
	}
	removed, err := rt.host().RemoveComponent(id, string(name))
	if err != nil {
		return rt.fail(L, err)
	}
	L.Push(lua.LBool(removed))
	return 1
}

func (rt *Runtime) entityHasComponent(L *lua.LState) int {
	const fn = "entity.hasComponent"
	id, ok := rt.selfEntity(L, fn)
	if !ok {
		return 2
	}
	name, ok := L.Get(2).(lua.LString)
	if !ok {
		return rt.badArg(L, fn, 2, "string")
	}
	has, err := rt.host().HasComponent(id, string(name))
	if err != nil {
		return rt.fail(L, err)
	}
	L.Push(lua.LBool(has))
	return 1
}

// ── component proxies ──

func (rt *Runtime) componentIndex(L *lua.LState) int {
	p := rt.checkProxy(L, 1)
	key, ok := luaKey(L.Get(2))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	child := p.child(key)
	v, err := rt.host().ReadComponent(child.ref, child.path)
	if err != nil {
		return rt.fail(L, err)
	}
	switch v.(type) {
	case map[string]any, []any:
		L.Push(rt.newProxy(child))
	default:
		L.Push(rt.toLua(v))
	}
	return 1
}

func (rt *Runtime) componentNewIndex(L *lua.LState) int {
	const fn = "component.set"
	p := rt.checkProxy(L, 1)
	key, ok := luaKey(L.Get(2))
	if !ok {
		return rt.badArg(L, fn, 2, "field name")
	}
	value, cerr := rt.toGo(L.Get(3), 0, nil)
	if cerr != nil {
		return rt.fail(L, rt.host().Raise(scripting.InvalidArguments(fn, "%s: %v", key, cerr)))
	}
	child := p.child(key)
	if err := rt.host().WriteComponent(child.ref, child.path, value); err != nil {
		// A failed assignment cannot return a value to the script.
		rt.raise(L, err)
	}
	return 0
}

func (rt *Runtime) componentLen(L *lua.LState) int {
	p := rt.checkProxy(L, 1)
	keys, err := rt.host().ComponentKeys(p.ref, p.path)
	if err != nil {
		return rt.fail(L, err)
	}
	L.Push(lua.LNumber(len(keys)))
	return 1
}

// ── input ──

func (rt *Runtime) keyArg(L *lua.LState, fn string) (string, bool) {
	name, ok := L.Get(1).(lua.LString)
	if !ok {
		rt.badArg(L, fn, 1, "key name")
	}
	return string(name), ok
}

func (rt *Runtime) inputKeyPressed(L *lua.LState) int {
	name, ok := rt.keyArg(L, "input.isKeyPressed")
	if !ok {
		return 2
	}
	pressed, err := rt.host().IsKeyPressed(name)
	if err != nil {
		return rt.fail(L, err)
	}
	L.Push(lua.LBool(pressed))
	return 1
}

func (rt *Runtime) inputKeyJustPressed(L *lua.LState) int {
	name, ok := rt.keyArg(L, "input.isKeyJustPressed")
	if !ok {
		return 2
	}
	pressed, err := rt.host().IsKeyJustPressed(name)
	if err != nil {
		return rt.fail(L, err)
	}
	L.Push(lua.LBool(pressed))
	return 1
}

func (rt *Runtime) inputMousePosition(L *lua.LState) int {
	x, y, err := rt.host().MousePosition()
	if err != nil {
		return rt.fail(L, err)
	}
	L.Push(lua.LNumber(x))
	L.Push(lua.LNumber(y))
	return 2
}

func (rt *Runtime) inputMouseButton(L *lua.LState) int {
	var button any
	switch v := L.Get(1).(type) {
	case lua.LString:
		button = string(v)
	case lua.LNumber:
		button = float64(v)
	default:
		return rt.badArg(L, "input.isMouseButtonPressed", 1, "button name or index")
	}
	pressed, err := rt.host().IsMouseButtonPressed(button)
	if err != nil {
		return rt.fail(L, err)
	}
	L.Push(lua.LBool(pressed))
	return 1
}

func (rt *Runtime) inputBindKey(L *lua.LState) int {
	const fn = "input.bindKey"
	name, ok := rt.keyArg(L, fn)
	if !ok {
		return 2
	}
	cb, ok := L.Get(2).(*lua.LFunction)
	if !ok {
		return rt.badArg(L, fn, 2, "function")
	}
	id, err := rt.host().BindKey(name)
	if err != nil {
		return rt.fail(L, err)
	}
	rt.current.bindings[id] = cb
	L.Push(lua.LString(id))
	return 1
}

func (rt *Runtime) inputUnbindKey(L *lua.LState) int {
	id, ok := L.Get(1).(lua.LString)
	if !ok {
		return rt.badArg(L, "input.unbindKey", 1, "binding id")
	}
	delete(rt.current.bindings, string(id))
	L.Push(lua.LBool(rt.host().UnbindKey(string(id))))
	return 1
}

// ── engine ──

func (rt *Runtime) engineReadFile(L *lua.LState) int {
	p, ok := L.Get(1).(lua.LString)
	if !ok {
		return rt.badArg(L, "engine.read_file", 1, "string")
	}
	data, err := rt.host().ReadFile(string(p))
	if err != nil {
		return rt.fail(L, err)
	}
	L.Push(lua.LString(data))
	return 1
}
