package luart

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/longhorn/engine/internal/scripting"
)

// Base functions scripts may use as-is.
var allowedBase = []string{
	"assert", "error", "ipairs", "next", "pairs", "rawequal", "rawget",
	"select", "tonumber", "tostring", "type", "unpack", "_VERSION",
}

// Globals that exist only to fail loudly.
var forbiddenFuncs = []string{
	"collectgarbage", "dofile", "getfenv", "load", "loadfile", "loadstring",
	"module", "newproxy", "rawset", "require", "setfenv",
}

var forbiddenLibs = []string{"os", "io", "debug", "package", "coroutine", "channel"}

var openLibs = []struct {
	name string
	fn   lua.LGFunction
}{
	{lua.BaseLibName, lua.OpenBase},
	{lua.TabLibName, lua.OpenTable},
	{lua.StringLibName, lua.OpenString},
	{lua.MathLibName, lua.OpenMath},
}

func (rt *Runtime) openSandbox() error {
	L := rt.L
	for _, lib := range openLibs {
		err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.fn), NRet: 0, Protect: true}, lua.LString(lib.name))
		if err != nil {
			return fmt.Errorf("open %s library: %w", lib.name, err)
		}
	}

	fn := func(v lua.LValue, name string) (*lua.LFunction, error) {
		f, ok := v.(*lua.LFunction)
		if !ok {
			return nil, fmt.Errorf("%s is %s, not a function", name, v.Type())
		}
		return f, nil
	}

	rt.globals = make(map[string]lua.LValue)
	for _, name := range allowedBase {
		rt.globals[name] = L.GetGlobal(name)
	}
	for _, name := range []string{"pcall", "xpcall", "getmetatable", "setmetatable"} {
		f, err := fn(L.GetGlobal(name), name)
		if err != nil {
			return err
		}
		switch name {
		case "pcall", "xpcall":
			rt.globals[name] = L.NewFunction(rt.guarded(f))
		case "getmetatable":
			rt.globals[name] = L.NewFunction(rt.getMetatable(f))
		case "setmetatable":
			rt.globals[name] = L.NewFunction(rt.setMetatable(f))
		}
	}
	for _, name := range forbiddenFuncs {
		rt.globals[name] = L.NewFunction(rt.forbidden(name))
	}

	rt.libs = make(map[string]*lua.LTable)
	for _, name := range []string{lua.TabLibName, lua.StringLibName, lua.MathLibName} {
		t, ok := L.GetGlobal(name).(*lua.LTable)
		if !ok {
			return fmt.Errorf("%s library missing", name)
		}
		rt.libs[name] = t
	}
	// The shared string table also backs method calls on string values.
	str := rt.libs[lua.StringLibName]
	rep, err := fn(str.RawGetString("rep"), "string.rep")
	if err != nil {
		return err
	}
	str.RawSetString("rep", L.NewFunction(rt.checkedRep(rep)))
	str.RawSetString("dump", L.NewFunction(rt.forbidden("string.dump")))
	return nil
}

// newEnv builds a fresh global table for one instance. Library tables are
// copied so a script that patches string or math only affects itself.
func (rt *Runtime) newEnv() *lua.LTable {
	L := rt.L
	env := L.NewTable()
	for name, v := range rt.globals {
		env.RawSetString(name, v)
	}
	for name, lib := range rt.libs {
		cp := L.NewTable()
		lib.ForEach(func(k, v lua.LValue) {
			if k.String() != "__index" {
				cp.RawSet(k, v)
			}
		})
		env.RawSetString(name, cp)
	}
	for _, name := range forbiddenLibs {
		env.RawSetString(name, rt.forbiddenLib(name))
	}
	for name, funcs := range rt.api {
		tbl := L.NewTable()
		for fn, f := range funcs {
			tbl.RawSetString(fn, L.NewFunction(f))
		}
		env.RawSetString(name, tbl)
	}
	env.RawSetString("print", env.RawGetString("console").(*lua.LTable).RawGetString("log"))
	env.RawSetString("_G", env)
	return env
}

// raise aborts the running script with a host error. The error travels as
// userdata so the call boundary recovers it intact.
func (rt *Runtime) raise(L *lua.LState, err *scripting.Error) {
	ud := L.NewUserData()
	ud.Value = err
	ud.Metatable = rt.errorMeta
	L.Error(ud, 1)
}

func (rt *Runtime) violation(L *lua.LState, kind scripting.ViolationKind, fn, detail string) int {
	e := scripting.Violation(kind, detail)
	e.Function = fn
	if rt.current != nil {
		rt.current.host.Raise(e)
	}
	rt.raise(L, e)
	return 0
}

func (rt *Runtime) forbidden(name string) lua.LGFunction {
	return func(L *lua.LState) int {
		return rt.violation(L, scripting.ViolationForbiddenFunction, name, name+" is not available to scripts")
	}
}

func (rt *Runtime) forbiddenLib(lib string) *lua.LTable {
	L := rt.L
	tbl := L.NewTable()
	mt := L.NewTable()
	mt.RawSetString("__index", L.NewFunction(func(L *lua.LState) int {
		return rt.violation(L, scripting.ViolationForbiddenFunction, lib+"."+L.ToString(2), lib+" is not available to scripts")
	}))
	mt.RawSetString("__newindex", L.NewFunction(func(L *lua.LState) int {
		return rt.violation(L, scripting.ViolationSandboxEscape, lib, "cannot populate "+lib)
	}))
	mt.RawSetString("__metatable", lua.LFalse)
	tbl.Metatable = mt
	return tbl
}

// guarded wraps pcall/xpcall so scripts cannot swallow fatal host errors or
// the execution deadline.
func (rt *Runtime) guarded(orig *lua.LFunction) lua.LGFunction {
	return func(L *lua.LState) int {
		L.Insert(orig, 1)
		L.Call(L.GetTop()-1, lua.MultRet)
		if rt.current != nil {
			if fatal := rt.current.host.Fatal(); fatal != nil {
				rt.raise(L, fatal)
			}
		}
		if ctx := L.Context(); ctx != nil && ctx.Err() != nil {
			L.RaiseError("%s", ctx.Err().Error())
		}
		return L.GetTop()
	}
}

// getMetatable hides the metatables of non-table values.
func (rt *Runtime) getMetatable(orig *lua.LFunction) lua.LGFunction {
	return func(L *lua.LState) int {
		if _, ok := L.Get(1).(*lua.LTable); !ok {
			L.Push(lua.LNil)
			return 1
		}
		L.Insert(orig, 1)
		L.Call(L.GetTop()-1, 1)
		return 1
	}
}

// setMetatable refuses anything but plain tables: setting the metatable of
// a string or number would change it for every script.
func (rt *Runtime) setMetatable(orig *lua.LFunction) lua.LGFunction {
	return func(L *lua.LState) int {
		if _, ok := L.Get(1).(*lua.LTable); !ok {
			return rt.violation(L, scripting.ViolationSandboxEscape, "setmetatable",
				fmt.Sprintf("cannot set the metatable of a %s", L.Get(1).Type()))
		}
		L.Insert(orig, 1)
		L.Call(L.GetTop()-1, 1)
		return 1
	}
}

func (rt *Runtime) checkedRep(orig *lua.LFunction) lua.LGFunction {
	return func(L *lua.LState) int {
		s := L.CheckString(1)
		n := L.CheckInt(2)
		if rt.current != nil && n > 0 {
			max := rt.current.host.Limits.MaxStringLength
			if max > 0 && int64(len(s))*int64(n) > int64(max) {
				e := scripting.LimitExceeded(scripting.LimitStringLength, int64(max), int64(len(s))*int64(n))
				e.Function = "string.rep"
				rt.raise(L, rt.current.host.Raise(e))
			}
		}
		L.Insert(orig, 1)
		L.Call(L.GetTop()-1, 1)
		return 1
	}
}
