package jsrt

import (
	"strconv"
	"strings"

	"github.com/dop251/goja"

	"github.com/longhorn/engine/internal/core/ecs"
	"github.com/longhorn/engine/internal/scripting"
)

// entityRef is stored under the instance's private entity symbol.
type entityRef struct {
	id ecs.EntityID
}

type native = func(goja.FunctionCall) goja.Value

func (rt *Runtime) installAPI(inst *instance) {
	vm := inst.vm
	global := vm.GlobalObject()

	inst.entityProto = vm.NewObject()
	for name, fn := range map[string]native{
		"id":              rt.entityID(inst),
		"generation":      rt.entityGeneration(inst),
		"isAlive":         rt.entityAlive(inst),
		"getComponent":    rt.entityGetComponent(inst),
		"addComponent":    rt.entityAddComponent(inst),
		"removeComponent": rt.entityRemoveComponent(inst),
		"hasComponent":    rt.entityHasComponent(inst),
		"toString":        rt.entityString(inst),
	} {
		_ = inst.entityProto.DefineDataProperty(name, vm.ToValue(fn), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE)
	}
	_ = inst.entityProto.Set("equals", func(call goja.FunctionCall) goja.Value {
		a, aok := rt.toEntity(inst, call.This)
		b, bok := rt.toEntity(inst, call.Argument(0))
		return vm.ToValue(aok && bok && a == b)
	})

	tables := map[string]map[string]native{
		"console": {
			"log":   rt.consoleWriter(inst, scripting.LevelInfo),
			"warn":  rt.consoleWriter(inst, scripting.LevelWarn),
			"error": rt.consoleWriter(inst, scripting.LevelError),
		},
		"world": {
			"getCurrentEntity": rt.worldCurrentEntity(inst),
			"createEntity":     rt.worldCreateEntity(inst),
			"destroyEntity":    rt.worldDestroyEntity(inst),
			"query":            rt.worldQuery(inst),
		},
		"input": {
			"isKeyPressed":         rt.inputKeyPressed(inst),
			"isKeyJustPressed":     rt.inputKeyJustPressed(inst),
			"getMousePosition":     rt.inputMousePosition(inst),
			"isMouseButtonPressed": rt.inputMouseButton(inst),
			"bindKey":              rt.inputBindKey(inst),
			"unbindKey":            rt.inputUnbindKey(inst),
		},
		"engine": {
			"read_file": rt.engineReadFile(inst),
		},
	}
	for name, funcs := range tables {
		obj := vm.NewObject()
		for fn, f := range funcs {
			_ = obj.Set(fn, f)
		}
		_ = global.Set(name, obj)
	}
	_ = global.Set("print", tables["console"]["log"])
}

// fail throws err into the script. It never returns normally; the return
// value only keeps call sites short.
func (rt *Runtime) fail(inst *instance, err *scripting.Error) goja.Value {
	rt.throw(inst, err)
	return nil
}

func (rt *Runtime) badArg(inst *instance, fn string, n int, want string, got goja.Value) goja.Value {
	return rt.fail(inst, inst.host.Raise(scripting.InvalidArguments(fn, "argument #%d: %s expected, got %s", n, want, typeOf(got))))
}

func typeOf(v goja.Value) string {
	switch {
	case v == nil || goja.IsUndefined(v):
		return "undefined"
	case goja.IsNull(v):
		return "null"
	}
	if obj, ok := v.(*goja.Object); ok {
		if _, ok := goja.AssertFunction(obj); ok {
			return "function"
		}
		if obj.ClassName() == "Array" {
			return "array"
		}
		return "object"
	}
	switch v.Export().(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case int64, float64:
		return "number"
	}
	return v.String()
}

func argString(call goja.FunctionCall, n int) (string, bool) {
	s, ok := call.Argument(n).Export().(string)
	return s, ok
}

func (rt *Runtime) newEntity(inst *instance, id ecs.EntityID) goja.Value {
	obj := inst.vm.NewObject()
	_ = obj.SetPrototype(inst.entityProto)
	_ = obj.DefineDataPropertySymbol(inst.entitySym, inst.vm.ToValue(&entityRef{id: id}), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE)
	return obj
}

func (rt *Runtime) toEntity(inst *instance, v goja.Value) (ecs.EntityID, bool) {
	obj, ok := v.(*goja.Object)
	if !ok {
		return ecs.InvalidEntity, false
	}
	sv := obj.GetSymbol(inst.entitySym)
	if sv == nil {
		return ecs.InvalidEntity, false
	}
	ref, ok := sv.Export().(*entityRef)
	if !ok {
		return ecs.InvalidEntity, false
	}
	return ref.id, true
}

// ── console ──

func (rt *Runtime) consoleWriter(inst *instance, level scripting.Level) native {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, a := range call.Arguments {
			parts[i] = a.String()
		}
		if err := inst.host.Log(level, strings.Join(parts, " ")); err != nil {
			return rt.fail(inst, err)
		}
		return goja.Undefined()
	}
}

// ── world ──

func (rt *Runtime) worldCurrentEntity(inst *instance) native {
	return func(goja.FunctionCall) goja.Value {
		return rt.newEntity(inst, inst.host.CurrentEntity())
	}
}

func (rt *Runtime) worldCreateEntity(inst *instance) native {
	const fn = "world.createEntity"
	return func(call goja.FunctionCall) goja.Value {
		bundle := map[string]any{}
		arg := call.Argument(0)
		switch {
		case goja.IsUndefined(arg) || goja.IsNull(arg):
		case typeOf(arg) == "object":
			obj := arg.(*goja.Object)
			for _, name := range obj.Keys() {
				data, err := rt.toGo(inst, obj.Get(name), 0)
				if err != nil {
					return rt.fail(inst, inst.host.Raise(scripting.InvalidArguments(fn, "%s: %v", name, err)))
				}
				bundle[name] = data
			}
		default:
			return rt.badArg(inst, fn, 1, "object", arg)
		}
		id, err := inst.host.CreateEntity(bundle)
		if err != nil {
			return rt.fail(inst, err)
		}
		return rt.newEntity(inst, id)
	}
}

func (rt *Runtime) worldDestroyEntity(inst *instance) native {
	return func(call goja.FunctionCall) goja.Value {
		id, ok := rt.toEntity(inst, call.Argument(0))
		if !ok {
			return rt.badArg(inst, "world.destroyEntity", 1, "entity", call.Argument(0))
		}
		if err := inst.host.DestroyEntity(id); err != nil {
			return rt.fail(inst, err)
		}
		return inst.vm.ToValue(true)
	}
}

// worldQuery returns an iterator over the entities holding a component at
// call time. Entities despawned during iteration are skipped.
func (rt *Runtime) worldQuery(inst *instance) native {
	return func(call goja.FunctionCall) goja.Value {
		name, ok := argString(call, 0)
		if !ok {
			return rt.badArg(inst, "world.query", 1, "string", call.Argument(0))
		}
		ids, err := inst.host.Query(name)
		if err != nil {
			return rt.fail(inst, err)
		}
		vm := inst.vm
		it := vm.NewObject()
		i := 0
		_ = it.Set("next", func(goja.FunctionCall) goja.Value {
			res := vm.NewObject()
			for i < len(ids) {
				id := ids[i]
				i++
				if inst.host.Alive(id) {
					_ = res.Set("value", rt.newEntity(inst, id))
					_ = res.Set("done", false)
					return res
				}
			}
			_ = res.Set("value", goja.Undefined())
			_ = res.Set("done", true)
			return res
		})
		_ = it.SetSymbol(goja.SymIterator, func(goja.FunctionCall) goja.Value { return it })
		return it
	}
}

// ── entity handle methods ──

func (rt *Runtime) self(inst *instance, call goja.FunctionCall, fn string) ecs.EntityID {
	id, ok := rt.toEntity(inst, call.This)
	if !ok {
		rt.badArg(inst, fn, 0, "entity receiver", call.This)
	}
	return id
}

func (rt *Runtime) entityID(inst *instance) native {
	return func(call goja.FunctionCall) goja.Value {
		return inst.vm.ToValue(rt.self(inst, call, "entity.id").Index())
	}
}

func (rt *Runtime) entityGeneration(inst *instance) native {
	return func(call goja.FunctionCall) goja.Value {
		return inst.vm.ToValue(rt.self(inst, call, "entity.generation").Generation())
	}
}

func (rt *Runtime) entityAlive(inst *instance) native {
	return func(call goja.FunctionCall) goja.Value {
		return inst.vm.ToValue(inst.host.Alive(rt.self(inst, call, "entity.isAlive")))
	}
}

func (rt *Runtime) entityString(inst *instance) native {
	return func(call goja.FunctionCall) goja.Value {
		return inst.vm.ToValue("entity " + rt.self(inst, call, "entity.toString").String())
	}
}

func (rt *Runtime) entityGetComponent(inst *instance) native {
	const fn = "entity.getComponent"
	return func(call goja.FunctionCall) goja.Value {
		id := rt.self(inst, call, fn)
		name, ok := argString(call, 0)
		if !ok {
			return rt.badArg(inst, fn, 1, "string", call.Argument(0))
		}
		ref, found, err := inst.host.GetComponent(id, name)
		if err != nil {
			return rt.fail(inst, err)
		}
		if !found {
			return goja.Null()
		}
		return rt.newProxy(&componentProxy{rt: rt, inst: inst, ref: ref}, nil)
	}
}

func (rt *Runtime) entityAddComponent(inst *instance) native {
	const fn = "entity.addComponent"
	return func(call goja.FunctionCall) goja.Value {
		id := rt.self(inst, call, fn)
		name, ok := argString(call, 0)
		if !ok {
			return rt.badArg(inst, fn, 1, "string", call.Argument(0))
		}
		data, cerr := rt.toGo(inst, call.Argument(1), 0)
		if cerr != nil {
			return rt.fail(inst, inst.host.Raise(scripting.InvalidArguments(fn, "%s: %v", name, cerr)))
		}
		if err := inst.host.AddComponent(id, name, data); err != nil {
			return rt.fail(inst, err)
		}
		ref, _, err := inst.host.GetComponent(id, name)
		if err != nil {
			return rt.fail(inst, err)
		}
		return rt.newProxy(&componentProxy{rt: rt, inst: inst, ref: ref}, nil)
	}
}

func (rt *Runtime) entityRemoveComponent(inst *instance) native {
	const fn = "entity.removeComponent"
	return func(call goja.FunctionCall) goja.Value {
		id := rt.self(inst, call, fn)
		name, ok := argString(call, 0)
		if !ok {
			return rt.badArg(inst, fn, 1, "string", call.Argument(0))
		}
		removed, err := inst.host.RemoveComponent(id, name)
		if err != nil {
			return rt.fail(inst, err)
		}
		return inst.vm.ToValue(removed)
	}
}

func (rt *Runtime) entityHasComponent(inst *instance) native {
	const fn = "entity.hasComponent"
	return func(call goja.FunctionCall) goja.Value {
		id := rt.self(inst, call, fn)
		name, ok := argString(call, 0)
		if !ok {
			return rt.badArg(inst, fn, 1, "string", call.Argument(0))
		}
		has, err := inst.host.HasComponent(id, name)
		if err != nil {
			return rt.fail(inst, err)
		}
		return inst.vm.ToValue(has)
	}
}

// ── component proxies ──

// componentProxy is a live view of one field path inside a component.
// Every read and write goes back to the world.
type componentProxy struct {
	rt   *Runtime
	inst *instance
	ref  scripting.ComponentRef
	path []string
}

// componentArray exposes a list-valued field as a JS array.
type componentArray struct {
	p *componentProxy
}

func (p *componentProxy) child(key string) *componentProxy {
	path := make([]string, len(p.path)+1)
	copy(path, p.path)
	path[len(p.path)] = key
	return &componentProxy{rt: p.rt, inst: p.inst, ref: p.ref, path: path}
}

// newProxy wraps p as an object or array depending on the live value.
// v may be nil, in which case the component is read.
func (rt *Runtime) newProxy(p *componentProxy, v any) goja.Value {
	if v == nil {
		v = p.read()
	}
	if _, ok := v.([]any); ok {
		return p.inst.vm.NewDynamicArray(&componentArray{p: p})
	}
	return p.inst.vm.NewDynamicObject(p)
}

func (p *componentProxy) read() any {
	v, err := p.inst.host.ReadComponent(p.ref, p.path)
	if err != nil {
		p.rt.throw(p.inst, err)
	}
	return v
}

func (p *componentProxy) get(key string) goja.Value {
	child := p.child(key)
	v := child.read()
	switch v.(type) {
	case nil:
		// Fall through to the prototype.
		return nil
	case map[string]any, []any:
		return p.rt.newProxy(child, v)
	}
	return p.inst.vm.ToValue(v)
}

func (p *componentProxy) set(key string, val goja.Value) bool {
	const fn = "component.set"
	value, cerr := p.rt.toGo(p.inst, val, 0)
	if cerr != nil {
		p.rt.throw(p.inst, p.inst.host.Raise(scripting.InvalidArguments(fn, "%s: %v", key, cerr)))
	}
	if err := p.inst.host.WriteComponent(p.ref, p.child(key).path, value); err != nil {
		p.rt.throw(p.inst, err)
	}
	return true
}

func (p *componentProxy) keys() []string {
	keys, err := p.inst.host.ComponentKeys(p.ref, p.path)
	if err != nil {
		p.rt.throw(p.inst, err)
	}
	return keys
}

func (p *componentProxy) Get(key string) goja.Value { return p.get(key) }

func (p *componentProxy) Set(key string, val goja.Value) bool { return p.set(key, val) }

func (p *componentProxy) Has(key string) bool {
	for _, k := range p.keys() {
		if k == key {
			return true
		}
	}
	return false
}

// Delete refuses: component fields are fixed by their type.
func (p *componentProxy) Delete(string) bool { return false }

func (p *componentProxy) Keys() []string { return p.keys() }

func (a *componentArray) Len() int { return len(a.p.keys()) }

func (a *componentArray) Get(idx int) goja.Value {
	if idx < 0 || idx >= a.Len() {
		return nil
	}
	return a.p.get(strconv.Itoa(idx))
}

func (a *componentArray) Set(idx int, val goja.Value) bool {
	return a.p.set(strconv.Itoa(idx), val)
}

func (a *componentArray) SetLen(int) bool { return false }

// ── input ──

func (rt *Runtime) inputKeyPressed(inst *instance) native {
	return func(call goja.FunctionCall) goja.Value {
		name, ok := argString(call, 0)
		if !ok {
			return rt.badArg(inst, "input.isKeyPressed", 1, "key name", call.Argument(0))
		}
		pressed, err := inst.host.IsKeyPressed(name)
		if err != nil {
			return rt.fail(inst, err)
		}
		return inst.vm.ToValue(pressed)
	}
}

func (rt *Runtime) inputKeyJustPressed(inst *instance) native {
	return func(call goja.FunctionCall) goja.Value {
		name, ok := argString(call, 0)
		if !ok {
			return rt.badArg(inst, "input.isKeyJustPressed", 1, "key name", call.Argument(0))
		}
		pressed, err := inst.host.IsKeyJustPressed(name)
		if err != nil {
			return rt.fail(inst, err)
		}
		return inst.vm.ToValue(pressed)
	}
}

func (rt *Runtime) inputMousePosition(inst *instance) native {
	return func(goja.FunctionCall) goja.Value {
		x, y, err := inst.host.MousePosition()
		if err != nil {
			return rt.fail(inst, err)
		}
		pos := inst.vm.NewObject()
		_ = pos.Set("x", x)
		_ = pos.Set("y", y)
		return pos
	}
}

func (rt *Runtime) inputMouseButton(inst *instance) native {
	return func(call goja.FunctionCall) goja.Value {
		var button any
		switch v := call.Argument(0).Export().(type) {
		case string:
			button = v
		case int64:
			button = float64(v)
		case float64:
			button = v
		default:
			return rt.badArg(inst, "input.isMouseButtonPressed", 1, "button name or index", call.Argument(0))
		}
		pressed, err := inst.host.IsMouseButtonPressed(button)
		if err != nil {
			return rt.fail(inst, err)
		}
		return inst.vm.ToValue(pressed)
	}
}

func (rt *Runtime) inputBindKey(inst *instance) native {
	const fn = "input.bindKey"
	return func(call goja.FunctionCall) goja.Value {
		name, ok := argString(call, 0)
		if !ok {
			return rt.badArg(inst, fn, 1, "key name", call.Argument(0))
		}
		cb, ok := goja.AssertFunction(call.Argument(1))
		if !ok {
			return rt.badArg(inst, fn, 2, "function", call.Argument(1))
		}
		id, err := inst.host.BindKey(name)
		if err != nil {
			return rt.fail(inst, err)
		}
		inst.bindings[id] = cb
		return inst.vm.ToValue(id)
	}
}

func (rt *Runtime) inputUnbindKey(inst *instance) native {
	return func(call goja.FunctionCall) goja.Value {
		id, ok := argString(call, 0)
		if !ok {
			return rt.badArg(inst, "input.unbindKey", 1, "binding id", call.Argument(0))
		}
		delete(inst.bindings, id)
		return inst.vm.ToValue(inst.host.UnbindKey(id))
	}
}

// ── engine ──

func (rt *Runtime) engineReadFile(inst *instance) native {
	return func(call goja.FunctionCall) goja.Value {
		p, ok := argString(call, 0)
		if !ok {
			return rt.badArg(inst, "engine.read_file", 1, "string", call.Argument(0))
		}
		data, err := inst.host.ReadFile(p)
		if err != nil {
			return rt.fail(inst, err)
		}
		return inst.vm.ToValue(data)
	}
}
