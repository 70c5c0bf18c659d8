package jsrt

import (
	"github.com/dop251/goja"

	"github.com/longhorn/engine/internal/scripting"
)

// Globals that exist only to fail loudly.
var forbiddenGlobals = []string{"eval", "require", "importScripts", "load"}

// Realms reachable through the constructor property of function values.
var hiddenConstructors = []string{
	"Object.getPrototypeOf(function*(){})",
	"Object.getPrototypeOf(async function(){})",
	"Object.getPrototypeOf(async function*(){})",
}

// sandbox strips the fresh realm of everything that evaluates source text
// and installs the length-checked String.prototype.repeat.
func (rt *Runtime) sandbox(inst *instance) error {
	vm := inst.vm
	global := vm.GlobalObject()
	for _, name := range forbiddenGlobals {
		if err := global.DefineDataProperty(name, rt.forbidden(inst, name), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE); err != nil {
			return err
		}
	}

	fnStub := rt.forbidden(inst, "Function")
	if proto, ok := global.Get("Function").(*goja.Object); ok {
		if fp, ok := proto.Get("prototype").(*goja.Object); ok {
			if err := fp.DefineDataProperty("constructor", fnStub, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE); err != nil {
				return err
			}
		}
	}
	if err := global.DefineDataProperty("Function", fnStub, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE); err != nil {
		return err
	}
	for _, expr := range hiddenConstructors {
		// Older parsers reject some of these forms; nothing to hide then.
		v, err := vm.RunString(expr)
		if err != nil {
			continue
		}
		if obj, ok := v.(*goja.Object); ok {
			_ = obj.DefineDataProperty("constructor", fnStub, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE)
		}
	}

	str, ok := global.Get("String").(*goja.Object)
	if !ok {
		return nil
	}
	sp, ok := str.Get("prototype").(*goja.Object)
	if !ok {
		return nil
	}
	orig, ok := goja.AssertFunction(sp.Get("repeat"))
	if !ok {
		return nil
	}
	return sp.Set("repeat", func(call goja.FunctionCall) goja.Value {
		s := call.This.String()
		n := call.Argument(0).ToInteger()
		if max := inst.host.Limits.MaxStringLength; max > 0 && n > 0 && int64(len(s))*n > int64(max) {
			e := scripting.LimitExceeded(scripting.LimitStringLength, int64(max), int64(len(s))*n)
			e.Function = "String.prototype.repeat"
			rt.throw(inst, inst.host.Raise(e))
		}
		ret, err := orig(call.This, call.Arguments...)
		if err != nil {
			panic(err)
		}
		return ret
	})
}

// forbidden returns a function that raises forbidden_function whether it
// is called or constructed.
func (rt *Runtime) forbidden(inst *instance, name string) goja.Value {
	return inst.vm.ToValue(func(goja.ConstructorCall) *goja.Object {
		e := scripting.Violation(scripting.ViolationForbiddenFunction, name+" is not available to scripts")
		e.Function = name
		rt.throw(inst, inst.host.Raise(e))
		return nil
	})
}

// throw raises err in the running script. Fatal errors also interrupt the
// realm so that a catch block cannot keep the script going.
func (rt *Runtime) throw(inst *instance, err *scripting.Error) {
	if err.Fatal() {
		inst.vm.Interrupt(err)
	}
	obj := inst.vm.NewGoError(err)
	_ = obj.Set("kind", err.Kind.String())
	panic(obj)
}
