package jsrt

import (
	"errors"
	"fmt"
	"math"
	"reflect"

	"github.com/dop251/goja"
)

const maxConvertDepth = 64

var (
	errCycle = errors.New("object contains a cycle")

	proxyType = reflect.TypeOf((*componentProxy)(nil))
	arrayType = reflect.TypeOf((*componentArray)(nil))
)

// toGo converts a script value to codec-shaped host data: numbers become
// float64, arrays []any and plain objects map[string]any. Component proxies
// are read through; entity handles become their id.
func (rt *Runtime) toGo(inst *instance, v goja.Value, depth int) (any, error) {
	return rt.convert(inst, v, depth, make(map[*goja.Object]bool))
}

func (rt *Runtime) convert(inst *instance, v goja.Value, depth int, seen map[*goja.Object]bool) (any, error) {
	if depth > maxConvertDepth {
		return nil, errors.New("value nested too deeply")
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		switch x := v.Export().(type) {
		case bool, string, float64:
			return x, nil
		case int64:
			return float64(x), nil
		}
		return nil, fmt.Errorf("%s values cannot leave the script", typeOf(v))
	}

	switch obj.ExportType() {
	case proxyType:
		p := obj.Export().(*componentProxy)
		return inst.host.ReadComponent(p.ref, p.path)
	case arrayType:
		a := obj.Export().(*componentArray)
		return inst.host.ReadComponent(a.p.ref, a.p.path)
	}
	if id, ok := rt.toEntity(inst, obj); ok {
		return float64(id.Index()), nil
	}
	if _, ok := goja.AssertFunction(obj); ok {
		return nil, errors.New("functions cannot leave the script")
	}
	if seen[obj] {
		return nil, errCycle
	}
	seen[obj] = true
	defer delete(seen, obj)

	if obj.ClassName() == "Array" {
		n := obj.Get("length").ToInteger()
		if n < 0 || n > math.MaxInt32 {
			return nil, fmt.Errorf("array length %d out of range", n)
		}
		out := make([]any, n)
		for i := int64(0); i < n; i++ {
			e, err := rt.convert(inst, obj.Get(fmt.Sprint(i)), depth+1, seen)
			if err != nil {
				return nil, err
			}
			out[i] = e
		}
		return out, nil
	}
	keys := obj.Keys()
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		e, err := rt.convert(inst, obj.Get(k), depth+1, seen)
		if err != nil {
			return nil, err
		}
		out[k] = e
	}
	return out, nil
}

// estimator approximates the bytes an instance keeps reachable from its
// globals. The walk is bounded so a huge graph cannot stall the frame.
type estimator struct {
	inst      *instance
	maxString int
	bytes     uint64
	longest   int // length of the first string over maxString
	seen      map[*goja.Object]bool
	budget    int
}

func newEstimator(inst *instance, maxString int) *estimator {
	return &estimator{inst: inst, maxString: maxString, seen: make(map[*goja.Object]bool), budget: 1 << 20}
}

func (e *estimator) value(v goja.Value) {
	if e.budget <= 0 || v == nil {
		return
	}
	e.budget--
	obj, ok := v.(*goja.Object)
	if !ok {
		if s, ok := v.Export().(string); ok {
			e.bytes += uint64(len(s)) + 16
			if e.maxString > 0 && len(s) > e.maxString && e.longest == 0 {
				e.longest = len(s)
			}
			return
		}
		e.bytes += 16
		return
	}
	if e.seen[obj] {
		return
	}
	e.seen[obj] = true
	switch obj.ExportType() {
	case proxyType, arrayType:
		e.bytes += 48
		return
	}
	if _, ok := goja.AssertFunction(obj); ok {
		e.bytes += 64
		return
	}
	if obj.ClassName() == "Array" {
		n := obj.Get("length").ToInteger()
		e.bytes += 64 + uint64(n)*16
		for i := int64(0); i < n && e.budget > 0; i++ {
			e.value(obj.Get(fmt.Sprint(i)))
		}
		return
	}
	e.bytes += 64
	for _, k := range obj.Keys() {
		if e.budget <= 0 {
			return
		}
		e.bytes += uint64(len(k)) + 32
		e.value(obj.Get(k))
	}
}
