package luart

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/longhorn/engine/internal/core/ecs"
	"github.com/longhorn/engine/internal/scripting"
)

const maxConvertDepth = 64

var errCycle = errors.New("table contains a cycle")

// toLua converts host data (as produced by the component codec) to Lua.
func (rt *Runtime) toLua(v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(x)
	case string:
		return lua.LString(x)
	case float64:
		return lua.LNumber(x)
	case float32:
		return lua.LNumber(x)
	case int:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case uint32:
		return lua.LNumber(x)
	case uint64:
		return lua.LNumber(x)
	case ecs.EntityID:
		return rt.newEntity(x)
	case []any:
		t := rt.L.CreateTable(len(x), 0)
		for _, e := range x {
			t.Append(rt.toLua(e))
		}
		return t
	case map[string]any:
		t := rt.L.CreateTable(0, len(x))
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			t.RawSetString(k, rt.toLua(x[k]))
		}
		return t
	}
	return lua.LString(fmt.Sprint(v))
}

// toGo converts a Lua value to codec-shaped host data. Tables whose keys are
// exactly 1..n become slices; other tables become maps keyed by string.
// Component proxies are read through; entity handles become their id.
func (rt *Runtime) toGo(v lua.LValue, depth int, seen map[*lua.LTable]bool) (any, error) {
	if depth > maxConvertDepth {
		return nil, errors.New("value nested too deeply")
	}
	switch x := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(x), nil
	case lua.LNumber:
		return float64(x), nil
	case lua.LString:
		return string(x), nil
	case *lua.LUserData:
		switch u := x.Value.(type) {
		case ecs.EntityID:
			return float64(u.Index()), nil
		case *componentProxy:
			val, err := rt.current.host.ReadComponent(u.ref, u.path)
			if err != nil {
				return nil, err
			}
			return val, nil
		}
		return nil, errors.New("userdata cannot leave the script")
	case *lua.LTable:
		if seen == nil {
			seen = make(map[*lua.LTable]bool)
		}
		if seen[x] {
			return nil, errCycle
		}
		seen[x] = true
		defer delete(seen, x)
		return rt.tableToGo(x, depth, seen)
	}
	return nil, fmt.Errorf("%s values cannot leave the script", v.Type())
}

func (rt *Runtime) tableToGo(t *lua.LTable, depth int, seen map[*lua.LTable]bool) (any, error) {
	n := t.MaxN()
	count := 0
	var firstErr error
	t.ForEach(func(lua.LValue, lua.LValue) { count++ })
	if n > 0 && n == count {
		out := make([]any, n)
		for i := 1; i <= n; i++ {
			v, err := rt.toGo(t.RawGetInt(i), depth+1, seen)
			if err != nil {
				return nil, err
			}
			out[i-1] = v
		}
		return out, nil
	}
	out := make(map[string]any, count)
	t.ForEach(func(k, v lua.LValue) {
		if firstErr != nil {
			return
		}
		var key string
		switch kk := k.(type) {
		case lua.LString:
			key = string(kk)
		case lua.LNumber:
			key = kk.String()
		default:
			firstErr = fmt.Errorf("%s keys are not supported", k.Type())
			return
		}
		gv, err := rt.toGo(v, depth+1, seen)
		if err != nil {
			firstErr = err
			return
		}
		out[key] = gv
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// luaKey renders a proxy index as a host field path segment. Numeric keys
// are Lua's 1-based array indices.
func luaKey(k lua.LValue) (string, bool) {
	switch kk := k.(type) {
	case lua.LString:
		return string(kk), true
	case lua.LNumber:
		f := float64(kk)
		if f != math.Trunc(f) || f < 1 {
			return "", false
		}
		return strconv.Itoa(int(f) - 1), true
	}
	return "", false
}

// estimator approximates the bytes an instance keeps reachable. The
// interpreter has no allocation hook, so the walk runs after each call.
type estimator struct {
	maxString int
	bytes     uint64
	longest   int // length of the first string over maxString
	seen      map[any]bool
	budget    int
}

func newEstimator(maxString int) *estimator {
	return &estimator{maxString: maxString, seen: make(map[any]bool), budget: 1 << 20}
}

func (e *estimator) value(v lua.LValue) {
	if e.budget <= 0 {
		return
	}
	e.budget--
	switch x := v.(type) {
	case lua.LString:
		e.bytes += uint64(len(x)) + 16
		if e.maxString > 0 && len(x) > e.maxString && e.longest == 0 {
			e.longest = len(x)
		}
	case lua.LNumber, lua.LBool:
		e.bytes += 16
	case *lua.LTable:
		if e.seen[x] {
			return
		}
		e.seen[x] = true
		e.bytes += 64
		x.ForEach(func(k, v lua.LValue) {
			e.bytes += 32
			e.value(k)
			e.value(v)
		})
		if mt, ok := x.Metatable.(*lua.LTable); ok {
			e.value(mt)
		}
	case *lua.LFunction:
		// Go functions are shared by every instance.
		if x.IsG || e.seen[x] {
			return
		}
		e.seen[x] = true
		e.bytes += 64
		if x.Proto != nil {
			e.bytes += uint64(len(x.Proto.Code)) * 4
		}
		for _, uv := range x.Upvalues {
			if uv != nil {
				e.value(uv.Value())
			}
		}
	case *lua.LUserData:
		e.bytes += 48
	}
}

func compileError(id string, err error) *scripting.Error {
	var pe *parse.Error
	if errors.As(err, &pe) {
		loc := &scripting.Location{File: id}
		if pe.Pos.Line != parse.EOF {
			loc.Line, loc.Column = pe.Pos.Line, pe.Pos.Column
		}
		msg := pe.Message
		if pe.Token != "" {
			msg = fmt.Sprintf("%s near '%s'", pe.Message, pe.Token)
		}
		return scripting.Compilation(id, loc, msg, err)
	}
	var ce *lua.CompileError
	if errors.As(err, &ce) {
		return scripting.Compilation(id, &scripting.Location{File: id, Line: ce.Line}, ce.Message, err)
	}
	return scripting.Compilation(id, nil, err.Error(), err)
}

var whereRe = regexp.MustCompile(`^([^\s:]+):(\d+): (?s)(.*)$`)

// runtimeLocation splits gopher-lua's "chunk:line: message" prefix.
func runtimeLocation(id, msg string) (*scripting.Location, string) {
	m := whereRe.FindStringSubmatch(msg)
	if m == nil {
		return nil, msg
	}
	line, _ := strconv.Atoi(m[2])
	return &scripting.Location{File: m[1], Line: line}, m[3]
}
