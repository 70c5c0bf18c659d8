// Package luart runs Lua scripts on gopher-lua. One LState serves every
// instance; each instance gets its own environment table so globals never
// leak between scripts.
package luart

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
	"go.uber.org/zap"

	"github.com/longhorn/engine/internal/scripting"
)

// callOverhead is the number of call frames the host itself occupies below
// script code.
const callOverhead = 8

type Options struct {
	MaxStackDepth int // defaults to scripting.DefaultLimits().MaxStackDepth
}

type compiled struct {
	version uint64
	proto   *lua.FunctionProto
}

type instance struct {
	handle   scripting.Handle
	src      *scripting.Source
	host     *scripting.Instance
	env      *lua.LTable
	module   *lua.LTable // table returned by the chunk, if any
	bindings map[string]*lua.LFunction
}

// Runtime implements scripting.Runtime for Lua.
// Single-goroutine access only (game loop).
type Runtime struct {
	L     *lua.LState
	log   *zap.Logger
	depth int

	protos    map[string]compiled
	instances map[scripting.Handle]*instance
	next      scripting.Handle
	current   *instance

	globals map[string]lua.LValue // allow-listed base functions
	libs    map[string]*lua.LTable
	api     map[string]map[string]lua.LGFunction

	entityMeta    *lua.LTable
	componentMeta *lua.LTable
	errorMeta     *lua.LTable
}

// New builds the shared state and its sandboxed globals. It fails only when
// the standard libraries cannot be opened.
func New(opts Options, log *zap.Logger) (*Runtime, error) {
	if opts.MaxStackDepth <= 0 {
		opts.MaxStackDepth = scripting.DefaultLimits().MaxStackDepth
	}
	L := lua.NewState(lua.Options{
		SkipOpenLibs:    true,
		CallStackSize:   opts.MaxStackDepth + callOverhead,
		RegistrySize:    1024 * 20,
		RegistryMaxSize: 1024 * 256,
	})
	rt := &Runtime{
		L:         L,
		log:       log,
		depth:     opts.MaxStackDepth,
		protos:    make(map[string]compiled),
		instances: make(map[scripting.Handle]*instance),
	}
	if err := rt.openSandbox(); err != nil {
		L.Close()
		return nil, fmt.Errorf("lua sandbox: %w", err)
	}
	rt.registerTypes()
	rt.registerAPI()
	return rt, nil
}

func (rt *Runtime) Language() scripting.Language { return scripting.LangLua }

func (rt *Runtime) Instances() int { return len(rt.instances) }

func (rt *Runtime) Close() error {
	rt.instances = map[scripting.Handle]*instance{}
	rt.L.Close()
	return nil
}

// Load compiles src once per source version.
func (rt *Runtime) Load(src *scripting.Source) error {
	_, err := rt.compile(src)
	return err
}

func (rt *Runtime) compile(src *scripting.Source) (*lua.FunctionProto, error) {
	if c, ok := rt.protos[src.Path]; ok && c.version == src.Version {
		return c.proto, nil
	}
	if src.Lang != scripting.LangLua {
		return nil, scripting.Compilation(src.Path, nil, "not a Lua script", nil)
	}
	chunk, err := parse.Parse(strings.NewReader(src.Text), src.Path)
	if err != nil {
		return nil, compileError(src.Path, err)
	}
	proto, err := lua.Compile(chunk, src.Path)
	if err != nil {
		return nil, compileError(src.Path, err)
	}
	rt.protos[src.Path] = compiled{version: src.Version, proto: proto}
	rt.log.Debug("compiled lua script", zap.String("script", src.Path), zap.Uint64("version", src.Version))
	return proto, nil
}

// CreateInstance evaluates the chunk in a fresh environment and runs init.
// If the chunk evaluates but init fails, the instance is kept and its handle
// returned with the error so the caller can Destroy it.
func (rt *Runtime) CreateInstance(src *scripting.Source, host *scripting.Instance) (scripting.Handle, error) {
	proto, err := rt.compile(src)
	if err != nil {
		return 0, err
	}
	inst := &instance{
		src:      src,
		host:     host,
		bindings: make(map[string]*lua.LFunction),
	}
	inst.env = rt.newEnv()

	fn := rt.L.NewFunctionFromProto(proto)
	fn.Env = inst.env
	ret, err := rt.invoke(inst, host.Limits.Timeout, fn)
	if err != nil {
		return 0, err
	}
	if tbl, ok := ret.(*lua.LTable); ok {
		inst.module = tbl
	}

	rt.next++
	inst.handle = rt.next
	rt.instances[inst.handle] = inst

	if f := rt.method(inst, scripting.MethodInit); f != nil {
		if _, err := rt.invoke(inst, host.Limits.Timeout, f); err != nil {
			return inst.handle, err
		}
	}
	return inst.handle, nil
}

func (rt *Runtime) lookup(h scripting.Handle) (*instance, error) {
	inst, ok := rt.instances[h]
	if !ok {
		return nil, scripting.StateCorruption("unknown lua instance handle")
	}
	return inst, nil
}

// method resolves name in the returned module table first, then in the
// instance globals.
func (rt *Runtime) method(inst *instance, name string) *lua.LFunction {
	if inst.module != nil {
		if f, ok := inst.module.RawGetString(name).(*lua.LFunction); ok {
			return f
		}
	}
	if f, ok := inst.env.RawGetString(name).(*lua.LFunction); ok {
		return f
	}
	return nil
}

func (rt *Runtime) HasMethod(h scripting.Handle, name string) bool {
	inst, ok := rt.instances[h]
	return ok && rt.method(inst, name) != nil
}

func (rt *Runtime) Call(h scripting.Handle, name string, args ...any) (any, error) {
	inst, err := rt.lookup(h)
	if err != nil {
		return nil, err
	}
	f := rt.method(inst, name)
	if f == nil {
		return nil, nil
	}
	lvs := make([]lua.LValue, len(args))
	for i, a := range args {
		lvs[i] = rt.toLua(a)
	}
	ret, err := rt.invoke(inst, inst.host.Limits.Timeout, f, lvs...)
	if err != nil {
		return nil, err
	}
	v, cerr := rt.toGo(ret, 0, nil)
	if cerr != nil {
		// Return values the host cannot represent are dropped.
		return nil, nil
	}
	return v, nil
}

func (rt *Runtime) InvokeBinding(h scripting.Handle, bindingID string) error {
	inst, err := rt.lookup(h)
	if err != nil {
		return err
	}
	f, ok := inst.bindings[bindingID]
	if !ok {
		return nil
	}
	_, err = rt.invoke(inst, inst.host.Limits.Timeout, f)
	return err
}

// Destroy runs destroy under budget and frees the instance whatever the
// outcome.
func (rt *Runtime) Destroy(h scripting.Handle, budget time.Duration) error {
	inst, ok := rt.instances[h]
	if !ok {
		return nil
	}
	defer func() {
		delete(rt.instances, h)
		for id := range inst.bindings {
			inst.host.UnbindKey(id)
		}
	}()
	f := rt.method(inst, scripting.MethodDestroy)
	if f == nil {
		return nil
	}
	timeout := inst.host.Limits.Timeout
	if budget > 0 && (timeout == 0 || budget < timeout) {
		timeout = budget
	}
	_, err := rt.invoke(inst, timeout, f)
	return err
}

func (rt *Runtime) ResetRateCounters(now time.Time) {
	for _, inst := range rt.instances {
		inst.host.ResetRate(now)
	}
}

// invoke runs fn with inst as the current instance, bounded by timeout,
// and maps every failure into a *scripting.Error.
func (rt *Runtime) invoke(inst *instance, timeout time.Duration, fn *lua.LFunction, args ...lua.LValue) (lua.LValue, error) {
	L := rt.L
	prev := rt.current
	rt.current = inst
	defer func() { rt.current = prev }()
	inst.host.BeginCall()

	ctx := context.Background()
	cancel := func() {}
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}
	L.SetContext(ctx)
	start := time.Now()
	err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...)
	elapsed := time.Since(start)
	L.RemoveContext()
	cancel()

	if err != nil {
		return nil, rt.classify(inst, err, ctx, timeout, elapsed)
	}
	ret := L.Get(-1)
	L.Pop(1)
	if fatal := inst.host.Fatal(); fatal != nil {
		return nil, fatal
	}
	if err := rt.checkFootprint(inst); err != nil {
		return nil, err
	}
	return ret, nil
}

func (rt *Runtime) classify(inst *instance, err error, ctx context.Context, timeout, elapsed time.Duration) *scripting.Error {
	if fatal := inst.host.Fatal(); fatal != nil {
		return fatal
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		e := scripting.LimitExceeded(scripting.LimitExecutionTime, timeout.Milliseconds(), elapsed.Milliseconds())
		return e.WithScript(inst.src.Path)
	}
	var apiErr *lua.ApiError
	if !errors.As(err, &apiErr) {
		return scripting.RuntimeError(inst.src.Path, nil, err.Error(), err)
	}
	if ud, ok := apiErr.Object.(*lua.LUserData); ok {
		if se, ok := ud.Value.(*scripting.Error); ok {
			return se.WithScript(inst.src.Path)
		}
	}
	msg := apiErr.Object.String()
	switch {
	case apiErr.Type == lua.ApiErrorPanic:
		return scripting.Panic(inst.src.Path, msg)
	case strings.Contains(msg, "stack overflow"):
		e := scripting.LimitExceeded(scripting.LimitStackDepth, int64(rt.depth), int64(rt.depth+1))
		return e.WithScript(inst.src.Path)
	case strings.Contains(msg, "registry overflow"):
		e := scripting.LimitExceeded(scripting.LimitMemory, int64(inst.host.Limits.MaxMemory), int64(inst.host.Limits.MaxMemory))
		e.Message = "interpreter registry exhausted"
		return e.WithScript(inst.src.Path)
	}
	loc, text := runtimeLocation(inst.src.Path, msg)
	return scripting.RuntimeError(inst.src.Path, loc, text, err)
}

// checkFootprint estimates what the instance keeps reachable after a call
// and enforces the memory and string caps on it.
func (rt *Runtime) checkFootprint(inst *instance) *scripting.Error {
	lim := inst.host.Limits
	if lim.MaxMemory == 0 && lim.MaxStringLength == 0 {
		return nil
	}
	est := newEstimator(lim.MaxStringLength)
	est.value(inst.env)
	if inst.module != nil {
		est.value(inst.module)
	}
	for _, f := range inst.bindings {
		est.value(f)
	}
	if est.longest > 0 {
		e := scripting.LimitExceeded(scripting.LimitStringLength, int64(lim.MaxStringLength), int64(est.longest))
		return inst.host.Raise(e)
	}
	if lim.MaxMemory > 0 && est.bytes > lim.MaxMemory {
		e := scripting.LimitExceeded(scripting.LimitMemory, int64(lim.MaxMemory), int64(est.bytes))
		return inst.host.Raise(e)
	}
	return nil
}
