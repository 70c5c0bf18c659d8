// Package jsrt runs JavaScript scripts on goja. Every instance owns a
// separate goja.Runtime, so instances share nothing but compiled programs.
package jsrt

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja/parser"
	"go.uber.org/zap"

	"github.com/longhorn/engine/internal/scripting"
)

// errDeadline is the interrupt value used when a call runs out of time.
var errDeadline = errors.New("execution deadline exceeded")

type Options struct {
	MaxStackDepth int
}

type compiled struct {
	version uint64
	prg     *goja.Program
}

type instance struct {
	handle scripting.Handle
	src    *scripting.Source
	host   *scripting.Instance
	vm     *goja.Runtime

	module   *goja.Object
	baseline map[string]bool // globals present before the script ran

	entitySym   *goja.Symbol
	entityProto *goja.Object
	bindings    map[string]goja.Callable
}

// Runtime implements scripting.Runtime for JavaScript.
// Single-goroutine access only (game loop).
type Runtime struct {
	log   *zap.Logger
	depth int

	programs  map[string]compiled
	instances map[scripting.Handle]*instance
	next      scripting.Handle
}

func New(opts Options, log *zap.Logger) *Runtime {
	if opts.MaxStackDepth <= 0 {
		opts.MaxStackDepth = scripting.DefaultLimits().MaxStackDepth
	}
	return &Runtime{
		log:       log,
		depth:     opts.MaxStackDepth,
		programs:  make(map[string]compiled),
		instances: make(map[scripting.Handle]*instance),
	}
}

func (rt *Runtime) Language() scripting.Language { return scripting.LangJS }

func (rt *Runtime) Instances() int { return len(rt.instances) }

func (rt *Runtime) Close() error {
	for _, inst := range rt.instances {
		inst.vm.Interrupt(errDeadline)
	}
	rt.instances = make(map[scripting.Handle]*instance)
	return nil
}

func (rt *Runtime) Load(src *scripting.Source) error {
	_, err := rt.compile(src)
	return err
}

func (rt *Runtime) compile(src *scripting.Source) (*goja.Program, error) {
	if c, ok := rt.programs[src.Path]; ok && c.version == src.Version {
		return c.prg, nil
	}
	if src.Lang != scripting.LangJS {
		return nil, scripting.Compilation(src.Path, nil, "not a JavaScript script", nil)
	}
	// goja.Compile drops the syntax error position, so parse first.
	ast, err := parser.ParseFile(nil, src.Path, src.Text, 0)
	if err != nil {
		return nil, compileError(src.Path, err)
	}
	prg, err := goja.CompileAST(ast, false)
	if err != nil {
		return nil, compileError(src.Path, err)
	}
	rt.programs[src.Path] = compiled{version: src.Version, prg: prg}
	rt.log.Debug("compiled js script", zap.String("script", src.Path), zap.Uint64("version", src.Version))
	return prg, nil
}

// CreateInstance runs the program in a fresh realm and then init. If init
// fails the instance is kept and its handle returned with the error so the
// caller can Destroy it.
func (rt *Runtime) CreateInstance(src *scripting.Source, host *scripting.Instance) (scripting.Handle, error) {
	prg, err := rt.compile(src)
	if err != nil {
		return 0, err
	}
	vm := goja.New()
	vm.SetMaxCallStackSize(rt.depth)
	inst := &instance{
		src:       src,
		host:      host,
		vm:        vm,
		entitySym: goja.NewSymbol("entity"),
		bindings:  make(map[string]goja.Callable),
	}
	if err := rt.sandbox(inst); err != nil {
		return 0, scripting.StateCorruption(fmt.Sprintf("prepare js realm: %v", err))
	}
	rt.installAPI(inst)

	exports := vm.NewObject()
	module := vm.NewObject()
	_ = module.Set("exports", exports)
	_ = vm.Set("module", module)
	_ = vm.Set("exports", exports)

	inst.baseline = make(map[string]bool)
	for _, k := range vm.GlobalObject().Keys() {
		inst.baseline[k] = true
	}

	if _, err := rt.run(inst, host.Limits.Timeout, func() (goja.Value, error) {
		return vm.RunProgram(prg)
	}); err != nil {
		return 0, err
	}
	if obj, ok := module.Get("exports").(*goja.Object); ok {
		inst.module = obj
	}

	rt.next++
	inst.handle = rt.next
	rt.instances[inst.handle] = inst

	if fn, ok := rt.method(inst, scripting.MethodInit); ok {
		if _, err := rt.run(inst, host.Limits.Timeout, func() (goja.Value, error) {
			return fn(goja.Undefined())
		}); err != nil {
			return inst.handle, err
		}
	}
	return inst.handle, nil
}

func (rt *Runtime) lookup(h scripting.Handle) (*instance, error) {
	inst, ok := rt.instances[h]
	if !ok {
		return nil, scripting.StateCorruption("unknown js instance handle")
	}
	return inst, nil
}

// method resolves name in module.exports first, then in the globals.
func (rt *Runtime) method(inst *instance, name string) (goja.Callable, bool) {
	if inst.module != nil {
		if fn, ok := goja.AssertFunction(inst.module.Get(name)); ok {
			return fn, true
		}
	}
	return goja.AssertFunction(inst.vm.GlobalObject().Get(name))
}

func (rt *Runtime) HasMethod(h scripting.Handle, name string) bool {
	inst, ok := rt.instances[h]
	if !ok {
		return false
	}
	_, ok = rt.method(inst, name)
	return ok
}

func (rt *Runtime) Call(h scripting.Handle, name string, args ...any) (any, error) {
	inst, err := rt.lookup(h)
	if err != nil {
		return nil, err
	}
	fn, ok := rt.method(inst, name)
	if !ok {
		return nil, nil
	}
	jsArgs := make([]goja.Value, len(args))
	for i, a := range args {
		jsArgs[i] = inst.vm.ToValue(a)
	}
	var out any
	_, err = rt.run(inst, inst.host.Limits.Timeout, func() (goja.Value, error) {
		ret, err := fn(goja.Undefined(), jsArgs...)
		if err != nil {
			return nil, err
		}
		// Getters on the result run under the same deadline; values that
		// cannot leave the script come back as nil.
		if ex := inst.vm.Try(func() { out, _ = rt.toGo(inst, ret, 0) }); ex != nil {
			out = nil
		}
		return ret, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (rt *Runtime) InvokeBinding(h scripting.Handle, bindingID string) error {
	inst, err := rt.lookup(h)
	if err != nil {
		return err
	}
	fn, ok := inst.bindings[bindingID]
	if !ok {
		return nil
	}
	_, err = rt.run(inst, inst.host.Limits.Timeout, func() (goja.Value, error) {
		return fn(goja.Undefined())
	})
	return err
}

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
	fn, ok := rt.method(inst, scripting.MethodDestroy)
	if !ok {
		return nil
	}
	timeout := inst.host.Limits.Timeout
	if budget > 0 && (timeout == 0 || budget < timeout) {
		timeout = budget
	}
	_, err := rt.run(inst, timeout, func() (goja.Value, error) {
		return fn(goja.Undefined())
	})
	return err
}

func (rt *Runtime) ResetRateCounters(now time.Time) {
	for _, inst := range rt.instances {
		inst.host.ResetRate(now)
	}
}

// run executes f under the instance deadline. The footprint walk runs
// before the deadline is lifted because it may reach script getters.
func (rt *Runtime) run(inst *instance, timeout time.Duration, f func() (goja.Value, error)) (ret goja.Value, err error) {
	inst.host.BeginCall()
	var (
		timer *time.Timer
		mu    sync.Mutex
		done  bool
	)
	if timeout > 0 {
		vm := inst.vm
		timer = time.AfterFunc(timeout, func() {
			mu.Lock()
			defer mu.Unlock()
			if !done {
				vm.Interrupt(errDeadline)
			}
		})
	}
	start := time.Now()
	defer func() {
		if timer != nil {
			timer.Stop()
		}
		// A timer that already fired must not leak into the next call.
		mu.Lock()
		done = true
		mu.Unlock()
		inst.vm.ClearInterrupt()
		if r := recover(); r != nil {
			switch x := r.(type) {
			case *goja.InterruptedError:
				ret, err = nil, rt.classify(inst, x, timeout, time.Since(start))
			case *goja.StackOverflowError:
				ret, err = nil, rt.classify(inst, x, timeout, time.Since(start))
			default:
				ret, err = nil, scripting.Panic(inst.src.Path, r)
			}
		}
	}()

	ret, runErr := f()
	if runErr != nil {
		return nil, rt.classify(inst, runErr, timeout, time.Since(start))
	}
	if fatal := inst.host.Fatal(); fatal != nil {
		return nil, fatal
	}
	var over *scripting.Error
	if ex := inst.vm.Try(func() { over = rt.checkFootprint(inst) }); ex != nil {
		return nil, rt.classify(inst, ex, timeout, time.Since(start))
	}
	if over != nil {
		return nil, over
	}
	return ret, nil
}

func (rt *Runtime) classify(inst *instance, err error, timeout, elapsed time.Duration) *scripting.Error {
	if fatal := inst.host.Fatal(); fatal != nil {
		return fatal
	}
	id := inst.src.Path
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if se, ok := interrupted.Value().(*scripting.Error); ok {
			return se.WithScript(id)
		}
		e := scripting.LimitExceeded(scripting.LimitExecutionTime, timeout.Milliseconds(), elapsed.Milliseconds())
		return e.WithScript(id)
	}
	var overflow *goja.StackOverflowError
	if errors.As(err, &overflow) {
		e := scripting.LimitExceeded(scripting.LimitStackDepth, int64(rt.depth), int64(rt.depth+1))
		return e.WithScript(id)
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		if se := hostError(ex.Value()); se != nil {
			return se.WithScript(id)
		}
		msg := "exception"
		if ex.Value() != nil {
			msg = ex.Value().String()
		}
		return scripting.RuntimeError(id, exceptionLocation(ex), msg, err)
	}
	return scripting.RuntimeError(id, nil, err.Error(), err)
}

// hostError recovers a *scripting.Error thrown by the host API.
func hostError(v goja.Value) *scripting.Error {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil
	}
	inner := obj.Get("value")
	if inner == nil {
		return nil
	}
	se, _ := inner.Export().(*scripting.Error)
	return se
}

var atRe = regexp.MustCompile(` at (?:[^()]+ \()?([^\s():]+):(\d+):(\d+)\(\d+\)\)?$`)

func exceptionLocation(ex *goja.Exception) *scripting.Location {
	m := atRe.FindStringSubmatch(ex.Error())
	if m == nil {
		return nil
	}
	line, _ := strconv.Atoi(m[2])
	col, _ := strconv.Atoi(m[3])
	return &scripting.Location{File: m[1], Line: line, Column: col}
}

func compileError(id string, err error) *scripting.Error {
	var list parser.ErrorList
	if errors.As(err, &list) && len(list) > 0 {
		pe := list[0]
		loc := &scripting.Location{File: id, Line: pe.Position.Line, Column: pe.Position.Column}
		return scripting.Compilation(id, loc, pe.Message, err)
	}
	var pe *parser.Error
	if errors.As(err, &pe) {
		loc := &scripting.Location{File: id, Line: pe.Position.Line, Column: pe.Position.Column}
		return scripting.Compilation(id, loc, pe.Message, err)
	}
	var se *goja.CompilerSyntaxError
	if errors.As(err, &se) {
		var loc *scripting.Location
		if se.File != nil {
			p := se.File.Position(se.Offset)
			loc = &scripting.Location{File: id, Line: p.Line, Column: p.Column}
		}
		return scripting.Compilation(id, loc, se.Message, err)
	}
	return scripting.Compilation(id, nil, err.Error(), err)
}

// checkFootprint estimates what the script keeps reachable from its globals
// and exports and enforces the memory and string caps.
func (rt *Runtime) checkFootprint(inst *instance) *scripting.Error {
	lim := inst.host.Limits
	if lim.MaxMemory == 0 && lim.MaxStringLength == 0 {
		return nil
	}
	est := newEstimator(inst, lim.MaxStringLength)
	global := inst.vm.GlobalObject()
	for _, k := range global.Keys() {
		if inst.baseline[k] {
			continue
		}
		est.bytes += uint64(len(k)) + 32
		est.value(global.Get(k))
	}
	if inst.module != nil {
		est.value(inst.module)
	}
	if est.longest > 0 {
		return inst.host.Raise(scripting.LimitExceeded(scripting.LimitStringLength, int64(lim.MaxStringLength), int64(est.longest)))
	}
	if lim.MaxMemory > 0 && est.bytes > lim.MaxMemory {
		return inst.host.Raise(scripting.LimitExceeded(scripting.LimitMemory, int64(lim.MaxMemory), int64(est.bytes)))
	}
	return nil
}
