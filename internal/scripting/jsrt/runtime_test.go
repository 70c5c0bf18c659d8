package jsrt

import (
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/longhorn/engine/internal/component"
	"github.com/longhorn/engine/internal/core/ecs"
	"github.com/longhorn/engine/internal/input"
	"github.com/longhorn/engine/internal/scripting"
)

type harness struct {
	t     *testing.T
	rt    *Runtime
	world *ecs.World
	input *input.State
	svc   *scripting.Services
	soft  []*scripting.Error
	files fstest.MapFS
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		t:     t,
		rt:    New(Options{}, zap.NewNop()),
		world: ecs.NewWorld(),
		input: input.NewState(),
		files: fstest.MapFS{},
	}
	h.svc = &scripting.Services{
		World:   h.world,
		Input:   h.input,
		Console: scripting.NewConsole(16),
		SoftError: func(_ *scripting.Instance, err *scripting.Error) {
			h.soft = append(h.soft, err)
		},
	}
	t.Cleanup(func() { h.rt.Close() })
	return h
}

func (h *harness) source(name, text string) *scripting.Source {
	h.files[name] = &fstest.MapFile{Data: []byte(text)}
	src, err := scripting.NewSourceCache(h.files).Get(name)
	require.NoError(h.t, err)
	return src
}

func (h *harness) instance(src *scripting.Source, entity ecs.EntityID, limits scripting.Limits, caps ...string) *scripting.Instance {
	if len(caps) == 0 {
		caps = []string{"console_write", "entity_read", "entity_write"}
	}
	return scripting.NewInstance(src.Path, entity, scripting.MustCapabilities(caps...), limits, h.svc)
}

func (h *harness) create(name, text string, caps ...string) (scripting.Handle, ecs.EntityID) {
	src := h.source(name, text)
	e := h.world.Spawn()
	hd, err := h.rt.CreateInstance(src, h.instance(src, e, scripting.DefaultLimits(), caps...))
	require.NoError(h.t, err)
	return hd, e
}

func (h *harness) createLimited(name, text string, limits scripting.Limits) scripting.Handle {
	src := h.source(name, text)
	hd, err := h.rt.CreateInstance(src, h.instance(src, h.world.Spawn(), limits))
	require.NoError(h.t, err)
	return hd
}

func requireKind(t *testing.T, err error, kind scripting.Kind) *scripting.Error {
	t.Helper()
	require.Error(t, err)
	se, ok := scripting.AsError(err)
	require.True(t, ok, "not a script error: %v", err)
	require.Equal(t, kind, se.Kind, "%v", err)
	return se
}

func TestLifecycleCountsThroughState(t *testing.T) {
	h := newHarness(t)
	hd, e := h.create("counter.js", `
var calls = 0;
function init() {
  calls++;
  world.getCurrentEntity().addComponent("State", { counter: 0 });
}
function update(dt) {
  const s = world.getCurrentEntity().getComponent("State");
  s.counter = s.counter + 1;
}
function initCalls() { return calls; }
`)
	for i := 0; i < 5; i++ {
		_, err := h.rt.Call(hd, scripting.MethodUpdate, 1.0/60)
		require.NoError(t, err)
	}

	calls, err := h.rt.Call(hd, "initCalls")
	require.NoError(t, err)
	assert.Equal(t, 1.0, calls)

	st, ok := ecs.Get[component.State](h.world, e)
	require.True(t, ok)
	assert.Equal(t, 5.0, st["counter"])
}

func TestModuleExportsMethods(t *testing.T) {
	h := newHarness(t)
	hd, _ := h.create("mod.js", `
let last = 0;
module.exports = {
  fixed_update(dt) { last = dt; },
  lastDt() { return last; },
};
`)
	assert.True(t, h.rt.HasMethod(hd, scripting.MethodFixedUpdate))
	assert.False(t, h.rt.HasMethod(hd, scripting.MethodUpdate))

	_, err := h.rt.Call(hd, scripting.MethodFixedUpdate, 0.5)
	require.NoError(t, err)
	v, err := h.rt.Call(hd, "lastDt")
	require.NoError(t, err)
	assert.Equal(t, 0.5, v)

	v, err = h.rt.Call(hd, "missing")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestRealmsAreIsolated(t *testing.T) {
	h := newHarness(t)
	a, _ := h.create("a.js", `
x = 42;
String.prototype.shout = function () { return this + "!"; };
function get() { return x; }
`)
	b, _ := h.create("b.js", `
function get() { return typeof x === "undefined" ? null : x; }
function shout() { return typeof "".shout; }
`)
	va, err := h.rt.Call(a, "get")
	require.NoError(t, err)
	assert.Equal(t, 42.0, va)

	vb, err := h.rt.Call(b, "get")
	require.NoError(t, err)
	assert.Nil(t, vb)

	vb, err = h.rt.Call(b, "shout")
	require.NoError(t, err)
	assert.Equal(t, "undefined", vb)
}

func TestPermissionDeniedIsCatchable(t *testing.T) {
	h := newHarness(t)
	hd, _ := h.create("deny.js", `
var caught = null;
function update() {
  try { engine.read_file("/tmp/x"); } catch (e) { caught = e.kind; }
}
function uncaught() { return engine.read_file("/tmp/x"); }
function result() { return caught; }
`, "console_write")

	_, err := h.rt.Call(hd, scripting.MethodUpdate, 0.016)
	require.NoError(t, err)
	v, err := h.rt.Call(hd, "result")
	require.NoError(t, err)
	assert.Equal(t, "permission denied", v)

	require.Len(t, h.soft, 1)
	denied := h.soft[0]
	assert.Equal(t, "filesystem", denied.Resource)
	assert.Equal(t, "read_file", denied.Action)
	assert.Equal(t, "FILE_READ", denied.Required)

	_, err = h.rt.Call(hd, "uncaught")
	se := requireKind(t, err, scripting.KindPermissionDenied)
	assert.False(t, se.Fatal())
}

func TestTraversalRejected(t *testing.T) {
	h := newHarness(t)
	hd, _ := h.create("trav.js", `
function read() { return engine.read_file("../../../etc/passwd"); }
`, "file_read{glob=/assets/**}")

	_, err := h.rt.Call(hd, "read")
	requireKind(t, err, scripting.KindInvalidArguments)
}

func TestReadFileWithinScope(t *testing.T) {
	h := newHarness(t)
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "assets"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "assets", "hello.txt"), []byte("hi"), 0o644))
	h.svc.FileRoot = root

	hd, _ := h.create("read.js", `function read(p) { return engine.read_file(p); }`, "file_read(/assets/**)")
	v, err := h.rt.Call(hd, "read", "/assets/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, "hi", v)
}

func TestTimeoutTerminatesCall(t *testing.T) {
	h := newHarness(t)
	limits := scripting.DefaultLimits()
	limits.Timeout = 10 * time.Millisecond
	hd := h.createLimited("spin.js", `function update() { while (true) {} }`, limits)

	start := time.Now()
	_, err := h.rt.Call(hd, scripting.MethodUpdate, 0.016)
	elapsed := time.Since(start)

	se := requireKind(t, err, scripting.KindResourceLimit)
	assert.Equal(t, scripting.LimitExecutionTime, se.Limit)
	assert.Less(t, elapsed, 500*time.Millisecond)

	// The interrupt must not leak into the next call.
	v, err := h.rt.Call(hd, "missing")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestCatchCannotSwallowDeadline(t *testing.T) {
	h := newHarness(t)
	limits := scripting.DefaultLimits()
	limits.Timeout = 10 * time.Millisecond
	hd := h.createLimited("sneaky.js", `
function update() {
  for (;;) {
    try { for (;;) {} } catch (e) {}
  }
}`, limits)

	_, err := h.rt.Call(hd, scripting.MethodUpdate, 0.016)
	se := requireKind(t, err, scripting.KindResourceLimit)
	assert.Equal(t, scripting.LimitExecutionTime, se.Limit)
}

func TestForbiddenFunctions(t *testing.T) {
	h := newHarness(t)
	hd, _ := h.create("forbidden.js", `
function useEval() { return eval("1"); }
function useFunction() { return new Function("return 1")(); }
function useConstructor() { return (function () {}).constructor("return 1")(); }
function swallow() { try { eval("1"); } catch (e) {} return 1; }
function useRequire() { return require("fs"); }
`)
	for _, fn := range []string{"useEval", "useFunction", "useConstructor", "swallow", "useRequire"} {
		_, err := h.rt.Call(hd, fn)
		se := requireKind(t, err, scripting.KindSecurityViolation)
		assert.Equal(t, scripting.ViolationForbiddenFunction, se.Violation, fn)
	}
}

func TestCompilationErrorCarriesLocation(t *testing.T) {
	h := newHarness(t)
	src := h.source("broken.js", "var x = 1;\nfunction (\n")
	err := h.rt.Load(src)
	se := requireKind(t, err, scripting.KindCompilation)
	require.NotNil(t, se.Location)
	assert.Equal(t, "broken.js", se.Location.File)
	assert.Equal(t, 2, se.Location.Line)
}

func TestRuntimeErrorCarriesLocation(t *testing.T) {
	h := newHarness(t)
	hd, _ := h.create("boom.js", "function update() {\n  throw \"boom\";\n}\n")
	_, err := h.rt.Call(hd, scripting.MethodUpdate, 0.016)
	se := requireKind(t, err, scripting.KindRuntime)
	require.NotNil(t, se.Location)
	assert.Equal(t, "boom.js", se.Location.File)
	assert.Equal(t, 2, se.Location.Line)
	assert.Contains(t, se.Message, "boom")
}

func TestStackDepthLimit(t *testing.T) {
	h := newHarness(t)
	hd, _ := h.create("deep.js", `
function f(n) { return 1 + f(n + 1); }
function update() { return f(0); }
`)
	_, err := h.rt.Call(hd, scripting.MethodUpdate, 0.016)
	se := requireKind(t, err, scripting.KindResourceLimit)
	assert.Equal(t, scripting.LimitStackDepth, se.Limit)
}

func TestStringLengthLimit(t *testing.T) {
	h := newHarness(t)
	limits := scripting.DefaultLimits()
	limits.MaxStringLength = 64
	hd := h.createLimited("long.js", `
function rep() { return "ab".repeat(100); }
function protoRep() { return String.prototype.repeat.call("ab", 100); }
function concat() { let s = "x"; for (let i = 0; i < 8; i++) s += s; kept = s; }
`, limits)

	for _, fn := range []string{"rep", "protoRep", "concat"} {
		_, err := h.rt.Call(hd, fn)
		se := requireKind(t, err, scripting.KindResourceLimit)
		assert.Equal(t, scripting.LimitStringLength, se.Limit, fn)
	}
}

func TestMemoryLimit(t *testing.T) {
	h := newHarness(t)
	limits := scripting.DefaultLimits()
	limits.MaxMemory = 256 << 10
	hd := h.createLimited("hog.js", `
function update() {
  hoard = [];
  for (let i = 0; i < 5000; i++) hoard.push([i, i * 2]);
}`, limits)

	_, err := h.rt.Call(hd, scripting.MethodUpdate, 0.016)
	se := requireKind(t, err, scripting.KindResourceLimit)
	assert.Equal(t, scripting.LimitMemory, se.Limit)
}

func TestWorldQueryAndCreate(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		tr := component.IdentityTransform()
		tr.Position[0] = float32(i * 10)
		_, err := h.world.SpawnWith(tr)
		require.NoError(t, err)
	}
	hd, _ := h.create("query.js", `
function sumX() {
  let total = 0;
  for (const e of world.query("Transform")) {
    total += e.getComponent("Transform").position.x;
  }
  return total;
}
function spawn() {
  const e = world.createEntity({ Transform: { position: { x: 5, y: 0, z: 0 } } });
  return e.hasComponent("Transform");
}
`)
	v, err := h.rt.Call(hd, "sumX")
	require.NoError(t, err)
	assert.Equal(t, 30.0, v)

	v, err = h.rt.Call(hd, "spawn")
	require.NoError(t, err)
	assert.Equal(t, true, v)

	ids, err := h.world.Query(component.TransformKind)
	require.NoError(t, err)
	assert.Len(t, ids, 4)
}

func TestComponentWriteThrough(t *testing.T) {
	h := newHarness(t)
	hd, e := h.create("move.js", `
function move() {
  const t = world.getCurrentEntity().getComponent("Transform");
  t.position.y = 7;
  return Object.keys(t.position).length;
}
`)
	require.NoError(t, ecs.Insert(h.world, e, component.IdentityTransform()))

	v, err := h.rt.Call(hd, "move")
	require.NoError(t, err)
	assert.Equal(t, 3.0, v)
	tr, ok := ecs.Get[component.Transform](h.world, e)
	require.True(t, ok)
	assert.Equal(t, float32(7), tr.Position[1])
}

func TestEntityHandles(t *testing.T) {
	h := newHarness(t)
	hd, e := h.create("ent.js", `
function same() { return world.getCurrentEntity().equals(world.getCurrentEntity()); }
function id() { return world.getCurrentEntity().id(); }
function forged() { return world.destroyEntity({ id: 1 }); }
`)
	v, err := h.rt.Call(hd, "same")
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = h.rt.Call(hd, "id")
	require.NoError(t, err)
	assert.Equal(t, float64(e.Index()), v)

	_, err = h.rt.Call(hd, "forged")
	requireKind(t, err, scripting.KindInvalidArguments)
	assert.True(t, h.world.Alive(e))
}

func TestEntityWriteRequiresCapability(t *testing.T) {
	h := newHarness(t)
	hd, _ := h.create("ro.js", `function spawn() { return world.createEntity({}); }`, "entity_read")
	before := h.world.EntityCount()
	_, err := h.rt.Call(hd, "spawn")
	se := requireKind(t, err, scripting.KindPermissionDenied)
	assert.Equal(t, "ENTITY_WRITE", se.Required)
	assert.Equal(t, before, h.world.EntityCount())
}

func TestConsoleAndRateLimit(t *testing.T) {
	h := newHarness(t)
	limits := scripting.DefaultLimits()
	limits.FunctionRates = map[string]int{"console.log": 3}
	hd := h.createLimited("chatty.js", `
function chat(n) { for (let i = 1; i <= n; i++) console.log("line", i); }
`, limits)

	_, err := h.rt.Call(hd, "chat", 3)
	require.NoError(t, err)
	entries := h.svc.Console.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "line 1", entries[0].Message)
	assert.Equal(t, "chatty.js", entries[0].Script)

	_, err = h.rt.Call(hd, "chat", 1)
	se := requireKind(t, err, scripting.KindResourceLimit)
	assert.Equal(t, scripting.LimitAPIRate, se.Limit)

	h.rt.ResetRateCounters(time.Now())
	_, err = h.rt.Call(hd, "chat", 1)
	require.NoError(t, err)
}

func TestKeyBindings(t *testing.T) {
	h := newHarness(t)
	src := h.source("bind.js", `
var fired = 0;
function init() { input.bindKey("space", () => { fired++; }); }
function firedCount() { return fired; }
`)
	host := h.instance(src, h.world.Spawn(), scripting.DefaultLimits())
	hd, err := h.rt.CreateInstance(src, host)
	require.NoError(t, err)
	require.Equal(t, 1, host.Bindings.Len())

	h.input.PushEvent(input.KeyDown{Key: input.KeySpace})
	h.input.Pump()
	ids := host.Bindings.Triggered(h.input.Snapshot(), 32)
	require.Len(t, ids, 1)
	require.NoError(t, h.rt.InvokeBinding(hd, ids[0]))

	v, err := h.rt.Call(hd, "firedCount")
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)
}

func TestDestroyRunsOnceAndFrees(t *testing.T) {
	h := newHarness(t)
	hd, e := h.create("bye.js", `
function destroy() {
  world.getCurrentEntity().addComponent("Name", { value: "gone" });
}
`)
	require.Equal(t, 1, h.rt.Instances())
	require.NoError(t, h.rt.Destroy(hd, 5*time.Millisecond))
	assert.Equal(t, 0, h.rt.Instances())
	assert.True(t, ecs.Has[component.Name](h.world, e))

	_, err := h.rt.Call(hd, scripting.MethodUpdate, 0.016)
	requireKind(t, err, scripting.KindStateCorruption)
	require.NoError(t, h.rt.Destroy(hd, 0))
}

func TestInitFailureKeepsInstanceForDestroy(t *testing.T) {
	h := newHarness(t)
	src := h.source("badinit.js", `
function init() { throw new Error("nope"); }
function destroy() {}
`)
	hd, err := h.rt.CreateInstance(src, h.instance(src, h.world.Spawn(), scripting.DefaultLimits()))
	requireKind(t, err, scripting.KindRuntime)
	require.NotZero(t, hd)
	require.NoError(t, h.rt.Destroy(hd, time.Millisecond))
	assert.Equal(t, 0, h.rt.Instances())
}
