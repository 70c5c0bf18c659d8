package system

import (
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/longhorn/engine/internal/component"
	"github.com/longhorn/engine/internal/core/ecs"
	"github.com/longhorn/engine/internal/core/event"
	"github.com/longhorn/engine/internal/input"
	"github.com/longhorn/engine/internal/scripting"
	"github.com/longhorn/engine/internal/scripting/jsrt"
	"github.com/longhorn/engine/internal/scripting/luart"
)

type fixture struct {
	t     *testing.T
	world *ecs.World
	bus   *event.Bus
	files fstest.MapFS
	input *input.State
	host  *ScriptHost
	sink  []scripting.ConsoleEntry
	logs  *observer.ObservedLogs
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		t:     t,
		world: ecs.NewWorld(),
		bus:   event.NewBus(),
		files: fstest.MapFS{},
		input: input.NewState(),
	}
	core, logs := observer.New(zapcore.DebugLevel)
	f.logs = logs
	lua, err := luart.New(luart.Options{}, zap.NewNop())
	require.NoError(t, err)
	f.host = NewScriptHost(f.world, f.bus, scripting.NewSourceCache(f.files), ScriptHostOptions{
		Granted: scripting.MustCapabilities("console_write", "entity_read", "entity_write"),
		Input:   f.input,
		Sink:    func(e scripting.ConsoleEntry) { f.sink = append(f.sink, e) },
	}, zap.New(core),
		lua,
		jsrt.New(jsrt.Options{}, zap.NewNop()),
	)
	t.Cleanup(func() { f.host.Close() })
	return f
}

func (f *fixture) script(name, text string) {
	f.files[name] = &fstest.MapFile{Data: []byte(text)}
}

func (f *fixture) attach(order int, path string, extra ...any) ecs.EntityID {
	comps := append([]any{component.ScriptComponent{ScriptPath: path, Enabled: true, ExecutionOrder: order}}, extra...)
	id, err := f.world.SpawnWith(comps...)
	require.NoError(f.t, err)
	return id
}

func (f *fixture) frame() {
	f.host.Update(f.world, 16*time.Millisecond)
}

func (f *fixture) messages() []string {
	out := make([]string, 0, len(f.sink))
	for _, e := range f.sink {
		out = append(out, e.Message)
	}
	return out
}

func (f *fixture) count(substr string) int {
	n := 0
	for _, m := range f.messages() {
		if strings.Contains(m, substr) {
			n++
		}
	}
	return n
}

func (f *fixture) state(id ecs.EntityID) component.State {
	st, ok := ecs.Get[component.State](f.world, id)
	require.True(f.t, ok)
	return st
}

func TestScriptLifecycleAcrossFrames(t *testing.T) {
	f := newFixture(t)
	f.script("counter.lua", `
function init()
  local s = world.getCurrentEntity():getComponent("State")
  s.inits = s.inits + 1
  s.counter = 0
end
function update(dt)
  local s = world.getCurrentEntity():getComponent("State")
  s.counter = s.counter + 1
end
`)
	e := f.attach(0, "counter.lua", component.State{"inits": 0.0})

	for i := 0; i < 5; i++ {
		f.frame()
	}

	st := f.state(e)
	assert.Equal(t, 1.0, st["inits"])
	assert.Equal(t, 5.0, st["counter"])
	sc, _ := ecs.Get[component.ScriptComponent](f.world, e)
	assert.NotZero(t, sc.InstanceID)
	assert.False(t, sc.Errored)
	assert.Equal(t, 1, f.host.Instances())
}

func TestExecutionOrder(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{"late", "first", "second"} {
		f.script(name+".js", `function update() { console.log("`+name+`"); }`)
	}
	f.attach(5, "late.js")
	f.attach(0, "first.js")
	f.attach(0, "second.js")

	f.frame()
	assert.Equal(t, []string{"first", "second", "late"}, f.messages())
}

func TestAdditionalScriptsRunAfterPrimary(t *testing.T) {
	f := newFixture(t)
	f.script("a.lua", `function update() console.log("a") end`)
	f.script("b.js", `function update() { console.log("b"); }`)
	_, err := f.world.SpawnWith(component.ScriptComponent{
		ScriptPath:        "a.lua",
		AdditionalScripts: []string{"b.js"},
		Enabled:           true,
	})
	require.NoError(t, err)

	f.frame()
	assert.Equal(t, []string{"a", "b"}, f.messages())
	assert.Equal(t, 2, f.host.Instances())
}

func TestDisabledScriptsDoNotRun(t *testing.T) {
	f := newFixture(t)
	f.script("idle.lua", `function init() console.log("init") end`)
	_, err := f.world.SpawnWith(component.ScriptComponent{ScriptPath: "idle.lua"})
	require.NoError(t, err)

	f.frame()
	assert.Empty(t, f.sink)
	assert.Equal(t, 0, f.host.Instances())
}

func TestFixedUpdateDispatch(t *testing.T) {
	f := newFixture(t)
	f.script("phys.js", `
function fixed_update(dt) { world.getCurrentEntity().getComponent("State").steps += 1; }
function update(dt) { world.getCurrentEntity().getComponent("State").frames += 1; }
`)
	e := f.attach(0, "phys.js", component.State{"steps": 0.0, "frames": 0.0})

	f.host.FixedUpdate(f.world, 10*time.Millisecond)
	f.host.FixedUpdate(f.world, 10*time.Millisecond)
	f.host.FixedUpdate(f.world, 10*time.Millisecond)
	f.frame()

	st := f.state(e)
	assert.Equal(t, 3.0, st["steps"])
	assert.Equal(t, 1.0, st["frames"])
}

func TestPermissionDenialDoesNotQuarantine(t *testing.T) {
	f := newFixture(t)
	f.script("nosy.js", `
function update() {
  world.getCurrentEntity().getComponent("State").n += 1;
  engine.read_file("/tmp/x");
}
`)
	e := f.attach(0, "nosy.js", component.State{"n": 0.0})

	for i := 0; i < 3; i++ {
		f.frame()
	}

	assert.False(t, f.host.Quarantined(e, "nosy.js"))
	sc, _ := ecs.Get[component.ScriptComponent](f.world, e)
	assert.False(t, sc.Errored)
	assert.Equal(t, 3.0, f.state(e)["n"])
	assert.Equal(t, 3, f.count("FILE_READ"))
	assert.Equal(t, 0, event.Pending[event.ScriptQuarantined](f.bus))
}

func TestTimeoutQuarantinesOnlyTheOffender(t *testing.T) {
	f := newFixture(t)
	f.script("spin.lua", "-- @timeout: 10ms\nfunction update() while true do end end\n")
	f.script("tick.js", `function update() { world.getCurrentEntity().getComponent("State").n += 1; }`)
	spin := f.attach(0, "spin.lua")
	tick := f.attach(1, "tick.js", component.State{"n": 0.0})

	start := time.Now()
	f.frame()
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	require.True(t, f.host.Quarantined(spin, "spin.lua"))

	start = time.Now()
	f.frame()
	f.frame()
	assert.Less(t, time.Since(start), 100*time.Millisecond, "quarantined script must be skipped")

	assert.Equal(t, 3.0, f.state(tick)["n"])
	sc, _ := ecs.Get[component.ScriptComponent](f.world, spin)
	assert.True(t, sc.Errored)
	assert.Contains(t, sc.ErrorMessage, "execution_time")
	assert.Equal(t, 1, f.count("quarantined:"))
	assert.Equal(t, 1, event.Pending[event.ScriptQuarantined](f.bus))
}

func TestQuarantineRunsDestroyOnce(t *testing.T) {
	f := newFixture(t)
	f.script("bad.lua", `
function update() error("boom") end
function destroy() console.log("destroy") end
`)
	e := f.attach(0, "bad.lua", component.Name{Value: "keep"})

	f.frame()
	f.frame()
	require.True(t, f.host.Quarantined(e, "bad.lua"))
	assert.Equal(t, 1, f.count("destroy"))
	assert.True(t, ecs.Has[component.Name](f.world, e), "other components are untouched")

	require.True(t, f.world.Despawn(e))
	f.frame()
	assert.Equal(t, 1, f.count("destroy"))
}

func TestDespawnDestroysInstance(t *testing.T) {
	f := newFixture(t)
	f.script("bye.js", `function destroy() { console.log("bye"); }`)
	e := f.attach(0, "bye.js")

	f.frame()
	require.Equal(t, 1, f.host.Instances())
	require.True(t, f.world.Despawn(e))
	assert.Equal(t, 0, f.host.Instances())

	f.frame()
	assert.Equal(t, []string{"bye"}, f.messages())
}

func TestRemovingScriptComponentDestroysInstance(t *testing.T) {
	f := newFixture(t)
	f.script("bye.lua", `function destroy() console.log("bye") end`)
	e := f.attach(0, "bye.lua")
	f.frame()

	_, ok := ecs.Remove[component.ScriptComponent](f.world, e)
	require.True(t, ok)
	f.frame()

	assert.Equal(t, 0, f.host.Instances())
	assert.Equal(t, []string{"bye"}, f.messages())
	assert.True(t, f.world.Alive(e))
}

func TestDeferredDestroyFromScript(t *testing.T) {
	f := newFixture(t)
	f.script("doomed.lua", `function update() world.destroyEntity(world.getCurrentEntity()) end`)
	e := f.attach(0, "doomed.lua")
	cleanup := NewCleanupSystem(f.world, f.bus, zap.NewNop())

	f.frame()
	require.True(t, f.world.Alive(e), "destruction is deferred")
	require.NoError(t, cleanup.Update(f.world, 0))

	assert.False(t, f.world.Alive(e))
	assert.Equal(t, 0, f.host.Instances())
	assert.Equal(t, 1, event.Pending[event.EntityDespawned](f.bus))
}

func TestReloadClearsQuarantine(t *testing.T) {
	f := newFixture(t)
	f.script("scripts/fix.lua", "function update( end\n")
	e := f.attach(0, "scripts/fix.lua", component.State{"n": 0.0})

	f.frame()
	require.True(t, f.host.Quarantined(e, "scripts/fix.lua"))
	sc, _ := ecs.Get[component.ScriptComponent](f.world, e)
	require.True(t, sc.Errored)

	f.script("scripts/fix.lua", `
function update() local s = world.getCurrentEntity():getComponent("State"); s.n = s.n + 1 end
`)
	require.NoError(t, f.host.Reload("scripts/fix.lua"))
	sc, _ = ecs.Get[component.ScriptComponent](f.world, e)
	assert.False(t, sc.Errored)
	assert.Empty(t, sc.ErrorMessage)
	assert.Equal(t, 1, event.Pending[event.ScriptReloaded](f.bus))

	f.frame()
	assert.False(t, f.host.Quarantined(e, "scripts/fix.lua"))
	assert.Equal(t, 1.0, f.state(e)["n"])
}

func TestBindingsCappedPerFrame(t *testing.T) {
	f := newFixture(t)
	f.script("keys.js", `
function init() {
  for (var i = 0; i < 40; i++) {
    input.bindKey("space", function () { world.getCurrentEntity().getComponent("State").fired += 1; });
  }
}
`)
	e := f.attach(0, "keys.js", component.State{"fired": 0.0})
	f.frame()

	f.input.PushEvent(input.KeyDown{Key: input.KeySpace})
	f.input.Pump()
	f.frame()
	assert.Equal(t, float64(DefaultMaxBindingsPerFrame), f.state(e)["fired"])

	f.input.Pump()
	f.frame()
	assert.Equal(t, 40.0, f.state(e)["fired"], "overflow runs on the next frame")

	f.input.Pump()
	f.frame()
	assert.Equal(t, 40.0, f.state(e)["fired"], "held key is not a new press")
}

func TestMissingInitLogsWarning(t *testing.T) {
	f := newFixture(t)
	f.script("noinit.lua", "function update(dt) end\n")
	f.attach(0, "noinit.lua")
	f.frame()

	warned := f.logs.FilterMessage("script has no init").FilterLevelExact(zapcore.WarnLevel)
	assert.Equal(t, 1, warned.Len())
}

func TestRepeatedErrorsReportedOncePerFrame(t *testing.T) {
	f := newFixture(t)
	f.script("loud.js", `function fixed_update() { engine.read_file("/x"); }`)
	f.attach(0, "loud.js")

	for i := 0; i < 3; i++ {
		f.host.FixedUpdate(f.world, 10*time.Millisecond)
	}
	f.frame()
	assert.Equal(t, 1, f.count("FILE_READ"))

	f.host.FixedUpdate(f.world, 10*time.Millisecond)
	f.frame()
	assert.Equal(t, 2, f.count("FILE_READ"))
}

func TestPreloadAggregatesFailures(t *testing.T) {
	f := newFixture(t)
	f.script("good.lua", "function update() end\n")
	f.script("bad.lua", "function update( end\n")
	f.script("bad.js", "function update( {\n")

	require.NoError(t, f.host.Preload("good.lua"))

	err := f.host.Preload("good.lua", "bad.lua", "bad.js")
	require.Error(t, err)
	se, ok := scripting.AsError(err)
	require.True(t, ok)
	assert.Equal(t, scripting.KindMultiple, se.Kind)
	assert.Len(t, se.Errs, 2)
	for _, e := range se.Errs {
		assert.Equal(t, scripting.KindCompilation, e.Kind)
	}
}
