package scripting

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/longhorn/engine/internal/core/ecs"
)

func TestErrorFormattingAndMatching(t *testing.T) {
	e := LimitExceeded(LimitExecutionTime, 10, 37).WithScript("spin.lua")
	assert.Equal(t, "spin.lua: resource limit exceeded: execution_time (limit 10ms, observed 37ms)", e.Error())
	assert.True(t, errors.Is(e, ErrResourceLimit))
	assert.False(t, errors.Is(e, ErrRuntime))
	assert.True(t, e.Fatal())

	denied := PermissionDenied("filesystem", "read_file", "FILE_READ")
	assert.False(t, denied.Fatal())
	assert.Contains(t, denied.Error(), "filesystem read_file requires FILE_READ")

	loc := RuntimeError("boom.js", &Location{File: "boom.js", Line: 2, Column: 3}, "boom", nil)
	assert.Equal(t, "boom.js:2:3: runtime error: boom", loc.Error())
}

func TestJoinFlattens(t *testing.T) {
	assert.Nil(t, Join(nil, nil))

	single := InvalidArguments("f", "bad")
	assert.Same(t, single, Join(nil, single))

	inner := Join(InvalidArguments("f", "a"), PermissionDenied("r", "a", "X"))
	require.Equal(t, KindMultiple, inner.Kind)
	assert.False(t, inner.Fatal())

	outer := Join(inner, Violation(ViolationSandboxEscape, "x"), errors.New("plain"))
	require.Equal(t, KindMultiple, outer.Kind)
	assert.Len(t, outer.Errs, 4)
	assert.True(t, outer.Fatal())
	assert.True(t, errors.Is(outer, ErrSecurityViolation))
	assert.True(t, IsFatal(errors.New("not a script error")))
	assert.False(t, IsFatal(nil))
}

func TestParseGrant(t *testing.T) {
	for in, want := range map[string]Grant{
		"console_write":              {Cap: CapConsoleWrite},
		"FILE_READ":                  {Cap: CapFileRead},
		"file_read(/assets/**)":      {Cap: CapFileRead, Scope: "/assets/**"},
		"file_read{glob=/assets/**}": {Cap: CapFileRead, Scope: "/assets/**"},
	} {
		got, err := ParseGrant(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"teleport", "entity_read(/x)", "file_read(/x"} {
		_, err := ParseGrant(bad)
		require.Error(t, err, bad)
		assert.True(t, errors.Is(err, ErrInvalidArguments), bad)
	}
}

func TestScopedPaths(t *testing.T) {
	caps := MustCapabilities("file_read(/assets/**)")
	assert.True(t, caps.AllowsPath(CapFileRead, "/assets/a/b.txt"))
	assert.False(t, caps.AllowsPath(CapFileRead, "/secrets/key"))
	assert.False(t, caps.AllowsPath(CapFileWrite, "/assets/a.txt"))

	anywhere := MustCapabilities("file_read")
	assert.True(t, anywhere.AllowsPath(CapFileRead, "/any/where"))
}

func TestEffectiveCapabilities(t *testing.T) {
	host := MustCapabilities("console_write", "entity_read", "file_read(/assets/**)")

	undeclared, err := Effective(Metadata{}, host)
	require.NoError(t, err)
	assert.Equal(t, host.Names(), undeclared.Names())

	meta, err := ParseHeader("-- @capabilities: console_write, entity_write, file_read(/assets/maps/**)\n", LangLua)
	require.NoError(t, err)
	eff, err := Effective(meta, host)
	require.NoError(t, err)
	assert.True(t, eff.Has(CapConsoleWrite))
	assert.False(t, eff.Has(CapEntityWrite), "declared but not granted")
	assert.False(t, eff.Has(CapEntityRead), "granted but not declared")
	assert.True(t, eff.AllowsPath(CapFileRead, "/assets/maps/a.json"))
	assert.False(t, eff.AllowsPath(CapFileRead, "/assets/sounds/a.ogg"))
}

func TestParseHeader(t *testing.T) {
	src := `// @capabilities: console_write, file_read{glob=/a/**}
// @memory: 16MB
// @timeout: 25
// @rate: 40
// @author: someone
function update() {}
// @timeout: 1ms
`
	meta, err := ParseHeader(src, LangJS)
	require.NoError(t, err)
	assert.True(t, meta.Declared)
	assert.Len(t, meta.Capabilities, 2)
	assert.Equal(t, uint64(16_000_000), meta.MaxMemory)
	assert.Equal(t, 25*time.Millisecond, meta.Timeout)
	assert.Equal(t, 40, meta.APIRate)

	_, err = ParseHeader("-- @capabilities: root_access\n", LangLua)
	assert.True(t, errors.Is(err, ErrInvalidArguments))
}

func TestTimeoutMustBePositive(t *testing.T) {
	for _, v := range []string{"-1", "0", "-5ms", "0s"} {
		_, err := ParseHeader("-- @timeout: "+v+"\n", LangLua)
		require.Error(t, err, v)
		assert.True(t, errors.Is(err, ErrInvalidArguments), v)
	}
	_, err := ParseSidecar([]byte("timeout: -1\n"))
	assert.Error(t, err)

	files := fstest.MapFS{"spin.lua": {Data: []byte("-- @timeout: -1\nfunction update() while true do end end\n")}}
	_, err = NewSourceCache(files).Get("spin.lua")
	assert.Error(t, err)
}

func TestNarrowIgnoresNonPositive(t *testing.T) {
	base := DefaultLimits()
	base.APIRate = 50
	got := base.Narrow(Metadata{Timeout: -time.Millisecond, APIRate: -1})
	assert.Equal(t, base.Timeout, got.Timeout)
	assert.Equal(t, 50, got.APIRate)
}

func TestParseSidecar(t *testing.T) {
	meta, err := ParseSidecar([]byte("capabilities: [entity_read]\ntimeout: 5ms\nrate: 10\n"))
	require.NoError(t, err)
	assert.True(t, meta.Declared)
	assert.Equal(t, 5*time.Millisecond, meta.Timeout)
	assert.Equal(t, 10, meta.APIRate)

	_, err = ParseSidecar([]byte("capabilites: [entity_read]\n"))
	assert.Error(t, err)
}

func TestLimitsNarrowNeverLoosen(t *testing.T) {
	base := DefaultLimits()
	tight := base.Narrow(Metadata{Timeout: 5 * time.Millisecond, MaxMemory: 1 << 10, APIRate: 10})
	assert.Equal(t, 5*time.Millisecond, tight.Timeout)
	assert.Equal(t, uint64(1<<10), tight.MaxMemory)
	assert.Equal(t, 10, tight.APIRate)

	loose := base.Narrow(Metadata{Timeout: time.Hour, MaxMemory: 1 << 40})
	assert.Equal(t, base.Timeout, loose.Timeout)
	assert.Equal(t, base.MaxMemory, loose.MaxMemory)

	assert.Equal(t, 10, tight.RateFor("console.log"))
	assert.Equal(t, 100, base.RateFor("console.log"))
	assert.Equal(t, 0, base.RateFor("input.isKeyPressed"))
}

func TestRateLimiterWindow(t *testing.T) {
	l := DefaultLimits()
	l.FunctionRates = map[string]int{"console.log": 2}
	r := NewRateLimiter(l)
	now := time.Unix(100, 0)
	r.Reset(now)

	require.Nil(t, r.Allow("console.log"))
	require.Nil(t, r.Allow("console.log"))
	err := r.Allow("console.log")
	require.NotNil(t, err)
	assert.Equal(t, LimitAPIRate, err.Limit)
	assert.Equal(t, 2, r.Count("console.log"))

	r.Reset(now.Add(500 * time.Millisecond))
	assert.NotNil(t, r.Allow("console.log"), "window has not rolled over")

	r.Reset(now.Add(time.Second))
	assert.Nil(t, r.Allow("console.log"))
	assert.Nil(t, r.Allow("input.isKeyPressed"))
}

func TestConsoleRing(t *testing.T) {
	c := NewConsole(3)
	for i := 0; i < 5; i++ {
		c.Push(ConsoleEntry{Message: string(rune('a' + i))})
	}
	assert.Equal(t, 3, c.Len())
	assert.Equal(t, uint64(2), c.Dropped())

	got := c.Drain()
	require.Len(t, got, 3)
	assert.Equal(t, "c", got[0].Message)
	assert.Equal(t, "e", got[2].Message)
	assert.Equal(t, 0, c.Len())
}

func TestSourceCache(t *testing.T) {
	files := fstest.MapFS{
		"scripts/a.lua":           {Data: []byte("-- @timeout: 5ms\nfunction update() end\n")},
		"scripts/a.lua.meta.yaml": {Data: []byte("capabilities: [console_write]\n")},
		"scripts/b.ts":            {Data: []byte("export {}")},
	}
	c := NewSourceCache(files)

	_, err := c.Get("./scripts/../scripts/a.lua")
	require.Error(t, err, "dot-dot segments are rejected")

	a, err := c.Get("scripts/a.lua")
	require.NoError(t, err)
	assert.Equal(t, LangLua, a.Lang)
	assert.Equal(t, 5*time.Millisecond, a.Meta.Timeout)
	assert.True(t, a.Meta.Declared)

	again, err := c.Get("/scripts//a.lua")
	require.NoError(t, err)
	assert.Same(t, a, again)

	_, changed, err := c.Reload("scripts/a.lua")
	require.NoError(t, err)
	assert.False(t, changed)

	files["scripts/a.lua"] = &fstest.MapFile{Data: []byte("function update() end\n")}
	fresh, changed, err := c.Reload("scripts/a.lua")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Greater(t, fresh.Version, a.Version)

	_, err = c.Get("scripts/b.ts")
	assert.True(t, errors.Is(err, ErrCompilation))
}

func TestReadFileRejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "assets"), 0o755))
	if err := os.Symlink(filepath.Join(outside, "secret"), filepath.Join(root, "assets", "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	w := ecs.NewWorld()
	svc := &Services{World: w, FileRoot: root}
	in := NewInstance("reader.lua", w.Spawn(), MustCapabilities("file_read(/assets/**)"), DefaultLimits(), svc)

	_, err := in.ReadFile("/assets/link")
	require.NotNil(t, err)
	assert.Equal(t, KindSecurityViolation, err.Kind)
	assert.Equal(t, ViolationForbiddenPath, err.Violation)
	assert.Same(t, err, in.Fatal())
}

func TestDeniedCallHasNoSideEffect(t *testing.T) {
	w := ecs.NewWorld()
	var soft []*Error
	svc := &Services{World: w, SoftError: func(_ *Instance, err *Error) { soft = append(soft, err) }}
	in := NewInstance("ro.lua", w.Spawn(), MustCapabilities("entity_read"), DefaultLimits(), svc)

	before := w.EntityCount()
	_, err := in.CreateEntity(map[string]any{})
	require.NotNil(t, err)
	assert.Equal(t, KindPermissionDenied, err.Kind)
	assert.Equal(t, before, w.EntityCount())
	assert.Nil(t, in.Fatal())
	require.Len(t, soft, 1)
	assert.Equal(t, "ro.lua", soft[0].ScriptID)
}
