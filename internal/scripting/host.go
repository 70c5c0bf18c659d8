package scripting

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/longhorn/engine/internal/core/ecs"
	"github.com/longhorn/engine/internal/input"
)

// Services are the engine facilities reachable from scripts. One value is
// shared by every instance of a script host.
type Services struct {
	World    *ecs.World
	Input    *input.State
	Console  *Console
	FileRoot string // backs engine.read_file; empty disables it
	Now      func() time.Time

	// SoftError observes errors handed back to scripts instead of
	// quarantining them.
	SoftError func(inst *Instance, err *Error)
}

func (s *Services) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Instance is the host side of one script instance: who it runs as, what
// it may do and how much of its budget it has used. Runtimes translate
// script values and delegate every host API call to it.
type Instance struct {
	ScriptID string
	Entity   ecs.EntityID
	Caps     *Capabilities
	Limits   Limits
	Bindings input.BindingSet

	svc   *Services
	rate  *RateLimiter
	fatal *Error
}

func NewInstance(scriptID string, entity ecs.EntityID, caps *Capabilities, limits Limits, svc *Services) *Instance {
	if caps == nil {
		caps = &Capabilities{}
	}
	return &Instance{
		ScriptID: scriptID,
		Entity:   entity,
		Caps:     caps,
		Limits:   limits,
		svc:      svc,
		rate:     NewRateLimiter(limits),
	}
}

func (in *Instance) Services() *Services { return in.svc }

// BeginCall clears the fatal marker before a runtime enters script code.
func (in *Instance) BeginCall() { in.fatal = nil }

// Fatal returns the first fatal error raised during the current call.
// Runtimes report it even if the script swallowed the error.
func (in *Instance) Fatal() *Error { return in.fatal }

// Raise stamps err with the script id and records it: fatal errors are
// remembered for the end of the call, soft ones go to the SoftError hook.
func (in *Instance) Raise(err *Error) *Error {
	err.WithScript(in.ScriptID)
	if err.Fatal() {
		if in.fatal == nil {
			in.fatal = err
		}
	} else if in.svc != nil && in.svc.SoftError != nil {
		in.svc.SoftError(in, err)
	}
	return err
}

func (in *Instance) ResetRate(now time.Time) { in.rate.Reset(now) }

// CheckString enforces the string length cap on a script-provided value.
func (in *Instance) CheckString(fn string, s string) *Error {
	if max := in.Limits.MaxStringLength; max > 0 && len(s) > max {
		e := LimitExceeded(LimitStringLength, int64(max), int64(len(s)))
		e.Function = fn
		return in.Raise(e)
	}
	return nil
}

// enter gates a host call: capability first, so a denied call has no side
// effect and does not count against the rate budget.
func (in *Instance) enter(fn string, cp Capability, resource, action string) *Error {
	if cp != "" && !in.Caps.Has(cp) {
		e := PermissionDenied(resource, action, cp.Label())
		e.Function = fn
		return in.Raise(e)
	}
	if e := in.rate.Allow(fn); e != nil {
		return in.Raise(e)
	}
	return nil
}

func (in *Instance) world() *ecs.World { return in.svc.World }

// ── console ──

func (in *Instance) Log(level Level, msg string) *Error {
	fn := "console.log"
	switch level {
	case LevelWarn:
		fn = "console.warn"
	case LevelError:
		fn = "console.error"
	}
	if err := in.enter(fn, CapConsoleWrite, "console", "write"); err != nil {
		return err
	}
	if err := in.CheckString(fn, msg); err != nil {
		return err
	}
	if in.svc.Console != nil {
		in.svc.Console.Push(ConsoleEntry{
			Time:    in.svc.now(),
			Level:   level,
			Script:  in.ScriptID,
			Entity:  in.Entity,
			Message: msg,
		})
	}
	return nil
}

// ── world ──

func (in *Instance) CurrentEntity() ecs.EntityID { return in.Entity }

func (in *Instance) resolveKind(fn, name string) (ecs.Kind, *Error) {
	k, ok := ecs.KindByName(name)
	if !ok {
		return 0, in.Raise(InvalidArguments(fn, "unknown component %q", name))
	}
	return k, nil
}

func (in *Instance) requireLive(fn string, id ecs.EntityID) *Error {
	if !in.world().Alive(id) {
		return in.Raise(InvalidArguments(fn, "entity %s: %v", id, ecs.ErrStaleEntity))
	}
	return nil
}

// CreateEntity spawns an entity from a {kind name: data} bundle. Every
// component is decoded before anything is spawned.
func (in *Instance) CreateEntity(bundle map[string]any) (ecs.EntityID, *Error) {
	const fn = "world.createEntity"
	if err := in.enter(fn, CapEntityWrite, "entity", "create"); err != nil {
		return ecs.InvalidEntity, err
	}
	type entry struct {
		kind ecs.Kind
		name string
	}
	entries := make([]entry, 0, len(bundle))
	for name := range bundle {
		k, err := in.resolveKind(fn, name)
		if err != nil {
			return ecs.InvalidEntity, err
		}
		entries = append(entries, entry{kind: k, name: name})
	}
	// Map order is random; decode in kind order so errors are stable.
	sort.Slice(entries, func(i, j int) bool { return entries[i].kind < entries[j].kind })
	comps := make([]any, 0, len(entries))
	for _, e := range entries {
		v, err := ecs.DecodeComponent(e.kind, bundle[e.name])
		if err != nil {
			return ecs.InvalidEntity, in.Raise(InvalidArguments(fn, "%s: %v", e.name, err))
		}
		comps = append(comps, v)
	}
	id, err := in.world().SpawnWith(comps...)
	if err != nil {
		return ecs.InvalidEntity, in.Raise(InvalidArguments(fn, "%v", err))
	}
	return id, nil
}

// Query snapshots the entities carrying kind. Runtimes hand them out
// lazily and skip entities that died in the meantime.
func (in *Instance) Query(kindName string) ([]ecs.EntityID, *Error) {
	const fn = "world.query"
	if err := in.enter(fn, CapEntityRead, "entity", "query"); err != nil {
		return nil, err
	}
	k, err := in.resolveKind(fn, kindName)
	if err != nil {
		return nil, err
	}
	ids, qerr := in.world().Query(k)
	if qerr != nil {
		return nil, in.Raise(InvalidArguments(fn, "%v", qerr))
	}
	return ids, nil
}

// Alive reports whether id still names a live entity.
func (in *Instance) Alive(id ecs.EntityID) bool { return in.world().Alive(id) }

// DestroyEntity queues id for destruction at the end of the frame phase.
func (in *Instance) DestroyEntity(id ecs.EntityID) *Error {
	const fn = "world.destroyEntity"
	if err := in.enter(fn, CapEntityWrite, "entity", "destroy"); err != nil {
		return err
	}
	if err := in.requireLive(fn, id); err != nil {
		return err
	}
	in.world().MarkForDestruction(id)
	return nil
}

// ComponentRef addresses one component slot. Script proxies hold a ref and
// re-read the world on every access.
type ComponentRef struct {
	Entity ecs.EntityID
	Kind   ecs.Kind
}

func (r ComponentRef) KindName() string { return ecs.KindName(r.Kind) }

// GetComponent returns a ref to id's component, or ok=false if it has none.
func (in *Instance) GetComponent(id ecs.EntityID, kindName string) (ref ComponentRef, ok bool, err *Error) {
	const fn = "entity.getComponent"
	if err := in.enter(fn, CapEntityRead, "component", "read"); err != nil {
		return ComponentRef{}, false, err
	}
	k, err := in.resolveKind(fn, kindName)
	if err != nil {
		return ComponentRef{}, false, err
	}
	if err := in.requireLive(fn, id); err != nil {
		return ComponentRef{}, false, err
	}
	if !in.world().HasComponent(id, k) {
		return ComponentRef{}, false, nil
	}
	return ComponentRef{Entity: id, Kind: k}, true, nil
}

func (in *Instance) HasComponent(id ecs.EntityID, kindName string) (bool, *Error) {
	const fn = "entity.hasComponent"
	if err := in.enter(fn, CapEntityRead, "component", "read"); err != nil {
		return false, err
	}
	k, err := in.resolveKind(fn, kindName)
	if err != nil {
		return false, err
	}
	if err := in.requireLive(fn, id); err != nil {
		return false, err
	}
	return in.world().HasComponent(id, k), nil
}

// AddComponent decodes data into kindName's type and installs it, replacing
// any existing value.
func (in *Instance) AddComponent(id ecs.EntityID, kindName string, data any) *Error {
	const fn = "entity.addComponent"
	if err := in.enter(fn, CapEntityWrite, "component", "add"); err != nil {
		return err
	}
	k, err := in.resolveKind(fn, kindName)
	if err != nil {
		return err
	}
	if err := in.requireLive(fn, id); err != nil {
		return err
	}
	v, derr := ecs.DecodeComponent(k, data)
	if derr != nil {
		return in.Raise(InvalidArguments(fn, "%s: %v", kindName, derr))
	}
	if serr := in.world().SetComponent(id, k, v); serr != nil {
		return in.Raise(InvalidArguments(fn, "%v", serr))
	}
	return nil
}

func (in *Instance) RemoveComponent(id ecs.EntityID, kindName string) (bool, *Error) {
	const fn = "entity.removeComponent"
	if err := in.enter(fn, CapEntityWrite, "component", "remove"); err != nil {
		return false, err
	}
	k, err := in.resolveKind(fn, kindName)
	if err != nil {
		return false, err
	}
	if err := in.requireLive(fn, id); err != nil {
		return false, err
	}
	_, removed := in.world().RemoveComponent(id, k)
	return removed, nil
}

// ReadComponent returns the value at path inside the live component. A
// missing path yields nil.
func (in *Instance) ReadComponent(ref ComponentRef, path []string) (any, *Error) {
	const fn = "component.get"
	m, err := in.encodeLive(fn, ref)
	if err != nil {
		return nil, err
	}
	v, _ := walkPath(m, path)
	return v, nil
}

// ComponentKeys lists the field names (or indices) at path.
func (in *Instance) ComponentKeys(ref ComponentRef, path []string) ([]string, *Error) {
	m, err := in.encodeLive("component.keys", ref)
	if err != nil {
		return nil, err
	}
	node, _ := walkPath(m, path)
	switch n := node.(type) {
	case map[string]any:
		keys := make([]string, 0, len(n))
		for k := range n {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return keys, nil
	case []any:
		keys := make([]string, len(n))
		for i := range n {
			keys[i] = strconv.Itoa(i)
		}
		return keys, nil
	}
	return nil, nil
}

// WriteComponent assigns value at path and writes the component back. The
// new value must still decode into the component's type.
func (in *Instance) WriteComponent(ref ComponentRef, path []string, value any) *Error {
	const fn = "component.set"
	if err := in.enter(fn, CapEntityWrite, "component", "write"); err != nil {
		return err
	}
	if len(path) == 0 {
		return in.Raise(InvalidArguments(fn, "empty field path"))
	}
	if s, ok := value.(string); ok {
		if err := in.CheckString(fn, s); err != nil {
			return err
		}
	}
	m, err := in.encodeLive(fn, ref)
	if err != nil {
		return err
	}
	if perr := setPath(m, path, value); perr != nil {
		return in.Raise(InvalidArguments(fn, "%s.%s: %v", ref.KindName(), strings.Join(path, "."), perr))
	}
	v, derr := ecs.DecodeComponent(ref.Kind, m)
	if derr != nil {
		return in.Raise(InvalidArguments(fn, "%s.%s: %v", ref.KindName(), strings.Join(path, "."), derr))
	}
	if serr := in.world().SetComponent(ref.Entity, ref.Kind, v); serr != nil {
		return in.Raise(InvalidArguments(fn, "%v", serr))
	}
	return nil
}

func (in *Instance) encodeLive(fn string, ref ComponentRef) (any, *Error) {
	if !in.world().Alive(ref.Entity) {
		return nil, in.Raise(InvalidArguments(fn, "entity %s: %v", ref.Entity, ecs.ErrStaleEntity))
	}
	v, ok := in.world().GetComponent(ref.Entity, ref.Kind)
	if !ok {
		return nil, in.Raise(InvalidArguments(fn, "entity %s no longer has %s", ref.Entity, ref.KindName()))
	}
	m, err := ecs.EncodeComponent(v)
	if err != nil {
		return nil, in.Raise(StateCorruption(fmt.Sprintf("encode %s: %v", ref.KindName(), err)))
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

func walkPath(node any, path []string) (any, bool) {
	for _, key := range path {
		switch n := node.(type) {
		case map[string]any:
			v, ok := n[key]
			if !ok {
				return nil, false
			}
			node = v
		case []any:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(n) {
				return nil, false
			}
			node = n[i]
		default:
			return nil, false
		}
	}
	return node, true
}

func setPath(root any, path []string, value any) error {
	parent, ok := walkPath(root, path[:len(path)-1])
	if !ok {
		return errors.New("no such field")
	}
	key := path[len(path)-1]
	switch p := parent.(type) {
	case map[string]any:
		p[key] = value
	case []any:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= len(p) {
			return fmt.Errorf("index %q out of range", key)
		}
		p[i] = value
	default:
		return errors.New("not an object")
	}
	return nil
}

// ── input ──

func (in *Instance) snapshot() *input.Snapshot {
	if in.svc.Input == nil {
		return &input.Snapshot{}
	}
	return in.svc.Input.Snapshot()
}

func (in *Instance) parseKey(fn, name string) (input.Key, *Error) {
	k, ok := input.ParseKey(name)
	if !ok {
		return 0, in.Raise(InvalidArguments(fn, "unknown key %q", name))
	}
	return k, nil
}

func (in *Instance) IsKeyPressed(name string) (bool, *Error) {
	const fn = "input.isKeyPressed"
	if err := in.enter(fn, "", "", ""); err != nil {
		return false, err
	}
	k, err := in.parseKey(fn, name)
	if err != nil {
		return false, err
	}
	return in.snapshot().IsKeyPressed(k), nil
}

func (in *Instance) IsKeyJustPressed(name string) (bool, *Error) {
	const fn = "input.isKeyJustPressed"
	if err := in.enter(fn, "", "", ""); err != nil {
		return false, err
	}
	k, err := in.parseKey(fn, name)
	if err != nil {
		return false, err
	}
	return in.snapshot().IsKeyJustPressed(k), nil
}

func (in *Instance) MousePosition() (x, y float64, err *Error) {
	if err := in.enter("input.getMousePosition", "", "", ""); err != nil {
		return 0, 0, err
	}
	x, y = in.snapshot().MousePosition()
	return x, y, nil
}

// IsMouseButtonPressed accepts a button name or its index (0 left, 1 right,
// 2 middle).
func (in *Instance) IsMouseButtonPressed(button any) (bool, *Error) {
	const fn = "input.isMouseButtonPressed"
	if err := in.enter(fn, "", "", ""); err != nil {
		return false, err
	}
	var b input.MouseButton
	switch v := button.(type) {
	case string:
		mb, ok := input.ParseMouseButton(v)
		if !ok {
			return false, in.Raise(InvalidArguments(fn, "unknown mouse button %q", v))
		}
		b = mb
	case float64:
		if v != float64(int(v)) || v < 0 || v > 2 {
			return false, in.Raise(InvalidArguments(fn, "mouse button index %v out of range", v))
		}
		b = input.MouseButton(int(v))
	case int64:
		if v < 0 || v > 2 {
			return false, in.Raise(InvalidArguments(fn, "mouse button index %d out of range", v))
		}
		b = input.MouseButton(v)
	default:
		return false, in.Raise(InvalidArguments(fn, "expected button name or index, got %T", button))
	}
	return in.snapshot().IsMouseButtonPressed(b), nil
}

// BindKey registers a binding; the runtime stores the callback under the
// returned id.
func (in *Instance) BindKey(name string) (string, *Error) {
	const fn = "input.bindKey"
	if err := in.enter(fn, "", "", ""); err != nil {
		return "", err
	}
	k, err := in.parseKey(fn, name)
	if err != nil {
		return "", err
	}
	id, berr := in.Bindings.Add(k)
	if berr != nil {
		return "", in.Raise(InvalidArguments(fn, "%v", berr))
	}
	return id, nil
}

func (in *Instance) UnbindKey(id string) bool {
	return in.Bindings.Remove(id)
}

// ── engine ──

// ReadFile returns the content of a file under the services' FileRoot.
// p is interpreted relative to that root ("/assets/a.txt" and
// "assets/a.txt" name the same file). The checks run in a fixed order:
// capability, lexical traversal, scope glob, then symlink resolution; the
// file system is not touched before the first three pass.
func (in *Instance) ReadFile(p string) (string, *Error) {
	const fn = "engine.read_file"
	if err := in.enter(fn, CapFileRead, "filesystem", "read_file"); err != nil {
		return "", err
	}
	if err := in.CheckString(fn, p); err != nil {
		return "", err
	}
	if p == "" || strings.ContainsRune(p, 0) {
		return "", in.Raise(InvalidArguments(fn, "invalid path %q", p))
	}
	slashed := strings.ReplaceAll(p, "\\", "/")
	for _, seg := range strings.Split(slashed, "/") {
		if seg == ".." {
			return "", in.Raise(InvalidArguments(fn, "path traversal rejected: %q", p))
		}
	}
	virtual := path.Clean("/" + slashed)
	if !in.Caps.AllowsPath(CapFileRead, virtual) {
		e := PermissionDenied("filesystem", "read_file", CapFileRead.Label()+"("+virtual+")")
		e.Function = fn
		return "", in.Raise(e)
	}
	if in.svc.FileRoot == "" {
		return "", in.Raise(InvalidArguments(fn, "no file root configured"))
	}

	root, err := filepath.EvalSymlinks(in.svc.FileRoot)
	if err != nil {
		return "", in.Raise(InvalidArguments(fn, "file root unavailable: %v", err))
	}
	resolvedPath, err := filepath.EvalSymlinks(filepath.Join(root, filepath.FromSlash(virtual)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", in.Raise(InvalidArguments(fn, "no such file %q", virtual))
		}
		return "", in.Raise(InvalidArguments(fn, "%v", err))
	}
	rel, err := filepath.Rel(root, resolvedPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", in.Raise(Violation(ViolationForbiddenPath, fmt.Sprintf("%q resolves outside the file root", virtual)))
	}
	resolved := "/" + filepath.ToSlash(rel)
	if !in.Caps.AllowsPath(CapFileRead, resolved) {
		return "", in.Raise(Violation(ViolationForbiddenPath, fmt.Sprintf("%q resolves to %q outside the granted scope", virtual, resolved)))
	}

	info, err := os.Stat(resolvedPath)
	if err != nil {
		return "", in.Raise(InvalidArguments(fn, "%v", err))
	}
	if info.IsDir() {
		return "", in.Raise(InvalidArguments(fn, "%q is a directory", virtual))
	}
	if max := in.Limits.MaxStringLength; max > 0 && info.Size() > int64(max) {
		e := LimitExceeded(LimitStringLength, int64(max), info.Size())
		e.Function = fn
		return "", in.Raise(e)
	}
	data, err := os.ReadFile(resolvedPath)
	if err != nil {
		return "", in.Raise(InvalidArguments(fn, "%v", err))
	}
	return string(data), nil
}
