package system

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/longhorn/engine/internal/component"
	"github.com/longhorn/engine/internal/core/ecs"
	"github.com/longhorn/engine/internal/core/event"
	"github.com/longhorn/engine/internal/input"
	"github.com/longhorn/engine/internal/scripting"
)

// DefaultMaxBindingsPerFrame caps binding callbacks per instance per frame.
const DefaultMaxBindingsPerFrame = 32

// ScriptHostOptions configures a ScriptHost. Zero values select defaults.
type ScriptHostOptions struct {
	// Granted is what the host allows; scripts receive the intersection
	// with what they declare. Nil grants nothing.
	Granted *scripting.Capabilities
	Limits  scripting.Limits

	MaxBindingsPerFrame int
	ConsoleCapacity     int
	FileRoot            string
	Input               *input.State

	// Sink receives every console entry after it has been logged.
	Sink func(scripting.ConsoleEntry)
	Now  func() time.Time
}

type slotKey struct {
	entity ecs.EntityID
	path   string
}

// slot is one script instance: a (entity, script path) pair.
type slot struct {
	key         slotKey
	primary     bool
	rt          scripting.Runtime
	inst        *scripting.Instance
	handle      scripting.Handle
	id          uint64
	quarantined bool
	destroyed   bool
	err         error
}

// ScriptHost owns every script instance of one World and drives their
// lifecycle from the loop. Instances are keyed by entity handle and
// script path; the World never references them.
//
// Script failures never escape: fatal errors quarantine the instance,
// soft ones are reported to the console.
type ScriptHost struct {
	world    *ecs.World
	bus      *event.Bus
	cache    *scripting.SourceCache
	runtimes map[scripting.Language]scripting.Runtime
	svc      *scripting.Services
	console  *scripting.Console
	granted  *scripting.Capabilities
	limits   scripting.Limits
	bindings int
	sink     func(scripting.ConsoleEntry)
	now      func() time.Time
	log      *zap.Logger

	slots   map[slotKey]*slot
	nextID  uint64
	dropped uint64

	// Errors already reported this frame, by script and message.
	reported map[string]struct{}

	// Destruction requested while script code is on the stack.
	busy    bool
	pending []ecs.EntityID
}

func NewScriptHost(
	world *ecs.World,
	bus *event.Bus,
	cache *scripting.SourceCache,
	opts ScriptHostOptions,
	log *zap.Logger,
	runtimes ...scripting.Runtime,
) *ScriptHost {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Limits.Timeout == 0 && opts.Limits.MaxMemory == 0 {
		opts.Limits = scripting.DefaultLimits()
	}
	if opts.MaxBindingsPerFrame <= 0 {
		opts.MaxBindingsPerFrame = DefaultMaxBindingsPerFrame
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Granted == nil {
		opts.Granted = &scripting.Capabilities{}
	}
	h := &ScriptHost{
		world:    world,
		bus:      bus,
		cache:    cache,
		runtimes: make(map[scripting.Language]scripting.Runtime, len(runtimes)),
		console:  scripting.NewConsole(opts.ConsoleCapacity),
		granted:  opts.Granted,
		limits:   opts.Limits,
		bindings: opts.MaxBindingsPerFrame,
		sink:     opts.Sink,
		now:      opts.Now,
		log:      log,
		slots:    make(map[slotKey]*slot),
		reported: make(map[string]struct{}),
	}
	for _, rt := range runtimes {
		h.runtimes[rt.Language()] = rt
	}
	h.svc = &scripting.Services{
		World:     world,
		Input:     opts.Input,
		Console:   h.console,
		FileRoot:  opts.FileRoot,
		Now:       opts.Now,
		SoftError: h.softError,
	}
	world.OnRemove(component.ScriptKind, func(id ecs.EntityID, _ any) {
		h.detach(id)
	})
	return h
}

// Console exposes the ring buffer, mostly for inspection in tools and tests.
func (h *ScriptHost) Console() *scripting.Console { return h.console }

// Instances returns how many live (not quarantined) instances exist.
func (h *ScriptHost) Instances() int {
	n := 0
	for _, s := range h.slots {
		if !s.quarantined && s.handle != 0 {
			n++
		}
	}
	return n
}

// Quarantined reports whether the instance of path on entity is quarantined.
func (h *ScriptHost) Quarantined(entity ecs.EntityID, path string) bool {
	key, err := scripting.CanonicalPath(path)
	if err != nil {
		return false
	}
	s, ok := h.slots[slotKey{entity, key}]
	return ok && s.quarantined
}

// FixedUpdate runs fixed_update on every enabled script.
func (h *ScriptHost) FixedUpdate(w *ecs.World, dt time.Duration) {
	if !h.bound(w) {
		return
	}
	h.run(scripting.MethodFixedUpdate, dt)
	h.drain()
}

// Update runs update on every enabled script, then the key binding
// callbacks queued by this frame's input.
func (h *ScriptHost) Update(w *ecs.World, dt time.Duration) {
	if !h.bound(w) {
		return
	}
	order := h.run(scripting.MethodUpdate, dt)
	h.dispatchBindings(order)
	h.drain()
	clear(h.reported)
}

func (h *ScriptHost) bound(w *ecs.World) bool {
	if w != h.world {
		h.log.DPanic("script host driven with a foreign world")
		return false
	}
	return true
}

// run ensures every enabled script has an instance and calls method on it,
// in (execution order, entity index) order. It returns the slots it
// visited.
func (h *ScriptHost) run(method string, dt time.Duration) []*slot {
	for _, rt := range h.runtimes {
		rt.ResetRateCounters(h.now())
	}
	wanted := h.collect()
	h.sweep(wanted)

	visited := make([]*slot, 0, len(wanted.order))
	for _, key := range wanted.order {
		if !h.world.Alive(key.entity) {
			continue
		}
		sc, ok := ecs.Get[component.ScriptComponent](h.world, key.entity)
		if !ok || !sc.Enabled {
			continue
		}
		s := h.ensure(key, wanted.primary[key])
		if s.quarantined || s.destroyed {
			continue
		}
		visited = append(visited, s)
		h.call(s, method, dt.Seconds())
	}
	return visited
}

type wantedSet struct {
	order   []slotKey
	all     map[slotKey]bool
	primary map[slotKey]bool
}

// collect lists the script slots declared by every ScriptComponent. Only
// enabled components are ordered for execution; disabled ones keep their
// instances.
func (h *ScriptHost) collect() wantedSet {
	ws := wantedSet{all: make(map[slotKey]bool), primary: make(map[slotKey]bool)}
	ids, err := h.world.Query(component.ScriptKind)
	if err != nil {
		h.log.Error("script query failed", zap.Error(err))
		return ws
	}
	type entry struct {
		order int
		keys  []slotKey
	}
	entries := make([]entry, 0, len(ids))
	for _, id := range ids {
		sc, ok := ecs.Get[component.ScriptComponent](h.world, id)
		if !ok {
			continue
		}
		e := entry{order: sc.ExecutionOrder}
		for i, p := range sc.Paths() {
			key := slotKey{entity: id, path: p}
			if canon, err := scripting.CanonicalPath(p); err == nil {
				key.path = canon
			}
			if ws.all[key] {
				continue
			}
			ws.all[key] = true
			if i == 0 && sc.ScriptPath != "" {
				ws.primary[key] = true
			}
			e.keys = append(e.keys, key)
		}
		if sc.Enabled {
			entries = append(entries, e)
		}
	}
	// Query yields ascending entity index; a stable sort keeps it as the
	// tie breaker.
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].order < entries[j].order })
	for _, e := range entries {
		ws.order = append(ws.order, e.keys...)
	}
	return ws
}

// sweep frees instances whose script was detached from a still-live entity
// by replacing its ScriptComponent.
func (h *ScriptHost) sweep(ws wantedSet) {
	var stale []slotKey
	for key := range h.slots {
		if !ws.all[key] {
			stale = append(stale, key)
		}
	}
	sortKeys(stale)
	for _, key := range stale {
		h.free(h.slots[key])
	}
}

// ensure returns the slot for key, creating and initialising the instance
// when it does not exist yet. A failed creation leaves a quarantined slot.
func (h *ScriptHost) ensure(key slotKey, primary bool) *slot {
	if s, ok := h.slots[key]; ok {
		return s
	}
	s := &slot{key: key, primary: primary}
	h.slots[key] = s

	src, err := h.cache.Get(key.path)
	if err != nil {
		h.quarantine(s, err)
		return s
	}
	rt, ok := h.runtimes[src.Lang]
	if !ok {
		h.quarantine(s, scripting.Compilation(src.Path, nil, fmt.Sprintf("no runtime for %s scripts", src.Lang), nil))
		return s
	}
	caps, err := scripting.Effective(src.Meta, h.granted)
	if err != nil {
		h.quarantine(s, err)
		return s
	}
	s.rt = rt
	s.inst = scripting.NewInstance(src.Path, key.entity, caps, h.limits.Narrow(src.Meta), h.svc)

	h.enter()
	s.handle, err = rt.CreateInstance(src, s.inst)
	h.leave()
	if err != nil {
		h.quarantine(s, err)
		return s
	}
	if !rt.HasMethod(s.handle, scripting.MethodInit) {
		h.log.Warn("script has no init", zap.String("script", src.Path), zap.Stringer("entity", key.entity))
	}
	h.nextID++
	s.id = h.nextID
	if primary {
		if sc, ok := ecs.GetMut[component.ScriptComponent](h.world, key.entity); ok {
			sc.InstanceID = s.id
		}
	}
	h.log.Debug("script instance created",
		zap.String("script", src.Path),
		zap.Stringer("entity", key.entity),
		zap.Uint64("instance", s.id),
		zap.Strings("capabilities", caps.Names()),
	)
	return s
}

func (h *ScriptHost) call(s *slot, method string, args ...any) {
	h.enter()
	_, err := s.rt.Call(s.handle, method, args...)
	h.leave()
	h.outcome(s, err)
}

// outcome quarantines on fatal errors and reports soft ones.
func (h *ScriptHost) outcome(s *slot, err error) {
	if err == nil {
		return
	}
	if scripting.IsFatal(err) {
		h.quarantine(s, err)
		return
	}
	h.report(s.key, scripting.LevelWarn, err.Error())
}

func (h *ScriptHost) dispatchBindings(order []*slot) {
	if h.svc.Input == nil {
		return
	}
	snap := h.svc.Input.Snapshot()
	for _, s := range order {
		if s.quarantined || s.destroyed || s.inst.Bindings.Len() == 0 {
			continue
		}
		if n := s.inst.Bindings.Enqueue(snap); n > 0 {
			h.report(s.key, scripting.LevelWarn, fmt.Sprintf("%d key binding calls dropped: queue full", n))
		}
		for _, id := range s.inst.Bindings.Next(h.bindings) {
			h.enter()
			err := s.rt.InvokeBinding(s.handle, id)
			h.leave()
			h.outcome(s, err)
			if s.quarantined || s.destroyed {
				break
			}
		}
	}
}

// quarantine stops an instance for good: destroy runs at most once under
// the reduced budget and the entity's other components are left alone.
func (h *ScriptHost) quarantine(s *slot, err error) {
	if s.quarantined {
		return
	}
	s.quarantined = true
	s.err = err

	if s.handle != 0 && !s.destroyed {
		s.destroyed = true
		h.enter()
		derr := s.rt.Destroy(s.handle, h.limits.DestroyBudget)
		h.leave()
		if derr != nil {
			h.log.Debug("destroy failed on quarantined script",
				zap.String("script", s.key.path), zap.Error(derr))
		}
	}

	if sc, ok := ecs.GetMut[component.ScriptComponent](h.world, s.key.entity); ok {
		sc.Errored = true
		sc.ErrorMessage = err.Error()
	}
	h.log.Warn("script quarantined",
		zap.String("script", s.key.path),
		zap.Stringer("entity", s.key.entity),
		zap.Error(err),
	)
	h.report(s.key, scripting.LevelError, "quarantined: "+err.Error())
	if h.bus != nil {
		event.Emit(h.bus, event.ScriptQuarantined{Entity: s.key.entity, ScriptPath: s.key.path, Err: err})
	}
}

// report pushes one console entry, suppressing repeats within the frame.
func (h *ScriptHost) report(key slotKey, level scripting.Level, msg string) {
	dedup := key.path + "\x00" + msg
	if _, seen := h.reported[dedup]; seen {
		return
	}
	h.reported[dedup] = struct{}{}
	h.console.Push(scripting.ConsoleEntry{
		Time:    h.now(),
		Level:   level,
		Script:  key.path,
		Entity:  key.entity,
		Message: msg,
	})
}

func (h *ScriptHost) softError(inst *scripting.Instance, err *scripting.Error) {
	h.log.Debug("script host call refused",
		zap.String("script", inst.ScriptID),
		zap.Stringer("entity", inst.Entity),
		zap.Error(err),
	)
}

// drain moves console output to the host logger and the sink.
func (h *ScriptHost) drain() {
	if d := h.console.Dropped(); d > h.dropped {
		h.log.Warn("script console overflow", zap.Uint64("dropped", d-h.dropped))
		h.dropped = d
	}
	for _, e := range h.console.Drain() {
		if ce := h.log.Check(e.Level.ZapLevel(), e.Message); ce != nil {
			ce.Write(zap.String("script", e.Script), zap.Stringer("entity", e.Entity))
		}
		if h.sink != nil {
			h.sink(e)
		}
	}
}

func (h *ScriptHost) enter() { h.busy = true }

func (h *ScriptHost) leave() {
	h.busy = false
	for len(h.pending) > 0 {
		id := h.pending[0]
		h.pending = h.pending[1:]
		h.release(id)
	}
}

// detach observes a ScriptComponent leaving the world, by removal or
// despawn. A script removing it from under itself is handled once the call
// returns.
func (h *ScriptHost) detach(id ecs.EntityID) {
	if h.busy {
		h.pending = append(h.pending, id)
		return
	}
	h.release(id)
}

func (h *ScriptHost) release(id ecs.EntityID) {
	var keys []slotKey
	for key := range h.slots {
		if key.entity == id {
			keys = append(keys, key)
		}
	}
	sortKeys(keys)
	for _, key := range keys {
		h.free(h.slots[key])
	}
}

// free runs destroy (unless already run) and forgets the slot.
func (h *ScriptHost) free(s *slot) {
	delete(h.slots, s.key)
	if s.handle == 0 || s.destroyed {
		return
	}
	s.destroyed = true
	h.enter()
	err := s.rt.Destroy(s.handle, 0)
	h.leave()
	if err != nil {
		h.log.Warn("script destroy failed",
			zap.String("script", s.key.path), zap.Stringer("entity", s.key.entity), zap.Error(err))
		h.report(s.key, scripting.LevelError, "destroy: "+err.Error())
	}
}

// Reload replaces path in the source cache and tears down its instances,
// clearing their quarantine; the next frame creates them afresh.
func (h *ScriptHost) Reload(path string) error {
	canon, err := scripting.CanonicalPath(path)
	if err != nil {
		return err
	}
	src, changed, err := h.cache.Reload(canon)
	if err != nil {
		return err
	}

	var keys []slotKey
	for key := range h.slots {
		if key.path == canon {
			keys = append(keys, key)
		}
	}
	sortKeys(keys)
	for _, key := range keys {
		s := h.slots[key]
		h.free(s)
		if sc, ok := ecs.GetMut[component.ScriptComponent](h.world, key.entity); ok {
			if s.primary {
				sc.InstanceID = 0
			}
			if !h.quarantinedOn(key.entity) {
				sc.Errored = false
				sc.ErrorMessage = ""
			}
		}
	}
	h.log.Info("script reloaded",
		zap.String("script", canon),
		zap.Bool("changed", changed),
		zap.Int("instances", len(keys)),
	)
	if h.bus != nil {
		event.Emit(h.bus, event.ScriptReloaded{ScriptPath: canon, Instances: len(keys)})
	}
	if rt, ok := h.runtimes[src.Lang]; ok {
		return rt.Load(src)
	}
	return nil
}

func (h *ScriptHost) quarantinedOn(id ecs.EntityID) bool {
	for key, s := range h.slots {
		if key.entity == id && s.quarantined {
			return true
		}
	}
	return false
}

// Preload compiles paths and validates their metadata without creating
// instances. Every failure is reported, aggregated as KindMultiple.
func (h *ScriptHost) Preload(paths ...string) error {
	errs := make([]error, 0, len(paths))
	for _, p := range paths {
		errs = append(errs, h.preload(p))
	}
	if err := scripting.Join(errs...); err != nil {
		return err
	}
	return nil
}

func (h *ScriptHost) preload(p string) error {
	src, err := h.cache.Get(p)
	if err != nil {
		return err
	}
	if _, err := scripting.Effective(src.Meta, h.granted); err != nil {
		return err
	}
	rt, ok := h.runtimes[src.Lang]
	if !ok {
		return scripting.Compilation(src.Path, nil, fmt.Sprintf("no runtime for %s scripts", src.Lang), nil)
	}
	return rt.Load(src)
}

// Close destroys every instance and shuts the runtimes down.
func (h *ScriptHost) Close() error {
	keys := make([]slotKey, 0, len(h.slots))
	for key := range h.slots {
		keys = append(keys, key)
	}
	sortKeys(keys)
	for _, key := range keys {
		h.free(h.slots[key])
	}
	h.drain()
	var errs []error
	for _, rt := range h.runtimes {
		errs = append(errs, rt.Close())
	}
	return errors.Join(errs...)
}

func sortKeys(keys []slotKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].entity != keys[j].entity {
			return keys[i].entity.Index() < keys[j].entity.Index()
		}
		return keys[i].path < keys[j].path
	})
}
