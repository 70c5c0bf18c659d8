package ecs

import (
	"errors"
	"fmt"
)

var ErrStaleEntity = errors.New("stale entity")

// RemoveHook observes a component value leaving the world, either through
// RemoveComponent or because its entity is being despawned. The entity is
// still live while the hook runs.
type RemoveHook func(id EntityID, value any)

// World is the top-level ECS container. It owns the entity pool, one column
// per component kind, and a deferred destruction queue flushed by
// CleanupSystem at the end of the frame phase.
//
// A World is confined to the game loop goroutine; it holds no locks.
type World struct {
	pool         *EntityPool
	columns      []column
	destroyQueue []EntityID
	removeHooks  map[Kind][]RemoveHook
	despawnHooks []func(EntityID)
	despawning   map[EntityID]struct{}
}

func NewWorld() *World {
	return &World{
		pool:         NewEntityPool(),
		columns:      make([]column, 0, 16),
		destroyQueue: make([]EntityID, 0, 64),
		removeHooks:  make(map[Kind][]RemoveHook),
		despawning:   make(map[EntityID]struct{}),
	}
}

func (w *World) Pool() *EntityPool { return w.pool }

func (w *World) Spawn() EntityID {
	return w.pool.Create()
}

// SpawnWith creates an entity carrying every given component. Either all
// components are installed or the entity is not created at all.
func (w *World) SpawnWith(components ...any) (EntityID, error) {
	infos := make([]*kindInfo, len(components))
	for i, c := range components {
		info, err := kindOfValue(c)
		if err != nil {
			return InvalidEntity, fmt.Errorf("spawn: %w", err)
		}
		infos[i] = info
	}
	id := w.pool.Create()
	for i, c := range components {
		// Types were validated above, setAny cannot fail.
		_ = w.columnFor(infos[i]).setAny(id.Index(), c)
	}
	return id, nil
}

func (w *World) Alive(id EntityID) bool {
	return w.pool.Alive(id)
}

func (w *World) EntityCount() int {
	return w.pool.Count()
}

// OnRemove registers a hook fired whenever a component of kind leaves the
// world. Hooks fire in registration order.
func (w *World) OnRemove(kind Kind, hook RemoveHook) {
	w.removeHooks[kind] = append(w.removeHooks[kind], hook)
}

// OnDespawn registers a hook fired after an entity's components are gone
// and its handle has been invalidated.
func (w *World) OnDespawn(hook func(EntityID)) {
	w.despawnHooks = append(w.despawnHooks, hook)
}

// Despawn removes every component of id in kind order, then recycles the
// slot. Stale handles return false.
func (w *World) Despawn(id EntityID) bool {
	if !w.pool.Alive(id) {
		return false
	}
	if _, busy := w.despawning[id]; busy {
		return false
	}
	w.despawning[id] = struct{}{}
	idx := id.Index()
	for k := 0; k < len(w.columns); k++ {
		col := w.columns[k]
		if col == nil {
			continue
		}
		if v, ok := col.removeAny(idx); ok {
			w.fireRemove(Kind(k), id, v)
		}
	}
	// Hooks may have re-attached components; the slot must be empty
	// before it is recycled.
	for _, col := range w.columns {
		if col != nil {
			col.removeAny(idx)
		}
	}
	w.pool.Destroy(id)
	delete(w.despawning, id)
	for _, h := range w.despawnHooks {
		h(id)
	}
	return true
}

// MarkForDestruction queues an entity for end-of-frame cleanup.
func (w *World) MarkForDestruction(id EntityID) {
	w.destroyQueue = append(w.destroyQueue, id)
}

// FlushDestroyQueue destroys all queued entities and clears their components.
// Called by CleanupSystem at the end of each frame.
func (w *World) FlushDestroyQueue() int {
	n := 0
	for i := 0; i < len(w.destroyQueue); i++ {
		if w.Despawn(w.destroyQueue[i]) {
			n++
		}
	}
	w.destroyQueue = w.destroyQueue[:0]
	return n
}

// AddComponent installs v on id, replacing any value of the same kind.
func (w *World) AddComponent(id EntityID, v any) error {
	info, err := kindOfValue(v)
	if err != nil {
		return err
	}
	if !w.pool.Alive(id) {
		return fmt.Errorf("add %s to %s: %w", info.name, id, ErrStaleEntity)
	}
	return w.columnFor(info).setAny(id.Index(), v)
}

// SetComponent is the kind-addressed form of AddComponent used by the
// script bridge. v must have the kind's registered type.
func (w *World) SetComponent(id EntityID, kind Kind, v any) error {
	info := lookupKind(kind)
	if info == nil {
		return fmt.Errorf("kind %d: %w", kind, ErrUnregisteredComponent)
	}
	if !w.pool.Alive(id) {
		return fmt.Errorf("set %s on %s: %w", info.name, id, ErrStaleEntity)
	}
	return w.columnFor(info).setAny(id.Index(), v)
}

// GetComponent returns a copy of the component of kind on id.
func (w *World) GetComponent(id EntityID, kind Kind) (any, bool) {
	col := w.existingColumn(kind)
	if col == nil || !w.pool.Alive(id) {
		return nil, false
	}
	return col.getAny(id.Index())
}

func (w *World) HasComponent(id EntityID, kind Kind) bool {
	col := w.existingColumn(kind)
	return col != nil && w.pool.Alive(id) && col.has(id.Index())
}

// RemoveComponent detaches and returns the component of kind on id.
func (w *World) RemoveComponent(id EntityID, kind Kind) (any, bool) {
	col := w.existingColumn(kind)
	if col == nil || !w.pool.Alive(id) {
		return nil, false
	}
	v, ok := col.removeAny(id.Index())
	if ok {
		w.fireRemove(kind, id, v)
	}
	return v, ok
}

// ComponentKinds lists the kinds present on id in kind order.
func (w *World) ComponentKinds(id EntityID) []Kind {
	if !w.pool.Alive(id) {
		return nil
	}
	var out []Kind
	for k, col := range w.columns {
		if col != nil && col.has(id.Index()) {
			out = append(out, Kind(k))
		}
	}
	return out
}

func (w *World) fireRemove(kind Kind, id EntityID, v any) {
	for _, h := range w.removeHooks[kind] {
		h(id, v)
	}
}

func (w *World) existingColumn(kind Kind) column {
	if int(kind) >= len(w.columns) {
		return nil
	}
	return w.columns[kind]
}

func (w *World) columnFor(info *kindInfo) column {
	for int(info.kind) >= len(w.columns) {
		w.columns = append(w.columns, nil)
	}
	col := w.columns[info.kind]
	if col == nil {
		col = info.newColumn()
		w.columns[info.kind] = col
	}
	return col
}

func typedColumn[T any](w *World) (*denseColumn[T], *kindInfo, error) {
	k, ok := KindOf[T]()
	if !ok {
		var zero T
		return nil, nil, fmt.Errorf("%T: %w", zero, ErrUnregisteredComponent)
	}
	info := lookupKind(k)
	return w.columnFor(info).(*denseColumn[T]), info, nil
}

// ── Typed accessors ──

// Insert installs v on id, replacing any previous T.
func Insert[T any](w *World, id EntityID, v T) error {
	col, info, err := typedColumn[T](w)
	if err != nil {
		return err
	}
	if !w.pool.Alive(id) {
		return fmt.Errorf("insert %s on %s: %w", info.name, id, ErrStaleEntity)
	}
	col.set(id.Index(), v)
	return nil
}

// Get returns a copy of id's T.
func Get[T any](w *World, id EntityID) (T, bool) {
	var zero T
	col, _, err := typedColumn[T](w)
	if err != nil || !w.pool.Alive(id) {
		return zero, false
	}
	return col.get(id.Index())
}

// GetMut returns a pointer into storage. It stays valid until the next
// structural change to the T column.
func GetMut[T any](w *World, id EntityID) (*T, bool) {
	col, _, err := typedColumn[T](w)
	if err != nil || !w.pool.Alive(id) {
		return nil, false
	}
	return col.ptr(id.Index())
}

func Has[T any](w *World, id EntityID) bool {
	col, _, err := typedColumn[T](w)
	return err == nil && w.pool.Alive(id) && col.has(id.Index())
}

// Remove detaches and returns id's T, firing removal hooks.
func Remove[T any](w *World, id EntityID) (T, bool) {
	var zero T
	col, info, err := typedColumn[T](w)
	if err != nil || !w.pool.Alive(id) {
		return zero, false
	}
	v, ok := col.remove(id.Index())
	if ok {
		w.fireRemove(info.kind, id, v)
	}
	return v, ok
}
