package ecs

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/goccy/go-json"
)

// Kind is the process-wide numeric tag of a registered component type.
// Tags are assigned monotonically in registration order, which is also the
// order components are dropped in when an entity is despawned.
type Kind uint32

var (
	ErrUnregisteredComponent = errors.New("unregistered component")
	ErrKindNameConflict      = errors.New("component name already registered to another type")
)

type kindInfo struct {
	kind      Kind
	name      string
	typ       reflect.Type
	newColumn func() column
	decode    func(data []byte) (any, error)
}

// registrySnapshot is immutable once published.
type registrySnapshot struct {
	byType map[reflect.Type]*kindInfo
	byName map[string]*kindInfo
	infos  []*kindInfo
}

// Registry maps component types to kinds. The engine assumes a single
// process: one Registry (the package-level one) is shared by every World.
// Writes are serialized by mu and publish a new snapshot; reads only load
// the current snapshot and never block.
type Registry struct {
	mu   sync.Mutex
	snap atomic.Pointer[registrySnapshot]
}

func newRegistry() *Registry {
	r := &Registry{}
	r.snap.Store(&registrySnapshot{
		byType: map[reflect.Type]*kindInfo{},
		byName: map[string]*kindInfo{},
	})
	return r
}

var components = newRegistry()

func (r *Registry) load() *registrySnapshot { return r.snap.Load() }

func register[T any](r *Registry, name string) (Kind, error) {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	if name == "" {
		name = typ.Name()
	}
	if info, ok := r.load().byType[typ]; ok {
		return info.kind, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.load()
	if info, ok := cur.byType[typ]; ok {
		return info.kind, nil
	}
	if other, ok := cur.byName[name]; ok {
		return 0, fmt.Errorf("register %s: %w (%s)", name, ErrKindNameConflict, other.typ)
	}

	info := &kindInfo{
		kind:      Kind(len(cur.infos)),
		name:      name,
		typ:       typ,
		newColumn: func() column { return newColumn[T]() },
		decode: func(data []byte) (any, error) {
			var v T
			dec := json.NewDecoder(bytes.NewReader(data))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&v); err != nil {
				return nil, err
			}
			return v, nil
		},
	}

	next := &registrySnapshot{
		byType: make(map[reflect.Type]*kindInfo, len(cur.byType)+1),
		byName: make(map[string]*kindInfo, len(cur.byName)+1),
		infos:  make([]*kindInfo, len(cur.infos), len(cur.infos)+1),
	}
	for k, v := range cur.byType {
		next.byType[k] = v
	}
	for k, v := range cur.byName {
		next.byName[k] = v
	}
	copy(next.infos, cur.infos)
	next.byType[typ] = info
	next.byName[name] = info
	next.infos = append(next.infos, info)
	r.snap.Store(next)
	return info.kind, nil
}

// RegisterComponent registers T under its Go type name. Registering the same
// type again returns the existing kind. It panics if another type already
// uses the name; use RegisterNamed to pick a distinct name.
func RegisterComponent[T any]() Kind {
	k, err := register[T](components, "")
	if err != nil {
		panic(err)
	}
	return k
}

// RegisterNamed registers T under an explicit script-visible name.
func RegisterNamed[T any](name string) (Kind, error) {
	return register[T](components, name)
}

// KindOf returns the kind registered for T.
func KindOf[T any]() (Kind, bool) {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	info, ok := components.load().byType[typ]
	if !ok {
		return 0, false
	}
	return info.kind, true
}

// IsRegistered reports whether k was handed out by the registry.
func IsRegistered(k Kind) bool {
	return int(k) < len(components.load().infos)
}

// KindByName resolves a script-visible component name.
func KindByName(name string) (Kind, bool) {
	info, ok := components.load().byName[name]
	if !ok {
		return 0, false
	}
	return info.kind, true
}

// KindName returns the registered name of k, or "" if unknown.
func KindName(k Kind) string {
	info := lookupKind(k)
	if info == nil {
		return ""
	}
	return info.name
}

// RegisteredKinds lists all kinds in registration order.
func RegisteredKinds() []Kind {
	infos := components.load().infos
	out := make([]Kind, len(infos))
	for i, info := range infos {
		out[i] = info.kind
	}
	return out
}

func lookupKind(k Kind) *kindInfo {
	infos := components.load().infos
	if int(k) >= len(infos) {
		return nil
	}
	return infos[k]
}

func kindOfValue(v any) (*kindInfo, error) {
	if v == nil {
		return nil, fmt.Errorf("nil component: %w", ErrUnregisteredComponent)
	}
	typ := reflect.TypeOf(v)
	info, ok := components.load().byType[typ]
	if !ok {
		return nil, fmt.Errorf("%s: %w", typ, ErrUnregisteredComponent)
	}
	return info, nil
}
