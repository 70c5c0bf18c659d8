// Package scene loads YAML scene files and spawns their entities.
package scene

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/longhorn/engine/internal/component"
	"github.com/longhorn/engine/internal/core/ecs"
)

// Scene is a parsed scene file:
//
//	name: demo
//	entities:
//	  - name: player
//	    components:
//	      Transform: {position: {x: 0, y: 1, z: 0}}
//	      ScriptComponent: {script_path: scripts/player.lua}
type Scene struct {
	Name     string   `yaml:"name"`
	Entities []Entity `yaml:"entities"`
}

// Entity lists components by registered kind name, in component wire form.
type Entity struct {
	Name       string         `yaml:"name"`
	Components map[string]any `yaml:"components"`
}

// Load reads and validates a scene file.
func Load(path string) (*Scene, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scene: read %s: %w", path, err)
	}
	s, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("scene: parse %s: %w", path, err)
	}
	return s, nil
}

// Parse decodes a scene. Unknown top-level keys and unknown component
// kinds are errors.
func Parse(raw []byte) (*Scene, error) {
	var s Scene
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, err
	}
	for i, e := range s.Entities {
		for kind := range e.Components {
			if _, ok := ecs.KindByName(kind); !ok {
				return nil, fmt.Errorf("entity %d (%s): component %q: %w", i, e.Name, kind, ecs.ErrUnregisteredComponent)
			}
		}
	}
	return &s, nil
}

// Scripts lists every script path the scene attaches, without duplicates,
// in order of first appearance.
func (s *Scene) Scripts() []string {
	var out []string
	seen := map[string]bool{}
	for _, e := range s.Entities {
		data, ok := e.Components["ScriptComponent"].(map[string]any)
		if !ok {
			continue
		}
		var paths []string
		if p, ok := data["script_path"].(string); ok && p != "" {
			paths = append(paths, p)
		}
		if extra, ok := data["additional_scripts"].([]any); ok {
			for _, x := range extra {
				if p, ok := x.(string); ok {
					paths = append(paths, p)
				}
			}
		}
		for _, p := range paths {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}

// Spawn creates the scene's entities in file order. Each entity is
// created atomically; on error the entities spawned so far are despawned.
func (s *Scene) Spawn(w *ecs.World) ([]ecs.EntityID, error) {
	ids := make([]ecs.EntityID, 0, len(s.Entities))
	for i, e := range s.Entities {
		comps, err := e.decode()
		if err != nil {
			for _, id := range ids {
				w.Despawn(id)
			}
			return nil, fmt.Errorf("scene %s: entity %d (%s): %w", s.Name, i, e.Name, err)
		}
		id, err := w.SpawnWith(comps...)
		if err != nil {
			for _, id := range ids {
				w.Despawn(id)
			}
			return nil, fmt.Errorf("scene %s: entity %d (%s): %w", s.Name, i, e.Name, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (e Entity) decode() ([]any, error) {
	kinds := make([]string, 0, len(e.Components))
	for k := range e.Components {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	var (
		out  []any
		errs []error
	)
	hasName, hasPrev := false, false
	var transform *component.Transform
	for _, name := range kinds {
		kind, ok := ecs.KindByName(name)
		if !ok {
			errs = append(errs, fmt.Errorf("component %q: %w", name, ecs.ErrUnregisteredComponent))
			continue
		}
		data := e.Components[name]
		if name == "ScriptComponent" {
			data = withEnabledDefault(data)
		}
		v, err := ecs.DecodeComponent(kind, data)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		switch c := v.(type) {
		case component.Transform:
			transform = &c
		case component.PreviousTransform:
			hasPrev = true
		case component.Name:
			hasName = true
		}
		out = append(out, v)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if e.Name != "" && !hasName {
		out = append(out, component.Name{Value: e.Name})
	}
	// A fresh entity has nothing to interpolate from.
	if transform != nil && !hasPrev {
		out = append(out, component.PreviousTransform{Transform: *transform})
	}
	return out, nil
}

// Scripts in scene files run unless they say otherwise.
func withEnabledDefault(data any) any {
	m, ok := data.(map[string]any)
	if !ok {
		return data
	}
	if _, set := m["enabled"]; set {
		return m
	}
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out["enabled"] = true
	return out
}
