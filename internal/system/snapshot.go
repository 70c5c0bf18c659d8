package system

import (
	"time"

	"github.com/longhorn/engine/internal/component"
	"github.com/longhorn/engine/internal/core/ecs"
	coresys "github.com/longhorn/engine/internal/core/system"
)

// TransformSnapshotSystem copies every Transform into PreviousTransform at
// the start of each fixed step. Register it before other fixed systems.
type TransformSnapshotSystem struct{}

func NewTransformSnapshotSystem() *TransformSnapshotSystem { return &TransformSnapshotSystem{} }

func (s *TransformSnapshotSystem) Name() string         { return "transform_snapshot" }
func (s *TransformSnapshotSystem) Phase() coresys.Phase { return coresys.PhaseFixed }
func (s *TransformSnapshotSystem) DependsOn() []string  { return nil }

func (s *TransformSnapshotSystem) Update(w *ecs.World, _ time.Duration) error {
	return ecs.Each1(w, func(id ecs.EntityID, t *component.Transform) {
		if prev, ok := ecs.GetMut[component.PreviousTransform](w, id); ok {
			prev.Transform = *t
			return
		}
		// Insert cannot fail: id is live and the kind is registered.
		_ = ecs.Insert(w, id, component.PreviousTransform{Transform: *t})
	})
}
