package system

import (
	"time"

	"go.uber.org/zap"

	"github.com/longhorn/engine/internal/core/ecs"
	"github.com/longhorn/engine/internal/core/event"
	coresys "github.com/longhorn/engine/internal/core/system"
)

// CleanupSystem flushes the deferred entity destruction queue. It runs
// first in the render phase, so entities destroyed by frame-phase scripts
// are gone before anything is drawn.
type CleanupSystem struct {
	log *zap.Logger
}

// NewCleanupSystem also reports every despawn of world on bus as an
// EntityDespawned event, whoever triggered it.
func NewCleanupSystem(world *ecs.World, bus *event.Bus, log *zap.Logger) *CleanupSystem {
	if bus != nil {
		world.OnDespawn(func(id ecs.EntityID) {
			event.Emit(bus, event.EntityDespawned{Entity: id})
		})
	}
	return &CleanupSystem{log: log}
}

func (s *CleanupSystem) Name() string         { return "cleanup" }
func (s *CleanupSystem) Phase() coresys.Phase { return coresys.PhaseRender }
func (s *CleanupSystem) DependsOn() []string  { return nil }

func (s *CleanupSystem) Update(w *ecs.World, _ time.Duration) error {
	if n := w.FlushDestroyQueue(); n > 0 && s.log != nil {
		s.log.Debug("destroyed queued entities", zap.Int("count", n))
	}
	return nil
}
