package event

import "github.com/longhorn/engine/internal/core/ecs"

// EntityDespawned is emitted after an entity's components are gone and its
// handle is stale.
type EntityDespawned struct {
	Entity ecs.EntityID
}

// ScriptQuarantined is emitted once when a script instance is quarantined.
type ScriptQuarantined struct {
	Entity     ecs.EntityID
	ScriptPath string
	Err        error
}

// ScriptReloaded is emitted after a script source has been replaced in the
// cache and its instances torn down.
type ScriptReloaded struct {
	ScriptPath string
	Instances  int
}

// FrameDiscarded is emitted when the loop drops accumulated simulation time
// after hitting its catch-up limit.
type FrameDiscarded struct {
	Frame     uint64
	Discarded int64 // nanoseconds
}
