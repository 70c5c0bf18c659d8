package component

import "github.com/longhorn/engine/internal/core/ecs"

// Registration order is the despawn drop order: scripts see their entity's
// Transform and State from destroy, since ScriptComponent goes first.
var (
	ScriptKind            = ecs.RegisterComponent[ScriptComponent]()
	TransformKind         = ecs.RegisterComponent[Transform]()
	PreviousTransformKind = ecs.RegisterComponent[PreviousTransform]()
	MeshRendererKind      = ecs.RegisterComponent[MeshRenderer]()
	CameraKind            = ecs.RegisterComponent[Camera]()
	NameKind              = ecs.RegisterComponent[Name]()
	StateKind             = ecs.RegisterComponent[State]()
)
