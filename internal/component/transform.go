package component

import (
	"bytes"
	"fmt"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/goccy/go-json"

	"github.com/longhorn/engine/internal/core/ecs"
)

// Transform places an entity in world space. World matrices are composed
// on demand by the render extractor.
type Transform struct {
	Position mgl32.Vec3
	Rotation mgl32.Quat
	Scale    mgl32.Vec3
}

// PreviousTransform is the Transform captured at the start of the current
// fixed step. The renderer interpolates from it to Transform with alpha.
type PreviousTransform struct {
	Transform
}

func IdentityTransform() Transform {
	return Transform{Rotation: mgl32.QuatIdent(), Scale: mgl32.Vec3{1, 1, 1}}
}

// Teleport moves id to pos and resets its previous snapshot so the next
// rendered frame does not interpolate across the jump.
func Teleport(w *ecs.World, id ecs.EntityID, pos mgl32.Vec3) error {
	t, ok := ecs.GetMut[Transform](w, id)
	if !ok {
		return fmt.Errorf("teleport %s: no Transform", id)
	}
	t.Position = pos
	return ecs.Insert(w, id, PreviousTransform{Transform: *t})
}

// Scripts and scene files see vectors as {x,y,z} objects and rotations as
// {x,y,z,w}.

type wireVec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type wireQuat struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

type wireTransform struct {
	Position wireVec3 `json:"position"`
	Rotation wireQuat `json:"rotation"`
	Scale    wireVec3 `json:"scale"`
}

func toWireVec3(v mgl32.Vec3) wireVec3 {
	return wireVec3{X: float64(v[0]), Y: float64(v[1]), Z: float64(v[2])}
}

func (v wireVec3) vec() mgl32.Vec3 {
	return mgl32.Vec3{float32(v.X), float32(v.Y), float32(v.Z)}
}

func (t Transform) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireTransform{
		Position: toWireVec3(t.Position),
		Rotation: wireQuat{
			X: float64(t.Rotation.V[0]),
			Y: float64(t.Rotation.V[1]),
			Z: float64(t.Rotation.V[2]),
			W: float64(t.Rotation.W),
		},
		Scale: toWireVec3(t.Scale),
	})
}

// UnmarshalJSON fills omitted fields from the identity transform and
// rejects unknown keys.
func (t *Transform) UnmarshalJSON(data []byte) error {
	w := wireTransform{
		Rotation: wireQuat{W: 1},
		Scale:    wireVec3{X: 1, Y: 1, Z: 1},
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return fmt.Errorf("transform: %w", err)
	}
	t.Position = w.Position.vec()
	t.Rotation = mgl32.Quat{
		W: float32(w.Rotation.W),
		V: mgl32.Vec3{float32(w.Rotation.X), float32(w.Rotation.Y), float32(w.Rotation.Z)},
	}
	t.Scale = w.Scale.vec()
	return nil
}
