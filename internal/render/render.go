// Package render turns World state into backend-neutral frames. Backends
// (headless, terminal) only consume Frame values.
package render

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/longhorn/engine/internal/core/ecs"
	"github.com/longhorn/engine/internal/core/loop"
)

// ErrDeviceLost ends the loop: a renderer that cannot present any more is
// not recoverable frame to frame.
var ErrDeviceLost = fmt.Errorf("render device lost: %w", loop.ErrFatal)

// CameraView is the interpolated camera of one frame.
type CameraView struct {
	Entity     ecs.EntityID
	Position   mgl32.Vec3
	View       mgl32.Mat4
	Projection mgl32.Mat4
	ClearColor [4]float32
	// Viewport size in pixels and the clip planes used for Projection.
	Width, Height int
	Near, Far     float32
}

// ViewProjection is Projection * View.
func (c CameraView) ViewProjection() mgl32.Mat4 { return c.Projection.Mul4(c.View) }

// Renderable is one drawable entity with its interpolated model matrix.
type Renderable struct {
	Entity   ecs.EntityID
	Mesh     uint32
	Material uint32
	Position mgl32.Vec3
	Model    mgl32.Mat4
}

// GridConfig describes the reference grid on the XZ plane.
type GridConfig struct {
	Enabled   bool
	Size      float32 // half extent in world units
	Divisions int
	Color     [4]float32
}

func DefaultGrid() GridConfig {
	return GridConfig{Enabled: true, Size: 10, Divisions: 20, Color: [4]float32{0.3, 0.3, 0.3, 1}}
}

// Frame is everything a backend needs to draw once.
type Frame struct {
	Index     uint64
	Alpha     float64
	HasCamera bool
	Camera    CameraView
	Items     []Renderable
	Grid      GridConfig
}

// Renderer is a presentation backend. Render errors wrapping ErrDeviceLost
// are fatal; any other error only fails the frame.
type Renderer interface {
	Render(f *Frame) error
	Resize(width, height int)
	Close() error
}
