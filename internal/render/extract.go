package render

import (
	"runtime"

	"github.com/go-gl/mathgl/mgl32"
	"golang.org/x/sync/errgroup"

	"github.com/longhorn/engine/internal/component"
	"github.com/longhorn/engine/internal/core/ecs"
)

// Below this many renderables interpolation stays on the loop goroutine.
const parallelThreshold = 256

// Extractor builds frames from a World. Reading the World happens on the
// caller's goroutine; only the matrix math fans out, and it is joined
// before Extract returns.
type Extractor struct {
	grid    GridConfig
	width   int
	height  int
	workers int
	frames  uint64
}

func NewExtractor(grid GridConfig, workers int) *Extractor {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Extractor{grid: grid, width: 1280, height: 720, workers: workers}
}

// SetViewport sets the viewport size used for projections. Non-positive
// sizes are ignored.
func (x *Extractor) SetViewport(width, height int) {
	if width > 0 && height > 0 {
		x.width, x.height = width, height
	}
}

type pose struct {
	prev, cur component.Transform
}

type pending struct {
	item Renderable
	pose pose
}

// Extract interpolates every visible MeshRenderer and the first active
// camera by alpha.
func (x *Extractor) Extract(w *ecs.World, alpha float64) (*Frame, error) {
	f := &Frame{Index: x.frames, Alpha: alpha, Grid: x.grid}
	x.frames++
	a := float32(alpha)

	var work []pending
	err := ecs.Each2(w, func(id ecs.EntityID, mr *component.MeshRenderer, t *component.Transform) {
		if !mr.Visible {
			return
		}
		work = append(work, pending{
			item: Renderable{Entity: id, Mesh: mr.Mesh, Material: mr.Material},
			pose: poseOf(w, id, t),
		})
	})
	if err != nil {
		return nil, err
	}

	err = ecs.Each2(w, func(id ecs.EntityID, cam *component.Camera, t *component.Transform) {
		if f.HasCamera || !cam.Active {
			return
		}
		f.HasCamera = true
		f.Camera = x.cameraView(id, *cam, Interpolate(poseOf(w, id, t).prev, *t, a))
	})
	if err != nil {
		return nil, err
	}

	f.Items = make([]Renderable, len(work))
	if len(work) < parallelThreshold || x.workers == 1 {
		for i := range work {
			f.Items[i] = finish(work[i], a)
		}
		return f, nil
	}

	var g errgroup.Group
	g.SetLimit(x.workers)
	chunk := (len(work) + x.workers - 1) / x.workers
	for lo := 0; lo < len(work); lo += chunk {
		hi := min(lo+chunk, len(work))
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				f.Items[i] = finish(work[i], a)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return f, nil
}

func poseOf(w *ecs.World, id ecs.EntityID, t *component.Transform) pose {
	p := pose{prev: *t, cur: *t}
	if prev, ok := ecs.Get[component.PreviousTransform](w, id); ok {
		p.prev = prev.Transform
	}
	return p
}

func finish(p pending, alpha float32) Renderable {
	t := Interpolate(p.pose.prev, p.pose.cur, alpha)
	r := p.item
	r.Position = t.Position
	r.Model = ModelMatrix(t)
	return r
}

func (x *Extractor) cameraView(id ecs.EntityID, cam component.Camera, t component.Transform) CameraView {
	rot := unit(t.Rotation)
	view := rot.Conjugate().Mat4().Mul4(mgl32.Translate3D(-t.Position[0], -t.Position[1], -t.Position[2]))
	near, far := cam.Near, cam.Far
	if near <= 0 {
		near = 0.1
	}
	if far <= near {
		far = near + 1000
	}
	return CameraView{
		Entity:     id,
		Position:   t.Position,
		View:       view,
		Projection: mgl32.Perspective(mgl32.DegToRad(cam.FovY), float32(x.width)/float32(x.height), near, far),
		ClearColor: cam.ClearColor,
		Width:      x.width,
		Height:     x.height,
		Near:       near,
		Far:        far,
	}
}

// Interpolate blends two transforms: positions and scales linearly,
// rotations by spherical interpolation.
func Interpolate(prev, cur component.Transform, alpha float32) component.Transform {
	if alpha <= 0 {
		return prev
	}
	if alpha >= 1 {
		return cur
	}
	return component.Transform{
		Position: lerp(prev.Position, cur.Position, alpha),
		Rotation: mgl32.QuatSlerp(unit(prev.Rotation), unit(cur.Rotation), alpha),
		Scale:    lerp(prev.Scale, cur.Scale, alpha),
	}
}

// ModelMatrix composes translation, rotation and scale.
func ModelMatrix(t component.Transform) mgl32.Mat4 {
	return mgl32.Translate3D(t.Position[0], t.Position[1], t.Position[2]).
		Mul4(unit(t.Rotation).Mat4()).
		Mul4(mgl32.Scale3D(t.Scale[0], t.Scale[1], t.Scale[2]))
}

func lerp(a, b mgl32.Vec3, t float32) mgl32.Vec3 {
	return a.Add(b.Sub(a).Mul(t))
}

// unit treats the zero quaternion of an unset rotation as identity.
func unit(q mgl32.Quat) mgl32.Quat {
	if q.Len() == 0 {
		return mgl32.QuatIdent()
	}
	return q.Normalize()
}
