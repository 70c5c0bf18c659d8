package terminal

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/go-gl/mathgl/mgl32"

	"github.com/longhorn/engine/internal/render"
)

// Glyphs drawn for mesh handles, cycled by handle value.
var meshGlyphs = []rune{'#', '@', '*', 'o', '+', '%', '&', '$'}

// Renderer draws frames as characters: every renderable becomes one glyph
// at its projected position, the grid a field of dots.
type Renderer struct {
	term   *Terminal
	width  int
	height int

	// OnResize is told about terminal size changes, in cells with the
	// height doubled to account for tall character cells.
	OnResize func(width, height int)
}

func NewRenderer(t *Terminal) *Renderer {
	return &Renderer{term: t}
}

func (r *Renderer) Render(f *render.Frame) error {
	if r.term.Closed() {
		return render.ErrDeviceLost
	}
	s := r.term.screen
	w, h := s.Size()
	if w != r.width || h != r.height {
		r.Resize(w, h)
	}
	if w <= 0 || h <= 1 {
		return nil
	}
	s.Clear()
	bg := tcell.StyleDefault
	if f.HasCamera {
		c := f.Camera.ClearColor
		bg = bg.Background(tcell.NewRGBColor(channel(c[0]), channel(c[1]), channel(c[2])))
		s.Fill(' ', bg)
	}

	if f.HasCamera {
		vp := f.Camera.ViewProjection()
		if f.Grid.Enabled && f.Grid.Divisions > 0 {
			gridStyle := bg.Foreground(tcell.NewRGBColor(channel(f.Grid.Color[0]), channel(f.Grid.Color[1]), channel(f.Grid.Color[2])))
			step := 2 * f.Grid.Size / float32(f.Grid.Divisions)
			for i := 0; i <= f.Grid.Divisions; i++ {
				for j := 0; j <= f.Grid.Divisions; j++ {
					p := mgl32.Vec3{-f.Grid.Size + float32(i)*step, 0, -f.Grid.Size + float32(j)*step}
					if x, y, ok := project(vp, p, w, h-1); ok {
						s.SetContent(x, y, '.', nil, gridStyle)
					}
				}
			}
		}
		itemStyle := bg.Foreground(tcell.ColorWhite).Bold(true)
		for _, it := range f.Items {
			if x, y, ok := project(vp, it.Position, w, h-1); ok {
				s.SetContent(x, y, meshGlyphs[int(it.Mesh)%len(meshGlyphs)], nil, itemStyle)
			}
		}
	}

	status := fmt.Sprintf(" frame %d  alpha %.2f  drawables %d ", f.Index, f.Alpha, len(f.Items))
	if !f.HasCamera {
		status += " no active camera "
	}
	statusStyle := tcell.StyleDefault.Reverse(true)
	for i, ch := range status {
		if i >= w {
			break
		}
		s.SetContent(i, h-1, ch, nil, statusStyle)
	}
	s.Show()
	return nil
}

func (r *Renderer) Resize(width, height int) {
	r.width, r.height = width, height
	if r.OnResize != nil {
		r.OnResize(width, height*2)
	}
}

// Close releases the terminal; later frames report device loss.
func (r *Renderer) Close() error { return r.term.Close() }

// project maps a world point to a cell, reporting false when it is behind
// the camera or off screen.
func project(vp mgl32.Mat4, p mgl32.Vec3, w, h int) (int, int, bool) {
	clip := vp.Mul4x1(p.Vec4(1))
	if clip.W() <= 0 {
		return 0, 0, false
	}
	ndc := clip.Vec3().Mul(1 / clip.W())
	if ndc.X() < -1 || ndc.X() > 1 || ndc.Y() < -1 || ndc.Y() > 1 || ndc.Z() < -1 || ndc.Z() > 1 {
		return 0, 0, false
	}
	x := int((ndc.X() + 1) / 2 * float32(w-1))
	y := int((1 - ndc.Y()) / 2 * float32(h-1))
	return x, y, true
}

func channel(v float32) int32 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	}
	return int32(v * 255)
}
