package terminal

import (
	"errors"
	"testing"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/longhorn/engine/internal/component"
	"github.com/longhorn/engine/internal/core/ecs"
	"github.com/longhorn/engine/internal/input"
	"github.com/longhorn/engine/internal/render"
)

func newSim(t *testing.T, w, h int) (*Terminal, tcell.SimulationScreen) {
	sim := tcell.NewSimulationScreen("UTF-8")
	term, err := New(sim, nil)
	require.NoError(t, err)
	sim.SetSize(w, h)
	t.Cleanup(func() { term.Close() })
	return term, sim
}

func next(t *testing.T, ch <-chan input.Event) input.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no input event")
	}
	return nil
}

func TestKeyPressBecomesTap(t *testing.T) {
	term, sim := newSim(t, 20, 10)
	sim.InjectKey(tcell.KeyRune, 'w', tcell.ModNone)

	assert.Equal(t, input.KeyDown{Key: input.KeyW}, next(t, term.Events()))
	assert.Equal(t, input.KeyUp{Key: input.KeyW}, next(t, term.Events()))
}

func TestQuitKeys(t *testing.T) {
	term, sim := newSim(t, 20, 10)
	quit := make(chan struct{}, 1)
	term.OnQuit(func() { quit <- struct{}{} })

	sim.InjectKey(tcell.KeyCtrlC, 0, tcell.ModCtrl)
	select {
	case <-quit:
	case <-time.After(time.Second):
		t.Fatal("ctrl-c did not request quit")
	}
}

func TestTranslateKey(t *testing.T) {
	for ev, want := range map[*tcell.EventKey]input.Key{
		tcell.NewEventKey(tcell.KeyRune, 'a', tcell.ModNone): input.KeyA,
		tcell.NewEventKey(tcell.KeyRune, 'Z', tcell.ModNone): input.KeyZ,
		tcell.NewEventKey(tcell.KeyRune, '7', tcell.ModNone): input.Key7,
		tcell.NewEventKey(tcell.KeyRune, ' ', tcell.ModNone): input.KeySpace,
		tcell.NewEventKey(tcell.KeyUp, 0, tcell.ModNone):     input.KeyArrowUp,
		tcell.NewEventKey(tcell.KeyF5, 0, tcell.ModNone):     input.KeyF5,
	} {
		got, ok := TranslateKey(ev)
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := TranslateKey(tcell.NewEventKey(tcell.KeyRune, '~', tcell.ModNone))
	assert.False(t, ok)
}

func TestMouseChanges(t *testing.T) {
	down := mouseChanges(tcell.ButtonNone, tcell.ButtonPrimary)
	assert.Equal(t, []input.Event{input.MouseButtonEvent{Button: input.MouseLeft, Down: true}}, down)

	up := mouseChanges(tcell.ButtonPrimary, tcell.ButtonNone)
	assert.Equal(t, []input.Event{input.MouseButtonEvent{Button: input.MouseLeft, Down: false}}, up)

	assert.Equal(t, []input.Event{input.MouseWheel{DY: 1}}, mouseChanges(tcell.ButtonNone, tcell.WheelUp))
}

func TestRendererDrawsProjectedEntities(t *testing.T) {
	term, sim := newSim(t, 40, 21)
	w := ecs.NewWorld()
	cam := component.IdentityTransform()
	cam.Position = mgl32.Vec3{0, 0, 10}
	_, err := w.SpawnWith(component.DefaultCamera(), cam)
	require.NoError(t, err)
	_, err = w.SpawnWith(component.MeshRenderer{Mesh: 0, Visible: true}, component.IdentityTransform())
	require.NoError(t, err)

	r := NewRenderer(term)
	var resized [2]int
	r.OnResize = func(w, h int) { resized = [2]int{w, h} }
	grid := render.DefaultGrid()
	grid.Enabled = false
	p := render.NewPipeline(w, render.NewExtractor(grid, 1), r, nil)
	require.NoError(t, p.Render(0))

	assert.Equal(t, [2]int{40, 42}, resized)
	mainc, _, _, _ := sim.GetContent(19, 9)
	assert.Equal(t, '#', mainc)
	status, _, _, _ := sim.GetContent(1, 20)
	assert.Equal(t, 'f', status)
}

func TestRenderAfterCloseIsDeviceLoss(t *testing.T) {
	term, _ := newSim(t, 20, 10)
	r := NewRenderer(term)
	require.NoError(t, r.Close())

	err := r.Render(&render.Frame{})
	assert.True(t, errors.Is(err, render.ErrDeviceLost))
}
