package input

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKey(t *testing.T) {
	cases := map[string]Key{
		"A":       KeyA,
		"z":       KeyZ,
		"7":       Key7,
		"ArrowUp": KeyArrowUp,
		"arrowup": KeyArrowUp,
		"SPACE":   KeySpace,
		"F12":     KeyF12,
		"Esc":     KeyEscape,
		"Shift":   KeyShift,
	}
	for name, want := range cases {
		got, ok := ParseKey(name)
		require.True(t, ok, name)
		assert.Equal(t, want, got, name)
	}
	_, ok := ParseKey("Hyper")
	assert.False(t, ok)

	for k := KeyA; k < keyCount; k++ {
		back, ok := ParseKey(k.String())
		require.True(t, ok, k.String())
		assert.Equal(t, k, back)
	}
}

func TestEventsInvisibleUntilPump(t *testing.T) {
	s := NewState()
	s.PushEvent(KeyDown{Key: KeyW})
	s.PushEvent(MouseMove{X: 10, Y: 20})
	assert.False(t, s.Snapshot().IsKeyPressed(KeyW))

	assert.Equal(t, 2, s.Pump())
	snap := s.Snapshot()
	assert.True(t, snap.IsKeyPressed(KeyW))
	assert.True(t, snap.IsKeyJustPressed(KeyW))
	x, y := snap.MousePosition()
	assert.Equal(t, 10.0, x)
	assert.Equal(t, 20.0, y)

	s.Pump()
	assert.True(t, snap.IsKeyPressed(KeyW), "held key stays down")
	assert.False(t, snap.IsKeyJustPressed(KeyW), "edge lasts one frame")

	s.PushEvent(KeyUp{Key: KeyW})
	s.Pump()
	assert.False(t, snap.IsKeyPressed(KeyW))
	assert.True(t, snap.IsKeyJustReleased(KeyW))
}

func TestTapWithinOneFrame(t *testing.T) {
	s := NewState()
	s.PushEvent(KeyDown{Key: KeySpace})
	s.PushEvent(KeyUp{Key: KeySpace})
	s.Pump()
	assert.True(t, s.Snapshot().IsKeyJustPressed(KeySpace))
	assert.False(t, s.Snapshot().IsKeyPressed(KeySpace))
}

func TestMouseButtonsAndWheel(t *testing.T) {
	s := NewState()
	s.PushEvent(MouseButtonEvent{Button: MouseRight, Down: true})
	s.PushEvent(MouseWheel{DY: 1})
	s.PushEvent(MouseWheel{DY: 2})
	s.Pump()
	snap := s.Snapshot()
	assert.True(t, snap.IsMouseButtonPressed(MouseRight))
	assert.False(t, snap.IsMouseButtonPressed(MouseLeft))
	_, dy := snap.Wheel()
	assert.Equal(t, 3.0, dy)

	s.Pump()
	_, dy = snap.Wheel()
	assert.Zero(t, dy)
}

func TestConcurrentProducers(t *testing.T) {
	s := NewState()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.PushEvent(MouseWheel{DX: 1})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, s.Pump())
	dx, _ := s.Snapshot().Wheel()
	assert.Equal(t, 800.0, dx)
}

func TestBindingQueueIsBounded(t *testing.T) {
	var b BindingSet
	for i := 0; i < MaxBindings; i++ {
		_, err := b.Add(KeySpace)
		require.NoError(t, err)
	}
	s := NewState()
	dropped := 0
	for i := 0; i < 5; i++ {
		s.PushEvent(KeyUp{Key: KeySpace})
		s.PushEvent(KeyDown{Key: KeySpace})
		s.Pump()
		dropped += b.Enqueue(s.Snapshot())
	}
	assert.Equal(t, MaxPending, b.Pending())
	assert.Equal(t, 5*MaxBindings-MaxPending, dropped)
}

func TestBindingSet(t *testing.T) {
	var b BindingSet
	jump, err := b.Add(KeySpace)
	require.NoError(t, err)
	fire, err := b.Add(KeyF)
	require.NoError(t, err)
	also, err := b.Add(KeySpace)
	require.NoError(t, err)
	assert.NotEqual(t, jump, also)

	s := NewState()
	s.PushEvent(KeyDown{Key: KeySpace})
	s.Pump()
	assert.Equal(t, 0, b.Enqueue(s.Snapshot()))
	assert.Equal(t, 2, b.Pending())
	assert.Equal(t, []string{jump}, b.Next(1))
	assert.Equal(t, []string{also}, b.Next(0))
	assert.Nil(t, b.Next(0))

	b.Enqueue(s.Snapshot())
	assert.True(t, b.Remove(jump))
	assert.False(t, b.Remove(jump))
	assert.Equal(t, 1, b.Pending(), "queued calls of a removed binding are dropped")
	assert.Equal(t, []string{also}, b.Next(0))

	s.Pump()
	assert.Nil(t, b.Triggered(s.Snapshot(), 0), "held key is not a new press")
	assert.NotContains(t, b.Triggered(s.Snapshot(), 0), fire)
}
