package input

import "sync"

// Event is one raw input occurrence from the input provider.
type Event interface {
	isInputEvent()
}

type KeyDown struct{ Key Key }
type KeyUp struct{ Key Key }
type MouseMove struct{ X, Y float64 }
type MouseButtonEvent struct {
	Button MouseButton
	Down   bool
}
type MouseWheel struct{ DX, DY float64 }

func (KeyDown) isInputEvent()          {}
func (KeyUp) isInputEvent()            {}
func (MouseMove) isInputEvent()        {}
func (MouseButtonEvent) isInputEvent() {}
func (MouseWheel) isInputEvent()       {}

// Snapshot is the input state observed by systems and scripts for one
// frame. It only changes inside State.Pump.
type Snapshot struct {
	down         [keyCount]bool
	justPressed  [keyCount]bool
	justReleased [keyCount]bool
	buttons      [mouseButtonCount]bool
	mouseX       float64
	mouseY       float64
	wheelX       float64
	wheelY       float64
}

func (s *Snapshot) IsKeyPressed(k Key) bool {
	return k < keyCount && s.down[k]
}

// IsKeyJustPressed is true during the frame in which k went down.
func (s *Snapshot) IsKeyJustPressed(k Key) bool {
	return k < keyCount && s.justPressed[k]
}

func (s *Snapshot) IsKeyJustReleased(k Key) bool {
	return k < keyCount && s.justReleased[k]
}

func (s *Snapshot) IsMouseButtonPressed(b MouseButton) bool {
	return b < mouseButtonCount && s.buttons[b]
}

func (s *Snapshot) MousePosition() (x, y float64) { return s.mouseX, s.mouseY }

// Wheel returns the scroll accumulated during the current frame.
func (s *Snapshot) Wheel() (dx, dy float64) { return s.wheelX, s.wheelY }

// JustPressed lists keys that went down this frame in key-code order.
func (s *Snapshot) JustPressed() []Key {
	var out []Key
	for k := KeyA; k < keyCount; k++ {
		if s.justPressed[k] {
			out = append(out, k)
		}
	}
	return out
}

func (s *Snapshot) apply(ev Event) {
	switch e := ev.(type) {
	case KeyDown:
		if !e.Key.Valid() {
			return
		}
		if !s.down[e.Key] {
			s.justPressed[e.Key] = true
		}
		s.down[e.Key] = true
	case KeyUp:
		if !e.Key.Valid() {
			return
		}
		if s.down[e.Key] {
			s.justReleased[e.Key] = true
		}
		s.down[e.Key] = false
	case MouseMove:
		s.mouseX, s.mouseY = e.X, e.Y
	case MouseButtonEvent:
		if e.Button < mouseButtonCount {
			s.buttons[e.Button] = e.Down
		}
	case MouseWheel:
		s.wheelX += e.DX
		s.wheelY += e.DY
	}
}

// State is the double-buffered input snapshot. Producers call PushEvent
// from any goroutine; the loop calls Pump once at frame start, which folds
// the queued events into the snapshot the frame will observe.
type State struct {
	mu      sync.Mutex
	pending []Event
	spare   []Event
	snap    Snapshot
}

func NewState() *State {
	return &State{
		pending: make([]Event, 0, 64),
		spare:   make([]Event, 0, 64),
	}
}

func (s *State) PushEvent(ev Event) {
	s.mu.Lock()
	s.pending = append(s.pending, ev)
	s.mu.Unlock()
}

// Pump swaps the event queue and applies it. Edges and wheel deltas from
// the previous frame are cleared first. Returns the number of events
// applied.
func (s *State) Pump() int {
	s.mu.Lock()
	batch := s.pending
	s.pending = s.spare[:0]
	s.mu.Unlock()

	s.snap.justPressed = [keyCount]bool{}
	s.snap.justReleased = [keyCount]bool{}
	s.snap.wheelX, s.snap.wheelY = 0, 0
	for _, ev := range batch {
		s.snap.apply(ev)
	}
	n := len(batch)
	clear(batch)
	s.spare = batch[:0]
	return n
}

// Snapshot returns the state observed by the current frame. Only the loop
// goroutine may read it.
func (s *State) Snapshot() *Snapshot { return &s.snap }
