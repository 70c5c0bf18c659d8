// Package terminal runs the engine inside a text terminal: tcell input is
// translated into engine input events and frames are drawn as characters.
package terminal

import (
	"fmt"
	"sync"

	"github.com/gdamore/tcell/v2"
	"go.uber.org/zap"

	"github.com/longhorn/engine/internal/input"
)

// Terminal owns a tcell screen. Input is polled on its own goroutine and
// delivered through Events; drawing happens on the loop goroutine.
type Terminal struct {
	screen tcell.Screen
	log    *zap.Logger

	events chan input.Event
	done   chan struct{}
	quit   func()

	mu      sync.Mutex
	closed  bool
	buttons tcell.ButtonMask
}

// Open initialises the controlling terminal.
func Open(log *zap.Logger) (*Terminal, error) {
	s, err := tcell.NewScreen()
	if err != nil {
		return nil, fmt.Errorf("open terminal: %w", err)
	}
	return New(s, log)
}

// New takes over an existing screen, which is initialised here.
func New(s tcell.Screen, log *zap.Logger) (*Terminal, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := s.Init(); err != nil {
		return nil, fmt.Errorf("init terminal: %w", err)
	}
	s.EnableMouse()
	s.HideCursor()
	t := &Terminal{
		screen: s,
		log:    log,
		events: make(chan input.Event, 256),
		done:   make(chan struct{}),
	}
	go t.poll()
	return t, nil
}

// OnQuit sets the callback for Ctrl-C and Escape. Call before the loop
// starts.
func (t *Terminal) OnQuit(fn func()) { t.quit = fn }

// Events implements system.InputSource. The channel closes with the
// terminal.
func (t *Terminal) Events() <-chan input.Event { return t.events }

func (t *Terminal) Screen() tcell.Screen { return t.screen }

func (t *Terminal) poll() {
	defer close(t.done)
	defer close(t.events)
	for {
		ev := t.screen.PollEvent()
		if ev == nil {
			return
		}
		for _, out := range t.translate(ev) {
			select {
			case t.events <- out:
			default:
				t.log.Debug("terminal input dropped, queue full")
			}
		}
	}
}

func (t *Terminal) translate(ev tcell.Event) []input.Event {
	switch ev := ev.(type) {
	case *tcell.EventKey:
		if ev.Key() == tcell.KeyCtrlC || ev.Key() == tcell.KeyEscape {
			if t.quit != nil {
				t.quit()
			}
		}
		k, ok := TranslateKey(ev)
		if !ok {
			return nil
		}
		// Terminals report presses only; each one is a full tap.
		return []input.Event{input.KeyDown{Key: k}, input.KeyUp{Key: k}}
	case *tcell.EventMouse:
		x, y := ev.Position()
		out := []input.Event{input.MouseMove{X: float64(x), Y: float64(y)}}
		t.mu.Lock()
		prev := t.buttons
		t.buttons = ev.Buttons()
		t.mu.Unlock()
		return append(out, mouseChanges(prev, ev.Buttons())...)
	}
	return nil
}

// Closed reports whether the screen has been released.
func (t *Terminal) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close restores the terminal and waits for the input goroutine.
func (t *Terminal) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	t.screen.Fini()
	<-t.done
	return nil
}
