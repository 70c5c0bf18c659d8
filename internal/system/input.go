package system

import (
	"go.uber.org/zap"

	"github.com/longhorn/engine/internal/input"
)

// InputSource is a producer of raw input events, such as the terminal.
// The channel is closed when the source goes away.
type InputSource interface {
	Events() <-chan input.Event
}

// InputSystem drains input sources into the shared input state and folds
// them into the frame snapshot. It is the loop's input pump.
type InputSystem struct {
	state       *input.State
	sources     []InputSource
	maxPerFrame int
	log         *zap.Logger
}

func NewInputSystem(state *input.State, maxPerFrame int, log *zap.Logger, sources ...InputSource) *InputSystem {
	if maxPerFrame <= 0 {
		maxPerFrame = 256
	}
	return &InputSystem{
		state:       state,
		sources:     sources,
		maxPerFrame: maxPerFrame,
		log:         log,
	}
}

// State is the input state scripts and systems read.
func (s *InputSystem) State() *input.State { return s.state }

// Pump moves at most maxPerFrame queued events from each source and
// applies everything queued so far. Events beyond the cap wait for the
// next frame.
func (s *InputSystem) Pump() int {
	live := s.sources[:0]
	for _, src := range s.sources {
		if s.drain(src) {
			live = append(live, src)
		}
	}
	s.sources = live
	return s.state.Pump()
}

// drain reports false once src has closed.
func (s *InputSystem) drain(src InputSource) bool {
	ch := src.Events()
	for i := 0; i < s.maxPerFrame; i++ {
		select {
		case ev, ok := <-ch:
			if !ok {
				if s.log != nil {
					s.log.Debug("input source closed")
				}
				return false
			}
			s.state.PushEvent(ev)
		default:
			return true
		}
	}
	return true
}
