package system

import (
	"fmt"
	"time"

	"github.com/longhorn/engine/internal/core/ecs"
)

// Phase selects when a system runs within a frame.
type Phase int

const (
	PhaseFixed  Phase = iota // 0..N times per frame with dt = fixed_dt
	PhaseFrame               // once per frame with the measured frame dt
	PhaseRender              // once per frame, right before the render callback

	phaseCount
)

func (p Phase) String() string {
	switch p {
	case PhaseFixed:
		return "fixed"
	case PhaseFrame:
		return "frame"
	case PhaseRender:
		return "render"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// ParsePhase maps the config/scene spelling of a phase to its value.
func ParsePhase(s string) (Phase, error) {
	switch s {
	case "fixed":
		return PhaseFixed, nil
	case "frame":
		return PhaseFrame, nil
	case "render":
		return PhaseRender, nil
	}
	return 0, fmt.Errorf("unknown phase %q", s)
}

// System is the interface every ECS system implements.
//
// DependsOn names systems that must run earlier in the same phase. A
// dependency on a system registered in another phase is satisfied by phase
// order and does not constrain sorting.
type System interface {
	Name() string
	Phase() Phase
	DependsOn() []string
	Update(w *ecs.World, dt time.Duration) error
}

// Func adapts a plain function to System.
type Func struct {
	ID    string
	In    Phase
	After []string
	Fn    func(w *ecs.World, dt time.Duration) error
}

func NewFunc(name string, phase Phase, fn func(*ecs.World, time.Duration) error, after ...string) *Func {
	return &Func{ID: name, In: phase, After: after, Fn: fn}
}

func (f *Func) Name() string        { return f.ID }
func (f *Func) Phase() Phase        { return f.In }
func (f *Func) DependsOn() []string { return f.After }

func (f *Func) Update(w *ecs.World, dt time.Duration) error {
	return f.Fn(w, dt)
}
