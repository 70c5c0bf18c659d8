package system

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/longhorn/engine/internal/core/ecs"
)

var (
	ErrDependencyCycle   = errors.New("system dependency cycle")
	ErrUnknownDependency = errors.New("unknown system dependency")
	ErrDuplicateSystem   = errors.New("duplicate system name")
	ErrUnresolved        = errors.New("scheduler not resolved")
)

// Scheduler holds registered systems and their per-phase execution order.
// Register may be called until Resolve; after that the order is frozen
// until the next Register, which marks the scheduler unresolved again.
type Scheduler struct {
	systems  []System
	byName   map[string]int
	ordered  [phaseCount][]System
	resolved bool
	log      *zap.Logger
}

func NewScheduler(log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		systems: make([]System, 0, 16),
		byName:  make(map[string]int),
		log:     log,
	}
}

func (s *Scheduler) Register(sys System) error {
	name := sys.Name()
	if name == "" {
		return fmt.Errorf("register system: empty name")
	}
	if sys.Phase() < 0 || sys.Phase() >= phaseCount {
		return fmt.Errorf("register %s: invalid %s", name, sys.Phase())
	}
	if _, dup := s.byName[name]; dup {
		return fmt.Errorf("register %s: %w", name, ErrDuplicateSystem)
	}
	s.byName[name] = len(s.systems)
	s.systems = append(s.systems, sys)
	s.resolved = false
	return nil
}

// MustRegister is Register for wiring code where a failure is a programming
// error.
func (s *Scheduler) MustRegister(systems ...System) {
	for _, sys := range systems {
		if err := s.Register(sys); err != nil {
			panic(err)
		}
	}
}

// Resolve topologically sorts every phase. Independent systems keep their
// registration order. Cycles and dangling dependency names are reported
// here so the loop never starts with an unschedulable graph.
func (s *Scheduler) Resolve() error {
	for _, sys := range s.systems {
		for _, dep := range sys.DependsOn() {
			if _, ok := s.byName[dep]; !ok {
				return fmt.Errorf("%s depends on %q: %w", sys.Name(), dep, ErrUnknownDependency)
			}
		}
	}

	var ordered [phaseCount][]System
	for p := Phase(0); p < phaseCount; p++ {
		out, err := s.sortPhase(p)
		if err != nil {
			return err
		}
		ordered[p] = out
	}
	s.ordered = ordered
	s.resolved = true

	for p := Phase(0); p < phaseCount; p++ {
		names := make([]string, len(ordered[p]))
		for i, sys := range ordered[p] {
			names[i] = sys.Name()
		}
		s.log.Debug("system order", zap.Stringer("phase", p), zap.Strings("systems", names))
	}
	return nil
}

// sortPhase is Kahn's algorithm over the systems of one phase. The ready
// set is scanned in registration order, which makes ties deterministic.
func (s *Scheduler) sortPhase(p Phase) ([]System, error) {
	var members []int
	local := make(map[string]int)
	for i, sys := range s.systems {
		if sys.Phase() == p {
			local[sys.Name()] = len(members)
			members = append(members, i)
		}
	}

	indeg := make([]int, len(members))
	next := make([][]int, len(members))
	for li, gi := range members {
		for _, dep := range s.systems[gi].DependsOn() {
			dl, same := local[dep]
			if !same {
				continue
			}
			indeg[li]++
			next[dl] = append(next[dl], li)
		}
	}

	out := make([]System, 0, len(members))
	done := make([]bool, len(members))
	for len(out) < len(members) {
		pick := -1
		for li := range members {
			if !done[li] && indeg[li] == 0 {
				pick = li
				break
			}
		}
		if pick < 0 {
			var stuck []string
			for li, gi := range members {
				if !done[li] {
					stuck = append(stuck, s.systems[gi].Name())
				}
			}
			return nil, fmt.Errorf("%s phase: %s: %w", p, strings.Join(stuck, ", "), ErrDependencyCycle)
		}
		done[pick] = true
		out = append(out, s.systems[members[pick]])
		for _, n := range next[pick] {
			indeg[n]--
		}
	}
	return out, nil
}

// Systems returns the resolved order of one phase.
func (s *Scheduler) Systems(p Phase) []System {
	if p < 0 || p >= phaseCount {
		return nil
	}
	return s.ordered[p]
}

func (s *Scheduler) Resolved() bool { return s.resolved }

// RunPhase executes the systems of p in resolved order. The first failing
// system aborts the rest of the phase; its error is returned wrapped with
// the system name.
func (s *Scheduler) RunPhase(p Phase, w *ecs.World, dt time.Duration) error {
	if !s.resolved {
		return ErrUnresolved
	}
	for _, sys := range s.Systems(p) {
		if err := sys.Update(w, dt); err != nil {
			return fmt.Errorf("system %s: %w", sys.Name(), err)
		}
	}
	return nil
}
