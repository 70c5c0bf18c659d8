package loop

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/longhorn/engine/internal/core/ecs"
	"github.com/longhorn/engine/internal/core/event"
	coresys "github.com/longhorn/engine/internal/core/system"
)

var (
	// ErrFatal marks errors that end the loop instead of just the frame.
	// Wrap it (fmt.Errorf("...: %w", loop.ErrFatal)) to make an error fatal.
	ErrFatal = errors.New("fatal engine error")

	// ErrStopped is returned by Step when a stop request or context
	// cancellation was observed between phases.
	ErrStopped = errors.New("loop stopped")
)

// Config holds the timestep policy.
type Config struct {
	FixedDT         time.Duration
	MaxCatchupSteps int
	MaxFrameDT      time.Duration
	TargetFPS       float64
	Headless        bool
	VSync           bool // passed through to the renderer
	MaxFrames       uint64
}

func DefaultConfig() Config {
	return Config{
		FixedDT:         time.Second / 60,
		MaxCatchupSteps: 5,
		MaxFrameDT:      250 * time.Millisecond,
		TargetFPS:       60,
	}
}

// FrameInterval is the render cadence implied by TargetFPS, and the
// synthetic frame dt in headless mode.
func (c Config) FrameInterval() time.Duration {
	if c.TargetFPS <= 0 {
		return c.FixedDT
	}
	return time.Duration(float64(time.Second) / c.TargetFPS)
}

func (c Config) Validate() error {
	if c.FixedDT <= 0 {
		return fmt.Errorf("fixed_dt must be positive, got %s", c.FixedDT)
	}
	if c.MaxCatchupSteps < 1 {
		return fmt.Errorf("max_catchup_steps must be at least 1, got %d", c.MaxCatchupSteps)
	}
	if c.MaxFrameDT < c.FixedDT {
		return fmt.Errorf("max_frame_dt %s is shorter than fixed_dt %s", c.MaxFrameDT, c.FixedDT)
	}
	if c.TargetFPS < 0 {
		return fmt.Errorf("target_fps must not be negative, got %g", c.TargetFPS)
	}
	return nil
}

// InputPump folds queued input events into the frame's snapshot.
type InputPump interface {
	Pump() int
}

// ScriptRunner runs script callbacks after the systems of a phase. Script
// failures are contained by the runner; they never abort the frame.
type ScriptRunner interface {
	FixedUpdate(w *ecs.World, dt time.Duration)
	Update(w *ecs.World, dt time.Duration)
}

// RenderFunc receives the interpolation factor in [0,1).
type RenderFunc func(alpha float64) error

// Deps are the collaborators driven by the loop. Only World and Scheduler
// are required.
type Deps struct {
	World     *ecs.World
	Scheduler *coresys.Scheduler
	Bus       *event.Bus
	Input     InputPump
	Scripts   ScriptRunner
	Render    RenderFunc
	Now       func() time.Time
}

// FrameStats describes one executed frame.
type FrameStats struct {
	Frame      uint64
	FrameDT    time.Duration
	FixedSteps int
	Alpha      float64
	Discarded  time.Duration
}

// Loop is the fixed-timestep driver. A Loop and the World it drives are
// confined to the goroutine calling Step or Run; Stop may be called from
// anywhere.
type Loop struct {
	cfg         Config
	deps        Deps
	log         *zap.Logger
	accumulator time.Duration
	frame       uint64
	stop        atomic.Bool
}

func New(cfg Config, deps Deps, log *zap.Logger) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("loop config: %w", err)
	}
	if deps.World == nil || deps.Scheduler == nil {
		return nil, errors.New("loop: world and scheduler are required")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Loop{cfg: cfg, deps: deps, log: log}, nil
}

func (l *Loop) Config() Config { return l.cfg }

// Accumulator returns the simulation time not yet consumed by fixed steps.
func (l *Loop) Accumulator() time.Duration { return l.accumulator }

// Frames returns how many frames have completed.
func (l *Loop) Frames() uint64 { return l.frame }

// Stop asks the loop to exit after the phase currently running.
func (l *Loop) Stop() { l.stop.Store(true) }

func (l *Loop) stopping(ctx context.Context) bool {
	return l.stop.Load() || ctx.Err() != nil
}

// Step runs one frame with the given wall-clock delta.
//
// A non-fatal system error aborts the remainder of the frame and is
// returned; the caller may keep stepping. Errors wrapping ErrFatal should
// end the loop.
func (l *Loop) Step(ctx context.Context, frameDT time.Duration) (FrameStats, error) {
	stats := FrameStats{Frame: l.frame}
	if l.stopping(ctx) {
		return stats, ErrStopped
	}
	if frameDT < 0 {
		frameDT = 0
	}
	if frameDT > l.cfg.MaxFrameDT {
		l.log.Debug("frame dt clamped",
			zap.Duration("measured", frameDT), zap.Duration("max", l.cfg.MaxFrameDT))
		frameDT = l.cfg.MaxFrameDT
	}
	stats.FrameDT = frameDT
	w := l.deps.World

	if l.deps.Input != nil {
		l.deps.Input.Pump()
	}
	if l.deps.Bus != nil {
		l.deps.Bus.SwapBuffers()
		l.deps.Bus.DispatchAll()
	}

	fixed := l.cfg.FixedDT
	l.accumulator += frameDT
	for l.accumulator >= fixed && stats.FixedSteps < l.cfg.MaxCatchupSteps {
		if l.stopping(ctx) {
			return stats, ErrStopped
		}
		if err := l.deps.Scheduler.RunPhase(coresys.PhaseFixed, w, fixed); err != nil {
			return stats, l.frameError(coresys.PhaseFixed, err)
		}
		if l.deps.Scripts != nil {
			l.deps.Scripts.FixedUpdate(w, fixed)
		}
		l.accumulator -= fixed
		stats.FixedSteps++
	}
	if l.accumulator >= fixed {
		kept := l.accumulator % fixed
		stats.Discarded = l.accumulator - kept
		l.accumulator = kept
		l.log.Warn("simulation falling behind, discarding time",
			zap.Uint64("frame", l.frame),
			zap.Duration("discarded", stats.Discarded),
			zap.Int("steps", stats.FixedSteps))
		if l.deps.Bus != nil {
			event.Emit(l.deps.Bus, event.FrameDiscarded{Frame: l.frame, Discarded: int64(stats.Discarded)})
		}
	}

	if l.stopping(ctx) {
		return stats, ErrStopped
	}
	if err := l.deps.Scheduler.RunPhase(coresys.PhaseFrame, w, frameDT); err != nil {
		return stats, l.frameError(coresys.PhaseFrame, err)
	}
	if l.deps.Scripts != nil {
		l.deps.Scripts.Update(w, frameDT)
	}

	stats.Alpha = float64(l.accumulator) / float64(fixed)
	if l.stopping(ctx) {
		return stats, ErrStopped
	}
	if err := l.deps.Scheduler.RunPhase(coresys.PhaseRender, w, frameDT); err != nil {
		return stats, l.frameError(coresys.PhaseRender, err)
	}
	if !l.cfg.Headless && l.deps.Render != nil {
		if err := l.deps.Render(stats.Alpha); err != nil {
			return stats, l.frameError(coresys.PhaseRender, err)
		}
	}

	l.frame++
	return stats, nil
}

func (l *Loop) frameError(p coresys.Phase, err error) error {
	l.frame++
	return fmt.Errorf("frame %d %s phase: %w", l.frame-1, p, err)
}

// IsFatal reports whether err must end the loop.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// Run drives Step until ctx is cancelled, Stop is called, MaxFrames frames
// have run, or a fatal error occurs. Frames are paced at TargetFPS. In
// headless mode the frame dt is synthesised from TargetFPS instead of
// measured.
func (l *Loop) Run(ctx context.Context) error {
	if !l.deps.Scheduler.Resolved() {
		if err := l.deps.Scheduler.Resolve(); err != nil {
			return fmt.Errorf("%w: %w", ErrFatal, err)
		}
	}

	interval := l.cfg.FrameInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := l.deps.Now()
	for {
		if l.cfg.MaxFrames > 0 && l.frame >= l.cfg.MaxFrames {
			return nil
		}

		var dt time.Duration
		if l.cfg.Headless {
			dt = interval
		} else {
			now := l.deps.Now()
			dt = now.Sub(last)
			last = now
		}

		_, err := l.Step(ctx, dt)
		switch {
		case err == nil:
		case errors.Is(err, ErrStopped):
			l.log.Info("loop stopped", zap.Uint64("frames", l.frame))
			return nil
		case IsFatal(err):
			return err
		default:
			l.log.Error("frame aborted", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			l.log.Info("loop stopped", zap.Uint64("frames", l.frame))
			return nil
		case <-ticker.C:
		}
	}
}
