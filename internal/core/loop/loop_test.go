package loop

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/longhorn/engine/internal/core/ecs"
	"github.com/longhorn/engine/internal/core/event"
	coresys "github.com/longhorn/engine/internal/core/system"
	"github.com/longhorn/engine/internal/input"
)

type counter struct {
	N int
}

var _ = ecs.RegisterComponent[counter]()

type traceScripts struct {
	trace *[]string
}

func (s traceScripts) FixedUpdate(*ecs.World, time.Duration) {
	*s.trace = append(*s.trace, "fixed-scripts")
}

func (s traceScripts) Update(*ecs.World, time.Duration) {
	*s.trace = append(*s.trace, "frame-scripts")
}

func newTestLoop(t *testing.T, cfg Config, systems ...coresys.System) (*Loop, *ecs.World) {
	t.Helper()
	w := ecs.NewWorld()
	sched := coresys.NewScheduler(nil)
	sched.MustRegister(systems...)
	require.NoError(t, sched.Resolve())
	l, err := New(cfg, Deps{World: w, Scheduler: sched}, nil)
	require.NoError(t, err)
	return l, w
}

func TestFixedStepAccumulator(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FixedDT = 10 * time.Millisecond
	cfg.MaxCatchupSteps = 5
	l, _ := newTestLoop(t, cfg)

	stats, err := l.Step(context.Background(), 35*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.FixedSteps)
	assert.Equal(t, 5*time.Millisecond, l.Accumulator())
	assert.InDelta(t, 0.5, stats.Alpha, 1e-9)
	assert.Zero(t, stats.Discarded)

	stats, err = l.Step(context.Background(), 200*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.FixedSteps)
	assert.Less(t, l.Accumulator(), cfg.FixedDT)
	assert.Equal(t, 150*time.Millisecond, stats.Discarded)
	assert.GreaterOrEqual(t, stats.Alpha, 0.0)
	assert.Less(t, stats.Alpha, 1.0)
}

func TestFrameDTIsClamped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FixedDT = 10 * time.Millisecond
	cfg.MaxCatchupSteps = 100
	l, _ := newTestLoop(t, cfg)

	stats, err := l.Step(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, cfg.MaxFrameDT, stats.FrameDT)
	assert.Equal(t, 25, stats.FixedSteps)
}

func TestPhaseOrdering(t *testing.T) {
	var trace []string
	rec := func(name string, p coresys.Phase) coresys.System {
		return coresys.NewFunc(name, p, func(*ecs.World, time.Duration) error {
			trace = append(trace, name)
			return nil
		})
	}
	w := ecs.NewWorld()
	sched := coresys.NewScheduler(nil)
	sched.MustRegister(
		rec("render-systems", coresys.PhaseRender),
		rec("frame-systems", coresys.PhaseFrame),
		rec("fixed-systems", coresys.PhaseFixed),
	)
	require.NoError(t, sched.Resolve())

	cfg := DefaultConfig()
	cfg.FixedDT = 10 * time.Millisecond
	l, err := New(cfg, Deps{
		World:     w,
		Scheduler: sched,
		Scripts:   traceScripts{trace: &trace},
		Render: func(alpha float64) error {
			trace = append(trace, fmt.Sprintf("render %.1f", alpha))
			return nil
		},
	}, nil)
	require.NoError(t, err)

	_, err = l.Step(context.Background(), 25*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"fixed-systems", "fixed-scripts",
		"fixed-systems", "fixed-scripts",
		"frame-systems", "frame-scripts",
		"render-systems", "render 0.5",
	}, trace)
}

func TestHeadlessSkipsRenderCallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Headless = true
	w := ecs.NewWorld()
	sched := coresys.NewScheduler(nil)
	require.NoError(t, sched.Resolve())
	rendered := 0
	l, err := New(cfg, Deps{World: w, Scheduler: sched, Render: func(float64) error {
		rendered++
		return nil
	}}, nil)
	require.NoError(t, err)

	_, err = l.Step(context.Background(), cfg.FrameInterval())
	require.NoError(t, err)
	assert.Zero(t, rendered)
}

func TestNonFatalErrorAbortsFrameOnly(t *testing.T) {
	calls := 0
	failOnce := coresys.NewFunc("flaky", coresys.PhaseFrame, func(*ecs.World, time.Duration) error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	})
	l, _ := newTestLoop(t, DefaultConfig(), failOnce)

	_, err := l.Step(context.Background(), time.Millisecond)
	require.Error(t, err)
	assert.False(t, IsFatal(err))

	_, err = l.Step(context.Background(), time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), l.Frames())
}

func TestFatalRenderErrorEndsRun(t *testing.T) {
	lost := fmt.Errorf("device lost: %w", ErrFatal)
	cfg := DefaultConfig()
	cfg.TargetFPS = 1000
	w := ecs.NewWorld()
	sched := coresys.NewScheduler(nil)
	l, err := New(cfg, Deps{World: w, Scheduler: sched, Render: func(float64) error { return lost }}, nil)
	require.NoError(t, err)

	err = l.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFatal)
}

func TestStopBetweenFixedSteps(t *testing.T) {
	var l *Loop
	steps := 0
	stopper := coresys.NewFunc("stopper", coresys.PhaseFixed, func(*ecs.World, time.Duration) error {
		steps++
		if steps == 2 {
			l.Stop()
		}
		return nil
	})
	cfg := DefaultConfig()
	cfg.FixedDT = 10 * time.Millisecond
	l, _ = newTestLoop(t, cfg, stopper)

	_, err := l.Step(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, 2, steps, "the running step completes, no further step starts")
}

func TestContextCancellationStopsRun(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Headless = true
	cfg.TargetFPS = 1000
	ctx, cancel := context.WithCancel(context.Background())
	frames := 0
	counterSys := coresys.NewFunc("count", coresys.PhaseFrame, func(*ecs.World, time.Duration) error {
		frames++
		if frames == 3 {
			cancel()
		}
		return nil
	})
	l, _ := newTestLoop(t, cfg, counterSys)

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not observe cancellation")
	}
	assert.Equal(t, 3, frames)
}

func TestRunHonoursMaxFrames(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Headless = true
	cfg.TargetFPS = 1000
	cfg.MaxFrames = 4
	var dts []time.Duration
	rec := coresys.NewFunc("dt", coresys.PhaseFrame, func(_ *ecs.World, dt time.Duration) error {
		dts = append(dts, dt)
		return nil
	})
	l, _ := newTestLoop(t, cfg, rec)
	require.NoError(t, l.Run(context.Background()))
	assert.Len(t, dts, 4)
	for _, dt := range dts {
		assert.Equal(t, cfg.FrameInterval(), dt, "headless dt is synthesised")
	}
}

// Two loops fed the same inputs and frame deltas observe the same world
// states in their fixed phases.
func TestDeterministicFixedObservations(t *testing.T) {
	run := func() []string {
		w := ecs.NewWorld()
		e, err := w.SpawnWith(counter{})
		require.NoError(t, err)
		in := input.NewState()
		var seen []string
		sched := coresys.NewScheduler(nil)
		sched.MustRegister(coresys.NewFunc("sim", coresys.PhaseFixed, func(w *ecs.World, dt time.Duration) error {
			c, _ := ecs.GetMut[counter](w, e)
			if in.Snapshot().IsKeyPressed(input.KeySpace) {
				c.N += 10
			} else {
				c.N++
			}
			seen = append(seen, fmt.Sprintf("%d@%s", c.N, dt))
			return nil
		}))
		require.NoError(t, sched.Resolve())
		cfg := DefaultConfig()
		cfg.FixedDT = 5 * time.Millisecond
		l, err := New(cfg, Deps{World: w, Scheduler: sched, Input: in, Bus: event.NewBus()}, nil)
		require.NoError(t, err)

		for i, dt := range []time.Duration{7, 16, 3, 40, 12} {
			if i == 2 {
				in.PushEvent(input.KeyDown{Key: input.KeySpace})
			}
			if i == 4 {
				in.PushEvent(input.KeyUp{Key: input.KeySpace})
			}
			_, err := l.Step(context.Background(), dt*time.Millisecond)
			require.NoError(t, err)
		}
		return seen
	}
	first, second := run(), run()
	assert.NotEmpty(t, first)
	assert.Equal(t, first, second)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.FixedDT = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.MaxCatchupSteps = 0
	assert.Error(t, bad.Validate())

	_, err := New(cfg, Deps{}, nil)
	assert.Error(t, err)
}
