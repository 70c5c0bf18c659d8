package system

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/longhorn/engine/internal/core/ecs"
)

func recorder(log *[]string, name string, phase Phase, after ...string) *Func {
	return NewFunc(name, phase, func(*ecs.World, time.Duration) error {
		*log = append(*log, name)
		return nil
	}, after...)
}

func names(systems []System) []string {
	out := make([]string, len(systems))
	for i, s := range systems {
		out[i] = s.Name()
	}
	return out
}

func TestResolveKeepsInsertionOrderForIndependentSystems(t *testing.T) {
	var log []string
	s := NewScheduler(nil)
	s.MustRegister(
		recorder(&log, "a", PhaseFrame),
		recorder(&log, "b", PhaseFrame),
		recorder(&log, "c", PhaseFrame),
	)
	require.NoError(t, s.Resolve())
	assert.Equal(t, []string{"a", "b", "c"}, names(s.Systems(PhaseFrame)))
}

func TestResolveHonoursDependencies(t *testing.T) {
	var log []string
	s := NewScheduler(nil)
	s.MustRegister(
		recorder(&log, "render-prep", PhaseFrame, "physics"),
		recorder(&log, "ai", PhaseFrame),
		recorder(&log, "physics", PhaseFrame, "ai"),
		recorder(&log, "snapshot", PhaseFixed),
		recorder(&log, "extract", PhaseRender, "physics"),
	)
	require.NoError(t, s.Resolve())
	assert.Equal(t, []string{"ai", "physics", "render-prep"}, names(s.Systems(PhaseFrame)))
	assert.Equal(t, []string{"snapshot"}, names(s.Systems(PhaseFixed)))
	assert.Equal(t, []string{"extract"}, names(s.Systems(PhaseRender)))

	require.NoError(t, s.RunPhase(PhaseFrame, ecs.NewWorld(), time.Millisecond))
	assert.Equal(t, []string{"ai", "physics", "render-prep"}, log)
}

func TestResolveRejectsCycle(t *testing.T) {
	var log []string
	s := NewScheduler(nil)
	s.MustRegister(
		recorder(&log, "a", PhaseFixed, "c"),
		recorder(&log, "b", PhaseFixed, "a"),
		recorder(&log, "c", PhaseFixed, "b"),
	)
	err := s.Resolve()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDependencyCycle)
	assert.False(t, s.Resolved())
	assert.ErrorIs(t, s.RunPhase(PhaseFixed, ecs.NewWorld(), 0), ErrUnresolved)
}

func TestResolveRejectsUnknownDependency(t *testing.T) {
	var log []string
	s := NewScheduler(nil)
	s.MustRegister(recorder(&log, "a", PhaseFrame, "ghost"))
	assert.ErrorIs(t, s.Resolve(), ErrUnknownDependency)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	var log []string
	s := NewScheduler(nil)
	require.NoError(t, s.Register(recorder(&log, "a", PhaseFrame)))
	assert.ErrorIs(t, s.Register(recorder(&log, "a", PhaseFixed)), ErrDuplicateSystem)
}

func TestRunPhaseStopsAtFirstError(t *testing.T) {
	var log []string
	boom := errors.New("boom")
	s := NewScheduler(nil)
	s.MustRegister(
		recorder(&log, "a", PhaseFrame),
		NewFunc("fails", PhaseFrame, func(*ecs.World, time.Duration) error { return boom }),
		recorder(&log, "c", PhaseFrame),
	)
	require.NoError(t, s.Resolve())
	err := s.RunPhase(PhaseFrame, ecs.NewWorld(), 0)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "fails")
	assert.Equal(t, []string{"a"}, log)
}

func TestParsePhase(t *testing.T) {
	for _, p := range []Phase{PhaseFixed, PhaseFrame, PhaseRender} {
		got, err := ParsePhase(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := ParsePhase("late")
	assert.Error(t, err)
}
