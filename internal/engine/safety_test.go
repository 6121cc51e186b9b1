package engine

import (
	"testing"

	"cryosuper/internal/engine/wire"

	"github.com/stretchr/testify/assert"
)

func TestBadPollEscalationDeactivatesAfterThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBadPolls = 3
	s := NewSafetySupervisor()

	for i := 0; i < cfg.MaxBadPolls-1; i++ {
		s.ObserveBadKind(BadAdam)
		assert.False(t, s.ShouldDeactivateForBadPolls(&cfg, true), "not yet at threshold")
	}
	s.ObserveBadKind(BadAdam)
	assert.True(t, s.ShouldDeactivateForBadPolls(&cfg, true))
}

func TestBadPollCounterResetsOnGoodPoll(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBadPolls = 3
	s := NewSafetySupervisor()
	s.ObserveBadKind(BadAdam)
	s.ObserveBadKind(BadAdam)
	s.ObserveBadKind(BadNone)
	assert.Equal(t, 0, s.BadPolls())
	assert.False(t, s.ShouldDeactivateForBadPolls(&cfg, true))
}

func TestCheckMotorStageConsistency(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MotorStepsPerMM = 100
	cfg.MotorTolMM = 0.5
	s := NewSafetySupervisor()

	var shadow MotorShadow
	shadow.Motors[1].CurrentPosition = 100 // 1.0mm
	var phys PhysicalState
	phys.StagePosition[1] = 1.0

	_, violated := s.CheckMotorStageConsistency(&cfg, &shadow, &phys)
	assert.False(t, violated)

	phys.StagePosition[1] = 2.0 // 1mm divergence > tolerance
	axis, violated := s.CheckMotorStageConsistency(&cfg, &shadow, &phys)
	assert.True(t, violated)
	assert.Equal(t, 1, axis)
}

func TestParseLimitSwitchesWellFormed(t *testing.T) {
	states, ok := ParseLimitSwitches("VAL=101010")
	assert.True(t, ok)
	assert.Equal(t, [NumLimitSwitches]LimitState{Hit, NotHit, Hit, NotHit, Hit, NotHit}, states)
}

func TestParseLimitSwitchesMalformedIsFailSafe(t *testing.T) {
	states, ok := ParseLimitSwitches("garbage")
	assert.False(t, ok)
	for _, st := range states {
		assert.Equal(t, Hit, st, "every switch reports HIT on a malformed poll")
	}

	states, ok = ParseLimitSwitches("VAL=101")
	assert.False(t, ok, "too few bits is also malformed")
	for _, st := range states {
		assert.Equal(t, Hit, st)
	}
}

func TestEnforceLimitSwitchesHaltsIntoBlockedDirection(t *testing.T) {
	s := NewSafetySupervisor()
	var shadow MotorShadow
	shadow.Motors[0].CurrentSpeed = 200 // driving up
	shadow.Motors[0].TargetSpeed = 200
	shadow.Motors[0].Running = true

	var switches [NumLimitSwitches]LimitState
	switches[0] = Hit // axis 0 top switch

	var lines []string
	send := func(items ...wire.RequestItem) error {
		lines = append(lines, string(wire.Encode(items...)))
		return nil
	}

	s.EnforceLimitSwitches(switches, &shadow, send)

	assert.Equal(t, []string{"c.m0 halt\n"}, lines)
	assert.Equal(t, int32(0), shadow.Motors[0].TargetSpeed)
	assert.False(t, shadow.Motors[0].Running)
}

func TestEnforceLimitSwitchesDoesNotBlockMovingAway(t *testing.T) {
	s := NewSafetySupervisor()
	var shadow MotorShadow
	shadow.Motors[0].CurrentSpeed = -200 // driving down, away from the top switch

	var switches [NumLimitSwitches]LimitState
	switches[0] = Hit

	var lines []string
	send := func(items ...wire.RequestItem) error {
		lines = append(lines, string(wire.Encode(items...)))
		return nil
	}

	s.EnforceLimitSwitches(switches, &shadow, send)
	assert.Empty(t, lines)
}
