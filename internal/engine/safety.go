package engine

import (
	"math"

	"cryosuper/internal/engine/wire"
)

// LimitState is one limit switch's reading (spec.md §3).
type LimitState int

const (
	NotHit LimitState = iota
	Hit
)

// BadKind names the reason a poll was counted bad (spec.md §4.6 step 2).
type BadKind int

const (
	BadNone BadKind = iota
	BadAdam
	BadAVR0
)

// SafetySupervisor implements spec.md §4.7: the bad-poll counter, the
// motor/stage consistency check, and the limit-switch overrides. It holds
// no hardware handles of its own — every method takes what it needs and
// returns what happened so the engine can log and act.
type SafetySupervisor struct {
	badPolls int

	Log func(format string, args ...any)
}

func NewSafetySupervisor() *SafetySupervisor {
	return &SafetySupervisor{Log: func(string, ...any) {}}
}

// BadPolls returns the current consecutive-bad-poll count.
func (s *SafetySupervisor) BadPolls() int { return s.badPolls }

// ObserveBadKind updates the bad-poll counter for one tick's outcome
// (spec.md §4.6 step 2): BadNone resets it, anything else increments it.
func (s *SafetySupervisor) ObserveBadKind(kind BadKind) {
	if kind == BadNone {
		s.badPolls = 0
		return
	}
	s.badPolls++
}

// ShouldDeactivateForBadPolls reports whether the bad-poll count has
// reached the configured ceiling while active.
func (s *SafetySupervisor) ShouldDeactivateForBadPolls(cfg *Config, active bool) bool {
	return active && s.badPolls >= cfg.MaxBadPolls
}

// CheckMotorStageConsistency implements the invariant of spec.md §3/§8:
// the hardware-reported motor position must agree with the position
// derived from the measured stage within kMotorTol mm. Returns the axis
// index and true if a violation was found (the caller deactivates
// immediately; only the first violation found is reported per tick, which
// is sufficient since any one violation already forces full deactivation).
func (s *SafetySupervisor) CheckMotorStageConsistency(cfg *Config, shadow *MotorShadow, phys *PhysicalState) (axis int, violated bool) {
	for i := 0; i < NumAxes; i++ {
		haveMM := float64(shadow.Motors[i].CurrentPosition) / cfg.MotorStepsPerMM
		if math.Abs(haveMM-phys.StagePosition[i]) > cfg.MotorTolMM {
			return i, true
		}
	}
	return 0, false
}

// ParseLimitSwitches decodes a "g.OK VAL=bbbbbb…" response body into
// NumLimitSwitches states. A malformed line (missing "VAL=" or fewer than
// NumLimitSwitches bits) is fail-safe: every switch is reported HIT and ok
// is false, signaling the caller to issue c.halt (spec.md §4.7, §8).
func ParseLimitSwitches(body string) (states [NumLimitSwitches]LimitState, ok bool) {
	const prefix = "VAL="
	idx := -1
	for i := 0; i+len(prefix) <= len(body); i++ {
		if body[i:i+len(prefix)] == prefix {
			idx = i
			break
		}
	}
	if idx < 0 {
		return allHit(), false
	}
	bits := body[idx+len(prefix):]
	if len(bits) < NumLimitSwitches {
		return allHit(), false
	}
	for i := 0; i < NumLimitSwitches; i++ {
		if bits[i] == '1' {
			states[i] = Hit
		} else {
			states[i] = NotHit
		}
	}
	return states, true
}

func allHit() [NumLimitSwitches]LimitState {
	var s [NumLimitSwitches]LimitState
	for i := range s {
		s[i] = Hit
	}
	return s
}

// EnforceLimitSwitches implements the per-switch override of spec.md §4.7:
// if a switch is HIT and its axis's motor is currently reporting speed
// into the blocked direction (even index = top, blocks positive/upward;
// odd index = bottom, blocks negative/downward), it issues "c.mN halt" and
// logs. Runs every tick regardless of activation state.
func (s *SafetySupervisor) EnforceLimitSwitches(switches [NumLimitSwitches]LimitState, shadow *MotorShadow, send func(items ...wire.RequestItem) error) {
	for axis := 0; axis < NumAxes; axis++ {
		top := switches[2*axis]
		bottom := switches[2*axis+1]
		spd := shadow.Motors[axis].CurrentSpeed
		if top == Hit && spd > 0 {
			s.Log("axis %d: top limit hit while driving up, halting", axis)
			_ = HaltAxis(axis, send)
			shadow.Motors[axis].TargetSpeed = 0
			shadow.Motors[axis].Running = false
			continue
		}
		if bottom == Hit && spd < 0 {
			s.Log("axis %d: bottom limit hit while driving down, halting", axis)
			_ = HaltAxis(axis, send)
			shadow.Motors[axis].TargetSpeed = 0
			shadow.Motors[axis].Running = false
		}
	}
}

// LimitBlocksDrive reports whether the control law's chosen drive direction
// for an axis is blocked by that axis's limit switches (spec.md §4.8's
// "Apply the limit-switch gate").
func LimitBlocksDrive(switches [NumLimitSwitches]LimitState, axis int, drive int) bool {
	if drive > 0 && switches[2*axis] == Hit {
		return true
	}
	if drive < 0 && switches[2*axis+1] == Hit {
		return true
	}
	return false
}
