package engine

import "cryosuper/internal/engine/wire"

// Activation is the platform's three-state activation lifecycle
// (spec.md §4.8).
type Activation int

const (
	Off Activation = iota
	Starting
	On
)

func (a Activation) String() string {
	switch a {
	case Off:
		return "OFF"
	case Starting:
		return "STARTING"
	case On:
		return "ON"
	default:
		return "?"
	}
}

// ControlLaw holds the one piece of state the per-axis decision rule needs
// across ticks: nothing beyond what MotorShadow already tracks, since the
// rule is a pure function of the current measurement and the motor's last
// reported speed (spec.md §4.8).
type ControlLaw struct {
	Log func(format string, args ...any)
}

func NewControlLaw() *ControlLaw {
	return &ControlLaw{Log: func(string, ...any) {}}
}

// driveDirection implements the per-axis branch of spec.md §4.8's decision
// table: returns -1/0/+1 for the direction the damper should be ramped.
func driveDirection(cfg *Config, active Activation, pos, load float64, runningSpeed int32) int {
	switch {
	case load > cfg.LoadMax:
		return -1
	case load < cfg.LoadMin:
		return 1
	case pos < cfg.PositionNom-cfg.PositionTol && load < cfg.LoadMax-cfg.LoadTol:
		return 1
	case pos > cfg.PositionNom+cfg.PositionTol && load > cfg.LoadMin+cfg.LoadTol:
		return -1
	}

	switch {
	case runningSpeed > 0:
		if pos >= cfg.PositionNom || load >= cfg.LoadMax-cfg.LoadTol {
			return 0
		}
		return 1
	case runningSpeed < 0:
		if pos <= cfg.PositionNom || load <= cfg.LoadMin+cfg.LoadTol {
			return 0
		}
		return -1
	}

	if active == Starting {
		switch {
		case pos < cfg.PositionNom:
			return 1
		case pos > cfg.PositionNom:
			return -1
		}
	}
	return 0
}

// speedForPosition picks the speed tier by distance from nominal
// (spec.md §4.8).
func speedForPosition(cfg *Config, pos float64) int32 {
	d := pos - cfg.PositionNom
	if d < 0 {
		d = -d
	}
	switch {
	case d > cfg.PositionFast:
		return cfg.MotorFast
	case d > cfg.PositionTol:
		return cfg.MotorMed
	default:
		return cfg.MotorSlow
	}
}

// Step runs one tick of the control law across all three axes: computes
// each axis's drive direction and speed tier, applies the limit-switch
// gate, and issues RampMotor. It returns the first send error. Step itself
// only drives motors; the engine moves STARTING to ON once Step returns,
// per spec.md §4.8's "after all three axes are processed" rule.
func (cl *ControlLaw) Step(cfg *Config, active Activation, phys *PhysicalState, switches [NumLimitSwitches]LimitState, shadow *MotorShadow, send func(items ...wire.RequestItem) error) error {
	if active == Off {
		return nil
	}
	for axis := 0; axis < NumAxes; axis++ {
		drive := driveDirection(cfg, active, phys.DamperPosition[axis], phys.DamperLoad[axis], shadow.Motors[axis].CurrentSpeed)
		if LimitBlocksDrive(switches, axis, drive) {
			cl.Log("axis %d: drive %d blocked by limit switch", axis, drive)
			drive = 0
		}

		var target int32
		if drive != 0 {
			target = int32(drive) * speedForPosition(cfg, phys.DamperPosition[axis])
		}
		if err := shadow.RampMotor(axis, target, send); err != nil {
			return err
		}
	}
	return nil
}

// Activate implements spec.md §4.8's activation preconditions and sequence:
// slot 0 must be present and alive; each axis's motor position counter is
// seeded from the measured stage position and energized. It returns false,
// sending nothing, when slot 0 is not live. Broadcasting the activation to
// observers and moving the Activation on from Starting are left to the
// caller.
func Activate(cfg *Config, slots *SlotTable, phys *PhysicalState, shadow *MotorShadow, send func(items ...wire.RequestItem) error) (bool, error) {
	role0 := slots.Role(0)
	if role0.Liveness != LivenessOK {
		return false, nil
	}
	for axis := 0; axis < NumAxes; axis++ {
		steps := int64(phys.StagePosition[axis] * cfg.MotorStepsPerMM)
		if err := SeedPosition(axis, steps, send); err != nil {
			return false, err
		}
		if err := Energize(axis, send); err != nil {
			return false, err
		}
		shadow.Motors[axis].CurrentPosition = steps
	}
	return true, nil
}

// Deactivate implements the shutdown half of spec.md §4.8: halt every axis
// and let the caller reset Activation to Off.
func Deactivate(send func(items ...wire.RequestItem) error) error {
	return HaltAll(send)
}
