package engine

import "math"

// ADCSample is one Modbus response: eight raw 16-bit unsigned counts.
// Semantic assignment for this deployment (spec.md §3): 0..2 damper top
// positions, 3..5 stage top positions, 6 air pressure, 7 spare.
type ADCSample [NumADCChannels]uint16

// PhysicalState is the set of calibrated/derived quantities recomputed from
// one ADC sample (spec.md §3, §4.4). Never persisted across samples.
type PhysicalState struct {
	DamperPosition  [NumAxes]float64 // mm
	StagePosition   [NumAxes]float64 // mm
	AirPressure     float64          // hPa
	DamperLoad      [NumAxes]float64 // kg
	DamperAddWeight [NumAxes]float64 // kg
}

// damperLoadShareFraction returns damper i's fraction of the pressure-induced
// force, per spec.md §4.4 and the Open Question resolved in DESIGN.md:
// damper 0 sits nearest the offset pulse-tube bellow and takes
// (1 + 2*bellowPos/damperPos)/3 of the force; dampers 1 and 2 share
// (1 - bellowPos/damperPos)/3 each.
func damperLoadShareFraction(cfg *Config, axis int) float64 {
	ratio := cfg.BellowPos / cfg.DamperPos
	if axis == 0 {
		return (1 + 2*ratio) / 3
	}
	return (1 - ratio) / 3
}

// Derive converts one raw ADC sample into PhysicalState using the
// configured per-channel calibration tables and the load/pressure model of
// spec.md §4.4.
func Derive(cfg *Config, cal *CalibrationSet, sample ADCSample) PhysicalState {
	var st PhysicalState

	for axis := 0; axis < NumAxes; axis++ {
		st.DamperPosition[axis] = cal[axis].Apply(float64(sample[axis]))
		st.StagePosition[axis] = cal[axis+3].Apply(float64(sample[axis+3]))
	}
	st.AirPressure = cal[6].Apply(float64(sample[6]))

	bellowArea := math.Pi * cfg.BellowDia * cfg.BellowDia / 4 // cm^2
	pressureForceKg := (st.AirPressure - cfg.AirPressureNom) * bellowArea / (100 * cfg.Gravity)

	for axis := 0; axis < NumAxes; axis++ {
		st.DamperLoad[axis] = cfg.LoadNom + (st.StagePosition[axis]-st.DamperPosition[axis])*cfg.DamperForceConst
		frac := damperLoadShareFraction(cfg, axis)
		st.DamperAddWeight[axis] = (cfg.LoadNom - pressureForceKg*frac) - st.DamperLoad[axis]
	}
	return st
}
