package engine

import (
	"testing"

	"cryosuper/internal/engine/wire"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCfg() Config {
	cfg := DefaultConfig()
	cfg.PositionNom = 1.0
	cfg.PositionTol = 0.1
	cfg.PositionFast = 0.4
	cfg.LoadNom = 45
	cfg.LoadMin = 40
	cfg.LoadMax = 50
	cfg.LoadTol = 2
	return cfg
}

func TestDriveDirectionOverloadAndUnderload(t *testing.T) {
	cfg := testCfg()
	assert.Equal(t, -1, driveDirection(&cfg, On, 1.0, 51, 0), "over LoadMax drives down regardless of position")
	assert.Equal(t, 1, driveDirection(&cfg, On, 1.0, 39, 0), "under LoadMin drives up regardless of position")
}

func TestDriveDirectionPositionLowAndHigh(t *testing.T) {
	cfg := testCfg()
	assert.Equal(t, 1, driveDirection(&cfg, On, 0.5, 45, 0), "below nominal-tol with headroom drives up")
	assert.Equal(t, -1, driveDirection(&cfg, On, 1.5, 45, 0), "above nominal+tol with load above min+tol drives down")
}

func TestDriveDirectionContinueUpStopsAtNominal(t *testing.T) {
	cfg := testCfg()
	// already driving up (runningSpeed>0): continues until pos reaches nominal
	assert.Equal(t, 1, driveDirection(&cfg, On, 0.95, 45, 100))
	assert.Equal(t, 0, driveDirection(&cfg, On, 1.0, 45, 100), "stops once at or above nominal")
	assert.Equal(t, 0, driveDirection(&cfg, On, 0.5, 49, 100), "stops when load nears max even below nominal")
}

func TestDriveDirectionContinueDownStopsAtNominal(t *testing.T) {
	cfg := testCfg()
	assert.Equal(t, -1, driveDirection(&cfg, On, 1.05, 45, -100))
	assert.Equal(t, 0, driveDirection(&cfg, On, 1.0, 45, -100), "stops once at or below nominal")
}

func TestDriveDirectionStartingPicksTowardNominal(t *testing.T) {
	cfg := testCfg()
	assert.Equal(t, 1, driveDirection(&cfg, Starting, 0.8, 45, 0))
	assert.Equal(t, -1, driveDirection(&cfg, Starting, 1.2, 45, 0))
	assert.Equal(t, 0, driveDirection(&cfg, Starting, 1.0, 45, 0))
}

func TestDriveDirectionWithinBandIsIdle(t *testing.T) {
	cfg := testCfg()
	assert.Equal(t, 0, driveDirection(&cfg, On, 1.0, 45, 0))
}

func TestSpeedForPositionTiers(t *testing.T) {
	cfg := testCfg()
	assert.Equal(t, cfg.MotorSlow, speedForPosition(&cfg, 1.0))
	assert.Equal(t, cfg.MotorMed, speedForPosition(&cfg, 0.8))
	assert.Equal(t, cfg.MotorFast, speedForPosition(&cfg, 0.5))
}

func TestControlLawStepBlockedByLimitSwitch(t *testing.T) {
	cfg := testCfg()
	cl := NewControlLaw()
	var shadow MotorShadow
	var phys PhysicalState
	phys.DamperPosition = [NumAxes]float64{0.5, 0.5, 1.0}
	phys.DamperLoad = [NumAxes]float64{45, 45, 45}

	var switches [NumLimitSwitches]LimitState
	switches[0] = Hit // axis 0's top switch blocks its upward drive

	var lines []string
	send := func(items ...wire.RequestItem) error {
		lines = append(lines, string(wire.Encode(items...)))
		return nil
	}

	require.NoError(t, cl.Step(&cfg, On, &phys, switches, &shadow, send))

	assert.Equal(t, int32(0), shadow.Motors[0].TargetSpeed, "axis 0's upward drive is blocked by its limit switch")
	assert.NotEqual(t, int32(0), shadow.Motors[1].TargetSpeed, "axis 1 is unaffected")
}

func TestControlLawStepNoOpWhenOff(t *testing.T) {
	cfg := testCfg()
	cl := NewControlLaw()
	var shadow MotorShadow
	var phys PhysicalState
	var switches [NumLimitSwitches]LimitState

	called := false
	send := func(items ...wire.RequestItem) error {
		called = true
		return nil
	}

	require.NoError(t, cl.Step(&cfg, Off, &phys, switches, &shadow, send))
	assert.False(t, called, "the control law never drives motors while Off")
}
