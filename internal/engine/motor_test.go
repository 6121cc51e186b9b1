package engine

import (
	"testing"

	"cryosuper/internal/engine/wire"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectSend() (func(items ...wire.RequestItem) error, *[]string) {
	var lines []string
	return func(items ...wire.RequestItem) error {
		lines = append(lines, string(wire.Encode(items...)))
		return nil
	}, &lines
}

func TestRampMotorNoOpWhenAlreadyAtTarget(t *testing.T) {
	var shadow MotorShadow
	send, lines := collectSend()

	require.NoError(t, shadow.RampMotor(0, 0, send))
	assert.Empty(t, *lines)
}

func TestRampMotorStartsWithDirectionChangeWhenReversed(t *testing.T) {
	var shadow MotorShadow
	send, lines := collectSend()

	require.NoError(t, shadow.RampMotor(1, -500, send))
	require.Len(t, *lines, 1)
	assert.Equal(t, "c.m1 dir 1;c.m1 ramp 500\n", (*lines)[0])
	assert.Equal(t, int32(-500), shadow.Motors[1].TargetSpeed)
}

func TestRampMotorStartsFromStopNoDirChangeWhenAlreadyForward(t *testing.T) {
	var shadow MotorShadow
	send, lines := collectSend()

	require.NoError(t, shadow.RampMotor(1, 500, send))
	require.Len(t, *lines, 1)
	assert.Equal(t, "c.m1 ramp 500\n", (*lines)[0], "direction register already matches a fresh motor's default")
	assert.Equal(t, int32(500), shadow.Motors[1].TargetSpeed)
}

func TestRampMotorReversalStopsFirst(t *testing.T) {
	var shadow MotorShadow
	send, lines := collectSend()
	require.NoError(t, shadow.RampMotor(0, 300, send))
	*lines = nil

	require.NoError(t, shadow.RampMotor(0, -300, send))
	require.Len(t, *lines, 1)
	assert.Equal(t, "c.m0 ramp 0\n", (*lines)[0], "reversal must stop before reversing")
	assert.Equal(t, int32(0), shadow.Motors[0].TargetSpeed)
}

func TestRampMotorResumeAfterStopChangesDirectionFirst(t *testing.T) {
	var shadow MotorShadow
	send, lines := collectSend()
	require.NoError(t, shadow.RampMotor(0, 300, send))
	require.NoError(t, shadow.RampMotor(0, -300, send)) // now stopped, direction still 0
	*lines = nil

	require.NoError(t, shadow.RampMotor(0, -150, send))
	require.Len(t, *lines, 1)
	assert.Equal(t, "c.m0 dir 1;c.m0 ramp 150\n", (*lines)[0])
}

func TestRampMotorSameDirectionJustRamps(t *testing.T) {
	var shadow MotorShadow
	send, lines := collectSend()
	require.NoError(t, shadow.RampMotor(2, 200, send))
	*lines = nil

	require.NoError(t, shadow.RampMotor(2, 800, send))
	require.Len(t, *lines, 1)
	assert.Equal(t, "c.m2 ramp 800\n", (*lines)[0], "same-direction speed change needs no dir command")
}
