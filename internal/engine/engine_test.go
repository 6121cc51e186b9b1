package engine

import (
	"testing"

	"cryosuper/internal/engine/wire"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// linesOf re-renders a fakeTransport's sent frames (see slots_test.go) as
// strings for assertions against wire.Encode's output.
func linesOf(tr *fakeTransport) []string {
	out := make([]string, len(tr.sent))
	for i, w := range tr.sent {
		out[i] = string(w)
	}
	return out
}

func newTestEngine(t *testing.T) (*Engine, *fakeTransport) {
	cfg := DefaultConfig()
	cal, err := BuildCalibrationSet(&cfg)
	require.NoError(t, err)
	e := NewEngine(&cfg, cal)

	tr := &fakeTransport{}
	slot := e.Slots.Attach(tr)
	require.NotNil(t, slot)
	e.Slots.Identify(slot, cfg.ExpectedSerial[0])
	require.Equal(t, LivenessOK, e.Slots.Role(0).Liveness)
	return e, tr
}

func TestTickSendsScheduledPollToRole0(t *testing.T) {
	e, tr := newTestEngine(t)
	tr.sent = nil // discard the discovery exchange from Attach

	e.Tick(1000)

	require.NotEmpty(t, tr.sent)
	assert.Contains(t, linesOf(tr), string(wire.Encode(
		wire.RequestItem{ID: 'f', Cmd: "m0;m1;m2"},
		wire.RequestItem{ID: 'g', Cmd: "pa0-5"},
	)))
}

func TestTickSendsNopToRole1(t *testing.T) {
	cfg := DefaultConfig()
	cal, err := BuildCalibrationSet(&cfg)
	require.NoError(t, err)
	e := NewEngine(&cfg, cal)

	tr := &fakeTransport{}
	slot := e.Slots.Attach(tr)
	e.Slots.Identify(slot, cfg.ExpectedSerial[1])
	tr.sent = nil

	e.Tick(1000)
	assert.Contains(t, linesOf(tr), string(wire.Encode(wire.RequestItem{ID: 'c', Cmd: "nop"})))
}

func TestTickSendsDiscoveryToHoldingSlots(t *testing.T) {
	e, _ := newTestEngine(t)

	holding := &fakeTransport{}
	e.Slots.Attach(holding) // discovery already sent once here
	holding.sent = nil

	e.Tick(1000)
	assert.Contains(t, linesOf(holding), string(wire.Encode(
		wire.RequestItem{ID: 'a', Cmd: "ser"},
		wire.RequestItem{ID: 'b', Cmd: "ver"},
	)))
}

func TestTickBroadcastsEmptyMarkerWhileAdamNotOK(t *testing.T) {
	e, _ := newTestEngine(t)
	require.Equal(t, AdamNotConnected, e.Adam.State())

	var lines []string
	obs := &Observer{Address: "127.0.0.1", Send: func(line string) error {
		lines = append(lines, line)
		return nil
	}}
	require.True(t, e.Hub.Register(e.Config, obs))

	e.Tick(1000) // fullPoll toggles true
	e.Tick(2000) // fullPoll toggles false, no broadcast
	e.Tick(3000) // fullPoll toggles true again

	var fullPollLines []string
	for _, l := range lines {
		if len(l) > 0 && l[0] == TagFullPoll {
			fullPollLines = append(fullPollLines, l)
		}
	}
	require.Equal(t, []string{"F 1", "F 3"}, fullPollLines, "each fullPoll tick while ADC is unhealthy gets exactly one empty marker")
}

func TestActivationLifecycleViaRequestActivate(t *testing.T) {
	e, _ := newTestEngine(t)
	assert.Equal(t, Off, e.Active)

	e.RequestActivate()
	assert.Equal(t, Starting, e.Active)

	e.Tick(1000)
	assert.Equal(t, On, e.Active, "activation completes the tick after slot 0 is live")
}

func TestRequestDeactivateReturnsToOff(t *testing.T) {
	e, _ := newTestEngine(t)
	e.RequestActivate()
	e.Tick(1000)
	require.Equal(t, On, e.Active)

	e.RequestDeactivate()
	assert.Equal(t, Off, e.Active)
}

func TestSpeedChangeBroadcastOnlyWhenBothRoleSlotsPresent(t *testing.T) {
	e, _ := newTestEngine(t)

	var lines []string
	obs := &Observer{Address: "127.0.0.1", Send: func(line string) error {
		lines = append(lines, line)
		return nil
	}}
	require.True(t, e.Hub.Register(e.Config, obs))

	e.Tick(1000)
	for _, l := range lines {
		assert.NotEqual(t, byte(TagSpeeds), l[0], "role slot 1 is absent, speeds are not broadcast")
	}
}
