package engine

import (
	"fmt"

	"cryosuper/internal/engine/wire"
)

// MotorState is the server-side shadow of one axis's motor (spec.md §3).
type MotorState struct {
	TargetSpeed     int32 // last speed this server commanded (signed steps/s)
	CurrentSpeed    int32 // last speed reported by the device (f. response)
	CurrentPosition int64 // last position reported by the device, steps
	Direction       int   // last direction bit sent (0 or 1)
	Running         bool
}

// MotorShadow tracks all three axes' motor state and implements the
// RampMotor contract of spec.md §4.5.
type MotorShadow struct {
	Motors [NumAxes]MotorState
}

func directionBit(spd int32) int {
	if spd < 0 {
		return 1
	}
	return 0
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

// RampMotor implements spec.md §4.5's decision rules: no-op if already at
// the requested speed; stop first on a sign reversal; change direction
// before ramping away from a stop; otherwise issue a ramp, prefixed by a
// direction-change command only when required. send is given the wire
// items to write to the axis's controller slot (slot 0) in one line.
func (m *MotorShadow) RampMotor(axis int, spd int32, send func(items ...wire.RequestItem) error) error {
	st := &m.Motors[axis]
	if st.TargetSpeed == spd {
		return nil
	}

	motorID := byte('0' + axis)

	if st.TargetSpeed != 0 && spd != 0 && directionBit(st.TargetSpeed) != directionBit(spd) {
		if err := send(wire.RequestItem{ID: 'c', Cmd: fmt.Sprintf("m%c ramp 0", motorID)}); err != nil {
			return err
		}
		st.TargetSpeed = 0
		st.Running = false
		return nil
	}

	var items []wire.RequestItem
	if st.TargetSpeed == 0 && spd != 0 {
		want := directionBit(spd)
		if st.Direction != want {
			items = append(items, wire.RequestItem{ID: 'c', Cmd: fmt.Sprintf("m%c dir %d", motorID, want)})
			st.Direction = want
		}
	}
	items = append(items, wire.RequestItem{ID: 'c', Cmd: fmt.Sprintf("m%c ramp %d", motorID, abs32(spd))})
	if err := send(items...); err != nil {
		return err
	}
	st.TargetSpeed = spd
	st.Running = spd != 0
	return nil
}

// HaltAll issues "c.halt", the all-stop used by the safety supervisor and
// on deactivation (spec.md §4.7, §4.8).
func HaltAll(send func(items ...wire.RequestItem) error) error {
	return send(wire.RequestItem{ID: 'c', Cmd: "halt"})
}

// HaltAxis issues "c.mN halt", the per-switch override used when a motor
// drives into an engaged limit switch (spec.md §4.7).
func HaltAxis(axis int, send func(items ...wire.RequestItem) error) error {
	return send(wire.RequestItem{ID: 'c', Cmd: fmt.Sprintf("m%c halt", byte('0'+axis))})
}

// SeedPosition writes the device's position counter to align with a
// measured stage position on activation (spec.md §4.8).
func SeedPosition(axis int, steps int64, send func(items ...wire.RequestItem) error) error {
	return send(wire.RequestItem{ID: 'c', Cmd: fmt.Sprintf("m%c pos %d", byte('0'+axis), steps)})
}

// Energize sends "mN on 1" to energize an axis's windings on activation.
func Energize(axis int, send func(items ...wire.RequestItem) error) error {
	return send(wire.RequestItem{ID: 'c', Cmd: fmt.Sprintf("m%c on 1", byte('0'+axis))})
}

// UpdateFeedback applies an "f.mN SPD=… POS=…" response to the shadow.
func (m *MotorShadow) UpdateFeedback(axis int, speed int32, position int64) {
	st := &m.Motors[axis]
	st.CurrentSpeed = speed
	st.CurrentPosition = position
	st.Running = speed != 0
}

// Speeds returns the three axes' reported speeds for the structured
// fullPoll broadcast comparison (DESIGN.md Open Question 3).
func (m *MotorShadow) Speeds() [NumAxes]int32 {
	var out [NumAxes]int32
	for i, st := range m.Motors {
		out[i] = st.CurrentSpeed
	}
	return out
}
