package engine

import (
	"fmt"

	"cryosuper/internal/engine/wire"
)

// Liveness is a controller slot's connectivity state.
type Liveness int

const (
	// LivenessAbsent means no device occupies the slot.
	LivenessAbsent Liveness = iota
	// LivenessUnknownSerial means a device occupies the slot but has not
	// yet identified itself (holding slot, awaiting first "ser" response).
	LivenessUnknownSerial
	// LivenessOK means the slot's device has identified and is responding.
	LivenessOK
)

// Transport is the opaque handle the identity registry uses to talk to a
// physical controller. internal/usbhub implements this over a claimed USB
// bulk interface; tests implement it in-process.
type Transport interface {
	Send(data []byte) error
	Close() error
}

// ControllerSlot is one entry of the identity registry (spec.md §3).
// Slot 0 owns motors and limit switches; slot 1 is reserved; slots >= 2 are
// holding positions for not-yet-identified devices.
type ControllerSlot struct {
	Index          int
	ExpectedSerial string // only set for role slots 0 and 1
	CurrentSerial  string
	Transport      Transport
	Liveness       Liveness
	PolledThisTick bool // cleared each tick, set when a response for this slot arrives

	pendingForeignRelease bool // true once z.wdt 0 sent to a foreign device, awaiting z response
}

// SlotTable is the device identity registry (C1). At most one physical
// device occupies one slot; after identification every role slot 0..1
// refers to at most one device.
type SlotTable struct {
	roles   [2]*ControllerSlot
	holding map[int]*ControllerSlot
	byTr    map[Transport]*ControllerSlot
	nextIdx int

	Log func(format string, args ...any)
}

// NewSlotTable builds an identity registry with the given expected role
// serials (spec.md §3).
func NewSlotTable(expectedSerial [2]string) *SlotTable {
	t := &SlotTable{
		holding: make(map[int]*ControllerSlot),
		byTr:    make(map[Transport]*ControllerSlot),
		nextIdx: 2,
		Log:     func(string, ...any) {},
	}
	for i := range t.roles {
		t.roles[i] = &ControllerSlot{Index: i, ExpectedSerial: expectedSerial[i], Liveness: LivenessAbsent}
	}
	return t
}

// Attach handles a USB device appearing that matches the controller
// VID/PID. It allocates a holding slot and emits the discovery request.
// Open/claim failures are the caller's (usbhub's) concern — by the time
// Attach is called the transport is already open.
func (t *SlotTable) Attach(tr Transport) *ControllerSlot {
	idx := t.nextIdx
	t.nextIdx++
	slot := &ControllerSlot{Index: idx, Transport: tr, Liveness: LivenessUnknownSerial}
	t.holding[idx] = slot
	t.byTr[tr] = slot

	if err := tr.Send(wire.Encode(
		wire.RequestItem{ID: 'a', Cmd: "ser"},
		wire.RequestItem{ID: 'b', Cmd: "ver"},
	)); err != nil {
		t.Log("slot %d: discovery send failed, forgetting device: %v", idx, err)
		t.forget(slot)
		return nil
	}
	return slot
}

// Identify handles an "a.OK <serial>" response. If the serial matches a
// role slot's expected serial, the device is re-homed there; otherwise its
// watchdog is disabled and the holding slot is released once it
// acknowledges.
func (t *SlotTable) Identify(holdingSlot *ControllerSlot, serial string) {
	holdingSlot.CurrentSerial = serial

	roleIdx := -1
	for i, role := range t.roles {
		if role.ExpectedSerial == serial {
			roleIdx = i
			break
		}
	}

	if roleIdx < 0 {
		t.Log("slot %d: unrecognized serial %q, disabling watchdog", holdingSlot.Index, serial)
		if err := holdingSlot.Transport.Send(wire.Encode(wire.RequestItem{ID: 'z', Cmd: "wdt 0"})); err != nil {
			t.Log("slot %d: watchdog-disable send failed: %v", holdingSlot.Index, err)
			t.forget(holdingSlot)
			return
		}
		holdingSlot.pendingForeignRelease = true
		return
	}

	role := t.roles[roleIdx]
	if role.Liveness != LivenessAbsent && role.Transport != holdingSlot.Transport {
		t.Log("slot %d: collision — role slot %d already occupied by a different device", holdingSlot.Index, roleIdx)
		delete(t.byTr, role.Transport)
		if role.Transport != nil {
			_ = role.Transport.Close()
		}
	}

	role.Transport = holdingSlot.Transport
	role.CurrentSerial = serial
	role.Liveness = LivenessOK
	role.PolledThisTick = false
	t.byTr[role.Transport] = role

	delete(t.holding, holdingSlot.Index)
	delete(t.byTr, holdingSlot.Transport)
	if t.byTr[role.Transport] != role {
		t.byTr[role.Transport] = role
	}
}

// ForeignAcknowledged handles the "z.OK"/"z.BAD" response to a watchdog
// disable sent to a foreign device, releasing its holding slot.
func (t *SlotTable) ForeignAcknowledged(holdingSlot *ControllerSlot) {
	if !holdingSlot.pendingForeignRelease {
		return
	}
	t.forget(holdingSlot)
}

// Detach releases the slot owned by the given transport, if any.
func (t *SlotTable) Detach(tr Transport) {
	slot, ok := t.byTr[tr]
	if !ok {
		t.Log("detach of unknown device handle ignored")
		return
	}
	for i := range t.roles {
		if t.roles[i] == slot {
			t.roles[i].Transport = nil
			t.roles[i].CurrentSerial = ""
			t.roles[i].Liveness = LivenessAbsent
			delete(t.byTr, tr)
			return
		}
	}
	t.forget(slot)
}

func (t *SlotTable) forget(slot *ControllerSlot) {
	delete(t.holding, slot.Index)
	if slot.Transport != nil {
		delete(t.byTr, slot.Transport)
	}
}

// Role returns role slot i (0 or 1).
func (t *SlotTable) Role(i int) *ControllerSlot { return t.roles[i] }

// Holding returns the current set of holding (unidentified) slots.
func (t *SlotTable) Holding() []*ControllerSlot {
	out := make([]*ControllerSlot, 0, len(t.holding))
	for _, s := range t.holding {
		out = append(out, s)
	}
	return out
}

// BySlot resolves a transport back to its owning slot (role or holding).
func (t *SlotTable) BySlot(tr Transport) (*ControllerSlot, bool) {
	s, ok := t.byTr[tr]
	return s, ok
}

// FoundCount is the number of occupied role slots.
func (t *SlotTable) FoundCount() int {
	n := 0
	for _, r := range t.roles {
		if r.Liveness != LivenessAbsent {
			n++
		}
	}
	return n
}

// ClearTickFlags clears every occupied slot's per-tick liveness flag, step 4
// of the polling scheduler (spec.md §4.6).
func (t *SlotTable) ClearTickFlags() {
	for _, r := range t.roles {
		r.PolledThisTick = false
	}
	for _, h := range t.holding {
		h.PolledThisTick = false
	}
}

// MarkAlive records that a well-formed response was observed for the slot
// owning tr, per spec.md §4.2's parser contract (BAD counts as alive too).
func (t *SlotTable) MarkAlive(tr Transport) {
	if s, ok := t.byTr[tr]; ok {
		s.PolledThisTick = true
	}
}

func (s *ControllerSlot) String() string {
	return fmt.Sprintf("slot[%d serial=%s liveness=%d]", s.Index, s.CurrentSerial, s.Liveness)
}
