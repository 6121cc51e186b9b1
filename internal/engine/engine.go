package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cryosuper/internal/engine/wire"
)

// AttachEvent and DetachEvent carry USB hotplug notifications from
// internal/usbhub into the engine's event loop.
type AttachEvent struct {
	Transport Transport
}

type DetachEvent struct {
	Transport Transport
}

// USBDataEvent carries bytes read from a claimed USB bulk-in endpoint.
type USBDataEvent struct {
	Transport Transport
	Data      []byte
}

// AdamDataEvent carries bytes read from the ADC TCP socket.
type AdamDataEvent struct {
	Data []byte
}

// AdamErrorEvent carries a socket-level failure on the ADC connection.
type AdamErrorEvent struct {
	Err error
}

// ObserverConnectEvent/ObserverDisconnectEvent/ObserverCommandEvent carry
// WebSocket lifecycle and inbound command notifications from
// internal/wsobserver.
type ObserverConnectEvent struct {
	Observer *Observer
}

type ObserverDisconnectEvent struct {
	Observer *Observer
}

type ObserverCommandEvent struct {
	Observer *Observer
	Line     string
}

// Engine is the single owner of every piece of mutable supervisory state
// (spec.md §5): the identity registry, ADC client, motor shadow, safety
// supervisor, control law and history ring are all touched only from the
// goroutine running Run. The observer hub is the exception: it carries its
// own lock, and the log sink broadcasts through it from any goroutine.
// Every other goroutine (USB readers,
// the ADC reader, the WebSocket accept loop) only ever pushes events onto
// Events; it never reaches into Engine's fields directly.
type Engine struct {
	Config *Config

	Slots   *SlotTable
	Adam    *AdamClient
	Shadow  *MotorShadow
	Safety  *SafetySupervisor
	Control *ControlLaw
	Cal     *CalibrationSet
	History *HistoryRing
	Hub     *ObserverHub

	Active      Activation
	switches    [NumLimitSwitches]LimitState
	lastPhys    PhysicalState
	parsers     map[Transport]*wire.Parser
	fullPoll    bool
	lastSpeeds  [NumAxes]int32
	speedsKnown bool

	Events chan any

	Log func(format string, args ...any)
}

// NewEngine wires up a fresh Engine from a loaded, validated Config.
func NewEngine(cfg *Config, cal *CalibrationSet) *Engine {
	noop := func(string, ...any) {}
	e := &Engine{
		Config:  cfg,
		Slots:   NewSlotTable(cfg.ExpectedSerial),
		Adam:    NewAdamClient(cfg.AdamAddr, nil),
		Shadow:  &MotorShadow{},
		Safety:  NewSafetySupervisor(),
		Control: NewControlLaw(),
		Cal:     cal,
		History: NewHistoryRing(cfg.HistoryCapacity),
		Hub:     NewObserverHub(),
		parsers: make(map[Transport]*wire.Parser),
		Log:     noop,
	}
	for i := range e.switches {
		e.switches[i] = Hit
	}
	return e
}

// Run is the engine's event loop (spec.md §5, §4.6). It owns all mutable
// state; nowMS is supplied by the caller (cmd/cryosuperd) rather than
// called from time.Now() directly here, so the tick body stays
// deterministic and unit-testable via Tick.
func (e *Engine) Run(ctx context.Context, nowMS func() int64) {
	ticker := time.NewTicker(e.Config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(nowMS())
		case ev := <-e.Events:
			e.handleEvent(ev)
		}
	}
}

func (e *Engine) handleEvent(ev any) {
	switch v := ev.(type) {
	case AttachEvent:
		e.Slots.Attach(v.Transport)
		e.parsers[v.Transport] = &wire.Parser{}
	case DetachEvent:
		e.Slots.Detach(v.Transport)
		delete(e.parsers, v.Transport)
	case USBDataEvent:
		e.handleUSBData(v.Transport, v.Data)
	case AdamDataEvent:
		e.handleAdamData(v.Data)
	case AdamErrorEvent:
		e.Adam.HandleSocketError(v.Err)
	case ObserverConnectEvent:
		if !e.Hub.Register(e.Config, v.Observer) {
			return
		}
		OnConnect(v.Observer, "cryosuper supervisory server", e.Active, e.Shadow.Speeds(), e.History.Replay())
	case ObserverDisconnectEvent:
		e.Hub.Unregister(v.Observer)
	case ObserverCommandEvent:
		e.handleObserverCommand(v.Observer, v.Line)
	}
}

func (e *Engine) handleObserverCommand(o *Observer, line string) {
	if !authorized(e.Config.AllowList, o.Address) {
		_ = o.Send("not authorized")
		return
	}
	ctx := &CommandContext{
		Config:    e.Config,
		Active:    e.Active,
		Shadow:    e.Shadow,
		History:   e.History,
		Slots:     e.Slots,
		Observers: e.Hub.List(),
		SetVerbose: func(o *Observer, v bool) {
			o.Verbose = v
		},
		SetName: func(o *Observer, name string) {
			o.DisplayName = name
		},
		Activate:   e.RequestActivate,
		Deactivate: e.RequestDeactivate,
		SendRaw: func(roleIndex int, raw string) error {
			role := e.Slots.Role(roleIndex)
			return e.sendToTransport(role.Transport)(wire.RequestItem{ID: 'e', Cmd: raw})
		},
	}
	for _, line := range Dispatch(ctx, o, ParseCommand(line)) {
		_ = o.Send(line)
	}
}

// sendToTransport encodes wire items and writes them to a transport,
// logging (rather than panicking) on failure, matching spec.md §7's rule
// that a single controller's failure degrades that slot, not the server.
func (e *Engine) sendToTransport(tr Transport) func(items ...wire.RequestItem) error {
	return func(items ...wire.RequestItem) error {
		if tr == nil {
			return nil
		}
		if err := tr.Send(wire.Encode(items...)); err != nil {
			e.Log("send failed: %v", err)
			return err
		}
		return nil
	}
}

func (e *Engine) handleUSBData(tr Transport, data []byte) {
	p, ok := e.parsers[tr]
	if !ok {
		p = &wire.Parser{}
		e.parsers[tr] = p
	}
	for _, resp := range p.Parse(data) {
		e.Slots.MarkAlive(tr)
		e.handleResponse(tr, resp)
	}
}

func (e *Engine) handleResponse(tr Transport, resp wire.Response) {
	slot, ok := e.Slots.BySlot(tr)
	if !ok {
		return
	}

	switch resp.ID {
	case 'a':
		if resp.Status == wire.StatusOK {
			e.Slots.Identify(slot, resp.Body)
		}
	case 'z':
		e.Slots.ForeignAcknowledged(slot)
	case 'g':
		if slot.Index != 0 {
			return
		}
		states, ok := ParseLimitSwitches(resp.Body)
		e.switches = states
		if !ok {
			e.Log("slot 0: malformed limit-switch poll, fail-safe halt")
			_ = HaltAll(e.sendToTransport(tr))
		}
	case 'f':
		if slot.Index != 0 {
			return
		}
		e.handleMotorFeedback(resp.Body)
	}
}

// handleAdamData processes bytes arriving on the ADC socket: at most one
// response is ever in flight, so the engine hands the full buffer to the
// ADC client and, if it forms a complete frame, derives PhysicalState. The
// history append and live broadcast of that state happen on the next
// fullPoll Tick.
func (e *Engine) handleAdamData(data []byte) {
	sample, ok := e.Adam.HandleResponse(data)
	if !ok {
		return
	}
	e.lastPhys = Derive(e.Config, e.Cal, sample)
}

// Tick runs one 80ms scheduler period (spec.md §4.6): ADC state advance,
// bad-poll tracking, safety checks, control law, and (on the toggled
// fullPoll half of the period) the live broadcast and history append.
func (e *Engine) Tick(nowMS int64) {
	e.Slots.ClearTickFlags()

	// Step 4 of the polling scheduler (spec.md §4.6): every slot gets its
	// scheduled command this tick, regardless of activation state — slot 0's
	// motor/limit-switch poll is what keeps e.switches and the motor shadow
	// current enough for the control law and safety supervisor to act on.
	role0 := e.Slots.Role(0)
	if role0.Liveness == LivenessOK {
		_ = e.sendToTransport(role0.Transport)(
			wire.RequestItem{ID: 'f', Cmd: "m0;m1;m2"},
			wire.RequestItem{ID: 'g', Cmd: fmt.Sprintf("pa0-%d", NumLimitSwitches-1)},
		)
	}
	role1 := e.Slots.Role(1)
	if role1.Liveness == LivenessOK {
		_ = e.sendToTransport(role1.Transport)(wire.RequestItem{ID: 'c', Cmd: "nop"})
	}
	for _, h := range e.Slots.Holding() {
		_ = e.sendToTransport(h.Transport)(
			wire.RequestItem{ID: 'a', Cmd: "ser"},
			wire.RequestItem{ID: 'b', Cmd: "ver"},
		)
	}

	// ADC health is judged before this tick's request goes out: a healthy
	// ADC answered the previous request and is back in OK by now.
	adamOK := e.Adam.State() == AdamOK
	e.Adam.Reconnect()
	e.Adam.Tick()

	kind := BadNone
	if !adamOK {
		kind = BadAdam
	}
	e.Safety.ObserveBadKind(kind)

	if axis, violated := e.Safety.CheckMotorStageConsistency(e.Config, e.Shadow, &e.lastPhys); violated && e.Active != Off {
		e.Log("axis %d: motor/stage divergence, deactivating", axis)
		e.deactivate()
	}

	if e.Safety.ShouldDeactivateForBadPolls(e.Config, e.Active != Off) {
		e.Log("too many bad polls, deactivating")
		e.deactivate()
	}

	var send func(items ...wire.RequestItem) error
	if role0.Liveness == LivenessOK {
		send = e.sendToTransport(role0.Transport)
		e.Safety.EnforceLimitSwitches(e.switches, e.Shadow, send)
	}

	switch e.Active {
	case Off:
		// nothing to drive
	case Starting:
		if ok, err := Activate(e.Config, e.Slots, &e.lastPhys, e.Shadow, send); err != nil {
			e.Log("activation failed: %v", err)
		} else if ok {
			if err := e.Control.Step(e.Config, Starting, &e.lastPhys, e.switches, e.Shadow, send); err != nil {
				e.Log("control step failed: %v", err)
			}
			e.Active = On
			e.Hub.ActiveState(true)
		}
	case On:
		if role0.Liveness != LivenessOK {
			e.Log("motor controller lost, deactivating")
			e.deactivate()
			break
		}
		if err := e.Control.Step(e.Config, e.Active, &e.lastPhys, e.switches, e.Shadow, send); err != nil {
			e.Log("control step failed: %v", err)
		}
	}

	e.fullPoll = !e.fullPoll
	if e.fullPoll {
		if adamOK {
			values := [HistoryValueWidth]float64{
				e.lastPhys.DamperPosition[0], e.lastPhys.DamperPosition[1], e.lastPhys.DamperPosition[2],
				e.lastPhys.DamperAddWeight[0], e.lastPhys.DamperAddWeight[1], e.lastPhys.DamperAddWeight[2],
				e.lastPhys.AirPressure,
			}
			t := e.History.AddToHistory(nowMS, 0, values[:])
			e.Hub.FullPoll(t, values)
		} else {
			t := e.History.AddToHistory(nowMS, 0, nil)
			e.Hub.EmptyFullPoll(t)
		}

		// spec.md §4.5: when both role slots are present, broadcast the
		// three motor speeds on a fullPoll tick if they changed.
		if e.Slots.FoundCount() == 2 {
			speeds := e.Shadow.Speeds()
			if !e.speedsKnown || speeds != e.lastSpeeds {
				e.Hub.Speeds(speeds)
				e.lastSpeeds = speeds
				e.speedsKnown = true
			}
		}
	}
}

func (e *Engine) handleMotorFeedback(body string) {
	axis, spd, pos, ok := parseMotorFeedback(body)
	if !ok || axis < 0 || axis >= NumAxes {
		return
	}
	e.Shadow.UpdateFeedback(axis, spd, pos)
}

// RequestActivate requests a transition from Off to Starting, e.g. from the
// "active:on" or "active:start" observer command; the next Tick performs
// the activation sequence.
func (e *Engine) RequestActivate() {
	if e.Active != Off {
		return
	}
	e.Active = Starting
}

// RequestDeactivate requests an immediate transition back to Off, e.g. from
// the "active:off" observer command.
func (e *Engine) RequestDeactivate() {
	e.deactivate()
}

// parseMotorFeedback decodes an "f.mN" response body of the form
// "mN SPD=<int> POS=<int>" (spec.md §4.2, §4.5).
func parseMotorFeedback(body string) (axis int, spd int32, pos int64, ok bool) {
	fields := strings.Fields(body)
	if len(fields) < 3 || len(fields[0]) < 2 || fields[0][0] != 'm' {
		return 0, 0, 0, false
	}
	axis = int(fields[0][1] - '0')

	spdStr, found := strings.CutPrefix(fields[1], "SPD=")
	if !found {
		return 0, 0, 0, false
	}
	s, err := strconv.ParseInt(spdStr, 10, 32)
	if err != nil {
		return 0, 0, 0, false
	}

	posStr, found := strings.CutPrefix(fields[2], "POS=")
	if !found {
		return 0, 0, 0, false
	}
	p, err := strconv.ParseInt(posStr, 10, 64)
	if err != nil {
		return 0, 0, 0, false
	}
	return axis, int32(s), p, true
}

func (e *Engine) deactivate() {
	if e.Active == Off {
		return
	}
	role0 := e.Slots.Role(0)
	if role0.Liveness == LivenessOK {
		_ = Deactivate(e.sendToTransport(role0.Transport))
	}
	e.Active = Off
	e.Hub.ActiveState(false)
}
