package engine

import (
	"fmt"
	"html"
	"strconv"
	"strings"
	"sync"
)

// Outbound message tags, spec.md §4.10: each line sent to an observer begins
// with one of these single letters.
const (
	TagConsole  = 'C' // operator console echo, HTML-escaped
	TagActive   = 'D' // activation state change: "D 0"/"D 1"
	TagSpeeds   = 'E' // motor speeds: "E s0 s1 s2"
	TagHistory  = 'B' // one history replay/broadcast record
	TagFullPoll = 'F' // live measurement broadcast: "F t [d0 d1 d2 w0 w1 w2 p]"
)

// Observer is one connected WebSocket client (spec.md §4.10). Send is
// supplied by internal/wsobserver; Observer itself knows nothing about
// HTTP or gorilla/websocket.
type Observer struct {
	Address     string
	DisplayName string
	Verbose     bool
	Send        func(line string) error
}

// ObserverHub fans outbound lines out to every connected observer
// (spec.md §4.10). It is the only piece of C10 state shared across
// goroutines, so it carries its own mutex even though the rest of the
// engine is single-owner.
type ObserverHub struct {
	mu        sync.Mutex
	observers map[*Observer]struct{}

	Log func(format string, args ...any)
}

func NewObserverHub() *ObserverHub {
	return &ObserverHub{observers: make(map[*Observer]struct{}), Log: func(string, ...any) {}}
}

// Register adds an observer, checking it against the IP allow-list
// (spec.md §4.10; "*" is a wildcard entry). Returns false if unauthorized.
func (h *ObserverHub) Register(cfg *Config, o *Observer) bool {
	if !authorized(cfg.AllowList, o.Address) {
		h.Log("observer %s: rejected, not in allow list", o.Address)
		return false
	}
	h.mu.Lock()
	h.observers[o] = struct{}{}
	h.mu.Unlock()
	return true
}

// List returns a snapshot of currently registered observers.
func (h *ObserverHub) List() []*Observer {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Observer, 0, len(h.observers))
	for o := range h.observers {
		out = append(out, o)
	}
	return out
}

// Unregister removes an observer, e.g. on disconnect.
func (h *ObserverHub) Unregister(o *Observer) {
	h.mu.Lock()
	delete(h.observers, o)
	h.mu.Unlock()
}

func authorized(allowList []string, addr string) bool {
	host := addr
	if i := strings.LastIndexByte(addr, ':'); i >= 0 {
		host = addr[:i]
	}
	for _, entry := range allowList {
		if entry == "*" || entry == addr || entry == host {
			return true
		}
	}
	return false
}

// Broadcast writes line to every registered observer, dropping (and
// unregistering) any whose Send fails.
func (h *ObserverHub) Broadcast(line string) {
	h.mu.Lock()
	dead := make([]*Observer, 0)
	for o := range h.observers {
		if err := o.Send(line); err != nil {
			dead = append(dead, o)
		}
	}
	for _, o := range dead {
		delete(h.observers, o)
	}
	h.mu.Unlock()
	for range dead {
		h.Log("observer send failed, dropped")
	}
}

// Console formats and broadcasts an operator console line, HTML-escaped per
// spec.md §4.10 (observers render lines directly into a browser DOM).
func (h *ObserverHub) Console(text string) {
	h.Broadcast(fmt.Sprintf("%c %s", TagConsole, html.EscapeString(text)))
}

// ActiveState broadcasts the platform's activation state, "D 0" or "D 1"
// (spec.md §4.8's activation broadcast).
func (h *ObserverHub) ActiveState(active bool) {
	v := 0
	if active {
		v = 1
	}
	h.Broadcast(fmt.Sprintf("%c %d", TagActive, v))
}

// Speeds broadcasts the current three motor speeds (spec.md §4.5, §4.10):
// "E s0 s1 s2", sent whenever they change on a fullPoll tick.
func (h *ObserverHub) Speeds(speeds [NumAxes]int32) {
	h.Broadcast(fmt.Sprintf("%c %s", TagSpeeds, formatSpeeds(speeds)))
}

// HistoryRecord broadcasts one history replay/live record.
func (h *ObserverHub) HistoryRecord(rec ReplayRecord) {
	h.Broadcast(fmt.Sprintf("%c %d %s %s %s", TagHistory, rec.Seq,
		formatFloat(rec.Values[0]), formatFloat(rec.Values[1]), formatFloat(rec.Values[2])))
}

// FullPoll broadcasts the full seven-wide live measurement vector with its
// leading history timestamp (spec.md §4.6's fullPoll tick, §4.10): "F t d0
// d1 d2 w0 w1 w2 p".
func (h *ObserverHub) FullPoll(t int64, values [HistoryValueWidth]float64) {
	parts := make([]string, HistoryValueWidth)
	for i, v := range values {
		parts[i] = formatFloat(v)
	}
	h.Broadcast(fmt.Sprintf("%c %d %s", TagFullPoll, t, strings.Join(parts, " ")))
}

// EmptyFullPoll broadcasts the empty-sample marker "F t" for a fullPoll tick
// during which the ADC is not OK (spec.md §4.6 step 1, §8's boundary case).
func (h *ObserverHub) EmptyFullPoll(t int64) {
	h.Broadcast(fmt.Sprintf("%c %d", TagFullPoll, t))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func formatSpeeds(speeds [NumAxes]int32) string {
	parts := make([]string, NumAxes)
	for i, s := range speeds {
		parts[i] = strconv.Itoa(int(s))
	}
	return strings.Join(parts, " ")
}

// OnConnect implements spec.md §4.10's on-connect sequence for a newly
// registered observer: banner, current activation state, last motor
// speeds, then a full history replay — sent only to this one observer, not
// broadcast.
func OnConnect(o *Observer, displayBanner string, active Activation, speeds [NumAxes]int32, history []ReplayRecord) {
	_ = o.Send(fmt.Sprintf("%c %s", TagConsole, html.EscapeString(displayBanner)))
	activeBit := 0
	if active != Off {
		activeBit = 1
	}
	_ = o.Send(fmt.Sprintf("%c %d", TagActive, activeBit))
	_ = o.Send(fmt.Sprintf("%c %s", TagSpeeds, formatSpeeds(speeds)))
	for _, rec := range history {
		_ = o.Send(fmt.Sprintf("%c %d %s %s %s", TagHistory, rec.Seq,
			formatFloat(rec.Values[0]), formatFloat(rec.Values[1]), formatFloat(rec.Values[2])))
	}
}
