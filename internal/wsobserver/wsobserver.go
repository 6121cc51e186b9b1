// Package wsobserver implements the WebSocket transport for the observer
// fan-out (spec.md §4.10, §6.4): it upgrades inbound HTTP connections on
// the "cute" path/subprotocol, pumps outbound lines to the client, and
// forwards inbound command lines and connect/disconnect lifecycle events
// onto the engine's event channel. All authorization and message framing
// decisions live in package engine; this package only moves bytes.
package wsobserver

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"cryosuper/internal/engine"
)

const (
	subprotocol  = "cute"
	writeTimeout = 5 * time.Second
	pongTimeout  = 60 * time.Second
	pingPeriod   = pongTimeout * 9 / 10
)

var upgrader = websocket.Upgrader{
	Subprotocols:    []string{subprotocol},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler serves the observer WebSocket endpoint, forwarding lifecycle and
// command events onto events.
type Handler struct {
	events chan<- any
	Log    func(format string, args ...any)
}

func NewHandler(events chan<- any) *Handler {
	return &Handler{events: events, Log: func(string, ...any) {}}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log("wsobserver: upgrade failed: %v", err)
		return
	}

	sendCh := make(chan string, 64)
	o := &engine.Observer{
		Address:     r.RemoteAddr,
		DisplayName: r.RemoteAddr,
		Send: func(line string) error {
			select {
			case sendCh <- line:
				return nil
			default:
				return websocket.ErrCloseSent
			}
		},
	}

	h.events <- engine.ObserverConnectEvent{Observer: o}

	done := make(chan struct{})
	go h.writePump(conn, sendCh, done)
	h.readPump(conn, o, done)
}

func (h *Handler) writePump(conn *websocket.Conn, sendCh <-chan string, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case line, ok := <-sendCh:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (h *Handler) readPump(conn *websocket.Conn, o *engine.Observer, done chan<- struct{}) {
	defer func() {
		close(done)
		_ = conn.Close()
		h.events <- engine.ObserverDisconnectEvent{Observer: o}
	}()

	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.events <- engine.ObserverCommandEvent{Observer: o, Line: string(data)}
	}
}
