package engine

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// AdamState is the ADC polling state machine (spec.md §4.3).
type AdamState int

const (
	AdamBad AdamState = iota
	AdamNotConnected
	AdamOK
	AdamWaiting
	AdamMissed
)

func (s AdamState) String() string {
	switch s {
	case AdamBad:
		return "BAD"
	case AdamNotConnected:
		return "NOT_CONNECTED"
	case AdamOK:
		return "OK"
	case AdamWaiting:
		return "WAITING"
	case AdamMissed:
		return "MISSED"
	default:
		return "UNKNOWN"
	}
}

// adamRequest is the fixed 12-byte Modbus-TCP-subset request: read 8 input
// registers starting at address 0 (spec.md §6.2).
var adamRequest = []byte{
	0x01, 0x00, // transaction id
	0x00, 0x00, // protocol id
	0x00, 0x06, // length
	0x01,       // unit id
	0x04,       // function: read input registers
	0x00, 0x00, // start address
	0x00, 0x08, // quantity
}

const adamResponseLen = 25
const adamResponseHeaderLen = 9

// AdamConn is the minimal socket surface the ADC client needs; satisfied by
// *net.TCPConn and by fakes in tests.
type AdamConn interface {
	Write(b []byte) (int, error)
	Close() error
}

// AdamClient drives the ADC polling state machine. Connection establishment
// is delegated to a Dial func so tests can substitute an in-memory fake;
// response bytes arrive out of band (pushed by a reader goroutine) via
// HandleResponse.
type AdamClient struct {
	Addr string
	Dial func(addr string) (AdamConn, error)

	state AdamState
	conn  AdamConn

	Log func(format string, args ...any)

	// OnConnect, if set, is called with the freshly-dialed connection each
	// time Reconnect succeeds, so the caller can start a reader goroutine
	// over it (the engine goroutine itself must never block on a socket
	// read; see cmd/cryosuperd).
	OnConnect func(conn AdamConn)
}

// NewAdamClient constructs a client in NOT_CONNECTED state.
func NewAdamClient(addr string, dial func(string) (AdamConn, error)) *AdamClient {
	return &AdamClient{Addr: addr, Dial: dial, state: AdamNotConnected, Log: func(string, ...any) {}}
}

// State returns the current state machine value.
func (c *AdamClient) State() AdamState { return c.state }

// Connected reports whether a socket is currently held.
func (c *AdamClient) Connected() bool { return c.conn != nil }

// Reconnect re-establishes the connection when state is BAD or
// NOT_CONNECTED and no socket is held (spec.md §4.3's reconnection rule:
// no backoff beyond the 80ms tick).
func (c *AdamClient) Reconnect() {
	if c.conn != nil {
		return
	}
	if c.state != AdamBad && c.state != AdamNotConnected {
		return
	}
	if c.Dial == nil {
		return // no ADC transport configured (dry run, tests)
	}
	conn, err := c.Dial(c.Addr)
	if err != nil {
		c.Log("adam: connect failed: %v", err)
		c.state = AdamBad
		return
	}
	c.conn = conn
	c.state = AdamOK
	if c.OnConnect != nil {
		c.OnConnect(conn)
	}
}

// Tick advances the state machine once per scheduler period (spec.md §4.3,
// §4.6 step 3): OK sends the request and moves to WAITING; WAITING with no
// response yet demotes to MISSED without resending (only one request is
// ever in flight, per spec.md §5).
func (c *AdamClient) Tick() {
	switch c.state {
	case AdamOK:
		if err := c.send(); err != nil {
			return
		}
		c.state = AdamWaiting
	case AdamWaiting:
		c.Log("adam: not responding")
		c.state = AdamMissed
	}
}

func (c *AdamClient) send() error {
	if c.conn == nil {
		return errors.New("adam: no connection")
	}
	if _, err := c.conn.Write(adamRequest); err != nil {
		c.Log("adam: write failed: %v", err)
		c.destroy()
		return err
	}
	return nil
}

// HandleResponse processes bytes read from the ADC socket. A response
// whose length is not exactly 25 bytes is ignored and does not advance the
// state machine (spec.md §8 boundary behavior).
func (c *AdamClient) HandleResponse(data []byte) (ADCSample, bool) {
	if c.state != AdamWaiting && c.state != AdamMissed {
		return ADCSample{}, false
	}
	if len(data) != adamResponseLen {
		return ADCSample{}, false
	}
	recovered := c.state == AdamMissed
	c.state = AdamOK
	if recovered {
		c.Log("adam: OK")
	}
	var sample ADCSample
	for i := 0; i < NumADCChannels; i++ {
		off := adamResponseHeaderLen + i*2
		sample[i] = binary.BigEndian.Uint16(data[off : off+2])
	}
	return sample, true
}

// HandleSocketError forces the client to BAD and destroys the socket, per
// spec.md §4.3's "any -> BAD (destroy socket)" transition.
func (c *AdamClient) HandleSocketError(err error) {
	c.Log("adam: socket error: %v", err)
	c.destroy()
}

func (c *AdamClient) destroy() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state = AdamBad
}
