// Package usbhub implements engine.Transport over USB bulk endpoints using
// gousb, and periodically scans for the motor/GPIO controller's VID/PID
// since gousb has no hotplug callback of its own (spec.md §2's C1, §6
// external interfaces).
package usbhub

import (
	"context"
	"sync"
	"time"

	"github.com/google/gousb"
	"github.com/pkg/errors"

	"cryosuper/internal/engine"
)

const (
	outEndpointAddr = 1
	inEndpointAddr  = 0x81
	readBufferSize  = 512
)

// Device is one claimed USB controller, implementing engine.Transport.
type Device struct {
	usbDev *gousb.Device
	intf   *gousb.Interface
	done   func()
	epOut  *gousb.OutEndpoint
	epIn   *gousb.InEndpoint

	mu     sync.Mutex
	closed bool
}

// Send writes one already-encoded wire line to the bulk OUT endpoint.
func (d *Device) Send(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("usbhub: device closed")
	}
	_, err := d.epOut.Write(data)
	return errors.Wrap(err, "usbhub: write")
}

// Close releases the claimed interface and the device handle.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.done()
	return errors.Wrap(d.usbDev.Close(), "usbhub: close")
}

// Hub enumerates and tracks controller devices, pushing AttachEvent,
// DetachEvent, and USBDataEvent values onto the engine's Events channel. It
// holds no engine state itself; the engine goroutine is the only reader
// of those events.
type Hub struct {
	ctx    *gousb.Context
	vid    gousb.ID
	pid    gousb.ID
	events chan<- any

	mu      sync.Mutex
	known   map[string]*Device // keyed by bus/address path

	Log func(format string, args ...any)
}

// NewHub opens a gousb context for the given controller VID/PID.
func NewHub(vid, pid uint16, events chan<- any) *Hub {
	return &Hub{
		ctx:    gousb.NewContext(),
		vid:    gousb.ID(vid),
		pid:    gousb.ID(pid),
		events: events,
		known:  make(map[string]*Device),
		Log:    func(string, ...any) {},
	}
}

// Close shuts down the USB context, closing every claimed device.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, d := range h.known {
		_ = d.Close()
		delete(h.known, key)
	}
	return h.ctx.Close()
}

// Scan runs one enumeration pass, opening newly-seen matching devices and
// detecting devices that have disappeared since the last pass. Called
// periodically by cmd/cryosuperd (spec.md §2 notes there is no native
// hotplug signal for this transport).
func (h *Hub) Scan(ctx context.Context) {
	seen := make(map[string]bool)

	devs, err := h.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == h.vid && desc.Product == h.pid
	})
	if err != nil {
		h.Log("usbhub: enumerate failed: %v", err)
	}

	h.mu.Lock()
	for _, usbDev := range devs {
		key := usbDev.String()
		seen[key] = true
		if _, ok := h.known[key]; ok {
			_ = usbDev.Close()
			continue
		}
		dev, err := h.claim(ctx, usbDev)
		if err != nil {
			h.Log("usbhub: open/claim failed for %s: %v", key, err)
			_ = usbDev.Close()
			continue
		}
		h.known[key] = dev
		h.events <- engine.AttachEvent{Transport: dev}
		go h.readLoop(key, dev)
	}

	for key, dev := range h.known {
		if !seen[key] {
			delete(h.known, key)
			_ = dev.Close()
			h.events <- engine.DetachEvent{Transport: dev}
		}
	}
	h.mu.Unlock()
}

func (h *Hub) claim(ctx context.Context, usbDev *gousb.Device) (*Device, error) {
	if err := usbDev.SetAutoDetach(true); err != nil {
		h.Log("usbhub: auto-detach unavailable: %v", err)
	}
	intf, done, err := usbDev.DefaultInterface()
	if err != nil {
		return nil, errors.Wrap(err, "claim default interface")
	}
	epOut, err := intf.OutEndpoint(outEndpointAddr)
	if err != nil {
		done()
		return nil, errors.Wrap(err, "open out endpoint")
	}
	epIn, err := intf.InEndpoint(inEndpointAddr)
	if err != nil {
		done()
		return nil, errors.Wrap(err, "open in endpoint")
	}
	return &Device{usbDev: usbDev, intf: intf, done: done, epOut: epOut, epIn: epIn}, nil
}

func (h *Hub) readLoop(key string, dev *Device) {
	buf := make([]byte, readBufferSize)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		n, err := dev.epIn.ReadContext(ctx, buf)
		cancel()
		if err != nil {
			dev.mu.Lock()
			closed := dev.closed
			dev.mu.Unlock()
			if closed {
				return
			}
			// timeouts are expected when the controller has nothing to say
			continue
		}
		if n == 0 {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		h.events <- engine.USBDataEvent{Transport: dev, Data: data}
	}
}
