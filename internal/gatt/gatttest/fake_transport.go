// Package gatttest provides an in-memory gatt.Transport for tests.
package gatttest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/srg/gattlink/internal/gatt"
)

// Call is one recorded transport request.
type Call struct {
	Op      string
	Address string
	UUID    string
	Enabled bool
	Value   []byte
}

// Handle is the handle type issued by FakeTransport.
type Handle struct {
	ID      int
	address string
	cb      gatt.Callback
	closed  bool
}

func (h *Handle) Address() string { return h.address }

// FakeTransport records requests and lets tests fire callbacks by hand.
// Errors set in the Fail map are returned by the matching operation.
type FakeTransport struct {
	mu      sync.Mutex
	calls   []Call
	handles []*Handle
	catalog *gatt.ServiceCatalog

	// Fail maps an operation name to the error it returns.
	Fail map[string]error
}

// ErrInjected is a convenience error for Fail entries.
var ErrInjected = errors.New("injected failure")

// NewFakeTransport returns a transport whose discovery yields catalog.
func NewFakeTransport(catalog *gatt.ServiceCatalog) *FakeTransport {
	return &FakeTransport{catalog: catalog, Fail: make(map[string]error)}
}

// Factory returns a TransportFactory handing out t.
func (t *FakeTransport) Factory() gatt.TransportFactory {
	return func() (gatt.Transport, error) { return t, nil }
}

// FailingFactory returns a TransportFactory that always fails.
func FailingFactory(err error) gatt.TransportFactory {
	return func() (gatt.Transport, error) { return nil, err }
}

func (t *FakeTransport) record(c Call) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, c)
	return t.Fail[c.Op]
}

func (t *FakeTransport) handle(h gatt.Handle) (*Handle, error) {
	fh, ok := h.(*Handle)
	if !ok || fh == nil {
		return nil, fmt.Errorf("foreign handle %T", h)
	}
	return fh, nil
}

func (t *FakeTransport) ConnectDevice(address string, autoConnect bool, cb gatt.Callback) (gatt.Handle, error) {
	if err := t.record(Call{Op: "connect", Address: address, Enabled: autoConnect}); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	h := &Handle{ID: len(t.handles) + 1, address: address, cb: cb}
	t.handles = append(t.handles, h)
	return h, nil
}

func (t *FakeTransport) Reconnect(h gatt.Handle) error {
	return t.record(Call{Op: "reconnect", Address: h.Address()})
}

func (t *FakeTransport) Disconnect(h gatt.Handle) error {
	return t.record(Call{Op: "disconnect", Address: h.Address()})
}

func (t *FakeTransport) CloseHandle(h gatt.Handle) error {
	err := t.record(Call{Op: "close", Address: h.Address()})
	if fh, herr := t.handle(h); herr == nil {
		t.mu.Lock()
		fh.closed = true
		t.mu.Unlock()
	}
	return err
}

func (t *FakeTransport) DiscoverServices(h gatt.Handle) error {
	return t.record(Call{Op: "discover", Address: h.Address()})
}

func (t *FakeTransport) ReadCharacteristic(h gatt.Handle, c *gatt.Characteristic) error {
	return t.record(Call{Op: "read", Address: h.Address(), UUID: c.UUID})
}

func (t *FakeTransport) SetNotification(h gatt.Handle, c *gatt.Characteristic, enabled bool) error {
	return t.record(Call{Op: "notify", Address: h.Address(), UUID: c.UUID, Enabled: enabled})
}

func (t *FakeTransport) WriteDescriptor(h gatt.Handle, d *gatt.Descriptor, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	return t.record(Call{Op: "write_descriptor", Address: h.Address(), UUID: d.UUID, Value: v})
}

func (t *FakeTransport) Services(gatt.Handle) *gatt.ServiceCatalog {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.catalog
}

// Calls returns a copy of the recorded requests.
func (t *FakeTransport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Call, len(t.calls))
	copy(out, t.calls)
	return out
}

// Count returns how many requests of op were recorded.
func (t *FakeTransport) Count(op string) int {
	n := 0
	for _, c := range t.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Last returns the most recent request of op.
func (t *FakeTransport) Last(op string) (Call, bool) {
	calls := t.Calls()
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i].Op == op {
			return calls[i], true
		}
	}
	return Call{}, false
}

// Handles returns every handle issued so far, oldest first.
func (t *FakeTransport) Handles() []*Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Handle, len(t.handles))
	copy(out, t.handles)
	return out
}

// Latest returns the most recently issued handle, or nil.
func (t *FakeTransport) Latest() *Handle {
	hs := t.Handles()
	if len(hs) == 0 {
		return nil
	}
	return hs[len(hs)-1]
}

// Closed reports whether h was released.
func (t *FakeTransport) Closed(h *Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return h.closed
}

// Connected fires a successful link-up callback on h.
func (h *Handle) Connected() {
	h.cb.OnConnectionStateChange(gatt.StatusSuccess, gatt.LinkConnected)
}

// Disconnected fires a link-down callback on h.
func (h *Handle) Disconnected() {
	h.cb.OnConnectionStateChange(gatt.StatusSuccess, gatt.LinkDisconnected)
}

// Discovered fires a service discovery callback on h.
func (h *Handle) Discovered(status gatt.Status) {
	h.cb.OnServicesDiscovered(status)
}

// Read fires a characteristic read callback on h.
func (h *Handle) Read(c *gatt.Characteristic, value []byte, status gatt.Status) {
	h.cb.OnCharacteristicRead(c, value, status)
}

// Notify fires a characteristic change callback on h.
func (h *Handle) Notify(c *gatt.Characteristic, value []byte) {
	h.cb.OnCharacteristicChanged(c, value)
}

// HeartRateCatalog builds the catalog of a typical heart rate sensor:
// Heart Rate (180d) with Heart Rate Measurement (2a37, notify, CCCD) and
// Body Sensor Location (2a38), plus Battery (180f) with Battery Level (2a19).
func HeartRateCatalog() *gatt.ServiceCatalog {
	return gatt.NewServiceCatalog(
		gatt.NewService("180d",
			gatt.NewCharacteristic("2a37", gatt.PropNotify, nil, gatt.NewDescriptor("2902", nil)),
			gatt.NewCharacteristic("2a38", gatt.PropRead, nil),
		),
		gatt.NewService("180f",
			gatt.NewCharacteristic("2a19", gatt.PropRead|gatt.PropNotify, nil, gatt.NewDescriptor("2902", nil)),
		),
	)
}
