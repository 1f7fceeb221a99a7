// Package goble implements gatt.Transport on top of github.com/go-ble/ble.
//
// Radio work for a link runs on one worker goroutine in request order, so
// callbacks for a link are never delivered concurrently with each other
// (notifications excepted) and never from inside a Transport method.
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/gattlink/internal/gatt"
	"github.com/srg/gattlink/internal/groutine"
)

// DeviceFactory creates the ble.Device backing a Transport (can be overridden in tests).
var DeviceFactory = newDevice

// ErrQueueFull is returned when a link has too many pending requests.
var ErrQueueFull = errors.New("request queue full")

// Options tunes a Transport.
type Options struct {
	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration `default:"30s"`

	// QueueSize is the number of requests a link may have pending.
	QueueSize int `default:"32"`
}

// Transport drives go-ble links. Handles are tracked in a registry keyed by link id.
type Transport struct {
	dev    ble.Device
	logger *logrus.Logger
	opts   Options
	group  *groutine.Group

	links  *hashmap.Map[uint64, *link]
	nextID atomic.Uint64
}

// New opens the platform Bluetooth device. A nil opts uses defaults.
func New(logger *logrus.Logger, opts *Options) (*Transport, error) {
	if logger == nil {
		logger = logrus.New()
	}
	o := Options{}
	defaults.SetDefaults(&o)
	if opts != nil {
		if opts.DialTimeout > 0 {
			o.DialTimeout = opts.DialTimeout
		}
		if opts.QueueSize > 0 {
			o.QueueSize = opts.QueueSize
		}
	}

	dev, err := DeviceFactory()
	if err != nil {
		logger.WithError(err).Error("Failed to create BLE device")
		return nil, NormalizeError(err)
	}
	if dev == nil {
		return nil, fmt.Errorf("%w: no BLE device", gatt.ErrCapabilityUnavailable)
	}

	return &Transport{
		dev:    dev,
		logger: logger,
		opts:   o,
		group:  groutine.NewGroup(context.Background(), logger),
		links:  hashmap.New[uint64, *link](),
	}, nil
}

// Factory adapts New to gatt.TransportFactory.
func Factory(logger *logrus.Logger, opts *Options) gatt.TransportFactory {
	return func() (gatt.Transport, error) {
		return New(logger, opts)
	}
}

// Links returns the number of open handles.
func (t *Transport) Links() int {
	return t.links.Len()
}

// Shutdown closes every open handle and waits for their workers.
func (t *Transport) Shutdown() {
	var open []*link
	t.links.Range(func(_ uint64, l *link) bool {
		open = append(open, l)
		return true
	})
	for _, l := range open {
		l.close()
	}
	t.group.Stop()
}

func (t *Transport) ConnectDevice(address string, autoConnect bool, cb gatt.Callback) (gatt.Handle, error) {
	if cb == nil {
		return nil, fmt.Errorf("%w: nil callback", gatt.ErrInvalidRequest)
	}
	if autoConnect {
		t.logger.WithField("address", address).Debug("Background auto-connect is not supported, dialing directly")
	}

	ctx, cancel := context.WithCancel(t.group.Context())
	l := &link{
		id:      t.nextID.Add(1),
		address: address,
		cb:      cb,
		t:       t,
		ctx:     ctx,
		cancel:  cancel,
		ops:     make(chan func(), t.opts.QueueSize),
	}
	t.links.Set(l.id, l)
	t.group.Go(fmt.Sprintf("ble-link-%d", l.id), l.run)

	if err := l.enqueue(l.dial); err != nil {
		l.close()
		return nil, err
	}
	return l, nil
}

func (t *Transport) Reconnect(h gatt.Handle) error {
	l, err := t.link(h)
	if err != nil {
		return err
	}
	return l.enqueue(l.dial)
}

func (t *Transport) Disconnect(h gatt.Handle) error {
	l, err := t.link(h)
	if err != nil {
		return err
	}
	l.abortDial()
	return l.enqueue(l.hangUp)
}

func (t *Transport) CloseHandle(h gatt.Handle) error {
	l, err := t.link(h)
	if err != nil {
		return err
	}
	l.close()
	return nil
}

func (t *Transport) DiscoverServices(h gatt.Handle) error {
	l, err := t.link(h)
	if err != nil {
		return err
	}
	return l.enqueue(l.discover)
}

func (t *Transport) ReadCharacteristic(h gatt.Handle, c *gatt.Characteristic) error {
	l, err := t.link(h)
	if err != nil {
		return err
	}
	native, err := nativeCharacteristic(c)
	if err != nil {
		return err
	}
	return l.enqueue(func() { l.read(c, native) })
}

func (t *Transport) SetNotification(h gatt.Handle, c *gatt.Characteristic, enabled bool) error {
	l, err := t.link(h)
	if err != nil {
		return err
	}
	native, err := nativeCharacteristic(c)
	if err != nil {
		return err
	}
	if !c.Properties.Has(gatt.PropNotify) && !c.Properties.Has(gatt.PropIndicate) {
		return fmt.Errorf("characteristic %s: notifications %w", c.UUID, gatt.ErrUnsupported)
	}
	return l.enqueue(func() { l.setNotification(c, native, enabled) })
}

func (t *Transport) WriteDescriptor(h gatt.Handle, d *gatt.Descriptor, value []byte) error {
	l, err := t.link(h)
	if err != nil {
		return err
	}
	native, ok := d.Ref.(*ble.Descriptor)
	if !ok || native == nil {
		return fmt.Errorf("descriptor %s: %w", d.UUID, gatt.ErrUnsupported)
	}
	v := make([]byte, len(value))
	copy(v, value)
	return l.enqueue(func() { l.writeDescriptor(d, native, v) })
}

func (t *Transport) Services(h gatt.Handle) *gatt.ServiceCatalog {
	l, err := t.link(h)
	if err != nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.catalog
}

func (t *Transport) link(h gatt.Handle) (*link, error) {
	l, ok := h.(*link)
	if !ok || l == nil || l.t != t {
		return nil, fmt.Errorf("%w: foreign handle %T", gatt.ErrInvalidRequest, h)
	}
	if _, ok := t.links.Get(l.id); !ok {
		return nil, gatt.ErrNoHandle
	}
	return l, nil
}

func nativeCharacteristic(c *gatt.Characteristic) (*ble.Characteristic, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil characteristic", gatt.ErrInvalidRequest)
	}
	native, ok := c.Ref.(*ble.Characteristic)
	if !ok || native == nil {
		return nil, fmt.Errorf("characteristic %s was not discovered on this link: %w", c.UUID, gatt.ErrUnsupported)
	}
	return native, nil
}

// link is the gatt.Handle issued by Transport.
type link struct {
	id      uint64
	address string
	cb      gatt.Callback
	t       *Transport

	ctx    context.Context
	cancel context.CancelFunc
	ops    chan func()

	mu         sync.Mutex
	client     ble.Client
	catalog    *gatt.ServiceCatalog
	dialCancel context.CancelFunc
	up         bool
	closed     bool
}

func (l *link) Address() string { return l.address }

func (l *link) log() *logrus.Entry {
	return l.t.logger.WithFields(logrus.Fields{
		"address": l.address,
		"link":    l.id,
	})
}

func (l *link) enqueue(op func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return gatt.ErrNoHandle
	}
	select {
	case l.ops <- op:
		return nil
	default:
		return ErrQueueFull
	}
}

func (l *link) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.ctx.Done():
			return
		case op := <-l.ops:
			op()
		}
	}
}

// live reports whether callbacks may still be delivered.
func (l *link) live() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed
}

// serving reports whether client is the open, up link of l.
func (l *link) serving(client ble.Client) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed && l.up && l.client == client
}

func (l *link) dial() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	if l.up {
		l.mu.Unlock()
		l.log().Debug("Link already up")
		l.cb.OnConnectionStateChange(gatt.StatusSuccess, gatt.LinkConnected)
		return
	}
	ctx, cancel := context.WithTimeout(l.ctx, l.t.opts.DialTimeout)
	l.dialCancel = cancel
	l.mu.Unlock()
	defer cancel()

	l.log().WithField("timeout", l.t.opts.DialTimeout).Debug("Dialing BLE device...")
	client, err := l.t.dev.Dial(ctx, ble.NewAddr(l.address))

	l.mu.Lock()
	l.dialCancel = nil
	if l.closed {
		l.mu.Unlock()
		if err == nil {
			_ = client.CancelConnection()
		}
		return
	}
	if err != nil {
		l.mu.Unlock()
		l.log().WithError(err).Warn("Failed to dial BLE device")
		l.cb.OnConnectionStateChange(statusOf(err), gatt.LinkDisconnected)
		return
	}
	l.client = client
	l.up = true
	l.mu.Unlock()

	l.watch(client)
	l.log().Info("BLE link established")
	l.cb.OnConnectionStateChange(gatt.StatusSuccess, gatt.LinkConnected)
}

// watch reports a link loss signalled by the client.
func (l *link) watch(client ble.Client) {
	dc, ok := client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		l.log().Debug("Client does not support Disconnected() channel")
		return
	}
	l.t.group.Go(fmt.Sprintf("ble-link-%d-watch", l.id), func(ctx context.Context) {
		select {
		case <-dc.Disconnected():
			l.log().Warn("Peripheral reported disconnection")
			l.down(client, gatt.StatusSuccess)
		case <-l.ctx.Done():
		case <-ctx.Done():
		}
	})
}

// down fires a single link-down callback for client.
func (l *link) down(client ble.Client, status gatt.Status) {
	l.mu.Lock()
	if l.closed || !l.up || l.client != client {
		l.mu.Unlock()
		return
	}
	l.up = false
	l.client = nil
	l.mu.Unlock()
	l.cb.OnConnectionStateChange(status, gatt.LinkDisconnected)
}

func (l *link) abortDial() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dialCancel != nil {
		l.dialCancel()
	}
}

func (l *link) hangUp() {
	l.mu.Lock()
	client := l.client
	l.mu.Unlock()
	if client == nil {
		return
	}
	if err := client.CancelConnection(); err != nil {
		l.log().WithError(NormalizeError(err)).Warn("BLE device disconnected with errors")
	}
	l.down(client, gatt.StatusSuccess)
}

func (l *link) current() ble.Client {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.client
}

func (l *link) discover() {
	client := l.current()
	if client == nil {
		l.log().Warn("Service discovery requested without a link")
		l.cb.OnServicesDiscovered(gatt.StatusFailure)
		return
	}
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		l.log().WithError(NormalizeError(err)).Warn("Failed to discover profile")
		if l.live() {
			l.cb.OnServicesDiscovered(statusOf(err))
		}
		return
	}
	catalog := NewCatalog(profile)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.catalog = catalog
	l.mu.Unlock()

	l.log().WithField("services", catalog.Len()).Debug("Profile discovered successfully")
	l.cb.OnServicesDiscovered(gatt.StatusSuccess)
}

func (l *link) read(c *gatt.Characteristic, native *ble.Characteristic) {
	client := l.current()
	if client == nil {
		l.cb.OnCharacteristicRead(c, nil, gatt.StatusFailure)
		return
	}
	data, err := client.ReadCharacteristic(native)
	if !l.live() {
		return
	}
	if err != nil {
		l.log().WithError(NormalizeError(err)).WithField("char_uuid", c.UUID).Warn("Failed to read characteristic")
		l.cb.OnCharacteristicRead(c, nil, statusOf(err))
		return
	}
	l.cb.OnCharacteristicRead(c, data, gatt.StatusSuccess)
}

func (l *link) setNotification(c *gatt.Characteristic, native *ble.Characteristic, enabled bool) {
	client := l.current()
	if client == nil {
		l.log().WithField("char_uuid", c.UUID).Warn("Notification change requested without a link")
		return
	}
	ind := !c.Properties.Has(gatt.PropNotify)
	log := l.log().WithFields(logrus.Fields{
		"char_uuid": c.UUID,
		"indicate":  ind,
	})

	if !enabled {
		if err := client.Unsubscribe(native, ind); err != nil {
			log.WithError(NormalizeError(err)).Warn("Failed to unsubscribe from characteristic notifications")
			return
		}
		log.Debug("Unsubscribed from characteristic notifications")
		return
	}

	err := client.Subscribe(native, ind, func(data []byte) {
		if !l.serving(client) {
			return
		}
		v := make([]byte, len(data))
		copy(v, data)
		l.cb.OnCharacteristicChanged(c, v)
	})
	if err != nil {
		log.WithError(NormalizeError(err)).Warn("Failed to subscribe to characteristic notifications")
		return
	}
	log.Info("Subscribed to characteristic notifications")
}

func (l *link) writeDescriptor(d *gatt.Descriptor, native *ble.Descriptor, value []byte) {
	client := l.current()
	if client == nil {
		l.log().WithField("descriptor_uuid", d.UUID).Warn("Descriptor write requested without a link")
		return
	}
	if err := client.WriteDescriptor(native, value); err != nil {
		// stacks that manage the CCCD themselves reject direct writes
		l.log().WithError(NormalizeError(err)).WithField("descriptor_uuid", d.UUID).Debug("Descriptor write failed")
		return
	}
	l.log().WithField("descriptor_uuid", d.UUID).Debug("Descriptor written")
}

// close releases the link. No callback is delivered afterwards.
func (l *link) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	client := l.client
	l.client = nil
	l.up = false
	if l.dialCancel != nil {
		l.dialCancel()
	}
	l.mu.Unlock()

	l.cancel()
	l.t.links.Del(l.id)

	if client != nil {
		l.t.group.Go(fmt.Sprintf("ble-link-%d-close", l.id), func(context.Context) {
			if err := client.CancelConnection(); err != nil {
				l.log().WithError(NormalizeError(err)).Debug("Cancel connection on close failed")
			}
		})
	}
	l.log().Debug("Link closed")
}
