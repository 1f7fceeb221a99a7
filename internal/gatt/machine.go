package gatt

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/gattlink/internal/decoder"
)

// cccdEnable and cccdDisable are the Client Characteristic Configuration values
// switching server-side notifications on and off.
var (
	cccdEnable  = []byte{0x01, 0x00}
	cccdDisable = []byte{0x00, 0x00}
)

// Options tunes a Machine.
type Options struct {
	// ConnectTimeout bounds the Connecting state. When it elapses the machine asks
	// the transport to disconnect. Zero disables the guard.
	ConnectTimeout time.Duration

	// HeartRateFlags selects where Heart Rate Measurement format flags come from.
	HeartRateFlags decoder.FlagSource

	// OnReadFailure, when set, is called outside the machine lock for every read
	// of the current session that completes with a non-success status.
	OnReadFailure func(c *Characteristic, status Status)
}

// Machine owns the connection lifecycle of a single peripheral.
//
// State changes only in response to transport callbacks, with one exception:
// Close forces Disconnected (and emits the event) when it releases a handle
// whose link was still up or pending, so a closed machine never reports a
// connection it no longer holds.
type Machine struct {
	mu sync.Mutex

	factory   TransportFactory
	transport Transport
	sink      EventSink
	logger    *logrus.Logger
	opts      Options

	state   ConnectionState
	handle  Handle
	address string
	catalog *ServiceCatalog

	// gen identifies the current handle; callbacks bound to an older value are stale.
	gen          uint64
	connectTimer *time.Timer
	// timerSeq identifies the armed connect timer; a fired timer with an older value is stale.
	timerSeq uint64
}

// NewMachine creates a Machine in the Disconnected state. Initialize must
// succeed before any request reaches the transport.
func NewMachine(factory TransportFactory, sink EventSink, logger *logrus.Logger, opts *Options) *Machine {
	if logger == nil {
		logger = logrus.New()
	}
	if sink == nil {
		sink = discardSink{}
	}
	m := &Machine{
		factory: factory,
		sink:    sink,
		logger:  logger,
		state:   Disconnected,
	}
	if opts != nil {
		m.opts = *opts
	}
	if m.opts.HeartRateFlags == "" {
		m.opts.HeartRateFlags = decoder.FlagsFromProperties
	}
	return m
}

// Initialize acquires the transport. Calling it again after success is a no-op.
func (m *Machine) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.transport != nil {
		return nil
	}
	if m.factory == nil {
		m.logger.Error("Unable to initialize Bluetooth transport: no factory configured")
		return ErrCapabilityUnavailable
	}

	t, err := m.factory()
	if err != nil {
		m.logger.WithError(err).Error("Unable to initialize Bluetooth transport")
		return fmt.Errorf("%w: %v", ErrCapabilityUnavailable, err)
	}
	if t == nil {
		m.logger.Error("Unable to obtain a Bluetooth transport")
		return ErrCapabilityUnavailable
	}
	m.transport = t
	m.logger.Debug("Bluetooth transport initialized")
	return nil
}

// State returns the current connection state.
func (m *Machine) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Address returns the address bound to the current handle, or "" when there is none.
func (m *Machine) Address() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.address
}

// Connect starts connecting to address. A nil result means the request was
// issued; the outcome is reported by Connected or Disconnected events.
// An existing handle for the same address is reused.
func (m *Machine) Connect(address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	address = strings.TrimSpace(address)
	if m.transport == nil {
		m.logger.WithField("address", address).Warn("Bluetooth transport not initialized")
		return ErrCapabilityUnavailable
	}
	if address == "" {
		m.logger.Warn("Connection attempt with unspecified address")
		return &LifecycleError{Kind: InvalidRequest, Msg: "device address is empty"}
	}

	log := m.logger.WithField("address", address)

	if m.handle != nil && strings.EqualFold(m.address, address) {
		log.Debug("Trying to use an existing handle for connection")
		if err := m.transport.Reconnect(m.handle); err != nil {
			log.WithError(err).Warn("Reconnect request failed")
			return &TransportError{Op: "reconnect", Err: err}
		}
		m.state = Connecting
		m.armConnectTimeout(m.gen)
		return nil
	}

	if m.handle != nil {
		log.WithField("previous", m.address).Info("Releasing previous device before connecting")
		if err := m.release(); err != nil {
			log.WithError(err).Warn("Failed to close previous handle")
		}
	}

	m.gen++
	gen := m.gen
	h, err := m.transport.ConnectDevice(address, false, &binding{m: m, gen: gen})
	if err != nil {
		log.WithError(err).Warn("Device not found. Unable to connect")
		return &TransportError{Op: "connect", Err: err}
	}

	log.Debug("Trying to create a new connection")
	m.handle = h
	m.address = address
	m.catalog = nil
	m.state = Connecting
	m.armConnectTimeout(gen)
	return nil
}

// Disconnect asks the transport to drop the link. The state changes when the
// transport confirms through its callback.
func (m *Machine) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireHandle("disconnect"); err != nil {
		return err
	}
	if err := m.transport.Disconnect(m.handle); err != nil {
		m.logger.WithError(err).WithField("address", m.address).Warn("Disconnect request failed")
		return &TransportError{Op: "disconnect", Err: err}
	}
	m.logger.WithField("address", m.address).Debug("Disconnect requested")
	return nil
}

// Close releases the transport handle. It is safe to call repeatedly and
// after Disconnect; callbacks still in flight for the released handle are ignored.
func (m *Machine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handle == nil {
		return nil
	}
	return m.release()
}

// ReadCharacteristic requests a read of c. The value arrives as a DataAvailable event.
func (m *Machine) ReadCharacteristic(c *Characteristic) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireHandle("read characteristic"); err != nil {
		return err
	}
	if c == nil {
		m.logger.Warn("Read requested for a nil characteristic")
		return &LifecycleError{Kind: InvalidRequest, Msg: "characteristic is nil"}
	}
	if err := m.transport.ReadCharacteristic(m.handle, c); err != nil {
		m.logger.WithError(err).WithField("char_uuid", c.UUID).Warn("Read request failed")
		return &TransportError{Op: "read", Err: err}
	}
	return nil
}

// SetCharacteristicNotification enables or disables value-change delivery for c.
// For the Heart Rate Measurement characteristic the client configuration
// descriptor is written as well, so the peripheral starts or stops pushing values.
func (m *Machine) SetCharacteristicNotification(c *Characteristic, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireHandle("set notification"); err != nil {
		return err
	}
	if c == nil {
		m.logger.Warn("Notification change requested for a nil characteristic")
		return &LifecycleError{Kind: InvalidRequest, Msg: "characteristic is nil"}
	}

	log := m.logger.WithFields(logrus.Fields{
		"char_uuid": c.UUID,
		"enabled":   enabled,
	})

	if err := m.transport.SetNotification(m.handle, c, enabled); err != nil {
		log.WithError(err).Warn("Notification registration failed")
		return &TransportError{Op: "set notification", Err: err}
	}

	if !decoder.IsHeartRateMeasurement(c.UUID) {
		return nil
	}

	d, err := c.Descriptor(decoder.ClientCharacteristicConfigUUID)
	if err != nil {
		log.WithError(err).Warn("Heart rate characteristic has no client configuration descriptor")
		return err
	}
	value := cccdDisable
	if enabled {
		value = cccdEnable
	}
	if err := m.transport.WriteDescriptor(m.handle, d, value); err != nil {
		log.WithError(err).Warn("Client configuration write failed")
		return &TransportError{Op: "write descriptor", Err: err}
	}
	log.Debug("Client configuration write requested")
	return nil
}

// SupportedGattServices returns the most recently discovered catalog. It is nil
// when there is no handle and empty until discovery succeeds.
func (m *Machine) SupportedGattServices() *ServiceCatalog {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handle == nil {
		return nil
	}
	if m.catalog == nil {
		return NewServiceCatalog()
	}
	return m.catalog
}

// requireHandle must be called with mu held.
func (m *Machine) requireHandle(op string) error {
	if m.transport == nil {
		m.logger.WithField("op", op).Warn("Bluetooth transport not initialized")
		return ErrCapabilityUnavailable
	}
	if m.handle == nil {
		m.logger.WithField("op", op).Warn("No active connection handle")
		return ErrNoHandle
	}
	return nil
}

// release must be called with mu held and a non-nil handle.
func (m *Machine) release() error {
	h := m.handle
	address := m.address

	m.stopConnectTimeout()
	m.handle = nil
	m.address = ""
	m.catalog = nil
	m.gen++

	var closeErr error
	if err := m.transport.CloseHandle(h); err != nil {
		m.logger.WithError(err).WithField("address", address).Warn("Transport failed to close handle")
		closeErr = &TransportError{Op: "close", Err: err}
	}

	if m.state != Disconnected {
		m.state = Disconnected
		m.emit(Event{Action: ActionDisconnected, Address: address})
	}
	m.logger.WithField("address", address).Debug("Connection handle released")
	return closeErr
}

// current must be called with mu held.
func (m *Machine) current(gen uint64) bool {
	return m.handle != nil && m.gen == gen
}

func (m *Machine) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	m.sink.Emit(e)
}

func (m *Machine) armConnectTimeout(gen uint64) {
	m.stopConnectTimeout()
	if m.opts.ConnectTimeout <= 0 {
		return
	}
	seq := m.timerSeq
	m.connectTimer = time.AfterFunc(m.opts.ConnectTimeout, func() {
		m.onConnectTimeout(gen, seq)
	})
}

func (m *Machine) stopConnectTimeout() {
	m.timerSeq++
	if m.connectTimer != nil {
		m.connectTimer.Stop()
		m.connectTimer = nil
	}
}

func (m *Machine) onConnectTimeout(gen, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.current(gen) || seq != m.timerSeq || m.state != Connecting {
		return
	}
	log := m.logger.WithFields(logrus.Fields{
		"address": m.address,
		"timeout": m.opts.ConnectTimeout,
	})
	log.Warn("Connection attempt timed out, cancelling")

	if err := m.transport.Disconnect(m.handle); err != nil {
		// nothing will report back; settle the state here
		log.WithError(err).Warn("Cancel request failed, marking disconnected")
		m.state = Disconnected
		m.emit(Event{Action: ActionDisconnected, Address: m.address})
	}
}

func (m *Machine) onConnectionStateChange(gen uint64, status Status, link LinkState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.logger.WithFields(logrus.Fields{
		"address": m.address,
		"status":  status,
		"link":    link,
	})
	if !m.current(gen) {
		log.Debug("Ignoring connection state change for a released handle")
		return
	}

	switch link {
	case LinkConnected:
		m.stopConnectTimeout()
		m.state = Connected
		m.emit(Event{Action: ActionConnected, Address: m.address})
		log.Info("Connected to GATT server")

		if err := m.transport.DiscoverServices(m.handle); err != nil {
			log.WithError(err).Warn("Failed to start service discovery")
			return
		}
		log.Debug("Service discovery started")

	case LinkDisconnected:
		m.stopConnectTimeout()
		if m.state == Disconnected {
			log.Debug("Already disconnected")
			return
		}
		m.state = Disconnected
		log.Info("Disconnected from GATT server")
		m.emit(Event{Action: ActionDisconnected, Address: m.address})
	}
}

func (m *Machine) onServicesDiscovered(gen uint64, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.logger.WithFields(logrus.Fields{
		"address": m.address,
		"status":  status,
	})
	if !m.current(gen) || m.state != Connected {
		log.WithField("state", m.state).Debug("Ignoring service discovery result outside a connected session")
		return
	}
	if status != StatusSuccess {
		log.Warn("Service discovery failed")
		return
	}

	catalog := m.transport.Services(m.handle)
	if catalog == nil {
		catalog = NewServiceCatalog()
	}
	m.catalog = catalog
	log.WithField("services", catalog.Len()).Info("Services discovered")
	m.emit(Event{Action: ActionServicesDiscovered, Address: m.address, Catalog: catalog})
}

func (m *Machine) onCharacteristicRead(gen uint64, c *Characteristic, value []byte, status Status) {
	m.mu.Lock()
	if !m.current(gen) || c == nil || m.state != Connected {
		m.logger.WithField("state", m.state).Debug("Ignoring characteristic read outside a connected session")
		m.mu.Unlock()
		return
	}
	if status == StatusSuccess {
		m.publish(c, value)
		m.mu.Unlock()
		return
	}
	m.logger.WithFields(logrus.Fields{
		"char_uuid": c.UUID,
		"status":    status,
	}).Warn("Characteristic read failed")
	hook := m.opts.OnReadFailure
	m.mu.Unlock()

	if hook != nil {
		hook(c, status)
	}
}

func (m *Machine) onCharacteristicChanged(gen uint64, c *Characteristic, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.current(gen) || c == nil || m.state != Connected {
		m.logger.WithField("state", m.state).Debug("Ignoring notification outside a connected session")
		return
	}
	m.publish(c, value)
}

// publish must be called with mu held.
func (m *Machine) publish(c *Characteristic, value []byte) {
	flags := decoder.HeartRateFlags(m.opts.HeartRateFlags, int(c.Properties), value)
	v, ok := decoder.Decode(c.UUID, value, flags)
	log := m.logger.WithFields(logrus.Fields{
		"char_uuid": c.UUID,
		"len":       len(value),
	})
	if !ok {
		log.Debug("Nothing to report for characteristic value")
		return
	}
	if v.Kind == decoder.KindHeartRate {
		log.WithField("heart_rate", v.HeartRate).Debug("Received heart rate")
	}
	m.emit(Event{
		Action:         ActionDataAvailable,
		Address:        m.address,
		Characteristic: c,
		Value:          &v,
	})
}

// binding routes callbacks of one handle generation into the machine.
type binding struct {
	m   *Machine
	gen uint64
}

func (b *binding) OnConnectionStateChange(status Status, state LinkState) {
	b.m.onConnectionStateChange(b.gen, status, state)
}

func (b *binding) OnServicesDiscovered(status Status) {
	b.m.onServicesDiscovered(b.gen, status)
}

func (b *binding) OnCharacteristicRead(c *Characteristic, value []byte, status Status) {
	b.m.onCharacteristicRead(b.gen, c, value, status)
}

func (b *binding) OnCharacteristicChanged(c *Characteristic, value []byte) {
	b.m.onCharacteristicChanged(b.gen, c, value)
}
