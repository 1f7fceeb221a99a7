package gatt

// Handle is a transport connection bound to one peripheral address.
// Its concrete type belongs to the Transport that created it.
type Handle interface {
	Address() string
}

// Callback receives asynchronous results for one handle.
//
// Transports may invoke callbacks from any goroutine but must not invoke them
// from inside a Transport method call.
type Callback interface {
	OnConnectionStateChange(status Status, state LinkState)
	OnServicesDiscovered(status Status)
	OnCharacteristicRead(c *Characteristic, value []byte, status Status)
	OnCharacteristicChanged(c *Characteristic, value []byte)
}

// Transport is the radio-side driver used by a Machine.
// Every request returns as soon as it is issued; results arrive through the Callback
// registered with ConnectDevice.
type Transport interface {
	// ConnectDevice creates a handle for address and starts connecting it.
	ConnectDevice(address string, autoConnect bool, cb Callback) (Handle, error)
	// Reconnect starts connecting an existing handle again.
	Reconnect(h Handle) error
	// Disconnect drops the link or cancels a pending connect. The handle stays usable.
	Disconnect(h Handle) error
	// CloseHandle releases the handle. No callbacks follow.
	CloseHandle(h Handle) error
	DiscoverServices(h Handle) error
	ReadCharacteristic(h Handle, c *Characteristic) error
	// SetNotification registers or removes local delivery of value changes for c.
	SetNotification(h Handle, c *Characteristic, enabled bool) error
	WriteDescriptor(h Handle, d *Descriptor, value []byte) error
	// Services returns the catalog from the last successful discovery, or nil.
	Services(h Handle) *ServiceCatalog
}

// TransportFactory acquires the platform transport. It fails when the
// Bluetooth capability is not available.
type TransportFactory func() (Transport, error)
