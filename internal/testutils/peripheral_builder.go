package testutils

import (
	"github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"
)

// PeripheralBuilder builds a mocked go-ble peripheral with a GATT profile.
type PeripheralBuilder struct {
	services []*ble.Service
}

// NewPeripheralBuilder creates an empty builder.
func NewPeripheralBuilder() *PeripheralBuilder {
	return &PeripheralBuilder{}
}

// WithService adds a service. Characteristics added afterwards belong to it.
func (b *PeripheralBuilder) WithService(uuid string) *PeripheralBuilder {
	b.services = append(b.services, &ble.Service{UUID: ble.MustParse(uuid)})
	return b
}

// WithCharacteristic adds a characteristic to the last service.
// Notifying and indicating characteristics get a CCCD.
func (b *PeripheralBuilder) WithCharacteristic(uuid string, props ble.Property, value []byte) *PeripheralBuilder {
	if len(b.services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	c := &ble.Characteristic{
		UUID:     ble.MustParse(uuid),
		Property: props,
		Value:    value,
	}
	if props&(ble.CharNotify|ble.CharIndicate) != 0 {
		cccd := &ble.Descriptor{UUID: ble.ClientCharacteristicConfigUUID}
		c.CCCD = cccd
		c.Descriptors = append(c.Descriptors, cccd)
	}
	s := b.services[len(b.services)-1]
	s.Characteristics = append(s.Characteristics, c)
	return b
}

// Profile returns the profile built so far.
func (b *PeripheralBuilder) Profile() *ble.Profile {
	return &ble.Profile{Services: b.services}
}

// Characteristic returns the native characteristic with the given UUID, or nil.
func (b *PeripheralBuilder) Characteristic(uuid string) *ble.Characteristic {
	want := ble.MustParse(uuid)
	for _, s := range b.services {
		for _, c := range s.Characteristics {
			if c.UUID.Equal(want) {
				return c
			}
		}
	}
	return nil
}

// Build returns a device whose Dial yields a client serving the profile.
// Expectations are registered with Maybe so tests only assert what they care about.
func (b *PeripheralBuilder) Build() (*MockDevice, *MockClient) {
	dev := &MockDevice{}
	client := NewMockClient()

	dev.On("Dial", mock.Anything, mock.Anything).Return(client, nil).Maybe()
	client.On("DiscoverProfile", true).Return(b.Profile(), nil).Maybe()
	client.On("CancelConnection").Return(nil).Maybe()
	client.On("WriteDescriptor", mock.Anything, mock.Anything).Return(nil).Maybe()

	for _, s := range b.services {
		for _, c := range s.Characteristics {
			if c.Property&ble.CharRead != 0 {
				client.On("ReadCharacteristic", c).Return(c.Value, nil).Maybe()
			}
			if c.Property&(ble.CharNotify|ble.CharIndicate) != 0 {
				ind := c.Property&ble.CharNotify == 0
				client.On("Subscribe", c, ind, mock.Anything).Return(nil).Maybe()
				client.On("Unsubscribe", c, ind).Return(nil).Maybe()
			}
		}
	}
	return dev, client
}

// HeartRateSensor is a builder preloaded with Heart Rate and Battery services.
func HeartRateSensor() *PeripheralBuilder {
	return NewPeripheralBuilder().
		WithService("180D").
		WithCharacteristic("2A37", ble.CharNotify, []byte{0x00, 0x4B}).
		WithCharacteristic("2A38", ble.CharRead, []byte{0x01}).
		WithService("180F").
		WithCharacteristic("2A19", ble.CharRead|ble.CharNotify, []byte{0x55})
}
