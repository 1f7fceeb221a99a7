package gatt

import (
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/gattlink/internal/bledb"
)

// Property is the characteristic property bit field as advertised by the peripheral.
type Property int

const (
	PropBroadcast   Property = 0x01
	PropRead        Property = 0x02
	PropWriteNR     Property = 0x04
	PropWrite       Property = 0x08
	PropNotify      Property = 0x10
	PropIndicate    Property = 0x20
	PropSignedWrite Property = 0x40
	PropExtended    Property = 0x80
)

var propertyNames = []struct {
	bit  Property
	name string
}{
	{PropBroadcast, "Broadcast"},
	{PropRead, "Read"},
	{PropWriteNR, "WriteWithoutResponse"},
	{PropWrite, "Write"},
	{PropNotify, "Notify"},
	{PropIndicate, "Indicate"},
	{PropSignedWrite, "AuthenticatedSignedWrites"},
	{PropExtended, "ExtendedProperties"},
}

// Has reports whether every bit of q is set.
func (p Property) Has(q Property) bool {
	return p&q == q
}

// Names lists the set properties in bit order.
func (p Property) Names() []string {
	var names []string
	for _, pn := range propertyNames {
		if p&pn.bit != 0 {
			names = append(names, pn.name)
		}
	}
	return names
}

func (p Property) String() string {
	return strings.Join(p.Names(), ",")
}

// Descriptor is a discovered characteristic descriptor.
type Descriptor struct {
	UUID string
	Name string

	// Ref is the transport's native descriptor. The Machine never inspects it.
	Ref any
}

// NewDescriptor builds a descriptor with a normalized UUID and its assigned name.
func NewDescriptor(uuid string, ref any) *Descriptor {
	return &Descriptor{
		UUID: bledb.NormalizeUUID(uuid),
		Name: bledb.LookupDescriptor(uuid),
		Ref:  ref,
	}
}

// Characteristic is a discovered characteristic and its descriptors.
type Characteristic struct {
	UUID        string
	Name        string
	Service     string
	Properties  Property
	Descriptors []*Descriptor

	// Ref is the transport's native characteristic. The Machine never inspects it.
	Ref any
}

// NewCharacteristic builds a characteristic with a normalized UUID and its assigned name.
func NewCharacteristic(uuid string, props Property, ref any, descriptors ...*Descriptor) *Characteristic {
	return &Characteristic{
		UUID:        bledb.NormalizeUUID(uuid),
		Name:        bledb.LookupCharacteristic(uuid),
		Properties:  props,
		Descriptors: descriptors,
		Ref:         ref,
	}
}

// Descriptor finds a descriptor by UUID.
func (c *Characteristic) Descriptor(uuid string) (*Descriptor, error) {
	n := bledb.NormalizeUUID(uuid)
	for _, d := range c.Descriptors {
		if d.UUID == n {
			return d, nil
		}
	}
	return nil, &NotFoundError{Resource: "descriptor", UUIDs: []string{c.UUID, uuid}}
}

// Service is a discovered service with its characteristics in discovery order.
type Service struct {
	UUID string
	Name string

	chars *orderedmap.OrderedMap[string, *Characteristic]
}

// NewService builds a service and binds the characteristics to it.
// A later characteristic with a duplicate UUID replaces the earlier one in place.
func NewService(uuid string, chars ...*Characteristic) *Service {
	s := &Service{
		UUID:  bledb.NormalizeUUID(uuid),
		Name:  bledb.LookupService(uuid),
		chars: orderedmap.New[string, *Characteristic](),
	}
	for _, c := range chars {
		c.Service = s.UUID
		s.chars.Set(c.UUID, c)
	}
	return s
}

// Characteristics returns the characteristics in discovery order.
func (s *Service) Characteristics() []*Characteristic {
	out := make([]*Characteristic, 0, s.chars.Len())
	for pair := s.chars.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Characteristic finds a characteristic of this service by UUID.
func (s *Service) Characteristic(uuid string) (*Characteristic, error) {
	c, ok := s.chars.Get(bledb.NormalizeUUID(uuid))
	if !ok {
		return nil, &NotFoundError{Resource: "characteristic", UUIDs: []string{s.UUID, uuid}}
	}
	return c, nil
}

// ServiceCatalog is an ordered snapshot of the services discovered on a peripheral.
// A catalog is never modified after it is built.
type ServiceCatalog struct {
	services *orderedmap.OrderedMap[string, *Service]
}

// NewServiceCatalog builds a catalog keeping the given order.
func NewServiceCatalog(services ...*Service) *ServiceCatalog {
	c := &ServiceCatalog{services: orderedmap.New[string, *Service]()}
	for _, s := range services {
		c.services.Set(s.UUID, s)
	}
	return c
}

// Len returns the number of services. A nil catalog is empty.
func (c *ServiceCatalog) Len() int {
	if c == nil {
		return 0
	}
	return c.services.Len()
}

// Services returns the services in discovery order.
func (c *ServiceCatalog) Services() []*Service {
	if c == nil {
		return nil
	}
	out := make([]*Service, 0, c.services.Len())
	for pair := c.services.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Service finds a service by UUID.
func (c *ServiceCatalog) Service(uuid string) (*Service, error) {
	if c != nil {
		if s, ok := c.services.Get(bledb.NormalizeUUID(uuid)); ok {
			return s, nil
		}
	}
	return nil, &NotFoundError{Resource: "service", UUIDs: []string{uuid}}
}

// Characteristic finds a characteristic by service and characteristic UUID.
func (c *ServiceCatalog) Characteristic(service, uuid string) (*Characteristic, error) {
	s, err := c.Service(service)
	if err != nil {
		return nil, err
	}
	return s.Characteristic(uuid)
}

// FindCharacteristic returns the first characteristic with the given UUID in any service.
func (c *ServiceCatalog) FindCharacteristic(uuid string) (*Characteristic, error) {
	n := bledb.NormalizeUUID(uuid)
	for _, s := range c.Services() {
		if ch, ok := s.chars.Get(n); ok {
			return ch, nil
		}
	}
	return nil, &NotFoundError{Resource: "characteristic", UUIDs: []string{uuid}}
}
