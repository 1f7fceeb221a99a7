package goble

import (
	"github.com/go-ble/ble"

	"github.com/srg/gattlink/internal/bledb"
	"github.com/srg/gattlink/internal/gatt"
)

// NewCatalog converts a discovered go-ble profile into a ServiceCatalog.
// Native characteristics and descriptors are kept as Ref so requests can be
// routed back to the client.
func NewCatalog(p *ble.Profile) *gatt.ServiceCatalog {
	if p == nil {
		return gatt.NewServiceCatalog()
	}
	services := make([]*gatt.Service, 0, len(p.Services))
	for _, s := range p.Services {
		chars := make([]*gatt.Characteristic, 0, len(s.Characteristics))
		for _, c := range s.Characteristics {
			chars = append(chars, newCharacteristic(c))
		}
		services = append(services, gatt.NewService(s.UUID.String(), chars...))
	}
	return gatt.NewServiceCatalog(services...)
}

func newCharacteristic(c *ble.Characteristic) *gatt.Characteristic {
	descs := make([]*gatt.Descriptor, 0, len(c.Descriptors)+1)
	hasCCCD := false
	for _, d := range c.Descriptors {
		gd := gatt.NewDescriptor(d.UUID.String(), d)
		if gd.UUID == cccdUUID {
			hasCCCD = true
		}
		descs = append(descs, gd)
	}
	// some stacks expose the CCCD only through the dedicated field
	if c.CCCD != nil && !hasCCCD {
		descs = append(descs, gatt.NewDescriptor(c.CCCD.UUID.String(), c.CCCD))
	}
	return gatt.NewCharacteristic(c.UUID.String(), gatt.Property(c.Property), c, descs...)
}

var cccdUUID = bledb.NormalizeUUID("2902")
