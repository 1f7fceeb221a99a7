package gatt

import (
	"time"

	"github.com/srg/gattlink/internal/decoder"
)

// Action tags a lifecycle event.
type Action string

const (
	ActionConnected          Action = "connected"
	ActionDisconnected       Action = "disconnected"
	ActionServicesDiscovered Action = "services_discovered"
	ActionDataAvailable      Action = "data_available"
)

// Event is published by a Machine to its EventSink.
// Catalog is set for ActionServicesDiscovered; Characteristic and Value for ActionDataAvailable.
type Event struct {
	Action         Action
	Address        string
	Time           time.Time
	Catalog        *ServiceCatalog
	Characteristic *Characteristic
	Value          *decoder.Value
}

// EventSink receives lifecycle events.
// Emit is called while the Machine holds its state lock: it must not block
// and must not call back into the Machine.
type EventSink interface {
	Emit(Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// MultiSink emits every event to each sink in order.
type MultiSink []EventSink

func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

type discardSink struct{}

func (discardSink) Emit(Event) {}
