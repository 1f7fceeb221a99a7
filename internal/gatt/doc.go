// Package gatt implements the central-side GATT connection lifecycle for a
// single BLE peripheral.
//
// A Machine tracks the connection state (disconnected, connecting, connected),
// reacts to asynchronous callbacks delivered by a Transport, requests service
// discovery once a link comes up, and publishes lifecycle events to an
// EventSink:
//   - Connected and Disconnected on link state changes
//   - ServicesDiscovered carrying a read-only ServiceCatalog snapshot
//   - DataAvailable carrying a decoded characteristic value
//
// Requests never wait for radio work; their outcome is reported later as
// events. Callbacks may arrive on any goroutine; the Machine serializes them
// and drops those addressed to a handle that is no longer current.
package gatt
