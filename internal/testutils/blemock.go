// Package testutils holds go-ble mocks, a peripheral builder and output asserters for tests.
package testutils

import (
	"context"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
)

// NewTestLogger returns a debug-level logger so test runs show the execution flow.
func NewTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	return logger
}

// MockDevice mocks ble.Device. Only Dial is implemented; other methods panic.
type MockDevice struct {
	ble.Device
	mock.Mock
}

func (m *MockDevice) Dial(ctx context.Context, a ble.Addr) (ble.Client, error) {
	args := m.Called(ctx, a)
	c, _ := args.Get(0).(ble.Client)
	return c, args.Error(1)
}

// MockClient mocks ble.Client for the calls a link issues.
// Subscribed handlers are kept so tests can push notifications with Notify.
type MockClient struct {
	ble.Client
	mock.Mock

	mu           sync.Mutex
	counts       map[string]int
	handlers     map[*ble.Characteristic]ble.NotificationHandler
	disconnected chan struct{}
	dropOnce     sync.Once
}

// NewMockClient returns a client with an open disconnect channel.
func NewMockClient() *MockClient {
	return &MockClient{
		counts:       make(map[string]int),
		handlers:     make(map[*ble.Characteristic]ble.NotificationHandler),
		disconnected: make(chan struct{}),
	}
}

func (m *MockClient) count(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[method]++
}

// Count returns how many times method was invoked. Safe to poll from tests.
func (m *MockClient) Count(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[method]
}

func (m *MockClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	m.count("DiscoverProfile")
	args := m.Called(force)
	p, _ := args.Get(0).(*ble.Profile)
	return p, args.Error(1)
}

func (m *MockClient) ReadCharacteristic(c *ble.Characteristic) ([]byte, error) {
	m.count("ReadCharacteristic")
	args := m.Called(c)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

func (m *MockClient) WriteDescriptor(d *ble.Descriptor, v []byte) error {
	m.count("WriteDescriptor")
	return m.Called(d, v).Error(0)
}

func (m *MockClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	m.count("Subscribe")
	err := m.Called(c, ind, h).Error(0)
	if err == nil {
		m.mu.Lock()
		m.handlers[c] = h
		m.mu.Unlock()
	}
	return err
}

func (m *MockClient) Unsubscribe(c *ble.Characteristic, ind bool) error {
	m.count("Unsubscribe")
	err := m.Called(c, ind).Error(0)
	if err == nil {
		m.mu.Lock()
		delete(m.handlers, c)
		m.mu.Unlock()
	}
	return err
}

func (m *MockClient) CancelConnection() error {
	m.count("CancelConnection")
	return m.Called().Error(0)
}

// Disconnected is closed by Drop.
func (m *MockClient) Disconnected() <-chan struct{} {
	return m.disconnected
}

// Drop simulates a link loss reported by the stack.
func (m *MockClient) Drop() {
	m.dropOnce.Do(func() { close(m.disconnected) })
}

// Subscribed reports whether a notification handler is registered for c.
func (m *MockClient) Subscribed(c *ble.Characteristic) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handlers[c]
	return ok
}

// Notify delivers data to the handler subscribed for c. It reports false when there is none.
func (m *MockClient) Notify(c *ble.Characteristic, data []byte) bool {
	m.mu.Lock()
	h, ok := m.handlers[c]
	m.mu.Unlock()
	if !ok {
		return false
	}
	h(data)
	return true
}
