package gatt_test

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/gattlink/internal/decoder"
	"github.com/srg/gattlink/internal/gatt"
	"github.com/srg/gattlink/internal/gatt/gatttest"
)

const testAddress = "AA:BB:CC:DD:EE:FF"

// eventLog is a synchronous sink collecting every event.
type eventLog struct {
	mu     sync.Mutex
	events []gatt.Event
}

func (l *eventLog) Emit(e gatt.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) Actions() []gatt.Action {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]gatt.Action, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Action)
	}
	return out
}

func (l *eventLog) Last() gatt.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 {
		return gatt.Event{}
	}
	return l.events[len(l.events)-1]
}

type MachineTestSuite struct {
	suite.Suite

	logger    *logrus.Logger
	transport *gatttest.FakeTransport
	events    *eventLog
	machine   *gatt.Machine
}

func (s *MachineTestSuite) SetupTest() {
	s.logger = logrus.New()
	s.logger.SetLevel(logrus.DebugLevel)
	s.transport = gatttest.NewFakeTransport(gatttest.HeartRateCatalog())
	s.events = &eventLog{}
	s.machine = gatt.NewMachine(s.transport.Factory(), s.events, s.logger, nil)
	s.Require().NoError(s.machine.Initialize(), "initialize MUST succeed with a working factory")
}

// SetupSubTest gives every subtest a fresh machine and transport.
func (s *MachineTestSuite) SetupSubTest() {
	s.SetupTest()
}

// connect drives the machine to Connected and returns the handle in use.
func (s *MachineTestSuite) connect() *gatttest.Handle {
	s.Require().NoError(s.machine.Connect(testAddress))
	h := s.transport.Latest()
	s.Require().NotNil(h, "transport MUST have issued a handle")
	h.Connected()
	s.Require().Equal(gatt.Connected, s.machine.State())
	return h
}

// discover drives the machine to Connected with a discovered catalog.
func (s *MachineTestSuite) discover() *gatttest.Handle {
	h := s.connect()
	h.Discovered(gatt.StatusSuccess)
	s.Require().Equal(gatt.ActionServicesDiscovered, s.events.Last().Action)
	return h
}

func (s *MachineTestSuite) characteristic(uuid string) *gatt.Characteristic {
	c, err := s.machine.SupportedGattServices().FindCharacteristic(uuid)
	s.Require().NoError(err, "characteristic %s MUST be in the catalog", uuid)
	return c
}

func (s *MachineTestSuite) TestInitialize() {
	s.Run("capability unavailable", func() {
		// GOAL: Verify a failing factory leaves the machine unusable without touching the transport
		//
		// TEST SCENARIO: Factory fails → Initialize returns ErrCapabilityUnavailable → Connect fails → zero transport calls

		// the factory hands out a transport alongside its error; it must stay untouched
		transport := gatttest.NewFakeTransport(gatttest.HeartRateCatalog())
		factory := func() (gatt.Transport, error) { return transport, gatttest.ErrInjected }
		m := gatt.NewMachine(factory, s.events, s.logger, nil)

		err := m.Initialize()
		s.Assert().ErrorIs(err, gatt.ErrCapabilityUnavailable, "initialize MUST report capability unavailable")

		err = m.Connect(testAddress)
		s.Assert().ErrorIs(err, gatt.ErrCapabilityUnavailable, "connect MUST fail without a transport")
		s.Assert().Empty(transport.Calls(), "no transport call MUST be issued")
		s.Assert().Equal(gatt.Disconnected, m.State(), "state MUST stay disconnected")

		s.Assert().ErrorIs(m.Disconnect(), gatt.ErrCapabilityUnavailable)
		s.Assert().ErrorIs(m.ReadCharacteristic(&gatt.Characteristic{UUID: "2a19"}), gatt.ErrCapabilityUnavailable)
		s.Assert().NoError(m.Close(), "close MUST be a no-op without a handle")
		s.Assert().Empty(transport.Calls(), "no transport call MUST be issued")
		s.Assert().Empty(s.events.Actions(), "no event MUST be emitted")
	})

	s.Run("nil factory", func() {
		m := gatt.NewMachine(nil, nil, s.logger, nil)
		s.Assert().ErrorIs(m.Initialize(), gatt.ErrCapabilityUnavailable)
	})

	s.Run("repeated initialize", func() {
		s.Assert().NoError(s.machine.Initialize(), "second initialize MUST be a no-op")
	})
}

func (s *MachineTestSuite) TestConnect() {
	s.Run("empty address", func() {
		// GOAL: Verify invalid addresses are rejected before reaching the transport
		//
		// TEST SCENARIO: Connect("  ") → ErrInvalidRequest → no transport call → state unchanged

		err := s.machine.Connect("  ")

		s.Assert().ErrorIs(err, gatt.ErrInvalidRequest, "MUST reject empty address")
		s.Assert().Empty(s.transport.Calls(), "no transport call MUST be issued")
		s.Assert().Equal(gatt.Disconnected, s.machine.State())
	})

	s.Run("new connection", func() {
		// GOAL: Verify connect issues a direct (non auto-connect) request and moves to Connecting
		//
		// TEST SCENARIO: Connect(addr) → one connect call with autoConnect=false → Connecting → no event yet

		s.Require().NoError(s.machine.Connect(testAddress))

		call, ok := s.transport.Last("connect")
		s.Require().True(ok, "connect MUST be issued")
		s.Assert().Equal(testAddress, call.Address)
		s.Assert().False(call.Enabled, "autoConnect MUST be false")
		s.Assert().Equal(gatt.Connecting, s.machine.State())
		s.Assert().Equal(testAddress, s.machine.Address())
		s.Assert().Empty(s.events.Actions(), "no event MUST be emitted before the callback")
	})
}

func (s *MachineTestSuite) TestConnectReusesHandle() {
	// GOAL: Verify a second connect to the same address reuses the handle
	//
	// TEST SCENARIO: Connect twice → one new connection request → one reconnect request → same handle

	s.Require().NoError(s.machine.Connect(testAddress))
	s.Require().NoError(s.machine.Connect("aa:bb:cc:dd:ee:ff"))

	s.Assert().Equal(1, s.transport.Count("connect"), "only one new connection MUST be requested")
	s.Assert().Equal(1, s.transport.Count("reconnect"), "the existing handle MUST be reconnected")
	s.Assert().Len(s.transport.Handles(), 1)
	s.Assert().Equal(gatt.Connecting, s.machine.State())
}

func (s *MachineTestSuite) TestReconnectFailure() {
	// GOAL: Verify a failed reconnect leaves the state untouched
	//
	// TEST SCENARIO: Connect → link down → reconnect fails → TransportError → state stays Disconnected

	h := s.connect()
	h.Disconnected()
	s.Require().Equal(gatt.Disconnected, s.machine.State())

	s.transport.Fail["reconnect"] = gatttest.ErrInjected
	err := s.machine.Connect(testAddress)

	var terr *gatt.TransportError
	s.Assert().ErrorAs(err, &terr, "MUST return a TransportError")
	s.Assert().Equal("reconnect", terr.Op)
	s.Assert().ErrorIs(err, gatttest.ErrInjected)
	s.Assert().Equal(gatt.Disconnected, s.machine.State(), "state MUST NOT change on reconnect failure")
}

func (s *MachineTestSuite) TestConnectDifferentAddress() {
	// GOAL: Verify switching devices releases the previous handle first
	//
	// TEST SCENARIO: Connected to A → Connect(B) → A closed → Disconnected event → new handle for B → Connecting

	first := s.connect()
	s.Require().NoError(s.machine.Connect("11:22:33:44:55:66"))

	s.Assert().True(s.transport.Closed(first), "previous handle MUST be closed")
	s.Assert().Equal(2, s.transport.Count("connect"))
	s.Assert().Equal([]gatt.Action{gatt.ActionConnected, gatt.ActionDisconnected}, s.events.Actions())
	s.Assert().Equal(gatt.Connecting, s.machine.State())
	s.Assert().Equal("11:22:33:44:55:66", s.machine.Address())

	first.Connected()
	s.Assert().Equal(gatt.Connecting, s.machine.State(), "callbacks from the released handle MUST be ignored")
}

func (s *MachineTestSuite) TestConnectTransportFailure() {
	s.transport.Fail["connect"] = gatttest.ErrInjected

	err := s.machine.Connect(testAddress)

	var terr *gatt.TransportError
	s.Assert().ErrorAs(err, &terr)
	s.Assert().Equal("connect", terr.Op)
	s.Assert().Equal(gatt.Disconnected, s.machine.State())
	s.Assert().Nil(s.machine.SupportedGattServices(), "no handle MUST mean no catalog")
}

func (s *MachineTestSuite) TestConnectedCallback() {
	// GOAL: Verify the connected callback moves to Connected, emits and starts discovery
	//
	// TEST SCENARIO: Connect → connected callback → Connected event → discover requested on the same handle

	s.connect()

	s.Assert().Equal([]gatt.Action{gatt.ActionConnected}, s.events.Actions())
	s.Assert().Equal(testAddress, s.events.Last().Address)
	s.Assert().False(s.events.Last().Time.IsZero(), "event MUST carry a timestamp")
	s.Assert().Equal(1, s.transport.Count("discover"), "discovery MUST be requested once")
	s.Assert().Equal(0, s.machine.SupportedGattServices().Len(), "catalog MUST be empty before discovery")
}

func (s *MachineTestSuite) TestDisconnectedCallback() {
	s.Run("from connected", func() {
		h := s.connect()
		h.Disconnected()

		s.Assert().Equal(gatt.Disconnected, s.machine.State())
		s.Assert().Equal([]gatt.Action{gatt.ActionConnected, gatt.ActionDisconnected}, s.events.Actions())
	})

	s.Run("from connecting", func() {
		// GOAL: Verify an unexpected link loss while connecting is handled like any disconnect
		//
		// TEST SCENARIO: Connect → link down before link up → Disconnected event

		events := &eventLog{}
		transport := gatttest.NewFakeTransport(nil)
		m := gatt.NewMachine(transport.Factory(), events, s.logger, nil)
		s.Require().NoError(m.Initialize())
		s.Require().NoError(m.Connect(testAddress))

		transport.Latest().Disconnected()

		s.Assert().Equal(gatt.Disconnected, m.State())
		s.Assert().Equal([]gatt.Action{gatt.ActionDisconnected}, events.Actions())
	})

	s.Run("duplicate", func() {
		events := &eventLog{}
		transport := gatttest.NewFakeTransport(nil)
		m := gatt.NewMachine(transport.Factory(), events, s.logger, nil)
		s.Require().NoError(m.Initialize())
		s.Require().NoError(m.Connect(testAddress))

		h := transport.Latest()
		h.Disconnected()
		h.Disconnected()

		s.Assert().Equal([]gatt.Action{gatt.ActionDisconnected}, events.Actions(), "a repeated link-down MUST NOT emit twice")
	})
}

func (s *MachineTestSuite) TestDisconnect() {
	s.Run("without handle", func() {
		s.Assert().ErrorIs(s.machine.Disconnect(), gatt.ErrNoHandle)
		s.Assert().Empty(s.transport.Calls())
	})

	s.Run("state follows callback", func() {
		// GOAL: Verify disconnect is not optimistic
		//
		// TEST SCENARIO: Connected → Disconnect() → still Connected → callback → Disconnected

		h := s.connect()
		s.Require().NoError(s.machine.Disconnect())

		s.Assert().Equal(1, s.transport.Count("disconnect"))
		s.Assert().Equal(gatt.Connected, s.machine.State(), "state MUST wait for the callback")

		h.Disconnected()
		s.Assert().Equal(gatt.Disconnected, s.machine.State())
	})

	s.Run("transport failure", func() {
		s.connect()
		s.transport.Fail["disconnect"] = gatttest.ErrInjected

		var terr *gatt.TransportError
		s.Assert().ErrorAs(s.machine.Disconnect(), &terr)
		s.Assert().Equal(gatt.Connected, s.machine.State())
	})
}

func (s *MachineTestSuite) TestClose() {
	s.Run("idempotent without handle", func() {
		s.Assert().NoError(s.machine.Close())
		s.Assert().NoError(s.machine.Close())
		s.Assert().Zero(s.transport.Count("close"))
	})

	s.Run("forces disconnected", func() {
		// GOAL: Verify close releases the handle and never leaves a stale Connected state
		//
		// TEST SCENARIO: Connected → Close() → handle closed → Disconnected event → catalog nil → second Close no-op

		h := s.discover()
		s.Require().NoError(s.machine.Close())

		s.Assert().True(s.transport.Closed(h), "handle MUST be closed")
		s.Assert().Equal(gatt.Disconnected, s.machine.State())
		s.Assert().Equal(gatt.ActionDisconnected, s.events.Last().Action)
		s.Assert().Equal(testAddress, s.events.Last().Address)
		s.Assert().Nil(s.machine.SupportedGattServices())
		s.Assert().Empty(s.machine.Address())

		s.Assert().NoError(s.machine.Close(), "second close MUST be a no-op")
		s.Assert().Equal(1, s.transport.Count("close"))
	})

	s.Run("after disconnect ignores late callbacks", func() {
		// GOAL: Verify disconnect followed by close is safe against in-flight callbacks
		//
		// TEST SCENARIO: Connected → Disconnect → Close → late connected/discovered/read callbacks → no state change, no events

		h := s.connect()
		s.Require().NoError(s.machine.Disconnect())
		s.Require().NoError(s.machine.Close())
		before := s.events.Actions()

		h.Connected()
		h.Discovered(gatt.StatusSuccess)
		h.Read(gatt.NewCharacteristic("2a19", gatt.PropRead, nil), []byte{0x55}, gatt.StatusSuccess)
		h.Notify(gatt.NewCharacteristic("2a19", gatt.PropRead, nil), []byte{0x55})
		h.Disconnected()

		s.Assert().Equal(gatt.Disconnected, s.machine.State())
		s.Assert().Equal(before, s.events.Actions(), "stale callbacks MUST NOT emit")
		s.Assert().Equal(1, s.transport.Count("discover"), "stale link-up MUST NOT start discovery")
	})

	s.Run("transport close failure still releases", func() {
		events := &eventLog{}
		transport := gatttest.NewFakeTransport(nil)
		m := gatt.NewMachine(transport.Factory(), events, s.logger, nil)
		s.Require().NoError(m.Initialize())
		s.Require().NoError(m.Connect(testAddress))
		transport.Fail["close"] = gatttest.ErrInjected

		var terr *gatt.TransportError
		s.Assert().ErrorAs(m.Close(), &terr)
		s.Assert().Nil(m.SupportedGattServices(), "handle MUST be released regardless")
		s.Assert().NoError(m.Close())
	})
}

func (s *MachineTestSuite) TestServicesDiscovered() {
	s.Run("success", func() {
		// GOAL: Verify successful discovery publishes the transport catalog
		//
		// TEST SCENARIO: Connected → discovery success → ServicesDiscovered event with catalog → SupportedGattServices returns it

		s.discover()

		ev := s.events.Last()
		s.Require().NotNil(ev.Catalog, "event MUST carry the catalog")
		s.Assert().Equal(2, ev.Catalog.Len())
		s.Assert().Same(ev.Catalog, s.machine.SupportedGattServices())
	})

	s.Run("failure status", func() {
		h := s.connect()
		before := s.events.Actions()

		h.Discovered(gatt.StatusFailure)

		s.Assert().Equal(before, s.events.Actions(), "failed discovery MUST NOT emit")
		s.Assert().Equal(gatt.Connected, s.machine.State(), "failed discovery MUST NOT change state")
		s.Assert().Equal(0, s.machine.SupportedGattServices().Len())
	})

	s.Run("ignored while disconnected", func() {
		// GOAL: Verify a late discovery result cannot resurrect a session
		//
		// TEST SCENARIO: Connected → link down → discovery success → no event, state Disconnected

		h := s.connect()
		h.Disconnected()
		before := s.events.Actions()

		h.Discovered(gatt.StatusSuccess)

		s.Assert().Equal(gatt.Disconnected, s.machine.State())
		s.Assert().Equal(before, s.events.Actions())
	})

	s.Run("ignored while connecting", func() {
		events := &eventLog{}
		transport := gatttest.NewFakeTransport(gatttest.HeartRateCatalog())
		m := gatt.NewMachine(transport.Factory(), events, s.logger, nil)
		s.Require().NoError(m.Initialize())
		s.Require().NoError(m.Connect(testAddress))

		transport.Latest().Discovered(gatt.StatusSuccess)

		s.Assert().Empty(events.Actions())
		s.Assert().Equal(gatt.Connecting, m.State())
	})

	s.Run("nil transport catalog", func() {
		events := &eventLog{}
		transport := gatttest.NewFakeTransport(nil)
		m := gatt.NewMachine(transport.Factory(), events, s.logger, nil)
		s.Require().NoError(m.Initialize())
		s.Require().NoError(m.Connect(testAddress))
		h := transport.Latest()
		h.Connected()
		h.Discovered(gatt.StatusSuccess)

		s.Require().NotNil(events.Last().Catalog)
		s.Assert().Equal(0, events.Last().Catalog.Len())
	})
}

func (s *MachineTestSuite) TestCharacteristicRead() {
	s.Run("raw value", func() {
		// GOAL: Verify successful reads are decoded and published
		//
		// TEST SCENARIO: Read battery level → callback with 01 AB 0F → DataAvailable with hex and raw bytes

		h := s.discover()
		c := s.characteristic("2a19")

		s.Require().NoError(s.machine.ReadCharacteristic(c))
		call, _ := s.transport.Last("read")
		s.Assert().Equal("2a19", call.UUID)

		h.Read(c, []byte{0x01, 0xAB, 0x0F}, gatt.StatusSuccess)

		ev := s.events.Last()
		s.Require().Equal(gatt.ActionDataAvailable, ev.Action)
		s.Require().NotNil(ev.Value)
		s.Assert().Equal(decoder.KindRaw, ev.Value.Kind)
		s.Assert().Equal("01 AB 0F", ev.Value.Hex)
		s.Assert().Equal([]byte{0x01, 0xAB, 0x0F}, ev.Value.Raw)
		s.Assert().Same(c, ev.Characteristic)
	})

	s.Run("failure status", func() {
		h := s.discover()
		c := s.characteristic("2a19")
		before := s.events.Actions()

		h.Read(c, []byte{0x01}, gatt.StatusReadNotPermitted)

		s.Assert().Equal(before, s.events.Actions(), "failed read MUST NOT emit")
	})

	s.Run("failure reported to hook", func() {
		// GOAL: Verify failed reads reach the failure hook without emitting an event
		//
		// TEST SCENARIO: Read fails with read_not_permitted → hook sees 2a19 and the status → hook may call back into the machine → no event

		var failed []gatt.Status
		var m *gatt.Machine
		m = gatt.NewMachine(s.transport.Factory(), s.events, s.logger, &gatt.Options{
			OnReadFailure: func(c *gatt.Characteristic, status gatt.Status) {
				s.Assert().Equal("2a19", c.UUID)
				s.Assert().Equal(gatt.Connected, m.State(), "hook MUST run outside the machine lock")
				failed = append(failed, status)
			},
		})
		s.machine = m
		s.Require().NoError(m.Initialize())
		h := s.discover()
		c := s.characteristic("2a19")
		before := s.events.Actions()

		h.Read(c, []byte{0x01}, gatt.StatusReadNotPermitted)
		h.Read(c, []byte{0x4B}, gatt.StatusSuccess)

		s.Assert().Equal([]gatt.Status{gatt.StatusReadNotPermitted}, failed, "only the failed read MUST reach the hook")
		s.Assert().Len(s.events.Actions(), len(before)+1, "only the successful read MUST emit")
	})

	s.Run("empty payload", func() {
		h := s.discover()
		c := s.characteristic("2a19")
		before := s.events.Actions()

		h.Read(c, nil, gatt.StatusSuccess)

		s.Assert().Equal(before, s.events.Actions(), "empty payload MUST NOT emit")
	})

	s.Run("after link down", func() {
		// GOAL: Verify values arriving after the link dropped are not published
		//
		// TEST SCENARIO: Discover → link down → late notification and read on the still-current handle → no event

		h := s.discover()
		c := s.characteristic("2a19")
		h.Disconnected()
		s.Require().Equal(gatt.Disconnected, s.machine.State())
		before := s.events.Actions()

		h.Notify(c, []byte{0x55})
		h.Read(c, []byte{0x56}, gatt.StatusSuccess)

		s.Assert().Equal(before, s.events.Actions(), "a disconnected session MUST NOT publish data")
		s.Assert().Equal(gatt.Disconnected, s.machine.State())
	})

	s.Run("while connecting", func() {
		s.Require().NoError(s.machine.Connect(testAddress))
		h := s.transport.Latest()

		h.Notify(gatt.NewCharacteristic("2a19", gatt.PropRead|gatt.PropNotify, nil), []byte{0x55})

		s.Assert().Empty(s.events.Actions(), "data MUST NOT be published before the link is up")
	})

	s.Run("without handle", func() {
		events := &eventLog{}
		transport := gatttest.NewFakeTransport(nil)
		m := gatt.NewMachine(transport.Factory(), events, s.logger, nil)
		s.Require().NoError(m.Initialize())

		s.Assert().ErrorIs(m.ReadCharacteristic(gatt.NewCharacteristic("2a19", gatt.PropRead, nil)), gatt.ErrNoHandle)
		s.Assert().Empty(transport.Calls())
	})

	s.Run("nil characteristic", func() {
		s.connect()
		s.Assert().ErrorIs(s.machine.ReadCharacteristic(nil), gatt.ErrInvalidRequest)
	})

	s.Run("transport failure", func() {
		s.discover()
		s.transport.Fail["read"] = gatttest.ErrInjected

		var terr *gatt.TransportError
		s.Assert().ErrorAs(s.machine.ReadCharacteristic(s.characteristic("2a19")), &terr)
	})
}

func (s *MachineTestSuite) TestHeartRateDecoding() {
	s.Run("flags from properties", func() {
		// GOAL: Verify heart rate format follows the characteristic property bits by default
		//
		// TEST SCENARIO: 2a37 with Notify property (bit 0 clear) → payload 01 4B 00 → 8-bit value at offset 1 → "75"

		h := s.discover()
		c := s.characteristic("2a37")

		h.Notify(c, []byte{0x01, 0x4B, 0x00})

		ev := s.events.Last()
		s.Require().Equal(gatt.ActionDataAvailable, ev.Action)
		s.Assert().Equal(decoder.KindHeartRate, ev.Value.Kind)
		s.Assert().Equal("75", ev.Value.HeartRate)
	})

	s.Run("flags from payload", func() {
		events := &eventLog{}
		transport := gatttest.NewFakeTransport(gatttest.HeartRateCatalog())
		m := gatt.NewMachine(transport.Factory(), events, s.logger, &gatt.Options{HeartRateFlags: decoder.FlagsFromPayload})
		s.Require().NoError(m.Initialize())
		s.Require().NoError(m.Connect(testAddress))
		h := transport.Latest()
		h.Connected()
		h.Discovered(gatt.StatusSuccess)
		c, err := m.SupportedGattServices().Characteristic("180d", "2a37")
		s.Require().NoError(err)

		h.Notify(c, []byte{0x01, 0x2C, 0x01})

		s.Assert().Equal("300", events.Last().Value.HeartRate, "16-bit value MUST be decoded when payload flag bit 0 is set")
	})

	s.Run("short payload", func() {
		h := s.discover()
		before := s.events.Actions()

		h.Notify(s.characteristic("2a37"), []byte{0x00})

		s.Assert().Equal(before, s.events.Actions())
	})
}

func (s *MachineTestSuite) TestSetCharacteristicNotification() {
	s.Run("heart rate enable writes cccd", func() {
		// GOAL: Verify enabling heart rate notifications registers locally and writes the CCCD
		//
		// TEST SCENARIO: enable on 2a37 → notify(enabled) → write 2902 = 01 00

		s.discover()
		c := s.characteristic("2a37")

		s.Require().NoError(s.machine.SetCharacteristicNotification(c, true))

		notify, ok := s.transport.Last("notify")
		s.Require().True(ok)
		s.Assert().True(notify.Enabled)
		s.Assert().Equal("2a37", notify.UUID)

		write, ok := s.transport.Last("write_descriptor")
		s.Require().True(ok, "CCCD write MUST follow the registration")
		s.Assert().Equal("2902", write.UUID)
		s.Assert().Equal([]byte{0x01, 0x00}, write.Value)
	})

	s.Run("heart rate disable clears cccd", func() {
		s.discover()

		s.Require().NoError(s.machine.SetCharacteristicNotification(s.characteristic("2a37"), false))

		notify, _ := s.transport.Last("notify")
		s.Assert().False(notify.Enabled)
		write, ok := s.transport.Last("write_descriptor")
		s.Require().True(ok)
		s.Assert().Equal([]byte{0x00, 0x00}, write.Value)
	})

	s.Run("other characteristic skips cccd", func() {
		s.discover()

		s.Require().NoError(s.machine.SetCharacteristicNotification(s.characteristic("2a19"), true))

		s.Assert().Equal(1, s.transport.Count("notify"))
		s.Assert().Zero(s.transport.Count("write_descriptor"), "only heart rate MUST write the descriptor")
	})

	s.Run("heart rate without cccd", func() {
		s.connect()
		c := gatt.NewCharacteristic("2a37", gatt.PropNotify, nil)

		err := s.machine.SetCharacteristicNotification(c, true)

		var nf *gatt.NotFoundError
		s.Assert().ErrorAs(err, &nf)
		s.Assert().Equal("descriptor", nf.Resource)
		s.Assert().Zero(s.transport.Count("write_descriptor"))
	})

	s.Run("registration failure skips cccd", func() {
		s.discover()
		s.transport.Fail["notify"] = gatttest.ErrInjected

		err := s.machine.SetCharacteristicNotification(s.characteristic("2a37"), true)

		var terr *gatt.TransportError
		s.Assert().ErrorAs(err, &terr)
		s.Assert().Zero(s.transport.Count("write_descriptor"))
	})

	s.Run("without handle", func() {
		events := &eventLog{}
		m := gatt.NewMachine(gatttest.NewFakeTransport(nil).Factory(), events, s.logger, nil)
		s.Require().NoError(m.Initialize())

		s.Assert().ErrorIs(m.SetCharacteristicNotification(gatt.NewCharacteristic("2a37", gatt.PropNotify, nil), true), gatt.ErrNoHandle)
	})
}

func (s *MachineTestSuite) TestConnectTimeout() {
	// GOAL: Verify a stuck Connecting state is cancelled through the transport
	//
	// TEST SCENARIO: timeout 20ms → Connect → no callback → disconnect requested → callback → Disconnected

	events := &eventLog{}
	transport := gatttest.NewFakeTransport(nil)
	m := gatt.NewMachine(transport.Factory(), events, s.logger, &gatt.Options{ConnectTimeout: 20 * time.Millisecond})
	s.Require().NoError(m.Initialize())
	s.Require().NoError(m.Connect(testAddress))

	s.Require().Eventually(func() bool {
		return transport.Count("disconnect") == 1
	}, time.Second, 5*time.Millisecond, "timeout MUST request a disconnect")
	s.Assert().Equal(gatt.Connecting, m.State(), "state MUST wait for the transport callback")

	transport.Latest().Disconnected()
	s.Assert().Equal(gatt.Disconnected, m.State())
}

func (s *MachineTestSuite) TestConnectTimeoutCancelFailure() {
	events := &eventLog{}
	transport := gatttest.NewFakeTransport(nil)
	transport.Fail["disconnect"] = gatttest.ErrInjected
	m := gatt.NewMachine(transport.Factory(), events, s.logger, &gatt.Options{ConnectTimeout: 10 * time.Millisecond})
	s.Require().NoError(m.Initialize())
	s.Require().NoError(m.Connect(testAddress))

	s.Require().Eventually(func() bool {
		return m.State() == gatt.Disconnected
	}, time.Second, 5*time.Millisecond, "failed cancel MUST settle the state")
	s.Assert().Equal([]gatt.Action{gatt.ActionDisconnected}, events.Actions())
}

// gatedTransport holds Reconnect inside the machine lock until released.
type gatedTransport struct {
	*gatttest.FakeTransport
	entered chan struct{}
	release chan struct{}
}

func (t *gatedTransport) Reconnect(h gatt.Handle) error {
	t.entered <- struct{}{}
	<-t.release
	return t.FakeTransport.Reconnect(h)
}

func (s *MachineTestSuite) TestConnectTimeoutRearmedByReuse() {
	// GOAL: Verify a timer that fired during a reconnect cannot cancel the new attempt
	//
	// TEST SCENARIO: Connect (timeout 50ms) → reuse Connect blocks in Reconnect past the deadline →
	//                old timer waits on the lock → release → no disconnect until the new timer elapses

	const timeout = 50 * time.Millisecond
	transport := &gatedTransport{
		FakeTransport: gatttest.NewFakeTransport(nil),
		entered:       make(chan struct{}, 1),
		release:       make(chan struct{}),
	}
	m := gatt.NewMachine(
		func() (gatt.Transport, error) { return transport, nil },
		&eventLog{}, s.logger, &gatt.Options{ConnectTimeout: timeout},
	)
	s.Require().NoError(m.Initialize())
	s.Require().NoError(m.Connect(testAddress))

	reused := make(chan error, 1)
	go func() { reused <- m.Connect(testAddress) }()
	<-transport.entered

	// the first timer fires now and queues on the machine lock
	time.Sleep(2 * timeout)
	close(transport.release)
	s.Require().NoError(<-reused)

	s.Assert().Never(func() bool {
		return transport.Count("disconnect") > 0
	}, timeout/2, 5*time.Millisecond, "a superseded timer MUST NOT cancel the new attempt")
	s.Assert().Equal(gatt.Connecting, m.State())

	s.Assert().Eventually(func() bool {
		return transport.Count("disconnect") == 1
	}, time.Second, 5*time.Millisecond, "the re-armed timer MUST still guard the new attempt")
}

func (s *MachineTestSuite) TestConnectTimeoutDisarmedByLinkUp() {
	events := &eventLog{}
	transport := gatttest.NewFakeTransport(nil)
	m := gatt.NewMachine(transport.Factory(), events, s.logger, &gatt.Options{ConnectTimeout: 20 * time.Millisecond})
	s.Require().NoError(m.Initialize())
	s.Require().NoError(m.Connect(testAddress))
	transport.Latest().Connected()

	time.Sleep(60 * time.Millisecond)

	s.Assert().Zero(transport.Count("disconnect"), "timer MUST be stopped once connected")
	s.Assert().Equal(gatt.Connected, m.State())
}

func (s *MachineTestSuite) TestConcurrentCallbacks() {
	// GOAL: Verify concurrent callbacks are serialized without races
	//
	// TEST SCENARIO: 50 goroutines deliver notifications concurrently → 50 DataAvailable events

	h := s.discover()
	c := s.characteristic("2a19")
	before := len(s.events.Actions())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(v byte) {
			defer wg.Done()
			h.Notify(c, []byte{v})
		}(byte(i))
	}
	wg.Wait()

	s.Assert().Len(s.events.Actions(), before+50)
}

func TestMachineTestSuite(t *testing.T) {
	suite.Run(t, new(MachineTestSuite))
}
