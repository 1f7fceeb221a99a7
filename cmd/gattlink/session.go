package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/gattlink/internal/gatt"
	"github.com/srg/gattlink/internal/gatt/goble"
	"github.com/srg/gattlink/pkg/config"
)

// transportFactory builds the radio transport. Tests replace it with an in-memory one.
var transportFactory = func(cfg *config.Config, logger *logrus.Logger) gatt.TransportFactory {
	return goble.Factory(logger, cfg.TransportOptions())
}

// session wires one Machine to the event bus, the history recorder and a renderer.
type session struct {
	cfg      *config.Config
	logger   *logrus.Logger
	machine  *gatt.Machine
	radio    gatt.Transport
	bus      *gatt.EventBus
	sub      *gatt.Subscription
	recorder *gatt.Recorder
	out      renderer

	// readFailures carries reads the device answered with an error status.
	readFailures chan error

	// stderr receives progress lines when it is a terminal.
	stderr   io.Writer
	progress bool
}

func newSession(cmd *cobra.Command) (*session, error) {
	cfg, logger, err := loadSettings(cmd)
	if err != nil {
		return nil, err
	}

	bus := gatt.NewEventBus()
	s := &session{
		cfg:      cfg,
		logger:   logger,
		bus:      bus,
		sub:      bus.Subscribe(cfg.EventBuffer),
		recorder: gatt.NewRecorder(cfg.HistorySize, logger),
		out:      newRenderer(cmd.OutOrStdout(), cfg.OutputFormat),
		stderr:   cmd.ErrOrStderr(),
		progress: isTerminal(cmd.ErrOrStderr()),

		readFailures: make(chan error, 1),
	}
	opts := cfg.MachineOptions()
	opts.OnReadFailure = s.readFailed

	factory := transportFactory(cfg, logger)
	s.machine = gatt.NewMachine(
		func() (gatt.Transport, error) {
			t, err := factory()
			s.radio = t
			return t, err
		},
		gatt.MultiSink{bus, s.recorder},
		logger,
		opts,
	)

	if err := s.machine.Initialize(); err != nil {
		bus.Close()
		return nil, err
	}
	return s, nil
}

// close releases the handle and stops event delivery.
func (s *session) close() {
	if err := s.machine.Close(); err != nil {
		s.logger.WithError(err).Warn("Failed to release GATT handle")
	}
	if sd, ok := s.radio.(interface{ Shutdown() }); ok {
		sd.Shutdown()
	}
	s.bus.Close()
}

// readFailed keeps the first unconsumed read failure.
func (s *session) readFailed(c *gatt.Characteristic, status gatt.Status) {
	err := fmt.Errorf("%w: %s", ErrReadFailed, &gatt.TransportError{Op: "read", Status: status})
	select {
	case s.readFailures <- err:
	default:
	}
}

// next blocks until an event with one of the wanted actions arrives.
// A Disconnected event that was not asked for means the link dropped.
func (s *session) next(ctx context.Context, want ...gatt.Action) (gatt.Event, error) {
	for {
		select {
		case <-ctx.Done():
			return gatt.Event{}, ctx.Err()
		case e, ok := <-s.sub.Events():
			if !ok {
				return gatt.Event{}, ErrConnectionLost
			}
			for _, a := range want {
				if e.Action == a {
					return e, nil
				}
			}
			if e.Action == gatt.ActionDisconnected {
				return e, ErrConnectionLost
			}
			s.logger.WithField("action", e.Action).Debug("Skipping event")
		}
	}
}

// open connects to address and waits until services are discovered.
func (s *session) open(ctx context.Context, address string) (*gatt.ServiceCatalog, error) {
	progress := NewProgressPrinter(s.stderr, fmt.Sprintf("Opening %s", address), "Connecting")
	if s.progress {
		progress.Start()
	}
	defer progress.Stop()

	if err := s.machine.Connect(address); err != nil {
		return nil, err
	}

	e, err := s.next(ctx, gatt.ActionConnected)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	progress.SetPhase("Discovering services")

	discovered, err := s.next(ctx, gatt.ActionServicesDiscovered)
	progress.Stop()
	if err != nil {
		return nil, fmt.Errorf("failed to discover services of %s: %w", address, err)
	}
	s.out.Event(e)
	return discovered.Catalog, nil
}

// signalContext cancels on Ctrl+C or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
