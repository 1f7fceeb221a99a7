package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/gattlink/internal/decoder"
	"github.com/srg/gattlink/internal/gatt"
)

// disconnectGrace bounds the wait for the link-down confirmation on exit.
var disconnectGrace = 2 * time.Second

type monitorOptions struct {
	chars   []string
	history int
	timeout time.Duration
}

func newMonitorCmd() *cobra.Command {
	opts := &monitorOptions{}

	cmd := &cobra.Command{
		Use:   "monitor <device-address>",
		Short: "Print notifications until interrupted",
		Long: `Connects, discovers services and enables notifications, then prints every
value until Ctrl+C. On exit notifications are disabled and the link is closed.

Examples:
  # Heart rate
  gattlink monitor 00:11:22:33:44:55

  # Heart rate and battery, with the last 20 events replayed on exit
  gattlink monitor 00:11:22:33:44:55 --char 2a37,2a19 --history 20`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(cmd, args[0], opts)
		},
	}
	cmd.Flags().StringSliceVar(&opts.chars, "char", []string{decoder.HeartRateMeasurementUUID}, "Characteristic UUID(s) to monitor, comma-separated")
	cmd.Flags().IntVar(&opts.history, "history", 0, "Replay the last N recorded events on exit")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "Time allowed for connection and discovery")
	return cmd
}

// resolveNotifiable looks up every UUID and rejects characteristics that cannot notify.
func resolveNotifiable(catalog *gatt.ServiceCatalog, uuids []string) ([]*gatt.Characteristic, error) {
	var out []*gatt.Characteristic
	for _, uuid := range uuids {
		uuid = strings.TrimSpace(uuid)
		if uuid == "" {
			continue
		}
		c, err := catalog.FindCharacteristic(uuid)
		if err != nil {
			return nil, err
		}
		if !c.Properties.Has(gatt.PropNotify) && !c.Properties.Has(gatt.PropIndicate) {
			return nil, fmt.Errorf("%w: %s", ErrNotNotifiable, displayName(c.Name, c.UUID))
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no characteristics to monitor")
	}
	return out, nil
}

func runMonitor(cmd *cobra.Command, address string, opts *monitorOptions) error {
	if opts.history < 0 {
		return fmt.Errorf("--history must not be negative, got %d", opts.history)
	}

	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true
	defer s.close()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	openCtx, cancelOpen := context.WithTimeout(ctx, opts.timeout)
	catalog, err := s.open(openCtx, address)
	cancelOpen()
	if err != nil {
		return err
	}

	targets, err := resolveNotifiable(catalog, opts.chars)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(targets))
	for _, c := range targets {
		if err := s.machine.SetCharacteristicNotification(c, true); err != nil {
			return fmt.Errorf("failed to enable notifications for %s: %w", c.UUID, err)
		}
		names = append(names, displayName(c.Name, c.UUID))
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Monitoring %s. Press Ctrl+C to stop...\n", strings.Join(names, ", "))

	for {
		e, err := s.next(ctx, gatt.ActionDataAvailable)
		if errors.Is(err, ErrConnectionLost) {
			if e.Action == gatt.ActionDisconnected {
				s.out.Event(e)
			}
			return err
		}
		if err != nil {
			break
		}
		s.out.Event(e)
	}

	s.stopMonitoring(targets)
	s.replay(cmd, opts.history)
	return nil
}

// stopMonitoring disables notifications, requests a disconnect and waits briefly for it.
func (s *session) stopMonitoring(targets []*gatt.Characteristic) {
	for _, c := range targets {
		if err := s.machine.SetCharacteristicNotification(c, false); err != nil {
			s.logger.WithError(err).WithField("char_uuid", c.UUID).Warn("Failed to disable notifications")
		}
	}
	if err := s.machine.Disconnect(); err != nil {
		s.logger.WithError(err).Warn("Disconnect request failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), disconnectGrace)
	defer cancel()
	if e, err := s.next(ctx, gatt.ActionDisconnected); err == nil {
		s.out.Event(e)
	} else {
		s.logger.WithError(err).Debug("No disconnect confirmation")
	}
}

// replay prints up to n of the most recently recorded events.
func (s *session) replay(cmd *cobra.Command, n int) {
	if n == 0 {
		return
	}
	events := s.recorder.Drain()
	if overwritten := s.recorder.Overwritten(); overwritten > 0 {
		s.logger.WithField("overwritten", overwritten).Debug("History buffer wrapped")
	}
	if len(events) > n {
		events = events[len(events)-n:]
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Last %d events:\n", len(events))
	for _, e := range events {
		s.out.Event(e)
	}
}
