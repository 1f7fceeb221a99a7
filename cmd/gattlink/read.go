package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/gattlink/internal/gatt"
)

func newReadCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "read <device-address> <char-uuid>",
		Short: "Read a characteristic once",
		Long: `Connects, discovers services, reads one characteristic and prints the
decoded value. Heart Rate Measurement values are printed in beats per minute,
anything else as hex.

Examples:
  # Battery Level
  gattlink read 00:11:22:33:44:55 2a19

  # Body Sensor Location as JSON
  gattlink read 00:11:22:33:44:55 2a38 -o json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRead(cmd, args[0], args[1], timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Time allowed for connection, discovery and the read")
	return cmd
}

func runRead(cmd *cobra.Command, address, uuid string, timeout time.Duration) error {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true
	defer s.close()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
	defer cancelTimeout()

	catalog, err := s.open(ctx, address)
	if err != nil {
		return err
	}

	c, err := catalog.FindCharacteristic(uuid)
	if err != nil {
		return err
	}
	if !c.Properties.Has(gatt.PropRead) {
		return fmt.Errorf("characteristic %s is not readable", displayName(c.Name, c.UUID))
	}

	if err := s.machine.ReadCharacteristic(c); err != nil {
		return err
	}

	// a failed read produces no event; stop waiting for one as soon as it is reported
	readCtx, cancelRead := context.WithCancelCause(ctx)
	defer cancelRead(nil)
	go func() {
		select {
		case err := <-s.readFailures:
			cancelRead(err)
		case <-readCtx.Done():
		}
	}()

	for {
		e, err := s.next(readCtx, gatt.ActionDataAvailable)
		if err != nil {
			if cause := context.Cause(readCtx); errors.Is(cause, ErrReadFailed) {
				err = cause
			}
			return fmt.Errorf("failed to read %s: %w", c.UUID, err)
		}
		if e.Characteristic != nil && e.Characteristic.UUID == c.UUID {
			s.out.Event(e)
			return nil
		}
	}
}
