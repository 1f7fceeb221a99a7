package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

func newServicesCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "services <device-address>",
		Short: "List the GATT services of a device",
		Long: `Connects, waits for service discovery and prints every service with its
characteristics, properties and descriptors.

Examples:
  gattlink services 00:11:22:33:44:55
  gattlink services 00:11:22:33:44:55 -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServices(cmd, args[0], timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Time allowed for connection and discovery")
	return cmd
}

func runServices(cmd *cobra.Command, address string, timeout time.Duration) error {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	// Arguments validated - don't show usage on runtime errors
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
	s.out.Services(catalog)
	return nil
}
