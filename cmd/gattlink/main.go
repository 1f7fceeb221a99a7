package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// newRootCmd builds the command tree. Each call returns fresh flag state.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gattlink",
		Short: "BLE GATT client for heart rate sensors",
		Long: `Bluetooth Low Energy GATT client that:

- Connects to a peripheral and discovers its services
- Reads characteristics and decodes Heart Rate Measurement values
- Monitors notifications until interrupted`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
		SilenceErrors: true,
	}

	root.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().String("config", "", "Path to a YAML configuration file")
	root.PersistentFlags().StringP("output", "o", "", "Output format (text, json)")
	root.Flags().BoolP("version", "v", false, "Show version information")

	root.AddCommand(newMonitorCmd())
	root.AddCommand(newReadCmd())
	root.AddCommand(newServicesCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Ctrl+C is a normal exit
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", formatUserError(err))
		os.Exit(1)
	}
}
