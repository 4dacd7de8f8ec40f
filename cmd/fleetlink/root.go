package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configPath string
)

var rootCmd = &cobra.Command{
	Use:     "fleetlink",
	Short:   "Fleetlink - remote-control session engine for device fleets",
	Long: `Fleetlink drives remote-control sessions against a fleet server:
periodic still-frame polling with congestion control, low-latency WebRTC
streaming, and input fanout across the selected devices.`,
	Version: version,
	RunE:    runEngine,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "fleetlink.yaml", "Path to configuration file")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
