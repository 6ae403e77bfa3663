package main

import (
	"context"

	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "onvm-mgr",
	Short: "onvm-mgr steers frames between NIC ports and NF processes",
	Long: `onvm-mgr is the manager's packet-steering and NF-lifecycle engine:
it dispatches frame batches between NIC queues and per-NF ring buffers via
service-chain resolution, admits and reaps NF processes, and throttles
upstream NFs when downstream NFs saturate.`,
	Version: "0.1.0",
}

// Execute runs the root command; called once from main.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (YAML)")
	rootCmd.AddCommand(runCmd)
}
