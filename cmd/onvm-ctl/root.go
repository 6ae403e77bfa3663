package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var socketPath string

var rootCmd = &cobra.Command{
	Use:   "onvm-ctl",
	Short: "onvm-ctl talks to a running onvm-mgr over its control socket",
	Long: `onvm-ctl is the manager's control-plane client: it submits NF
admission requests and prints registry/stats introspection, each call a
single JSON-RPC request over the manager's Unix domain socket.`,
	Version: "0.1.0",
}

// Execute runs the root command; called once from main.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "/var/run/onvm-mgr.sock", "manager control socket path")
	rootCmd.AddCommand(admitCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(pingCmd)
}

// exitWithError prints msg/err to stderr and exits with code 1.
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
