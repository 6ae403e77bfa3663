package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"onvmgo.dev/onvm/internal/control"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show NF registry statistics",
	Long: `Query the manager for per-NF statistics: rx/tx counts, drop
counts, and current backpressure state.`,
	Run: func(cmd *cobra.Command, args []string) {
		runStatsCommand()
	},
}

func runStatsCommand() {
	client := control.NewClient(socketPath, 10*time.Second)
	resp, err := client.Stats(context.Background())
	if err != nil {
		exitWithError("failed to query stats", err)
	}
	if resp.Error != nil {
		exitWithError(fmt.Sprintf("stats failed: %s", resp.Error.Message), nil)
	}

	resultJSON, err := json.MarshalIndent(resp.Result, "", "  ")
	if err != nil {
		exitWithError("failed to format result", err)
	}
	fmt.Println(string(resultJSON))
}
