package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"onvmgo.dev/onvm/internal/control"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check whether the manager's control socket is reachable",
	Run: func(cmd *cobra.Command, args []string) {
		client := control.NewClient(socketPath, 5*time.Second)
		resp, err := client.Call(context.Background(), "ping", nil)
		if err != nil {
			exitWithError("failed to reach manager", err)
		}
		if resp.Error != nil {
			exitWithError(fmt.Sprintf("ping failed: %s", resp.Error.Message), nil)
		}
		fmt.Println(resp.Result)
	},
}
