package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"onvmgo.dev/onvm/internal/control"
)

var (
	admitInstanceID uint16
	admitServiceID  uint16
	admitTag        string
	admitWorkerPID  int
)

var admitCmd = &cobra.Command{
	Use:   "admit",
	Short: "Submit an NF admission request",
	Long: `admit enqueues an admission request on the manager's startup
queue, the same path an NF worker uses to announce itself. The manager's
next tick assigns an instance id and admits the slot; use "onvm-ctl stats"
afterward to see the result.`,
	Run: func(cmd *cobra.Command, args []string) {
		runAdmitCommand()
	},
}

func init() {
	admitCmd.Flags().Uint16VarP(&admitInstanceID, "instance-id", "i", 0, "requested instance id (0 lets the manager assign one)")
	admitCmd.Flags().Uint16VarP(&admitServiceID, "service-id", "v", 0, "service id this NF implements (required, nonzero)")
	admitCmd.Flags().StringVarP(&admitTag, "tag", "t", "", "human-readable NF tag")
	admitCmd.Flags().IntVarP(&admitWorkerPID, "pid", "p", 0, "NF worker process id, used for liveness probing")
	_ = admitCmd.MarkFlagRequired("service-id")
}

func runAdmitCommand() {
	client := control.NewClient(socketPath, 10*time.Second)
	resp, err := client.AdmitNF(context.Background(), control.AdmitParams{
		InstanceID: admitInstanceID,
		ServiceID:  admitServiceID,
		Tag:        admitTag,
		WorkerPID:  admitWorkerPID,
	})
	if err != nil {
		exitWithError("failed to submit admission", err)
	}
	if resp.Error != nil {
		exitWithError(fmt.Sprintf("nf.admit failed: %s", resp.Error.Message), nil)
	}

	resultJSON, err := json.MarshalIndent(resp.Result, "", "  ")
	if err != nil {
		exitWithError("failed to format result", err)
	}
	fmt.Println(string(resultJSON))
}
