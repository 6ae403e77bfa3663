// Command onvm-mgr is the manager binary: it owns the NF registry, the
// RX/TX dispatch pipelines, the backpressure and wake-up subsystems, and
// the local control-plane socket NFs submit admission requests through.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "onvm-mgr: %v\n", err)
		os.Exit(1)
	}
}
