// Command onvm-ctl is a thin control CLI that talks to a running
// onvm-mgr's Unix domain socket to submit NF admission requests and query
// registry/stats introspection.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "onvm-ctl: %v\n", err)
		os.Exit(1)
	}
}
