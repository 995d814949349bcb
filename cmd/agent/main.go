// Command agent runs the hostsentry host monitoring agent.
package main

import (
	"fmt"
	"os"

	"github.com/hostsentry/agent/cmd/agent/cmd"
)

var (
	version   = "0.1.0"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	cmd.SetVersion(version, buildTime, gitCommit)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
