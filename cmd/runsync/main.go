// runsync - per-site agent for the run data lifecycle.
package main

import (
	"os"

	"github.com/runsync/runsync/internal/cli"
	"github.com/runsync/runsync/internal/version"
)

// Set by ldflags during release builds.
var (
	Version   = ""
	BuildTime = ""
)

func main() {
	if Version != "" {
		version.Version = Version
	}
	if BuildTime != "" {
		version.BuildTime = BuildTime
	}

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
