// Package main is the entry point for the benchpipe CLI, the operational
// surface of the Socratic benchmark execution pipeline. See cli.RootCmd for
// the command tree.
package main

import (
	"os"

	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		// Cobra already printed the error; exit non-zero so schedulers and
		// CI wrappers see the failure.
		os.Exit(1)
	}
}
