package main

import (
	"fmt"
	"os"

	"github.com/tarsplit/tarsplit/internal/tarsplit"
)

// main is the entrypoint. It delegates argument parsing and command
// handling to the cobra command tree built by tarsplit.NewRootCommand.
func main() {
	if err := tarsplit.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
