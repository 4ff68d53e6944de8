// Package main provides the entry point for the conductor CLI.
package main

import (
	"fmt"
	"os"

	"github.com/opencode-ai/conductor/cmd/conductor/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
