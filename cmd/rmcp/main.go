// Package main provides the entry point for the rmcp server.
package main

import (
	"fmt"
	"os"

	"github.com/rmcp-dev/rmcp/cmd/rmcp/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
