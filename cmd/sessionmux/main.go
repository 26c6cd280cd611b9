// Package main provides the entry point for the sessionmux CLI.
package main

import (
	"fmt"
	"os"

	"github.com/sessionmux/sessionmux/cmd/sessionmux/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
