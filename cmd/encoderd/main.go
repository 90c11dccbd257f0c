// Package main is the entry point for encoderd.
package main

import (
	"os"

	"github.com/jmylchreest/encoderd/cmd/encoderd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
