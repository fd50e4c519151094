// Package main is the entry point for the reasm packet reassembly tool.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/reassembly/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
