// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is the release reported by the binary.
var Version = "0.1.0"

var (
	// Global flags
	configFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "reasm",
	Short: "reasm - packet reassembly and line extraction",
	Long: `reasm replays captured traffic through a packet reassembly pipeline.

It rebuilds fragmented IPv4 datagrams, orders each TCP connection's byte
stream in both directions and prints the text lines carried by the stream.

Features:
  - Refcounted packet pool with borrowed capture buffers
  - Out-of-order, duplicate and overlapping segment handling
  - Bounded per-connection buffering
  - Flows partitioned over workers by consistent hashing`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults and REASM_* environment when empty)")

	// Add subcommands
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// exitWithError prints error message and exits with code 1
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
