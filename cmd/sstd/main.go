// Package main provides the CLI entry point for the SST daemon.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

var (
	flagConfig  string
	flagDataDir string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "sstd",
		Short:   "Structured Stream Transport daemon",
		Version: Version,
		Long: `sstd runs a Structured Stream Transport endpoint: a UDP-based
transport providing encrypted, multiplexed, mobile streams between
hosts identified by cryptographic endpoint identifiers.`,
	}

	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "",
		"path to configuration file")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "",
		"override the identity data directory")

	rootCmd.AddCommand(
		newRunCmd(),
		newInitCmd(),
		newIDCmd(),
		newPingCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
