package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "annosync",
	Short: "Synchronise document annotations with a remote annotation service",
	Long: `annosync opens annotation sessions against a remote service, keeps
their comment threads in sync and serves them to a viewer over HTTP.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().String("env-file", ".env", "load environment variables from this file if it exists")
	rootCmd.PersistentFlags().String("log-level", "", "override ANNOSYNC_LOG_LEVEL")

	rootCmd.AddCommand(serveCmd, fetchCmd, threadsCmd, exportCmd, historyCmd, pushCmd, deleteCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
