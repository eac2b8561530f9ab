package main

import (
	"fmt"
	"os"

	"github.com/codership/wsrep-go/pkg/wsreplog"
	"github.com/spf13/cobra"
)

var (
	// Version is set via ldflags during build.
	Version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dbsim",
	Short: "dbsim drives a scripted multi-server transaction load against the replication engine",
	Long: `dbsim is a reference host for the replication engine: a toy row
store plus a scenario runner that opens client sessions across one or
more simulated servers and drives a scripted load of replicated
transactions through them end to end.`,
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	wsreplog.Init(wsreplog.Config{
		Level:      wsreplog.Level(level),
		JSONOutput: jsonOut,
	})
}
