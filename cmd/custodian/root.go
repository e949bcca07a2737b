package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mercator-hq/custodian/pkg/cli"
)

var (
	// Global flags
	cfgFile string
	verbose bool
	output  string
)

var rootCmd = &cobra.Command{
	Use:   "custodian",
	Short: "Custodian - data retention and subject-rights engine",
	Long: `Custodian enforces retention rules on commerce records and answers
data subject access and erasure requests.

Records move from the active tier to the archive tier when their active
window ends and are purged or anonymized at the end of their retention
horizon. Every action is written to an append-only audit ledger.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits with the code for its error.
func Execute() {
	ctx, stop := cli.SetupSignalHandler()
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.ExitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (defaults and CUSTODIAN_* env when empty)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "text", "output format (text, json, csv)")
}
