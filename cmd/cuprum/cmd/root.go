// Package cmd provides the command-line interface for working with unified
// log files.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "cuprum",
	Short: "Cuprum CLI inspects and converts unified log files.",
	Long: `Cuprum CLI inspects and converts the unified log files produced by ` +
		`recording runs. It currently prints a log's section directory (info) ` +
		`and converts a log to SQLite or CSV (export).`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		atexit.Exit(1)
	}

	atexit.Exit(0)
}

func init() {
	rootCmd.SetOut(os.Stdout)
}
