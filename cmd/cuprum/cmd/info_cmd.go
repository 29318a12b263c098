package cmd

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/cuprumlab/cuprum/culog"
)

var infoCmd = &cobra.Command{
	Use:   "info [log file]",
	Short: "Print the section directory and batch counts of a log",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cmd.SilenceUsage = true
		path := args[0]

		reader, err := culog.OpenReader(path)
		if err != nil {
			log.Fatalf("Error opening log: %v", err)
		}
		defer reader.Close()

		fmt.Printf("Log file:  %s\n", path)
		fmt.Printf("Creation:  %d ns\n", uint64(reader.CreationTime()))
		fmt.Printf("Sections:  %d\n", len(reader.Sections()))

		if reader.Truncated() {
			fmt.Println("Warning: the file ends in a torn batch. " +
				"The torn tail is ignored.")
		}

		for _, spec := range reader.Sections() {
			fmt.Printf("\n%s (schema %q, id %d, %d batches)\n",
				spec.Name, spec.Schema.Name, spec.Schema.ID,
				reader.NumBatches(spec.Name))

			for _, field := range spec.Schema.Fields {
				fmt.Printf("\t%s %s\n", field.Name, field.Type)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
