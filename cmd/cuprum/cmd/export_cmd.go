package cmd

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/cuprumlab/cuprum/culog"
	"github.com/cuprumlab/cuprum/export"
)

var exportFormat string
var exportOutput string

var exportCmd = &cobra.Command{
	Use:   "export [log file]",
	Short: "Convert a log to SQLite or CSV",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cmd.SilenceUsage = true
		path := args[0]

		reader, err := culog.OpenReader(path)
		if err != nil {
			log.Fatalf("Error opening log: %v", err)
		}
		defer reader.Close()

		if reader.Truncated() {
			fmt.Println("Warning: the file ends in a torn batch. " +
				"The torn tail is ignored.")
		}

		switch exportFormat {
		case "sqlite":
			exporter := export.NewSQLiteExporter(exportOutput)
			defer exporter.Close()

			if err := exporter.Export(reader); err != nil {
				log.Fatalf("Error exporting log: %v", err)
			}
		case "csv":
			dir := exportOutput
			if dir == "" {
				dir = "."
			}

			exporter, err := export.NewCSVExporter(dir)
			if err != nil {
				log.Fatalf("Error exporting log: %v", err)
			}

			if err := exporter.Export(reader); err != nil {
				log.Fatalf("Error exporting log: %v", err)
			}
		default:
			log.Fatalf("Unknown format %q. Use sqlite or csv.", exportFormat)
		}
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "sqlite",
		"output format, sqlite or csv")
	exportCmd.Flags().StringVar(&exportOutput, "output", "",
		"output database name (sqlite) or directory (csv)")

	rootCmd.AddCommand(exportCmd)
}
