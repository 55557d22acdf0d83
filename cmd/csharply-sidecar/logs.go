package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zhubert/csharply-sidecar/logger"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Print the log file path, or remove the log files",
	Args:  cobra.NoArgs,
	RunE:  runLogs,
}

func init() {
	logsCmd.Flags().Bool("clear", false, "Remove the log files")
	rootCmd.AddCommand(logsCmd)
}

func runLogs(cmd *cobra.Command, args []string) error {
	clearLogs, err := cmd.Flags().GetBool("clear")
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if clearLogs {
		logger.Close()
		n, err := logger.ClearLogs()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Removed %d log file(s).\n", n)
		return nil
	}

	path := logger.Path()
	if path == "" {
		path, err = logger.DefaultLogPath()
		if err != nil {
			return err
		}
	}
	fmt.Fprintln(out, path)
	return nil
}
