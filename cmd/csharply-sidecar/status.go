package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zhubert/csharply-sidecar/organizer"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the worker installation and start it once",
	Long: `Install the worker if it is missing, start it, and report its version,
port and process ID. The worker is stopped again before the command exits.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	org := organizer.New(cfg)
	defer org.Shutdown()

	if err := org.EnsureRunning(cmd.Context()); err != nil {
		return err
	}

	containment := "unsupported on this platform"
	if org.ContainmentSupported() {
		containment = "enabled"
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "binary:\t%s\n", cfg.Worker.Binary)
	fmt.Fprintf(w, "version:\t%s\n", org.Version())
	fmt.Fprintf(w, "state:\t%s\n", org.State())
	fmt.Fprintf(w, "port:\t%d\n", org.Port())
	fmt.Fprintf(w, "pid:\t%d\n", org.PID())
	fmt.Fprintf(w, "containment:\t%s\n", containment)
	return w.Flush()
}
