package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zhubert/csharply-sidecar/process"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Kill worker processes left behind by earlier runs",
	Long: `Find running worker processes started with "<binary> server --port" and kill
their process trees. Use this on platforms without containment, where a
supervisor that was killed can leave its worker running.`,
	Args: cobra.NoArgs,
	RunE: runClean,
}

func init() {
	cleanCmd.Flags().Bool("dry-run", false, "List orphaned workers without killing them")
	rootCmd.AddCommand(cleanCmd)
}

func runClean(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	dryRun, err := cmd.Flags().GetBool("dry-run")
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if dryRun {
		orphans, err := process.FindOrphanedWorkers(cfg.Worker.Binary, cfg.Worker.ServerCommand, nil)
		if err != nil {
			return err
		}
		if len(orphans) == 0 {
			fmt.Fprintln(out, "No orphaned workers found.")
			return nil
		}
		for _, p := range orphans {
			fmt.Fprintf(out, "pid %d port %d\n", p.PID, p.Port)
		}
		return nil
	}

	killed, err := process.CleanupOrphanedWorkers(cfg.Worker.Binary, cfg.Worker.ServerCommand, nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Killed %d orphaned worker(s).\n", killed)
	return nil
}
