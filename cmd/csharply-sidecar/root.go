package main

import (
	"github.com/spf13/cobra"

	"github.com/zhubert/csharply-sidecar/config"
	"github.com/zhubert/csharply-sidecar/logger"
)

var rootCmd = &cobra.Command{
	Use:   "csharply-sidecar",
	Short: "Run the CSharply worker as a supervised local sidecar",
	Long: `csharply-sidecar installs the CSharply worker when it is missing, runs it on
a free loopback port and sends it C# files to organize. The worker is stopped
when the command exits and, where the platform allows it, dies with this
process even if it is killed.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to config.yaml (default: <config dir>/config.yaml)")
	rootCmd.PersistentFlags().Bool("debug", false, "Log worker output and request details")
}

// loadConfig reads the config named by --config, or the default one, and
// applies --debug.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}

	var cfg *config.Config
	if path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}

	debug, err := cmd.Flags().GetBool("debug")
	if err != nil {
		return nil, err
	}
	if debug {
		cfg.Debug = true
	}
	logger.SetDebug(cfg.Debug)
	return cfg, nil
}
