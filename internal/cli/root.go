// Package cli is the agentd command line.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"agentd/internal/config"
)

var (
	cfgPath  string
	envFiles []string
)

var rootCmd = &cobra.Command{
	Use:   "agentd",
	Short: "Plugin orchestration and self-healing agent",
	Long: `agentd runs a set of plugins in dependency order, watches their health,
and recovers failed runs through restart, retry, fallback, reconfiguration
or state reset before escalating to an operator.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.LoadEnv(envFiles...)
	},
	RunE: runDaemon,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "./config.json", "config file (.json, .yaml or .yml)")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load before the config (default .env)")
}
