package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "plon-orch",
		Short: "Plon agent orchestrator - autonomous coding sessions",
		Long: `Plon agent orchestrator launches coding agents against tasks.
Each session clones the configured repository into an isolated workspace,
runs the agent on its own branch, and publishes the result as a pull
request. Session history is kept in a local database.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
