package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Set at link time with -ldflags "-X main.version=...".
var version = "dev"

var configFile string

var rootCmd = &cobra.Command{
	Use:           "spotbuild",
	Short:         "Launch a spot instance build when upstream versions change",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "controller config file (YAML)")
	rootCmd.AddCommand(runCmd, serveCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		newLogger().Error("spotbuild failed", "error", err)
		os.Exit(1)
	}
}
