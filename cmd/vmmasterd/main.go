package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "vmmasterd",
		Short: "vmmaster - Selenium/WebDriver session proxy and VM pool manager",
		Long:  "vmmasterd proxies WebDriver sessions to disposable browser VMs, managing a pool of preloaded clones per platform",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (optional, env vars override)")

	rootCmd.AddCommand(
		serveCmd(),
		migrateCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var version = "dev"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the vmmasterd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("vmmasterd", version)
		},
	}
}
