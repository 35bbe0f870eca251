// Package cmd holds nzbfetch's cobra command tree, grounded on the
// teacher's cmd/altmount/cmd/root.go shape (a persistent --config flag,
// one root command, subcommands registered via init()).
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "nzbfetch",
	Short: "NZB-driven Usenet fetch core",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./config.yaml", "config file (default is ./config.yaml)")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
