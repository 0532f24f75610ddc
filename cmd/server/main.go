// Command server runs the ride dispatch API.
//
//	server [serve] [-c dispatch.yaml]   # start the API (default)
//	server migrate [-c dispatch.yaml]   # apply the Postgres ride archive schema
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "Ride dispatch and lifecycle API",
	Long: `Ride dispatch and lifecycle API.

Riders request rides over HTTP or the /ws event channel, nearby drivers
are offered the ride and the first to accept is assigned. Configuration
comes from an optional YAML file overridden by environment variables.`,
	SilenceUsage: true,
	RunE:         serve,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dispatch API (default)",
	RunE:  serve,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the ride archive schema to PG_DSN",
	RunE:  migrate,
}

func init() {
	cobra.OnInitialize(fixConfigPath)
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file path")
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

// fixConfigPath falls back to CONFIG_FILE when -c is not given. No file at
// all is fine: defaults and environment variables are enough.
func fixConfigPath() {
	if cfgPath == "" {
		cfgPath = os.Getenv("CONFIG_FILE")
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
