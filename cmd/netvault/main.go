package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL      string
	requestTimeout time.Duration
	jsonOutput     bool
)

var rootCmd = &cobra.Command{
	Use:   "netvault",
	Short: "Infrastructure monitoring and audit service",
	Long: `NetVault polls network devices over SNMP, SSH and REST, receives facts
from host agents, evaluates audit rules against them and keeps the
findings, run history and target health queryable over HTTP.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("NETVAULT_SERVER_URL", "http://localhost:8080"), "NetVault server URL")
	rootCmd.PersistentFlags().DurationVar(&requestTimeout, "timeout", 30*time.Second, "Request timeout for client commands")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print raw JSON instead of tables")

	rootCmd.AddCommand(serveCmd, agentCmd, triggerCmd, runsCmd, findingsCmd, targetsCmd, healthCmd, vaultCmd)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
