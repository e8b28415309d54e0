package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL    string
	outputFormat string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "hotspotctl",
	Short: "Hotspot billing CLI - monitor usage and manage sessions",
	Long: `hotspotctl operates the hotspot billing engine.

This CLI tool allows you to:
- Run the usage monitor once or on an interval
- Inspect a session's usage and renewal options
- List the plan catalog
- Disable a session`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", getEnvOrDefault("HOTSPOT_URL", "http://localhost:8080"), "Billing API server URL")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
