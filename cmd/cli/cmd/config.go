package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective engine configuration",
	RunE:  runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Println("Hotspot Billing Configuration")
	fmt.Println("=============================")
	fmt.Println()
	fmt.Printf("Server URL:     %s\n", serverURL)
	fmt.Printf("Output Format:  %s\n", outputFormat)
	fmt.Printf("Database:       %s\n", cfg.Database.Path)
	fmt.Printf("Interval:       %s\n", cfg.Monitor.Interval)
	fmt.Printf("Workers:        %d\n", cfg.Monitor.Workers)
	fmt.Printf("Alert Cache:    %s\n", cfg.Alerts.Backend)
	fmt.Printf("Call Timeout:   %s\n", cfg.Enforcement.CallTimeout)
	fmt.Println()

	router, err := cfg.PrimaryRouter()
	if err != nil {
		fmt.Println("Router:         (none configured)")
	} else {
		password := "(not set)"
		if router.Password != "" {
			password = "********"
		}
		fmt.Printf("Router:         %s (%s driver)\n", router.Name, router.Driver)
		fmt.Printf("  Host:         %s\n", router.Host)
		fmt.Printf("  Username:     %s\n", router.Username)
		fmt.Printf("  Password:     %s\n", password)
	}
	fmt.Println()

	fmt.Printf("Plans:          %d\n", len(cfg.Plans))
	for _, p := range cfg.Plans {
		fmt.Printf("  %-12s %-12s %-9s %.2f\n", p.ID, p.Name, p.Kind, p.Price)
	}
	fmt.Println()

	fmt.Println("Environment Variables:")
	for _, name := range []string{"HOTSPOT_URL", "DATABASE_PATH", "ROUTER_HOST", "REDIS_ADDR", "LOG_LEVEL"} {
		if v := os.Getenv(name); v != "" {
			fmt.Printf("  %s=%s\n", name, v)
		} else {
			fmt.Printf("  %s (not set)\n", name)
		}
	}

	return nil
}
