package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hotspot-billing/hotspot-billing/internal/app"
	"github.com/hotspot-billing/hotspot-billing/internal/config"
	"github.com/hotspot-billing/hotspot-billing/internal/logging"
	"github.com/hotspot-billing/hotspot-billing/internal/service/scheduler"
	"github.com/hotspot-billing/hotspot-billing/pkg/models"
)

var (
	monitorInterval int
	monitorOnce     bool
	monitorVerbose  bool
	monitorEmail    bool
	configPath      string
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run the usage monitor",
	Long: `Run the usage monitor against the local database and router.

Each cycle sweeps active sessions for alerts and exhausted quotas, syncs
live byte counters from the router, then expires sessions past their
validity window. Without --once the cycle repeats every --interval seconds
until interrupted. With --email-alerts, critical and final alerts are also
emailed to the administrators configured under alerts.email.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)

	monitorCmd.Flags().IntVar(&monitorInterval, "interval", 60, "Seconds between cycles")
	monitorCmd.Flags().BoolVar(&monitorOnce, "once", false, "Run a single cycle and exit")
	monitorCmd.Flags().BoolVarP(&monitorVerbose, "verbose", "v", false, "Debug logging and a report after every cycle")
	monitorCmd.Flags().BoolVar(&monitorEmail, "email-alerts", false, "Email administrators about critical and final alerts")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: environment only)")
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.LoadFromEnv()
}

func runMonitor(cmd *cobra.Command, args []string) error {
	if monitorInterval <= 0 {
		return fmt.Errorf("interval must be positive, got %d", monitorInterval)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	level := cfg.Logging.Level
	if monitorVerbose {
		level = "debug"
	}
	logger := logging.Setup(logging.Config{
		Level:  level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})

	opts := []app.Option{
		app.WithInterval(time.Duration(monitorInterval) * time.Second),
		app.WithEmailAlerts(monitorEmail),
	}
	if monitorVerbose && !monitorOnce {
		opts = append(opts, app.WithCycleHook(printCycleReport))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := app.Build(ctx, cfg, logger, opts...)
	if err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}
	defer engine.Close()

	if monitorOnce {
		printCycleReport(engine.Scheduler.RunCycle(ctx))
		return nil
	}

	logger.Info("monitor running", slog.Int("interval_seconds", monitorInterval))
	return engine.Scheduler.Run(ctx)
}

// cycleOutput is the JSON form of a cycle report
type cycleOutput struct {
	ID         string                    `json:"id"`
	StartedAt  time.Time                 `json:"started_at"`
	DurationMs int64                     `json:"duration_ms"`
	Assessed   int                       `json:"assessed"`
	Alerts     map[models.AlertLevel]int `json:"alerts"`
	Terminated int                       `json:"terminated"`
	Expired    int                       `json:"expired"`
	Skipped    int                       `json:"skipped"`
	Synced     int                       `json:"synced"`
	Errors     []string                  `json:"errors,omitempty"`
}

func printCycleReport(r *scheduler.CycleReport) {
	out := cycleOutput{
		ID:         r.ID,
		StartedAt:  r.StartedAt,
		DurationMs: r.Duration.Milliseconds(),
		Assessed:   r.Assessed,
		Alerts:     r.Alerts,
		Terminated: r.Terminated,
		Expired:    r.Expired,
		Skipped:    r.Skipped,
	}
	if r.Sync != nil {
		out.Synced = r.Sync.Updated
	}
	for _, err := range r.Errors {
		out.Errors = append(out.Errors, err.Error())
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		_ = encoder.Encode(out)
		return
	}

	fmt.Printf("cycle %s: assessed=%d warning=%d critical=%d final=%d terminated=%d expired=%d synced=%d skipped=%d (%dms)\n",
		out.ID, out.Assessed,
		r.Alerts[models.AlertWarning], r.Alerts[models.AlertCritical], r.Alerts[models.AlertFinal],
		out.Terminated, out.Expired, out.Synced, out.Skipped, out.DurationMs)
	for _, e := range out.Errors {
		fmt.Printf("  error: %s\n", e)
	}
}
