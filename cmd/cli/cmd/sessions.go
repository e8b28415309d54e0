package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hotspot-billing/hotspot-billing/pkg/models"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and manage sessions",
}

var sessionsGetCmd = &cobra.Command{
	Use:   "get [session-id]",
	Short: "Get session details",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsGet,
}

var sessionsDisableCmd = &cobra.Command{
	Use:   "disable [session-id]",
	Short: "Disable a session and remove its router identity",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDisable,
}

var sessionsCommandsCmd = &cobra.Command{
	Use:   "commands [session-id]",
	Short: "Show the router commands issued for a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsCommands,
}

var usageCmd = &cobra.Command{
	Use:   "usage [session-id]",
	Short: "Show a session's usage and renewal options",
	Args:  cobra.ExactArgs(1),
	RunE:  runUsage,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(usageCmd)

	sessionsCmd.AddCommand(sessionsGetCmd)
	sessionsCmd.AddCommand(sessionsDisableCmd)
	sessionsCmd.AddCommand(sessionsCommandsCmd)
}

// apiCall performs a request against the billing API and decodes a 2xx body into out
func apiCall(method, path string, out any) error {
	req, err := http.NewRequest(method, serverURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("not found: %s", path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error: %s", string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func runSessionsGet(cmd *cobra.Command, args []string) error {
	var session models.Session
	if err := apiCall(http.MethodGet, "/api/v1/sessions/"+args[0], &session); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(session)
	}
	printSession(&session)
	return nil
}

func printSession(session *models.Session) {
	fmt.Printf("Session ID:     %s\n", session.ID)
	fmt.Printf("Phone:          %s\n", session.PhoneNumber)
	fmt.Printf("Username:       %s\n", session.Username)
	fmt.Printf("Status:         %s\n", session.Status)
	if session.PlanID != "" {
		fmt.Printf("Plan:           %s\n", session.PlanID)
	}
	if !session.ActivatedAt.IsZero() {
		fmt.Printf("Activated At:   %s\n", session.ActivatedAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("Expires At:     %s\n", session.ExpiresAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("Data Used:      %.1f MB\n", session.DataUsedMB())
	if session.EndCause != "" {
		fmt.Printf("Ended:          %s\n", session.EndCause)
	}
}

func runUsage(cmd *cobra.Command, args []string) error {
	var summary models.UsageSummary
	if err := apiCall(http.MethodGet, "/api/v1/sessions/"+args[0]+"/usage", &summary); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(summary)
	}

	printSession(&summary.Session)

	a := summary.Assessment
	if a == nil {
		fmt.Println("\nNo active plan.")
		return nil
	}

	fmt.Println()
	fmt.Printf("Plan:           %s (%s, KES %.2f)\n", a.PlanName, a.PlanKind, a.PlanPrice)
	if a.Unlimited {
		fmt.Println("Usage:          unlimited")
	} else {
		fmt.Printf("Usage:          %.1f / %.0f %s (%.1f%%)\n", a.Used, a.Total, a.Unit, a.Percentage)
		fmt.Printf("Remaining:      %.1f %s\n", a.Remaining, a.Unit)
	}
	if a.Level != models.AlertNone {
		fmt.Printf("Alert Level:    %s\n", a.Level)
	}

	if len(summary.Recommendations) > 0 {
		fmt.Println("\nRenewal options:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  PLAN\tNAME\tPRICE\tUPGRADE")
		for _, r := range summary.Recommendations {
			fmt.Fprintf(w, "  %s\t%s\t%.2f\t%t\n", r.Plan.ID, r.Plan.Name, r.Plan.Price, r.Upgrade)
		}
		w.Flush()
	}
	return nil
}

func runSessionsDisable(cmd *cobra.Command, args []string) error {
	var result struct {
		Session models.Session `json:"session"`
		Changed bool           `json:"changed"`
	}
	if err := apiCall(http.MethodPost, "/api/v1/sessions/"+args[0]+"/disable", &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(result)
	}
	if !result.Changed {
		fmt.Printf("Session %s was already %s.\n", args[0], result.Session.Status)
		return nil
	}
	fmt.Printf("Session %s disabled.\n", args[0])
	return nil
}

func runSessionsCommands(cmd *cobra.Command, args []string) error {
	var result struct {
		Commands []models.EnforcementCommand `json:"commands"`
		Count    int                         `json:"count"`
	}
	if err := apiCall(http.MethodGet, "/api/v1/sessions/"+args[0]+"/commands", &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(result)
	}
	if len(result.Commands) == 0 {
		fmt.Println("No commands recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tKIND\tDEVICE\tOK\tDURATION\tERROR")
	for _, c := range result.Commands {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%dms\t%s\n",
			c.ExecutedAt.Format("2006-01-02 15:04:05"), c.Kind, c.Device, c.Success, c.DurationMs,
			truncateString(c.Error, 60))
	}
	w.Flush()
	return nil
}

// truncateString shortens s to maxLen characters, ending with "..."
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
