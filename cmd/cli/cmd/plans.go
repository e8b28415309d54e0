package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hotspot-billing/hotspot-billing/pkg/models"
)

var plansKind string

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "List plans on sale",
	RunE:  runPlans,
}

func init() {
	rootCmd.AddCommand(plansCmd)
	plansCmd.Flags().StringVarP(&plansKind, "kind", "k", "", "Filter by kind (time, data, unlimited)")
}

func runPlans(cmd *cobra.Command, args []string) error {
	path := "/api/v1/plans"
	if plansKind != "" {
		path += "?" + url.Values{"kind": {plansKind}}.Encode()
	}

	var result struct {
		Plans []models.Plan `json:"plans"`
		Count int           `json:"count"`
	}
	if err := apiCall(http.MethodGet, path, &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(result)
	}
	if len(result.Plans) == 0 {
		fmt.Println("No plans found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tKIND\tLIMIT\tSPEED\tPRICE")
	for _, p := range result.Plans {
		limit := "-"
		if p.Capacity() > 0 {
			limit = fmt.Sprintf("%.0f %s", p.Capacity(), p.Unit())
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d kbps\t%.2f\n",
			p.ID, p.Name, p.Kind, limit, p.DownloadKbps, p.UploadKbps, p.Price)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d plans\n", result.Count)
	return nil
}
