package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/backlinkoo/linkwatch/pkg/report"
)

// statsCmd implements: linkwatch stats <campaign> [--period day|hour|week|month] [--json]
var statsCmd = &cobra.Command{
	Use:   "stats <campaign-id>",
	Short: "Prints a campaign report: verification rate, quality and domains.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		period, _ := cmd.Flags().GetString("period")
		a, err := openApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.close()

		m, err := report.Campaign(cmd.Context(), a.db, args[0], report.Period(period), time.Now())
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(m)
		}
		if m.Total == 0 {
			fmt.Println("No links tracked in this period.")
			return nil
		}

		fmt.Printf("Campaign %s, last %s (%s to %s)\n\n", m.CampaignID, m.Period, m.From.Format(time.RFC3339), m.To.Format(time.RFC3339))
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.AlignRight)
		fmt.Fprintln(w, "TOTAL\tVERIFIED\tLIVE\tBROKEN\tREDIRECT\tPENDING\tRATE %\tQUALITY\tAVG MS\tCOST\t")
		fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%d\t%.2f\t%.2f\t%.0f\t%.4f\t\n",
			m.Total, m.Verified, m.Live, m.Broken, m.Redirect, m.Pending, m.VerificationRate, m.AvgQuality, m.AvgResponseMS, m.ComputeCost)
		w.Flush()

		fmt.Printf("\nQuality: %d high, %d medium, %d low\n", m.Quality["high"], m.Quality["medium"], m.Quality["low"])
		placements := make([]string, 0, len(m.Placements))
		for p := range m.Placements {
			placements = append(placements, p)
		}
		sort.Strings(placements)
		fmt.Print("Placements:")
		for _, p := range placements {
			fmt.Printf(" %s=%d", p, m.Placements[p])
		}
		fmt.Println()

		fmt.Println()
		w = tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.AlignRight)
		fmt.Fprintln(w, "DOMAIN\tLINKS\tVERIFIED\tQUALITY\t")
		for _, d := range m.Domains {
			fmt.Fprintf(w, "%s\t%d\t%d\t%.2f\t\n", d.Domain, d.Links, d.Verified, d.AvgQuality)
		}
		w.Flush()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().String("period", "day", "Reporting window: hour, day, week or month")
	statsCmd.Flags().Bool("json", false, "Print the report as JSON")
}
