package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/backlinkoo/linkwatch/pkg/storage"
)

// auditCmd implements: linkwatch audit [--resource id] [--kind resource|automation] [--since RFC3339]
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Print recent state transitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := storage.AuditQuery{}
		q.ResourceID, _ = cmd.Flags().GetString("resource")
		q.Kind, _ = cmd.Flags().GetString("kind")
		q.Limit, _ = cmd.Flags().GetInt("limit")
		if since, _ := cmd.Flags().GetString("since"); since != "" {
			t, err := time.Parse(time.RFC3339, since)
			if err != nil {
				return fmt.Errorf("invalid --since, want RFC3339: %w", err)
			}
			q.Since = t
		}

		a, err := openApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.close()
		evs, err := a.db.ListAudit(cmd.Context(), q)
		if err != nil {
			return err
		}
		if len(evs) == 0 {
			fmt.Println("No audit events.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "TIME\tKIND\tID\tEVENT\tFROM\tTO\tACTOR\tREASON\t")
		for _, ev := range evs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t\n",
				ev.OccurredAt.Format(time.RFC3339), ev.ResourceKind, ev.ResourceID, ev.EventType,
				snapshotState(ev.Before), snapshotState(ev.After), ev.Actor, ev.Reason)
		}
		w.Flush()
		return nil
	},
}

// snapshotState pulls the status or mode out of an audit snapshot.
func snapshotState(raw []byte) string {
	if len(raw) == 0 {
		return "-"
	}
	r := gjson.GetManyBytes(raw, "status", "mode")
	for _, v := range r {
		if v.Exists() {
			return v.String()
		}
	}
	return "-"
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.Flags().String("resource", "", "Only events for this resource or campaign id")
	auditCmd.Flags().String("kind", "", "resource or automation")
	auditCmd.Flags().String("since", "", "Only events at or after this RFC3339 timestamp")
	auditCmd.Flags().Int("limit", 50, "Maximum events")
}
