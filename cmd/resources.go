package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/backlinkoo/linkwatch/internal/tracking"
	"github.com/backlinkoo/linkwatch/internal/utils"
	"github.com/backlinkoo/linkwatch/pkg/storage"
)

func (a *app) tracking() *tracking.Service {
	return &tracking.Service{Engine: a.engine, Store: a.db, Meter: a.tracker, Campaigns: a.ctrl, Log: utils.Log}
}

func cliActor(cmd *cobra.Command) storage.Actor {
	user, _ := cmd.Flags().GetString("user")
	return storage.UserActor(user)
}

// trackCmd implements: linkwatch track --campaign c --user u --source URL --target URL
var trackCmd = &cobra.Command{
	Use:   "track",
	Short: "Start tracking a published link",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, true)
		if err != nil {
			return err
		}
		defer a.close()

		req := tracking.Request{}
		req.CampaignID, _ = cmd.Flags().GetString("campaign")
		req.UserID, _ = cmd.Flags().GetString("user")
		req.SourceURL, _ = cmd.Flags().GetString("source")
		req.TargetURL, _ = cmd.Flags().GetString("target")
		req.AnchorText, _ = cmd.Flags().GetString("anchor")
		req.Placement, _ = cmd.Flags().GetString("placement")
		req.Engine, _ = cmd.Flags().GetString("engine")
		req.Difficulty, _ = cmd.Flags().GetString("difficulty")

		r, created, err := a.tracking().Track(cmd.Context(), req, cliActor(cmd))
		if err != nil {
			return err
		}
		if !created {
			fmt.Printf("Already tracked: %s (%s)\n", r.ID, r.Status)
			return nil
		}
		fmt.Printf("Tracking %s -> %s as %s, first check at %s\n", r.SourceURL, r.TargetURL, r.ID, r.NextCheckAt.Format(time.RFC3339))

		now, _ := cmd.Flags().GetBool("now")
		if !now {
			return nil
		}
		// Track armed the first probe; run it here instead.
		a.engine.Cancel(r.ID)
		checked, err := a.engine.VerifyNow(cmd.Context(), r.ID)
		if err != nil {
			return err
		}
		printResources([]storage.Resource{checked})
		return nil
	},
}

// verifyCmd implements: linkwatch verify [id...] | --due [--campaign c]
var verifyCmd = &cobra.Command{
	Use:   "verify [resource-id...]",
	Short: "Probe tracked links now",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, true)
		if err != nil {
			return err
		}
		defer a.close()

		ids := args
		due, _ := cmd.Flags().GetBool("due")
		campaign, _ := cmd.Flags().GetString("campaign")
		if due || (len(ids) == 0 && campaign != "") {
			ids, err = a.engine.Due(cmd.Context(), campaign)
			if err != nil {
				return err
			}
		}
		if len(ids) == 0 {
			utils.Log.Info("Nothing to verify.")
			return nil
		}

		res := a.engine.VerifyMany(cmd.Context(), ids)
		var rs []storage.Resource
		for _, id := range ids {
			r, err := a.db.GetResource(cmd.Context(), id)
			if err != nil {
				continue
			}
			rs = append(rs, r)
		}
		printResources(rs)
		fmt.Printf("\n%d checked, %d skipped, %d failed\n", res.Checked, res.Skipped, res.Failed)
		for _, err := range res.Errors {
			utils.Log.Warn(err)
		}
		return nil
	},
}

var requeueCmd = &cobra.Command{
	Use:   "requeue <resource-id>",
	Short: "Send a settled link back for verification",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, true)
		if err != nil {
			return err
		}
		defer a.close()
		reason, _ := cmd.Flags().GetString("reason")
		r, err := a.engine.Requeue(cmd.Context(), args[0], cliActor(cmd), reason)
		if err != nil {
			return err
		}
		fmt.Printf("%s is %s, next check at %s\n", r.ID, r.Status, r.NextCheckAt.Format(time.RFC3339))
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <resource-id>",
	Short: "Stop tracking a link (soft delete)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, true)
		if err != nil {
			return err
		}
		defer a.close()
		reason, _ := cmd.Flags().GetString("reason")
		r, err := a.engine.Remove(cmd.Context(), args[0], cliActor(cmd), reason)
		if err != nil {
			return err
		}
		fmt.Printf("%s is %s\n", r.ID, r.Status)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked links",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.close()
		q := storage.ResourceQuery{}
		q.CampaignID, _ = cmd.Flags().GetString("campaign")
		q.UserID, _ = cmd.Flags().GetString("user")
		q.Limit, _ = cmd.Flags().GetInt("limit")
		statuses, _ := cmd.Flags().GetStringSlice("status")
		for _, s := range statuses {
			q.Statuses = append(q.Statuses, storage.ResourceStatus(s))
		}
		rs, err := a.db.ListResources(cmd.Context(), q)
		if err != nil {
			return err
		}
		if len(rs) == 0 {
			fmt.Println("No tracked links.")
			return nil
		}
		printResources(rs)
		return nil
	},
}

func printResources(rs []storage.Resource) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tCAMPAIGN\tSTATUS\tHTTP\tSCORE\tATTEMPTS\tSOURCE\t")
	for _, r := range rs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.0f\t%d\t%s\t\n", r.ID, r.CampaignID, r.Status, r.HTTPStatus, r.QualityScore, r.Attempts, r.SourceURL)
	}
	w.Flush()
}

func init() {
	rootCmd.AddCommand(trackCmd, verifyCmd, requeueCmd, removeCmd, listCmd)

	trackCmd.Flags().String("campaign", "", "Campaign id (required)")
	trackCmd.Flags().String("source", "", "Page that carries the link (required)")
	trackCmd.Flags().String("target", "", "Where the link should point (required)")
	trackCmd.Flags().String("anchor", "", "Expected anchor text")
	trackCmd.Flags().String("placement", "", "Placement type, e.g. guest_post, comment")
	trackCmd.Flags().String("engine", "", "Content engine, used for pricing")
	trackCmd.Flags().String("difficulty", "", "Placement difficulty, used for pricing")
	trackCmd.Flags().Bool("now", false, "Verify right away instead of waiting for the first scheduled check")
	trackCmd.MarkFlagRequired("campaign")
	trackCmd.MarkFlagRequired("source")
	trackCmd.MarkFlagRequired("target")

	verifyCmd.Flags().Bool("due", false, "Verify every link whose next check is due")
	verifyCmd.Flags().String("campaign", "", "Limit --due to one campaign")

	requeueCmd.Flags().String("reason", "", "Reason recorded in the audit log")
	removeCmd.Flags().String("reason", "", "Reason recorded in the audit log")

	listCmd.Flags().String("campaign", "", "Filter by campaign")
	listCmd.Flags().StringSlice("status", nil, "Filter by status (unverified, verified, broken, redirect, removed)")
	listCmd.Flags().Int("limit", 100, "Maximum rows")

	for _, c := range []*cobra.Command{trackCmd, requeueCmd, removeCmd, listCmd} {
		c.Flags().String("user", "", "Acting user id")
	}
}
