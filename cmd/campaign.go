package cmd

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/backlinkoo/linkwatch/pkg/storage"
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Inspect and steer campaign automation",
}

func printAutomation(st storage.AutomationState) {
	fmt.Printf("Campaign:  %s\n", st.CampaignID)
	fmt.Printf("Owner:     %s\n", st.UserID)
	fmt.Printf("Mode:      %s\n", st.Mode)
	if st.Reason != "" {
		fmt.Printf("Reason:    %s\n", st.Reason)
	}
	if st.PausedBy != "" {
		fmt.Printf("Paused by: %s\n", st.PausedBy)
	}
	if len(st.Exceeded) > 0 {
		fmt.Printf("Exceeded:  %s\n", strings.Join(st.Exceeded, ", "))
	}
	fmt.Printf("Since:     %s\n", st.TransitionedAt.Format(time.RFC3339))
}

// campaignAction builds pause/resume/manual, which share their shape.
func campaignAction(use, short string, do func(a *app, cmd *cobra.Command, id, user, reason string) (storage.AutomationState, error)) *cobra.Command {
	c := &cobra.Command{
		Use:   use + " <campaign-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, true)
			if err != nil {
				return err
			}
			defer a.close()
			user, _ := cmd.Flags().GetString("user")
			reason, _ := cmd.Flags().GetString("reason")
			st, err := do(a, cmd, args[0], user, reason)
			if err != nil {
				return err
			}
			printAutomation(st)
			return nil
		},
	}
	c.Flags().String("user", "", "Acting user id")
	c.Flags().String("reason", "", "Reason recorded in the audit log")
	return c
}

var campaignPauseCmd = campaignAction("pause", "Pause a campaign; only a user can lift it", func(a *app, cmd *cobra.Command, id, user, reason string) (storage.AutomationState, error) {
	return a.ctrl.Pause(cmd.Context(), id, user, reason)
})

var campaignResumeCmd = campaignAction("resume", "Resume a paused campaign into automatic running", func(a *app, cmd *cobra.Command, id, user, reason string) (storage.AutomationState, error) {
	return a.ctrl.Resume(cmd.Context(), id, user, reason)
})

var campaignManualCmd = campaignAction("manual", "Take a campaign out of automation", func(a *app, cmd *cobra.Command, id, user, reason string) (storage.AutomationState, error) {
	return a.ctrl.SetManual(cmd.Context(), id, user, reason)
})

var campaignStatusCmd = &cobra.Command{
	Use:   "status [campaign-id]",
	Short: "Show one campaign's automation state, or all of them",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.close()
		if len(args) == 1 {
			st, err := a.ctrl.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printAutomation(st)
			sig, err := a.ctrl.Signals(cmd.Context(), st)
			if err != nil {
				return err
			}
			fmt.Printf("\nToday:     %v items, %v compute (%s tier)\n", sig.Usage.Counters[storage.UsageItemsPosted], sig.Usage.Counters[storage.UsageComputeUnits], sig.Usage.Tier)
			fmt.Printf("Health:    %d settled, %.0f%% broken, avg quality %.1f\n", sig.Health.Settled, sig.Health.ErrorRate()*100, sig.Health.QualityAvg)
			return nil
		}
		states, err := a.db.ListAutomation(cmd.Context())
		if err != nil {
			return err
		}
		if len(states) == 0 {
			fmt.Println("No campaigns yet.")
			return nil
		}
		for _, st := range states {
			fmt.Printf("%-24s %-13s %s\n", st.CampaignID, st.Mode, st.Reason)
		}
		return nil
	},
}

var campaignEvaluateCmd = &cobra.Command{
	Use:   "evaluate [campaign-id]",
	Short: "Run the automatic pause/resume rules now",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, true)
		if err != nil {
			return err
		}
		defer a.close()
		if len(args) == 1 {
			st, changed, err := a.ctrl.Evaluate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !changed {
				fmt.Println("No change.")
			}
			printAutomation(st)
			return nil
		}
		var mu sync.Mutex
		res := a.ctrl.TickEach(cmd.Context(), func(id string, err error) {
			st, serr := a.ctrl.Status(cmd.Context(), id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				fmt.Printf("%-24s error: %v\n", id, err)
			case serr != nil:
				fmt.Printf("%-24s evaluated, status unavailable: %v\n", id, serr)
			default:
				fmt.Printf("%-24s %-13s %s\n", id, st.Mode, st.Reason)
			}
		})
		fmt.Printf("Evaluated %d campaigns, %d failed\n", len(res.Done), len(res.Errors))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(campaignCmd)
	campaignCmd.AddCommand(campaignPauseCmd, campaignResumeCmd, campaignManualCmd, campaignStatusCmd, campaignEvaluateCmd)
}
