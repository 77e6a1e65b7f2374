package cmd

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/backlinkoo/linkwatch/pkg/storage"
	"github.com/backlinkoo/linkwatch/pkg/usage"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Record and inspect per-user daily usage",
}

// usageRecordCmd implements: linkwatch usage record <user> <kind> [amount]
var usageRecordCmd = &cobra.Command{
	Use:   "record <user> <kind> [amount]",
	Short: "Add to one of today's counters (items_posted, compute_units, bytes_stored, bytes_transferred, api_requests)",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount := 1.0
		if len(args) == 3 {
			v, err := strconv.ParseFloat(args[2], 64)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[2], err)
			}
			amount = v
		}
		a, err := openApp(cmd, true)
		if err != nil {
			return err
		}
		defer a.close()

		user, kind := args[0], storage.UsageKind(args[1])
		bounded, _ := cmd.Flags().GetBool("bounded")
		var total float64
		if bounded {
			total, err = a.tracker.TryRecord(cmd.Context(), user, kind, amount)
		} else {
			total, err = a.tracker.RecordOperation(cmd.Context(), user, kind, amount)
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s %s today: %v\n", user, kind, total)
		return nil
	},
}

var usageCheckCmd = &cobra.Command{
	Use:   "check <user>",
	Short: "Compare today's counters against the user's tier",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.close()

		c, err := a.tracker.CheckThresholds(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("User %s on %s tier, day %s\n\n", c.UserID, c.Tier, c.DayKey)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.AlignRight)
		fmt.Fprintln(w, "LIMIT\tUSED\tMAX\tSTATUS\t")
		for _, k := range []usage.LimitKind{usage.LimitDaily, usage.LimitCompute, usage.LimitStorage, usage.LimitBandwidth} {
			max := "unlimited"
			if l := c.Limits.For(k); l >= 0 {
				max = strconv.FormatFloat(l, 'f', -1, 64)
			}
			status := "ok"
			if c.Has(k) {
				status = "EXCEEDED"
			}
			fmt.Fprintf(w, "%s\t%v\t%s\t%s\t\n", k, c.Counters[k.Counter()], max, status)
		}
		w.Flush()
		return nil
	},
}

var usageTierCmd = &cobra.Command{
	Use:   "tier <user> [tier]",
	Short: "Show or set a user's plan",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, len(args) == 2)
		if err != nil {
			return err
		}
		defer a.close()
		if len(args) == 2 {
			if err := a.db.SetUserTier(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
		}
		tier, _, err := a.tracker.Tier(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", args[0], tier)
		return nil
	},
}

var usageCostCmd = &cobra.Command{
	Use:   "cost <operation> <engine> <difficulty> <base-cost>",
	Short: "Add or replace a compute cost matrix row",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		base, err := strconv.ParseFloat(args[3], 64)
		if err != nil {
			return fmt.Errorf("invalid base cost %q: %w", args[3], err)
		}
		e := storage.CostEntry{OperationType: args[0], EngineType: args[1], Difficulty: args[2], BaseCost: base}
		e.HostingFactor, _ = cmd.Flags().GetFloat64("hosting")
		e.PremiumDiscount, _ = cmd.Flags().GetFloat64("discount")
		e.SuccessBonus, _ = cmd.Flags().GetFloat64("bonus")

		a, err := openApp(cmd, true)
		if err != nil {
			return err
		}
		defer a.close()
		if err := a.db.PutCostEntry(cmd.Context(), e); err != nil {
			return err
		}
		cfg, err := usageConfig()
		if err != nil {
			return err
		}
		fmt.Println("Price per operation (success bonus excluded):")
		for _, tier := range []string{usage.TierFree, usage.TierPremium, usage.TierEnterprise} {
			fmt.Printf("  %-10s %.4f\n", tier, usage.Price(e, tier, cfg.Tiers[tier], false))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(usageCmd)
	usageCmd.AddCommand(usageRecordCmd, usageCheckCmd, usageTierCmd, usageCostCmd)

	usageRecordCmd.Flags().Bool("bounded", false, "Refuse the increment once the tier limit is reached")
	usageCostCmd.Flags().Float64("hosting", 1, "Hosting factor")
	usageCostCmd.Flags().Float64("discount", 0, "Discount for paid tiers, 0-1")
	usageCostCmd.Flags().Float64("bonus", 0, "Bonus added on success")
}
