package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/backlinkoo/linkwatch/internal/utils"
)

// pollCmd implements: linkwatch poll [--loop 5m]
//
// One pass probes every due link, then evaluates every campaign. With
// --loop it repeats until interrupted.
var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Verify due links and evaluate campaign automation once",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			return fmt.Errorf("unknown command: '%s'. See 'linkwatch poll --help'", args[0])
		}
		loop, _ := cmd.Flags().GetDuration("loop")

		a, err := openApp(cmd, true)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		for {
			start := time.Now()
			sweep, err := a.engine.Sweep(ctx)
			if err != nil {
				utils.Log.Errorf("Sweep failed: %v", err)
			} else {
				for status, n := range sweep.Statuses {
					utils.Log.Infof("%d links now %s", n, status)
				}
				for _, e := range sweep.Errors {
					utils.Log.Warn(e)
				}
			}
			tick := a.ctrl.Tick(ctx)
			for _, e := range tick.Errors {
				utils.Log.Warn(e)
			}
			utils.Log.Infof("Poll done in %s: %d campaigns evaluated", time.Since(start).Round(time.Millisecond), len(tick.Done))

			if loop <= 0 {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(loop):
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(pollCmd)
	pollCmd.Flags().Duration("loop", 0, "Repeat every interval until interrupted (0 = run once)")
}
