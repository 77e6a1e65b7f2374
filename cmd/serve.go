package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/backlinkoo/linkwatch/internal/server"
	"github.com/backlinkoo/linkwatch/internal/utils"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the verification sweeps, automation ticks and the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		listenAddr, _ := cmd.Flags().GetString("listen")

		a, err := openApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a.engine.Start()
		a.ctrl.Start(ctx)
		utils.Log.Infof("Sweeping due links every %s, evaluating campaigns every %s", a.engine.Config().SweepInterval, a.ctrl.Config().Tick)

		s := &server.Server{
			DB:       a.db,
			Tracking: a.tracking(),
			Engine:   a.engine,
			Ctrl:     a.ctrl,
			Tracker:  a.tracker,
			Hub:      a.hub,
			Prompts:  a.prompts,
			Log:      utils.Log,
			Username: viper.GetString("server.username"),
			Password: viper.GetString("server.password"),
		}
		return s.Start(ctx, listenAddr)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("listen", ":8080", "HTTP listen address")
}
