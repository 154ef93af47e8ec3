package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tetherapp/tether/internal/logging"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to all paired workstations and sync",
	Long: `Connect to every enabled workstation and keep the local mirror in
sync until interrupted.

Connections reconnect automatically with capped exponential backoff;
sessions, messages, todos and plans stream into the local store as they
happen on the workstation.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine()
		if err != nil {
			return err
		}

		if err := eng.Start(); err != nil {
			_ = eng.Stop()
			return err
		}
		logging.Info("syncing; press Ctrl-C to stop")

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop

		logging.Info("shutting down")
		return eng.Stop()
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
