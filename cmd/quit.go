package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hpcforge/slurmgate/internal/daemon"
)

func NewQuitCommand() *cobra.Command {
	quitCmd := &cobra.Command{
		Use:     "quit",
		Aliases: []string{"shutdown"},
		Short:   "Stop the daemon (tunnels keep running and are restored on next start)",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand("STOP_DAEMON")
			if err != nil {
				slog.Warn("Daemon is not running")
				return
			}
			response.LogMessages()
			if response.HasError() {
				os.Exit(1)
			}
		},
	}

	return quitCmd
}
