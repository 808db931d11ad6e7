package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hpcforge/slurmgate/internal/daemon"
)

func NewCloseCommand() *cobra.Command {
	closeCmd := &cobra.Command{
		Use:     "close <tunnel_id>",
		Aliases: []string{"c"},
		Short:   "Close a tunnel",
		Args:    cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand("CLOSE " + args[0])
			if err != nil {
				slog.Error("Daemon is not running")
				os.Exit(1)
			}
			response.LogMessages()
			if response.HasError() {
				os.Exit(1)
			}
		},
	}

	return closeCmd
}
