package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/hpcforge/slurmgate/internal/core"
)

func NewLogsCommand() *cobra.Command {
	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Stream daemon logs",
		Long:  `Stream daemon logs to the terminal. Shows recent history first, then follows new output until interrupted.`,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			lines, _ := cmd.Flags().GetInt("lines")

			// LOGS streams raw text rather than a JSON response, so this
			// talks to the socket directly instead of using SendCommand.
			conn, err := net.Dial("unix", core.GetSocketPath())
			if err != nil {
				slog.Error("Daemon is not running")
				os.Exit(1)
			}
			defer conn.Close()

			if _, err := conn.Write([]byte(fmt.Sprintf("LOGS %d\n", lines))); err != nil {
				slog.Error("Failed to request logs: " + err.Error())
				os.Exit(1)
			}
			io.Copy(os.Stdout, conn)
		},
	}
	logsCmd.Flags().IntP("lines", "n", 20, "Lines of history to show before following")

	return logsCmd
}
