package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hpcforge/slurmgate/internal/daemon"
)

func NewMonitorCommand() *cobra.Command {
	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Inspect and control the background monitoring tasks",
	}

	statusCmd := &cobra.Command{
		Use:       "status <usage|cluster>",
		Short:     "Show a monitoring task's loop state",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"usage", "cluster"},
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand(fmt.Sprintf("MONITOR %s STATUS", args[0]))
			if err != nil {
				slog.Error("Daemon is not running")
				os.Exit(1)
			}
			if response.HasError() {
				response.LogMessages()
				os.Exit(1)
			}
			jsonBytes, _ := json.Marshal(response.Data)
			fmt.Println(string(jsonBytes))
		},
	}

	restartCmd := &cobra.Command{
		Use:   "restart <usage|cluster> <minutes>",
		Short: "Restart a monitoring task with a new interval",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand(fmt.Sprintf("MONITOR %s RESTART %s", args[0], args[1]))
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

	monitorCmd.AddCommand(statusCmd, restartCmd)
	return monitorCmd
}
