package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hpcforge/slurmgate/internal/daemon"
)

func NewHealthCommand() *cobra.Command {
	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Run an immediate health check over all live tunnels",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand("HEALTH")
			if err != nil {
				slog.Error("Daemon is not running")
				os.Exit(1)
			}
			response.LogMessages()
			if response.HasError() {
				os.Exit(1)
			}

			format, _ := cmd.Flags().GetString("format")
			if format == "json" {
				jsonBytes, _ := json.Marshal(response.Data)
				fmt.Println(string(jsonBytes))
			}
		},
	}
	healthCmd.Flags().StringP("format", "F", "text", "Format to use (text/json)")

	return healthCmd
}
