package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hpcforge/slurmgate/internal/daemon"
)

type statusData struct {
	Tunnels []daemon.TunnelStatus `json:"tunnels"`
	Online  bool                  `json:"online"`
}

func NewStatusCommand() *cobra.Command {
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Shows a list of all live tunnels",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand("STATUS")
			if err != nil {
				slog.Warn("No active tunnels (daemon is not running).")
				return
			}

			jsonBytes, _ := json.Marshal(response.Data)

			format, _ := cmd.Flags().GetString("format")
			switch format {
			case "text":
				var data statusData
				json.Unmarshal(jsonBytes, &data)
				if len(data.Tunnels) == 0 {
					fmt.Println("No live tunnels.")
					return
				}
				fmt.Println("Live Tunnels:")
				for _, t := range data.Tunnels {
					createdAt, _ := time.Parse(time.RFC3339, t.CreatedAt)
					age := time.Since(createdAt)
					fmt.Printf(
						"  - %s  job %s on %s  localhost:%d -> :%d  [%s/%s]  age %s\n",
						t.ID, t.JobID, t.Node, t.LocalPort, t.RemotePort,
						t.Status, t.Health, age.Round(time.Second).String(),
					)
				}
			case "json":
				fmt.Println(string(jsonBytes))
			default:
				slog.Error("unknown format")
				os.Exit(1)
			}
		},
	}
	statusCmd.Flags().StringP("format", "F", "text", "Format to use (text/json)")

	return statusCmd
}
