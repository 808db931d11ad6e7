package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/hpcforge/slurmgate/internal/daemon"
)

type eventRow struct {
	TunnelID  string    `json:"TunnelID"`
	EventType string    `json:"EventType"`
	Details   string    `json:"Details"`
	Timestamp time.Time `json:"Timestamp"`
}

func NewEventsCommand() *cobra.Command {
	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent tunnel lifecycle events",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			limit, _ := cmd.Flags().GetInt("limit")
			response, err := daemon.SendCommand("EVENTS " + strconv.Itoa(limit))
			if err != nil {
				slog.Error("Daemon is not running")
				os.Exit(1)
			}
			if response.HasError() {
				response.LogMessages()
				os.Exit(1)
			}

			jsonBytes, _ := json.Marshal(response.Data)
			format, _ := cmd.Flags().GetString("format")
			switch format {
			case "text":
				var events []eventRow
				json.Unmarshal(jsonBytes, &events)
				for _, e := range events {
					fmt.Printf("%s  %-12s  %-16s  %s\n",
						e.Timestamp.Format(time.DateTime), e.TunnelID, e.EventType, e.Details)
				}
			case "json":
				fmt.Println(string(jsonBytes))
			default:
				slog.Error("unknown format")
				os.Exit(1)
			}
		},
	}
	eventsCmd.Flags().IntP("limit", "n", 20, "Number of events to show")
	eventsCmd.Flags().StringP("format", "F", "text", "Format to use (text/json)")

	return eventsCmd
}
