package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hpcforge/slurmgate/internal/core"
	"github.com/hpcforge/slurmgate/internal/daemon"
)

func NewVersionCommand() *cobra.Command {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show client and daemon versions",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("slurmgate %s\n", core.FormatVersion(core.Version))

			response, err := daemon.SendCommand("VERSION")
			if err != nil {
				fmt.Println("daemon not running")
				return
			}
			if data, ok := response.Data.(map[string]interface{}); ok {
				fmt.Printf("daemon %v (pid %v)\n",
					core.FormatVersion(fmt.Sprintf("%v", data["version"])), data["pid"])
			}
		},
	}

	return versionCmd
}
