package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hpcforge/slurmgate/internal/daemon"
)

func NewOpenCommand() *cobra.Command {
	openCmd := &cobra.Command{
		Use:     "open <job_id>",
		Aliases: []string{"o"},
		Short:   "Open a tunnel to a running SLURM job",
		Long: `Open a tunnel to the service advertised by a running SLURM job.
The job must be RUNNING with a node assigned and a port advertised in its
comment field (e.g. sbatch --comment="port=8888").`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			daemon.EnsureDaemonIsRunning()
			response, err := daemon.SendCommand("OPEN " + args[0])
			if err != nil {
				slog.Error(err.Error())
				os.Exit(1)
			}
			response.LogMessages()
			if response.HasError() {
				os.Exit(1)
			}
		},
	}

	return openCmd
}
