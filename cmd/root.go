package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hpcforge/slurmgate/internal/core"
)

func NewRootCommand() *cobra.Command {
	var configPath string
	var verbose int

	homeDir, _ := os.UserHomeDir()

	rootCmd := &cobra.Command{
		Use:   "slurmgate",
		Short: "slurmgate - SSH tunnels to SLURM compute jobs",
		Long: `slurmgate opens and supervises SSH tunnels to services running inside
SLURM compute jobs, surviving daemon restarts and monitoring tunnel health.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := core.LoadConfig(filepath.Join(configPath, core.ConfigFileName))
			if err != nil {
				return err
			}
			cfg.ConfigPath = configPath
			if verbose > cfg.Verbose {
				cfg.Verbose = verbose
			}
			core.Config = cfg
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(
		&configPath, "config-path", fmt.Sprintf("%s/%s", homeDir, core.BaseDirName),
		"config path",
	)
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "more output, repeat for even more")

	rootCmd.AddCommand(
		NewDaemonCommand(),
		NewOpenCommand(),
		NewCloseCommand(),
		NewStatusCommand(),
		NewHealthCommand(),
		NewEventsCommand(),
		NewMonitorCommand(),
		NewLogsCommand(),
		NewPasswordCommand(),
		NewVersionCommand(),
		NewQuitCommand(),
	)

	return rootCmd
}
