package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/hpcforge/slurmgate/internal/core"
	"github.com/hpcforge/slurmgate/internal/keyring"
)

// promptAndConfirmPassword reads a password twice from the terminal without
// echo and verifies both entries match.
func promptAndConfirmPassword(host string) (string, error) {
	fmt.Printf("Password for %s: ", host)
	first, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}

	fmt.Print("Confirm password: ")
	second, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}

	if string(first) != string(second) {
		return "", fmt.Errorf("passwords do not match")
	}
	if len(first) == 0 {
		return "", fmt.Errorf("password is empty")
	}
	return string(first), nil
}

func NewPasswordCommand() *cobra.Command {
	passwordCmd := &cobra.Command{
		Use:     "password",
		Aliases: []string{"passwd", "pass"},
		Short:   "Manage the stored cluster password",
		Long:    `Store or delete the SSH password for the cluster head node. The password is stored securely in the system keyring.`,
	}

	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Store the password for the configured cluster host",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			host := core.Config.Cluster.Host
			if host == "" {
				slog.Error("No cluster host configured")
				os.Exit(1)
			}

			password, err := promptAndConfirmPassword(host)
			if err != nil {
				slog.Error(fmt.Sprintf("Failed to read password: %v", err))
				os.Exit(1)
			}

			if err := keyring.SetPassword(host, password); err != nil {
				slog.Error(fmt.Sprintf("Failed to store password: %v", err))
				os.Exit(1)
			}

			slog.Info(fmt.Sprintf("Password stored securely for '%s'", host))
		},
	}

	deleteCmd := &cobra.Command{
		Use:     "delete",
		Aliases: []string{"del", "remove", "rm"},
		Short:   "Delete the stored password for the configured cluster host",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			host := core.Config.Cluster.Host
			if host == "" {
				slog.Error("No cluster host configured")
				os.Exit(1)
			}

			if err := keyring.DeletePassword(host); err != nil {
				slog.Error(fmt.Sprintf("Failed to delete password: %v", err))
				os.Exit(1)
			}

			slog.Info(fmt.Sprintf("Password deleted for '%s'", host))
		},
	}

	passwordCmd.AddCommand(setCmd, deleteCmd)
	return passwordCmd
}
