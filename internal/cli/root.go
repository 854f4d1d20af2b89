// Package cli wires the octoreflex command tree: the containment daemon,
// the acceptance validation tool, and the operator client commands that
// talk to a running agent over its unix socket.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

func NewRoot(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "octoreflex",
		Short:         "octoreflex: host intrusion containment agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Version = version
	cmd.SetVersionTemplate("octoreflex {{.Version}}\n")

	cmd.PersistentFlags().String("socket",
		getenvDefault("OCTOREFLEX_SOCKET", "/run/octoreflex/operator.sock"),
		"operator socket of the running agent")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newPinCmd())
	cmd.AddCommand(newResetCmd())
	cmd.AddCommand(newLedgerCmd())

	return cmd
}

func socketPath(cmd *cobra.Command) string {
	p, _ := cmd.Root().PersistentFlags().GetString("socket")
	return p
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
