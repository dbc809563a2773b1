// Package commands wires the rocketclaw CLI.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Execute runs the CLI and prints any terminal error.
func Execute() error {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "rocketclaw",
		Short:         "Bridge between a team-chat server and an agent runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to the configuration file")
	root.PersistentFlags().Bool("verbose", false, "enable debug logging")

	root.AddCommand(newServeCmd())
	return root
}
