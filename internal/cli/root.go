// Package cli wires the sharecode commands: the collaboration server, offline
// replay, and history visualization.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCmd builds the sharecode command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sharecode",
		Short:         "Collaborative text replication and playback",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))
		},
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newReplayCmd())
	root.AddCommand(newHistoryCmd())
	return root
}
