package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/astromechza/sharecode/pkg/logstore"
	"github.com/astromechza/sharecode/pkg/playback"
)

func newReplayCmd() *cobra.Command {
	var dbPath, documentID, atRaw string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Reconstruct a document's text at a point in time",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := logstore.Open(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			player := playback.NewPlayer(playback.StoreSource{Store: store}, documentID)
			defer player.Close()
			if err := player.Load(cmd.Context()); err != nil {
				if errors.Is(err, playback.ErrNoPlaybackData) {
					return fmt.Errorf("document %s has no recorded history", documentID)
				}
				return err
			}

			start, end := player.Bounds()
			at := end
			if atRaw != "" {
				if at, err = time.Parse(time.RFC3339, atRaw); err != nil {
					return fmt.Errorf("failed to parse --at: %w", err)
				}
			}
			text, err := player.ReconstructAt(at)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "document %s spans %s .. %s\n", documentID, start.Format(time.RFC3339), end.Format(time.RFC3339))
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "sharecode.sqlite3", "path to the update log database")
	cmd.Flags().StringVar(&documentID, "doc", "", "the document id to replay")
	cmd.Flags().StringVar(&atRaw, "at", "", "target timestamp (RFC3339), defaults to the end of history")
	_ = cmd.MarkFlagRequired("doc")
	return cmd
}
