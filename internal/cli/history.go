package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/astromechza/sharecode/pkg/logstore"
	"github.com/astromechza/sharecode/pkg/replica"
	"github.com/astromechza/sharecode/pkg/viz"
)

func newHistoryCmd() *cobra.Command {
	var dbPath, documentID, outPath string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Render a document's change DAG to SVG",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := logstore.Open(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.ListOrdered(cmd.Context(), documentID)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				return fmt.Errorf("document %s has no recorded history", documentID)
			}
			rep := replica.NewForPlayback()
			for _, rec := range records {
				if _, err := rep.ApplyUpdate(rec.Payload); err != nil {
					slog.Warn("skipping unreplayable record", "record", rec.ID, "err", err)
				}
			}
			if err := viz.RenderHistoryToSvg(rep, outPath); err != nil {
				return err
			}
			slog.Info("rendered", "document", documentID, "path", "file://"+outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "sharecode.sqlite3", "path to the update log database")
	cmd.Flags().StringVar(&documentID, "doc", "", "the document id to render")
	cmd.Flags().StringVarP(&outPath, "out", "o", "history.svg", "output SVG path")
	_ = cmd.MarkFlagRequired("doc")
	return cmd
}
