package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/conductor/internal/config"
	"github.com/opencode-ai/conductor/internal/storage"
)

var sessionsStorage string

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions with persisted history",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := sessionsStorage
		if path == "" {
			path = config.GetPaths().StoragePath()
		}
		msgs := storage.NewMessages(storage.New(path))

		ctx := cmd.Context()
		ids, err := msgs.Sessions(ctx)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tMESSAGES\tLAST ACTIVITY")
		for _, id := range ids {
			history, err := msgs.List(ctx, id)
			if err != nil {
				return fmt.Errorf("read %s: %w", id, err)
			}
			last := "-"
			if n := len(history); n > 0 && history[n-1].Created > 0 {
				last = time.UnixMilli(history[n-1].Created).UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%d\t%s\n", id, len(history), last)
		}
		return w.Flush()
	},
}

func init() {
	sessionsCmd.Flags().StringVar(&sessionsStorage, "storage", "", "Storage directory (defaults to the data directory)")
}
