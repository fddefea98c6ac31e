package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/fieldsync/internal/db"
	"github.com/livinlefevreloca/fieldsync/internal/engine"
)

var statusSessions int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queued operations, conflicts and checkpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, _, cleanup, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		status, err := e.Status(cmd.Context(), statusSessions)
		if err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), status)
		return nil
	},
}

func printStatus(out io.Writer, s *engine.Status) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "OPERATIONS")
	for _, st := range []db.SyncStatus{db.StatusPending, db.StatusSyncing, db.StatusFailed, db.StatusConflict} {
		fmt.Fprintf(w, "  %s\t%d\n", st, s.Operations[st])
	}
	fmt.Fprintf(w, "CONFLICTS\t%d\n", s.Conflicts)

	fmt.Fprintln(w, "RECORDS")
	types := make([]string, 0, len(s.Records))
	for t := range s.Records {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(w, "  %s\t%d\n", t, s.Records[db.EntityType(t)])
	}

	fmt.Fprintln(w, "CHECKPOINTS")
	for _, c := range s.Checkpoints {
		fmt.Fprintf(w, "  %s\t%s\n", c.Key, c.CheckpointAt.Format(time.RFC3339))
	}

	if len(s.Sessions) > 0 {
		fmt.Fprintln(w, "RECENT SESSIONS")
		for _, sess := range s.Sessions {
			fmt.Fprintf(w, "  %s\t%d ok\t%d failed\t%d conflicts\n",
				sess.SessionID, sess.SuccessCount, sess.FailureCount, sess.ConflictCount)
		}
	}
}

func init() {
	statusCmd.Flags().IntVar(&statusSessions, "sessions", 5, "Number of recent sync sessions to show")
	rootCmd.AddCommand(statusCmd)
}
