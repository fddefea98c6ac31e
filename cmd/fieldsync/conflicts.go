package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/fieldsync/internal/db"
)

var (
	resolution string
	resolveAll bool
	resolvedBy string
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Inspect and resolve sync conflicts",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, _, cleanup, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		conflicts, err := e.ListConflicts(cmd.Context())
		if err != nil {
			return err
		}
		if len(conflicts) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no open conflicts")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		defer w.Flush()
		fmt.Fprintln(w, "ID\tTYPE\tENTITY\tFIELDS\tDETECTED")
		for _, c := range conflicts {
			fmt.Fprintf(w, "%s\t%s\t%s/%d\t%s\t%s\n",
				c.ConflictID, c.ConflictType, c.EntityType, c.EntityID,
				strings.Join(c.ChangedFields, ","), c.DetectedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve [conflict-id]",
	Short: "Resolve one conflict, or every open conflict with --all",
	Args: func(cmd *cobra.Command, args []string) error {
		if resolveAll && len(args) > 0 {
			return fmt.Errorf("--all does not take a conflict id")
		}
		if !resolveAll && len(args) != 1 {
			return fmt.Errorf("requires a conflict id or --all")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := parseResolution(resolution)
		if err != nil {
			return err
		}

		e, _, cleanup, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		if resolveAll {
			result, err := e.ResolveAll(cmd.Context(), res, resolvedBy)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resolved %d, dismissed %d, failed %d\n",
				result.Resolved, result.Dismissed, result.Failed)
			return nil
		}

		applied, err := e.Resolve(cmd.Context(), args[0], res, resolvedBy)
		if err != nil {
			return err
		}
		if !applied {
			fmt.Fprintf(cmd.OutOrStdout(), "conflict %s dismissed after repeated keep_local attempts\n", args[0])
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "conflict %s resolved with %s\n", args[0], res)
		return nil
	},
}

func parseResolution(s string) (db.Resolution, error) {
	switch strings.ToLower(s) {
	case "keep_local":
		return db.ResolutionKeepLocal, nil
	case "keep_server":
		return db.ResolutionKeepServer, nil
	case "dismiss":
		return db.ResolutionDismiss, nil
	default:
		return "", fmt.Errorf("invalid resolution %q (must be keep_local, keep_server, or dismiss)", s)
	}
}

func init() {
	conflictsResolveCmd.Flags().StringVar(&resolution, "resolution", "", "keep_local, keep_server, or dismiss")
	conflictsResolveCmd.Flags().BoolVar(&resolveAll, "all", false, "Resolve every open conflict")
	conflictsResolveCmd.Flags().StringVar(&resolvedBy, "by", "cli", "Recorded as the resolver")
	conflictsResolveCmd.MarkFlagRequired("resolution")

	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}
