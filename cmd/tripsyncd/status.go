package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/avitran/tripsync/internal/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync state per entity type and aggregate queue counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		stats, err := a.queue.Count(cmd.Context())
		if err != nil {
			return err
		}
		held, err := a.repo.HeldCount(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("engine: %s\n", a.engine.Status())
		fmt.Printf("queue: %d pending, %d conflicted, %d failed; %d held remote changes\n",
			stats.Pending, stats.Conflict, stats.Failed, held)

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ENTITY\tWATERMARK\tSYNCED\tLAST ERROR")
		for _, t := range models.EntityTypes {
			c, err := a.repo.Cursor(cmd.Context(), t)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", c.EntityType, c.LastSyncTimestamp, c.TotalSynced, c.LastSyncError)
		}
		return w.Flush()
	},
}

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List recorded sync conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		all, _ := cmd.Flags().GetBool("all")
		conflicts, err := a.repo.ListConflicts(cmd.Context(), !all)
		if err != nil {
			return err
		}
		if len(conflicts) == 0 {
			fmt.Println("no conflicts")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tENTITY\tLOCAL\tSERVER\tRESOLUTION")
		for _, c := range conflicts {
			fmt.Fprintf(w, "%s\t%s/%s\tv%d\tv%d\t%s\n",
				c.ID, c.EntityType, c.EntityID, c.LocalVersion, c.ServerVersion, c.Resolution)
		}
		return w.Flush()
	},
}

func init() {
	conflictsCmd.Flags().Bool("all", false, "include resolved conflicts")
	rootCmd.AddCommand(statusCmd, conflictsCmd)
}
