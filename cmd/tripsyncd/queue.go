package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/avitran/tripsync/internal/models"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the pending-operation queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued operations in drain order",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		limit, _ := cmd.Flags().GetInt("limit")
		ops, err := a.queue.Drain(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			fmt.Println("queue is empty")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tENTITY\tACTION\tPRIO\tRETRIES\tQUEUED")
		for _, op := range ops {
			fmt.Fprintf(w, "%s\t%s/%s\t%s\t%d\t%d/%d\t%s\n",
				op.ID, op.EntityType, op.EntityID, op.Action, op.Priority,
				op.RetryCount, op.MaxRetries,
				time.UnixMilli(op.CreatedAt).UTC().Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <operation-id>",
	Short: "Reactivate a conflicted or failed operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		id := models.UUID(args[0])
		op, err := a.queue.Get(cmd.Context(), id)
		if err != nil {
			return fmt.Errorf("operation %s not found", id)
		}
		// Resubmitting a conflicted edit adopts the server's version so
		// the next push passes the staleness check.
		clientVersion := op.ClientVersion
		if op.Status == models.OperationConflict && op.ServerVersion != nil {
			clientVersion = *op.ServerVersion
		}
		if err := a.queue.Retry(cmd.Context(), id, op.Payload, clientVersion); err != nil {
			return err
		}
		fmt.Printf("operation %s requeued\n", id)
		return nil
	},
}

func init() {
	queueListCmd.Flags().Int("limit", 100, "max operations to show")
	queueCmd.AddCommand(queueListCmd, queueRetryCmd)
	rootCmd.AddCommand(queueCmd)
}
