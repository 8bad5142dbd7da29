package main

import (
	"fmt"

	"github.com/spf13/cobra"

	apperrors "github.com/avitran/tripsync/internal/errors"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one push+pull sync pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		outcome, err := a.engine.Sync(cmd.Context())
		if err != nil {
			if apperrors.IsTransport(err) {
				return fmt.Errorf("server unreachable, changes remain queued: %w", err)
			}
			return err
		}
		fmt.Printf("acked %d, applied %d, held %d, conflicts %d, failed %d\n",
			outcome.Acked, outcome.Applied, outcome.Held, outcome.Conflicts, outcome.Failed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
