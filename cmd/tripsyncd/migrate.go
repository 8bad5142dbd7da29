package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/avitran/tripsync/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the local database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := db.Open(viper.GetString("data_dir"))
		if err != nil {
			return err
		}
		defer store.Close()

		mig := db.NewMigrator(store.DB)
		if err := mig.Initialize(); err != nil {
			return err
		}
		before, err := mig.CurrentVersion()
		if err != nil {
			return err
		}
		if err := mig.Up(); err != nil {
			return err
		}
		after, err := mig.CurrentVersion()
		if err != nil {
			return err
		}
		if before == after {
			fmt.Printf("schema already at version %d\n", after)
		} else {
			fmt.Printf("schema migrated %d -> %d\n", before, after)
		}
		return nil
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := db.Open(viper.GetString("data_dir"))
		if err != nil {
			return err
		}
		defer store.Close()

		mig := db.NewMigrator(store.DB)
		if err := mig.Initialize(); err != nil {
			return err
		}
		current, err := mig.CurrentVersion()
		if err != nil {
			return err
		}
		fmt.Printf("schema version %d of %d\n", current, mig.TargetVersion())
		return nil
	},
}

var migrateResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop all data and rebuild the schema from scratch",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirmed, _ := cmd.Flags().GetBool("yes")
		if !confirmed {
			return fmt.Errorf("reset destroys all local data; re-run with --yes to confirm")
		}
		store, err := db.Open(viper.GetString("data_dir"))
		if err != nil {
			return err
		}
		defer store.Close()

		mig := db.NewMigrator(store.DB)
		mig.AllowDestructive = true
		if err := mig.Reset(); err != nil {
			return err
		}
		fmt.Printf("schema rebuilt at version %d\n", mig.TargetVersion())
		return nil
	},
}

func init() {
	migrateResetCmd.Flags().Bool("yes", false, "confirm destroying all local data")
	migrateCmd.AddCommand(migrateUpCmd, migrateStatusCmd, migrateResetCmd)
	rootCmd.AddCommand(migrateCmd)
}
