package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/avitran/tripsync/internal/db"
	"github.com/avitran/tripsync/internal/logging"
	syncengine "github.com/avitran/tripsync/internal/sync"
	"github.com/avitran/tripsync/internal/sync/conflict"
	"github.com/avitran/tripsync/internal/sync/protocol"
	"github.com/avitran/tripsync/internal/sync/queue"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tripsyncd",
	Short: "Offline-first sync daemon for the trip store",
	Long: `tripsyncd keeps a local SQLite trip store in sync with the server:
local edits queue durably while offline and push with pulled remote
changes in a single round trip when connectivity returns.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initConfig(); err != nil {
			return err
		}
		logging.Init(os.Stderr, viper.GetString("log_level"))
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default $HOME/.tripsync/config.yaml)")
	pf.String("data-dir", defaultDataDir(), "directory holding the local database")
	pf.String("server", "http://localhost:8080", "sync server base URL")
	pf.String("token", "", "bearer token for the sync server")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("conflict-policy", string(conflict.PolicyManual), "conflict policy (manual, last_write_wins)")
	pf.Int("batch-size", queue.DefaultBatchSize, "max operations per push batch")

	must(viper.BindPFlag("data_dir", pf.Lookup("data-dir")))
	must(viper.BindPFlag("server", pf.Lookup("server")))
	must(viper.BindPFlag("token", pf.Lookup("token")))
	must(viper.BindPFlag("log_level", pf.Lookup("log-level")))
	must(viper.BindPFlag("conflict_policy", pf.Lookup("conflict-policy")))
	must(viper.BindPFlag("batch_size", pf.Lookup("batch-size")))
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tripsync"
	}
	return home + "/.tripsync"
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(defaultDataDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("TRIPSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) && cfgFile == "" {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// app bundles the wired components a subcommand needs.
type app struct {
	store  *db.DB
	repo   *db.Repository
	queue  *queue.Queue
	engine *syncengine.Engine
}

// openApp opens the store, runs no migrations, and wires the sync
// stack. Callers close it when done.
func openApp(cmd *cobra.Command) (*app, error) {
	store, err := db.Open(viper.GetString("data_dir"))
	if err != nil {
		return nil, err
	}
	mig := db.NewMigrator(store.DB)
	if err := mig.Initialize(); err != nil {
		store.Close()
		return nil, err
	}
	current, err := mig.CurrentVersion()
	if err != nil {
		store.Close()
		return nil, err
	}
	if current < mig.TargetVersion() {
		store.Close()
		return nil, fmt.Errorf("database schema is at version %d, need %d: run `tripsyncd migrate up`",
			current, mig.TargetVersion())
	}
	repo := db.NewRepository(store.DB)
	q := queue.New(store.DB)
	client := protocol.NewClient(viper.GetString("server"),
		protocol.WithToken(viper.GetString("token")))
	engine := syncengine.NewEngine(repo, q, client, syncengine.Config{
		BatchSize:      viper.GetInt("batch_size"),
		ConflictPolicy: conflict.Policy(viper.GetString("conflict_policy")),
	})
	if err := engine.Recover(cmd.Context()); err != nil {
		store.Close()
		return nil, err
	}
	return &app{store: store, repo: repo, queue: q, engine: engine}, nil
}

func (a *app) close() {
	a.repo.Close()
	a.store.Close()
}
