package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/avitran/tripsync/internal/logging"
	"github.com/avitran/tripsync/internal/sync/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the background sync loop with a local status endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		log := logging.Get()
		interval := viper.GetDuration("sync_interval")
		sched := scheduler.New(a.engine, interval, a.queue.Trigger())

		hub := newStatusHub()
		a.engine.OnEvent(hub.Publish)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sched.Start(ctx)
		defer sched.Stop()

		mux := http.NewServeMux()
		mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"status":"ok","service":"tripsyncd"}`))
		})
		mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
			stats, err := a.engine.PendingChanges(r.Context())
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"engine":     a.engine.Status(),
				"last_sync":  a.engine.LastSync(),
				"last_error": a.engine.LastError(),
				"pending":    stats.Pending,
				"conflicts":  stats.Conflict,
				"failed":     stats.Failed,
			})
		})
		mux.HandleFunc("/api/sync", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			sched.TriggerSync()
			w.WriteHeader(http.StatusAccepted)
		})
		mux.HandleFunc("/ws", hub.handler())

		addr := viper.GetString("listen")
		srv := &http.Server{Addr: addr, Handler: mux}

		errCh := make(chan error, 1)
		go func() {
			log.Info("status server listening", logging.Fields{"addr": addr, "interval": interval.String()})
			errCh <- srv.ListenAndServe()
		}()

		select {
		case <-ctx.Done():
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown status server: %w", err)
		}
		log.Info("tripsyncd stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("listen", "localhost:8090", "status endpoint address")
	serveCmd.Flags().Duration("sync-interval", scheduler.DefaultInterval, "periodic sync cadence")
	must(viper.BindPFlag("listen", serveCmd.Flags().Lookup("listen")))
	must(viper.BindPFlag("sync_interval", serveCmd.Flags().Lookup("sync-interval")))
	rootCmd.AddCommand(serveCmd)
}
