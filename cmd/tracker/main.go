// tracker serves a local experiment tracker with a model registry and an
// artifact proxy.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mimir-aip/labelnoise/pkg/config"
	"github.com/mimir-aip/labelnoise/pkg/logging"
	"github.com/mimir-aip/labelnoise/pkg/trackingserver"
)

func newRootCmd(cfg *config.Config) *cobra.Command {
	var addr, dataDir, reapSchedule string
	staleAfter := cfg.TrackerStaleAfter

	cmd := &cobra.Command{
		Use:           "tracker",
		Short:         "Run the local experiment tracking server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := logging.InitLogger(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "tracker"})
			if err != nil {
				return err
			}
			defer log.Sync()

			srv, err := trackingserver.Open(dataDir, trackingserver.Options{
				ReapSchedule: reapSchedule,
				StaleAfter:   staleAfter,
				Logger:       log,
			})
			if err != nil {
				return err
			}
			defer srv.Close()

			srv.Start()
			log.Info("starting tracking server",
				zap.String("addr", addr),
				zap.String("data_dir", dataDir),
				zap.String("environment", cfg.Environment))
			return srv.ListenAndServe(cmd.Context(), addr)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&addr, "addr", cfg.TrackerAddr, "listen address")
	fl.StringVar(&dataDir, "data_dir", cfg.TrackerDataDir, "directory holding tracking.db and artifacts/")
	fl.StringVar(&reapSchedule, "reap_schedule", cfg.TrackerReapSchedule, "cron schedule for killing stale runs; empty disables it")
	fl.DurationVar(&staleAfter, "stale_after", cfg.TrackerStaleAfter, "age after which a RUNNING run is marked KILLED")
	return cmd
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(cfg).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
