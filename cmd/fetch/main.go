// fetch downloads the latest registered version of a model into
// downloaded_models/<model>.
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
	"github.com/mimir-aip/labelnoise/pkg/dataset"
	"github.com/mimir-aip/labelnoise/pkg/fetch"
	"github.com/mimir-aip/labelnoise/pkg/logging"
	"github.com/mimir-aip/labelnoise/pkg/tracking"
)

type fetchFlags struct {
	trackingURI string
	model       string
	dest        string
	verify      bool
	verifyData  string
	minRecall   float64
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	f := &fetchFlags{}
	cmd := &cobra.Command{
		Use:           "fetch",
		Short:         "Download the latest version of a registered model",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runFetch(cmd.Context(), cfg, f)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.trackingURI, "tracking_uri", cfg.TrackingURI, "experiment tracker URI")
	fl.StringVar(&f.model, "model", cfg.ModelName, "registered model name")
	fl.StringVar(&f.dest, "dest", cfg.DownloadDir, "directory that receives <model>/")
	fl.BoolVar(&f.verify, "verify", false, "load the downloaded bundle and check its macro recall")
	fl.StringVar(&f.verifyData, "verify_data", cfg.DataPath, "dataset for the recall check; empty skips it")
	fl.Float64Var(&f.minRecall, "min_recall", fetch.DefaultMinRecall, "minimum macro recall accepted by --verify")
	return cmd
}

func runFetch(ctx context.Context, cfg *config.Config, f *fetchFlags) error {
	log, err := logging.InitLogger(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "fetch"})
	if err != nil {
		return err
	}
	defer log.Sync()

	client, err := tracking.NewClient(tracking.Options{
		URI:      f.trackingURI,
		Token:    cfg.TrackingToken,
		Username: cfg.TrackingUsername,
		Password: cfg.TrackingPassword,
		Timeout:  cfg.HTTPTimeout,
		Logger:   log,
	})
	if err != nil {
		return err
	}

	fetcher := fetch.NewFetcher(client, f.dest, log)
	if f.verify {
		v := fetch.Verify{Enabled: true, MinRecall: f.minRecall}
		if f.verifyData != "" {
			ds, err := dataset.LoadCSV(f.verifyData)
			if err != nil {
				return fmt.Errorf("failed to load verification data: %w", err)
			}
			v.Data = ds
		}
		fetcher.WithVerify(v)
	}

	res, err := fetcher.Fetch(ctx, f.model)
	if err != nil {
		return err
	}

	fmt.Printf("Downloaded %s version %s to %s (%d files)\n", res.Model, res.Version, res.Dir, len(res.Files))
	if res.Metrics != nil {
		fmt.Printf("Macro recall: %.4f\n", res.Metrics.MacroRecall)
	}
	log.Debug("fetch complete", zap.String("artifact_uri", res.ArtifactURI))
	return nil
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
