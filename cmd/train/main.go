// train fits a classifier on clean and on poisoned data, prints both
// evaluations and logs the two runs to the experiment tracker.
//
// Usage:
//
//	train --data data.csv --label_noise 0.1 [--feature_noise] [--register NAME]
//	train --sweep 0,0.1,0.2,0.3 --trials 5
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mimir-aip/labelnoise/pkg/config"
	"github.com/mimir-aip/labelnoise/pkg/experiment"
	"github.com/mimir-aip/labelnoise/pkg/logging"
	"github.com/mimir-aip/labelnoise/pkg/models"
	"github.com/mimir-aip/labelnoise/pkg/tracking"
)

type trainFlags struct {
	data         string
	labelNoise   float64
	featureNoise bool
	featureMode  string
	jitterStd    float64
	testSplit    float64
	seed         int64
	noiseSeed    int64
	trees        int
	maxDepth     int
	modelType    string
	stratify     bool
	trackingURI  string
	experiment   string
	register     string
	noTracking   bool
	sweep        string
	trials       int
	parallel     int
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	f := &trainFlags{}
	cmd := &cobra.Command{
		Use:           "train",
		Short:         "Compare a model trained on clean data with one trained on noisy data",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTrain(cmd.Context(), cfg, f)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.data, "data", cfg.DataPath, "CSV file with 4 numeric features and a label column")
	fl.Float64Var(&f.labelNoise, "label_noise", 0, "fraction of rows to corrupt, in [0, 1]")
	fl.BoolVar(&f.featureNoise, "feature_noise", false, "also corrupt the feature values of the selected rows")
	fl.StringVar(&f.featureMode, "feature_noise_mode", string(models.FeatureNoiseUniform), "feature noise mode: uniform or gaussian")
	fl.Float64Var(&f.jitterStd, "jitter_std", 0.05, "standard deviation of gaussian feature noise")
	fl.Float64Var(&f.testSplit, "test_split", cfg.TestSplit, "fraction of rows held out for testing")
	fl.Int64Var(&f.seed, "seed", cfg.Seed, "seed for the split and the model")
	fl.Int64Var(&f.noiseSeed, "noise_seed", cfg.Seed, "seed for noise injection")
	fl.IntVar(&f.trees, "trees", cfg.NumTrees, "number of trees in the forest")
	fl.IntVar(&f.maxDepth, "max_depth", cfg.MaxDepth, "maximum tree depth")
	fl.StringVar(&f.modelType, "model_type", string(models.ModelTypeRandomForest), "random_forest or decision_tree")
	fl.BoolVar(&f.stratify, "stratify", true, "stratify the split by label")
	fl.StringVar(&f.trackingURI, "tracking_uri", cfg.TrackingURI, "experiment tracker URI")
	fl.StringVar(&f.experiment, "experiment", cfg.ExperimentName, "experiment name")
	fl.StringVar(&f.register, "register", cfg.ModelName, "register the clean model under this name (noisy model gets a _noisy suffix); empty skips registration")
	fl.BoolVar(&f.noTracking, "no_tracking", false, "skip logging to the tracker")
	fl.StringVar(&f.sweep, "sweep", "", "comma separated noise rates to sweep instead of a single run")
	fl.IntVar(&f.trials, "trials", 1, "trials per rate when sweeping")
	fl.IntVar(&f.parallel, "parallel", 1, "concurrent trials when sweeping")
	return cmd
}

func runTrain(ctx context.Context, cfg *config.Config, f *trainFlags) error {
	log, err := logging.InitLogger(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "train"})
	if err != nil {
		return err
	}
	defer log.Sync()

	trainCfg := models.TrainingConfig{
		ModelType:       models.ModelType(f.modelType),
		TestSplit:       f.testSplit,
		RandomSeed:      f.seed,
		NumTrees:        f.trees,
		MaxDepth:        f.maxDepth,
		MinSamplesSplit: 2,
		MinSamplesLeaf:  1,
		Stratify:        f.stratify,
	}
	req := experiment.Request{
		DataPath: f.data,
		Noise: models.NoiseConfig{
			Rate:        f.labelNoise,
			Label:       true,
			Feature:     f.featureNoise,
			FeatureMode: models.FeatureNoiseMode(f.featureMode),
			JitterStd:   f.jitterStd,
			Seed:        f.noiseSeed,
		},
		Training:       trainCfg,
		ExperimentName: f.experiment,
		RegisterAs:     f.register,
	}

	if f.sweep != "" {
		rates, err := parseRates(f.sweep)
		if err != nil {
			return err
		}
		runner := experiment.NewRunner(nil, log, os.Stdout)
		_, err = runner.Sweep(ctx, experiment.SweepRequest{
			Request:     req,
			Rates:       rates,
			Trials:      f.trials,
			Parallelism: f.parallel,
		})
		return err
	}

	var tracker experiment.Tracker
	if !f.noTracking {
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
		tracker = client
	}

	res, err := experiment.NewRunner(tracker, log, os.Stdout).Run(ctx, req)
	if err != nil {
		return err
	}
	if len(res.LoggingErrors) > 0 {
		log.Warn("results were not fully logged to the tracker",
			zap.String("tracking_uri", f.trackingURI),
			zap.Int("errors", len(res.LoggingErrors)))
	}
	return nil
}

func parseRates(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	rates := make([]float64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		r, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid sweep rate %q: %w", p, err)
		}
		rates = append(rates, r)
	}
	if len(rates) == 0 {
		return nil, fmt.Errorf("--sweep needs at least one rate")
	}
	return rates, nil
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
