// Package experiment runs the clean-vs-noisy training comparison and records
// both models with the experiment tracker.
package experiment

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/mimir-aip/labelnoise/pkg/dataset"
	"github.com/mimir-aip/labelnoise/pkg/mlmodel/training"
	"github.com/mimir-aip/labelnoise/pkg/models"
	"github.com/mimir-aip/labelnoise/pkg/noise"
	"github.com/mimir-aip/labelnoise/pkg/report"
)

// CleanRunName is the tracker run name of the model trained on clean data
const CleanRunName = "clean"

// Tracker is the part of the tracking client the runner needs
type Tracker interface {
	GetOrCreateExperiment(ctx context.Context, name string) (string, error)
	CreateRun(ctx context.Context, experimentID, runName string, tags []models.RunTag) (*models.Run, error)
	LogParams(ctx context.Context, runID string, values map[string]string) error
	LogMetrics(ctx context.Context, runID string, values map[string]float64) error
	LogArtifacts(ctx context.Context, artifactURI, localDir, artifactPath string) error
	UpdateRun(ctx context.Context, runID string, status models.RunStatus) (*models.RunInfo, error)
	EndRun(ctx context.Context, runID string) error
	CreateRegisteredModel(ctx context.Context, name string) (*models.RegisteredModel, error)
	CreateModelVersion(ctx context.Context, name, source, runID string) (*models.ModelVersion, error)
}

// Request describes one clean-vs-noisy comparison
type Request struct {
	DataPath string
	Dataset  *dataset.Dataset // Used instead of DataPath when set

	Noise    models.NoiseConfig
	Training models.TrainingConfig

	ExperimentName string
	RegisterAs     string // Registered model name for the clean model; empty skips registration
}

// Result holds the outcome of a comparison
type Result struct {
	Clean      *training.TrainingResult
	Noisy      *training.TrainingResult
	Noise      *noise.Report
	Split      *dataset.SplitIndices
	TrainNoise int // Corrupted rows that landed in the training partition

	ExperimentID  string
	RunIDs        map[string]string // Run name -> run id
	ModelVersions []*models.ModelVersion
	LoggingErrors []error
}

// Runner executes comparisons. A nil tracker disables tracking.
type Runner struct {
	tracker Tracker
	log     *zap.Logger
	out     io.Writer
	factory *training.TrainerFactory
}

// NewRunner creates a runner that prints reports to out
func NewRunner(tracker Tracker, log *zap.Logger, out io.Writer) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	if out == nil {
		out = io.Discard
	}
	return &Runner{
		tracker: tracker,
		log:     log,
		out:     out,
		factory: training.NewTrainerFactory(),
	}
}

// Run loads the data, trains both models, prints the evaluation and logs
// both runs. Tracker failures are collected in Result.LoggingErrors and do
// not fail the run.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if err := req.Noise.Validate(); err != nil {
		return nil, err
	}
	ds, err := loadDataset(req)
	if err != nil {
		return nil, err
	}

	res, err := r.compare(ds, req.Noise, req.Training)
	if err != nil {
		return nil, err
	}

	r.log.Info("training finished",
		zap.Float64("noise_rate", req.Noise.Rate),
		zap.Int("rows_corrupted", len(res.Noise.Selected)),
		zap.Int("train_rows_corrupted", res.TrainNoise),
		zap.Float64("clean_accuracy", res.Clean.Metrics.Accuracy),
		zap.Float64("noisy_accuracy", res.Noisy.Metrics.Accuracy))

	fmt.Fprintf(r.out, "Label noise fraction: %g\n", req.Noise.Rate)
	fmt.Fprintf(r.out, "Rows corrupted: %d of %d (%d in training partition)\n",
		len(res.Noise.Selected), res.Noise.Rows, res.TrainNoise)
	report.Model(r.out, "Model trained on clean data", res.Clean.Metrics)
	report.Model(r.out, "Model trained on noisy data", res.Noisy.Metrics)
	report.Comparison(r.out, req.Noise.Rate, res.Clean.Metrics, res.Noisy.Metrics)

	if r.tracker != nil {
		r.track(ctx, req, res)
	}
	return res, nil
}

func loadDataset(req Request) (*dataset.Dataset, error) {
	if req.Dataset != nil {
		if err := req.Dataset.Validate(); err != nil {
			return nil, fmt.Errorf("invalid dataset: %w", err)
		}
		return req.Dataset, nil
	}
	ds, err := dataset.LoadCSV(req.DataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load dataset %s: %w", req.DataPath, err)
	}
	return ds, nil
}

// compare poisons ds, splits once and trains the clean and noisy models.
// Both models are scored on the clean test partition.
func (r *Runner) compare(ds *dataset.Dataset, noiseCfg models.NoiseConfig, trainCfg models.TrainingConfig) (*Result, error) {
	if err := noiseCfg.Validate(); err != nil {
		return nil, err
	}
	if err := trainCfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid training config: %w", err)
	}

	noisy, rep, err := noise.Inject(ds, noiseCfg)
	if err != nil {
		return nil, err
	}

	split, err := ds.Split(trainCfg.TestSplit, trainCfg.RandomSeed, trainCfg.Stratify)
	if err != nil {
		return nil, err
	}
	cleanTrain, cleanTest := split.Apply(ds)
	noisyTrain, _ := split.Apply(noisy)

	trainer, err := r.factory.GetTrainer(trainCfg.ModelType)
	if err != nil {
		return nil, err
	}

	cleanRes, err := trainer.Train(training.NewTrainingData(cleanTrain, cleanTest), &trainCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to train clean model: %w", err)
	}
	noisyRes, err := trainer.Train(training.NewTrainingData(noisyTrain, cleanTest), &trainCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to train noisy model: %w", err)
	}

	return &Result{
		Clean:      cleanRes,
		Noisy:      noisyRes,
		Noise:      rep,
		Split:      split,
		TrainNoise: rep.SelectedIn(split.Train),
		RunIDs:     make(map[string]string),
	}, nil
}
