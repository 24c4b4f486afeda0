package experiment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/mimir-aip/labelnoise/pkg/bundle"
	"github.com/mimir-aip/labelnoise/pkg/mlmodel/training"
	"github.com/mimir-aip/labelnoise/pkg/models"
)

// DefaultExperimentName is used when a request names no experiment
const DefaultExperimentName = "label-noise"

// modelArtifactPath is where bundles are logged inside a run
const modelArtifactPath = "model"

type trackedModel struct {
	runName    string
	variant    string
	result     *training.TrainingResult
	corrupted  int
	registerAs string
}

// track logs both runs. Errors are recorded on res and logged, never returned.
func (r *Runner) track(ctx context.Context, req Request, res *Result) {
	name := req.ExperimentName
	if name == "" {
		name = DefaultExperimentName
	}

	expID, err := r.tracker.GetOrCreateExperiment(ctx, name)
	if err != nil {
		r.loggingFailed(res, fmt.Errorf("failed to resolve experiment %q: %w", name, err))
		return
	}
	res.ExperimentID = expID

	noisyRegister := ""
	if req.RegisterAs != "" {
		noisyRegister = req.RegisterAs + "_noisy"
	}
	tracked := []trackedModel{
		{runName: CleanRunName, variant: "clean", result: res.Clean, registerAs: req.RegisterAs},
		{runName: req.Noise.RunName(), variant: "noisy", result: res.Noisy, corrupted: res.TrainNoise, registerAs: noisyRegister},
	}

	for _, tm := range tracked {
		if err := r.trackModel(ctx, expID, req, res, tm); err != nil {
			r.loggingFailed(res, fmt.Errorf("failed to log run %q: %w", tm.runName, err))
		}
	}
}

func (r *Runner) loggingFailed(res *Result, err error) {
	res.LoggingErrors = append(res.LoggingErrors, err)
	r.log.Warn("experiment tracking failed; local results are unaffected", zap.Error(err))
}

func (r *Runner) trackModel(ctx context.Context, expID string, req Request, res *Result, tm trackedModel) error {
	tags := []models.RunTag{
		{Key: "variant", Value: tm.variant},
		{Key: "model_type", Value: string(req.Training.ModelType)},
	}
	run, err := r.tracker.CreateRun(ctx, expID, tm.runName, tags)
	if err != nil {
		return err
	}
	runID := run.Info.RunID
	res.RunIDs[tm.runName] = runID

	if err := r.logRunContents(ctx, req, res, tm, run); err != nil {
		if _, uerr := r.tracker.UpdateRun(ctx, runID, models.RunStatusFailed); uerr != nil {
			r.log.Debug("failed to mark run failed", zap.String("run_id", runID), zap.Error(uerr))
		}
		return err
	}

	if err := r.tracker.EndRun(ctx, runID); err != nil {
		return err
	}
	r.log.Info("logged run",
		zap.String("run_name", tm.runName),
		zap.String("run_id", runID),
		zap.String("artifact_uri", run.Info.ArtifactURI))
	return nil
}

func (r *Runner) logRunContents(ctx context.Context, req Request, res *Result, tm trackedModel, run *models.Run) error {
	runID := run.Info.RunID
	if err := r.tracker.LogParams(ctx, runID, runParams(req, res, tm)); err != nil {
		return err
	}

	values := tm.result.Metrics.Flatten()
	values["train_accuracy"] = tm.result.TrainAccuracy
	if rf, ok := tm.result.Model.(*training.RandomForestClassifier); ok {
		info := rf.GetModelInfo()
		values["oob_score"] = rf.OOBScore
		if depth, ok := info["avg_tree_depth"].(int); ok {
			values["avg_tree_depth"] = float64(depth)
		}
		if nodes, ok := info["avg_nodes_per_tree"].(int); ok {
			values["avg_nodes_per_tree"] = float64(nodes)
		}
	}
	for name, v := range tm.result.FeatureImportance {
		values["importance_"+models.MetricKey(name)] = v
	}
	if err := r.tracker.LogMetrics(ctx, runID, values); err != nil {
		return err
	}

	dir, err := os.MkdirTemp("", "labelnoise-bundle-*")
	if err != nil {
		return fmt.Errorf("failed to create bundle directory: %w", err)
	}
	defer os.RemoveAll(dir)

	bundleDir := filepath.Join(dir, modelArtifactPath)
	if _, err := bundle.Write(bundleDir, tm.result.Model, bundle.Info{RunID: runID, ArtifactPath: modelArtifactPath}); err != nil {
		return err
	}
	if err := r.tracker.LogArtifacts(ctx, run.Info.ArtifactURI, bundleDir, modelArtifactPath); err != nil {
		return err
	}

	if tm.registerAs == "" {
		return nil
	}
	if _, err := r.tracker.CreateRegisteredModel(ctx, tm.registerAs); err != nil {
		return err
	}
	version, err := r.tracker.CreateModelVersion(ctx, tm.registerAs, run.Info.ArtifactURI+"/"+modelArtifactPath, runID)
	if err != nil {
		return err
	}
	res.ModelVersions = append(res.ModelVersions, version)
	r.log.Info("registered model",
		zap.String("model", version.Name),
		zap.String("version", version.Version))
	return nil
}

func runParams(req Request, res *Result, tm trackedModel) map[string]string {
	cfg := req.Training
	params := map[string]string{
		"variant":        tm.variant,
		"noise_rate":     strconv.FormatFloat(req.Noise.Rate, 'g', -1, 64),
		"label_noise":    strconv.FormatBool(req.Noise.Label),
		"feature_noise":  strconv.FormatBool(req.Noise.Feature),
		"noise_seed":     strconv.FormatInt(req.Noise.Seed, 10),
		"rows_corrupted": strconv.Itoa(tm.corrupted),
		"test_split":     strconv.FormatFloat(cfg.TestSplit, 'g', -1, 64),
		"seed":           strconv.FormatInt(cfg.RandomSeed, 10),
		"stratify":       strconv.FormatBool(cfg.Stratify),
		"model_type":     string(cfg.ModelType),
		"max_depth":      strconv.Itoa(cfg.MaxDepth),
		"train_rows":     strconv.Itoa(len(res.Split.Train)),
		"test_rows":      strconv.Itoa(len(res.Split.Test)),
	}
	if req.Noise.Feature {
		params["feature_noise_mode"] = string(req.Noise.Mode())
	}
	if cfg.ModelType == models.ModelTypeRandomForest {
		params["num_trees"] = strconv.Itoa(cfg.NumTrees)
	}
	return params
}
