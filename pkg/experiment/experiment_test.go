package experiment_test

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/mimir-aip/labelnoise/pkg/dataset"
	"github.com/mimir-aip/labelnoise/pkg/experiment"
	"github.com/mimir-aip/labelnoise/pkg/models"
	"github.com/mimir-aip/labelnoise/pkg/tracking"
	"github.com/mimir-aip/labelnoise/pkg/trackingserver"
)

func testRequest(rate float64) experiment.Request {
	cfg := models.DefaultTrainingConfig()
	cfg.NumTrees = 15
	return experiment.Request{
		Dataset:        dataset.Iris(),
		Noise:          models.NoiseConfig{Rate: rate, Label: true, Seed: 7},
		Training:       *cfg,
		ExperimentName: "label-noise-test",
	}
}

func newTrackedClient(t *testing.T) *tracking.Client {
	t.Helper()
	srv, err := trackingserver.Open(t.TempDir(), trackingserver.Options{Logger: zap.NewNop()})
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	client, err := tracking.NewClient(tracking.Options{URI: ts.URL, Logger: zap.NewNop()})
	require.NoError(t, err)
	return client
}

func TestRunWithoutTracker(t *testing.T) {
	var out bytes.Buffer
	runner := experiment.NewRunner(nil, zaptest.NewLogger(t), &out)

	res, err := runner.Run(context.Background(), testRequest(0.2))
	require.NoError(t, err)

	assert.Len(t, res.Noise.Selected, 30)
	assert.Equal(t, 30, res.Noise.LabelsChanged)
	assert.Len(t, res.Split.Test, 30)
	assert.Len(t, res.Split.Train, 120)
	assert.LessOrEqual(t, res.TrainNoise, 30)
	assert.Equal(t, 30, res.Clean.Metrics.TotalSamples)
	assert.Equal(t, 30, res.Noisy.Metrics.TotalSamples)
	assert.GreaterOrEqual(t, res.Clean.Metrics.Accuracy, 0.85)
	assert.Empty(t, res.LoggingErrors)
	assert.Empty(t, res.RunIDs)

	text := out.String()
	assert.Contains(t, text, "Model trained on clean data")
	assert.Contains(t, text, "Model trained on noisy data")
	assert.Contains(t, text, "setosa")
}

func TestRunTenPercentScenario(t *testing.T) {
	req := testRequest(0.10)
	req.Training = *models.DefaultTrainingConfig()

	res, err := experiment.NewRunner(nil, nil, nil).Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 150, res.Noise.Rows)
	assert.Len(t, res.Noise.Selected, 15)
	assert.Equal(t, 15, res.Noise.LabelsChanged)
	assert.Len(t, res.Split.Test, 30)
	assert.GreaterOrEqual(t, res.Clean.Metrics.Accuracy, 0.90)
	assert.LessOrEqual(t, res.Noisy.Metrics.Accuracy, res.Clean.Metrics.Accuracy)
}

func TestRunZeroRateMatchesClean(t *testing.T) {
	runner := experiment.NewRunner(nil, nil, nil)
	res, err := runner.Run(context.Background(), testRequest(0))
	require.NoError(t, err)

	assert.Empty(t, res.Noise.Selected)
	assert.Equal(t, res.Clean.Metrics.Accuracy, res.Noisy.Metrics.Accuracy)
	assert.Equal(t, res.Clean.Metrics.ConfusionRows(), res.Noisy.Metrics.ConfusionRows())
}

func TestRunIsDeterministic(t *testing.T) {
	runner := experiment.NewRunner(nil, nil, nil)
	a, err := runner.Run(context.Background(), testRequest(0.3))
	require.NoError(t, err)
	b, err := runner.Run(context.Background(), testRequest(0.3))
	require.NoError(t, err)

	assert.Equal(t, a.Noise.Selected, b.Noise.Selected)
	assert.Equal(t, a.Split, b.Split)
	assert.Equal(t, a.Noisy.Metrics.ConfusionRows(), b.Noisy.Metrics.ConfusionRows())
}

func TestRunRejectsInvalidRate(t *testing.T) {
	runner := experiment.NewRunner(nil, nil, nil)
	_, err := runner.Run(context.Background(), testRequest(1.5))
	assert.ErrorIs(t, err, models.ErrInvalidNoiseRate)
}

func TestRunMissingDataFile(t *testing.T) {
	runner := experiment.NewRunner(nil, nil, nil)
	req := testRequest(0.1)
	req.Dataset = nil
	req.DataPath = "does-not-exist.csv"
	_, err := runner.Run(context.Background(), req)
	assert.Error(t, err)
}

func TestRunLogsBothRuns(t *testing.T) {
	ctx := context.Background()
	client := newTrackedClient(t)
	runner := experiment.NewRunner(client, zap.NewNop(), nil)

	req := testRequest(0.1)
	req.RegisterAs = "iris_classifier"
	res, err := runner.Run(ctx, req)
	require.NoError(t, err)
	require.Empty(t, res.LoggingErrors)
	require.NotEmpty(t, res.ExperimentID)
	require.Len(t, res.RunIDs, 2)

	clean, err := client.GetRun(ctx, res.RunIDs["clean"])
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFinished, clean.Info.Status)
	assert.Equal(t, "clean", clean.Info.RunName)
	acc, ok := clean.Metric("accuracy")
	require.True(t, ok)
	assert.InDelta(t, res.Clean.Metrics.Accuracy, acc, 1e-12)
	_, ok = clean.Metric("train_accuracy")
	assert.True(t, ok)
	_, ok = clean.Metric("avg_tree_depth")
	assert.True(t, ok)
	v, ok := clean.Param("rows_corrupted")
	require.True(t, ok)
	assert.Equal(t, "0", v)

	noisy, err := client.GetRun(ctx, res.RunIDs["noisy_0.1"])
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFinished, noisy.Info.Status)
	v, ok = noisy.Param("noise_rate")
	require.True(t, ok)
	assert.Equal(t, "0.1", v)

	files, err := client.ListArtifacts(ctx, clean.Info.ArtifactURI, "model")
	require.NoError(t, err)
	var names []string
	for _, f := range files {
		names = append(names, f.Path)
	}
	assert.Contains(t, names, "model/MLmodel")
	assert.Contains(t, names, "model/model.json")

	require.Len(t, res.ModelVersions, 2)
	latest, err := client.LatestVersion(ctx, "iris_classifier")
	require.NoError(t, err)
	assert.Equal(t, "1", latest.Version)
	assert.Equal(t, res.RunIDs["clean"], latest.RunID)

	noisyLatest, err := client.LatestVersion(ctx, "iris_classifier_noisy")
	require.NoError(t, err)
	assert.Equal(t, res.RunIDs["noisy_0.1"], noisyLatest.RunID)

	// A second invocation reuses the experiment and bumps the version
	res2, err := runner.Run(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, res.ExperimentID, res2.ExperimentID)
	latest, err = client.LatestVersion(ctx, "iris_classifier")
	require.NoError(t, err)
	assert.Equal(t, "2", latest.Version)
}

func TestRunSurvivesUnreachableTracker(t *testing.T) {
	client, err := tracking.NewClient(tracking.Options{
		URI:     "http://127.0.0.1:1",
		Timeout: 2 * time.Second,
		Logger:  zap.NewNop(),
	})
	require.NoError(t, err)

	var out bytes.Buffer
	runner := experiment.NewRunner(client, zap.NewNop(), &out)
	res, err := runner.Run(context.Background(), testRequest(0.1))
	require.NoError(t, err)

	require.NotEmpty(t, res.LoggingErrors)
	assert.ErrorIs(t, res.LoggingErrors[0], tracking.ErrConnectivity)
	assert.Contains(t, out.String(), "Model trained on noisy data")
}

func TestSweep(t *testing.T) {
	var out bytes.Buffer
	runner := experiment.NewRunner(nil, zap.NewNop(), &out)

	req := experiment.SweepRequest{
		Request: testRequest(0),
		Rates:   []float64{0, 0.2, 0.8},
		Trials:  2,
	}
	res, err := runner.Sweep(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Points, 3)

	for i, p := range res.Points {
		assert.Equal(t, req.Rates[i], p.Rate)
		assert.Equal(t, 2, p.Trials)
		assert.GreaterOrEqual(t, p.StdNoisyAccuracy, 0.0)
	}
	assert.InDelta(t, res.Points[0].MeanCleanAccuracy, res.Points[0].MeanNoisyAccuracy, 1e-12)
	assert.Equal(t, 0.0, res.Points[0].StdNoisyAccuracy)
	assert.Greater(t, res.Points[0].MeanNoisyAccuracy, res.Points[2].MeanNoisyAccuracy)
	assert.Contains(t, out.String(), "0.8")
}

func TestSweepAccuracyDoesNotRiseWithNoise(t *testing.T) {
	req := testRequest(0)
	req.Training = *models.DefaultTrainingConfig()
	req.Noise.Seed = 42

	res, err := experiment.NewRunner(nil, nil, nil).Sweep(context.Background(), experiment.SweepRequest{
		Request:     req,
		Rates:       []float64{0.05, 0.1, 0.5},
		Trials:      10,
		Parallelism: 4,
	})
	require.NoError(t, err)
	require.Len(t, res.Points, 3)
	assert.True(t, res.Monotonic(0), "mean noisy accuracy rose with the noise rate: %+v", res.Points)
	assert.Less(t, res.Points[2].MeanNoisyAccuracy, res.Points[0].MeanNoisyAccuracy)
}

func TestSweepSingleTrialHasZeroStd(t *testing.T) {
	runner := experiment.NewRunner(nil, nil, nil)
	res, err := runner.Sweep(context.Background(), experiment.SweepRequest{
		Request: testRequest(0),
		Rates:   []float64{0.3},
	})
	require.NoError(t, err)
	require.Len(t, res.Points, 1)
	assert.Equal(t, 1, res.Points[0].Trials)
	assert.Equal(t, 0.0, res.Points[0].StdNoisyAccuracy)
}

func TestSweepRequiresRates(t *testing.T) {
	runner := experiment.NewRunner(nil, nil, nil)
	_, err := runner.Sweep(context.Background(), experiment.SweepRequest{Request: testRequest(0)})
	assert.Error(t, err)
}

func TestSweepResultMonotonic(t *testing.T) {
	s := &experiment.SweepResult{Points: []models.SweepPoint{
		{Rate: 0, MeanNoisyAccuracy: 0.95},
		{Rate: 0.2, MeanNoisyAccuracy: 0.96},
		{Rate: 0.5, MeanNoisyAccuracy: 0.6},
	}}
	assert.False(t, s.Monotonic(0))
	assert.True(t, s.Monotonic(0.02))
}

func TestSweepParallelMatchesSequential(t *testing.T) {
	runner := experiment.NewRunner(nil, nil, nil)
	req := experiment.SweepRequest{
		Request: testRequest(0),
		Rates:   []float64{0.1, 0.4},
		Trials:  3,
	}
	seq, err := runner.Sweep(context.Background(), req)
	require.NoError(t, err)

	req.Parallelism = 3
	par, err := runner.Sweep(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, seq.Points, par.Points)
}

func TestSweepHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	runner := experiment.NewRunner(nil, nil, nil)
	_, err := runner.Sweep(ctx, experiment.SweepRequest{Request: testRequest(0), Rates: []float64{0.1}})
	assert.ErrorIs(t, err, context.Canceled)
}

// recordingTracker accepts every call and records the order of run operations
type recordingTracker struct {
	calls      []string
	failMetric bool
}

func (r *recordingTracker) GetOrCreateExperiment(ctx context.Context, name string) (string, error) {
	return "exp", nil
}

func (r *recordingTracker) CreateRun(ctx context.Context, experimentID, runName string, tags []models.RunTag) (*models.Run, error) {
	r.calls = append(r.calls, "create "+runName)
	return &models.Run{Info: models.RunInfo{RunID: runName, ExperimentID: experimentID, ArtifactURI: "mlflow-artifacts:/exp/" + runName + "/artifacts"}}, nil
}

func (r *recordingTracker) LogParams(ctx context.Context, runID string, values map[string]string) error {
	r.calls = append(r.calls, "params "+runID)
	return nil
}

func (r *recordingTracker) LogMetrics(ctx context.Context, runID string, values map[string]float64) error {
	r.calls = append(r.calls, "metrics "+runID)
	if r.failMetric {
		return errors.New("metric store full")
	}
	return nil
}

func (r *recordingTracker) LogArtifacts(ctx context.Context, artifactURI, localDir, artifactPath string) error {
	r.calls = append(r.calls, "artifacts")
	return nil
}

func (r *recordingTracker) UpdateRun(ctx context.Context, runID string, status models.RunStatus) (*models.RunInfo, error) {
	r.calls = append(r.calls, "update "+runID+" "+string(status))
	return &models.RunInfo{RunID: runID, Status: status}, nil
}

func (r *recordingTracker) EndRun(ctx context.Context, runID string) error {
	r.calls = append(r.calls, "end "+runID)
	return nil
}

func (r *recordingTracker) CreateRegisteredModel(ctx context.Context, name string) (*models.RegisteredModel, error) {
	return &models.RegisteredModel{Name: name}, nil
}

func (r *recordingTracker) CreateModelVersion(ctx context.Context, name, source, runID string) (*models.ModelVersion, error) {
	return &models.ModelVersion{Name: name, Version: "1", Source: source, RunID: runID}, nil
}

func TestRunLogsThroughTrackerHelpers(t *testing.T) {
	tracker := &recordingTracker{}
	res, err := experiment.NewRunner(tracker, nil, nil).Run(context.Background(), testRequest(0.1))
	require.NoError(t, err)
	require.Empty(t, res.LoggingErrors)

	assert.Equal(t, []string{
		"create clean", "params clean", "metrics clean", "artifacts", "end clean",
		"create noisy_0.1", "params noisy_0.1", "metrics noisy_0.1", "artifacts", "end noisy_0.1",
	}, tracker.calls)
}

func TestRunMarksRunFailedWhenLoggingFails(t *testing.T) {
	tracker := &recordingTracker{failMetric: true}
	res, err := experiment.NewRunner(tracker, nil, nil).Run(context.Background(), testRequest(0.1))
	require.NoError(t, err)

	require.Len(t, res.LoggingErrors, 2)
	assert.Contains(t, tracker.calls, "update clean FAILED")
	assert.NotContains(t, tracker.calls, "end clean")
}
