package tracking_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mimir-aip/labelnoise/pkg/models"
	"github.com/mimir-aip/labelnoise/pkg/tracking"
	"github.com/mimir-aip/labelnoise/pkg/trackingserver"
)

func newTestClient(t *testing.T) *tracking.Client {
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

func TestNewClientValidatesURI(t *testing.T) {
	_, err := tracking.NewClient(tracking.Options{})
	assert.Error(t, err)
	_, err = tracking.NewClient(tracking.Options{URI: "ftp://example.com"})
	assert.Error(t, err)
	c, err := tracking.NewClient(tracking.Options{URI: "http://localhost:5000/"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:5000", c.URI())
}

func TestExperimentsAndRuns(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	_, err := client.GetExperimentByName(ctx, "label-noise")
	assert.ErrorIs(t, err, tracking.ErrNotFound)

	expID, err := client.GetOrCreateExperiment(ctx, "label-noise")
	require.NoError(t, err)
	again, err := client.GetOrCreateExperiment(ctx, "label-noise")
	require.NoError(t, err)
	assert.Equal(t, expID, again)

	_, err = client.CreateExperiment(ctx, "label-noise", "")
	assert.ErrorIs(t, err, tracking.ErrAlreadyExists)
	var apiErr *tracking.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, models.ErrorCodeAlreadyExists, apiErr.Code)

	run, err := client.CreateRun(ctx, expID, "noisy_0.1", []models.RunTag{{Key: "variant", Value: "noisy"}})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, run.Info.Status)

	require.NoError(t, client.LogParams(ctx, run.Info.RunID, map[string]string{"label_noise": "0.1", "seed": "42"}))
	require.NoError(t, client.LogMetrics(ctx, run.Info.RunID, map[string]float64{"accuracy": 0.9, "macro_f1": 0.89}))
	require.NoError(t, client.EndRun(ctx, run.Info.RunID))

	got, err := client.GetRun(ctx, run.Info.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFinished, got.Info.Status)
	assert.NotZero(t, got.Info.EndTime)
	acc, ok := got.Metric("accuracy")
	assert.True(t, ok)
	assert.Equal(t, 0.9, acc)
	seed, _ := got.Param("seed")
	assert.Equal(t, "42", seed)

	_, err = client.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, tracking.ErrNotFound)
}

func TestLogBatchSplitsLargeBatches(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	expID, err := client.GetOrCreateExperiment(ctx, "exp")
	require.NoError(t, err)
	run, err := client.CreateRun(ctx, expID, "", nil)
	require.NoError(t, err)

	params := make(map[string]string)
	for i := 0; i < 250; i++ {
		params[string(rune('a'+i%26))+string(rune('a'+i/26))] = "v"
	}
	require.NoError(t, client.LogParams(ctx, run.Info.RunID, params))

	got, err := client.GetRun(ctx, run.Info.RunID)
	require.NoError(t, err)
	assert.Len(t, got.Data.Params, 250)
}

func TestArtifactsRoundTrip(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	expID, err := client.GetOrCreateExperiment(ctx, "exp")
	require.NoError(t, err)
	run, err := client.CreateRun(ctx, expID, "clean", nil)
	require.NoError(t, err)

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "MLmodel"), []byte("flavors: {}\n"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "extra"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "extra", "notes.txt"), []byte("hi"), 0644))

	require.NoError(t, client.LogArtifacts(ctx, run.Info.ArtifactURI, src, "model"))

	files, err := client.ListArtifacts(ctx, run.Info.ArtifactURI, "model")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "model/MLmodel", files[0].Path)
	assert.Equal(t, "model/extra", files[1].Path)
	assert.True(t, files[1].IsDir)

	var buf bytes.Buffer
	require.NoError(t, client.DownloadArtifact(ctx, run.Info.ArtifactURI, "model/extra/notes.txt", &buf))
	assert.Equal(t, "hi", buf.String())

	dest := t.TempDir()
	written, err := client.DownloadArtifacts(ctx, run.Info.ArtifactURI+"/model", dest)
	require.NoError(t, err)
	sort.Strings(written)
	assert.Equal(t, []string{"MLmodel", "extra/notes.txt"}, written)
	data, err := os.ReadFile(filepath.Join(dest, "extra", "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))

	err = client.DownloadArtifact(ctx, run.Info.ArtifactURI, "model/missing", &buf)
	assert.ErrorIs(t, err, tracking.ErrNotFound)
}

type fullDisk struct{}

func (fullDisk) Write([]byte) (int, error) { return 0, errors.New("no space left on device") }

func TestDownloadArtifactWriteFailureIsLocal(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	expID, err := client.GetOrCreateExperiment(ctx, "exp")
	require.NoError(t, err)
	run, err := client.CreateRun(ctx, expID, "clean", nil)
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, os.WriteFile(src, []byte(`{"trees":[]}`), 0644))
	require.NoError(t, client.LogArtifact(ctx, run.Info.ArtifactURI, src, "model"))

	err = client.DownloadArtifact(ctx, run.Info.ArtifactURI, "model/model.json", fullDisk{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, tracking.ErrConnectivity)
	assert.Contains(t, err.Error(), "no space left on device")
}

func TestModelRegistry(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	_, err := client.LatestVersion(ctx, "random_forest_model")
	assert.ErrorIs(t, err, tracking.ErrNotFound)

	_, err = client.CreateRegisteredModel(ctx, "random_forest_model")
	require.NoError(t, err)
	_, err = client.CreateRegisteredModel(ctx, "random_forest_model")
	require.NoError(t, err, "registering an existing name is not an error")

	_, err = client.LatestVersion(ctx, "random_forest_model")
	assert.ErrorIs(t, err, tracking.ErrNotFound, "a model without versions has no latest version")

	for _, src := range []string{"mlflow-artifacts:/1/a/artifacts/model", "mlflow-artifacts:/1/b/artifacts/model"} {
		_, err := client.CreateModelVersion(ctx, "random_forest_model", src, "")
		require.NoError(t, err)
	}

	latest, err := client.LatestVersion(ctx, "random_forest_model")
	require.NoError(t, err)
	assert.Equal(t, "2", latest.Version)

	uri, err := client.GetDownloadURI(ctx, "random_forest_model", latest.Version)
	require.NoError(t, err)
	assert.Equal(t, "mlflow-artifacts:/1/b/artifacts/model", uri)
}

func TestConnectivityError(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	client, err := tracking.NewClient(tracking.Options{URI: url, Logger: zap.NewNop()})
	require.NoError(t, err)

	_, err = client.LatestVersion(context.Background(), "m")
	assert.ErrorIs(t, err, tracking.ErrConnectivity)
	assert.NotErrorIs(t, err, tracking.ErrNotFound)
	assert.Contains(t, err.Error(), url)
}

func TestAuthHeaders(t *testing.T) {
	var got []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Header.Get("Authorization"))
		w.Write([]byte(`{"experiment":{"experiment_id":"1","name":"x"}}`))
	}))
	defer ts.Close()

	bearer, err := tracking.NewClient(tracking.Options{URI: ts.URL, Token: "secret", Logger: zap.NewNop()})
	require.NoError(t, err)
	_, err = bearer.GetExperimentByName(context.Background(), "x")
	require.NoError(t, err)

	basic, err := tracking.NewClient(tracking.Options{URI: ts.URL, Username: "u", Password: "p", Logger: zap.NewNop()})
	require.NoError(t, err)
	_, err = basic.GetExperimentByName(context.Background(), "x")
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "Bearer secret", got[0])
	assert.Equal(t, "Basic dTpw", got[1])
}

func TestPlainNotFoundStatus(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	client, err := tracking.NewClient(tracking.Options{URI: ts.URL, Logger: zap.NewNop()})
	require.NoError(t, err)
	_, err = client.GetDownloadURI(context.Background(), "m", "1")
	assert.ErrorIs(t, err, tracking.ErrNotFound)
}

func TestArtifactPath(t *testing.T) {
	tests := []struct {
		uri     string
		want    string
		wantErr bool
	}{
		{uri: "mlflow-artifacts:/1/abc/artifacts/model", want: "1/abc/artifacts/model"},
		{uri: "mlflow-artifacts://host:5000/1/abc/artifacts", want: "1/abc/artifacts"},
		{uri: "http://host:5000/api/2.0/mlflow-artifacts/artifacts/1/abc", want: "1/abc"},
		{uri: "mlflow-artifacts:/1/../../etc", wantErr: true},
		{uri: "s3://bucket/key", wantErr: true},
		{uri: "http://host/other/path", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			got, err := tracking.ArtifactPath(tt.uri)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
