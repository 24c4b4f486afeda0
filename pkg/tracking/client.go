// Package tracking is a client for the experiment tracker REST API.
package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mimir-aip/labelnoise/pkg/logging"
	"github.com/mimir-aip/labelnoise/pkg/models"
)

const (
	apiPrefix      = "/api/2.0/mlflow/"
	artifactPrefix = "/api/2.0/mlflow-artifacts/artifacts"

	// Tracker limits per log-batch request
	maxBatchMetrics = 1000
	maxBatchParams  = 100
	maxBatchTags    = 100
)

// Options configures a Client
type Options struct {
	URI      string
	Token    string
	Username string
	Password string
	Timeout  time.Duration

	// Transport overrides the base round tripper, mostly for tests
	Transport http.RoundTripper
	Logger    *zap.Logger
}

// Client talks to a tracking server
type Client struct {
	base *url.URL
	http *http.Client
	log  *zap.Logger
}

// NewClient creates a client for the tracker at opts.URI
func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.URI) == "" {
		return nil, fmt.Errorf("tracking URI is required")
	}
	base, err := url.Parse(strings.TrimRight(opts.URI, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid tracking URI %q: %w", opts.URI, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid tracking URI %q: scheme must be http or https", opts.URI)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = logging.GetLogger()
	}

	return &Client{
		base: base,
		http: &http.Client{Transport: newTransport(opts), Timeout: timeout},
		log:  log.With(zap.String("tracking_uri", base.String())),
	}, nil
}

// URI returns the tracker base URI
func (c *Client) URI() string {
	return c.base.String()
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = ""
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// call performs a JSON request against the REST API
func (c *Client) call(ctx context.Context, method, path string, query url.Values, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(apiPrefix+path, query), body)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := decodeJSON(resp.Body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// do sends req and converts transport failures and error statuses to *APIError
func (c *Client) do(req *http.Request, endpoint string) (*http.Response, error) {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("tracker request failed",
			zap.String("method", req.Method),
			zap.String("endpoint", endpoint),
			zap.Error(err))
		return nil, connectivityError(c.base.String()+" "+endpoint, err)
	}

	c.log.Debug("tracker request",
		zap.String("method", req.Method),
		zap.String("endpoint", endpoint),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body models.ErrorResponse
	if json.Unmarshal(raw, &body) != nil || (body.ErrorCode == "" && body.Message == "") {
		body.Message = strings.TrimSpace(string(raw))
		if body.Message == "" {
			body.Message = http.StatusText(resp.StatusCode)
		}
	}
	return nil, responseError(endpoint, resp.StatusCode, body)
}

// GetExperimentByName looks up an experiment; ErrNotFound when absent
func (c *Client) GetExperimentByName(ctx context.Context, name string) (*models.Experiment, error) {
	var out struct {
		Experiment models.Experiment `json:"experiment"`
	}
	q := url.Values{"experiment_name": {name}}
	if err := c.call(ctx, http.MethodGet, "experiments/get-by-name", q, nil, &out); err != nil {
		return nil, err
	}
	return &out.Experiment, nil
}

// CreateExperiment creates an experiment and returns its id
func (c *Client) CreateExperiment(ctx context.Context, name, artifactLocation string) (string, error) {
	in := map[string]string{"name": name}
	if artifactLocation != "" {
		in["artifact_location"] = artifactLocation
	}
	var out struct {
		ExperimentID string `json:"experiment_id"`
	}
	if err := c.call(ctx, http.MethodPost, "experiments/create", nil, in, &out); err != nil {
		return "", err
	}
	return out.ExperimentID, nil
}

// GetOrCreateExperiment returns the id of the named experiment, creating it if needed
func (c *Client) GetOrCreateExperiment(ctx context.Context, name string) (string, error) {
	exp, err := c.GetExperimentByName(ctx, name)
	if err == nil {
		return exp.ExperimentID, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	id, err := c.CreateExperiment(ctx, name, "")
	if errors.Is(err, ErrAlreadyExists) {
		// Lost a creation race; read it back.
		exp, err = c.GetExperimentByName(ctx, name)
		if err != nil {
			return "", err
		}
		return exp.ExperimentID, nil
	}
	if err != nil {
		return "", err
	}
	c.log.Info("created experiment", zap.String("experiment", name), zap.String("experiment_id", id))
	return id, nil
}

// CreateRun starts a run in RUNNING state
func (c *Client) CreateRun(ctx context.Context, experimentID, runName string, tags []models.RunTag) (*models.Run, error) {
	in := struct {
		ExperimentID string          `json:"experiment_id"`
		RunName      string          `json:"run_name,omitempty"`
		StartTime    int64           `json:"start_time"`
		Tags         []models.RunTag `json:"tags,omitempty"`
	}{experimentID, runName, time.Now().UnixMilli(), tags}

	var out struct {
		Run models.Run `json:"run"`
	}
	if err := c.call(ctx, http.MethodPost, "runs/create", nil, in, &out); err != nil {
		return nil, err
	}
	return &out.Run, nil
}

// GetRun fetches a run with its logged data
func (c *Client) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	var out struct {
		Run models.Run `json:"run"`
	}
	if err := c.call(ctx, http.MethodGet, "runs/get", url.Values{"run_id": {runID}}, nil, &out); err != nil {
		return nil, err
	}
	return &out.Run, nil
}

// LogBatch logs metrics, params and tags, splitting into several requests when
// the tracker's per-request limits would be exceeded
func (c *Client) LogBatch(ctx context.Context, runID string, metrics []models.Metric, params []models.Param, tags []models.RunTag) error {
	for len(metrics) > 0 || len(params) > 0 || len(tags) > 0 {
		var m []models.Metric
		var p []models.Param
		var t []models.RunTag
		m, metrics = takeMetrics(metrics, maxBatchMetrics)
		p, params = takeParams(params, maxBatchParams)
		t, tags = takeTags(tags, maxBatchTags)

		in := struct {
			RunID   string          `json:"run_id"`
			Metrics []models.Metric `json:"metrics,omitempty"`
			Params  []models.Param  `json:"params,omitempty"`
			Tags    []models.RunTag `json:"tags,omitempty"`
		}{runID, m, p, t}
		if err := c.call(ctx, http.MethodPost, "runs/log-batch", nil, in, nil); err != nil {
			return err
		}
	}
	return nil
}

func takeMetrics(s []models.Metric, n int) ([]models.Metric, []models.Metric) {
	if len(s) <= n {
		return s, nil
	}
	return s[:n], s[n:]
}

func takeParams(s []models.Param, n int) ([]models.Param, []models.Param) {
	if len(s) <= n {
		return s, nil
	}
	return s[:n], s[n:]
}

func takeTags(s []models.RunTag, n int) ([]models.RunTag, []models.RunTag) {
	if len(s) <= n {
		return s, nil
	}
	return s[:n], s[n:]
}

// LogMetrics logs a map of metrics at step 0 in key order
func (c *Client) LogMetrics(ctx context.Context, runID string, values map[string]float64) error {
	now := time.Now().UnixMilli()
	metrics := make([]models.Metric, 0, len(values))
	for _, k := range models.SortedKeys(values) {
		metrics = append(metrics, models.Metric{Key: k, Value: values[k], Timestamp: now})
	}
	return c.LogBatch(ctx, runID, metrics, nil, nil)
}

// LogParams logs a map of params in key order
func (c *Client) LogParams(ctx context.Context, runID string, values map[string]string) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	params := make([]models.Param, 0, len(values))
	for _, k := range keys {
		params = append(params, models.Param{Key: k, Value: values[k]})
	}
	return c.LogBatch(ctx, runID, nil, params, nil)
}

// UpdateRun changes the status of a run; a terminal status also sets its end time
func (c *Client) UpdateRun(ctx context.Context, runID string, status models.RunStatus) (*models.RunInfo, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid run status: %s", status)
	}
	in := struct {
		RunID   string           `json:"run_id"`
		Status  models.RunStatus `json:"status"`
		EndTime int64            `json:"end_time,omitempty"`
	}{RunID: runID, Status: status}
	if status != models.RunStatusRunning {
		in.EndTime = time.Now().UnixMilli()
	}

	var out struct {
		RunInfo models.RunInfo `json:"run_info"`
	}
	if err := c.call(ctx, http.MethodPost, "runs/update", nil, in, &out); err != nil {
		return nil, err
	}
	return &out.RunInfo, nil
}

// EndRun marks a run FINISHED
func (c *Client) EndRun(ctx context.Context, runID string) error {
	_, err := c.UpdateRun(ctx, runID, models.RunStatusFinished)
	return err
}

// CreateRegisteredModel registers a model name; an existing name is not an error
func (c *Client) CreateRegisteredModel(ctx context.Context, name string) (*models.RegisteredModel, error) {
	var out struct {
		RegisteredModel models.RegisteredModel `json:"registered_model"`
	}
	err := c.call(ctx, http.MethodPost, "registered-models/create", nil, map[string]string{"name": name}, &out)
	if errors.Is(err, ErrAlreadyExists) {
		return &models.RegisteredModel{Name: name}, nil
	}
	if err != nil {
		return nil, err
	}
	return &out.RegisteredModel, nil
}

// CreateModelVersion registers the artifacts at source as a new version of name
func (c *Client) CreateModelVersion(ctx context.Context, name, source, runID string) (*models.ModelVersion, error) {
	in := map[string]string{"name": name, "source": source}
	if runID != "" {
		in["run_id"] = runID
	}
	var out struct {
		ModelVersion models.ModelVersion `json:"model_version"`
	}
	if err := c.call(ctx, http.MethodPost, "model-versions/create", nil, in, &out); err != nil {
		return nil, err
	}
	return &out.ModelVersion, nil
}

// GetLatestVersions returns the latest version per stage of a registered model
func (c *Client) GetLatestVersions(ctx context.Context, name string) ([]models.ModelVersion, error) {
	var out struct {
		ModelVersions []models.ModelVersion `json:"model_versions"`
	}
	in := map[string]string{"name": name}
	if err := c.call(ctx, http.MethodPost, "registered-models/get-latest-versions", nil, in, &out); err != nil {
		return nil, err
	}
	return out.ModelVersions, nil
}

// LatestVersion returns the highest-numbered version of a registered model.
// It returns ErrNotFound when the model is unknown or has no versions.
func (c *Client) LatestVersion(ctx context.Context, name string) (*models.ModelVersion, error) {
	versions, err := c.GetLatestVersions(ctx, name)
	if err != nil {
		return nil, err
	}

	var latest *models.ModelVersion
	var latestNum int64
	for i := range versions {
		n, err := versions[i].VersionNumber()
		if err != nil {
			return nil, err
		}
		if latest == nil || n > latestNum {
			latest = &versions[i]
			latestNum = n
		}
	}
	if latest == nil {
		return nil, &APIError{
			Endpoint: "registered-models/get-latest-versions",
			Message:  fmt.Sprintf("registered model %q has no versions", name),
			kind:     ErrNotFound,
		}
	}
	return latest, nil
}

// GetDownloadURI returns the artifact URI of a model version
func (c *Client) GetDownloadURI(ctx context.Context, name, version string) (string, error) {
	var out struct {
		ArtifactURI string `json:"artifact_uri"`
	}
	q := url.Values{"name": {name}, "version": {version}}
	if err := c.call(ctx, http.MethodGet, "model-versions/get-download-uri", q, nil, &out); err != nil {
		return "", err
	}
	return out.ArtifactURI, nil
}

func decodeJSON(r io.Reader, out interface{}) error {
	if err := json.NewDecoder(r).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
