package models

import (
	"fmt"
	"strconv"
)

// RunStatus represents the lifecycle state of a tracked run
type RunStatus string

const (
	RunStatusRunning  RunStatus = "RUNNING"
	RunStatusFinished RunStatus = "FINISHED"
	RunStatusFailed   RunStatus = "FAILED"
	RunStatusKilled   RunStatus = "KILLED"
)

// Valid reports whether s is a known run status
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusRunning, RunStatusFinished, RunStatusFailed, RunStatusKilled:
		return true
	}
	return false
}

// Error codes carried in tracker error bodies
const (
	ErrorCodeNotFound      = "RESOURCE_DOES_NOT_EXIST"
	ErrorCodeAlreadyExists = "RESOURCE_ALREADY_EXISTS"
	ErrorCodeInvalidParam  = "INVALID_PARAMETER_VALUE"
	ErrorCodeInternal      = "INTERNAL_ERROR"
)

// ErrorResponse is the JSON body returned with a failed tracker request
type ErrorResponse struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// Experiment groups runs under a name
type Experiment struct {
	ExperimentID     string `json:"experiment_id"`
	Name             string `json:"name"`
	ArtifactLocation string `json:"artifact_location,omitempty"`
	LifecycleStage   string `json:"lifecycle_stage,omitempty"`
	CreationTime     int64  `json:"creation_time,omitempty"`
	LastUpdateTime   int64  `json:"last_update_time,omitempty"`
}

// RunInfo holds the immutable identity and status of a run.
// Times are epoch milliseconds.
type RunInfo struct {
	RunID          string    `json:"run_id"`
	RunName        string    `json:"run_name,omitempty"`
	ExperimentID   string    `json:"experiment_id"`
	Status         RunStatus `json:"status"`
	StartTime      int64     `json:"start_time,omitempty"`
	EndTime        int64     `json:"end_time,omitempty"`
	ArtifactURI    string    `json:"artifact_uri,omitempty"`
	LifecycleStage string    `json:"lifecycle_stage,omitempty"`
}

// Param is a run configuration value
type Param struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Metric is a numeric run result
type Metric struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

// RunTag is a free-form run annotation
type RunTag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// RunData holds everything logged to a run
type RunData struct {
	Metrics []Metric `json:"metrics,omitempty"`
	Params  []Param  `json:"params,omitempty"`
	Tags    []RunTag `json:"tags,omitempty"`
}

// Run is a tracker-managed record of one training invocation
type Run struct {
	Info RunInfo `json:"info"`
	Data RunData `json:"data"`
}

// Param returns the value of a param and whether it was logged
func (r *Run) Param(key string) (string, bool) {
	for _, p := range r.Data.Params {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// Metric returns the latest value of a metric and whether it was logged
func (r *Run) Metric(key string) (float64, bool) {
	found := false
	var latest Metric
	for _, m := range r.Data.Metrics {
		if m.Key != key {
			continue
		}
		if !found || m.Step > latest.Step || (m.Step == latest.Step && m.Timestamp >= latest.Timestamp) {
			latest = m
			found = true
		}
	}
	return latest.Value, found
}

// RegisteredModel is a named model in the registry
type RegisteredModel struct {
	Name                 string         `json:"name"`
	Description          string         `json:"description,omitempty"`
	CreationTimestamp    int64          `json:"creation_timestamp,omitempty"`
	LastUpdatedTimestamp int64          `json:"last_updated_timestamp,omitempty"`
	LatestVersions       []ModelVersion `json:"latest_versions,omitempty"`
}

// ModelVersion is one registered version of a model
type ModelVersion struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	Source            string `json:"source,omitempty"`
	RunID             string `json:"run_id,omitempty"`
	Status            string `json:"status,omitempty"`
	CurrentStage      string `json:"current_stage,omitempty"`
	CreationTimestamp int64  `json:"creation_timestamp,omitempty"`
}

// VersionNumber parses the version string
func (v *ModelVersion) VersionNumber() (int64, error) {
	n, err := strconv.ParseInt(v.Version, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid model version %q: %w", v.Version, err)
	}
	return n, nil
}

// FileInfo describes one entry in an artifact listing
type FileInfo struct {
	Path     string `json:"path"`
	IsDir    bool   `json:"is_dir"`
	FileSize int64  `json:"file_size,omitempty"`
}
