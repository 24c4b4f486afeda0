package metadatastore

import (
	"errors"

	"github.com/mimir-aip/labelnoise/pkg/models"
)

var (
	// ErrNotFound is returned when a lookup matches nothing
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a unique name is taken
	ErrAlreadyExists = errors.New("already exists")
	// ErrInvalid is returned for writes that break a store rule
	ErrInvalid = errors.New("invalid request")
)

// MetadataStore is the interface for tracking metadata persistence.
// It stores experiments, runs and the model registry. Artifact bytes live
// in the artifact store, not here.
type MetadataStore interface {
	// Experiment operations
	CreateExperiment(exp *models.Experiment) error
	GetExperiment(id string) (*models.Experiment, error)
	GetExperimentByName(name string) (*models.Experiment, error)
	ListExperiments() ([]*models.Experiment, error)

	// Run operations
	CreateRun(run *models.Run) error
	GetRun(id string) (*models.Run, error)
	ListRunsByExperiment(experimentID string) ([]*models.Run, error)
	ListRunsByStatus(status models.RunStatus) ([]*models.Run, error)
	LogBatch(runID string, metrics []models.Metric, params []models.Param, tags []models.RunTag) error
	UpdateRun(runID string, status models.RunStatus, endTime int64, runName string) (*models.RunInfo, error)

	// Model registry operations
	CreateRegisteredModel(model *models.RegisteredModel) error
	GetRegisteredModel(name string) (*models.RegisteredModel, error)
	CreateModelVersion(version *models.ModelVersion) (*models.ModelVersion, error)
	GetModelVersion(name, version string) (*models.ModelVersion, error)
	ListModelVersions(name string) ([]*models.ModelVersion, error)

	Close() error
}
