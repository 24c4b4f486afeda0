// Package fetch copies the latest registered version of a model from the
// tracker into a local directory.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/mimir-aip/labelnoise/pkg/bundle"
	"github.com/mimir-aip/labelnoise/pkg/dataset"
	"github.com/mimir-aip/labelnoise/pkg/mlmodel/training"
	"github.com/mimir-aip/labelnoise/pkg/models"
	"github.com/mimir-aip/labelnoise/pkg/tracking"
)

// DefaultMinRecall is the macro recall a verified model must reach
const DefaultMinRecall = 0.85

var (
	// ErrVerification is returned when a downloaded model fails verification
	ErrVerification = errors.New("model verification failed")
)

// Registry is the part of the tracking client the fetcher needs
type Registry interface {
	URI() string
	LatestVersion(ctx context.Context, name string) (*models.ModelVersion, error)
	GetDownloadURI(ctx context.Context, name, version string) (string, error)
	DownloadArtifacts(ctx context.Context, artifactURI, localDir string) ([]string, error)
}

// Verify configures the post-download check
type Verify struct {
	Enabled   bool
	Data      *dataset.Dataset // Nil skips the recall check
	MinRecall float64
}

// Result describes a completed fetch
type Result struct {
	Model       string
	Version     string
	RunID       string
	ArtifactURI string
	Dir         string
	Files       []string
	Bundle      *bundle.Bundle             // Set when verified
	Metrics     *models.PerformanceMetrics // Set when verified against data
}

// Fetcher downloads registered models under a root directory
type Fetcher struct {
	client Registry
	root   string
	log    *zap.Logger
	verify Verify
}

// NewFetcher creates a fetcher writing to root/<model>
func NewFetcher(client Registry, root string, log *zap.Logger) *Fetcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Fetcher{client: client, root: root, log: log}
}

// WithVerify enables verification of every fetched bundle
func (f *Fetcher) WithVerify(v Verify) *Fetcher {
	if v.MinRecall == 0 {
		v.MinRecall = DefaultMinRecall
	}
	f.verify = v
	return f
}

// Fetch resolves the latest version of modelName and replaces
// root/<modelName> with its artifacts. Nothing is written when the model has
// no registered version.
func (f *Fetcher) Fetch(ctx context.Context, modelName string) (*Result, error) {
	if err := validateName(modelName); err != nil {
		return nil, err
	}

	version, err := f.client.LatestVersion(ctx, modelName)
	if err != nil {
		return nil, fmt.Errorf("model %q at %s: %w", modelName, f.client.URI(), err)
	}

	uri, err := f.client.GetDownloadURI(ctx, modelName, version.Version)
	if err != nil && !errors.Is(err, tracking.ErrNotFound) {
		return nil, fmt.Errorf("model %q version %s at %s: %w", modelName, version.Version, f.client.URI(), err)
	}
	if uri == "" {
		uri = version.Source
	}
	if uri == "" {
		return nil, fmt.Errorf("model %q version %s has no artifact location: %w", modelName, version.Version, tracking.ErrNotFound)
	}

	f.log.Info("fetching model",
		zap.String("model", modelName),
		zap.String("version", version.Version),
		zap.String("artifact_uri", uri))

	if err := os.MkdirAll(f.root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", f.root, err)
	}
	staging, err := os.MkdirTemp(f.root, "."+modelName+"-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	files, err := f.client.DownloadArtifacts(ctx, uri, staging)
	if err != nil {
		return nil, fmt.Errorf("model %q from %s: %w", modelName, uri, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("model %q version %s has no artifacts at %s: %w", modelName, version.Version, uri, tracking.ErrNotFound)
	}

	res := &Result{
		Model:       modelName,
		Version:     version.Version,
		RunID:       version.RunID,
		ArtifactURI: uri,
		Dir:         filepath.Join(f.root, modelName),
		Files:       files,
	}

	if f.verify.Enabled {
		if err := f.check(staging, res); err != nil {
			return nil, err
		}
	}

	if err := os.RemoveAll(res.Dir); err != nil {
		return nil, fmt.Errorf("failed to clear %s: %w", res.Dir, err)
	}
	if err := os.Rename(staging, res.Dir); err != nil {
		return nil, fmt.Errorf("failed to move model into %s: %w", res.Dir, err)
	}
	if res.Bundle != nil {
		res.Bundle.Dir = res.Dir
	}

	f.log.Info("model downloaded",
		zap.String("model", modelName),
		zap.String("dir", res.Dir),
		zap.Int("files", len(files)))
	return res, nil
}

func (f *Fetcher) check(dir string, res *Result) error {
	b, err := bundle.Load(dir)
	if err != nil {
		return fmt.Errorf("%w: model %q: %v", ErrVerification, res.Model, err)
	}
	res.Bundle = b

	if f.verify.Data == nil {
		return nil
	}
	metrics, err := training.Evaluate(b.Model, f.verify.Data.Features, f.verify.Data.Labels)
	if err != nil {
		return fmt.Errorf("%w: model %q: %v", ErrVerification, res.Model, err)
	}
	res.Metrics = metrics
	if metrics.MacroRecall < f.verify.MinRecall {
		return fmt.Errorf("%w: model %q macro recall %.4f below %.2f",
			ErrVerification, res.Model, metrics.MacroRecall, f.verify.MinRecall)
	}
	f.log.Info("model verified",
		zap.String("model", res.Model),
		zap.Float64("macro_recall", metrics.MacroRecall))
	return nil
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid model name %q", name)
	}
	return nil
}
