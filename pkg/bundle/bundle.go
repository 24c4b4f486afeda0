// Package bundle reads and writes self-describing model directories.
package bundle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/mimir-aip/labelnoise/pkg/mlmodel/training"
	"github.com/mimir-aip/labelnoise/pkg/models"
)

const (
	// DescriptorFile names the model descriptor
	DescriptorFile = "MLmodel"
	// ModelFile holds the serialized classifier
	ModelFile = "model.json"
	// EnvFile describes the toolchain that produced the model
	EnvFile = "go_env.yaml"
	// RequirementsFile lists module dependencies, one per line
	RequirementsFile = "requirements.txt"

	// Flavor is the descriptor flavor this package understands
	Flavor = "go_classifier"
)

// Files lists every file a bundle directory contains
var Files = []string{DescriptorFile, ModelFile, EnvFile, RequirementsFile}

// ErrInvalidBundle is returned when a directory is not a loadable bundle
var ErrInvalidBundle = errors.New("invalid model bundle")

// FlavorConfig describes how to load the model
type FlavorConfig struct {
	ModelType    models.ModelType `yaml:"model_type"`
	Data         string           `yaml:"data"`
	Env          string           `yaml:"env"`
	GoVersion    string           `yaml:"go_version"`
	FeatureNames []string         `yaml:"feature_names"`
	Classes      []string         `yaml:"classes"`
}

// Descriptor is the content of the MLmodel file
type Descriptor struct {
	ArtifactPath   string                  `yaml:"artifact_path,omitempty"`
	RunID          string                  `yaml:"run_id,omitempty"`
	ModelUUID      string                  `yaml:"model_uuid"`
	UTCTimeCreated string                  `yaml:"utc_time_created"`
	Flavors        map[string]FlavorConfig `yaml:"flavors"`
}

// Environment is the content of go_env.yaml
type Environment struct {
	GoVersion    string   `yaml:"go_version"`
	Module       string   `yaml:"module,omitempty"`
	GOOS         string   `yaml:"goos"`
	GOARCH       string   `yaml:"goarch"`
	Dependencies []string `yaml:"dependencies,omitempty"`
}

// Info carries run metadata recorded in the descriptor
type Info struct {
	RunID        string
	ArtifactPath string
	CreatedAt    time.Time
}

// Bundle is a loaded model directory
type Bundle struct {
	Dir        string
	Descriptor Descriptor
	Model      training.Classifier
}

// Write serializes the model and its descriptors into dir, creating it if needed
func Write(dir string, model training.Classifier, info Info) (*Descriptor, error) {
	if model == nil {
		return nil, fmt.Errorf("model is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create bundle directory: %w", err)
	}

	f, err := os.Create(filepath.Join(dir, ModelFile))
	if err != nil {
		return nil, fmt.Errorf("failed to create model file: %w", err)
	}
	if err := model.Save(f); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close model file: %w", err)
	}

	env := currentEnvironment()
	if err := writeYAML(filepath.Join(dir, EnvFile), env); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, RequirementsFile), []byte(requirements(env)), 0644); err != nil {
		return nil, fmt.Errorf("failed to write requirements: %w", err)
	}

	created := info.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	desc := &Descriptor{
		ArtifactPath:   info.ArtifactPath,
		RunID:          info.RunID,
		ModelUUID:      uuid.New().String(),
		UTCTimeCreated: created.UTC().Format("2006-01-02 15:04:05.000000"),
		Flavors: map[string]FlavorConfig{
			Flavor: {
				ModelType:    model.Type(),
				Data:         ModelFile,
				Env:          EnvFile,
				GoVersion:    env.GoVersion,
				FeatureNames: featureNames(model),
				Classes:      model.Classes(),
			},
		},
	}
	if err := writeYAML(filepath.Join(dir, DescriptorFile), desc); err != nil {
		return nil, err
	}
	return desc, nil
}

// Load reads a bundle directory and deserializes its model
func Load(dir string) (*Bundle, error) {
	raw, err := os.ReadFile(filepath.Join(dir, DescriptorFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}

	var desc Descriptor
	if err := yaml.Unmarshal(raw, &desc); err != nil {
		return nil, fmt.Errorf("%w: failed to parse %s: %v", ErrInvalidBundle, DescriptorFile, err)
	}
	flavor, ok := desc.Flavors[Flavor]
	if !ok {
		return nil, fmt.Errorf("%w: descriptor has no %s flavor", ErrInvalidBundle, Flavor)
	}

	data := flavor.Data
	if data == "" {
		data = ModelFile
	}
	if filepath.IsAbs(data) || strings.Contains(filepath.ToSlash(data), "..") {
		return nil, fmt.Errorf("%w: model path %q escapes bundle", ErrInvalidBundle, data)
	}

	f, err := os.Open(filepath.Join(dir, data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	defer f.Close()

	model, err := training.Load(flavor.ModelType, f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}

	return &Bundle{Dir: dir, Descriptor: desc, Model: model}, nil
}

// ModelType returns the model type recorded in the descriptor
func (b *Bundle) ModelType() models.ModelType {
	return b.Descriptor.Flavors[Flavor].ModelType
}

func featureNames(model training.Classifier) []string {
	switch m := model.(type) {
	case *training.RandomForestClassifier:
		return m.FeatureNames
	case *training.DecisionTreeClassifier:
		return m.FeatureNames
	}
	return nil
}

func writeYAML(path string, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func currentEnvironment() Environment {
	env := Environment{
		GoVersion: runtime.Version(),
		GOOS:      runtime.GOOS,
		GOARCH:    runtime.GOARCH,
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return env
	}
	env.Module = info.Main.Path
	for _, dep := range info.Deps {
		mod := dep
		if dep.Replace != nil {
			mod = dep.Replace
		}
		env.Dependencies = append(env.Dependencies, mod.Path+"=="+mod.Version)
	}
	sort.Strings(env.Dependencies)
	return env
}

func requirements(env Environment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", env.GoVersion)
	for _, dep := range env.Dependencies {
		b.WriteString(dep)
		b.WriteByte('\n')
	}
	return b.String()
}
