package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"development" yaml:"environment" toml:"environment"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" yaml:"log_level" toml:"log_level"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"console" yaml:"log_format" toml:"log_format"`

	// Tracking server
	TrackingURI      string        `envconfig:"MLFLOW_TRACKING_URI" default:"http://localhost:5000" yaml:"tracking_uri" toml:"tracking_uri"`
	TrackingToken    string        `envconfig:"MLFLOW_TRACKING_TOKEN" yaml:"tracking_token" toml:"tracking_token"`
	TrackingUsername string        `envconfig:"MLFLOW_TRACKING_USERNAME" yaml:"tracking_username" toml:"tracking_username"`
	TrackingPassword string        `envconfig:"MLFLOW_TRACKING_PASSWORD" yaml:"tracking_password" toml:"tracking_password"`
	ExperimentName   string        `envconfig:"MLFLOW_EXPERIMENT_NAME" default:"label-noise" yaml:"experiment_name" toml:"experiment_name"`
	HTTPTimeout      time.Duration `envconfig:"HTTP_TIMEOUT" default:"30s" yaml:"http_timeout" toml:"http_timeout"`

	// Training
	DataPath  string  `envconfig:"DATA_PATH" default:"data.csv" yaml:"data_path" toml:"data_path"`
	TestSplit float64 `envconfig:"TEST_SPLIT" default:"0.2" yaml:"test_split" toml:"test_split"`
	Seed      int64   `envconfig:"SEED" default:"42" yaml:"seed" toml:"seed"`
	NumTrees  int     `envconfig:"NUM_TREES" default:"100" yaml:"num_trees" toml:"num_trees"`
	MaxDepth  int     `envconfig:"MAX_DEPTH" default:"10" yaml:"max_depth" toml:"max_depth"`

	// Registry and fetch
	ModelName   string `envconfig:"MODEL_NAME" default:"random_forest_model" yaml:"model_name" toml:"model_name"`
	DownloadDir string `envconfig:"DOWNLOAD_DIR" default:"downloaded_models" yaml:"download_dir" toml:"download_dir"`

	// Local tracking server
	TrackerAddr         string        `envconfig:"TRACKER_ADDR" default:":5000" yaml:"tracker_addr" toml:"tracker_addr"`
	TrackerDataDir      string        `envconfig:"TRACKER_DATA_DIR" default:"mlruns" yaml:"tracker_data_dir" toml:"tracker_data_dir"`
	TrackerReapSchedule string        `envconfig:"TRACKER_REAP_SCHEDULE" default:"@hourly" yaml:"tracker_reap_schedule" toml:"tracker_reap_schedule"`
	TrackerStaleAfter   time.Duration `envconfig:"TRACKER_STALE_AFTER" default:"24h" yaml:"tracker_stale_after" toml:"tracker_stale_after"`
}

// FileEnv names the variable pointing at an optional YAML config file
const FileEnv = "LABELNOISE_CONFIG"

// Load reads the environment and, when FileEnv is set, overlays that file
func Load() (*Config, error) {
	if path := os.Getenv(FileEnv); path != "" {
		return LoadConfigFile(path)
	}
	return LoadConfig()
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfigFile loads the environment configuration and overlays the file at
// path, TOML when it ends in .toml and YAML otherwise. Keys absent from the
// file keep their environment values.
func LoadConfigFile(path string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values that every command depends on
func (c *Config) Validate() error {
	if c.TrackingURI == "" {
		return fmt.Errorf("MLFLOW_TRACKING_URI is required")
	}
	if c.ModelName == "" {
		return fmt.Errorf("MODEL_NAME is required")
	}
	if c.TestSplit <= 0 || c.TestSplit >= 1 {
		return fmt.Errorf("TEST_SPLIT must be in (0, 1), got %v", c.TestSplit)
	}
	if c.NumTrees <= 0 {
		return fmt.Errorf("NUM_TREES must be positive, got %d", c.NumTrees)
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be positive, got %s", c.HTTPTimeout)
	}
	return nil
}
