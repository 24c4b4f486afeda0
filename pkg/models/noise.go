package models

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidNoiseRate is returned when a noise rate falls outside [0, 1]
var ErrInvalidNoiseRate = errors.New("noise rate must be within [0, 1]")

// FeatureNoiseMode selects how corrupted rows get their feature values
type FeatureNoiseMode string

const (
	// FeatureNoiseUniform replaces each feature with a draw from the column's observed range
	FeatureNoiseUniform FeatureNoiseMode = "uniform"
	// FeatureNoiseGaussian adds zero-mean gaussian jitter to each feature
	FeatureNoiseGaussian FeatureNoiseMode = "gaussian"
)

// NoiseConfig describes how a dataset is poisoned
type NoiseConfig struct {
	Rate        float64          `json:"rate" yaml:"rate"`
	Label       bool             `json:"label" yaml:"label"`
	Feature     bool             `json:"feature" yaml:"feature"`
	FeatureMode FeatureNoiseMode `json:"feature_mode" yaml:"feature_mode"`
	JitterStd   float64          `json:"jitter_std" yaml:"jitter_std"` // Only used by FeatureNoiseGaussian
	Seed        int64            `json:"seed" yaml:"seed"`
}

// Validate checks if the NoiseConfig is valid
func (c *NoiseConfig) Validate() error {
	if math.IsNaN(c.Rate) || c.Rate < 0 || c.Rate > 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidNoiseRate, c.Rate)
	}
	if !c.Feature {
		return nil
	}
	switch c.FeatureMode {
	case "", FeatureNoiseUniform:
	case FeatureNoiseGaussian:
		if math.IsNaN(c.JitterStd) || c.JitterStd < 0 {
			return fmt.Errorf("jitter_std must not be negative, got %v", c.JitterStd)
		}
	default:
		return fmt.Errorf("invalid feature noise mode: %s", c.FeatureMode)
	}
	return nil
}

// Mode returns the effective feature noise mode
func (c *NoiseConfig) Mode() FeatureNoiseMode {
	if c.FeatureMode == "" {
		return FeatureNoiseUniform
	}
	return c.FeatureMode
}

// RunName returns the tracker run name for a model trained with this config
func (c *NoiseConfig) RunName() string {
	return fmt.Sprintf("noisy_%g", c.Rate)
}

// SweepPoint aggregates repeated clean-vs-noisy trials at one noise rate
type SweepPoint struct {
	Rate              float64 `json:"rate"`
	Trials            int     `json:"trials"`
	MeanCleanAccuracy float64 `json:"mean_clean_accuracy"`
	MeanNoisyAccuracy float64 `json:"mean_noisy_accuracy"`
	StdNoisyAccuracy  float64 `json:"std_noisy_accuracy"`
	MeanNoisyMacroF1  float64 `json:"mean_noisy_macro_f1"`
}
