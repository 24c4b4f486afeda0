package models

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// ModelType represents the type of ML model
type ModelType string

const (
	ModelTypeDecisionTree ModelType = "decision_tree"
	ModelTypeRandomForest ModelType = "random_forest"
)

// TrainingConfig holds configuration for model training
type TrainingConfig struct {
	ModelType       ModelType `json:"model_type" yaml:"model_type"`
	TestSplit       float64   `json:"test_split" yaml:"test_split"` // e.g., 0.2 for 80% training, 20% testing
	RandomSeed      int64     `json:"random_seed" yaml:"random_seed"`
	NumTrees        int       `json:"num_trees" yaml:"num_trees"`
	MaxDepth        int       `json:"max_depth" yaml:"max_depth"`
	MinSamplesSplit int       `json:"min_samples_split" yaml:"min_samples_split"`
	MinSamplesLeaf  int       `json:"min_samples_leaf" yaml:"min_samples_leaf"`
	Stratify        bool      `json:"stratify" yaml:"stratify"`
}

// DefaultTrainingConfig returns the configuration used when nothing is overridden
func DefaultTrainingConfig() *TrainingConfig {
	return &TrainingConfig{
		ModelType:       ModelTypeRandomForest,
		TestSplit:       0.2,
		RandomSeed:      42,
		NumTrees:        100,
		MaxDepth:        10,
		MinSamplesSplit: 2,
		MinSamplesLeaf:  1,
		Stratify:        true,
	}
}

// Validate checks if the TrainingConfig is valid
func (c *TrainingConfig) Validate() error {
	if math.IsNaN(c.TestSplit) || c.TestSplit <= 0 || c.TestSplit >= 1 {
		return fmt.Errorf("test_split must be in (0, 1), got %v", c.TestSplit)
	}
	switch c.ModelType {
	case ModelTypeRandomForest:
		if c.NumTrees <= 0 {
			return fmt.Errorf("num_trees must be positive, got %d", c.NumTrees)
		}
	case ModelTypeDecisionTree:
	default:
		return fmt.Errorf("invalid model type: %s", c.ModelType)
	}
	if c.MaxDepth < 0 {
		return fmt.Errorf("max_depth must not be negative, got %d", c.MaxDepth)
	}
	return nil
}

// PerformanceMetrics holds classification metrics computed on a test partition
type PerformanceMetrics struct {
	Accuracy           float64                   `json:"accuracy"`
	MacroPrecision     float64                   `json:"macro_precision"`
	MacroRecall        float64                   `json:"macro_recall"`
	MacroF1            float64                   `json:"macro_f1"`
	Precision          map[string]float64        `json:"precision"`        // Per-class
	Recall             map[string]float64        `json:"recall"`           // Per-class
	F1Score            map[string]float64        `json:"f1_score"`         // Per-class
	Support            map[string]int            `json:"support"`          // Number of samples per class
	ConfusionMatrix    map[string]map[string]int `json:"confusion_matrix"` // Actual -> Predicted -> Count
	Classes            []string                  `json:"classes"`
	TotalSamples       int                       `json:"total_samples"`
	CorrectPredictions int                       `json:"correct_predictions"`
}

// Flatten converts the metrics to tracker metric keys.
// Per-class keys use the class name with non-alphanumerics replaced by '_'.
func (m *PerformanceMetrics) Flatten() map[string]float64 {
	out := map[string]float64{
		"accuracy":        m.Accuracy,
		"macro_precision": m.MacroPrecision,
		"macro_recall":    m.MacroRecall,
		"macro_f1":        m.MacroF1,
	}
	for _, class := range m.Classes {
		key := MetricKey(class)
		out["precision_"+key] = m.Precision[class]
		out["recall_"+key] = m.Recall[class]
		out["f1_"+key] = m.F1Score[class]
		out["support_"+key] = float64(m.Support[class])
	}
	return out
}

// ConfusionRows returns the confusion matrix as dense rows ordered by Classes
func (m *PerformanceMetrics) ConfusionRows() [][]int {
	rows := make([][]int, len(m.Classes))
	for i, actual := range m.Classes {
		rows[i] = make([]int, len(m.Classes))
		for j, predicted := range m.Classes {
			rows[i][j] = m.ConfusionMatrix[actual][predicted]
		}
	}
	return rows
}

// MetricKey sanitizes a string so it is usable as a metric or param key
func MetricKey(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// SortedKeys returns the keys of a metric map in lexical order
func SortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
