package training

import (
	"fmt"
	"io"
	"time"

	"github.com/mimir-aip/labelnoise/pkg/dataset"
	"github.com/mimir-aip/labelnoise/pkg/models"
)

// Classifier is a trained model that labels feature vectors
type Classifier interface {
	Predict(x []float64) (string, float64, error)
	Classes() []string
	FeatureImportance() map[string]float64
	Type() models.ModelType
	Save(w io.Writer) error
}

// Trainer interface defines the contract for ML model training
type Trainer interface {
	// Train fits a model on the training rows and scores it on the test rows
	Train(data *TrainingData, config *models.TrainingConfig) (*TrainingResult, error)

	// Type returns the model type this trainer handles
	Type() models.ModelType
}

// TrainingData holds the data for training and validation
type TrainingData struct {
	TrainFeatures [][]float64 // Training features (rows x features)
	TrainLabels   []string    // Training labels
	TestFeatures  [][]float64 // Test features
	TestLabels    []string    // Test labels
	FeatureNames  []string    // Names of features
}

// NewTrainingData builds TrainingData from two partitions
func NewTrainingData(train, test *dataset.Dataset) *TrainingData {
	return &TrainingData{
		TrainFeatures: train.Features,
		TrainLabels:   train.Labels,
		TestFeatures:  test.Features,
		TestLabels:    test.Labels,
		FeatureNames:  train.FeatureNames,
	}
}

// TrainingResult holds the results of model training
type TrainingResult struct {
	Model             Classifier
	Metrics           *models.PerformanceMetrics // Performance on the test rows
	TrainAccuracy     float64
	FeatureImportance map[string]float64
	Duration          time.Duration
}

// TrainerFactory creates trainers for different model types
type TrainerFactory struct {
	trainers map[models.ModelType]Trainer
}

// NewTrainerFactory creates a new trainer factory
func NewTrainerFactory() *TrainerFactory {
	factory := &TrainerFactory{
		trainers: make(map[models.ModelType]Trainer),
	}

	factory.trainers[models.ModelTypeDecisionTree] = &DecisionTreeTrainer{}
	factory.trainers[models.ModelTypeRandomForest] = &RandomForestTrainer{}

	return factory
}

// GetTrainer returns the appropriate trainer for a model type
func (f *TrainerFactory) GetTrainer(modelType models.ModelType) (Trainer, error) {
	trainer, ok := f.trainers[modelType]
	if !ok {
		return nil, fmt.Errorf("no trainer available for model type: %s", modelType)
	}
	return trainer, nil
}

// RandomForestTrainer trains RandomForestClassifier models
type RandomForestTrainer struct{}

// Type returns the model type
func (t *RandomForestTrainer) Type() models.ModelType {
	return models.ModelTypeRandomForest
}

// Train trains a random forest model
func (t *RandomForestTrainer) Train(data *TrainingData, config *models.TrainingConfig) (*TrainingResult, error) {
	if config == nil {
		config = models.DefaultTrainingConfig()
	}
	rf := NewRandomForestClassifier(config.NumTrees, config.MaxDepth, config.MinSamplesSplit, config.MinSamplesLeaf, config.RandomSeed)
	return fitAndScore(rf, func() error {
		return rf.Train(data.TrainFeatures, data.TrainLabels, data.FeatureNames)
	}, data)
}

// DecisionTreeTrainer trains a single DecisionTreeClassifier
type DecisionTreeTrainer struct{}

// Type returns the model type
func (t *DecisionTreeTrainer) Type() models.ModelType {
	return models.ModelTypeDecisionTree
}

// Train trains a decision tree model
func (t *DecisionTreeTrainer) Train(data *TrainingData, config *models.TrainingConfig) (*TrainingResult, error) {
	if config == nil {
		config = models.DefaultTrainingConfig()
	}
	dt := NewDecisionTreeClassifier(config.MaxDepth, config.MinSamplesSplit, config.MinSamplesLeaf)
	return fitAndScore(dt, func() error {
		return dt.Train(data.TrainFeatures, data.TrainLabels, data.FeatureNames)
	}, data)
}

func fitAndScore(model Classifier, fit func() error, data *TrainingData) (*TrainingResult, error) {
	start := time.Now()
	if err := fit(); err != nil {
		return nil, err
	}
	duration := time.Since(start)

	trainMetrics, err := Evaluate(model, data.TrainFeatures, data.TrainLabels)
	if err != nil {
		return nil, fmt.Errorf("failed to score training data: %w", err)
	}

	result := &TrainingResult{
		Model:             model,
		TrainAccuracy:     trainMetrics.Accuracy,
		FeatureImportance: model.FeatureImportance(),
		Duration:          duration,
	}

	if len(data.TestFeatures) > 0 {
		result.Metrics, err = Evaluate(model, data.TestFeatures, data.TestLabels)
		if err != nil {
			return nil, fmt.Errorf("failed to score test data: %w", err)
		}
	}
	return result, nil
}

// Load reads a model of the given type written by Classifier.Save
func Load(modelType models.ModelType, r io.Reader) (Classifier, error) {
	switch modelType {
	case models.ModelTypeRandomForest:
		return LoadRandomForest(r)
	case models.ModelTypeDecisionTree:
		return LoadDecisionTree(r)
	default:
		return nil, fmt.Errorf("unsupported model type: %s", modelType)
	}
}
