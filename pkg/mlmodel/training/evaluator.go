package training

import (
	"fmt"

	"github.com/mimir-aip/labelnoise/pkg/models"
)

// Evaluate evaluates a classifier on test data
func Evaluate(classifier Classifier, X [][]float64, yTrue []string) (*models.PerformanceMetrics, error) {
	if len(X) == 0 || len(yTrue) == 0 {
		return nil, fmt.Errorf("empty test data")
	}
	if len(X) != len(yTrue) {
		return nil, fmt.Errorf("X and yTrue must have same length")
	}

	yPred := make([]string, len(X))
	for i, x := range X {
		pred, _, err := classifier.Predict(x)
		if err != nil {
			return nil, fmt.Errorf("prediction failed at index %d: %w", i, err)
		}
		yPred[i] = pred
	}

	classes := uniqueStrings(append(append([]string(nil), classifier.Classes()...), yTrue...))
	return CalculateMetrics(yTrue, yPred, classes)
}

// CalculateMetrics calculates accuracy, per-class precision/recall/F1 and the confusion matrix
func CalculateMetrics(yTrue, yPred []string, classes []string) (*models.PerformanceMetrics, error) {
	if len(yTrue) != len(yPred) {
		return nil, fmt.Errorf("yTrue and yPred must have same length")
	}
	if len(yTrue) == 0 {
		return nil, fmt.Errorf("no samples to evaluate")
	}

	classes = uniqueStrings(append(append(append([]string(nil), classes...), yTrue...), yPred...))
	metrics := &models.PerformanceMetrics{
		Precision:       make(map[string]float64),
		Recall:          make(map[string]float64),
		F1Score:         make(map[string]float64),
		Support:         make(map[string]int),
		ConfusionMatrix: make(map[string]map[string]int),
		Classes:         classes,
		TotalSamples:    len(yTrue),
	}

	// Initialize confusion matrix
	for _, actual := range classes {
		metrics.ConfusionMatrix[actual] = make(map[string]int)
		for _, pred := range classes {
			metrics.ConfusionMatrix[actual][pred] = 0
		}
	}

	// Populate confusion matrix and count support
	for i := range yTrue {
		metrics.ConfusionMatrix[yTrue[i]][yPred[i]]++
		metrics.Support[yTrue[i]]++
		if yTrue[i] == yPred[i] {
			metrics.CorrectPredictions++
		}
	}

	metrics.Accuracy = float64(metrics.CorrectPredictions) / float64(metrics.TotalSamples)

	// Per-class metrics
	for _, class := range classes {
		tp := metrics.ConfusionMatrix[class][class]

		fn, fp := 0, 0
		for _, other := range classes {
			if other == class {
				continue
			}
			fn += metrics.ConfusionMatrix[class][other]
			fp += metrics.ConfusionMatrix[other][class]
		}

		if tp+fp > 0 {
			metrics.Precision[class] = float64(tp) / float64(tp+fp)
		}
		if tp+fn > 0 {
			metrics.Recall[class] = float64(tp) / float64(tp+fn)
		}
		prec, rec := metrics.Precision[class], metrics.Recall[class]
		if prec+rec > 0 {
			metrics.F1Score[class] = 2 * (prec * rec) / (prec + rec)
		}
	}

	// Macro averages
	for _, class := range classes {
		metrics.MacroPrecision += metrics.Precision[class]
		metrics.MacroRecall += metrics.Recall[class]
		metrics.MacroF1 += metrics.F1Score[class]
	}
	numClasses := float64(len(classes))
	metrics.MacroPrecision /= numClasses
	metrics.MacroRecall /= numClasses
	metrics.MacroF1 /= numClasses

	return metrics, nil
}
