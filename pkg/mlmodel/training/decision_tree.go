package training

import (
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"sort"

	"github.com/mimir-aip/labelnoise/pkg/models"
)

// DecisionTreeNode represents a node in the decision tree
type DecisionTreeNode struct {
	IsLeaf       bool              `json:"is_leaf"`
	Class        string            `json:"class,omitempty"`        // Majority class at this node
	ClassCounts  map[string]int    `json:"class_counts,omitempty"` // Distribution at this node
	Confidence   float64           `json:"confidence"`             // Share of the majority class
	FeatureIndex int               `json:"feature_index"`          // Index of feature to split on
	Threshold    float64           `json:"threshold"`              // Split threshold
	Gain         float64           `json:"gain,omitempty"`         // Weighted impurity decrease of the split
	Left         *DecisionTreeNode `json:"left,omitempty"`         // Left child (<=)
	Right        *DecisionTreeNode `json:"right,omitempty"`        // Right child (>)
	SamplesCount int               `json:"samples_count"`
	Depth        int               `json:"depth"`
}

// DecisionTreeClassifier implements a Gini decision tree
type DecisionTreeClassifier struct {
	Root            *DecisionTreeNode `json:"root"`
	MaxDepth        int               `json:"max_depth"`
	MinSamplesSplit int               `json:"min_samples_split"`
	MinSamplesLeaf  int               `json:"min_samples_leaf"`
	MaxFeatures     int               `json:"max_features"` // Features considered per split; 0 means all
	FeatureNames    []string          `json:"feature_names"`
	ClassLabels     []string          `json:"classes"`
	NumFeatures     int               `json:"num_features"`

	rng *rand.Rand
}

// NewDecisionTreeClassifier creates a new decision tree classifier with default hyperparameters
func NewDecisionTreeClassifier(maxDepth, minSamplesSplit, minSamplesLeaf int) *DecisionTreeClassifier {
	if maxDepth <= 0 {
		maxDepth = 10 // Default
	}
	if minSamplesSplit <= 0 {
		minSamplesSplit = 2 // Default
	}
	if minSamplesLeaf <= 0 {
		minSamplesLeaf = 1 // Default
	}

	return &DecisionTreeClassifier{
		MaxDepth:        maxDepth,
		MinSamplesSplit: minSamplesSplit,
		MinSamplesLeaf:  minSamplesLeaf,
	}
}

// WithFeatureSampling makes every split consider only maxFeatures randomly
// chosen features, drawn from rng.
func (dt *DecisionTreeClassifier) WithFeatureSampling(maxFeatures int, rng *rand.Rand) *DecisionTreeClassifier {
	dt.MaxFeatures = maxFeatures
	dt.rng = rng
	return dt
}

// Type returns the model type
func (dt *DecisionTreeClassifier) Type() models.ModelType {
	return models.ModelTypeDecisionTree
}

// Classes returns the class labels seen during training
func (dt *DecisionTreeClassifier) Classes() []string {
	return dt.ClassLabels
}

// Train builds the decision tree from training data
// X: feature matrix (rows = samples, cols = features)
// y: target labels (one per sample)
func (dt *DecisionTreeClassifier) Train(X [][]float64, y []string, featureNames []string) error {
	if err := checkTrainingInput(X, y, featureNames); err != nil {
		return err
	}

	dt.FeatureNames = append([]string(nil), featureNames...)
	dt.NumFeatures = len(X[0])
	dt.ClassLabels = uniqueStrings(y)

	indices := make([]int, len(X))
	for i := range indices {
		indices[i] = i
	}

	dt.Root = dt.buildTree(X, y, indices, 0)
	return nil
}

// buildTree recursively builds the decision tree
func (dt *DecisionTreeClassifier) buildTree(X [][]float64, y []string, indices []int, depth int) *DecisionTreeNode {
	node := &DecisionTreeNode{
		SamplesCount: len(indices),
		Depth:        depth,
	}

	classCounts := make(map[string]int)
	for _, idx := range indices {
		classCounts[y[idx]]++
	}
	node.ClassCounts = classCounts

	majorityClass, majorityCount := getMajorityClass(classCounts)
	node.Class = majorityClass
	node.Confidence = float64(majorityCount) / float64(len(indices))

	// Check stopping criteria
	if depth >= dt.MaxDepth || len(indices) < dt.MinSamplesSplit || len(classCounts) == 1 {
		node.IsLeaf = true
		return node
	}

	bestFeature, bestThreshold, bestGain := dt.findBestSplit(X, y, indices)
	if bestFeature < 0 || bestGain <= 0 {
		node.IsLeaf = true
		return node
	}

	leftIndices, rightIndices := splitIndices(X, indices, bestFeature, bestThreshold)
	if len(leftIndices) < dt.MinSamplesLeaf || len(rightIndices) < dt.MinSamplesLeaf {
		node.IsLeaf = true
		return node
	}

	node.FeatureIndex = bestFeature
	node.Threshold = bestThreshold
	node.Gain = bestGain * float64(len(indices))
	node.Left = dt.buildTree(X, y, leftIndices, depth+1)
	node.Right = dt.buildTree(X, y, rightIndices, depth+1)

	return node
}

// candidateFeatures returns the feature indices a split may use
func (dt *DecisionTreeClassifier) candidateFeatures() []int {
	features := make([]int, dt.NumFeatures)
	for i := range features {
		features[i] = i
	}
	if dt.rng == nil || dt.MaxFeatures <= 0 || dt.MaxFeatures >= dt.NumFeatures {
		return features
	}

	dt.rng.Shuffle(len(features), func(i, j int) {
		features[i], features[j] = features[j], features[i]
	})
	features = features[:dt.MaxFeatures]
	sort.Ints(features)
	return features
}

// findBestSplit finds the best feature and threshold to split on.
// It returns feature -1 when no split separates the samples.
func (dt *DecisionTreeClassifier) findBestSplit(X [][]float64, y []string, indices []int) (int, float64, float64) {
	bestGain := 0.0
	bestFeature := -1
	bestThreshold := 0.0

	parentCounts := make(map[string]int)
	for _, idx := range indices {
		parentCounts[y[idx]]++
	}
	n := float64(len(indices))
	parentGini := giniFromCounts(parentCounts, len(indices))

	sorted := make([]int, len(indices))
	for _, feature := range dt.candidateFeatures() {
		copy(sorted, indices)
		sort.SliceStable(sorted, func(a, b int) bool {
			return X[sorted[a]][feature] < X[sorted[b]][feature]
		})

		// Sweep thresholds left to right, moving one sample at a time.
		leftCounts := make(map[string]int)
		rightCounts := make(map[string]int, len(parentCounts))
		for k, v := range parentCounts {
			rightCounts[k] = v
		}

		for i := 0; i < len(sorted)-1; i++ {
			label := y[sorted[i]]
			leftCounts[label]++
			rightCounts[label]--

			current := X[sorted[i]][feature]
			next := X[sorted[i+1]][feature]
			if current == next {
				continue
			}

			nLeft := i + 1
			nRight := len(sorted) - nLeft
			weighted := (float64(nLeft)/n)*giniFromCounts(leftCounts, nLeft) +
				(float64(nRight)/n)*giniFromCounts(rightCounts, nRight)
			gain := parentGini - weighted

			if gain > bestGain+1e-12 {
				bestGain = gain
				bestFeature = feature
				bestThreshold = (current + next) / 2
			}
		}
	}

	return bestFeature, bestThreshold, bestGain
}

// giniFromCounts calculates the Gini impurity of a class distribution
func giniFromCounts(counts map[string]int, total int) float64 {
	if total == 0 {
		return 0.0
	}
	gini := 1.0
	for _, count := range counts {
		p := float64(count) / float64(total)
		gini -= p * p
	}
	return gini
}

// splitIndices splits indices based on feature and threshold
func splitIndices(X [][]float64, indices []int, feature int, threshold float64) ([]int, []int) {
	var leftIndices, rightIndices []int
	for _, idx := range indices {
		if X[idx][feature] <= threshold {
			leftIndices = append(leftIndices, idx)
		} else {
			rightIndices = append(rightIndices, idx)
		}
	}
	return leftIndices, rightIndices
}

// Predict predicts the class for a single sample along with the leaf confidence
func (dt *DecisionTreeClassifier) Predict(x []float64) (string, float64, error) {
	if dt.Root == nil {
		return "", 0.0, fmt.Errorf("model not trained")
	}
	if len(x) != dt.NumFeatures {
		return "", 0.0, fmt.Errorf("expected %d features, got %d", dt.NumFeatures, len(x))
	}

	leaf := dt.traverseToLeaf(dt.Root, x)
	return leaf.Class, leaf.Confidence, nil
}

// PredictProba predicts class probabilities for a single sample
func (dt *DecisionTreeClassifier) PredictProba(x []float64) (map[string]float64, error) {
	if dt.Root == nil {
		return nil, fmt.Errorf("model not trained")
	}
	if len(x) != dt.NumFeatures {
		return nil, fmt.Errorf("expected %d features, got %d", dt.NumFeatures, len(x))
	}

	leaf := dt.traverseToLeaf(dt.Root, x)
	proba := make(map[string]float64, len(dt.ClassLabels))
	for _, class := range dt.ClassLabels {
		proba[class] = float64(leaf.ClassCounts[class]) / float64(leaf.SamplesCount)
	}
	return proba, nil
}

// traverseToLeaf traverses to the leaf node
func (dt *DecisionTreeClassifier) traverseToLeaf(node *DecisionTreeNode, x []float64) *DecisionTreeNode {
	for !node.IsLeaf {
		if x[node.FeatureIndex] <= node.Threshold {
			node = node.Left
		} else {
			node = node.Right
		}
	}
	return node
}

// FeatureImportance returns the normalized impurity decrease per feature
func (dt *DecisionTreeClassifier) FeatureImportance() map[string]float64 {
	raw := make([]float64, dt.NumFeatures)
	dt.accumulateImportance(dt.Root, raw)

	total := 0.0
	for _, v := range raw {
		total += v
	}

	importance := make(map[string]float64, len(dt.FeatureNames))
	for i, name := range dt.FeatureNames {
		if total > 0 {
			importance[name] = raw[i] / total
		} else {
			importance[name] = 0
		}
	}
	return importance
}

func (dt *DecisionTreeClassifier) accumulateImportance(node *DecisionTreeNode, raw []float64) {
	if node == nil || node.IsLeaf {
		return
	}
	raw[node.FeatureIndex] += node.Gain
	dt.accumulateImportance(node.Left, raw)
	dt.accumulateImportance(node.Right, raw)
}

// GetDepth returns the depth of the deepest leaf
func (dt *DecisionTreeClassifier) GetDepth() int {
	return nodeDepth(dt.Root)
}

func nodeDepth(node *DecisionTreeNode) int {
	if node == nil || node.IsLeaf {
		return 0
	}
	left := nodeDepth(node.Left)
	right := nodeDepth(node.Right)
	if left > right {
		return left + 1
	}
	return right + 1
}

// GetNumNodes returns the number of nodes in the tree
func (dt *DecisionTreeClassifier) GetNumNodes() int {
	return countNodes(dt.Root)
}

func countNodes(node *DecisionTreeNode) int {
	if node == nil {
		return 0
	}
	return 1 + countNodes(node.Left) + countNodes(node.Right)
}

// Validate checks if the model is valid and ready for predictions
func (dt *DecisionTreeClassifier) Validate() error {
	if dt.Root == nil {
		return fmt.Errorf("model not trained")
	}
	if dt.NumFeatures != len(dt.FeatureNames) {
		return fmt.Errorf("num_features mismatch")
	}
	if len(dt.ClassLabels) == 0 {
		return fmt.Errorf("model has no classes")
	}
	return nil
}

func checkTrainingInput(X [][]float64, y []string, featureNames []string) error {
	if len(X) == 0 {
		return fmt.Errorf("empty training data")
	}
	if len(X) != len(y) {
		return fmt.Errorf("X and y must have same number of samples")
	}
	if len(featureNames) != len(X[0]) {
		return fmt.Errorf("feature names must match number of features")
	}
	return nil
}

// getMajorityClass returns the most frequent class; ties go to the lexically smallest
func getMajorityClass(classCounts map[string]int) (string, int) {
	majority := ""
	maxCount := -1
	for class, count := range classCounts {
		if count > maxCount || (count == maxCount && class < majority) {
			majority = class
			maxCount = count
		}
	}
	return majority, maxCount
}

// uniqueStrings returns the distinct values in lexical order
func uniqueStrings(strs []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, s := range strs {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// Save writes the tree as JSON
func (dt *DecisionTreeClassifier) Save(w io.Writer) error {
	if err := json.NewEncoder(w).Encode(dt); err != nil {
		return fmt.Errorf("failed to marshal model: %w", err)
	}
	return nil
}

// LoadDecisionTree reads a tree written by Save and validates it
func LoadDecisionTree(r io.Reader) (*DecisionTreeClassifier, error) {
	var dt DecisionTreeClassifier
	if err := json.NewDecoder(r).Decode(&dt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal model: %w", err)
	}
	if err := dt.Validate(); err != nil {
		return nil, fmt.Errorf("loaded model is invalid: %w", err)
	}
	return &dt, nil
}
