package training

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"

	"github.com/mimir-aip/labelnoise/pkg/models"
)

// RandomForestClassifier implements a Random Forest ensemble model.
// Trees are grown one after another from a single seeded source, so the same
// seed and data always produce the same forest.
type RandomForestClassifier struct {
	Trees           []*DecisionTreeClassifier `json:"trees"`
	NumTrees        int                       `json:"num_trees"`
	MaxDepth        int                       `json:"max_depth"`
	MinSamplesSplit int                       `json:"min_samples_split"`
	MinSamplesLeaf  int                       `json:"min_samples_leaf"`
	MaxFeatures     int                       `json:"max_features"` // Number of features to consider per split
	Bootstrap       bool                      `json:"bootstrap"`    // Use bootstrap sampling
	OOBScore        float64                   `json:"oob_score"`    // Out-of-bag accuracy
	FeatureNames    []string                  `json:"feature_names"`
	ClassLabels     []string                  `json:"classes"`
	NumFeatures     int                       `json:"num_features"`
	RandomSeed      int64                     `json:"random_seed"`
}

// NewRandomForestClassifier creates a new Random Forest classifier
func NewRandomForestClassifier(numTrees, maxDepth, minSamplesSplit, minSamplesLeaf int, seed int64) *RandomForestClassifier {
	if numTrees <= 0 {
		numTrees = 100 // Default
	}
	if maxDepth <= 0 {
		maxDepth = 10 // Default
	}
	if minSamplesSplit <= 0 {
		minSamplesSplit = 2 // Default
	}
	if minSamplesLeaf <= 0 {
		minSamplesLeaf = 1 // Default
	}

	return &RandomForestClassifier{
		NumTrees:        numTrees,
		MaxDepth:        maxDepth,
		MinSamplesSplit: minSamplesSplit,
		MinSamplesLeaf:  minSamplesLeaf,
		Bootstrap:       true,
		RandomSeed:      seed,
	}
}

// Type returns the model type
func (rf *RandomForestClassifier) Type() models.ModelType {
	return models.ModelTypeRandomForest
}

// Classes returns the class labels seen during training
func (rf *RandomForestClassifier) Classes() []string {
	return rf.ClassLabels
}

// Train builds the random forest from training data
func (rf *RandomForestClassifier) Train(X [][]float64, y []string, featureNames []string) error {
	if err := checkTrainingInput(X, y, featureNames); err != nil {
		return err
	}

	rf.FeatureNames = append([]string(nil), featureNames...)
	rf.NumFeatures = len(X[0])
	rf.ClassLabels = uniqueStrings(y)

	// Set max features for random feature selection (sqrt of total features)
	rf.MaxFeatures = int(math.Sqrt(float64(rf.NumFeatures)))
	if rf.MaxFeatures < 1 {
		rf.MaxFeatures = 1
	}

	rng := rand.New(rand.NewSource(rf.RandomSeed))
	rf.Trees = make([]*DecisionTreeClassifier, rf.NumTrees)
	inBag := make([][]bool, rf.NumTrees)

	for t := 0; t < rf.NumTrees; t++ {
		treeRng := rand.New(rand.NewSource(rng.Int63()))

		bootX, bootY, used := rf.bootstrapSample(treeRng, X, y)
		inBag[t] = used

		tree := NewDecisionTreeClassifier(rf.MaxDepth, rf.MinSamplesSplit, rf.MinSamplesLeaf).
			WithFeatureSampling(rf.MaxFeatures, treeRng)
		if err := tree.Train(bootX, bootY, rf.FeatureNames); err != nil {
			return fmt.Errorf("tree %d training failed: %w", t, err)
		}
		rf.Trees[t] = tree
	}

	rf.OOBScore = rf.calculateOOBScore(X, y, inBag)
	return nil
}

// bootstrapSample creates a bootstrap sample (with replacement) and marks the rows it used
func (rf *RandomForestClassifier) bootstrapSample(rng *rand.Rand, X [][]float64, y []string) ([][]float64, []string, []bool) {
	n := len(X)
	used := make([]bool, n)
	if !rf.Bootstrap {
		for i := range used {
			used[i] = true
		}
		return X, y, used
	}

	bootX := make([][]float64, n)
	bootY := make([]string, n)
	for i := 0; i < n; i++ {
		idx := rng.Intn(n)
		bootX[i] = X[idx]
		bootY[i] = y[idx]
		used[idx] = true
	}
	return bootX, bootY, used
}

// votes tallies the tree predictions for one sample
func (rf *RandomForestClassifier) votes(x []float64, include func(tree int) bool) (map[string]int, int) {
	votes := make(map[string]int)
	cast := 0
	for i, tree := range rf.Trees {
		if tree == nil || (include != nil && !include(i)) {
			continue
		}
		predicted, _, err := tree.Predict(x)
		if err != nil {
			continue
		}
		votes[predicted]++
		cast++
	}
	return votes, cast
}

// Predict predicts the class for a single sample by majority vote.
// Ties go to the lexically smallest class.
func (rf *RandomForestClassifier) Predict(x []float64) (string, float64, error) {
	if len(rf.Trees) == 0 {
		return "", 0.0, fmt.Errorf("model not trained")
	}
	if len(x) != rf.NumFeatures {
		return "", 0.0, fmt.Errorf("expected %d features, got %d", rf.NumFeatures, len(x))
	}

	votes, cast := rf.votes(x, nil)
	if cast == 0 {
		return "", 0.0, fmt.Errorf("no valid predictions from trees")
	}

	majorityClass, maxVotes := getMajorityClass(votes)
	return majorityClass, float64(maxVotes) / float64(cast), nil
}

// PredictBatch predicts every row of X
func (rf *RandomForestClassifier) PredictBatch(X [][]float64) ([]string, error) {
	out := make([]string, len(X))
	for i, x := range X {
		pred, _, err := rf.Predict(x)
		if err != nil {
			return nil, fmt.Errorf("prediction failed at index %d: %w", i, err)
		}
		out[i] = pred
	}
	return out, nil
}

// PredictProba predicts class probabilities for a single sample
func (rf *RandomForestClassifier) PredictProba(x []float64) (map[string]float64, error) {
	if len(rf.Trees) == 0 {
		return nil, fmt.Errorf("model not trained")
	}
	if len(x) != rf.NumFeatures {
		return nil, fmt.Errorf("expected %d features, got %d", rf.NumFeatures, len(x))
	}

	votes, cast := rf.votes(x, nil)
	if cast == 0 {
		return nil, fmt.Errorf("no valid predictions from trees")
	}

	proba := make(map[string]float64, len(rf.ClassLabels))
	for _, class := range rf.ClassLabels {
		proba[class] = float64(votes[class]) / float64(cast)
	}
	return proba, nil
}

// calculateOOBScore scores every training row using only the trees that did not see it
func (rf *RandomForestClassifier) calculateOOBScore(X [][]float64, y []string, inBag [][]bool) float64 {
	correct := 0
	total := 0

	for i := range X {
		votes, cast := rf.votes(X[i], func(tree int) bool { return !inBag[tree][i] })
		if cast == 0 {
			continue
		}
		predicted, _ := getMajorityClass(votes)
		if predicted == y[i] {
			correct++
		}
		total++
	}

	if total == 0 {
		return 0.0
	}
	return float64(correct) / float64(total)
}

// FeatureImportance averages the normalized importance across all trees
func (rf *RandomForestClassifier) FeatureImportance() map[string]float64 {
	importance := make(map[string]float64, len(rf.FeatureNames))
	for _, name := range rf.FeatureNames {
		importance[name] = 0.0
	}
	if len(rf.Trees) == 0 {
		return importance
	}

	for _, tree := range rf.Trees {
		if tree == nil {
			continue
		}
		for name, val := range tree.FeatureImportance() {
			importance[name] += val
		}
	}
	for name := range importance {
		importance[name] /= float64(len(rf.Trees))
	}
	return importance
}

// Save writes the forest as JSON
func (rf *RandomForestClassifier) Save(w io.Writer) error {
	enc := json.NewEncoder(w)
	if err := enc.Encode(rf); err != nil {
		return fmt.Errorf("failed to marshal model: %w", err)
	}
	return nil
}

// LoadRandomForest reads a forest written by Save and validates it
func LoadRandomForest(r io.Reader) (*RandomForestClassifier, error) {
	var rf RandomForestClassifier
	if err := json.NewDecoder(r).Decode(&rf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal model: %w", err)
	}
	if err := rf.Validate(); err != nil {
		return nil, fmt.Errorf("loaded model is invalid: %w", err)
	}
	return &rf, nil
}

// GetModelInfo returns summary information about the random forest
func (rf *RandomForestClassifier) GetModelInfo() map[string]interface{} {
	avgDepth := 0
	totalNodes := 0

	for _, tree := range rf.Trees {
		if tree != nil {
			avgDepth += tree.GetDepth()
			totalNodes += tree.GetNumNodes()
		}
	}

	if len(rf.Trees) > 0 {
		avgDepth /= len(rf.Trees)
		totalNodes /= len(rf.Trees)
	}

	return map[string]interface{}{
		"algorithm":          "random_forest",
		"num_trees":          rf.NumTrees,
		"num_features":       rf.NumFeatures,
		"num_classes":        len(rf.ClassLabels),
		"max_depth":          rf.MaxDepth,
		"avg_tree_depth":     avgDepth,
		"avg_nodes_per_tree": totalNodes,
		"max_features":       rf.MaxFeatures,
		"bootstrap":          rf.Bootstrap,
		"oob_score":          rf.OOBScore,
		"random_seed":        rf.RandomSeed,
		"feature_names":      rf.FeatureNames,
		"classes":            rf.ClassLabels,
	}
}

// Validate checks if the model is valid and ready for predictions
func (rf *RandomForestClassifier) Validate() error {
	if len(rf.Trees) == 0 {
		return fmt.Errorf("model has no trees")
	}
	if len(rf.FeatureNames) == 0 {
		return fmt.Errorf("model has no feature names")
	}
	if len(rf.ClassLabels) == 0 {
		return fmt.Errorf("model has no classes")
	}
	if rf.NumFeatures != len(rf.FeatureNames) {
		return fmt.Errorf("num_features mismatch")
	}

	validTrees := 0
	for _, tree := range rf.Trees {
		if tree != nil && tree.Root != nil {
			validTrees++
		}
	}
	if validTrees == 0 {
		return fmt.Errorf("no valid trees in forest")
	}
	return nil
}
