package dataset

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// SplitIndices holds the row indices of a train/test partition
type SplitIndices struct {
	Train []int `json:"train"`
	Test  []int `json:"test"`
}

// Split partitions row indices into train and test sets. The result depends
// only on the dataset labels, ratio, seed and stratify flag.
func (d *Dataset) Split(testRatio float64, seed int64, stratify bool) (*SplitIndices, error) {
	if math.IsNaN(testRatio) || testRatio <= 0 || testRatio >= 1 {
		return nil, fmt.Errorf("test ratio must be in (0, 1), got %v", testRatio)
	}
	n := d.Len()
	if n < 2 {
		return nil, fmt.Errorf("need at least 2 rows to split, got %d", n)
	}

	rng := rand.New(rand.NewSource(seed))
	split := &SplitIndices{}

	if !stratify {
		perm := rng.Perm(n)
		nTest := clampTest(int(math.Round(float64(n)*testRatio)), n)
		split.Test = append(split.Test, perm[:nTest]...)
		split.Train = append(split.Train, perm[nTest:]...)
	} else {
		byClass := make(map[string][]int)
		for i, label := range d.Labels {
			byClass[label] = append(byClass[label], i)
		}
		for _, class := range d.Classes() {
			idx := byClass[class]
			rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
			nTest := int(math.Round(float64(len(idx)) * testRatio))
			if nTest >= len(idx) {
				nTest = len(idx) - 1
			}
			split.Test = append(split.Test, idx[:nTest]...)
			split.Train = append(split.Train, idx[nTest:]...)
		}
		if len(split.Test) == 0 {
			return nil, fmt.Errorf("test ratio %v leaves no test rows for %d rows", testRatio, n)
		}
	}

	sort.Ints(split.Train)
	sort.Ints(split.Test)
	return split, nil
}

// Apply materializes the partitions of ds
func (s *SplitIndices) Apply(ds *Dataset) (train, test *Dataset) {
	return ds.Subset(s.Train), ds.Subset(s.Test)
}

// TestRatio returns the realized fraction of test rows
func (s *SplitIndices) TestRatio() float64 {
	total := len(s.Train) + len(s.Test)
	if total == 0 {
		return 0
	}
	return float64(len(s.Test)) / float64(total)
}

func clampTest(nTest, n int) int {
	if nTest < 1 {
		return 1
	}
	if nTest > n-1 {
		return n - 1
	}
	return nTest
}
