// Package noise poisons a clean dataset by corrupting a fraction of its rows.
package noise

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/mimir-aip/labelnoise/pkg/dataset"
	"github.com/mimir-aip/labelnoise/pkg/models"
)

// rateTolerance absorbs float error in r*N so that e.g. 0.1*150 selects 15 rows, not 16.
const rateTolerance = 1e-9

// Report describes what an injection pass changed
type Report struct {
	Rate            float64 `json:"rate"`
	Rows            int     `json:"rows"`
	Selected        []int   `json:"selected"` // Sorted row indices picked for corruption
	LabelsChanged   int     `json:"labels_changed"`
	FeaturesChanged int     `json:"features_changed"` // Rows whose feature vector differs from the original
}

// Count returns ⌈rate·n⌉
func Count(rate float64, n int) int {
	if n <= 0 || rate <= 0 {
		return 0
	}
	k := int(math.Ceil(rate*float64(n) - rateTolerance))
	if k > n {
		k = n
	}
	return k
}

// Inject returns a poisoned copy of ds. The input is never mutated.
// Label and feature noise are applied to the same selected rows.
func Inject(ds *dataset.Dataset, cfg models.NoiseConfig) (*dataset.Dataset, *Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if err := ds.Validate(); err != nil {
		return nil, nil, err
	}

	noisy := ds.Clone()
	n := ds.Len()
	k := Count(cfg.Rate, n)

	rng := rand.New(rand.NewSource(cfg.Seed))
	selected := append([]int(nil), rng.Perm(n)[:k]...)
	sort.Ints(selected)

	report := &Report{
		Rate:     cfg.Rate,
		Rows:     n,
		Selected: selected,
	}
	if k == 0 {
		return noisy, report, nil
	}

	classes := ds.Classes()
	bounds := ds.Bounds()

	for _, i := range selected {
		if cfg.Label {
			noisy.Labels[i] = flipLabel(rng, classes, ds.Labels[i])
			if noisy.Labels[i] != ds.Labels[i] {
				report.LabelsChanged++
			}
		}
		if cfg.Feature {
			switch cfg.Mode() {
			case models.FeatureNoiseGaussian:
				jitter(rng, noisy.Features[i], cfg.JitterStd)
			default:
				resample(rng, noisy.Features[i], bounds)
			}
			if !equalRow(noisy.Features[i], ds.Features[i]) {
				report.FeaturesChanged++
			}
		}
	}

	return noisy, report, nil
}

// flipLabel draws uniformly from the classes other than current.
// With a single class there is nothing to flip to.
func flipLabel(rng *rand.Rand, classes []string, current string) string {
	others := make([]string, 0, len(classes))
	for _, c := range classes {
		if c != current {
			others = append(others, c)
		}
	}
	if len(others) == 0 {
		return current
	}
	return others[rng.Intn(len(others))]
}

func resample(rng *rand.Rand, row []float64, bounds []dataset.Bound) {
	for j := range row {
		b := bounds[j]
		row[j] = b.Min + rng.Float64()*(b.Max-b.Min)
	}
}

func jitter(rng *rand.Rand, row []float64, std float64) {
	for j := range row {
		row[j] += rng.NormFloat64() * std
	}
}

func equalRow(a, b []float64) bool {
	for j := range a {
		if a[j] != b[j] {
			return false
		}
	}
	return true
}

// String summarizes the report for log lines
func (r *Report) String() string {
	return fmt.Sprintf("rate=%g rows=%d selected=%d labels_changed=%d features_changed=%d",
		r.Rate, r.Rows, len(r.Selected), r.LabelsChanged, r.FeaturesChanged)
}

// SelectedIn counts how many selected rows fall in indices
func (r *Report) SelectedIn(indices []int) int {
	set := make(map[int]struct{}, len(r.Selected))
	for _, i := range r.Selected {
		set[i] = struct{}{}
	}
	count := 0
	for _, i := range indices {
		if _, ok := set[i]; ok {
			count++
		}
	}
	return count
}
