package noise

import (
	"errors"
	"testing"

	"github.com/mimir-aip/labelnoise/pkg/dataset"
	"github.com/mimir-aip/labelnoise/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCount(t *testing.T) {
	tests := []struct {
		rate float64
		n    int
		want int
	}{
		{0, 150, 0},
		{0.1, 150, 15},
		{0.05, 150, 8},
		{0.5, 150, 75},
		{1, 150, 150},
		{0.01, 10, 1},
		{0.3, 0, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Count(tt.rate, tt.n), "Count(%v, %d)", tt.rate, tt.n)
	}
}

func TestInjectPreservesShape(t *testing.T) {
	clean := dataset.Iris()
	for _, rate := range []float64{0, 0.05, 0.1, 0.25, 0.5, 0.75, 1} {
		cfg := models.NoiseConfig{Rate: rate, Label: true, Feature: true, Seed: 3}
		noisy, _, err := Inject(clean, cfg)
		require.NoError(t, err)
		assert.Equal(t, clean.Len(), noisy.Len(), "rate %v", rate)
		assert.Equal(t, clean.NumFeatures(), noisy.NumFeatures(), "rate %v", rate)
		require.NoError(t, noisy.Validate())
	}
}

func TestInjectZeroRateIsCopy(t *testing.T) {
	clean := dataset.Iris()
	noisy, report, err := Inject(clean, models.NoiseConfig{Rate: 0, Label: true, Feature: true, Seed: 1})
	require.NoError(t, err)

	assert.True(t, clean.Equal(noisy))
	assert.Empty(t, report.Selected)

	noisy.Labels[0] = "changed"
	assert.Equal(t, "setosa", clean.Labels[0])
}

func TestInjectTenPercentLabels(t *testing.T) {
	clean := dataset.Iris()
	original := clean.Clone()

	noisy, report, err := Inject(clean, models.NoiseConfig{Rate: 0.10, Label: true, Seed: 123})
	require.NoError(t, err)

	assert.Len(t, report.Selected, 15)
	assert.Equal(t, 15, report.LabelsChanged)
	assert.Equal(t, 0, report.FeaturesChanged)

	changed := 0
	for i := range clean.Labels {
		if clean.Labels[i] != noisy.Labels[i] {
			changed++
		}
	}
	assert.Equal(t, 15, changed)
	assert.True(t, clean.Equal(original), "input must not be mutated")

	for i := range clean.Features {
		assert.Equal(t, clean.Features[i], noisy.Features[i])
	}
}

func TestInjectFullRateChangesEveryLabel(t *testing.T) {
	clean := dataset.Iris()
	noisy, report, err := Inject(clean, models.NoiseConfig{Rate: 1, Label: true, Seed: 9})
	require.NoError(t, err)

	assert.Len(t, report.Selected, 150)
	for i := range clean.Labels {
		assert.NotEqual(t, clean.Labels[i], noisy.Labels[i], "row %d", i)
		assert.Contains(t, clean.Classes(), noisy.Labels[i])
	}
}

func TestInjectUniformFeaturesStayInBounds(t *testing.T) {
	clean := dataset.Iris()
	bounds := clean.Bounds()

	noisy, report, err := Inject(clean, models.NoiseConfig{Rate: 1, Feature: true, Seed: 5})
	require.NoError(t, err)

	// An exact coincidence with the original row is allowed but astronomically unlikely.
	assert.GreaterOrEqual(t, report.FeaturesChanged, 149)
	assert.Equal(t, 0, report.LabelsChanged)
	for i, row := range noisy.Features {
		for j, v := range row {
			assert.GreaterOrEqual(t, v, bounds[j].Min, "row %d col %d", i, j)
			assert.LessOrEqual(t, v, bounds[j].Max, "row %d col %d", i, j)
		}
	}
	assert.Equal(t, clean.Labels, noisy.Labels)
}

func TestInjectGaussianJitter(t *testing.T) {
	clean := dataset.Iris()
	cfg := models.NoiseConfig{Rate: 0.2, Feature: true, FeatureMode: models.FeatureNoiseGaussian, JitterStd: 0.05, Seed: 11}

	noisy, report, err := Inject(clean, cfg)
	require.NoError(t, err)
	assert.Len(t, report.Selected, 30)

	selected := make(map[int]bool)
	for _, i := range report.Selected {
		selected[i] = true
	}
	for i := range clean.Features {
		if !selected[i] {
			assert.Equal(t, clean.Features[i], noisy.Features[i], "unselected row %d changed", i)
			continue
		}
		for j := range clean.Features[i] {
			assert.InDelta(t, clean.Features[i][j], noisy.Features[i][j], 0.5)
		}
	}
}

func TestInjectSharedRowSubset(t *testing.T) {
	clean := dataset.Iris()
	noisy, report, err := Inject(clean, models.NoiseConfig{Rate: 0.3, Label: true, Feature: true, Seed: 21})
	require.NoError(t, err)

	selected := make(map[int]bool)
	for _, i := range report.Selected {
		selected[i] = true
	}
	for i := range clean.Labels {
		labelChanged := clean.Labels[i] != noisy.Labels[i]
		if !selected[i] {
			assert.False(t, labelChanged, "row %d outside the subset was relabelled", i)
			assert.Equal(t, clean.Features[i], noisy.Features[i])
		} else {
			assert.True(t, labelChanged, "row %d in the subset kept its label", i)
		}
	}
}

func TestInjectDeterministic(t *testing.T) {
	clean := dataset.Iris()
	cfg := models.NoiseConfig{Rate: 0.4, Label: true, Feature: true, Seed: 77}

	a, _, err := Inject(clean, cfg)
	require.NoError(t, err)
	b, _, err := Inject(clean, cfg)
	require.NoError(t, err)
	assert.True(t, a.Equal(b))
}

func TestInjectInvalidRate(t *testing.T) {
	clean := dataset.Iris()
	for _, rate := range []float64{-0.01, 1.01} {
		_, _, err := Inject(clean, models.NoiseConfig{Rate: rate, Label: true})
		require.Error(t, err)
		assert.True(t, errors.Is(err, models.ErrInvalidNoiseRate))
	}
}

func TestInjectSingleClassKeepsLabel(t *testing.T) {
	ds := &dataset.Dataset{
		FeatureNames: []string{"x"},
		LabelName:    "y",
		Features:     [][]float64{{1}, {2}},
		Labels:       []string{"a", "a"},
	}
	noisy, report, err := Inject(ds, models.NoiseConfig{Rate: 1, Label: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "a"}, noisy.Labels)
	assert.Equal(t, 0, report.LabelsChanged)
}

func TestReportSelectedIn(t *testing.T) {
	r := &Report{Selected: []int{1, 4, 9}}
	assert.Equal(t, 2, r.SelectedIn([]int{0, 1, 2, 9}))
	assert.Equal(t, 0, r.SelectedIn(nil))
}
