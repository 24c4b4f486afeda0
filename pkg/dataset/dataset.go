package dataset

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// ErrMalformed is returned when a data file cannot be parsed into a dataset
var ErrMalformed = errors.New("malformed dataset")

// Dataset is an in-memory table of numeric feature vectors and a categorical label
type Dataset struct {
	FeatureNames []string    `json:"feature_names"`
	LabelName    string      `json:"label_name"`
	Features     [][]float64 `json:"features"` // rows x features
	Labels       []string    `json:"labels"`
}

// Bound is the observed [Min, Max] range of one feature column
type Bound struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Len returns the number of rows
func (d *Dataset) Len() int {
	return len(d.Labels)
}

// NumFeatures returns the number of feature columns
func (d *Dataset) NumFeatures() int {
	return len(d.FeatureNames)
}

// Validate checks that every row has a label and the full set of features
func (d *Dataset) Validate() error {
	if len(d.Features) != len(d.Labels) {
		return fmt.Errorf("%w: %d feature rows but %d labels", ErrMalformed, len(d.Features), len(d.Labels))
	}
	for i, row := range d.Features {
		if len(row) != len(d.FeatureNames) {
			return fmt.Errorf("%w: row %d has %d features, expected %d", ErrMalformed, i, len(row), len(d.FeatureNames))
		}
	}
	return nil
}

// Clone returns a deep copy
func (d *Dataset) Clone() *Dataset {
	out := &Dataset{
		FeatureNames: append([]string(nil), d.FeatureNames...),
		LabelName:    d.LabelName,
		Features:     make([][]float64, len(d.Features)),
		Labels:       append([]string(nil), d.Labels...),
	}
	for i, row := range d.Features {
		out.Features[i] = append([]float64(nil), row...)
	}
	return out
}

// Equal reports whether both datasets hold exactly the same values
func (d *Dataset) Equal(other *Dataset) bool {
	if other == nil || d.LabelName != other.LabelName {
		return false
	}
	if len(d.FeatureNames) != len(other.FeatureNames) || len(d.Labels) != len(other.Labels) || len(d.Features) != len(other.Features) {
		return false
	}
	for i := range d.FeatureNames {
		if d.FeatureNames[i] != other.FeatureNames[i] {
			return false
		}
	}
	for i := range d.Labels {
		if d.Labels[i] != other.Labels[i] {
			return false
		}
	}
	for i := range d.Features {
		if !floats.Equal(d.Features[i], other.Features[i]) {
			return false
		}
	}
	return true
}

// Classes returns the distinct labels in lexical order
func (d *Dataset) Classes() []string {
	seen := make(map[string]struct{})
	classes := make([]string, 0)
	for _, label := range d.Labels {
		if _, ok := seen[label]; ok {
			continue
		}
		seen[label] = struct{}{}
		classes = append(classes, label)
	}
	sort.Strings(classes)
	return classes
}

// ClassCounts returns the number of rows per label
func (d *Dataset) ClassCounts() map[string]int {
	counts := make(map[string]int)
	for _, label := range d.Labels {
		counts[label]++
	}
	return counts
}

// Column returns a copy of feature column j
func (d *Dataset) Column(j int) []float64 {
	col := make([]float64, len(d.Features))
	for i, row := range d.Features {
		col[i] = row[j]
	}
	return col
}

// Bounds returns the observed range of every feature column
func (d *Dataset) Bounds() []Bound {
	bounds := make([]Bound, d.NumFeatures())
	if d.Len() == 0 {
		return bounds
	}
	for j := range bounds {
		col := d.Column(j)
		bounds[j] = Bound{Min: floats.Min(col), Max: floats.Max(col)}
	}
	return bounds
}

// Subset returns a deep copy of the given rows, in the given order
func (d *Dataset) Subset(indices []int) *Dataset {
	out := &Dataset{
		FeatureNames: append([]string(nil), d.FeatureNames...),
		LabelName:    d.LabelName,
		Features:     make([][]float64, len(indices)),
		Labels:       make([]string, len(indices)),
	}
	for i, idx := range indices {
		out.Features[i] = append([]float64(nil), d.Features[idx]...)
		out.Labels[i] = d.Labels[idx]
	}
	return out
}
