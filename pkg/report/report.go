// Package report renders experiment results as terminal tables.
package report

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/mimir-aip/labelnoise/pkg/models"
)

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	return table
}

func f2(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func f4(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

// ClassificationReport writes per-class precision, recall, F1 and support
// followed by the macro average and accuracy
func ClassificationReport(w io.Writer, m *models.PerformanceMetrics) {
	table := newTable(w, []string{"class", "precision", "recall", "f1-score", "support"})
	for _, class := range m.Classes {
		table.Append([]string{
			class,
			f2(m.Precision[class]),
			f2(m.Recall[class]),
			f2(m.F1Score[class]),
			strconv.Itoa(m.Support[class]),
		})
	}
	table.Append([]string{"accuracy", "", "", f2(m.Accuracy), strconv.Itoa(m.TotalSamples)})
	table.Append([]string{"macro avg", f2(m.MacroPrecision), f2(m.MacroRecall), f2(m.MacroF1), strconv.Itoa(m.TotalSamples)})
	table.Render()
}

// ConfusionMatrix writes the confusion matrix with actual classes as rows
func ConfusionMatrix(w io.Writer, m *models.PerformanceMetrics) {
	header := append([]string{"actual \\ predicted"}, m.Classes...)
	table := newTable(w, header)
	for i, row := range m.ConfusionRows() {
		cells := make([]string, 0, len(row)+1)
		cells = append(cells, m.Classes[i])
		for _, v := range row {
			cells = append(cells, strconv.Itoa(v))
		}
		table.Append(cells)
	}
	table.Render()
}

// Model writes the full evaluation block for one model
func Model(w io.Writer, title string, m *models.PerformanceMetrics) {
	fmt.Fprintf(w, "\n=== %s ===\n", title)
	fmt.Fprintf(w, "Accuracy: %s\n\nClassification Report:\n", f4(m.Accuracy))
	ClassificationReport(w, m)
	fmt.Fprintln(w, "\nConfusion Matrix:")
	ConfusionMatrix(w, m)
}

// Comparison writes the headline metrics of the clean and noisy models side by side
func Comparison(w io.Writer, rate float64, clean, noisy *models.PerformanceMetrics) {
	fmt.Fprintf(w, "\n=== Clean vs noisy (noise rate %g) ===\n", rate)
	table := newTable(w, []string{"metric", "clean", "noisy", "delta"})
	rows := []struct {
		name         string
		clean, noisy float64
	}{
		{"accuracy", clean.Accuracy, noisy.Accuracy},
		{"macro precision", clean.MacroPrecision, noisy.MacroPrecision},
		{"macro recall", clean.MacroRecall, noisy.MacroRecall},
		{"macro f1", clean.MacroF1, noisy.MacroF1},
	}
	for _, r := range rows {
		table.Append([]string{r.name, f4(r.clean), f4(r.noisy), fmt.Sprintf("%+.4f", r.noisy-r.clean)})
	}
	table.Render()
}

// Sweep writes mean accuracy per noise rate
func Sweep(w io.Writer, points []models.SweepPoint) {
	fmt.Fprintln(w, "\n=== Noise sweep ===")
	table := newTable(w, []string{"rate", "trials", "clean acc", "noisy acc", "noisy std", "noisy macro f1"})
	for _, p := range points {
		table.Append([]string{
			strconv.FormatFloat(p.Rate, 'g', -1, 64),
			strconv.Itoa(p.Trials),
			f4(p.MeanCleanAccuracy),
			f4(p.MeanNoisyAccuracy),
			f4(p.StdNoisyAccuracy),
			f4(p.MeanNoisyMacroF1),
		})
	}
	table.Render()
}
