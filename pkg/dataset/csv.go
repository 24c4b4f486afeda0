package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// LoadCSV reads a dataset from a CSV file. The first row is the header and
// the last column is the label; every other column must be numeric.
func LoadCSV(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset %s: %w", path, err)
	}
	defer f.Close()

	ds, err := ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load dataset %s: %w", path, err)
	}
	return ds, nil
}

// ReadCSV parses a dataset from CSV content
func ReadCSV(r io.Reader) (*Dataset, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: empty file", ErrMalformed)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(header) < 2 {
		return nil, fmt.Errorf("%w: need at least one feature and one label column, got %d columns", ErrMalformed, len(header))
	}
	for i, name := range header {
		header[i] = strings.TrimSpace(name)
		if header[i] == "" {
			return nil, fmt.Errorf("%w: empty column name at position %d", ErrMalformed, i+1)
		}
	}

	numFeatures := len(header) - 1
	ds := &Dataset{
		FeatureNames: append([]string(nil), header[:numFeatures]...),
		LabelName:    header[numFeatures],
	}

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		line, _ := reader.FieldPos(0)
		if isBlank(record) {
			continue
		}
		if len(record) != len(header) {
			return nil, fmt.Errorf("%w: line %d has %d columns, expected %d", ErrMalformed, line, len(record), len(header))
		}

		row := make([]float64, numFeatures)
		for j := 0; j < numFeatures; j++ {
			v, err := strconv.ParseFloat(strings.TrimSpace(record[j]), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d column %q: %q is not numeric", ErrMalformed, line, header[j], record[j])
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: line %d column %q: %q is not a finite number", ErrMalformed, line, header[j], record[j])
			}
			row[j] = v
		}
		label := strings.TrimSpace(record[numFeatures])
		if label == "" {
			return nil, fmt.Errorf("%w: line %d has an empty label", ErrMalformed, line)
		}

		ds.Features = append(ds.Features, row)
		ds.Labels = append(ds.Labels, label)
	}

	if ds.Len() == 0 {
		return nil, fmt.Errorf("%w: no data rows", ErrMalformed)
	}
	return ds, nil
}

// WriteCSV writes the dataset in the same layout ReadCSV expects
func WriteCSV(w io.Writer, ds *Dataset) error {
	writer := csv.NewWriter(w)
	header := append(append([]string(nil), ds.FeatureNames...), ds.LabelName)
	if err := writer.Write(header); err != nil {
		return err
	}
	for i, row := range ds.Features {
		record := make([]string, 0, len(row)+1)
		for _, v := range row {
			record = append(record, strconv.FormatFloat(v, 'g', -1, 64))
		}
		record = append(record, ds.Labels[i])
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func isBlank(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}
