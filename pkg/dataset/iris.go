package dataset

import (
	"bytes"
	_ "embed"
)

//go:embed iris.csv
var irisCSV []byte

// Iris returns the 150-row, 4-feature, 3-class IRIS dataset
func Iris() *Dataset {
	ds, err := ReadCSV(bytes.NewReader(irisCSV))
	if err != nil {
		panic("embedded iris dataset is invalid: " + err.Error())
	}
	return ds
}
