// Package features builds the fixed-order feature vectors consumed by the rainfall model.
// The column order defined here is the one baked into the model at training time; the
// loader, the scaler and the exporter all defer to it.
package features

import (
	"math"
)

// StateDomain lists the one-hot categories in training order.
var StateDomain = [...]string{
	"Johor",
	"Kedah",
	"Kelantan",
	"Melaka",
	"Pahang",
	"Perak",
	"Perlis",
	"Pulau Pinang",
	"Sabah",
	"Sarawak",
	"Selangor",
	"Terengganu",
	"Wilayah Persekutuan Labuan",
}

// NumericFields are the leading numeric columns of every vector.
var NumericFields = [...]string{"height", "minMeanTemp", "maxMeanTemp", "meanRelHum"}

const (
	NumericWidth = len(NumericFields)
	Width        = NumericWidth + len(StateDomain) // 17
)

// Vector is a single model input row.
type Vector []float32

// Build maps one station observation to its model vector. An unknown state yields an
// all-zero one-hot block.
func Build(height, minMeanTemp, maxMeanTemp, meanRelHum float32, state string) Vector {
	v := make(Vector, Width)
	v[0] = height
	v[1] = minMeanTemp
	v[2] = maxMeanTemp
	v[3] = meanRelHum
	if idx := StateIndex(state); idx >= 0 {
		v[NumericWidth+idx] = 1
	}
	return v
}

// StateIndex returns the one-hot position of state, or -1 if it is outside the domain.
// Matching is exact and case-sensitive.
func StateIndex(state string) int {
	for i, s := range StateDomain {
		if s == state {
			return i
		}
	}
	return -1
}

// State decodes the one-hot block back to its label. ok is false for an all-zero block.
func (v Vector) State() (state string, ok bool) {
	if len(v) != Width {
		return "", false
	}
	for i := range StateDomain {
		if v[NumericWidth+i] == 1 {
			return StateDomain[i], true
		}
	}
	return "", false
}

// Finite reports whether every entry is a finite number.
func (v Vector) Finite() bool {
	for _, f := range v {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return false
		}
	}
	return true
}

// ColumnNames returns the vector header: numeric fields then state_<name> per category.
func ColumnNames() []string {
	names := make([]string, 0, Width)
	names = append(names, NumericFields[:]...)
	for _, s := range StateDomain {
		names = append(names, "state_"+s)
	}
	return names
}
