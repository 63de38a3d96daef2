// Package scaler loads the training-time standardization parameters and applies
// z-score scaling to feature vectors in features column order.
package scaler

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"rainfall-scorer/internal/features"

	"github.com/rs/zerolog/log"
)

// ErrSizeMismatch is returned when parameter arrays do not match the feature width.
var ErrSizeMismatch = errors.New("scaler parameter size mismatch")

// Params holds per-feature mean and scale, index-aligned with features.ColumnNames.
type Params struct {
	Mean  []float32
	Scale []float32
}

// LoadParameters reads the mean and scale files and checks both against features.Width.
func LoadParameters(meanPath, scalePath string) (Params, error) {
	mean, err := LoadArray(meanPath)
	if err != nil {
		return Params{}, err
	}
	scale, err := LoadArray(scalePath)
	if err != nil {
		return Params{}, err
	}

	if len(mean) != features.Width || len(scale) != features.Width || len(mean) != len(scale) {
		return Params{}, fmt.Errorf("%w: mean=%d, scale=%d, both must be %d",
			ErrSizeMismatch, len(mean), len(scale), features.Width)
	}

	log.Debug().
		Str("mean_path", meanPath).
		Str("scale_path", scalePath).
		Int("width", len(mean)).
		Msg("Scaler parameters loaded")

	return Params{Mean: mean, Scale: scale}, nil
}

// LoadArray reads a comma and/or newline separated list of floats.
func LoadArray(path string) ([]float32, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open scaler file %s: %w", path, err)
	}
	defer file.Close()

	var values []float32
	scanner := bufio.NewScanner(file)
	line := 0
	for scanner.Scan() {
		line++
		for _, part := range strings.Split(scanner.Text(), ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			v, err := strconv.ParseFloat(part, 32)
			if err != nil {
				return nil, fmt.Errorf("scaler file %s line %d: invalid value %q: %w", path, line, part, err)
			}
			values = append(values, float32(v))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read scaler file %s: %w", path, err)
	}
	return values, nil
}

// Apply returns (x[i]-mean[i])/scale[i] for every entry. Lengths are checked at load
// time, not here. A zero scale yields Inf or NaN and is left for the caller to detect.
func Apply(v, mean, scale []float32) []float32 {
	out := make([]float32, len(v))
	for i := range v {
		out[i] = (v[i] - mean[i]) / scale[i]
	}
	return out
}

// Apply scales v with the receiver's parameters.
func (p Params) Apply(v []float32) []float32 {
	return Apply(v, p.Mean, p.Scale)
}

// Empty reports whether either array is missing.
func (p Params) Empty() bool {
	return p.Mean == nil || p.Scale == nil
}
