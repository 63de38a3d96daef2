package scaler

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"rainfall-scorer/internal/features"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeValues(t *testing.T, dir, name string, n int, sep string, value func(i int) string) string {
	t.Helper()
	parts := make([]string, n)
	for i := range parts {
		parts[i] = value(i)
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(parts, sep)+"\n"), 0o644))
	return path
}

func ones(int) string { return "1" }

func TestLoadParameters_CommaSeparated(t *testing.T) {
	dir := t.TempDir()
	meanPath := writeValues(t, dir, "scaler_mean.csv", features.Width, ",", func(i int) string { return "0.5" })
	scalePath := writeValues(t, dir, "scaler_scale.csv", features.Width, ", ", ones)

	params, err := LoadParameters(meanPath, scalePath)
	require.NoError(t, err)
	assert.Len(t, params.Mean, features.Width)
	assert.Len(t, params.Scale, features.Width)
	assert.Equal(t, float32(0.5), params.Mean[16])
	assert.False(t, params.Empty())
}

func TestLoadParameters_NewlineSeparated(t *testing.T) {
	dir := t.TempDir()
	meanPath := writeValues(t, dir, "mean.csv", features.Width, "\n", func(i int) string { return "2" })
	scalePath := writeValues(t, dir, "scale.csv", features.Width, "\n", ones)

	params, err := LoadParameters(meanPath, scalePath)
	require.NoError(t, err)
	assert.Len(t, params.Mean, features.Width)
}

func TestLoadParameters_SizeMismatch(t *testing.T) {
	dir := t.TempDir()
	meanPath := writeValues(t, dir, "mean.csv", features.Width-1, ",", ones)
	scalePath := writeValues(t, dir, "scale.csv", features.Width, ",", ones)

	_, err := LoadParameters(meanPath, scalePath)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSizeMismatch)
	assert.Contains(t, err.Error(), "mean=16")
}

func TestLoadParameters_MissingFile(t *testing.T) {
	dir := t.TempDir()
	scalePath := writeValues(t, dir, "scale.csv", features.Width, ",", ones)

	_, err := LoadParameters(filepath.Join(dir, "nope.csv"), scalePath)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadArray_InvalidToken(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.csv")
	require.NoError(t, os.WriteFile(path, []byte("1,2,abc\n"), 0o644))

	_, err := LoadArray(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "abc")
}

func TestApply(t *testing.T) {
	v := []float32{10, 20, 30}
	mean := []float32{5, 20, 10}
	scale := []float32{5, 2, 4}

	assert.Equal(t, []float32{1, 0, 5}, Apply(v, mean, scale))
}

func TestApply_ZeroScalePropagates(t *testing.T) {
	out := Apply([]float32{1, 0}, []float32{0, 0}, []float32{0, 0})
	assert.True(t, math.IsInf(float64(out[0]), 1))
	assert.True(t, math.IsNaN(float64(out[1])))
}
