package main

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"rainfall-scorer/internal/evaluation"
	"rainfall-scorer/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	actual := 12.5
	value := 11.0
	require.NoError(t, store.SaveRun(storage.Run{
		ID:         "run-1",
		Source:     "stations.csv",
		ModelPath:  "models/rainfall_model.onnx",
		StartedAt:  time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
		Total:      2,
		Scored:     2,
		Evaluation: &evaluation.Metrics{RMSE: 1.5, MAE: 1.5, MAPE: 12, Count: 2},
	}))
	require.NoError(t, store.SaveScores("run-1", []storage.Score{
		{Index: 0, State: "Johor", Prediction: "11.00", Value: &value, Actual: &actual},
		{Index: 1, State: "Sabah", Prediction: "NaN"},
	}))
	return store
}

func TestPrintRuns(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printRuns(&out, seededStore(t), 10))

	assert.Contains(t, out.String(), "Runs in archive: 1")
	assert.Contains(t, out.String(), "run-1  2024-05-01 08:00:00  rows=2 scored=2")
	assert.Contains(t, out.String(), "RMSE=1.5000")
}

func TestPrintScores(t *testing.T) {
	store := seededStore(t)

	var out bytes.Buffer
	require.NoError(t, printScores(&out, store, "run-1", 1))
	assert.Contains(t, out.String(), "2 scored rows")
	assert.Contains(t, out.String(), "actual=12.50")
	assert.NotContains(t, out.String(), "Sabah")

	err := printScores(&out, store, "missing", 10)
	assert.ErrorIs(t, err, storage.ErrRunNotFound)
}
