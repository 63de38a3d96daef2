package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"rainfall-scorer/internal/dataset"
	"rainfall-scorer/internal/evaluation"
	"rainfall-scorer/internal/ml"
	"rainfall-scorer/internal/scaler"
)

// Describe turns an error into the message shown to an operator.
func Describe(err error) string {
	if err == nil {
		return ""
	}

	var loadErr *ml.LoadError
	switch {
	case errors.As(err, &loadErr):
		return loadErr.Error()
	case errors.Is(err, dataset.ErrMissingColumns):
		return "Schema error: " + err.Error()
	case errors.Is(err, dataset.ErrMissingScoredColumns):
		return "Schema error: " + err.Error()
	case errors.Is(err, dataset.ErrUnreadable):
		return "Could not read file: " + err.Error()
	case errors.Is(err, scaler.ErrSizeMismatch):
		return "Scaler error: " + err.Error()
	case errors.Is(err, ml.ErrNotReady):
		return "Model not loaded: load a model and its scaler files first."
	case errors.Is(err, ml.ErrInvalidWidth):
		return "Invalid input: " + err.Error()
	case errors.Is(err, ErrPassInProgress):
		return "A prediction pass is already running."
	case errors.Is(err, ErrNoData):
		return "No data loaded: load a CSV file first."
	case errors.Is(err, ErrNothingToScore):
		return "Nothing to evaluate: run predictions on a file with an actual/rainfall column first."
	case errors.Is(err, evaluation.ErrEmptyInput),
		errors.Is(err, evaluation.ErrLengthMismatch),
		errors.Is(err, evaluation.ErrNilInput):
		return "Cannot evaluate: " + err.Error()
	}
	return "Error: " + err.Error()
}

// OutputName is the export file name for sequence number seq, e.g. predictions_3.csv.
func OutputName(dir, base string, seq int) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%d.csv", base, seq))
}

// NextSequence returns one more than the highest base_N.csv in dir, or 1 when there is
// none or dir does not exist yet.
func NextSequence(dir, base string) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read output directory %s: %w", filepath.Clean(dir), err)
	}

	pattern := regexp.MustCompile(`^` + regexp.QuoteMeta(base) + `_(\d+)\.csv$`)
	highest := 0
	for _, e := range entries {
		match := pattern.FindStringSubmatch(e.Name())
		if match == nil {
			continue
		}
		if n, err := strconv.Atoi(match[1]); err == nil && n > highest {
			highest = n
		}
	}
	return highest + 1, nil
}

// ExportNext writes the current dataset to the next free base_N.csv in dir and returns
// its path. Earlier exports are never overwritten.
func (s *Session) ExportNext(dir, base string) (string, error) {
	s.exportMu.Lock()
	defer s.exportMu.Unlock()

	seq, err := NextSequence(dir, base)
	if err != nil {
		return "", err
	}
	path := OutputName(dir, base, seq)
	if err := s.ExportFile(path); err != nil {
		return "", err
	}
	return path, nil
}
