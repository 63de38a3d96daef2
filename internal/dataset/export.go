package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"rainfall-scorer/internal/features"

	"github.com/rs/zerolog/log"
)

// ExportHeader is the output header: feature columns, then Actual and Prediction.
func ExportHeader() []string {
	return append(features.ColumnNames(), "Actual", "Prediction")
}

// ExportCSV writes one line per record. Missing actuals and pending predictions are
// written as empty cells.
func ExportCSV(w io.Writer, rows []*Record) error {
	writer := csv.NewWriter(w)

	if err := writer.Write(ExportHeader()); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for i, row := range rows {
		record := make([]string, 0, features.Width+2)
		for _, f := range row.Features {
			record = append(record, fmt.Sprintf("%.4f", f))
		}

		actual := ""
		if v, ok := row.TargetValue(); ok {
			actual = fmt.Sprintf("%.4f", v)
		}
		prediction := row.Prediction()
		if prediction == Pending {
			prediction = ""
		}
		record = append(record, actual, prediction)

		if err := writer.Write(record); err != nil {
			return fmt.Errorf("write row %d: %w", i, err)
		}
	}

	writer.Flush()
	return writer.Error()
}

// ExportFile writes rows to path, creating its directory when missing and truncating an
// existing file.
func ExportFile(path string, rows []*Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	defer file.Close()

	if err := ExportCSV(file, rows); err != nil {
		return err
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close export file: %w", err)
	}

	log.Info().Str("file", path).Int("rows", len(rows)).Msg("CSV export written")
	return nil
}

// Scored holds the actual/prediction pairs read back from an exported file.
type Scored struct {
	Actuals     []float64
	Predictions []float64
	Skipped     int
}

// ErrMissingScoredColumns is returned when a file has no Actual or Prediction column.
var ErrMissingScoredColumns = errors.New("CSV must have 'Actual' and 'Prediction' columns")

// ReadScored reads Actual and Prediction columns (case-insensitive) from a previously
// exported file. Rows without two finite numbers are skipped and counted.
func ReadScored(r io.Reader) (*Scored, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, ErrMissingScoredColumns
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}

	actualIdx, predIdx := -1, -1
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "actual":
			actualIdx = i
		case "prediction":
			predIdx = i
		}
	}
	if actualIdx < 0 || predIdx < 0 {
		return nil, ErrMissingScoredColumns
	}

	out := &Scored{Actuals: []float64{}, Predictions: []float64{}}
	for {
		values, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				out.Skipped++
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
		}
		if actualIdx >= len(values) || predIdx >= len(values) {
			out.Skipped++
			continue
		}
		actual := features.ParseSafeFloat(values[actualIdx])
		pred := features.ParseSafeFloat(values[predIdx])
		if !finite(actual) || !finite(pred) {
			out.Skipped++
			continue
		}
		out.Actuals = append(out.Actuals, actual)
		out.Predictions = append(out.Predictions, pred)
	}
	return out, nil
}

// ReadScoredFile opens path and calls ReadScored.
func ReadScoredFile(path string) (*Scored, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	defer file.Close()
	return ReadScored(file)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
