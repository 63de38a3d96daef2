package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"rainfall-scorer/internal/features"

	"github.com/rs/zerolog/log"
)

var (
	// ErrMissingColumns is a schema error: a required column could not be resolved.
	ErrMissingColumns = errors.New("CSV missing one or more required columns (height, minMeanTemp, maxMeanTemp, meanRelHum, state)")
	// ErrUnreadable is a resource error: the file could not be opened or read.
	ErrUnreadable = errors.New("file read error")
)

// Diagnostic levels.
const (
	LevelError = "error"
	LevelInfo  = "info"
)

// debugRows limits per-row debug logging to the first few data lines.
const debugRows = 5

// Diagnostic is a user-facing message produced while loading.
type Diagnostic struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Schema maps canonical fields to source column indices. Unresolved columns are -1.
type Schema struct {
	Height      int
	MinMeanTemp int
	MaxMeanTemp int
	MeanRelHum  int
	State       int
	Target      int
	Prediction  int
}

// ResolveSchema matches trimmed header names case-insensitively.
func ResolveSchema(headers []string) Schema {
	s := Schema{-1, -1, -1, -1, -1, -1, -1}
	for i, h := range headers {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "height":
			s.Height = i
		case "minmeantemp":
			s.MinMeanTemp = i
		case "maxmeantemp":
			s.MaxMeanTemp = i
		case "meanrelhum":
			s.MeanRelHum = i
		case "state":
			s.State = i
		case "rainfall", "actual":
			s.Target = i
		case "prediction":
			s.Prediction = i
		}
	}
	return s
}

// Complete reports whether every required field was resolved.
func (s Schema) Complete() bool {
	return s.Height >= 0 && s.MinMeanTemp >= 0 && s.MaxMeanTemp >= 0 && s.MeanRelHum >= 0 && s.State >= 0
}

// Result is the outcome of a load. Rows is empty whenever a schema or I/O error occurred.
type Result struct {
	Columns     []string     `json:"columns"`
	Rows        []*Record    `json:"-"`
	Skipped     int          `json:"skipped"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

func failed(err error) (*Result, error) {
	return &Result{Diagnostics: []Diagnostic{{Level: LevelError, Message: err.Error()}}}, err
}

// ParseFile opens path and parses it. The file is closed on every path.
func ParseFile(path string) (*Result, error) {
	file, err := os.Open(path)
	if err != nil {
		return failed(fmt.Errorf("%w: %v", ErrUnreadable, err))
	}
	defer file.Close()

	res, err := Parse(file)
	if err == nil {
		log.Info().
			Str("file", path).
			Int("rows", len(res.Rows)).
			Int("skipped", res.Skipped).
			Msg("CSV data loaded successfully")
	}
	return res, err
}

// Parse reads a header line and data rows. Malformed or non-finite rows are skipped and
// counted; a single aggregate diagnostic reports the count.
func Parse(r io.Reader) (*Result, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err == io.EOF {
		return failed(fmt.Errorf("%w. Headers: []", ErrMissingColumns))
	}
	if err != nil {
		return failed(fmt.Errorf("%w: %v", ErrUnreadable, err))
	}

	columns := make([]string, len(header))
	for i, h := range header {
		columns[i] = strings.TrimSpace(h)
	}
	schema := ResolveSchema(columns)
	if !schema.Complete() {
		return failed(fmt.Errorf("%w. Headers: [%s]", ErrMissingColumns, strings.Join(columns, ", ")))
	}

	res := &Result{Columns: columns}
	seen := 0
	for {
		values, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				log.Debug().Err(err).Msg("Skipping unparseable CSV line")
				res.Skipped++
				continue
			}
			return failed(fmt.Errorf("%w: %v", ErrUnreadable, err))
		}
		if len(values) == 1 && strings.TrimSpace(values[0]) == "" {
			continue
		}
		seen++
		line, _ := reader.FieldPos(0)

		if len(values) < len(columns) {
			log.Debug().
				Int("line", line).
				Int("expected", len(columns)).
				Int("got", len(values)).
				Msg("Skipping row due to column count mismatch")
			res.Skipped++
			continue
		}

		rec, ok := buildRecord(values, schema)
		if !ok {
			log.Debug().Int("line", line).Msg("Skipping row with non-finite feature values")
			res.Skipped++
			continue
		}
		if seen <= debugRows && features.StateIndex(rec.State) < 0 {
			log.Debug().
				Int("line", line).
				Str("state", rec.State).
				Msg("State not in domain, encoded as all zeros")
		}
		res.Rows = append(res.Rows, rec)
	}

	if res.Skipped > 0 {
		res.Diagnostics = append(res.Diagnostics, Diagnostic{
			Level:   LevelInfo,
			Message: fmt.Sprintf("Skipped %d invalid row(s) with non-numeric or missing values.", res.Skipped),
		})
	}
	return res, nil
}

func buildRecord(values []string, s Schema) (*Record, bool) {
	state := strings.TrimSpace(values[s.State])
	v := features.Build(
		float32(features.ParseSafeFloat(values[s.Height])),
		float32(features.ParseSafeFloat(values[s.MinMeanTemp])),
		float32(features.ParseSafeFloat(values[s.MaxMeanTemp])),
		float32(features.ParseSafeFloat(values[s.MeanRelHum])),
		state,
	)
	if len(v) != features.Width || !v.Finite() {
		return nil, false
	}

	var target *float64
	if s.Target >= 0 {
		t := features.ParseSafeFloat(values[s.Target])
		target = &t
	}

	rec := NewRecord(v, state, target)
	if s.Prediction >= 0 {
		if p := strings.TrimSpace(values[s.Prediction]); p != "" {
			rec.SetPrediction(p)
		}
	}
	return rec, true
}
