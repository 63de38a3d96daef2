package dataset

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"rainfall-scorer/internal/features"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const header = "height,minMeanTemp,maxMeanTemp,meanRelHum,state,rainfall"

func TestParse_ValidRows(t *testing.T) {
	input := header + "\n" +
		"37.8,22.9,32.3,86.1,Johor,120.5\n" +
		"12,23,31,80,Pulau Pinang,88\n"

	res, err := Parse(strings.NewReader(input))
	require.NoError(t, err)

	require.Len(t, res.Rows, 2)
	assert.Equal(t, 0, res.Skipped)
	assert.Empty(t, res.Diagnostics)
	assert.Equal(t, []string{"height", "minMeanTemp", "maxMeanTemp", "meanRelHum", "state", "rainfall"}, res.Columns)

	first := res.Rows[0]
	assert.Len(t, first.Features, features.Width)
	assert.Equal(t, float32(37.8), first.Features[0])
	assert.Equal(t, "Johor", first.State)
	require.NotNil(t, first.Target)
	assert.Equal(t, 120.5, *first.Target)
	assert.Equal(t, Pending, first.Prediction())

	state, ok := res.Rows[1].Features.State()
	assert.True(t, ok)
	assert.Equal(t, "Pulau Pinang", state)
}

func TestParse_HeaderCaseAndWhitespace(t *testing.T) {
	input := " HEIGHT , MinMeanTemp,maxmeantemp ,MEANRELHUM, State ,Actual\n1,2,3,4,Perak,5\n"

	res, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "HEIGHT", res.Columns[0])
	require.NotNil(t, res.Rows[0].Target)
	assert.Equal(t, 5.0, *res.Rows[0].Target)
}

func TestParse_MissingRequiredColumn(t *testing.T) {
	input := "height,minMeanTemp,maxMeanTemp,meanRelHum,rainfall\n1,2,3,4,5\n"

	res, err := Parse(strings.NewReader(input))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingColumns)
	assert.Contains(t, err.Error(), "Headers: [height, minMeanTemp, maxMeanTemp, meanRelHum, rainfall]")

	assert.Empty(t, res.Rows, "schema errors must never yield a partial row set")
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, LevelError, res.Diagnostics[0].Level)
}

func TestParse_EmptyInput(t *testing.T) {
	res, err := Parse(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrMissingColumns)
	assert.Empty(t, res.Rows)
}

func TestParse_ShortRowsSkippedAndCounted(t *testing.T) {
	lines := []string{
		header,
		"1,2,3,4,Johor,10",
		"1,2,3",
		"5,6,7,8,Kedah,20",
		"1,2,3,4,Kedah",
		"9,10,11,12,Sabah,30",
	}

	res, err := Parse(strings.NewReader(strings.Join(lines, "\n")))
	require.NoError(t, err)

	n, k := 5, 2
	assert.Len(t, res.Rows, n-k)
	assert.Equal(t, k, res.Skipped)
	require.Len(t, res.Diagnostics, 1, "one aggregate diagnostic, never one per row")
	assert.Equal(t, LevelInfo, res.Diagnostics[0].Level)
	assert.Contains(t, res.Diagnostics[0].Message, "Skipped 2 invalid row(s)")
}

func TestParse_NonFiniteRowsSkipped(t *testing.T) {
	lines := []string{
		header,
		"N/A,2,3,4,Johor,10",
		"1,-,3,4,Johor,10",
		"1,2,,4,Johor,10",
		"1e39,2,3,4,Johor,10",
		"1,2,3,4,Johor,10",
	}

	res, err := Parse(strings.NewReader(strings.Join(lines, "\n")))
	require.NoError(t, err)
	assert.Len(t, res.Rows, 1)
	assert.Equal(t, 4, res.Skipped)
}

func TestParse_UnknownStateIsKept(t *testing.T) {
	res, err := Parse(strings.NewReader(header + "\n1,2,3,4,Atlantis,10\n1,2,3,4,johor,10\n"))
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	for _, row := range res.Rows {
		_, ok := row.Features.State()
		assert.False(t, ok)
		assert.Len(t, row.Features, features.Width)
	}
}

func TestParse_BlankLinesIgnored(t *testing.T) {
	res, err := Parse(strings.NewReader(header + "\n\n1,2,3,4,Johor,10\n   \n"))
	require.NoError(t, err)
	assert.Len(t, res.Rows, 1)
	assert.Equal(t, 0, res.Skipped)
}

func TestParse_MessyNumbersAndQuotes(t *testing.T) {
	input := header + "\n\"1,234m\",(22.9),32.3 ,86.1%,\" Selangor \",N/A\n"

	res, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)

	row := res.Rows[0]
	assert.Equal(t, float32(1234), row.Features[0])
	assert.Equal(t, float32(22.9), row.Features[1])
	assert.Equal(t, "Selangor", row.State)
	require.NotNil(t, row.Target)
	assert.True(t, math.IsNaN(*row.Target))
	_, ok := row.TargetValue()
	assert.False(t, ok)
}

func TestParse_OptionalColumnsAbsent(t *testing.T) {
	res, err := Parse(strings.NewReader("height,minMeanTemp,maxMeanTemp,meanRelHum,state\n1,2,3,4,Perlis\n"))
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Nil(t, res.Rows[0].Target)
}

func TestParse_ExistingPredictions(t *testing.T) {
	input := header + ",Prediction\n" +
		"1,2,3,4,Johor,10,12.50\n" +
		"1,2,3,4,Johor,10,\n"

	res, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)

	assert.Equal(t, "12.50", res.Rows[0].Prediction())
	v, ok := res.Rows[0].PredictionValue()
	assert.True(t, ok)
	assert.Equal(t, 12.5, v)

	assert.Equal(t, Pending, res.Rows[1].Prediction())
}

func TestParseFile_Unreadable(t *testing.T) {
	res, err := ParseFile(filepath.Join(t.TempDir(), "missing.csv"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnreadable)
	assert.Empty(t, res.Rows)
	require.Len(t, res.Diagnostics, 1)
	assert.Contains(t, res.Diagnostics[0].Message, "file read error")
}

func TestParseFile_Valid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(path, []byte(header+"\n1,2,3,4,Melaka,7\n"), 0o644))

	res, err := ParseFile(path)
	require.NoError(t, err)
	assert.Len(t, res.Rows, 1)
}

func TestRecord_PredictionSetOncePerPass(t *testing.T) {
	rec := NewRecord(features.Build(1, 2, 3, 4, "Perak"), "Perak", nil)
	assert.False(t, rec.Scored())

	assert.True(t, rec.SetPrediction("1.00"))
	assert.False(t, rec.SetPrediction("2.00"))
	assert.Equal(t, "1.00", rec.Prediction())

	rec.ResetPrediction()
	assert.Equal(t, Pending, rec.Prediction())
	assert.True(t, rec.SetPrediction("3.00"))
	assert.Equal(t, "3.00", rec.Prediction())
}

func TestRecord_PredictionValueNaN(t *testing.T) {
	rec := NewRecord(features.Build(1, 2, 3, 4, "Perak"), "Perak", nil)
	_, ok := rec.PredictionValue()
	assert.False(t, ok)

	rec.SetPrediction("NaN")
	_, ok = rec.PredictionValue()
	assert.False(t, ok)
}

func TestRecord_ConcurrentAccess(t *testing.T) {
	rec := NewRecord(features.Build(1, 2, 3, 4, "Perak"), "Perak", nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			rec.SetPrediction("4.20")
		}()
		go func() {
			defer wg.Done()
			_ = rec.Prediction()
		}()
	}
	wg.Wait()
	assert.Equal(t, "4.20", rec.Prediction())
}
