// Package evaluation computes regression quality metrics for model output
// against ground truth.
package evaluation

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	ErrNilInput       = errors.New("actuals and predictions must not be nil")
	ErrLengthMismatch = errors.New("actuals and predictions must have the same length")
	ErrEmptyInput     = errors.New("actuals and predictions must not be empty")
)

// Metrics is the result of a single evaluation. MAPE is a percentage and is NaN
// when every actual value is zero.
type Metrics struct {
	RMSE              float64 `json:"rmse"`
	MAE               float64 `json:"mae"`
	MAPE              float64 `json:"mape"`
	MedianAbsError    float64 `json:"median_abs_error"`
	ExplainedVariance float64 `json:"explained_variance"`
	Count             int     `json:"count"`
}

// Evaluate compares parallel slices of actual and predicted values.
//
// Rows with a zero actual are left out of MAPE entirely (numerator and count).
// Explained variance is 1 - Var(actual-pred)/Var(actual) using population variance,
// and is 1.0 when the actuals have no variance.
func Evaluate(actuals, predictions []float64) (Metrics, error) {
	if actuals == nil || predictions == nil {
		return Metrics{}, ErrNilInput
	}
	if len(actuals) != len(predictions) {
		return Metrics{}, fmt.Errorf("%w: %d actuals, %d predictions", ErrLengthMismatch, len(actuals), len(predictions))
	}
	if len(actuals) == 0 {
		return Metrics{}, ErrEmptyInput
	}

	n := len(actuals)
	absErrors := make([]float64, n)
	residuals := make([]float64, n)

	var sumSq, sumAbs, sumAbsPct float64
	nonZero := 0
	for i := range actuals {
		actual, pred := actuals[i], predictions[i]
		err := pred - actual

		sumSq += err * err
		sumAbs += math.Abs(err)
		absErrors[i] = math.Abs(err)
		residuals[i] = actual - pred

		if actual != 0 {
			sumAbsPct += math.Abs(err / actual)
			nonZero++
		}
	}

	mape := math.NaN()
	if nonZero > 0 {
		mape = sumAbsPct / float64(nonZero) * 100
	}

	explained := 1.0
	if varActual := variance(actuals); varActual != 0 {
		explained = 1 - variance(residuals)/varActual
	}

	return Metrics{
		RMSE:              math.Sqrt(sumSq / float64(n)),
		MAE:               sumAbs / float64(n),
		MAPE:              mape,
		MedianAbsError:    median(absErrors),
		ExplainedVariance: explained,
		Count:             n,
	}, nil
}

// String renders the metrics the way the CLI summary prints them.
func (m Metrics) String() string {
	return fmt.Sprintf("RMSE: %.4f\nMAE: %.4f\nMAPE: %.2f%%\nMedian Abs Error: %.4f\nExplained Variance: %.4f",
		m.RMSE, m.MAE, m.MAPE, m.MedianAbsError, m.ExplainedVariance)
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// variance is the population variance (divides by n).
func variance(values []float64) float64 {
	mu := mean(values)
	var sum float64
	for _, v := range values {
		d := v - mu
		sum += d * d
	}
	return sum / float64(len(values))
}

// median sorts values in place.
func median(values []float64) float64 {
	sort.Float64s(values)
	n := len(values)
	if n%2 == 1 {
		return values[n/2]
	}
	return (values[n/2-1] + values[n/2]) / 2
}
