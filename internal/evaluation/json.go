package evaluation

import (
	"encoding/json"
	"math"
)

type metricsJSON struct {
	RMSE              *float64 `json:"rmse"`
	MAE               *float64 `json:"mae"`
	MAPE              *float64 `json:"mape"`
	MedianAbsError    *float64 `json:"median_abs_error"`
	ExplainedVariance *float64 `json:"explained_variance"`
	Count             int      `json:"count"`
}

func finitePtr(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func valueOrNaN(p *float64) float64 {
	if p == nil {
		return math.NaN()
	}
	return *p
}

// MarshalJSON writes undefined values (NaN, Inf) as null.
func (m Metrics) MarshalJSON() ([]byte, error) {
	return json.Marshal(metricsJSON{
		RMSE:              finitePtr(m.RMSE),
		MAE:               finitePtr(m.MAE),
		MAPE:              finitePtr(m.MAPE),
		MedianAbsError:    finitePtr(m.MedianAbsError),
		ExplainedVariance: finitePtr(m.ExplainedVariance),
		Count:             m.Count,
	})
}

// UnmarshalJSON reads null back as NaN.
func (m *Metrics) UnmarshalJSON(data []byte) error {
	var raw metricsJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Metrics{
		RMSE:              valueOrNaN(raw.RMSE),
		MAE:               valueOrNaN(raw.MAE),
		MAPE:              valueOrNaN(raw.MAPE),
		MedianAbsError:    valueOrNaN(raw.MedianAbsError),
		ExplainedVariance: valueOrNaN(raw.ExplainedVariance),
		Count:             raw.Count,
	}
	return nil
}
