// Package dataset loads weather-station CSV files into validated records, and writes
// scored records back out.
package dataset

import (
	"math"
	"sync"

	"rainfall-scorer/internal/features"
)

// Pending is the prediction text of a record that has not been scored yet.
const Pending = "Pending"

// Record is one accepted CSV row. The prediction is written by the inference worker
// and read by whoever consumes progress, so access goes through the mutex.
type Record struct {
	Features features.Vector
	State    string
	Target   *float64

	mu         sync.RWMutex
	prediction string
	scored     bool
}

// NewRecord creates a record in the pending state.
func NewRecord(v features.Vector, state string, target *float64) *Record {
	return &Record{Features: v, State: state, Target: target, prediction: Pending}
}

// Prediction returns the prediction text, Pending until one is set.
func (r *Record) Prediction() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.prediction
}

// SetPrediction stores p unless a prediction was already stored since the last reset.
// It reports whether the value was written.
func (r *Record) SetPrediction(p string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scored {
		return false
	}
	r.prediction = p
	r.scored = true
	return true
}

// ResetPrediction returns the record to Pending so a new pass can score it.
func (r *Record) ResetPrediction() {
	r.mu.Lock()
	r.prediction = Pending
	r.scored = false
	r.mu.Unlock()
}

// Scored reports whether a prediction has been stored since the last reset.
func (r *Record) Scored() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.scored
}

// PredictionValue parses the stored prediction. ok is false for pending or non-numeric
// predictions such as "NaN".
func (r *Record) PredictionValue() (float64, bool) {
	p := r.Prediction()
	if p == Pending {
		return 0, false
	}
	v := features.ParseSafeFloat(p)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// TargetValue returns the ground truth when present and finite.
func (r *Record) TargetValue() (float64, bool) {
	if r.Target == nil || math.IsNaN(*r.Target) || math.IsInf(*r.Target, 0) {
		return 0, false
	}
	return *r.Target, true
}
