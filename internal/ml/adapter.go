package ml

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"rainfall-scorer/internal/features"
	"rainfall-scorer/internal/scaler"

	"github.com/rs/zerolog/log"
)

// DefaultUnit is appended to formatted predictions.
const DefaultUnit = "mm"

var (
	ErrNotReady     = errors.New("model or scaler not loaded")
	ErrInvalidWidth = errors.New("invalid feature vector width")
)

// MetricsInterface defines metrics methods needed by the adapter
type MetricsInterface interface {
	MLPredictionsInc()
	MLFailuresInc()
	MLNaNResultsInc()
	MLTimeoutsInc()
	MLLatencyObserve(float64)
	MLModelAgeSet(float64)
	MLModelReadySet(bool)
}

// State is the adapter lifecycle state.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateReady
	StateError
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrorKind classifies a failed Load.
type ErrorKind string

const (
	KindBadFormat          ErrorKind = "bad_format"
	KindShapeMismatch      ErrorKind = "shape_mismatch"
	KindMissingScaler      ErrorKind = "missing_scaler"
	KindSizeMismatch       ErrorKind = "size_mismatch"
	KindServiceUnavailable ErrorKind = "service_unavailable"
)

// LoadError is returned by Load. Its message lists the usual causes so it can be shown
// to an operator as is.
type LoadError struct {
	Kind ErrorKind
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("Failed to load model: %v\nPossible causes:\n"+
		"- Invalid model file format\n"+
		"- Model input shape does not match [1,%d]\n"+
		"- Missing scaler parameter files\n"+
		"- Scaler parameter count is not %d\n"+
		"- Inference runtime not available",
		e.Err, features.Width, features.Width)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ModelDescriptor names the three files that make up a deployable model.
type ModelDescriptor struct {
	ModelPath string `json:"model_path" yaml:"model_path"`
	MeanPath  string `json:"mean_path" yaml:"mean_path"`
	ScalePath string `json:"scale_path" yaml:"scale_path"`
}

// Adapter owns one loaded model and its scaler. Predict may be called concurrently; Load
// and Close wait for in-flight predictions.
type Adapter struct {
	service Service
	metrics MetricsInterface
	unit    string

	mu      sync.RWMutex
	state   State
	handle  Handle
	params  scaler.Params
	desc    ModelDescriptor
	lastErr error

	histMu  sync.Mutex
	history []float64
}

// NewAdapter creates an unloaded adapter. metrics may be nil; an empty unit means "mm".
func NewAdapter(service Service, metrics MetricsInterface, unit string) *Adapter {
	if unit == "" {
		unit = DefaultUnit
	}
	return &Adapter{service: service, metrics: metrics, unit: unit}
}

// Load releases whatever is loaded, then opens the model, reads the scaler files and
// runs a zero-vector probe through the model.
func (a *Adapter) Load(ctx context.Context, d ModelDescriptor) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closeLocked()
	a.state = StateLoading
	a.desc = d

	handle, err := a.service.Load(ctx, d.ModelPath)
	if err != nil {
		kind := KindBadFormat
		if errors.Is(err, ErrServiceUnavailable) {
			kind = KindServiceUnavailable
		}
		return a.failLocked(kind, err)
	}

	params, err := scaler.LoadParameters(d.MeanPath, d.ScalePath)
	if err != nil {
		a.releaseLocked(handle)
		kind := KindMissingScaler
		if errors.Is(err, scaler.ErrSizeMismatch) {
			kind = KindSizeMismatch
		}
		return a.failLocked(kind, err)
	}

	probe := Tensor{
		Name:  InputName,
		Shape: []int64{1, int64(features.Width)},
		Data:  params.Apply(make([]float32, features.Width)),
	}
	if _, err := a.service.Infer(ctx, handle, probe); err != nil {
		a.releaseLocked(handle)
		kind := KindShapeMismatch
		if errors.Is(err, ErrServiceUnavailable) {
			kind = KindServiceUnavailable
		}
		return a.failLocked(kind, fmt.Errorf("probe inference failed: %w", err))
	}

	a.handle = handle
	a.params = params
	a.state = StateReady
	a.lastErr = nil

	if a.metrics != nil {
		a.metrics.MLModelReadySet(true)
		if info, err := os.Stat(d.ModelPath); err == nil {
			a.metrics.MLModelAgeSet(time.Since(info.ModTime()).Seconds())
		}
	}

	log.Info().
		Str("model_path", d.ModelPath).
		Str("mean_path", d.MeanPath).
		Str("scale_path", d.ScalePath).
		Msg("Model and scaler loaded")
	return nil
}

func (a *Adapter) failLocked(kind ErrorKind, err error) error {
	lerr := &LoadError{Kind: kind, Err: err}
	a.state = StateError
	a.lastErr = lerr
	log.Error().Err(err).Str("kind", string(kind)).Str("model_path", a.desc.ModelPath).Msg("Model load failed")
	return lerr
}

func (a *Adapter) releaseLocked(h Handle) {
	if err := a.service.Close(h); err != nil {
		log.Warn().Err(err).Msg("Failed to release model handle")
	}
}

// IsReady reports whether a model handle and both scaler arrays are present.
func (a *Adapter) IsReady() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.readyLocked()
}

func (a *Adapter) readyLocked() bool {
	return a.state == StateReady && a.handle != "" && !a.params.Empty()
}

// State returns the current lifecycle state.
func (a *Adapter) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// LastError returns the error of the last failed Load, if the adapter is in StateError.
func (a *Adapter) LastError() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastErr
}

// Descriptor returns the files of the current or last attempted model.
func (a *Adapter) Descriptor() ModelDescriptor {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.desc
}

// Unit is the suffix used by Predict.
func (a *Adapter) Unit() string { return a.unit }

// Predict returns the formatted prediction for v, or "NaN" when v holds a non-finite value.
func (a *Adapter) Predict(ctx context.Context, v []float32) (string, error) {
	val, err := a.PredictValue(ctx, v)
	if err != nil {
		return "", err
	}
	return FormatPrediction(val, a.unit), nil
}

// PredictValue is Predict without formatting. Non-finite input yields NaN and no error.
func (a *Adapter) PredictValue(ctx context.Context, v []float32) (float64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if !a.readyLocked() {
		return 0, ErrNotReady
	}
	if len(v) != features.Width {
		return 0, fmt.Errorf("%w: got %d, want %d", ErrInvalidWidth, len(v), features.Width)
	}
	if !features.Vector(v).Finite() {
		if a.metrics != nil {
			a.metrics.MLNaNResultsInc()
		}
		return math.NaN(), nil
	}

	start := time.Now()
	out, err := a.service.Infer(ctx, a.handle, Tensor{
		Name:  InputName,
		Shape: []int64{1, int64(features.Width)},
		Data:  a.params.Apply(v),
	})
	if a.metrics != nil {
		a.metrics.MLLatencyObserve(time.Since(start).Seconds())
	}
	if err != nil {
		if a.metrics != nil {
			a.metrics.MLFailuresInc()
			if errors.Is(err, context.DeadlineExceeded) {
				a.metrics.MLTimeoutsInc()
			}
		}
		return 0, fmt.Errorf("inference failed: %w", err)
	}

	if len(out.Data) == 0 {
		log.Warn().Msg("Model returned an empty output tensor")
		if a.metrics != nil {
			a.metrics.MLNaNResultsInc()
		}
		return math.NaN(), nil
	}

	val := float64(out.Data[0])
	a.histMu.Lock()
	a.history = append(a.history, val)
	a.histMu.Unlock()

	if a.metrics != nil {
		a.metrics.MLPredictionsInc()
	}
	return val, nil
}

// History returns a copy of every value predicted since the last Load, Close or ClearHistory.
func (a *Adapter) History() []float64 {
	a.histMu.Lock()
	defer a.histMu.Unlock()
	out := make([]float64, len(a.history))
	copy(out, a.history)
	return out
}

// ClearHistory drops the prediction history.
func (a *Adapter) ClearHistory() {
	a.histMu.Lock()
	a.history = nil
	a.histMu.Unlock()
}

// Close releases the model and forgets the scaler and history. It is safe to call twice.
func (a *Adapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closeLocked()
	a.state = StateUnloaded
	a.lastErr = nil
}

func (a *Adapter) closeLocked() {
	if a.handle != "" {
		a.releaseLocked(a.handle)
		a.handle = ""
	}
	a.params = scaler.Params{}
	a.ClearHistory()
	if a.metrics != nil && a.state == StateReady {
		a.metrics.MLModelReadySet(false)
	}
}

// FormatPrediction renders v with two decimals and unit, or "NaN".
func FormatPrediction(v float64, unit string) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "NaN"
	}
	if unit == "" {
		return fmt.Sprintf("%.2f", v)
	}
	return fmt.Sprintf("%.2f %s", v, unit)
}
