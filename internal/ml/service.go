// Package ml runs the rainfall regression model. An Adapter owns the model handle and the
// scaler parameters; the actual inference runtime sits behind the Service interface so it
// can be a local python/onnxruntime subprocess or a remote tensor-serving endpoint.
package ml

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rainfall-scorer/internal/common"
)

// InputName is the model input tensor name fixed at export time.
const InputName = "float_input"

var (
	// ErrServiceUnavailable means the runtime itself could not be reached or started.
	ErrServiceUnavailable = errors.New("inference service unavailable")
	// ErrBadModel means the runtime rejected the model file.
	ErrBadModel = errors.New("invalid model file")
	// ErrUnknownHandle is returned for handles that were never loaded or already closed.
	ErrUnknownHandle = errors.New("unknown model handle")
)

// Handle identifies a model loaded by a Service.
type Handle string

// Tensor is a dense float32 tensor with a name and shape.
type Tensor struct {
	Name  string    `json:"name"`
	Shape []int64   `json:"shape"`
	Data  []float32 `json:"data"`
}

// Service is the inference runtime used by the Adapter.
type Service interface {
	// Load prepares the model at path and returns a handle for later Infer calls.
	Load(ctx context.Context, path string) (Handle, error)
	// Infer runs a single input tensor through the model and returns the first output.
	Infer(ctx context.Context, h Handle, in Tensor) (Tensor, error)
	// Close releases the model. Closing an unknown handle is not an error.
	Close(h Handle) error
}

// NewService builds the runtime named by backend. url is only used by the http backend.
func NewService(backend, url string, timeout time.Duration) (Service, error) {
	switch backend {
	case common.BackendPython, "":
		return NewPythonService(timeout), nil
	case common.BackendHTTP:
		if url == "" {
			return nil, fmt.Errorf("%w: http backend requires a URL", ErrServiceUnavailable)
		}
		return NewHTTPService(url, timeout), nil
	}
	return nil, fmt.Errorf("unknown inference backend %q", backend)
}
