package ml

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// HTTPService talks to a remote tensor-serving endpoint.
//
//	POST   /v1/models          {"path": ...}                 -> {"handle": ...}
//	POST   /v1/infer           {"handle": ..., "inputs": [..]} -> {"outputs": [..]}
//	DELETE /v1/models/{handle}
type HTTPService struct {
	base string
	rest *resty.Client
}

type loadModelReq struct {
	Path string `json:"path"`
}

type loadModelResp struct {
	Handle string `json:"handle"`
}

type inferReq struct {
	Handle string   `json:"handle"`
	Inputs []Tensor `json:"inputs"`
}

type inferResp struct {
	Outputs []Tensor `json:"outputs"`
}

type errorResp struct {
	Error string `json:"error"`
}

// NewHTTPService creates a client for base, e.g. http://localhost:8501.
func NewHTTPService(base string, timeout time.Duration) *HTTPService {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(5 * time.Second)
	}
	return &HTTPService{base: strings.TrimRight(base, "/"), rest: r}
}

func (s *HTTPService) Load(ctx context.Context, path string) (Handle, error) {
	result := &loadModelResp{}
	apiErr := &errorResp{}
	resp, err := s.rest.R().
		SetContext(ctx).
		SetBody(loadModelReq{Path: path}).
		SetResult(result).
		SetError(apiErr).
		Post(s.base + "/v1/models")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	if resp.IsError() {
		if resp.StatusCode() >= http.StatusInternalServerError {
			return "", fmt.Errorf("%w: %d %s", ErrServiceUnavailable, resp.StatusCode(), apiErr.Error)
		}
		return "", fmt.Errorf("%w: %s", ErrBadModel, apiErr.Error)
	}
	if result.Handle == "" {
		return "", fmt.Errorf("%w: empty handle in response", ErrServiceUnavailable)
	}

	log.Info().Str("model_path", path).Str("handle", result.Handle).Msg("Remote model loaded")
	return Handle(result.Handle), nil
}

func (s *HTTPService) Infer(ctx context.Context, h Handle, in Tensor) (Tensor, error) {
	result := &inferResp{}
	apiErr := &errorResp{}
	resp, err := s.rest.R().
		SetContext(ctx).
		SetBody(inferReq{Handle: string(h), Inputs: []Tensor{in}}).
		SetResult(result).
		SetError(apiErr).
		Post(s.base + "/v1/infer")
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Tensor{}, fmt.Errorf("inference timeout: %w", err)
		}
		return Tensor{}, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return Tensor{}, ErrUnknownHandle
	}
	if resp.IsError() {
		return Tensor{}, fmt.Errorf("remote inference error: %d %s", resp.StatusCode(), apiErr.Error)
	}
	if len(result.Outputs) == 0 {
		return Tensor{}, nil
	}
	return result.Outputs[0], nil
}

func (s *HTTPService) Close(h Handle) error {
	resp, err := s.rest.R().Delete(s.base + "/v1/models/" + string(h))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	if resp.IsError() && resp.StatusCode() != http.StatusNotFound {
		return fmt.Errorf("remote close failed: %d", resp.StatusCode())
	}
	return nil
}
