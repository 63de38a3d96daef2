package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const scriptName = "rain_inference.py"

// PythonService runs inference by piping JSON requests to a python onnxruntime script.
type PythonService struct {
	timeout time.Duration

	mu         sync.Mutex
	pythonPath string
	models     map[Handle]pythonModel
}

type pythonModel struct {
	modelPath  string
	scriptPath string
}

type pythonRequest struct {
	Name  string    `json:"name"`
	Shape []int64   `json:"shape"`
	Data  []float32 `json:"data"`
}

type pythonResponse struct {
	Name   string    `json:"name,omitempty"`
	Shape  []int64   `json:"shape,omitempty"`
	Data   []float32 `json:"data,omitempty"`
	Inputs []struct {
		Name  string `json:"name"`
		Shape []any  `json:"shape"`
	} `json:"inputs,omitempty"`
	Error string `json:"error,omitempty"`
}

// NewPythonService creates a service whose calls are bounded by timeout.
func NewPythonService(timeout time.Duration) *PythonService {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PythonService{
		timeout: timeout,
		models:  make(map[Handle]pythonModel),
	}
}

// Load checks the model file, locates python and the inference script, and asks the
// script to open the model once so format errors surface here rather than on first use.
func (s *PythonService) Load(ctx context.Context, path string) (Handle, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadModel, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrBadModel, path)
	}

	pythonPath, err := s.python()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	scriptPath, err := ensureInferenceScript(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	var resp pythonResponse
	if err := s.run(ctx, pythonPath, []string{scriptPath, path, "--describe"}, nil, &resp); err != nil {
		return "", err
	}

	h := Handle(uuid.NewString())
	s.mu.Lock()
	s.models[h] = pythonModel{modelPath: path, scriptPath: scriptPath}
	s.mu.Unlock()

	log.Info().
		Str("model_path", path).
		Str("python_path", pythonPath).
		Interface("inputs", resp.Inputs).
		Msg("ONNX model opened")
	return h, nil
}

// Infer runs one tensor through the model loaded under h.
func (s *PythonService) Infer(ctx context.Context, h Handle, in Tensor) (Tensor, error) {
	s.mu.Lock()
	m, ok := s.models[h]
	pythonPath := s.pythonPath
	s.mu.Unlock()
	if !ok {
		return Tensor{}, ErrUnknownHandle
	}

	reqJSON, err := json.Marshal(pythonRequest{Name: in.Name, Shape: in.Shape, Data: in.Data})
	if err != nil {
		return Tensor{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	var resp pythonResponse
	if err := s.run(ctx, pythonPath, []string{m.scriptPath, m.modelPath}, reqJSON, &resp); err != nil {
		return Tensor{}, err
	}
	return Tensor{Name: resp.Name, Shape: resp.Shape, Data: resp.Data}, nil
}

// Close forgets the handle. The subprocess holds no state between calls.
func (s *PythonService) Close(h Handle) error {
	s.mu.Lock()
	delete(s.models, h)
	s.mu.Unlock()
	return nil
}

func (s *PythonService) python() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pythonPath != "" {
		return s.pythonPath, nil
	}
	p, err := findPython()
	if err != nil {
		return "", err
	}
	s.pythonPath = p
	return p, nil
}

func (s *PythonService) run(ctx context.Context, pythonPath string, args []string, stdin []byte, out *pythonResponse) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, pythonPath, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("inference timeout after %v: %w", s.timeout, context.DeadlineExceeded)
	}

	if err := json.Unmarshal(stdout.Bytes(), out); err != nil {
		if runErr != nil {
			log.Error().
				Err(runErr).
				Str("python_path", pythonPath).
				Strs("args", args).
				Str("stderr", stderr.String()).
				Msg("Python inference execution failed")
			return fmt.Errorf("%w: python exited: %v, stderr: %s", ErrServiceUnavailable, runErr, strings.TrimSpace(stderr.String()))
		}
		return fmt.Errorf("failed to parse response: %w, stdout: %s", err, stdout.String())
	}

	if out.Error != "" {
		if strings.Contains(out.Error, "onnxruntime not installed") {
			return fmt.Errorf("%w: %s", ErrServiceUnavailable, out.Error)
		}
		if len(args) > 2 && args[2] == "--describe" {
			return fmt.Errorf("%w: %s", ErrBadModel, out.Error)
		}
		return fmt.Errorf("python inference error: %s", out.Error)
	}
	return nil
}

// ensureInferenceScript prefers a script shipped next to the model and otherwise writes
// the embedded one there, or into the temp dir when the model dir is read-only.
func ensureInferenceScript(modelPath string) (string, error) {
	candidates := []string{
		filepath.Join(filepath.Dir(modelPath), scriptName),
		filepath.Join(filepath.Dir(filepath.Dir(modelPath)), "scripts", scriptName),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}

	target := filepath.Join(filepath.Dir(modelPath), scriptName)
	if err := writeInferenceScript(target); err == nil {
		return target, nil
	}
	target = filepath.Join(os.TempDir(), scriptName)
	if err := writeInferenceScript(target); err != nil {
		return "", fmt.Errorf("failed to create inference script: %w", err)
	}
	return target, nil
}

func findPython() (string, error) {
	check := func(path string) bool {
		cmd := exec.Command(path, "-c", "import sys, onnxruntime; print('Python', sys.version)")
		output, err := cmd.Output()
		return err == nil && strings.Contains(string(output), "Python 3")
	}

	if venv := os.Getenv("VIRTUAL_ENV"); venv != "" {
		for _, p := range []string{
			filepath.Join(venv, "bin", "python3"),
			filepath.Join(venv, "bin", "python"),
			filepath.Join(venv, "Scripts", "python.exe"),
		} {
			if _, err := os.Stat(p); err == nil && check(p) {
				log.Info().Str("python_path", p).Msg("Using virtual environment Python")
				return p, nil
			}
		}
	}

	candidates := []string{"python3", "python", "python3.12", "python3.11", "python3.10"}
	for _, c := range candidates {
		if p, err := exec.LookPath(c); err == nil && check(p) {
			log.Info().Str("python_path", p).Msg("Using system Python")
			return p, nil
		}
	}

	return "", fmt.Errorf("no Python 3 with onnxruntime found; install onnxruntime and numpy")
}

func writeInferenceScript(path string) error {
	return os.WriteFile(path, []byte(inferenceScript), 0o755)
}

const inferenceScript = `#!/usr/bin/env python3
"""Single-shot ONNX regression inference. Reads one tensor as JSON on stdin."""
import sys
import json

try:
    import numpy as np
    import onnxruntime as ort
except ImportError:
    print(json.dumps({"error": "onnxruntime not installed"}))
    sys.exit(1)


def main():
    if len(sys.argv) < 2:
        print(json.dumps({"error": "usage: rain_inference.py <model_path> [--describe]"}))
        sys.exit(1)

    try:
        session = ort.InferenceSession(sys.argv[1])
    except Exception as e:
        print(json.dumps({"error": str(e)}))
        sys.exit(1)

    if len(sys.argv) > 2 and sys.argv[2] == "--describe":
        inputs = [{"name": i.name, "shape": list(i.shape)} for i in session.get_inputs()]
        print(json.dumps({"inputs": inputs}))
        return

    try:
        request = json.load(sys.stdin)
        data = np.array(request["data"], dtype=np.float32).reshape(request["shape"])
        outputs = session.run(None, {request["name"]: data})
        first = np.asarray(outputs[0], dtype=np.float32)
        print(json.dumps({
            "name": session.get_outputs()[0].name,
            "shape": list(first.shape),
            "data": first.flatten().tolist(),
        }))
    except Exception as e:
        print(json.dumps({"error": str(e)}))
        sys.exit(1)


if __name__ == "__main__":
    main()
`
