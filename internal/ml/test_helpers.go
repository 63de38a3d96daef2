package ml

import (
	"context"
	"fmt"
	"sync"
)

// MetricCounts is what MockMetrics has recorded so far.
type MetricCounts struct {
	Predictions int
	Failures    int
	NaNResults  int
	Timeouts    int
	LatencySum  float64
	ModelAge    float64
	Ready       bool
}

// MockMetrics implements MetricsInterface for testing
type MockMetrics struct {
	mu sync.Mutex
	c  MetricCounts
}

func (m *MockMetrics) MLPredictionsInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.c.Predictions++
}

func (m *MockMetrics) MLFailuresInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.c.Failures++
}

func (m *MockMetrics) MLNaNResultsInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.c.NaNResults++
}

func (m *MockMetrics) MLTimeoutsInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.c.Timeouts++
}

func (m *MockMetrics) MLLatencyObserve(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.c.LatencySum += v
}

func (m *MockMetrics) MLModelAgeSet(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.c.ModelAge = v
}

func (m *MockMetrics) MLModelReadySet(ready bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.c.Ready = ready
}

// Counts returns a copy of the recorded values.
func (m *MockMetrics) Counts() MetricCounts {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.c
}

// FakeService is an in-memory Service for tests. By default it accepts any path and
// returns the sum of the input tensor as the single output value.
type FakeService struct {
	mu      sync.Mutex
	LoadErr error
	// InferFunc overrides the default model when set.
	InferFunc func(in Tensor) (Tensor, error)

	next   int
	open   map[Handle]string
	Calls  int
	Closed int
}

// NewFakeService returns a FakeService with the default summing model.
func NewFakeService() *FakeService {
	return &FakeService{open: make(map[Handle]string)}
}

func (f *FakeService) Load(_ context.Context, path string) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.LoadErr != nil {
		return "", f.LoadErr
	}
	f.next++
	h := Handle(fmt.Sprintf("fake-%d", f.next))
	f.open[h] = path
	return h, nil
}

func (f *FakeService) Infer(_ context.Context, h Handle, in Tensor) (Tensor, error) {
	f.mu.Lock()
	_, ok := f.open[h]
	f.Calls++
	fn := f.InferFunc
	f.mu.Unlock()
	if !ok {
		return Tensor{}, ErrUnknownHandle
	}
	if fn != nil {
		return fn(in)
	}
	var sum float32
	for _, v := range in.Data {
		sum += v
	}
	return Tensor{Name: "variable", Shape: []int64{1, 1}, Data: []float32{sum}}, nil
}

func (f *FakeService) Close(h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.open[h]; ok {
		delete(f.open, h)
		f.Closed++
	}
	return nil
}

// Open returns the number of handles not yet closed.
func (f *FakeService) Open() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.open)
}
